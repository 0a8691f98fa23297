package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment literals.
const (
	Test = "test"
	Dev  = "dev"
	Prod = "prod"
)

// MQTT client types. Each type connects as its own IoT thing with its own
// certificate pair.
const (
	ClientUpload = "UPLOAD"
	ClientRemote = "REMOTE"
)

// Settings holds the agent configuration resolved from the environment.
// Values already present in the process environment take priority over the
// .env file.
type Settings struct {
	Env             string `validate:"required,oneof=test dev prod"`
	SensorName      string `validate:"required"`
	Endpoint        string `validate:"required"`
	Port            int    `validate:"min=1,max=65535"`
	CredentialsDir  string `validate:"required"`
	RootCA          string `validate:"required"`
	UploadKey       string `validate:"required"`
	UploadCert      string `validate:"required"`
	RemoteKey       string `validate:"required"`
	RemoteCert      string `validate:"required"`
	UploadTopic     string `validate:"required"`
	Version         string `validate:"required"`
	Debug           bool
	TotalIterations int `validate:"min=0"`
	LogFile         string
}

// Load reads the .env file, fills Settings from the environment and
// validates them.
func Load() (*Settings, error) {
	_ = godotenv.Load() // a missing .env file is fine

	s := &Settings{
		Env:            getenv("ENV", Test),
		SensorName:     os.Getenv("SENSOR_NAME"),
		Endpoint:       os.Getenv("ENDPOINT"),
		CredentialsDir: getenv("CREDENTIALS_DIR", "credentials"),
		RootCA:         os.Getenv("ROOT_CA"),
		UploadKey:      os.Getenv("UPLOAD_PRIVATE_KEY"),
		UploadCert:     os.Getenv("UPLOAD_CERT_FILE"),
		RemoteKey:      os.Getenv("REMOTE_PRIVATE_KEY"),
		RemoteCert:     os.Getenv("REMOTE_CERT_FILE"),
		UploadTopic:    os.Getenv("UPLOAD_TOPIC"),
		Version:        os.Getenv("VERSION"),
		LogFile:        os.Getenv("LOG_FILE"),
	}

	var err error
	if s.Port, err = intenv("PORT", 8883); err != nil {
		return nil, err
	}
	if s.TotalIterations, err = intenv("TOTAL_ITERATIONS", 0); err != nil {
		return nil, err
	}
	if s.Debug, err = boolenv("DEBUG", false); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return s, nil
}

// Env reads the .env file and returns the configured environment name. Used
// by tooling that needs the environment without full agent settings.
func Env() string {
	_ = godotenv.Load()
	return getenv("ENV", Test)
}

// Credentials returns the CA, private key and certificate paths for the
// given client type, joined under the credentials directory.
func (s *Settings) Credentials(clientType string) (ca, key, cert string, err error) {
	switch clientType {
	case ClientUpload:
		key, cert = s.UploadKey, s.UploadCert
	case ClientRemote:
		key, cert = s.RemoteKey, s.RemoteCert
	default:
		return "", "", "", fmt.Errorf("client type %q is not supported", clientType)
	}
	dir := s.CredentialsDir
	return filepath.Join(dir, s.RootCA), filepath.Join(dir, key), filepath.Join(dir, cert), nil
}

// ThingName returns the IoT thing name for the given client type.
func (s *Settings) ThingName(clientType string) string {
	return s.SensorName + "_" + clientType
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func boolenv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
