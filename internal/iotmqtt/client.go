// Package iotmqtt wraps the MQTT connection to AWS IoT Core. Each client
// connects as its own IoT thing over mutual TLS.
package iotmqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/your-org/parking-iot/internal/config"
)

// Connection tuning the device fleet has always run with.
const (
	connectTimeout  = 10 * time.Second
	opTimeout       = 5 * time.Second
	retryInterval   = time.Second
	maxReconnectGap = 32 * time.Second
)

// QoS for all device traffic.
const qosAtLeastOnce byte = 1

// ErrNoConnection is returned when a publish is attempted while the broker
// connection is down.
var ErrNoConnection = errors.New("no internet connection")

var newClient = mqtt.NewClient

// Client is a configured AWS IoT MQTT client. It is built unconnected;
// Connect (or the first Send) establishes the session.
type Client struct {
	ThingName string

	mqtt mqtt.Client
	log  *zap.SugaredLogger
}

// New builds a Client of the given type (config.ClientUpload or
// config.ClientRemote) from the agent settings.
func New(cfg *config.Settings, clientType string, log *zap.SugaredLogger) (*Client, error) {
	ca, key, cert, err := cfg.Credentials(clientType)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := tlsConfig(ca, key, cert)
	if err != nil {
		return nil, err
	}

	c := &Client{ThingName: cfg.ThingName(clientType), log: log}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", cfg.Endpoint, cfg.Port)).
		SetClientID(c.ThingName).
		SetTLSConfig(tlsCfg).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectGap).
		SetConnectRetryInterval(retryInterval).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onOnline).
		SetConnectionLostHandler(c.onOffline)
	c.mqtt = newClient(opts)
	return c, nil
}

// Connect establishes the MQTT session. It is a no-op when the connection
// is already open.
func (c *Client) Connect() error {
	if c.mqtt.IsConnectionOpen() {
		return nil
	}
	c.log.Infow("connecting to mqtt broker", "thing", c.ThingName)
	t := c.mqtt.Connect()
	if !t.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect %s: operation timed out", c.ThingName)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("connect %s: %w", c.ThingName, err)
	}
	return nil
}

// Send publishes msg on topic at QoS 1, connecting first if needed. When
// the connection is down it fails with ErrNoConnection; delivery is not
// otherwise acknowledged beyond the broker handshake.
func (c *Client) Send(topic, msg string) error {
	if err := c.Connect(); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	if !c.mqtt.IsConnectionOpen() {
		return fmt.Errorf("cannot publish to topic %s: %w", topic, ErrNoConnection)
	}
	t := c.mqtt.Publish(topic, qosAtLeastOnce, false, msg)
	if !t.WaitTimeout(opTimeout) {
		return fmt.Errorf("publish to topic %s: operation timed out", topic)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic at QoS 1.
func (c *Client) Subscribe(topic string, handler mqtt.MessageHandler) error {
	t := c.mqtt.Subscribe(topic, qosAtLeastOnce, handler)
	if !t.WaitTimeout(opTimeout) {
		return fmt.Errorf("subscribe %s: operation timed out", topic)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the session. Safe to call when not connected.
func (c *Client) Disconnect() {
	if !c.mqtt.IsConnectionOpen() {
		return
	}
	c.log.Infow("disconnecting from mqtt broker", "thing", c.ThingName)
	c.mqtt.Disconnect(250)
}

func (c *Client) onOnline(mqtt.Client) {
	c.log.Infow("mqtt online", "thing", c.ThingName)
}

func (c *Client) onOffline(_ mqtt.Client, err error) {
	c.log.Warnw("mqtt offline", "thing", c.ThingName, "error", err)
}

func tlsConfig(caPath, keyPath, certPath string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read root ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("root ca %s holds no certificates", caPath)
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load device certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
