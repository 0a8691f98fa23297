// Package funcenv resolves the environment variables a Lambda function is
// deployed with, either from an SSM parameter or from the deployer's own
// environment.
package funcenv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"
)

// SSMAPI abstracts the SSM GetParameter operation for testability.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Loader retrieves and caches per-function environment maps from SSM
// Parameter Store. Parameters hold a flat JSON object and may be stored as
// SecureString, so reads always request decryption.
type Loader struct {
	client SSMAPI
	cache  map[string]map[string]string
	mu     sync.Mutex
	log    *zap.SugaredLogger
}

// New creates a Loader using the provided SSM client and logger.
func New(client SSMAPI, log *zap.SugaredLogger) *Loader {
	return &Loader{client: client, cache: make(map[string]map[string]string), log: log}
}

// Load fetches the parameter with the given name, caching the result.
func (l *Loader) Load(ctx context.Context, name string) (map[string]string, error) {
	l.mu.Lock()
	if v, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return v, nil
	}
	l.mu.Unlock()

	out, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get parameter %s: %w", name, err)
	}

	var vars map[string]string
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &vars); err != nil {
		return nil, fmt.Errorf("decode parameter %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = vars
	l.mu.Unlock()
	return vars, nil
}

// Resolve builds the variables funcName is deployed with. When ssmParam is
// set the parameter supplies them; otherwise they come from the deployer's
// process environment, where IOT_PREFIX and S3_PREFIX are both required.
// ENV always reflects the deploy environment.
func (l *Loader) Resolve(ctx context.Context, env, funcName, ssmParam string) (map[string]string, error) {
	vars := map[string]string{}
	if ssmParam != "" {
		loaded, err := l.Load(ctx, ssmParam)
		if err != nil {
			return nil, err
		}
		for k, v := range loaded {
			vars[k] = v
		}
	} else {
		for _, key := range []string{"IOT_PREFIX", "S3_PREFIX"} {
			v := os.Getenv(key)
			if v == "" {
				return nil, fmt.Errorf("%s must be set to deploy %s", key, funcName)
			}
			vars[key] = v
		}
	}
	vars["ENV"] = env
	return vars, nil
}
