// Package upload publishes sensor telemetry to the configured AWS IoT topic.
package upload

import (
	"go.uber.org/zap"

	"github.com/your-org/parking-iot/internal/config"
	"github.com/your-org/parking-iot/internal/iotmqtt"
)

type sender interface {
	Send(topic, msg string) error
	Disconnect()
}

// Publisher sends messages to the sensor's upload topic.
type Publisher struct {
	client sender
	topic  string
}

// New builds a Publisher backed by an UPLOAD-type MQTT client.
func New(cfg *config.Settings, log *zap.SugaredLogger) (*Publisher, error) {
	c, err := iotmqtt.New(cfg, config.ClientUpload, log)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: c, topic: cfg.UploadTopic}, nil
}

// Publish sends msg, a JSON-encoded payload, to the configured upload topic.
func (p *Publisher) Publish(msg string) error {
	return p.client.Send(p.topic, msg)
}

// PublishTo sends msg to a custom topic instead of the configured one.
func (p *Publisher) PublishTo(topic, msg string) error {
	return p.client.Send(topic, msg)
}

// Disconnect closes the underlying MQTT session.
func (p *Publisher) Disconnect() {
	p.client.Disconnect()
}
