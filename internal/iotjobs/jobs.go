// Package iotjobs runs the device side of the remote-control channel: it
// listens for AWS IoT jobs on the reserved MQTT topics, executes the
// command carried in the job document and reports the outcome.
package iotjobs

import (
	"encoding/json"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/your-org/parking-iot/internal/config"
	"github.com/your-org/parking-iot/internal/iotmqtt"
)

// JobDocument is the command payload stored in S3 and delivered with the
// job execution.
type JobDocument struct {
	Cmd string `json:"cmd"`
}

// Execution describes one job execution as delivered on the jobs topics.
type Execution struct {
	JobID           string      `json:"jobId"`
	Status          string      `json:"status,omitempty"`
	JobDocument     JobDocument `json:"jobDocument"`
	VersionNumber   int64       `json:"versionNumber"`
	ExecutionNumber int64       `json:"executionNumber"`
}

type notification struct {
	Execution *Execution `json:"execution"`
	Timestamp int64      `json:"timestamp"`
}

type startNextRequest struct {
	StatusDetails map[string]string `json:"statusDetails,omitempty"`
}

type updateRequest struct {
	Status          string            `json:"status"`
	StatusDetails   map[string]string `json:"statusDetails,omitempty"`
	ExpectedVersion int64             `json:"expectedVersion,omitempty"`
	ExecutionNumber int64             `json:"executionNumber,omitempty"`
}

type mqttClient interface {
	Connect() error
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Send(topic, msg string) error
	Disconnect()
}

// Client executes remote commands delivered through AWS IoT jobs.
type Client struct {
	thing    string
	mqtt     mqttClient
	commands *Registry
	topics   topics
	log      *zap.SugaredLogger
}

// New builds a Client backed by a REMOTE-type MQTT client.
func New(cfg *config.Settings, log *zap.SugaredLogger) (*Client, error) {
	c, err := iotmqtt.New(cfg, config.ClientRemote, log)
	if err != nil {
		return nil, err
	}
	thing := c.ThingName
	return &Client{
		thing:    thing,
		mqtt:     c,
		commands: NewRegistry(cfg.Version),
		topics:   topics{thing: thing},
		log:      log,
	}, nil
}

// Commands returns the registry so the caller can add device commands.
func (c *Client) Commands() *Registry {
	return c.commands
}

// Start connects and subscribes to the jobs topics. After Start returns,
// command jobs targeting the thing are picked up as they arrive.
func (c *Client) Start() error {
	if err := c.mqtt.Connect(); err != nil {
		return err
	}
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{c.topics.notifyNext(), c.onNotifyNext},
		{c.topics.startNextAccepted(), c.onStartNextAccepted},
		{c.topics.startNextRejected(), c.onStartNextRejected},
		{c.topics.updateAccepted("+"), c.onUpdateAccepted},
		{c.topics.updateRejected("+"), c.onUpdateRejected},
	}
	for _, s := range subs {
		if err := c.mqtt.Subscribe(s.topic, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	c.mqtt.Disconnect()
}

// onNotifyNext fires when a new job is queued for the thing. The job is not
// ours yet; publishing to start-next moves it to IN_PROGRESS and asks the
// service to hand it over on start-next/accepted.
func (c *Client) onNotifyNext(_ mqtt.Client, m mqtt.Message) {
	var n notification
	if err := json.Unmarshal(m.Payload(), &n); err != nil {
		c.log.Errorw("decode notify-next", "error", err)
		return
	}
	if n.Execution == nil {
		c.log.Debugw("notify-next without execution")
		return
	}
	c.log.Debugw("new job received", "job", n.Execution.JobID)
	// Publishing from inside a paho handler can block the router; run it on
	// its own goroutine.
	go c.startNext()
}

func (c *Client) startNext() {
	req := startNextRequest{StatusDetails: map[string]string{
		"startedBy": c.thing,
		"startTime": strconv.FormatInt(nowMillis(), 10),
	}}
	b, err := json.Marshal(req)
	if err != nil {
		c.log.Errorw("encode start-next", "error", err)
		return
	}
	if err := c.mqtt.Send(c.topics.startNext(), string(b)); err != nil {
		c.log.Errorw("start next job", "error", err)
	}
}

// onStartNextAccepted fires when the service hands the next job over. The
// carried job document holds the command to execute.
func (c *Client) onStartNextAccepted(_ mqtt.Client, m mqtt.Message) {
	var n notification
	if err := json.Unmarshal(m.Payload(), &n); err != nil {
		c.log.Errorw("decode start-next reply", "error", err)
		return
	}
	if n.Execution == nil {
		c.log.Debugw("start-next reply without execution")
		return
	}
	c.log.Infow("received command", "cmd", n.Execution.JobDocument.Cmd, "job", n.Execution.JobID)
	go c.run(*n.Execution)
}

func (c *Client) run(exec Execution) {
	status, details := c.commands.Execute(exec.JobDocument.Cmd, c.thing)
	c.log.Infow("command executed",
		"cmd", exec.JobDocument.Cmd,
		"status", status,
		"output", details["output"],
	)
	req := updateRequest{
		Status:          status,
		StatusDetails:   details,
		ExpectedVersion: exec.VersionNumber,
		ExecutionNumber: exec.ExecutionNumber,
	}
	b, err := json.Marshal(req)
	if err != nil {
		c.log.Errorw("encode job update", "job", exec.JobID, "error", err)
		return
	}
	if err := c.mqtt.Send(c.topics.update(exec.JobID), string(b)); err != nil {
		c.log.Errorw("update job status", "job", exec.JobID, "error", err)
	}
}

func (c *Client) onStartNextRejected(_ mqtt.Client, m mqtt.Message) {
	c.log.Errorw("start-next rejected", "payload", string(m.Payload()))
}

func (c *Client) onUpdateAccepted(_ mqtt.Client, m mqtt.Message) {
	c.log.Infow("job status update accepted", "topic", m.Topic())
}

func (c *Client) onUpdateRejected(_ mqtt.Client, m mqtt.Message) {
	c.log.Errorw("job status update rejected", "topic", m.Topic(), "payload", string(m.Payload()))
}
