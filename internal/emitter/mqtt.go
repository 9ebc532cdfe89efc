// Package emitter publishes detections produced by stream workers to
// downstream consumers.
package emitter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"frame-orchestrator/internal/orchestrator"
)

const (
	connectTimeout = 5 * time.Second
	// DefaultTopicPrefix is used when MQTTConfig.TopicPrefix is empty.
	DefaultTopicPrefix = "frames/detections"
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTTEmitter publishes detections as JSON to "<prefix>/<stream_id>".
// Publish never blocks the caller: messages are handed to the client
// asynchronously and dropped while the connection is down.
type MQTTEmitter struct {
	cfg    MQTTConfig
	log    *slog.Logger
	client mqtt.Client

	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewMQTTEmitter returns an emitter for cfg. Call Connect before publishing.
func NewMQTTEmitter(cfg MQTTConfig, log *slog.Logger) *MQTTEmitter {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "frame-orchestrator"
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTTEmitter{cfg: cfg, log: log}
}

// Connect establishes the broker connection. The client reconnects on its
// own after a connection loss.
func (e *MQTTEmitter) Connect() error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.connected.Store(true)
		e.log.Info("mqtt connected", slog.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.connected.Store(false)
		e.log.Warn("mqtt connection lost", slog.String("broker", broker), slog.String("error", err.Error()))
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	e.connected.Store(true)
	return nil
}

// Topic returns the topic detections of id are published to.
func (e *MQTTEmitter) Topic(id orchestrator.StreamID) string {
	return e.cfg.TopicPrefix + "/" + string(id)
}

// Publish implements orchestrator.DetectionSink.
func (e *MQTTEmitter) Publish(d orchestrator.Detection) {
	if e.client == nil || !e.connected.Load() {
		e.dropped.Add(1)
		return
	}

	payload, err := Encode(d)
	if err != nil {
		e.dropped.Add(1)
		e.log.Debug("encode detection", slog.String("error", err.Error()))
		return
	}

	topic := e.Topic(d.StreamID)
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			e.dropped.Add(1)
			e.log.Debug("publish detection", slog.String("topic", topic), slog.String("error", err.Error()))
			return
		}
		e.published.Add(1)
	}()
}

// Stats returns how many detections were published and dropped.
func (e *MQTTEmitter) Stats() (published, dropped uint64) {
	return e.published.Load(), e.dropped.Load()
}

// Close disconnects from the broker. It is safe to call more than once.
func (e *MQTTEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.client == nil {
		return
	}
	e.closed = true
	e.connected.Store(false)
	e.client.Disconnect(250)
}

type detectionMessage struct {
	StreamID   orchestrator.StreamID `json:"stream_id"`
	Sequence   uint64                `json:"sequence"`
	CapturedAt time.Time             `json:"captured_at"`
	Regions    []regionMessage       `json:"regions"`
}

type regionMessage struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   [4]int  `json:"box"`
}

// Encode returns the JSON message for d. Boxes are [x1, y1, x2, y2].
func Encode(d orchestrator.Detection) ([]byte, error) {
	msg := detectionMessage{
		StreamID:   d.StreamID,
		Sequence:   d.Sequence,
		CapturedAt: d.CapturedAt,
		Regions:    make([]regionMessage, len(d.Regions)),
	}
	for i, r := range d.Regions {
		msg.Regions[i] = regionMessage{
			Label: r.Label,
			Score: r.Score,
			Box:   [4]int{r.Bounds.Min.X, r.Bounds.Min.Y, r.Bounds.Max.X, r.Bounds.Max.Y},
		}
	}
	return json.Marshal(msg)
}
