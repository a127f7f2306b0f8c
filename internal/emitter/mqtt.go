package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/SnapDog/internal/config"
	"github.com/cjeanneret/SnapDog/internal/debug"
	"github.com/cjeanneret/SnapDog/internal/shell"
)

const (
	queueSize      = 32
	publishTimeout = 2 * time.Second
)

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// MQTTEmitter publishes shell events to an MQTT broker:
// captures and failures on <topic>/captures, the state (retained) on
// <topic>/state.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	pub    publisher
	queue  chan message

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool
}

// NewMQTTEmitter creates an emitter; call Connect before Run.
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan message, queueSize),
		published: make(map[string]uint64),
	}
}

// Connect establishes the connection to the broker. Reconnection is automatic.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		debug.Info("MQTT connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		debug.Warn("MQTT connection lost, reconnecting: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	debug.Verbose("Connecting to MQTT broker %s", e.cfg.Broker)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// OnEvent queues a shell event for publishing. It never blocks; events
// are dropped while the queue is full.
func (e *MQTTEmitter) OnEvent(ev shell.Event) {
	msg := message{topic: e.cfg.Topic + "/captures"}
	if ev.Type == shell.EventState {
		msg = message{topic: e.cfg.Topic + "/state", retained: true}
	}
	var err error
	if msg.retained {
		msg.payload, err = json.Marshal(ev.State)
	} else {
		msg.payload, err = json.Marshal(ev)
	}
	if err != nil {
		e.countError()
		debug.Warn("MQTT: encode %s event: %v", ev.Type, err)
		return
	}
	select {
	case e.queue <- msg:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Run publishes queued events until ctx is cancelled, then disconnects.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	defer func() {
		e.Disconnect()
		st := e.Stats()
		debug.Info("MQTT emitter stopped: published %v, errors %d, dropped %d", st.Published, st.Errors, st.Dropped)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-e.queue:
			if err := e.publish(msg); err != nil {
				debug.Warn("MQTT publish to %s failed: %v", msg.topic, err)
			}
		}
	}
}

func (e *MQTTEmitter) publish(msg message) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}
	qos := byte(e.cfg.QoS)
	token := e.pub.Publish(msg.topic, qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[msg.topic]++
	e.mu.Unlock()
	debug.Trace("MQTT published %d bytes to %s (qos %d, retained %v)", len(msg.payload), msg.topic, qos, msg.retained)
	return nil
}

// Disconnect closes the MQTT connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250) // 250ms grace period
		debug.Verbose("MQTT disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
