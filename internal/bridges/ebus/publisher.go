package ebus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription made with Subscribe.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// MQTTPublisher publishes states as retained StateMessage JSON.
type MQTTPublisher struct {
	client MQTTClient
	qos    byte
	logger Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewMQTTPublisher creates a publisher using QoS 1.
func NewMQTTPublisher(client MQTTClient, logger Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, qos: 1, logger: logger}
}

// Publish implements StatePublisher.
func (p *MQTTPublisher) Publish(name string, state State) {
	payload, err := json.Marshal(NewStateMessage(name, state))
	if err != nil {
		p.fail("failed to marshal state", name, err)
		return
	}
	if err := p.client.Publish(StateTopic(name), payload, p.qos, true); err != nil {
		p.fail("failed to publish state", name, err)
		return
	}
	p.published.Add(1)
}

func (p *MQTTPublisher) fail(msg, name string, err error) {
	p.failed.Add(1)
	if p.logger != nil {
		p.logger.Error(msg, "name", name, "error", err)
	}
}

// Counts returns published and failed totals.
func (p *MQTTPublisher) Counts() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// PointWriter writes one measurement point. It is satisfied by the
// InfluxDB client.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time)
}

// MetricsPublisher writes numeric and on/off states as time-series points.
// Text states are not written.
type MetricsPublisher struct {
	writer      PointWriter
	measurement string
}

// DefaultMeasurement is the measurement name used by MetricsPublisher.
const DefaultMeasurement = "ebus_state"

// NewMetricsPublisher creates a metrics publisher.
func NewMetricsPublisher(w PointWriter) *MetricsPublisher {
	return &MetricsPublisher{writer: w, measurement: DefaultMeasurement}
}

// Publish implements StatePublisher.
func (p *MetricsPublisher) Publish(name string, state State) {
	var v float64
	switch s := state.(type) {
	case DecimalState:
		v = float64(s)
	case OnOffState:
		if s {
			v = 1
		}
	default:
		return
	}
	p.writer.WritePointWithTime(p.measurement,
		map[string]string{"name": name},
		map[string]any{"value": v},
		time.Now())
}

// MultiPublisher fans a state out to several publishers in order.
type MultiPublisher []StatePublisher

// Publish implements StatePublisher.
func (m MultiPublisher) Publish(name string, state State) {
	for _, p := range m {
		if p != nil {
			p.Publish(name, state)
		}
	}
}

// ChangeFilter forwards a state only when it differs from the last value
// forwarded for the same name.
//
// Thread Safety: All methods are safe for concurrent use.
type ChangeFilter struct {
	next StatePublisher

	mu    sync.Mutex
	cache map[string]State
}

// NewChangeFilter wraps next.
func NewChangeFilter(next StatePublisher) *ChangeFilter {
	return &ChangeFilter{next: next, cache: make(map[string]State)}
}

// Publish implements StatePublisher.
func (f *ChangeFilter) Publish(name string, state State) {
	f.mu.Lock()
	if prev, ok := f.cache[name]; ok && prev == state {
		f.mu.Unlock()
		return
	}
	f.cache[name] = state
	f.mu.Unlock()

	f.next.Publish(name, state)
}

// Clear forgets every cached value so the next state of each name is
// forwarded again.
func (f *ChangeFilter) Clear() {
	f.mu.Lock()
	f.cache = make(map[string]State)
	f.mu.Unlock()
}
