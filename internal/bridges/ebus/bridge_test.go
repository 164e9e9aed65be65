package ebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	publishErr    error
	handlers      map[string]func(topic string, payload []byte)
	unsubscribed  []string
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) Unsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribed...)
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// PublishedOn returns the payloads published to topic.
func (m *MockMQTTClient) PublishedOn(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// MockLink implements Link for testing.
type MockLink struct {
	mu        sync.Mutex
	open      bool
	opens     int
	closes    int
	openErrs  []error
	sendErr   error
	sent      []Telegram
	cfg       LinkConfig
	publisher StatePublisher
	diag      *Diagnostics
}

func NewMockLink() *MockLink {
	return &MockLink{diag: NewDiagnostics()}
}

func (m *MockLink) Open(_ context.Context, cfg LinkConfig, publisher StatePublisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		if err != nil {
			return err
		}
	}
	if m.open {
		return ErrAlreadyOpen
	}
	m.open = true
	m.cfg = cfg
	m.publisher = publisher
	return nil
}

func (m *MockLink) Send(t Telegram) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, t)
	return nil
}

func (m *MockLink) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockLink) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *MockLink) Diagnostics() *Diagnostics { return m.diag }

func (m *MockLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.open = false
	return nil
}

// Lose simulates the connector dropping the link after a read error.
func (m *MockLink) Lose() {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	m.diag.Record(EventLinkLost, errTest)
}

func (m *MockLink) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *MockLink) Sent() []Telegram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Telegram(nil), m.sent...)
}

func newTestBridge(t *testing.T, mqtt *MockMQTTClient, l *MockLink) *Bridge {
	t.Helper()
	b, err := NewBridge(BridgeOptions{
		BridgeID:          "ebus-test",
		Version:           "1.0.0",
		LinkConfig:        LinkConfig{TransportID: "/dev/ttyUSB0"},
		MQTTClient:        mqtt,
		Link:              l,
		HealthInterval:    time.Hour,
		ReconnectInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}
	return b
}

func TestNewBridge_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"no mqtt", BridgeOptions{Link: NewMockLink(), LinkConfig: LinkConfig{TransportID: "/dev/x"}}},
		{"no link", BridgeOptions{MQTTClient: NewMockMQTTClient(), LinkConfig: LinkConfig{TransportID: "/dev/x"}}},
		{"no transport", BridgeOptions{MQTTClient: NewMockMQTTClient(), Link: NewMockLink()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); !errors.Is(err, ErrConfiguration) {
				t.Errorf("NewBridge() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestBridge_StartStop(t *testing.T) {
	mqtt := NewMockMQTTClient()
	l := NewMockLink()
	b := newTestBridge(t, mqtt, l)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if !l.IsOpen() {
		t.Fatal("link not opened")
	}
	if l.cfg.TransportID != "/dev/ttyUSB0" {
		t.Errorf("link config = %+v", l.cfg)
	}
	if _, ok := l.publisher.(*MQTTPublisher); !ok {
		t.Errorf("default publisher = %T, want *MQTTPublisher", l.publisher)
	}

	subs := mqtt.GetSubscriptions()
	if len(subs) != 1 || subs[0].Topic != "ebus/command/send" || subs[0].QoS != 1 {
		t.Errorf("subscriptions = %+v", subs)
	}

	health := mqtt.PublishedOn(HealthTopic())
	if len(health) == 0 {
		t.Fatal("no health published")
	}
	var first HealthMessage
	if err := json.Unmarshal(health[0], &first); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if first.Status != HealthStarting || first.Bridge != "ebus-test" {
		t.Errorf("first health = %+v", first)
	}

	b.Stop()
	b.Stop()

	if l.IsOpen() {
		t.Error("link still open after Stop")
	}
	if got := mqtt.Unsubscribed(); len(got) != 1 || got[0] != CommandTopic() {
		t.Errorf("unsubscribed = %v, want [%s]", got, CommandTopic())
	}
	health = mqtt.PublishedOn(HealthTopic())
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1], &last); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health status = %s, want stopping", last.Status)
	}
}

func TestBridge_StartOpenError(t *testing.T) {
	mqtt := NewMockMQTTClient()
	l := NewMockLink()
	l.openErrs = []error{fmt.Errorf("%w: %w", ErrPort, ErrNoSuchPort)}
	b := newTestBridge(t, mqtt, l)

	err := b.Start(context.Background())
	if !errors.Is(err, ErrNoSuchPort) {
		t.Fatalf("Start() error = %v, want ErrNoSuchPort", err)
	}
	if len(mqtt.GetSubscriptions()) != 0 {
		t.Error("subscribed to commands although the link failed")
	}
}

func TestBridge_HandleCommand(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		sendErr    error
		closeFirst bool
		wantStatus AckStatus
		wantCode   string
		wantSent   int
	}{
		{"accepted", `{"id":"c1","telegram":"10 08 b5 11 01"}`, nil, false, AckAccepted, "", 1},
		{"invalid json", `{not json`, nil, false, AckFailed, ErrCodeInvalidCommand, 0},
		{"invalid hex", `{"id":"c2","telegram":"10 08 zz"}`, nil, false, AckFailed, ErrCodeInvalidTelegram, 0},
		{"slave source", `{"id":"c3","telegram":"08 10 b5 11"}`, nil, false, AckFailed, ErrCodeInvalidTelegram, 0},
		{"queue full", `{"id":"c4","telegram":"10 fe 07 00"}`, fmt.Errorf("%w: 20 telegrams pending", ErrQueueFull), false, AckFailed, ErrCodeQueueFull, 0},
		{"not open", `{"id":"c5","telegram":"10 fe 07 00"}`, nil, true, AckFailed, ErrCodeNotOpen, 0},
		{"other error", `{"id":"c6","telegram":"10 fe 07 00"}`, errTest, false, AckFailed, ErrCodeBridgeError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt := NewMockMQTTClient()
			l := NewMockLink()
			l.sendErr = tt.sendErr
			b := newTestBridge(t, mqtt, l)
			if err := b.Start(context.Background()); err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			defer b.Stop()
			if tt.closeFirst {
				l.Close()
			}

			mqtt.SimulateMessage(CommandTopic(), []byte(tt.payload))

			acks := mqtt.PublishedOn(AckTopic())
			if len(acks) != 1 {
				t.Fatalf("published %d acks, want 1", len(acks))
			}
			var ack AckMessage
			if err := json.Unmarshal(acks[0], &ack); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			if ack.Status != tt.wantStatus {
				t.Errorf("ack status = %s, want %s", ack.Status, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if ack.Error == nil || ack.Error.Code != tt.wantCode {
					t.Errorf("ack error = %+v, want code %s", ack.Error, tt.wantCode)
				}
			}
			if len(l.Sent()) != tt.wantSent {
				t.Errorf("sent %d telegrams, want %d", len(l.Sent()), tt.wantSent)
			}
		})
	}
}

func TestBridge_AcceptedAckCarriesTelegram(t *testing.T) {
	mqtt := NewMockMQTTClient()
	l := NewMockLink()
	b := newTestBridge(t, mqtt, l)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.SimulateMessage(CommandTopic(), []byte(`{"id":"c1","telegram":"1008b51101"}`))

	var ack AckMessage
	if err := json.Unmarshal(mqtt.PublishedOn(AckTopic())[0], &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.CommandID != "c1" || ack.Telegram != "10 08 b5 11 01 01 89 / 00" {
		t.Errorf("ack = %+v", ack)
	}
	sent := l.Sent()
	if len(sent) != 1 || sent[0].Command() != 0xB511 || sent[0].MasterCRC() != 0x89 {
		t.Errorf("sent = %v", sent)
	}
}

func TestBridge_CommandWithoutIDGetsOne(t *testing.T) {
	mqtt := NewMockMQTTClient()
	b := newTestBridge(t, mqtt, NewMockLink())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.SimulateMessage(CommandTopic(), []byte(`{"telegram":"10 fe 07 00"}`))
	mqtt.SimulateMessage(CommandTopic(), []byte(`{"telegram":"10 fe 07 00"}`))

	acks := mqtt.PublishedOn(AckTopic())
	if len(acks) != 2 {
		t.Fatalf("got %d acks, want 2", len(acks))
	}
	ids := make([]string, 0, len(acks))
	for _, raw := range acks {
		var ack AckMessage
		if err := json.Unmarshal(raw, &ack); err != nil {
			t.Fatalf("unmarshal ack: %v", err)
		}
		if !strings.HasPrefix(ack.CommandID, "cmd-") {
			t.Errorf("CommandID = %q, want cmd- prefix", ack.CommandID)
		}
		ids = append(ids, ack.CommandID)
	}
	if ids[0] == ids[1] {
		t.Errorf("generated ids are equal: %q", ids[0])
	}
}

func TestBridge_ReopensLostLink(t *testing.T) {
	mqtt := NewMockMQTTClient()
	l := NewMockLink()
	b := newTestBridge(t, mqtt, l)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	l.mu.Lock()
	l.openErrs = []error{nil, errTest}
	l.mu.Unlock()

	l.Lose()
	waitFor(t, "link reopened", func() bool { return l.IsOpen() })
	if n := l.Opens(); n != 2 {
		t.Errorf("opens = %d, want 2", n)
	}

	// The second loss needs one failed attempt before the link comes back.
	l.Lose()
	waitFor(t, "link reopened again", func() bool { return l.IsOpen() })
	if n := l.Opens(); n != 4 {
		t.Errorf("opens = %d, want 4", n)
	}
}

func TestBridge_StopDuringReopen(t *testing.T) {
	mqtt := NewMockMQTTClient()
	l := NewMockLink()
	b := newTestBridge(t, mqtt, l)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	l.mu.Lock()
	for i := 0; i < 100; i++ {
		l.openErrs = append(l.openErrs, errTest)
	}
	l.mu.Unlock()
	l.Lose()
	waitFor(t, "reopen attempt", func() bool { return l.Opens() >= 2 })

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked during reopen")
	}
}
