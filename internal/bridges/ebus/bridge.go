package ebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge reconnect constants.
const (
	// defaultReconnectInterval is the initial delay before reopening a lost link.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval caps the reopen backoff.
	maxReconnectInterval = 2 * time.Minute

	// reconnectBackoffFactor grows the delay after each failed reopen.
	reconnectBackoffFactor = 1.5
)

// Link is the connector surface the bridge needs.
// *Connector implements it.
type Link interface {
	Open(ctx context.Context, cfg LinkConfig, publisher StatePublisher) error
	Send(t Telegram) error
	IsOpen() bool
	QueueLen() int
	Diagnostics() *Diagnostics
	Close() error
}

var _ Link = (*Connector)(nil)

// Bridge runs an eBUS link as a service:
//   - Opens the link and publishes decoded states
//   - Accepts send commands over MQTT and acknowledges them
//   - Reopens the link with backoff after it is lost
//   - Reports health
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID          string
	linkCfg           LinkConfig
	mqtt              MQTTClient
	link              Link
	publisher         StatePublisher
	health            *HealthReporter
	reconnectInterval time.Duration

	linkLost    chan struct{}
	unsubscribe func()

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies this bridge in health messages. Default: "ebus".
	BridgeID string

	// Version is reported in health messages.
	Version string

	// LinkConfig is passed to Link.Open.
	LinkConfig LinkConfig

	// MQTTClient is the MQTT client implementation. Required.
	MQTTClient MQTTClient

	// Link is the eBUS connector. Required.
	Link Link

	// Publisher receives decoded states.
	// Default: an MQTTPublisher on MQTTClient.
	Publisher StatePublisher

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	// ReconnectInterval is the first delay before reopening a lost link.
	// Default: 5s.
	ReconnectInterval time.Duration

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("%w: MQTT client is required", ErrConfiguration)
	}
	if opts.Link == nil {
		return nil, fmt.Errorf("%w: link is required", ErrConfiguration)
	}
	if err := opts.LinkConfig.Validate(); err != nil {
		return nil, err
	}

	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = protocolName
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = NewMQTTPublisher(opts.MQTTClient, opts.Logger)
	}
	reconnect := opts.ReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultReconnectInterval
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:          bridgeID,
		linkCfg:           opts.LinkConfig,
		mqtt:              opts.MQTTClient,
		link:              opts.Link,
		publisher:         publisher,
		reconnectInterval: reconnect,
		linkLost:          make(chan struct{}, 1),
		done:              make(chan struct{}),
		ctx:               ctx,
		ctxCancel:         ctxCancel,
		logger:            opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Transport: opts.LinkConfig.TransportID,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Link:      opts.Link,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Health returns the bridge's health reporter, e.g. for the MQTT LWT.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start opens the link, subscribes to commands and starts health
// reporting. A failure to open the link is returned.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.unsubscribe = b.link.Diagnostics().Subscribe(func(ev Event) {
		if ev.Kind != EventLinkLost {
			return
		}
		select {
		case b.linkLost <- struct{}{}:
		default:
		}
	})

	if err := b.link.Open(ctx, b.linkCfg, b.publisher); err != nil {
		b.unsubscribe()
		return fmt.Errorf("opening ebus link: %w", err)
	}

	if err := b.mqtt.Subscribe(CommandTopic(), 1, b.handleCommand); err != nil {
		b.unsubscribe()
		b.link.Close() //nolint:errcheck // already failing
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", CommandTopic())

	b.wg.Add(1)
	go b.superviseLink()

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"transport", b.linkCfg.TransportID)
	return nil
}

// Stop gracefully shuts down the bridge and closes the link.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		// Stop accepting commands before the link goes away
		if err := b.mqtt.Unsubscribe(CommandTopic()); err != nil {
			b.logError("failed to unsubscribe from commands", err)
		}

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.wg.Wait()

		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		if err := b.link.Close(); err != nil {
			b.logError("closing ebus link", err)
		}

		b.logInfo("bridge stopped")
	})
}

// superviseLink reopens the link each time it is lost.
func (b *Bridge) superviseLink() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case <-b.linkLost:
		}
		b.reopen()
	}
}

// reopen retries Open with exponential backoff until it succeeds or the
// bridge stops.
func (b *Bridge) reopen() {
	backoff := b.reconnectInterval
	for attempt := 1; ; attempt++ {
		select {
		case <-b.done:
			return
		case <-time.After(backoff):
		}

		b.logInfo("reopening ebus link", "attempt", attempt, "backoff", backoff.String())
		err := b.link.Open(b.ctx, b.linkCfg, b.publisher)
		if err == nil || errors.Is(err, ErrAlreadyOpen) {
			b.logInfo("ebus link reopened", "attempts", attempt)
			if err := b.health.PublishNow(); err != nil {
				b.logError("failed to publish health", err)
			}
			return
		}
		b.logError("reopen failed", err)

		// Exponential backoff with cap
		backoff = time.Duration(float64(backoff) * reconnectBackoffFactor)
		if backoff > maxReconnectInterval {
			backoff = maxReconnectInterval
		}
	}
}

// handleCommand processes a send command from MQTT.
func (b *Bridge) handleCommand(_ string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAckError(cmd, ErrCodeInvalidCommand, fmt.Sprintf("invalid command payload: %v", err))
		return
	}
	if cmd.ID == "" {
		cmd.ID = "cmd-" + uuid.NewString()
	}

	b.logInfo("received command", "command_id", cmd.ID, "telegram", cmd.Telegram)

	t, err := ParseTelegramHex(cmd.Telegram)
	if err != nil {
		b.publishAckError(cmd, ErrCodeInvalidTelegram, err.Error())
		return
	}

	if err := b.link.Send(t); err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			b.publishAckError(cmd, ErrCodeQueueFull, err.Error())
		case errors.Is(err, ErrNotOpen):
			b.publishAckError(cmd, ErrCodeNotOpen, err.Error())
		default:
			b.publishAckError(cmd, ErrCodeBridgeError, err.Error())
		}
		return
	}

	b.publishAck(NewAckMessage(cmd, AckAccepted, t.String()))
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	b.publishAck(NewAckError(cmd, code, message))
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
