package ebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Connector timing and buffer constants.
const (
	// readBufferSize is the receive buffer. At 2400 baud a read rarely
	// returns more than a few bytes.
	readBufferSize = 256

	// readerStopTimeout bounds how long Close waits for the receive
	// goroutine. Some serial drivers do not unblock Read on Close.
	readerStopTimeout = 2 * time.Second
)

// LinkConfig is the link configuration supplied to Open.
type LinkConfig struct {
	// TransportID is the serial device path. Required.
	TransportID string

	// GrammarLocation overrides the bundled decoding grammar. It may be a
	// file path or a file://, http:// or https:// URL.
	GrammarLocation string
}

// Property keys accepted by LinkConfigFromProperties.
const (
	PropertyTransportID     = "transportId"
	PropertySerialPort      = "serialPort"
	PropertyGrammarLocation = "grammarLocation"
	PropertyParserURL       = "parserUrl"
)

// LinkConfigFromProperties builds a LinkConfig from key-value properties.
// "serialPort" and "parserUrl" are accepted as aliases of "transportId" and
// "grammarLocation"; the canonical keys win when both are present.
func LinkConfigFromProperties(props map[string]string) LinkConfig {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(props[k]); v != "" {
				return v
			}
		}
		return ""
	}
	return LinkConfig{
		TransportID:     pick(PropertyTransportID, PropertySerialPort),
		GrammarLocation: pick(PropertyGrammarLocation, PropertyParserURL),
	}
}

// Validate checks that the configuration can open a link.
func (c LinkConfig) Validate() error {
	if strings.TrimSpace(c.TransportID) == "" {
		return fmt.Errorf("%w: transport id is required", ErrConfiguration)
	}
	return nil
}

// Decoder turns telegrams into named field values.
type Decoder interface {
	// LoadGrammar loads the decoding grammar. An empty location selects the
	// decoder's bundled default.
	LoadGrammar(ctx context.Context, location string) error

	// Decode returns the fields carried by t. ok is false when no grammar
	// entry matches. Decode is called from the receive goroutine and must
	// not block.
	Decode(t Telegram) (fields map[string]FieldValue, ok bool)
}

// StatePublisher receives typed state updates. Publish is fire-and-forget
// and is called from the receive goroutine.
type StatePublisher interface {
	Publish(name string, state State)
}

// TelegramObserver sees every valid telegram before it is decoded.
type TelegramObserver interface {
	ObserveTelegram(t Telegram)
}

// ConnectorOptions holds the collaborators of a Connector.
type ConnectorOptions struct {
	// Decoder decodes telegrams into fields. Required.
	Decoder Decoder

	// OpenPort opens the transport. Default: OpenSerialPort.
	OpenPort PortOpener

	// QueueCapacity bounds pending outbound telegrams. Default: 20.
	QueueCapacity int

	// Transmit tunes listen-before-send.
	Transmit TransmitterConfig

	// Logger is optional.
	Logger Logger
}

// Connector owns one eBUS link: the transport, the receive loop, the output
// queue and the transmitter.
//
// States are Closed (initial) and Open. A read failure closes the link.
//
// Thread Safety: All methods are safe for concurrent use.
type Connector struct {
	decoder  Decoder
	openPort PortOpener
	queueCap int
	txCfg    TransmitterConfig

	diag   *Diagnostics
	logger *loggerRef

	// lifecycleMu serialises Open and Close.
	lifecycleMu sync.Mutex

	// mu guards link.
	mu   sync.Mutex
	link *link

	observers   []TelegramObserver
	observersMu sync.RWMutex
}

// link is the state of one Open..Close cycle.
type link struct {
	port      Port
	publisher StatePublisher
	framer    *Framer
	queue     *OutputQueue
	tx        *Transmitter
	idleAfter time.Duration

	done       *closeOnce
	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) closed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// NewConnector creates a closed connector.
func NewConnector(opts ConnectorOptions) *Connector {
	openPort := opts.OpenPort
	if openPort == nil {
		openPort = OpenSerialPort
	}
	c := &Connector{
		decoder:  opts.Decoder,
		openPort: openPort,
		queueCap: opts.QueueCapacity,
		txCfg:    opts.Transmit.withDefaults(),
		diag:     NewDiagnostics(),
		logger:   &loggerRef{},
	}
	c.logger.set(opts.Logger)
	return c
}

// SetLogger replaces the logger, including for an already open link.
func (c *Connector) SetLogger(logger Logger) {
	c.logger.set(logger)
}

// AddObserver registers an observer for every framed telegram.
func (c *Connector) AddObserver(o TelegramObserver) {
	if o == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, o)
	c.observersMu.Unlock()
}

// Diagnostics returns the connector's diagnostics sink.
func (c *Connector) Diagnostics() *Diagnostics {
	return c.diag
}

// Open opens the transport, loads the grammar and starts the receive and
// transmit goroutines.
//
// Returns:
//   - ErrConfiguration: missing transport id, publisher or decoder
//   - ErrAlreadyOpen: the link is already open
//   - ErrPort: the transport could not be opened
//   - ErrGrammarLoad: the grammar could not be loaded
//
// On any error the connector stays Closed and the transport is released.
func (c *Connector) Open(ctx context.Context, cfg LinkConfig, publisher StatePublisher) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if publisher == nil {
		return fmt.Errorf("%w: state publisher is required", ErrConfiguration)
	}
	if c.decoder == nil {
		return fmt.Errorf("%w: decoder is required", ErrConfiguration)
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.IsOpen() {
		return ErrAlreadyOpen
	}

	port, err := c.openPort(PortConfig{Name: cfg.TransportID, Baud: BaudRate})
	if err != nil {
		if !errors.Is(err, ErrPort) {
			err = fmt.Errorf("%w: %w", ErrPort, err)
		}
		return err
	}

	if err := c.decoder.LoadGrammar(ctx, cfg.GrammarLocation); err != nil {
		port.Close() //nolint:errcheck // already failing
		if !errors.Is(err, ErrGrammarLoad) {
			err = fmt.Errorf("%w: %w", ErrGrammarLoad, err)
		}
		return err
	}

	l := &link{
		port:       port,
		publisher:  publisher,
		framer:     NewFramer(c.diag, c.logger),
		queue:      NewOutputQueue(c.queueCap),
		idleAfter:  c.txCfg.IdleWindow,
		done:       newCloseOnce(),
		readerDone: make(chan struct{}),
	}
	l.tx = NewTransmitter(l.queue, port, l.idle, c.txCfg, c.diag, c.logger)

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	go c.receiveLoop(l)
	l.tx.Start()

	c.logger.Info("ebus link opened",
		"transport", cfg.TransportID,
		"baud", BaudRate,
		"grammar", grammarLabel(cfg.GrammarLocation))
	return nil
}

func grammarLabel(location string) string {
	if location == "" {
		return "default"
	}
	return location
}

// IsOpen reports whether the connector holds the transport.
func (c *Connector) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Send queues t for transmission and returns immediately.
//
// Returns ErrNotOpen when closed and ErrQueueFull when the queue is at
// capacity. Write failures happen later and show up in Diagnostics.
func (c *Connector) Send(t Telegram) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil {
		return ErrNotOpen
	}
	if err := l.queue.Enqueue(t); err != nil {
		c.diag.Record(EventQueueFull, err)
		c.logger.Warn("outbound telegram rejected", "telegram", t.String(), "error", err)
		return err
	}
	return nil
}

// QueueLen returns the pending outbound telegrams, 0 when closed.
func (c *Connector) QueueLen() int {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.queue.Len()
}

// Close releases the transport and stops both goroutines. Pending outbound
// telegrams are discarded. Close is idempotent.
func (c *Connector) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	return c.closeLink(l, true)
}

// closeLink tears down l. The receive goroutine calls it with waitReader
// false after a read failure.
func (c *Connector) closeLink(l *link, waitReader bool) error {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()

	l.closeOnce.Do(func() {
		l.done.Close()
		// halt before closing the port so an interrupted write is not
		// reported as a send error.
		l.tx.halt()
		l.closeErr = l.port.Close()
		l.tx.Stop()
		if n := l.queue.Discard(); n > 0 {
			c.logger.Info("discarded pending telegrams", "count", n)
		}
		c.logger.Info("ebus link closed")
	})

	if waitReader {
		select {
		case <-l.readerDone:
		case <-time.After(readerStopTimeout):
			c.logger.Warn("receive loop did not stop in time")
		}
	}

	if l.closeErr != nil {
		return fmt.Errorf("%w: closing transport: %w", ErrPort, l.closeErr)
	}
	return nil
}

// idle reports a quiet bus: no segment in progress and no byte for at
// least the idle window.
func (l *link) idle() bool {
	if l.framer.Busy() {
		return false
	}
	last := l.framer.LastActivity()
	return last.IsZero() || time.Since(last) >= l.idleAfter
}

// receiveLoop reads the transport until the link closes.
func (c *Connector) receiveLoop(l *link) {
	defer close(l.readerDone)

	buf := make([]byte, readBufferSize)
	for {
		n, err := l.port.Read(buf)
		if l.done.closed() {
			return
		}
		if n > 0 {
			c.handleBytes(l, buf[:n])
		}
		if err != nil {
			if l.done.closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: transport closed by peer", ErrPort)
			}
			c.diag.Record(EventLinkLost, err)
			c.logger.Error("ebus link lost", "error", err)
			c.closeLink(l, false) //nolint:errcheck // link already failed
			return
		}
	}
}

// handleBytes frames a chunk and dispatches every completed telegram.
func (c *Connector) handleBytes(l *link, chunk []byte) {
	telegrams := l.framer.Feed(chunk)
	c.diag.addReceived(len(telegrams))

	for _, t := range telegrams {
		if l.done.closed() {
			return
		}
		c.dispatch(l, t)
	}
}

// dispatch runs observers, the decoder and the publisher for one telegram.
// A failure in any of them is isolated to that telegram or field.
func (c *Connector) dispatch(l *link, t Telegram) {
	c.observersMu.RLock()
	observers := c.observers
	c.observersMu.RUnlock()

	for _, o := range observers {
		c.safeObserve(o, t)
	}

	fields, ok := c.safeDecode(t)
	if !ok || len(fields) == 0 {
		return
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := fields[name]
		if v.IsAbsent() {
			continue
		}
		state, ok := ToState(v)
		if !ok {
			err := fmt.Errorf("%w: field %s has kind %s", ErrDecodeType, name, v.Kind())
			c.diag.Record(EventDecodeError, err)
			c.logger.Error("skipping field", "error", err)
			continue
		}
		if l.done.closed() {
			return
		}
		c.safePublish(l.publisher, name, state)
	}
}

func (c *Connector) safeObserve(o TelegramObserver, t Telegram) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("telegram observer panicked", "panic", r, "telegram", t.String())
		}
	}()
	o.ObserveTelegram(t)
}

func (c *Connector) safeDecode(t Telegram) (fields map[string]FieldValue, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("decoder panicked: %v", r)
			c.diag.Record(EventDecodeError, err)
			c.logger.Error("decode failed", "error", err, "telegram", t.String())
			fields, ok = nil, false
		}
	}()
	return c.decoder.Decode(t)
}

func (c *Connector) safePublish(p StatePublisher, name string, state State) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("publisher panicked: %v", r)
			c.diag.Record(EventPublishError, err)
			c.logger.Error("publish failed", "error", err, "name", name)
		}
	}()
	p.Publish(name, state)
}
