package ebus

import (
	"io"
	"sync"
	"time"
)

// Transmitter defaults.
const (
	// defaultInitialBackoff is the first wait after finding the bus busy.
	defaultInitialBackoff = 20 * time.Millisecond

	// defaultMaxBackoff caps the exponential backoff.
	defaultMaxBackoff = time.Second

	// defaultMaxAttempts is the number of busy rounds before a telegram is dropped.
	defaultMaxAttempts = 8

	// defaultIdleWindow is the bus silence required before writing. At
	// 2400 baud one symbol takes about 4.2ms.
	defaultIdleWindow = 5 * time.Millisecond
)

// TransmitterConfig tunes listen-before-send.
// Zero values select the defaults.
type TransmitterConfig struct {
	// InitialBackoff is the first wait after finding the bus busy. Default: 20ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling backoff. Default: 1s.
	MaxBackoff time.Duration

	// MaxAttempts is how many busy rounds are tolerated before the telegram
	// is dropped. Default: 8.
	MaxAttempts int

	// IdleWindow is the silence since the last received byte that counts as
	// an idle bus. Default: 5ms.
	IdleWindow time.Duration
}

func (c TransmitterConfig) withDefaults() TransmitterConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = defaultIdleWindow
	}
	return c
}

// Transmitter drains an OutputQueue onto the bus one telegram at a time.
//
// It takes the head of the queue only when idle reports a quiet bus, so at
// most one write is ever in flight.
//
// Only the master part of a telegram is written. Broadcasts are closed with
// a SYN. For addressed telegrams the transmitter does not wait for the
// receiver's acknowledgement, so it never sends the closing SYN of a
// master-master exchange nor the ACK and SYN that follow a slave response;
// the bus auto-SYN generator ends those exchanges after its timeout.
type Transmitter struct {
	queue  *OutputQueue
	w      io.Writer
	idle   func() bool
	cfg    TransmitterConfig
	diag   *Diagnostics
	logger Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTransmitter creates a transmitter. Call Start to begin draining.
//
// Parameters:
//   - queue: Source of outbound telegrams
//   - w: Bus writer, normally the serial port
//   - idle: Reports whether the bus is quiet enough to write
//   - cfg: Backoff tuning, zero values select defaults
//   - diag: Counter sink, may be nil
//   - logger: May be nil
func NewTransmitter(queue *OutputQueue, w io.Writer, idle func() bool, cfg TransmitterConfig, diag *Diagnostics, logger Logger) *Transmitter {
	if idle == nil {
		idle = func() bool { return true }
	}
	return &Transmitter{
		queue:  queue,
		w:      w,
		idle:   idle,
		cfg:    cfg.withDefaults(),
		diag:   diag,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the transmit goroutine.
func (tx *Transmitter) Start() {
	tx.wg.Add(1)
	go tx.run()
}

// Stop ends the transmit goroutine and waits for it. Safe to call more
// than once. Queued telegrams are left in the queue.
func (tx *Transmitter) Stop() {
	tx.halt()
	tx.wg.Wait()
}

// halt signals the goroutine to stop without waiting for it. A write that
// fails after halt is treated as shutdown rather than a send error.
func (tx *Transmitter) halt() {
	tx.stopOnce.Do(func() {
		close(tx.done)
	})
}

func (tx *Transmitter) run() {
	defer tx.wg.Done()

	for {
		select {
		case <-tx.done:
			return
		case <-tx.queue.Ready():
		}

		for tx.queue.Len() > 0 {
			if !tx.transmitHead() {
				return
			}
		}
	}
}

// transmitHead waits for an idle bus and writes the head of the queue.
// It returns false when the transmitter is stopping.
func (tx *Transmitter) transmitHead() bool {
	backoff := tx.cfg.InitialBackoff
	for attempt := 1; !tx.idle(); attempt++ {
		tx.diag.Record(EventContention, nil)

		if attempt >= tx.cfg.MaxAttempts {
			if req, ok := tx.queue.Pop(); ok {
				tx.diag.Record(EventSendDropped, nil)
				tx.logWarn("dropping telegram, bus stayed busy",
					"telegram", req.Telegram.String(),
					"attempts", attempt,
					"queued_for", time.Since(req.Enqueued).String())
			}
			return true
		}

		timer := time.NewTimer(backoff)
		select {
		case <-tx.done:
			timer.Stop()
			return false
		case <-timer.C:
		}

		// Exponential backoff with cap
		backoff *= 2
		if backoff > tx.cfg.MaxBackoff {
			backoff = tx.cfg.MaxBackoff
		}
	}

	select {
	case <-tx.done:
		return false
	default:
	}

	req, ok := tx.queue.Pop()
	if !ok {
		return true // discarded while waiting
	}

	frame := req.Telegram.EncodeRequest()
	if req.Telegram.Type() == Broadcast {
		frame = append(frame, SYN)
	}

	if _, err := tx.w.Write(frame); err != nil {
		select {
		case <-tx.done:
			return false // port closed under us
		default:
		}
		tx.diag.Record(EventSendError, err)
		tx.logError("telegram write failed", err, "telegram", req.Telegram.String())
		return true
	}

	tx.diag.addSent()
	if tx.logger != nil {
		tx.logger.Debug("telegram sent", "telegram", req.Telegram.String(), "bytes", len(frame))
	}
	return true
}

func (tx *Transmitter) logWarn(msg string, keysAndValues ...any) {
	if tx.logger != nil {
		tx.logger.Warn(msg, keysAndValues...)
	}
}

func (tx *Transmitter) logError(msg string, err error, keysAndValues ...any) {
	if tx.logger != nil {
		tx.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
