package ebus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a diagnostic event counted by Diagnostics.
type EventKind int

const (
	// EventChecksumError is a received part whose CRC did not match.
	EventChecksumError EventKind = iota

	// EventInvalidFrame is a malformed segment (bad escape, address or length).
	EventInvalidFrame

	// EventShortFrame is a segment too short to hold a complete exchange,
	// usually arbitration residue.
	EventShortFrame

	// EventOverflow is a segment that exceeded the maximum wire length.
	EventOverflow

	// EventDecodeError is a decoder failure or an unsupported decoded value.
	EventDecodeError

	// EventPublishError is a publisher failure while delivering a state.
	EventPublishError

	// EventSendError is a failed write of an outbound telegram.
	EventSendError

	// EventSendDropped is an outbound telegram given up after bus contention.
	EventSendDropped

	// EventQueueFull is a Send rejected because the queue was at capacity.
	EventQueueFull

	// EventLinkLost is a read failure that closed the link.
	EventLinkLost

	// EventContention is one listen-before-send round that found the bus busy.
	EventContention

	numEventKinds
)

var eventKindNames = [numEventKinds]string{
	EventChecksumError: "checksum_error",
	EventInvalidFrame:  "invalid_frame",
	EventShortFrame:    "short_frame",
	EventOverflow:      "overflow",
	EventDecodeError:   "decode_error",
	EventPublishError:  "publish_error",
	EventSendError:     "send_error",
	EventSendDropped:   "send_dropped",
	EventQueueFull:     "queue_full",
	EventLinkLost:      "link_lost",
	EventContention:    "contention",
}

// String returns the snake_case name used in logs and health payloads.
func (k EventKind) String() string {
	if k < 0 || k >= numEventKinds {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is a single diagnostic occurrence delivered to subscribers.
type Event struct {
	Kind EventKind
	Err  error
	Time time.Time
}

// DiagnosticsSnapshot is a point-in-time copy of the counters.
type DiagnosticsSnapshot struct {
	TelegramsReceived uint64 `json:"telegrams_received"`
	TelegramsSent     uint64 `json:"telegrams_sent"`
	ChecksumErrors    uint64 `json:"checksum_errors"`
	InvalidFrames     uint64 `json:"invalid_frames"`
	ShortFrames       uint64 `json:"short_frames"`
	Overflows         uint64 `json:"overflows"`
	DecodeErrors      uint64 `json:"decode_errors"`
	PublishErrors     uint64 `json:"publish_errors"`
	SendErrors        uint64 `json:"send_errors"`
	SendDropped       uint64 `json:"send_dropped"`
	QueueFull         uint64 `json:"queue_full"`
	LinkLost          uint64 `json:"link_lost"`
	Contention        uint64 `json:"contention"`
}

// Diagnostics counts link-level events for one connector.
//
// Counters are atomics so the receive and transmit goroutines never contend.
// Subscribers are called synchronously on the goroutine that recorded the
// event and must not block. A nil *Diagnostics discards everything.
type Diagnostics struct {
	counters    [numEventKinds]atomic.Uint64
	telegramsRx atomic.Uint64
	telegramsTx atomic.Uint64

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// NewDiagnostics creates an empty diagnostics sink.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{subs: make(map[int]func(Event))}
}

// Record counts one event and notifies subscribers.
func (d *Diagnostics) Record(kind EventKind, err error) {
	if d == nil || kind < 0 || kind >= numEventKinds {
		return
	}
	d.counters[kind].Add(1)

	d.subMu.RLock()
	if len(d.subs) == 0 {
		d.subMu.RUnlock()
		return
	}
	fns := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.RUnlock()

	ev := Event{Kind: kind, Err: err, Time: time.Now()}
	for _, fn := range fns {
		notifySubscriber(fn, ev)
	}
}

// notifySubscriber isolates a panicking subscriber from the caller.
func notifySubscriber(fn func(Event), ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

// Subscribe registers fn for every recorded event.
// The returned function removes the subscription.
func (d *Diagnostics) Subscribe(fn func(Event)) (unsubscribe func()) {
	if d == nil || fn == nil {
		return func() {}
	}
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

// Count returns the current value of one counter.
func (d *Diagnostics) Count(kind EventKind) uint64 {
	if d == nil || kind < 0 || kind >= numEventKinds {
		return 0
	}
	return d.counters[kind].Load()
}

func (d *Diagnostics) addReceived(n int) {
	if d != nil && n > 0 {
		d.telegramsRx.Add(uint64(n))
	}
}

func (d *Diagnostics) addSent() {
	if d != nil {
		d.telegramsTx.Add(1)
	}
}

// Snapshot returns a copy of all counters.
func (d *Diagnostics) Snapshot() DiagnosticsSnapshot {
	if d == nil {
		return DiagnosticsSnapshot{}
	}
	return DiagnosticsSnapshot{
		TelegramsReceived: d.telegramsRx.Load(),
		TelegramsSent:     d.telegramsTx.Load(),
		ChecksumErrors:    d.Count(EventChecksumError),
		InvalidFrames:     d.Count(EventInvalidFrame),
		ShortFrames:       d.Count(EventShortFrame),
		Overflows:         d.Count(EventOverflow),
		DecodeErrors:      d.Count(EventDecodeError),
		PublishErrors:     d.Count(EventPublishError),
		SendErrors:        d.Count(EventSendError),
		SendDropped:       d.Count(EventSendDropped),
		QueueFull:         d.Count(EventQueueFull),
		LinkLost:          d.Count(EventLinkLost),
		Contention:        d.Count(EventContention),
	}
}
