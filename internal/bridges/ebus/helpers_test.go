package ebus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"
)

// mustTelegram builds a telegram or fails the test.
func mustTelegram(t *testing.T, src, dst, pb, sb byte, data []byte) Telegram {
	t.Helper()
	tg, err := NewTelegram(src, dst, pb, sb, data)
	if err != nil {
		t.Fatalf("NewTelegram(%02x %02x %02x %02x % x): %v", src, dst, pb, sb, data, err)
	}
	return tg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakePort is an in-memory Port. Bytes passed to Inject are returned by
// Read; bytes written are recorded.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writes   int
	writeErr error
	closes   int
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes++
	p.written.Write(b)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return p.r.Close()
}

// Inject delivers bytes to the reader. It returns once they were read.
func (p *fakePort) Inject(b []byte) {
	p.w.Write(b) //nolint:errcheck // fails only after Close
}

// Fail makes the pending and next Read return err.
func (p *fakePort) Fail(err error) {
	p.w.CloseWithError(err)
}

func (p *fakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func (p *fakePort) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *fakePort) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePort) SetWriteError(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// stallingPort blocks every Write until the port is closed and then fails
// it, the way a serial write does when its handle goes away.
type stallingPort struct {
	*fakePort
	entered   chan struct{}
	closed    chan struct{}
	enterOnce sync.Once
	closeOnce sync.Once
}

func newStallingPort() *stallingPort {
	return &stallingPort{
		fakePort: newFakePort(),
		entered:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (p *stallingPort) Write([]byte) (int, error) {
	p.enterOnce.Do(func() { close(p.entered) })
	<-p.closed
	return 0, os.ErrClosed
}

func (p *stallingPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return p.fakePort.Close()
}

// portOpener returns a PortOpener handing out port and recording the config.
func portOpener(port Port, openErr error) (PortOpener, *[]PortConfig) {
	var mu sync.Mutex
	var calls []PortConfig
	return func(cfg PortConfig) (Port, error) {
		mu.Lock()
		calls = append(calls, cfg)
		mu.Unlock()
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	}, &calls
}

// MockDecoder implements Decoder for testing.
type MockDecoder struct {
	mu        sync.Mutex
	loadErr   error
	locations []string
	decode    func(t Telegram) (map[string]FieldValue, bool)
	decoded   []Telegram
}

func (d *MockDecoder) LoadGrammar(_ context.Context, location string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locations = append(d.locations, location)
	return d.loadErr
}

func (d *MockDecoder) Decode(t Telegram) (map[string]FieldValue, bool) {
	d.mu.Lock()
	d.decoded = append(d.decoded, t)
	fn := d.decode
	d.mu.Unlock()
	if fn == nil {
		return nil, false
	}
	return fn(t)
}

func (d *MockDecoder) Decoded() []Telegram {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Telegram(nil), d.decoded...)
}

// published is one recorded Publish call.
type published struct {
	Name  string
	State State
}

// MockPublisher implements StatePublisher for testing.
type MockPublisher struct {
	mu      sync.Mutex
	calls   []published
	panicOn string
}

func (p *MockPublisher) Publish(name string, state State) {
	p.mu.Lock()
	panicOn := p.panicOn
	p.mu.Unlock()
	if name == panicOn {
		panic("publisher failure")
	}
	p.mu.Lock()
	p.calls = append(p.calls, published{Name: name, State: state})
	p.mu.Unlock()
}

func (p *MockPublisher) Calls() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.calls...)
}

// testLogger records log calls.
type testLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *testLogger) record(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, level+": "+msg)
	l.mu.Unlock()
}

func (l *testLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *testLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *testLogger) Has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}

var errTest = errors.New("test failure")
