package ebus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestOutputQueue_Capacity(t *testing.T) {
	q := NewOutputQueue(0)
	if q.Cap() != DefaultQueueCapacity {
		t.Fatalf("Cap() = %d, want %d", q.Cap(), DefaultQueueCapacity)
	}

	tg := mustTelegram(t, 0x10, 0xFE, 0x07, 0x00, nil)
	for i := 0; i < DefaultQueueCapacity; i++ {
		if err := q.Enqueue(tg); err != nil {
			t.Fatalf("Enqueue() #%d error: %v", i+1, err)
		}
	}
	if err := q.Enqueue(tg); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() #21 error = %v, want ErrQueueFull", err)
	}
	if q.Len() != DefaultQueueCapacity {
		t.Errorf("Len() = %d, want %d", q.Len(), DefaultQueueCapacity)
	}
}

func TestOutputQueue_FIFO(t *testing.T) {
	q := NewOutputQueue(5)
	for sb := byte(0); sb < 3; sb++ {
		if err := q.Enqueue(mustTelegram(t, 0x10, 0xFE, 0x07, sb, nil)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	head, ok := q.Peek()
	if !ok || head.Telegram.Secondary() != 0 {
		t.Fatalf("Peek() = %v, %v; want secondary 0", head.Telegram, ok)
	}
	if q.Len() != 3 {
		t.Errorf("Peek removed an item, Len() = %d", q.Len())
	}

	for want := byte(0); want < 3; want++ {
		req, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() #%d empty", want)
		}
		if req.Telegram.Secondary() != want {
			t.Errorf("Pop() secondary = %d, want %d", req.Telegram.Secondary(), want)
		}
		if req.Enqueued.IsZero() {
			t.Error("Enqueued is zero")
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue returned ok")
	}
	if _, ok := q.Peek(); ok {
		t.Error("Peek() on empty queue returned ok")
	}
}

func TestOutputQueue_Discard(t *testing.T) {
	q := NewOutputQueue(5)
	tg := mustTelegram(t, 0x10, 0xFE, 0x07, 0x00, nil)
	for i := 0; i < 4; i++ {
		_ = q.Enqueue(tg)
	}
	if n := q.Discard(); n != 4 {
		t.Errorf("Discard() = %d, want 4", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Discard = %d", q.Len())
	}
	if err := q.Enqueue(tg); err != nil {
		t.Errorf("Enqueue() after Discard error: %v", err)
	}
}

func TestOutputQueue_ReadySignal(t *testing.T) {
	q := NewOutputQueue(5)
	select {
	case <-q.Ready():
		t.Fatal("Ready() signalled on empty queue")
	default:
	}

	tg := mustTelegram(t, 0x10, 0xFE, 0x07, 0x00, nil)
	_ = q.Enqueue(tg)
	_ = q.Enqueue(tg)

	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready() not signalled after Enqueue")
	}
	select {
	case <-q.Ready():
		t.Fatal("Ready() holds more than one signal")
	default:
	}
}

func TestOutputQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewOutputQueue(DefaultQueueCapacity)
	tg := mustTelegram(t, 0x10, 0xFE, 0x07, 0x00, nil)

	var accepted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Enqueue(tg); err != nil {
				rejected.Add(1)
				return
			}
			accepted.Add(1)
		}()
	}
	wg.Wait()

	if accepted.Load() != DefaultQueueCapacity {
		t.Errorf("accepted = %d, want %d", accepted.Load(), DefaultQueueCapacity)
	}
	if rejected.Load() != 50-DefaultQueueCapacity {
		t.Errorf("rejected = %d, want %d", rejected.Load(), 50-DefaultQueueCapacity)
	}
}
