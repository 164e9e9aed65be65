package influxdb

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ebus/internal/infrastructure/config"
)

func TestWriteOptions(t *testing.T) {
	tests := []struct {
		name      string
		batch     int
		flush     int
		wantBatch uint
		wantFlush uint
	}{
		{"configured", 500, 2, 500, 2000},
		{"zero uses defaults", 0, 0, defaultBatchSize, 10000},
		{"negative uses defaults", -5, -1, defaultBatchSize, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := writeOptions(config.InfluxDBConfig{BatchSize: tt.batch, FlushInterval: tt.flush})
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d ms, want %d", got, tt.wantFlush)
			}
		})
	}
}

func TestForwardErrors(t *testing.T) {
	c := &Client{}
	got := make(chan error, 2)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 2)
	errs <- errors.New("422 unprocessable entity")
	close(errs)

	done := make(chan struct{})
	go func() {
		c.forwardErrors(errs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwardErrors did not return after the channel closed")
	}
	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	default:
		t.Fatal("callback not called")
	}
}

func TestForwardErrors_NoCallback(t *testing.T) {
	errs := make(chan error, 1)
	errs <- errors.New("dropped")
	close(errs)

	(&Client{}).forwardErrors(errs)
}
