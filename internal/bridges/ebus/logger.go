package ebus

import "sync"

// Logger receives the package's key/value log lines. *logging.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// loggerRef is a swappable Logger shared by a connector and the components
// it owns. A nil target discards everything.
type loggerRef struct {
	mu     sync.RWMutex
	target Logger
}

func (r *loggerRef) set(l Logger) {
	r.mu.Lock()
	r.target = l
	r.mu.Unlock()
}

func (r *loggerRef) get() Logger {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

func (r *loggerRef) Debug(msg string, keysAndValues ...any) {
	if l := r.get(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (r *loggerRef) Info(msg string, keysAndValues ...any) {
	if l := r.get(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (r *loggerRef) Warn(msg string, keysAndValues ...any) {
	if l := r.get(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (r *loggerRef) Error(msg string, keysAndValues ...any) {
	if l := r.get(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
