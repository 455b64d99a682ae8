package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// Collector records every payload passed to its Handle method.
type Collector struct {
	mu       sync.Mutex
	payloads [][]byte
	notify   chan struct{}

	// Err, if set, is returned for payloads it matches.
	Err func(payload []byte) error
}

func NewCollector() *Collector {
	return &Collector{notify: make(chan struct{}, 1)}
}

// Handle records payload. It has the signature of a queue handler.
func (c *Collector) Handle(_ context.Context, payload []byte) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	if c.Err != nil {
		return c.Err(payload)
	}
	return nil
}

// Payloads returns a copy of the recorded payloads in handling order.
func (c *Collector) Payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

// WaitFor blocks until at least n payloads were recorded or the timeout
// expires, failing the test in the latter case.
func (c *Collector) WaitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for c.Len() < n {
		select {
		case <-c.notify:
		case <-deadline.C:
			t.Fatalf("timed out after %s waiting for %d payloads, got %d", timeout, n, c.Len())
		}
	}
}
