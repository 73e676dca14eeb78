package hooks

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	corehooks "github.com/cexll/agentsnap/pkg/core/hooks"
)

// Collector keeps the first error raised by any callback of a hook. Later
// errors are logged and counted but do not replace the first.
type Collector struct {
	mu     sync.Mutex
	err    error
	count  int
	logger *slog.Logger
}

func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{logger: logger}
}

// Capture runs fn, converting a returned error or a panic into a *HookError
// which is recorded. It reports whether fn succeeded.
func (c *Collector) Capture(point corehooks.Point, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err, isErr := r.(error)
			if !isErr {
				err = fmt.Errorf("%v", r)
			}
			c.Record(&HookError{Point: point, Err: err, Panic: true})
			ok = false
		}
	}()
	if err := fn(); err != nil {
		var herr *HookError
		if !errors.As(err, &herr) {
			err = &HookError{Point: point, Err: err}
		}
		c.Record(err)
		return false
	}
	return true
}

// Record stores err if it is the first one.
func (c *Collector) Record(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.count++
	first := c.err == nil
	if first {
		c.err = err
	}
	c.mu.Unlock()
	c.logger.Error("hooks: callback failed", "error", err, "first", first)
}

func (c *Collector) HasError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// TakeError returns the first error and resets the collector.
func (c *Collector) TakeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.err
	c.err = nil
	c.count = 0
	return err
}

// Count reports how many errors were recorded, including suppressed ones.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
