// Package threadcontainer owns the worker goroutines started for
// non-blocking transactions. It tracks each by transaction id and runs a
// background reaper that detaches completed entries once the container
// grows past a size threshold, mirroring the pool/worker split used
// elsewhere in this codebase for queue-backed worker goroutines.
package threadcontainer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultThreshold is the entry count above which the reaper starts
// sweeping completed workers.
const DefaultThreshold = 64

// DefaultCheckInterval is how often the reaper wakes while above threshold.
const DefaultCheckInterval = 5 * time.Second

// Container is the ThreadContainer.
type Container struct {
	mu            sync.Mutex
	entries       map[string]*workerEntry
	threshold     int
	checkInterval time.Duration
	logger        logrus.FieldLogger

	reaperOnce sync.Once
	reaperDone chan struct{}
	stopReaper chan struct{}
}

type workerEntry struct {
	done bool
}

// New returns an empty Container.
func New(logger logrus.FieldLogger) *Container {
	return &Container{
		entries:       make(map[string]*workerEntry),
		threshold:     DefaultThreshold,
		checkInterval: DefaultCheckInterval,
		logger:        logger,
		stopReaper:    make(chan struct{}),
	}
}

// Add registers name as a live worker slot. It fails if name already
// exists.
func (c *Container) Add(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return false
	}
	c.entries[name] = &workerEntry{}
	if len(c.entries) > c.threshold {
		c.startReaperLocked()
	}
	return true
}

// Find reports whether name is currently tracked (done or not).
func (c *Container) Find(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok
}

// Names returns a snapshot of all tracked transaction ids.
func (c *Container) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names
}

// MarkDone flags name's worker as finished. Workers call this as the last
// action in their scope-exit handler.
func (c *Container) MarkDone(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.done = true
	}
}

// Remove drops name unconditionally.
func (c *Container) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// startReaperLocked starts the background reaper goroutine if not already
// running. Callers must hold c.mu.
func (c *Container) startReaperLocked() {
	c.reaperOnce.Do(func() {
		c.reaperDone = make(chan struct{})
		go c.reap()
	})
}

func (c *Container) reap() {
	defer close(c.reaperDone)
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopReaper:
			return
		case <-ticker.C:
			if c.sweep() {
				return
			}
		}
	}
}

// sweep removes done entries and reports whether the container has fallen
// back below threshold (in which case the reaper self-terminates).
func (c *Container) sweep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, e := range c.entries {
		if e.done {
			delete(c.entries, name)
		}
	}
	if len(c.entries) <= c.threshold {
		c.reaperOnce = sync.Once{}
		return true
	}
	return false
}

// Close waits for the reaper, detaches any still-pending entries, and logs
// a warning for ones that never completed.
func (c *Container) Close() {
	close(c.stopReaper)
	c.mu.Lock()
	done := c.reaperDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range c.entries {
		if !e.done {
			c.logger.Warnf("detaching worker %s at shutdown before it finished", name)
		}
		delete(c.entries, name)
	}
}
