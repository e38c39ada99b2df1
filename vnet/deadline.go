//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://go.dev/src/net/pipe.go
//
// Deadline management.
//

package vnet

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// deadline is an abstraction for handling timeouts.
type deadline struct {
	clock  clock.Clock
	mu     sync.Mutex // Guards timer and cancel
	timer  *clock.Timer
	cancel chan struct{} // Must be non-nil
}

// newDeadline creates a new [*deadline] instance using the given clock.
func newDeadline(clk clock.Clock) *deadline {
	return &deadline{clock: clk, cancel: make(chan struct{})}
}

// Set sets the point in time when the deadline will time out.
// A timeout event is signaled by closing the channel returned by Wait.
// Once a timeout has occurred, the deadline can be refreshed by specifying a
// t value in the future.
//
// A zero value for t prevents timeout.
func (d *deadline) Set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // Wait for the timer callback to finish and close cancel
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}

	if dur := t.Sub(d.clock.Now()); dur > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = d.clock.AfterFunc(dur, func() {
			close(cancel)
		})
		return
	}

	if !closed {
		close(d.cancel)
	}
}

// Wait returns a channel that is closed when the deadline is exceeded.
func (d *deadline) Wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

// isClosedChan returns whether a channel is closed.
func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
