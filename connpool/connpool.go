// SPDX-License-Identifier: GPL-3.0-or-later

// Package connpool tears down a set of virtual network resources
// (connections, stacks, routers, servers) in a single operation.
package connpool

import (
	"errors"
	"io"
	"slices"
	"sync"
)

// Pool collects [io.Closer] instances to close together.
//
// Construct using [New].
type Pool struct {
	// closers contains the resources to close.
	closers []io.Closer

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// New constructs a new [*Pool] instance.
func New() *Pool {
	return &Pool{}
}

// Add adds a given [io.Closer] to the pool.
func (p *Pool) Add(closer io.Closer) {
	p.mu.Lock()
	p.closers = append(p.closers, closer)
	p.mu.Unlock()
}

// Len returns the number of resources waiting to be closed.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closers)
}

// Close closes the pooled resources in the reverse order in which
// they were added: a router added after the stacks it connects stops
// forwarding before the stacks go down. The pool is empty afterwards
// and the returned error joins all the errors returned by Close.
func (p *Pool) Close() error {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	var errv []error
	for _, closer := range slices.Backward(closers) {
		if err := closer.Close(); err != nil {
			errv = append(errv, err)
		}
	}
	return errors.Join(errv...)
}
