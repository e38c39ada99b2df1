//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Shared connection handles.
//

package connmap

import (
	"net/netip"
	"sync"
)

// Conn is a connection that can be registered into a [*Map].
type Conn interface {
	// LocalAddrPort returns the current local address of the
	// connection or an error (e.g., [net.ErrClosed]) when the
	// connection cannot report it anymore.
	LocalAddrPort() (netip.AddrPort, error)
}

// Handle is a shared, independently lockable reference to a [Conn].
//
// The handle lock serializes the address queries performed by the
// [*Map] with the code that owns the handle and uses [*Handle.Do]. It
// does not protect the [Conn] against callers that bypass the handle,
// hence a [Conn] must still be safe for concurrent use.
//
// The zero value is invalid; construct using [NewHandle].
type Handle struct {
	// conn is the underlying connection.
	conn Conn

	// mu serializes queries to conn.
	mu sync.Mutex
}

// NewHandle wraps the given [Conn] into a new [*Handle].
func NewHandle(conn Conn) *Handle {
	return &Handle{conn: conn}
}

// Conn returns the underlying [Conn].
func (h *Handle) Conn() Conn {
	return h.conn
}

// LocalAddrPort queries the local address of the underlying
// [Conn] while holding the handle lock.
func (h *Handle) LocalAddrPort() (netip.AddrPort, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.LocalAddrPort()
}

// Do invokes fn with the underlying [Conn] while holding the handle lock.
//
// The fn callback must not invoke [*Map] methods: they lock the handles
// bound to the same port, including this one.
func (h *Handle) Do(fn func(conn Conn)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.conn)
}
