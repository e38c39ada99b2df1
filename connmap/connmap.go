//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Bind registry.
//

package connmap

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/rbmk-project/common/errclass"
)

// ErrInvalidAddr indicates that a [Conn] reported an invalid local address.
var ErrInvalidAddr = errors.New("connmap: invalid local address")

// Map maps local ports to the connections bound to them.
//
// Construct using [New]. A [*Map] is safe for concurrent use by
// multiple goroutines as long as you don't modify its fields after
// the first method call.
type Map struct {
	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// mu protects ports.
	mu sync.Mutex

	// ports contains the port buckets in insertion order.
	ports map[uint16][]*Handle
}

// New creates a new empty [*Map].
func New() *Map {
	return &Map{
		Logger: nil,
		mu:     sync.Mutex{},
		ports:  map[uint16][]*Handle{},
	}
}

// Insert registers the given [*Handle].
//
// The following errors are possible:
//
// 1. nil if the handle has been registered;
//
// 2. [ErrAddressInUse] if another handle is bound to the same port and IP;
//
// 3. a wrapped connection error if either the given handle or one of the
// handles bound to the same port cannot report its address;
//
// 4. a wrapped [ErrInvalidAddr] if the given handle reports the zero address.
//
// On error the map is left unchanged.
func (m *Map) Insert(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, err := h.LocalAddrPort()
	if err == nil && !addr.IsValid() {
		err = ErrInvalidAddr
	}
	if err != nil {
		err = fmt.Errorf("connmap: cannot query new connection address: %w", err)
		if m.Logger != nil {
			m.Logger.Info(
				"connInsertFailed",
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)),
			)
		}
		return err
	}

	// Check whether the (port, IP) pair is free. Handles are locked
	// one at a time through LocalAddrPort.
	for _, entry := range m.ports[addr.Port()] {
		laddr, err := entry.LocalAddrPort()
		if err != nil {
			err = fmt.Errorf("connmap: cannot query bound connection address: %w", err)
			m.logInsertFailure(addr, err)
			return err
		}
		if laddr.Addr() == addr.Addr() {
			m.logInsertFailure(addr, ErrAddressInUse)
			return ErrAddressInUse
		}
	}

	m.ports[addr.Port()] = append(m.ports[addr.Port()], h)
	if m.Logger != nil {
		m.Logger.Info("connInsert", slog.String("localAddr", addr.String()))
	}
	return nil
}

// logInsertFailure emits the connInsertFailed event.
func (m *Map) logInsertFailure(addr netip.AddrPort, err error) {
	if m.Logger != nil {
		m.Logger.Info(
			"connInsertFailed",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("localAddr", addr.String()),
		)
	}
}

// Find returns the first [*Handle] bound to the given address
// in insertion order, or nil if there is no such handle.
//
// A handle that cannot report its address stops the scan and
// Find returns nil, as if there were no match.
func (m *Map) Find(addr netip.AddrPort) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.ports[addr.Port()] {
		laddr, err := entry.LocalAddrPort()
		if err != nil {
			return nil
		}
		if laddr.Addr() == addr.Addr() {
			return entry
		}
	}
	return nil
}

// Delete unregisters every [*Handle] bound to the given address.
//
// Deleting an address that is not registered is a no-op. If a
// handle bound to the same port cannot report its address, Delete
// returns the wrapped connection error and leaves the map unchanged.
func (m *Map) Delete(addr netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := addr.Port()
	var (
		kept    []*Handle
		removed int
	)
	for _, entry := range m.ports[port] {
		laddr, err := entry.LocalAddrPort()
		if err != nil {
			return fmt.Errorf("connmap: cannot query bound connection address: %w", err)
		}
		if laddr == addr {
			removed++
			continue
		}
		kept = append(kept, entry)
	}

	// Prune empty buckets so that scans stay short.
	if len(kept) <= 0 {
		delete(m.ports, port)
	} else {
		m.ports[port] = kept
	}

	if removed > 0 && m.Logger != nil {
		m.Logger.Info("connDelete", slog.String("localAddr", addr.String()))
	}
	return nil
}

// Len returns the number of registered handles.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	for _, entries := range m.ports {
		count += len(entries)
	}
	return count
}

// numPorts returns the number of port buckets.
func (m *Map) numPorts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ports)
}
