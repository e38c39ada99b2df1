// SPDX-License-Identifier: GPL-3.0-or-later

// Package router moves packets between virtual network devices.
package router

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/vnet/packet"
)

// Router provides static routing between [packet.NetworkDevice].
//
// Construct using [New].
type Router struct {
	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// eof unblocks the read loops when the router is closed.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// mu protects srt.
	mu sync.RWMutex

	// srt is the static routing table.
	srt map[netip.Addr]packet.NetworkDevice

	// wg tracks the running read loops.
	wg sync.WaitGroup
}

// New creates a new [*Router].
func New() *Router {
	return &Router{
		eof: make(chan struct{}),
		srt: make(map[netip.Addr]packet.NetworkDevice),
	}
}

// Attach attaches a [packet.NetworkDevice] to the [*Router] and
// starts forwarding the packets it emits.
func (r *Router) Attach(dev packet.NetworkDevice) {
	r.wg.Add(1)
	go r.readLoop(dev)
}

// AddRoute adds routes for all addresses of the given [packet.NetworkDevice].
func (r *Router) AddRoute(dev packet.NetworkDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range dev.Addresses() {
		r.srt[addr] = dev
	}
}

// Close stops forwarding and waits for the read loops to terminate.
func (r *Router) Close() error {
	r.eofOnce.Do(func() { close(r.eof) })
	r.wg.Wait()
	return nil
}

// readLoop reads packets from a [packet.NetworkDevice] until EOF.
func (r *Router) readLoop(dev packet.NetworkDevice) {
	defer r.wg.Done()
	for {
		select {
		case <-r.eof:
			return
		case <-dev.EOF():
			return
		case pkt := <-dev.Output():
			if err := r.route(pkt); err != nil && r.Logger != nil {
				r.Logger.Info(
					"packetDropped",
					slog.Any("err", err),
					slog.String("errClass", errclass.New(err)),
					slog.String("packet", pkt.String()),
				)
			}
		}
	}
}

var (
	// ErrTTLExceeded is returned when a packet's TTL is exceeded.
	ErrTTLExceeded = errors.New("router: TTL exceeded in transit")

	// ErrNoRouteToHost is returned when there is no route to the host.
	ErrNoRouteToHost = errors.New("router: no route to host")

	// ErrClosed is returned when the router or the next hop is closed.
	ErrClosed = errors.New("router: closed")
)

// route forwards a given packet to its destination.
func (r *Router) route(pkt *packet.Packet) error {
	if pkt.TTL <= 0 {
		return ErrTTLExceeded
	}
	pkt.TTL--

	r.mu.RLock()
	nextHop := r.srt[pkt.Dst.Addr().Unmap()]
	r.mu.RUnlock()
	if nextHop == nil {
		return ErrNoRouteToHost
	}

	select {
	case <-r.eof:
		return ErrClosed
	case <-nextHop.EOF():
		return ErrClosed
	case nextHop.Input() <- pkt:
		return nil
	}
}
