//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Virtual network stack.
//

package vnet

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/vnet/connmap"
	"github.com/rbmk-project/vnet/packet"
)

const (
	// firstEphemeralPort is the first port of the ephemeral range.
	firstEphemeralPort = 49152

	// inputQueueSize is the number of datagrams a [*UDPConn] buffers
	// before dropping incoming traffic.
	inputQueueSize = 128
)

// Net models a virtual network stack.
//
// Construct using [New]. You may set the optional fields after
// construction and before creating any connection.
type Net struct {
	// Clock is the optional clock used for read and write deadlines.
	// If this field is nil, we use the wall clock.
	Clock clock.Clock

	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// addrs contains the stack addresses.
	addrs []netip.Addr

	// conns tracks the bound connections.
	conns *connmap.Map

	// eof unblocks any blocking operation when the stack is closed.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// input is the input channel for packets.
	input chan *packet.Packet

	// mu protects nextport and open.
	mu sync.Mutex

	// nextport tracks the next candidate ephemeral port.
	nextport uint16

	// open contains the connections created by this stack.
	open map[*UDPConn]struct{}

	// output is the output channel for packets.
	output chan *packet.Packet
}

// Ensure [*Net] implements [packet.NetworkDevice].
var _ packet.NetworkDevice = &Net{}

// New creates a new [*Net] owning the given addresses and starts
// a goroutine demuxing incoming traffic. Remember to invoke Close
// to stop the demuxing goroutine.
func New(addrs ...netip.Addr) *Net {
	ns := &Net{
		Clock:    nil,
		Logger:   nil,
		addrs:    unmapAll(addrs),
		conns:    connmap.New(),
		eof:      make(chan struct{}),
		eofOnce:  sync.Once{},
		input:    make(chan *packet.Packet),
		mu:       sync.Mutex{},
		nextport: firstEphemeralPort,
		open:     map[*UDPConn]struct{}{},
		output:   make(chan *packet.Packet),
	}
	go ns.demuxLoop()
	return ns
}

// unmapAll returns a copy of addrs where IPv4-mapped addresses are unmapped.
func unmapAll(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Unmap())
	}
	return out
}

// Addresses implements [packet.NetworkDevice].
func (ns *Net) Addresses() []netip.Addr {
	return append([]netip.Addr{}, ns.addrs...)
}

// EOF implements [packet.NetworkDevice].
func (ns *Net) EOF() <-chan struct{} {
	return ns.eof
}

// Input implements [packet.NetworkDevice].
func (ns *Net) Input() chan<- *packet.Packet {
	return ns.input
}

// Output implements [packet.NetworkDevice].
func (ns *Net) Output() <-chan *packet.Packet {
	return ns.output
}

// Len returns the number of bound connections.
func (ns *Net) Len() int {
	return ns.conns.Len()
}

// Close closes the stack, stops demuxing incoming traffic, and
// closes all the connections created by the stack.
func (ns *Net) Close() error {
	ns.eofOnce.Do(func() { close(ns.eof) })

	ns.mu.Lock()
	conns := make([]*UDPConn, 0, len(ns.open))
	for conn := range ns.open {
		conns = append(conns, conn)
	}
	ns.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

// clockOrDefault returns the clock to use for deadlines.
func (ns *Net) clockOrDefault() clock.Clock {
	if ns.Clock != nil {
		return ns.Clock
	}
	return clock.New()
}

// isLocalAddr returns true if the address is local to the stack.
func (ns *Net) isLocalAddr(addr netip.Addr) bool {
	for _, a := range ns.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// sourceAddr returns the local address to use for sending to dst.
func (ns *Net) sourceAddr(dst netip.Addr) (netip.Addr, bool) {
	for _, a := range ns.addrs {
		if a.Is4() == dst.Is4() {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// ListenPacket creates a new listening [net.PacketConn].
//
// The address must be an "ip:port" string. An unspecified IP binds the
// wildcard address and a zero port selects an ephemeral port.
func (ns *Net) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	if network != "udp" {
		return nil, EPROTONOSUPPORT
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	laddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, EINVAL
	}
	laddr = netip.AddrPortFrom(laddr.Addr().Unmap(), laddr.Port())
	if !laddr.Addr().IsUnspecified() && !ns.isLocalAddr(laddr.Addr()) {
		return nil, EADDRNOTAVAIL
	}
	conn, err := ns.bind(laddr, netip.AddrPort{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialContext creates a new [net.Conn] connected to the given "ip:port" address.
func (ns *Net) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "udp" {
		return nil, EPROTONOSUPPORT
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, EINVAL
	}
	raddr = netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port())
	if raddr.Addr().IsUnspecified() || raddr.Port() <= 0 {
		return nil, EHOSTUNREACH
	}
	ipAddrLocal, found := ns.sourceAddr(raddr.Addr())
	if !found {
		return nil, EADDRNOTAVAIL
	}
	conn, err := ns.bind(netip.AddrPortFrom(ipAddrLocal, 0), raddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// bind creates a new [*UDPConn] and registers it into the bind registry.
func (ns *Net) bind(laddr, raddr netip.AddrPort) (*UDPConn, error) {
	// Run while locking, so that ephemeral port selection
	// and registration happen atomically.
	ns.mu.Lock()
	defer ns.mu.Unlock()

	select {
	case <-ns.eof:
		return nil, ENETDOWN
	default:
	}

	if laddr.Port() <= 0 {
		lport, err := ns.newEphemeralPortNumberLocked(laddr.Addr())
		if err != nil {
			return nil, err
		}
		laddr = netip.AddrPortFrom(laddr.Addr(), lport)
	}

	conn := newUDPConn(ns, laddr, raddr)
	if err := ns.conns.Insert(connmap.NewHandle(conn)); err != nil {
		ns.logBindFailure(laddr, err)
		return nil, err
	}
	ns.open[conn] = struct{}{}

	if ns.Logger != nil {
		ns.Logger.Info(
			"bindOpen",
			slog.String("localAddr", laddr.String()),
			slog.String("protocol", "udp"),
			slog.String("remoteAddr", raddr.String()),
		)
	}
	return conn, nil
}

// logBindFailure emits the bindOpenFailed event.
func (ns *Net) logBindFailure(laddr netip.AddrPort, err error) {
	if ns.Logger != nil {
		ns.Logger.Info(
			"bindOpenFailed",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("localAddr", laddr.String()),
			slog.String("protocol", "udp"),
		)
	}
}

// newEphemeralPortNumberLocked returns a free ephemeral port for
// the given IP address or [connmap.ErrAddressInUse].
//
// You must invoke this method while holding the mu lock.
func (ns *Net) newEphemeralPortNumberLocked(ipAddr netip.Addr) (uint16, error) {
	const count = math.MaxUint16 - firstEphemeralPort + 1
	for attempt := 0; attempt < count; attempt++ {
		port := ns.nextport
		if ns.nextport >= math.MaxUint16 {
			ns.nextport = firstEphemeralPort
		} else {
			ns.nextport++
		}
		if ns.conns.Find(netip.AddrPortFrom(ipAddr, port)) == nil {
			return port, nil
		}
	}
	return 0, connmap.ErrAddressInUse
}

// unbind removes the given [*UDPConn] from the bind registry.
//
// The connection must still be able to report its address.
func (ns *Net) unbind(conn *UDPConn) error {
	err := ns.conns.Delete(conn.laddr)

	ns.mu.Lock()
	delete(ns.open, conn)
	ns.mu.Unlock()

	if ns.Logger != nil {
		ns.Logger.Info(
			"bindClose",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("localAddr", conn.laddr.String()),
			slog.String("protocol", "udp"),
			slog.String("remoteAddr", conn.raddr.String()),
		)
	}
	return err
}

// demuxLoop demuxes incoming traffic to the proper connection.
func (ns *Net) demuxLoop() {
	for {
		select {
		case <-ns.eof:
			return
		case pkt := <-ns.input:
			if err := ns.demux(pkt); err != nil && ns.Logger != nil {
				ns.Logger.Info(
					"packetDropped",
					slog.Any("err", err),
					slog.String("errClass", errclass.New(err)),
					slog.String("packet", pkt.String()),
				)
			}
		}
	}
}

// demux delivers a single incoming [*packet.Packet].
func (ns *Net) demux(pkt *packet.Packet) error {
	dst := netip.AddrPortFrom(pkt.Dst.Addr().Unmap(), pkt.Dst.Port())
	if !ns.isLocalAddr(dst.Addr()) {
		return EHOSTUNREACH
	}
	conn := ns.lookup(dst)
	if conn == nil {
		return ECONNREFUSED
	}
	return conn.deliver(pkt)
}

// lookup finds the [*UDPConn] bound to dst, falling back
// to a connection bound to the wildcard address.
func (ns *Net) lookup(dst netip.AddrPort) *UDPConn {
	candidates := []netip.AddrPort{dst}
	if dst.Addr().Is4() {
		candidates = append(candidates, netip.AddrPortFrom(netip.IPv4Unspecified(), dst.Port()))
	} else {
		candidates = append(candidates, netip.AddrPortFrom(netip.IPv6Unspecified(), dst.Port()))
	}
	for _, addr := range candidates {
		if h := ns.conns.Find(addr); h != nil {
			if conn, ok := h.Conn().(*UDPConn); ok {
				return conn
			}
		}
	}
	return nil
}
