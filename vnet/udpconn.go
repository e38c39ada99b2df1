//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// UDP Conn/PacketConn.
//

package vnet

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/rbmk-project/vnet/connmap"
	"github.com/rbmk-project/vnet/netipx"
	"github.com/rbmk-project/vnet/packet"
)

// UDPConn is a UDP connection bound to a [*Net].
//
// The zero value is invalid; construct using [*Net.ListenPacket]
// or [*Net.DialContext].
type UDPConn struct {
	// closed is true once Close has been called.
	closed bool

	// eof unblocks any pending I/O.
	eof chan struct{}

	// eofOnce ensures we close just once.
	eofOnce sync.Once

	// input is the queue of incoming datagrams.
	input chan *packet.Packet

	// laddr is the local address.
	laddr netip.AddrPort

	// mu protects closed.
	mu sync.Mutex

	// ns is the stack this connection is bound to.
	ns *Net

	// raddr is the remote address, zero when not connected.
	raddr netip.AddrPort

	// rd is the deadline for read operations.
	rd *deadline

	// wd is the deadline for write operations.
	wd *deadline
}

// newUDPConn creates a new [*UDPConn] instance.
func newUDPConn(ns *Net, laddr, raddr netip.AddrPort) *UDPConn {
	clk := ns.clockOrDefault()
	return &UDPConn{
		closed:  false,
		eof:     make(chan struct{}),
		eofOnce: sync.Once{},
		input:   make(chan *packet.Packet, inputQueueSize),
		laddr:   laddr,
		mu:      sync.Mutex{},
		ns:      ns,
		raddr:   raddr,
		rd:      newDeadline(clk),
		wd:      newDeadline(clk),
	}
}

var (
	// Ensure [*UDPConn] implements [net.PacketConn].
	_ net.PacketConn = &UDPConn{}

	// Ensure [*UDPConn] implements [net.Conn].
	_ net.Conn = &UDPConn{}

	// Ensure [*UDPConn] implements [connmap.Conn].
	_ connmap.Conn = &UDPConn{}
)

// LocalAddrPort implements [connmap.Conn].
//
// Returns [net.ErrClosed] once the connection is closed.
func (c *UDPConn) LocalAddrPort() (netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return netip.AddrPort{}, net.ErrClosed
	}
	return c.laddr, nil
}

// Close releases the bound address and terminates any pending I/O.
func (c *UDPConn) Close() (err error) {
	c.eofOnce.Do(func() {
		// Release the binding first, since the registry
		// needs to query our address to remove us.
		err = c.ns.unbind(c)

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.eof)
		c.rd.Set(time.Time{})
		c.wd.Set(time.Time{})
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *UDPConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.laddr)
}

// RemoteAddr implements [net.Conn].
//
// Returns nil when the connection is not connected.
func (c *UDPConn) RemoteAddr() net.Addr {
	if !c.raddr.IsValid() {
		return nil
	}
	return net.UDPAddrFromAddrPort(c.raddr)
}

// SetDeadline implements [net.Conn].
func (c *UDPConn) SetDeadline(t time.Time) error {
	c.rd.Set(t)
	c.wd.Set(t)
	return nil
}

// SetReadDeadline implements [net.Conn].
func (c *UDPConn) SetReadDeadline(t time.Time) error {
	c.rd.Set(t)
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (c *UDPConn) SetWriteDeadline(t time.Time) error {
	c.wd.Set(t)
	return nil
}

// deliver enqueues an incoming datagram or returns [ENOBUFS]
// when the queue is full.
func (c *UDPConn) deliver(pkt *packet.Packet) error {
	select {
	case <-c.eof:
		return net.ErrClosed
	default:
	}
	select {
	case c.input <- pkt:
		return nil
	default:
		return ENOBUFS
	}
}

// ReadFrom implements [net.PacketConn].
func (c *UDPConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	pkt, err := c.readPacket()
	if err != nil {
		return 0, nil, err
	}
	count := copy(buf, pkt.Payload)
	return count, net.UDPAddrFromAddrPort(pkt.Src), nil
}

// Read implements [net.Conn].
func (c *UDPConn) Read(buf []byte) (int, error) {
	count, _, err := c.ReadFrom(buf)
	return count, err
}

// readPacket receives a datagram from a remote endpoint.
//
// A connected [*UDPConn] discards datagrams not coming from the remote address.
//
// The following errors are possible:
//
// 1. nil if we receive a datagram;
//
// 2. [net.ErrClosed] if the connection is closed before we receive a datagram;
//
// 3. [os.ErrDeadlineExceeded] if the read deadline is exceeded.
func (c *UDPConn) readPacket() (*packet.Packet, error) {
	for {
		// Prefer reporting closure over draining the queue.
		select {
		case <-c.eof:
			return nil, net.ErrClosed
		default:
		}

		select {
		case pkt := <-c.input:
			if !c.raddr.IsValid() || pkt.Src == c.raddr {
				return pkt, nil
			}

		case <-c.eof:
			return nil, net.ErrClosed

		case <-c.rd.Wait():
			return nil, os.ErrDeadlineExceeded
		}
	}
}

// WriteTo implements [net.PacketConn].
func (c *UDPConn) WriteTo(data []byte, addr net.Addr) (int, error) {
	raddr, err := netipx.ParseAddrPort(addr)
	if err != nil {
		return 0, EINVAL
	}
	if err := c.writePacket(data, raddr); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Write implements [net.Conn].
func (c *UDPConn) Write(data []byte) (int, error) {
	if !c.raddr.IsValid() {
		return 0, ENOTCONN
	}
	if err := c.writePacket(data, c.raddr); err != nil {
		return 0, err
	}
	return len(data), nil
}

// writePacket emits a datagram towards raddr on the [*Net] output.
//
// We copy the payload to avoid issues with buffer pools.
//
// The following errors are possible:
//
// 1. nil if the datagram is delivered to the output channel;
//
// 2. [net.ErrClosed] if the connection is closed;
//
// 3. [ENETDOWN] if the stack is closed;
//
// 4. [EADDRNOTAVAIL] if there is no source address for raddr;
//
// 5. [os.ErrDeadlineExceeded] if the write deadline is exceeded.
func (c *UDPConn) writePacket(payload []byte, raddr netip.AddrPort) error {
	select {
	case <-c.eof:
		return net.ErrClosed
	default:
	}

	// A wildcard-bound connection uses the stack address
	// matching the destination family.
	src := c.laddr.Addr()
	if src.IsUnspecified() {
		addr, found := c.ns.sourceAddr(raddr.Addr())
		if !found {
			return EADDRNOTAVAIL
		}
		src = addr
	}

	pkt := &packet.Packet{
		TTL:     packet.DefaultTTL,
		Src:     netip.AddrPortFrom(src, c.laddr.Port()),
		Dst:     raddr,
		Payload: append([]byte{}, payload...),
	}
	select {
	case c.ns.output <- pkt:
		return nil
	case <-c.eof:
		return net.ErrClosed
	case <-c.ns.eof:
		return ENETDOWN
	case <-c.wd.Wait():
		return os.ErrDeadlineExceeded
	}
}
