// SPDX-License-Identifier: GPL-3.0-or-later

package router_test

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbmk-project/vnet/packet"
	"github.com/rbmk-project/vnet/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeDevice is a [packet.NetworkDevice] backed by channels.
type fakeDevice struct {
	addrs  []netip.Addr
	eof    chan struct{}
	input  chan *packet.Packet
	output chan *packet.Packet
}

func newFakeDevice(addrs ...string) *fakeDevice {
	return newFakeDeviceWithQueue(4, addrs...)
}

// newFakeDeviceWithQueue is like [newFakeDevice] with a custom input
// queue size. With a zero size, forwarding blocks until someone reads.
func newFakeDeviceWithQueue(size int, addrs ...string) *fakeDevice {
	dev := &fakeDevice{
		eof:    make(chan struct{}),
		input:  make(chan *packet.Packet, size),
		output: make(chan *packet.Packet),
	}
	for _, addr := range addrs {
		dev.addrs = append(dev.addrs, netip.MustParseAddr(addr))
	}
	return dev
}

func (d *fakeDevice) Addresses() []netip.Addr { return d.addrs }

func (d *fakeDevice) EOF() <-chan struct{} { return d.eof }

func (d *fakeDevice) Input() chan<- *packet.Packet { return d.input }

func (d *fakeDevice) Output() <-chan *packet.Packet { return d.output }

// expectPacket waits for a packet on the device input.
func expectPacket(t *testing.T, dev *fakeDevice) *packet.Packet {
	select {
	case pkt := <-dev.input:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

// expectNoPacket checks that no packet reaches the device input.
func expectNoPacket(t *testing.T, dev *fakeDevice) {
	select {
	case pkt := <-dev.input:
		t.Fatalf("unexpected packet: %s", pkt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter(t *testing.T) {
	defer goleak.VerifyNone(t)

	left := newFakeDevice("10.0.0.1")
	right := newFakeDevice("10.0.0.2", "2001:db8::2")
	r := router.New()
	r.Attach(left)
	r.Attach(right)
	r.AddRoute(left)
	r.AddRoute(right)
	defer r.Close()

	t.Run("forwards and decrements the TTL", func(t *testing.T) {
		left.output <- &packet.Packet{
			TTL: packet.DefaultTTL,
			Src: netip.MustParseAddrPort("10.0.0.1:49152"),
			Dst: netip.MustParseAddrPort("10.0.0.2:53"),
		}
		pkt := expectPacket(t, right)
		assert.Equal(t, uint8(packet.DefaultTTL-1), pkt.TTL)
	})

	t.Run("forwards IPv6 packets", func(t *testing.T) {
		left.output <- &packet.Packet{
			TTL: 1,
			Dst: netip.MustParseAddrPort("[2001:db8::2]:53"),
		}
		pkt := expectPacket(t, right)
		assert.Equal(t, uint8(0), pkt.TTL)
	})

	t.Run("drops packets with exhausted TTL", func(t *testing.T) {
		left.output <- &packet.Packet{
			TTL: 0,
			Dst: netip.MustParseAddrPort("10.0.0.2:53"),
		}
		expectNoPacket(t, right)
	})

	t.Run("drops packets without a route", func(t *testing.T) {
		left.output <- &packet.Packet{
			TTL: packet.DefaultTTL,
			Dst: netip.MustParseAddrPort("10.0.0.3:53"),
		}
		expectNoPacket(t, right)
		expectNoPacket(t, left)
	})

	require.NoError(t, r.Close())
	close(left.eof)
	close(right.eof)
}

// lockedBuffer is a [bytes.Buffer] safe for concurrent use.
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *lockedBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(data)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newBlockingRouter returns a router forwarding from left to a right
// device that never reads its input, along with the router's logs.
func newBlockingRouter() (*router.Router, *fakeDevice, *fakeDevice, *lockedBuffer) {
	logs := &lockedBuffer{}
	left := newFakeDevice("10.0.0.1")
	right := newFakeDeviceWithQueue(0, "10.0.0.2")
	r := router.New()
	r.Logger = slog.New(slog.NewJSONHandler(logs, nil))
	r.Attach(left)
	r.Attach(right)
	r.AddRoute(right)
	return r, left, right, logs
}

func TestRouter_blockedNextHop(t *testing.T) {
	defer goleak.VerifyNone(t)

	newPacket := func() *packet.Packet {
		return &packet.Packet{
			TTL: packet.DefaultTTL,
			Src: netip.MustParseAddrPort("10.0.0.1:49152"),
			Dst: netip.MustParseAddrPort("10.0.0.2:53"),
		}
	}

	// isDropped returns whether the logs contain a closed router drop.
	isDropped := func(logs *lockedBuffer) bool {
		content := logs.String()
		return strings.Contains(content, `"msg":"packetDropped"`) &&
			strings.Contains(content, router.ErrClosed.Error())
	}

	t.Run("delivers once the next hop reads", func(t *testing.T) {
		r, left, right, logs := newBlockingRouter()
		left.output <- newPacket()
		pkt := expectPacket(t, right)
		assert.Equal(t, uint8(packet.DefaultTTL-1), pkt.TTL)
		require.NoError(t, r.Close())
		assert.Empty(t, logs.String())
		close(left.eof)
		close(right.eof)
	})

	t.Run("next hop EOF unblocks forwarding", func(t *testing.T) {
		r, left, right, logs := newBlockingRouter()
		left.output <- newPacket()
		close(right.eof)

		assert.Eventually(t, func() bool {
			return isDropped(logs)
		}, 5*time.Second, 10*time.Millisecond)

		// The router keeps reading from the other devices.
		left.output <- newPacket()
		require.NoError(t, r.Close())
		close(left.eof)
	})

	t.Run("close returns while forwarding is blocked", func(t *testing.T) {
		r, left, right, logs := newBlockingRouter()
		left.output <- newPacket()

		done := make(chan error, 1)
		go func() { done <- r.Close() }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the router to close")
		}
		assert.True(t, isDropped(logs))

		close(left.eof)
		close(right.eof)
	})
}
