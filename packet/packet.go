// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet contains [*Packet] and the related definitions.
package packet

import (
	"fmt"
	"net/netip"
)

// DefaultTTL is the TTL of packets emitted by a virtual stack.
const DefaultTTL = 64

// Packet is a UDP datagram travelling through the virtual network.
type Packet struct {
	// TTL is the time-to-live, decremented by each router hop.
	TTL uint8

	// Src is the source address and port.
	Src netip.AddrPort

	// Dst is the destination address and port.
	Dst netip.AddrPort

	// Payload is the datagram payload.
	Payload []byte
}

// String returns the string representation of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf("%s -> %s udp ttl=%d length=%d", p.Src, p.Dst, p.TTL, len(p.Payload))
}

// NetworkDevice is a network device to read/write [*Packet].
type NetworkDevice interface {
	// Addresses returns the addresses owned by the device.
	Addresses() []netip.Addr

	// EOF returns a channel that is closed when the device is closed.
	EOF() <-chan struct{}

	// Input returns a channel to send [*Packet] to the device.
	Input() chan<- *Packet

	// Output returns a channel to receive [*Packet] from the device.
	Output() <-chan *Packet
}
