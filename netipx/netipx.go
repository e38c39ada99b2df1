// SPDX-License-Identifier: GPL-3.0-or-later

// Package netipx contains [net/netip] extensions.
package netipx

import (
	"errors"
	"net"
	"net/netip"
)

// ErrInvalidAddr indicates that a [net.Addr] does not contain an IP endpoint.
var ErrInvalidAddr = errors.New("netipx: not an IP endpoint address")

// ParseAddrPort converts a [net.Addr] to a [netip.AddrPort].
//
// This function fails with [ErrInvalidAddr] when the input is nil or does
// not describe an IP endpoint. Any [net.Addr] whose String method returns
// an "ip:port" string is accepted.
//
// IPv4-mapped IPv6 addresses are unmapped, so that an IPv4 [*net.UDPAddr]
// created using [net.ParseIP] compares equal to the corresponding
// [netip.AddrPort] created using [netip.MustParseAddrPort].
func ParseAddrPort(addr net.Addr) (netip.AddrPort, error) {
	var epnt netip.AddrPort
	switch v := addr.(type) {
	case nil:
		return netip.AddrPort{}, ErrInvalidAddr
	case *net.UDPAddr:
		if v == nil {
			return netip.AddrPort{}, ErrInvalidAddr
		}
		epnt = v.AddrPort()
	case *net.TCPAddr:
		if v == nil {
			return netip.AddrPort{}, ErrInvalidAddr
		}
		epnt = v.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, ErrInvalidAddr
		}
		epnt = parsed
	}
	if !epnt.IsValid() {
		return netip.AddrPort{}, ErrInvalidAddr
	}
	return netip.AddrPortFrom(epnt.Addr().Unmap(), epnt.Port()), nil
}
