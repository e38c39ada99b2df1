// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package vnet provides a virtual UDP network stack for integration tests.

The [New] function creates a [*Net] owning one or more IP addresses. You
can invoke ListenPacket and DialContext on it to obtain simulated UDP
connections implementing [net.PacketConn] and [net.Conn].

Each [*Net] tracks its bound connections using a [*connmap.Map], so that
binding twice to the same (port, IP) pair fails with EADDRINUSE, as it
would with the kernel. Closing a connection removes its binding.

When a connection sends a datagram, the datagram is wrapped inside a
[*packet.Packet] emitted on the channel returned by [*Net.Output]. To
deliver a [*packet.Packet] to a [*Net], post it on the channel returned by
[*Net.Input]. The [router] package moves packets between several [*Net].

The errors returned by this package are the same [syscall.Errno] the
kernel would return in similar cases (we use the [x/sys] repository to
pull system-dependent error values).
*/
package vnet
