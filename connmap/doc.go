// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package connmap implements the bind registry of a virtual network.

A [*Map] tracks which local (port, IP) pairs are occupied by live
connections and rejects a second bind to an occupied pair with
[ErrAddressInUse], like the kernel does with EADDRINUSE.

Connections are registered through a [*Handle], a shared reference
with its own lock. The registry and the code that created the
connection both hold the same [*Handle]. The registry never caches
addresses: it asks each connection for its current local address
every time it needs one.

# Locking

Every [*Map] method holds the map lock for its whole duration, so the
check-then-append sequence of [*Map.Insert] is atomic. While holding the
map lock, the registry locks at most one [*Handle] at a time and always
unlocks it before locking the next one.

# Errors

[*Map.Insert] and [*Map.Delete] return the error of a connection that
cannot report its address (e.g., [net.ErrClosed]). [*Map.Find] treats
such a failure as a miss and stops scanning at the first failure.
*/
package connmap
