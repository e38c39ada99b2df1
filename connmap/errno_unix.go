//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// UNIX errno definitions.
//

package connmap

import "golang.org/x/sys/unix"

// ErrAddressInUse is the error returned when binding to a (port, IP)
// pair that another connection already occupies.
const ErrAddressInUse = unix.EADDRINUSE
