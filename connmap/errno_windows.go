//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Windows errno definitions.
//

package connmap

import "golang.org/x/sys/windows"

// ErrAddressInUse is the error returned when binding to a (port, IP)
// pair that another connection already occupies.
const ErrAddressInUse = windows.WSAEADDRINUSE
