// SPDX-License-Identifier: GPL-3.0-or-later

package connmap

// NumPorts exposes numPorts to the external tests.
func (m *Map) NumPorts() int {
	return m.numPorts()
}
