// SPDX-License-Identifier: GPL-3.0-or-later

package vnet

import "github.com/rbmk-project/vnet/packet"

// Demux exposes demux to the external tests.
func (ns *Net) Demux(pkt *packet.Packet) error {
	return ns.demux(pkt)
}

// InputQueueSize exposes inputQueueSize to the external tests.
const InputQueueSize = inputQueueSize
