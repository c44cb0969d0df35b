// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"net/netip"
)

// RedundancyGroup names a pair of outbound queues shared by a set of client
// addresses. Within one group at most one connection is active at a time. A
// group without allowed clients is the catch-all for peers no other group
// claims.
type RedundancyGroup struct {
	name string

	lowPrioQueue  *messageQueue
	highPrioQueue *highPrioQueue

	allowedClients []netip.Addr
}

// NewRedundancyGroup creates a group. The name appears in log messages only.
func NewRedundancyGroup(name string) *RedundancyGroup {
	return &RedundancyGroup{name: name}
}

// Name returns the group name.
func (sf *RedundancyGroup) Name() string {
	return sf.name
}

// AddAllowedClient adds a client IP address to the group. An unparsable
// address is reported and ignored.
func (sf *RedundancyGroup) AddAllowedClient(ipAddr string) error {
	addr, err := netip.ParseAddr(ipAddr)
	if err != nil {
		return err
	}
	sf.AddAllowedClientAddr(addr)
	return nil
}

// AddAllowedClientAddr adds a parsed client address to the group.
func (sf *RedundancyGroup) AddAllowedClientAddr(addr netip.Addr) {
	sf.allowedClients = append(sf.allowedClients, addr.Unmap())
}

// matches reports whether the peer address is in the allow-list.
func (sf *RedundancyGroup) matches(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, allowed := range sf.allowedClients {
		if allowed == addr {
			return true
		}
	}
	return false
}

// isCatchAll reports whether the group accepts peers no other group claims.
func (sf *RedundancyGroup) isCatchAll() bool {
	return len(sf.allowedClients) == 0
}

func (sf *RedundancyGroup) initQueues(lowPrioMaxQueueSize, highPrioMaxQueueSize int) {
	if sf.lowPrioQueue != nil {
		return
	}
	if lowPrioMaxQueueSize < 1 {
		lowPrioMaxQueueSize = DefaultLowPrioQueueSize
	}
	if highPrioMaxQueueSize < 1 {
		highPrioMaxQueueSize = DefaultHighPrioQueueSize
	}
	sf.lowPrioQueue = newMessageQueue(lowPrioMaxQueueSize)
	sf.highPrioQueue = newHighPrioQueue(highPrioMaxQueueSize)
}
