// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"encoding/binary"
	"sync"
)

// queue entry states of the low-priority queue
const (
	entryStateFree byte = iota
	entryStateWaiting
	entryStateSentUnconfirmed
)

// entry header: timestamp(8) + state(1) + size(1)
const mqEntryHeaderSize = 10

// mqEntrySlot is the per-entry budget used to size the ring buffer.
const mqEntrySlot = mqEntryHeaderSize + 256

// noEntry marks an unset cursor.
const noEntry = -1

// messageQueue is the low-priority event queue: encoded ASDUs stored
// contiguously in a circular byte buffer. Entries carry a timestamp and a
// delivery state so that an acknowledged entry can be confirmed later through
// a stable handle, and unacknowledged entries can be handed over to a
// successor connection. Enqueueing never fails; the oldest entries are
// evicted to make room.
type messageQueue struct {
	mu sync.Mutex

	size         int
	entryCounter int

	// byte offsets into buffer, noEntry when the queue is empty.
	// lastInBuffer marks the last entry before the physical end of the
	// buffer; entries past it live at the start.
	first        int
	last         int
	lastInBuffer int

	oldestTimestamp uint64
	buffer          []byte
}

func newMessageQueue(maxQueueSize int) *messageQueue {
	sf := &messageQueue{
		size:         maxQueueSize * mqEntrySlot,
		first:        noEntry,
		last:         noEntry,
		lastInBuffer: noEntry,
	}
	sf.buffer = make([]byte, sf.size)
	return sf
}

func (sf *messageQueue) readHeader(offset int) (timestamp uint64, state byte, size int) {
	timestamp = binary.LittleEndian.Uint64(sf.buffer[offset:])
	state = sf.buffer[offset+8]
	size = int(sf.buffer[offset+9])
	return
}

func (sf *messageQueue) writeHeader(offset int, timestamp uint64, state byte, size int) {
	binary.LittleEndian.PutUint64(sf.buffer[offset:], timestamp)
	sf.buffer[offset+8] = state
	sf.buffer[offset+9] = byte(size)
}

func (sf *messageQueue) setState(offset int, state byte) {
	sf.buffer[offset+8] = state
}

// next returns the offset following the entry at offset, wrapping at the
// lastInBuffer marker. Caller must hold the lock.
func (sf *messageQueue) next(offset int) int {
	if offset == sf.lastInBuffer {
		return 0
	}
	_, _, size := sf.readHeader(offset)
	return offset + mqEntryHeaderSize + size
}

// enqueue adds an encoded ASDU, evicting the oldest entries when the buffer
// is full. Oversized ASDUs are dropped silently.
func (sf *messageQueue) enqueue(data []byte, timestamp uint64) {
	asduSize := len(data)
	if asduSize == 0 || asduSize > 256-APCILength {
		return
	}
	entrySize := mqEntryHeaderSize + asduSize

	sf.mu.Lock()
	defer sf.mu.Unlock()

	var nextMsg int
	if sf.entryCounter == 0 {
		sf.first = 0
		sf.oldestTimestamp = timestamp
		sf.lastInBuffer = 0
		nextMsg = 0
	} else {
		_, _, lastSize := sf.readHeader(sf.last)
		nextMsg = sf.last + mqEntryHeaderSize + lastSize
	}

	if nextMsg+entrySize > sf.size {
		nextMsg = 0
		sf.lastInBuffer = sf.last
	}

	if sf.entryCounter > 0 {
		if nextMsg <= sf.first {
			// evict oldest entries until the new one fits
			for nextMsg+entrySize > sf.first && sf.entryCounter > 0 {
				if sf.first != sf.last {
					if sf.first != sf.lastInBuffer {
						sf.first = sf.next(sf.first)
					} else {
						sf.first = 0
						sf.entryCounter--
						break
					}
					sf.entryCounter--
				} else {
					sf.first = nextMsg
					sf.lastInBuffer = nextMsg
					sf.entryCounter = 0
				}
			}
		} else {
			sf.lastInBuffer = nextMsg
		}
	}

	sf.last = nextMsg
	sf.entryCounter++

	sf.writeHeader(nextMsg, timestamp, entryStateWaiting, asduSize)
	copy(sf.buffer[nextMsg+mqEntryHeaderSize:], data)

	if sf.entryCounter > 1 {
		ts, _, _ := sf.readHeader(sf.first)
		sf.oldestTimestamp = ts
	} else {
		sf.oldestTimestamp = timestamp
	}
}

// isAsduAvailable reports whether the queue holds any entry.
func (sf *messageQueue) isAsduAvailable() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.entryCounter > 0
}

// nextWaiting returns a copy of the oldest entry in waiting state and flips
// it to sent-but-unconfirmed. The returned offset together with the
// timestamp forms the handle for a later markConfirmed call.
func (sf *messageQueue) nextWaiting() (data []byte, offset int, timestamp uint64, ok bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.entryCounter == 0 {
		return nil, noEntry, 0, false
	}

	entry := sf.first
	ts, state, size := sf.readHeader(entry)
	for state != entryStateWaiting {
		if entry == sf.last {
			break
		}
		entry = sf.next(entry)
		ts, state, size = sf.readHeader(entry)
	}

	if state != entryStateWaiting {
		return nil, noEntry, 0, false
	}

	sf.setState(entry, entryStateSentUnconfirmed)
	data = make([]byte, size)
	copy(data, sf.buffer[entry+mqEntryHeaderSize:])
	return data, entry, ts, true
}

// markConfirmed releases the entry behind a handle. The timestamp guards
// against handles gone stale through eviction: an entry older than the
// current oldest timestamp no longer exists and must not be touched.
func (sf *messageQueue) markConfirmed(offset int, timestamp uint64) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.entryCounter == 0 || offset == noEntry {
		return
	}
	if timestamp >= sf.oldestTimestamp {
		sf.setState(offset, entryStateFree)
	}
}

// revertUnconfirmed flips every sent-but-unconfirmed entry back to waiting.
// Called when an active connection goes down so the next activating peer
// retransmits its backlog.
func (sf *messageQueue) revertUnconfirmed() {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.entryCounter == 0 {
		return
	}

	entry := sf.first
	for {
		_, state, _ := sf.readHeader(entry)
		if state == entryStateSentUnconfirmed {
			sf.setState(entry, entryStateWaiting)
		}
		if entry == sf.last {
			break
		}
		entry = sf.next(entry)
	}
}

// releaseAll empties the queue.
func (sf *messageQueue) releaseAll() {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	sf.entryCounter = 0
	sf.first = noEntry
	sf.last = noEntry
	sf.lastInBuffer = noEntry
}

// hpEntryHeaderSize is the two-octet size prefix of high-priority entries.
const hpEntryHeaderSize = 2

const hpEntrySlot = hpEntryHeaderSize + 256

// highPrioQueue is the transient ring for command responses. Same contiguous
// layout as messageQueue but entries carry no state: once popped they are
// gone, and enqueueing fails instead of evicting.
type highPrioQueue struct {
	mu sync.Mutex

	size         int
	entryCounter int

	first        int
	last         int
	lastInBuffer int

	buffer []byte
}

func newHighPrioQueue(maxQueueSize int) *highPrioQueue {
	sf := &highPrioQueue{
		size:         maxQueueSize * hpEntrySlot,
		first:        noEntry,
		last:         noEntry,
		lastInBuffer: noEntry,
	}
	sf.buffer = make([]byte, sf.size)
	return sf
}

func (sf *highPrioQueue) sizeAt(offset int) int {
	return int(binary.LittleEndian.Uint16(sf.buffer[offset:]))
}

// isAsduAvailable reports whether the queue holds any entry.
func (sf *highPrioQueue) isAsduAvailable() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.entryCounter > 0
}

// enqueue adds an encoded ASDU. Returns false when the buffer cannot take
// it; the caller drops the message.
func (sf *highPrioQueue) enqueue(data []byte) bool {
	asduSize := len(data)
	if asduSize == 0 || asduSize > 256-APCILength {
		return false
	}
	entrySize := hpEntryHeaderSize + asduSize

	sf.mu.Lock()
	defer sf.mu.Unlock()

	var nextMsg int
	if sf.entryCounter == 0 {
		sf.first = 0
		sf.lastInBuffer = 0
		nextMsg = 0
	} else {
		nextMsg = sf.last + hpEntryHeaderSize + sf.sizeAt(sf.last)
	}

	if nextMsg+entrySize > sf.size {
		nextMsg = 0
		sf.lastInBuffer = sf.last
	}

	if sf.entryCounter > 0 {
		if nextMsg <= sf.first {
			if nextMsg+entrySize > sf.first {
				return false
			}
		} else {
			sf.lastInBuffer = nextMsg
		}
	}

	sf.last = nextMsg
	sf.entryCounter++

	binary.LittleEndian.PutUint16(sf.buffer[nextMsg:], uint16(asduSize))
	copy(sf.buffer[nextMsg+hpEntryHeaderSize:], data)
	return true
}

// isFull reports whether an entry of the maximum size would be rejected.
func (sf *highPrioQueue) isFull() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.entryCounter == 0 {
		return false
	}

	entrySize := hpEntryHeaderSize + (256 - APCILength)
	nextMsg := sf.last + hpEntryHeaderSize + sf.sizeAt(sf.last)
	if nextMsg+entrySize > sf.size {
		nextMsg = 0
	}
	if nextMsg <= sf.first && nextMsg+entrySize > sf.first {
		return true
	}
	return false
}

// dequeue pops the oldest entry, returning a copy of its payload.
func (sf *highPrioQueue) dequeue() ([]byte, bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.entryCounter == 0 {
		return nil, false
	}

	sf.entryCounter--
	msgSize := sf.sizeAt(sf.first)
	data := make([]byte, msgSize)
	copy(data, sf.buffer[sf.first+hpEntryHeaderSize:])

	if sf.entryCounter > 0 {
		switch sf.first {
		case sf.last:
			sf.first = noEntry
			sf.last = noEntry
			sf.lastInBuffer = noEntry
		case sf.lastInBuffer:
			sf.first = 0
			sf.lastInBuffer = sf.last
		default:
			sf.first = sf.first + hpEntryHeaderSize + msgSize
		}
	}
	return data, true
}

// reset empties the queue. Unsent command responses do not survive an
// activation cycle.
func (sf *highPrioQueue) reset() {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	sf.entryCounter = 0
	sf.first = noEntry
	sf.last = noEntry
	sf.lastInBuffer = noEntry
}
