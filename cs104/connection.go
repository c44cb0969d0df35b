// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"crypto/tls"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riclolsen/go-cs104/asdu"
	"github.com/riclolsen/go-cs104/clog"
)

// seqNoModulo is the modulus of the 15-bit sequence counters.
const seqNoModulo = 32768

// recvBufferSize fits the largest APDU.
const recvBufferSize = 260

// noConfirmation means no S-frame obligation is pending.
const noConfirmation = math.MaxUint64

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

var _ asdu.Connect = (*MasterConnection)(nil)

// sentASDU is one k-buffer slot: a transmitted I-frame pending acknowledge.
type sentASDU struct {
	// entryTime and queueEntry identify the message in the low-priority
	// queue; queueEntry is noEntry for high-priority and direct sends.
	entryTime  uint64
	queueEntry int

	sentTime uint64
	seqNo    int
}

// MasterConnection is one master (client) session: the per-connection APCI
// state machine with its sliding window, timers and bound outbound queues.
// Slots are pooled by the server; isUsed marks a slot in service.
type MasterConnection struct {
	slave *Server
	conn  net.Conn

	// guarded by slave.connsMu
	isUsed bool

	redundancyGroup *RedundancyGroup

	isActive  uint32 // atomic
	isRunning uint32 // atomic

	// state below is touched only by the connection's own driver
	receiveCount         int // N(R) next expected
	sendCount            int // N(S) next to send
	unconfirmedReceivedI int
	timeoutT2Triggered   bool
	lastConfirmationTime uint64
	nextT3Timeout        uint64
	outstandingTestFRCon int

	recvBuffer [recvBufferSize]byte
	recvBufPos int
	sendBuffer [recvBufferSize]byte

	// k-buffer of sent I-frames pending acknowledge
	sentMu         sync.Mutex
	maxSentASDUs   int
	oldestSentASDU int
	newestSentASDU int
	sentASDUs      []sentASDU

	lowPrioQueue  *messageQueue
	highPrioQueue *highPrioQueue

	clog.Clog
}

func newMasterConnection(slave *Server) *MasterConnection {
	return &MasterConnection{
		slave:        slave,
		maxSentASDUs: int(slave.conParams.SendUnackLimitK),
		sentASDUs:    make([]sentASDU, slave.conParams.SendUnackLimitK),
		Clog:         slave.Clog,
	}
}

// init prepares a pooled slot for a freshly accepted socket.
func (sf *MasterConnection) init(conn net.Conn, lowPrioQueue *messageQueue, highPrioQueue *highPrioQueue) {
	if sf.slave.tlsConfig != nil {
		conn = tls.Server(conn, sf.slave.tlsConfig)
	}
	sf.conn = conn
	atomic.StoreUint32(&sf.isActive, 0)
	atomic.StoreUint32(&sf.isRunning, 0)
	sf.receiveCount = 0
	sf.sendCount = 0
	sf.recvBufPos = 0
	sf.unconfirmedReceivedI = 0
	sf.lastConfirmationTime = noConfirmation
	sf.timeoutT2Triggered = false
	sf.oldestSentASDU = noEntry
	sf.newestSentASDU = noEntry
	sf.outstandingTestFRCon = 0
	sf.redundancyGroup = nil
	sf.resetT3Timeout(nowMs())

	if lowPrioQueue != nil {
		sf.lowPrioQueue = lowPrioQueue
	} else if sf.lowPrioQueue != nil {
		// connection-specific queue reused across sessions starts empty
		sf.lowPrioQueue.releaseAll()
	}
	if highPrioQueue != nil {
		sf.highPrioQueue = highPrioQueue
	}
	if sf.highPrioQueue != nil {
		sf.highPrioQueue.reset()
	}
}

// initEx binds the slot to the queues of a redundancy group.
func (sf *MasterConnection) initEx(conn net.Conn, group *RedundancyGroup) {
	sf.init(conn, group.lowPrioQueue, group.highPrioQueue)
	sf.redundancyGroup = group
}

func (sf *MasterConnection) running() bool {
	return atomic.LoadUint32(&sf.isRunning) == 1
}

func (sf *MasterConnection) setRunning(b bool) {
	if b {
		atomic.StoreUint32(&sf.isRunning, 1)
	} else {
		atomic.StoreUint32(&sf.isRunning, 0)
	}
}

// IsActive reports whether the session completed the STARTDT handshake.
func (sf *MasterConnection) IsActive() bool {
	return atomic.LoadUint32(&sf.isActive) == 1
}

// activate marks the session active and fires the event on a state change.
func (sf *MasterConnection) activate() {
	if atomic.SwapUint32(&sf.isActive, 1) == 0 {
		if sf.slave.connectionEventHandler != nil {
			sf.slave.connectionEventHandler(sf, ConnectionActivated)
		}
	}
}

// deactivate marks the session inactive and fires the event on a state change.
func (sf *MasterConnection) deactivate() {
	if atomic.SwapUint32(&sf.isActive, 0) == 1 {
		if sf.slave.connectionEventHandler != nil {
			sf.slave.connectionEventHandler(sf, ConnectionDeactivated)
		}
	}
}

// Close requests teardown; the driver observes the flag and cleans up.
func (sf *MasterConnection) Close() {
	sf.setRunning(false)
}

// PeerAddress returns the peer IP address without the TCP port.
func (sf *MasterConnection) PeerAddress() string {
	if sf.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(sf.conn.RemoteAddr().String())
	if err != nil {
		return sf.conn.RemoteAddr().String()
	}
	return host
}

// Params returns the application layer parameters of the server.
func (sf *MasterConnection) Params() *asdu.Params {
	return &sf.slave.alParams
}

// UnderlyingConn returns the network connection of the session.
func (sf *MasterConnection) UnderlyingConn() net.Conn {
	return sf.conn
}

// IsReady reports whether the session can take another outbound ASDU without
// dropping it: it is active and either the send window or the high-priority
// queue has room.
func (sf *MasterConnection) IsReady() bool {
	if !sf.IsActive() {
		return false
	}
	sf.sentMu.Lock()
	full := sf.isSentBufferFull()
	sf.sentMu.Unlock()
	if !full {
		return true
	}
	return !sf.highPrioQueue.isFull()
}

// Send transmits an ASDU on this session, queueing it high-priority when the
// send window is full. Used for command responses that must bypass the event
// queue.
func (sf *MasterConnection) Send(a *asdu.ASDU) error {
	if !sf.IsActive() {
		return ErrNotActive
	}
	if !sf.sendASDUInternal(a) {
		return ErrBufferFulled
	}
	return nil
}

// SendACT_CON sends an activation confirmation for the given ASDU.
func (sf *MasterConnection) SendACT_CON(a *asdu.ASDU, negative bool) error {
	a.SetCause(asdu.ActivationCon)
	a.SetNegative(negative)
	return sf.Send(a)
}

// SendACT_TERM sends an activation termination for the given ASDU.
func (sf *MasterConnection) SendACT_TERM(a *asdu.ASDU) error {
	a.SetCause(asdu.ActivationTerm)
	a.SetNegative(false)
	return sf.Send(a)
}

/*
 * timers
 */

func (sf *MasterConnection) resetT3Timeout(currentTime uint64) {
	sf.nextT3Timeout = currentTime + uint64(sf.slave.conParams.TimeoutTestT3/time.Millisecond)
}

func (sf *MasterConnection) checkT3Timeout(currentTime uint64) bool {
	t3 := uint64(sf.slave.conParams.TimeoutTestT3 / time.Millisecond)
	if sf.nextT3Timeout > currentTime+t3 {
		// timeout value not plausible, system time may have changed
		sf.resetT3Timeout(currentTime)
	}
	return currentTime > sf.nextT3Timeout
}

/*
 * receive path
 */

// readSocket reads up to len(buf) bytes honouring the read deadline set by
// the caller. Returns the byte count, 0 on deadline expiry, -1 on error.
func (sf *MasterConnection) readSocket(buf []byte) int {
	n, err := sf.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n
		}
		return -1
	}
	return n
}

// receiveMessage accumulates one APDU in the receive buffer across calls.
// Returns 0 while the message is incomplete, -1 on a transport error or bad
// start byte, or the size of the complete APDU.
func (sf *MasterConnection) receiveMessage(timeout time.Duration) int {
	_ = sf.conn.SetReadDeadline(time.Now().Add(timeout))

	buffer := sf.recvBuffer[:]
	bufPos := sf.recvBufPos

	// read start byte
	if bufPos == 0 {
		n := sf.readSocket(buffer[0:1])
		if n < 1 {
			return n
		}
		if buffer[0] != StartByte {
			return -1
		}
		bufPos++
	}

	// read length byte
	if bufPos == 1 {
		n := sf.readSocket(buffer[1:2])
		if n < 0 {
			sf.recvBufPos = 0
			return -1
		}
		if n == 0 {
			sf.recvBufPos = bufPos
			return 0
		}
		bufPos++
	}

	// read remaining frame
	length := int(buffer[1])
	remaining := length - bufPos + 2
	n := sf.readSocket(buffer[bufPos : bufPos+remaining])
	switch {
	case n == remaining:
		sf.recvBufPos = 0
		return length + 2
	case n < 0:
		sf.recvBufPos = 0
		return -1
	default:
		sf.recvBufPos = bufPos + n
		return 0
	}
}

// checkSequenceNumber validates a received N(R) and confirms every sent
// I-frame up to and including it.
func (sf *MasterConnection) checkSequenceNumber(seqNo int) bool {
	sf.sentMu.Lock()
	defer sf.sentMu.Unlock()

	seqNoIsValid := false
	counterOverflowDetected := false
	oldestValidSeqNo := -1

	if sf.oldestSentASDU == noEntry {
		// k-buffer empty
		if seqNo == sf.sendCount {
			seqNoIsValid = true
		}
	} else {
		// two cases are required to reflect sequence number overflow
		oldestAsduSeqNo := sf.sentASDUs[sf.oldestSentASDU].seqNo
		newestAsduSeqNo := sf.sentASDUs[sf.newestSentASDU].seqNo

		if oldestAsduSeqNo <= newestAsduSeqNo {
			if seqNo >= oldestAsduSeqNo && seqNo <= newestAsduSeqNo {
				seqNoIsValid = true
			}
		} else {
			if seqNo >= oldestAsduSeqNo || seqNo <= newestAsduSeqNo {
				seqNoIsValid = true
			}
			counterOverflowDetected = true
		}

		// the seqNo of the most recently confirmed message is still valid
		oldestValidSeqNo = (oldestAsduSeqNo + seqNoModulo - 1) % seqNoModulo
		if oldestValidSeqNo == seqNo {
			seqNoIsValid = true
		}
	}

	if !seqNoIsValid {
		sf.Warn("received sequence number N(R)=%d out of range", seqNo)
		return false
	}

	if sf.oldestSentASDU != noEntry {
		for {
			oldestAsduSeqNo := sf.sentASDUs[sf.oldestSentASDU].seqNo

			if !counterOverflowDetected && seqNo < oldestAsduSeqNo {
				break
			}
			if seqNo == oldestValidSeqNo {
				break
			}

			if sf.sentASDUs[sf.oldestSentASDU].queueEntry != noEntry {
				sf.lowPrioQueue.markConfirmed(
					sf.sentASDUs[sf.oldestSentASDU].queueEntry,
					sf.sentASDUs[sf.oldestSentASDU].entryTime)
			}

			if oldestAsduSeqNo == seqNo {
				// arrived at the seq# that has been confirmed
				if sf.oldestSentASDU == sf.newestSentASDU {
					sf.oldestSentASDU = noEntry
				} else {
					sf.oldestSentASDU = (sf.oldestSentASDU + 1) % sf.maxSentASDUs
				}
				break
			}

			sf.oldestSentASDU = (sf.oldestSentASDU + 1) % sf.maxSentASDUs
			if sf.oldestSentASDU == (sf.newestSentASDU+1)%sf.maxSentASDUs {
				sf.oldestSentASDU = noEntry
				break
			}
		}
	}

	return true
}

// handleMessage processes one complete APDU. Returns false when the
// connection must be closed.
func (sf *MasterConnection) handleMessage(buffer []byte, msgSize int) bool {
	currentTime := nowMs()

	if msgSize < 3 {
		sf.Warn("invalid message (too small)")
		return false
	}
	if buffer[0] != StartByte {
		sf.Warn("invalid start byte")
		return false
	}
	if int(buffer[1]) != msgSize-2 {
		sf.Warn("invalid length of APDU")
		return false
	}

	switch {
	case buffer[2]&0x01 == 0: // I-frame
		if msgSize < 7 {
			sf.Warn("received I msg too small")
			return false
		}

		if !sf.timeoutT2Triggered {
			sf.timeoutT2Triggered = true
			sf.lastConfirmationTime = currentTime // start timeout T2
		}

		frameSendSeqNo := int(ParseSeqPair(buffer[2], buffer[3]))
		frameRecvSeqNo := int(ParseSeqPair(buffer[4], buffer[5]))

		sf.Debug("received I frame: N(S)=%d N(R)=%d", frameSendSeqNo, frameRecvSeqNo)

		if frameSendSeqNo != sf.receiveCount {
			sf.Warn("sequence error: close connection")
			return false
		}
		if !sf.checkSequenceNumber(frameRecvSeqNo) {
			return false
		}

		sf.receiveCount = (sf.receiveCount + 1) % seqNoModulo
		sf.unconfirmedReceivedI++

		if sf.IsActive() {
			a := asdu.NewEmptyASDU(&sf.slave.alParams)
			if err := a.UnmarshalBinary(buffer[6:msgSize]); err != nil {
				sf.Warn("invalid ASDU: %v", err)
				return false
			}
			if !sf.handleASDU(a) {
				sf.Warn("ASDU corrupted")
				return false
			}
		} else {
			sf.Debug("connection not activated, skip I message")
		}

	case buffer[2]&uTestFRActive == uTestFRActive:
		sf.Debug("send TESTFR_CON")
		if sf.writeToSocket(testFRConMsg) < 0 {
			return false
		}

	case buffer[2]&uStartDTActive == uStartDTActive:
		sf.slave.activate(sf)
		sf.highPrioQueue.reset()
		sf.Debug("send STARTDT_CON")
		if sf.writeToSocket(startDTConMsg) < 0 {
			return false
		}

	case buffer[2]&uStopDTActive == uStopDTActive:
		sf.deactivate()
		sf.Debug("send STOPDT_CON")
		if sf.writeToSocket(stopDTConMsg) < 0 {
			return false
		}

	case buffer[2]&uTestFRConfirm == uTestFRConfirm:
		sf.Debug("recv TESTFR_CON")
		sf.outstandingTestFRCon = 0

	case buffer[2] == 0x01: // S-frame
		seqNo := int(ParseSeqPair(buffer[4], buffer[5]))
		sf.Debug("recv S(%d) (own send counter %d)", seqNo, sf.sendCount)
		if !sf.checkSequenceNumber(seqNo) {
			return false
		}

	default:
		sf.Debug("unknown message, ignored")
		return true
	}

	sf.resetT3Timeout(currentTime)
	return true
}

/*
 * send path
 */

// writeToSocket transmits buf, invoking the raw message tap first.
// Returns the byte count or -1.
func (sf *MasterConnection) writeToSocket(buf []byte) int {
	if sf.slave.rawMessageHandler != nil {
		sf.slave.rawMessageHandler(sf, buf, true)
	}
	n, err := sf.conn.Write(buf)
	if err != nil {
		return -1
	}
	return n
}

// sendSMessage acknowledges all received I-frames with the current N(R).
func (sf *MasterConnection) sendSMessage() {
	if sf.writeToSocket(newSFrame(uint16(sf.receiveCount))) < 0 {
		sf.setRunning(false)
	}
}

// isSentBufferFull reports a full k-buffer. Caller holds sentMu.
func (sf *MasterConnection) isSentBufferFull() bool {
	if sf.oldestSentASDU == noEntry {
		return false
	}
	return (sf.newestSentASDU+1)%sf.maxSentASDUs == sf.oldestSentASDU
}

// sendIMessage fills the APCI of the send buffer and transmits it. Returns
// the send counter after the frame, N(S)+1 on success, which is the
// acknowledge the peer will report for it. An outgoing I-frame acknowledges
// everything received so far.
func (sf *MasterConnection) sendIMessage(msgSize int) int {
	fillIFrameHeader(sf.sendBuffer[:], msgSize, uint16(sf.sendCount), uint16(sf.receiveCount))

	if sf.writeToSocket(sf.sendBuffer[:msgSize]) > 0 {
		sf.Debug("send I (size=%d) N(S)=%d N(R)=%d", msgSize, sf.sendCount, sf.receiveCount)
		sf.sendCount = (sf.sendCount + 1) % seqNoModulo
		sf.timeoutT2Triggered = false
	} else {
		sf.setRunning(false)
	}

	sf.unconfirmedReceivedI = 0

	return sf.sendCount
}

// sendASDUBuf transmits the ASDU staged at sendBuffer[6:msgSize] and records
// it in the k-buffer. Caller holds sentMu and has checked the window.
func (sf *MasterConnection) sendASDUBuf(msgSize int, timestamp uint64, queueEntry int) {
	currentIndex := 0
	if sf.oldestSentASDU == noEntry {
		sf.oldestSentASDU = 0
		sf.newestSentASDU = 0
	} else {
		currentIndex = (sf.newestSentASDU + 1) % sf.maxSentASDUs
	}

	sf.sentASDUs[currentIndex] = sentASDU{
		entryTime:  timestamp,
		queueEntry: queueEntry,
		// the stored number is the acknowledge the peer will report for
		// this frame: N(S)+1
		seqNo:    sf.sendIMessage(msgSize),
		sentTime: nowMs(),
	}
	sf.newestSentASDU = currentIndex
}

// sendASDUInternal transmits an ASDU immediately when the window has room,
// otherwise queues it high-priority. Returns false when the message had to
// be dropped.
func (sf *MasterConnection) sendASDUInternal(a *asdu.ASDU) bool {
	if !sf.IsActive() {
		sf.Debug("unable to send response (connection not active)")
		return false
	}

	data, err := a.MarshalBinary()
	if err != nil {
		sf.Warn("failed to marshal ASDU: %v", err)
		return false
	}

	sf.sentMu.Lock()
	if !sf.isSentBufferFull() {
		copy(sf.sendBuffer[APCILength:], data)
		sf.sendASDUBuf(APCILength+len(data), 0, noEntry)
		sf.sentMu.Unlock()
		return true
	}
	sf.sentMu.Unlock()

	if !sf.highPrioQueue.enqueue(data) {
		sf.Debug("unable to send response (window and high-priority queue full)")
		return false
	}
	return true
}

// sendNextLowPriorityASDU transmits one waiting event queue entry when the
// window has room.
func (sf *MasterConnection) sendNextLowPriorityASDU() {
	sf.sentMu.Lock()
	defer sf.sentMu.Unlock()

	if sf.isSentBufferFull() {
		return
	}

	data, queueEntry, timestamp, ok := sf.lowPrioQueue.nextWaiting()
	if !ok {
		return
	}

	copy(sf.sendBuffer[APCILength:], data)
	sf.sendASDUBuf(APCILength+len(data), timestamp, queueEntry)
}

// sendNextHighPriorityASDU transmits one queued command response. Returns
// false when nothing was sent.
func (sf *MasterConnection) sendNextHighPriorityASDU() bool {
	sf.sentMu.Lock()
	defer sf.sentMu.Unlock()

	if sf.isSentBufferFull() {
		return false
	}

	data, ok := sf.highPrioQueue.dequeue()
	if !ok {
		return false
	}

	copy(sf.sendBuffer[APCILength:], data)
	sf.sendASDUBuf(APCILength+len(data), 0, noEntry)
	return true
}

// sendWaitingASDUs drains the high-priority queue, then sends at most one
// low-priority ASDU. Returns whether outbound work remains.
func (sf *MasterConnection) sendWaitingASDUs() bool {
	for sf.highPrioQueue.isAsduAvailable() {
		if !sf.sendNextHighPriorityASDU() {
			return true
		}
		if !sf.running() {
			return true
		}
	}

	sf.sendNextLowPriorityASDU()

	return sf.lowPrioQueue.isAsduAvailable()
}

/*
 * timeouts
 */

// handleTimeouts checks T1, T2 and T3 against the wall clock. Returns false
// when the connection must be closed.
func (sf *MasterConnection) handleTimeouts() bool {
	currentTime := nowMs()
	timeoutsOk := true

	if sf.checkT3Timeout(currentTime) {
		if sf.outstandingTestFRCon > 2 {
			sf.Warn("timeout for TESTFR_CON message")
			timeoutsOk = false
		} else {
			sf.Debug("send TESTFR_ACT")
			if sf.writeToSocket(testFRActMsg) < 0 {
				sf.setRunning(false)
			}
			sf.outstandingTestFRCon++
			sf.resetT3Timeout(currentTime)
		}
	}

	// timeout T2: pending acknowledge for received I-frames
	if sf.unconfirmedReceivedI > 0 {
		if sf.lastConfirmationTime != noConfirmation && sf.lastConfirmationTime > currentTime {
			// last confirmation time is in the future (system time change)
			sf.lastConfirmationTime = currentTime
		}
		if currentTime > sf.lastConfirmationTime {
			t2 := uint64(sf.slave.conParams.TimeoutConfirmT2 / time.Millisecond)
			if currentTime-sf.lastConfirmationTime >= t2 {
				sf.lastConfirmationTime = currentTime
				sf.unconfirmedReceivedI = 0
				sf.timeoutT2Triggered = false
				sf.sendSMessage()
			}
		}
	}

	// timeout T1: peer did not acknowledge the oldest sent I-frame
	sf.sentMu.Lock()
	if sf.oldestSentASDU != noEntry {
		if sf.sentASDUs[sf.oldestSentASDU].sentTime > currentTime {
			// sent time is in the future (system time change)
			sf.sentASDUs[sf.oldestSentASDU].sentTime = currentTime
		}
		t1 := uint64(sf.slave.conParams.TimeoutResponseT1 / time.Millisecond)
		if currentTime > sf.sentASDUs[sf.oldestSentASDU].sentTime &&
			currentTime-sf.sentASDUs[sf.oldestSentASDU].sentTime >= t1 {
			sf.Warn("I message timeout, seqNo=%d", sf.sentASDUs[sf.oldestSentASDU].seqNo)
			timeoutsOk = false
		}
	}
	sf.sentMu.Unlock()

	return timeoutsOk
}

/*
 * drivers
 */

// handleReceived processes a complete APDU from the driver loop, sending the
// w-threshold acknowledge afterwards.
func (sf *MasterConnection) handleReceived(msgSize int) {
	if sf.slave.rawMessageHandler != nil {
		sf.slave.rawMessageHandler(sf, sf.recvBuffer[:msgSize], false)
	}

	if !sf.handleMessage(sf.recvBuffer[:msgSize], msgSize) {
		sf.setRunning(false)
		return
	}

	if sf.unconfirmedReceivedI >= int(sf.slave.conParams.RecvUnackLimitW) {
		sf.lastConfirmationTime = nowMs()
		sf.unconfirmedReceivedI = 0
		sf.timeoutT2Triggered = false
		sf.sendSMessage()
	}
}

// executePeriodicTasks runs outbound draining, timeout checks and plugin
// periodic work. Shared by both drivers.
func (sf *MasterConnection) executePeriodicTasks() bool {
	isAsduWaiting := false

	if !sf.handleTimeouts() {
		sf.setRunning(false)
	}

	if sf.running() && sf.IsActive() {
		isAsduWaiting = sf.sendWaitingASDUs()
	}

	if sf.running() {
		for _, plugin := range sf.slave.plugins {
			plugin.RunPeriodic(sf)
		}
	}

	return isAsduWaiting
}

// handlingLoop is the worker of the threaded driver: it waits briefly on the
// socket (shorter when outbound work is pending), then processes reads,
// timeouts and outbound draining until the session ends.
func (sf *MasterConnection) handlingLoop() {
	sf.resetT3Timeout(nowMs())

	if sf.slave.connectionEventHandler != nil {
		sf.slave.connectionEventHandler(sf, ConnectionOpened)
	}

	isAsduWaiting := false

	for sf.running() {
		socketTimeout := 100 * time.Millisecond
		if isAsduWaiting {
			socketTimeout = time.Millisecond
		}

		bytesRec := sf.receiveMessage(socketTimeout)
		if bytesRec == -1 {
			sf.Debug("error reading from socket")
			break
		}
		if bytesRec > 0 {
			sf.handleReceived(bytesRec)
		}

		if sf.running() {
			isAsduWaiting = sf.executePeriodicTasks()
		}
	}

	sf.setRunning(false)

	if sf.slave.connectionEventHandler != nil {
		sf.slave.connectionEventHandler(sf, ConnectionClosed)
	}

	sf.Debug("connection to %s closed", sf.PeerAddress())
	sf.slave.removeConnection(sf)
}

// handleTCPConnection is the receive step of the cooperative driver.
func (sf *MasterConnection) handleTCPConnection() {
	bytesRec := sf.receiveMessage(time.Millisecond)
	if bytesRec < 0 {
		sf.Debug("error reading from socket")
		sf.setRunning(false)
	}
	if bytesRec > 0 && sf.running() {
		sf.handleReceived(bytesRec)
	}
}
