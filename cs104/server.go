// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package cs104 implements the server (slave/controlled station) side of the
// IEC 60870-5-104 transmission protocol: a TCP listener multiplexing master
// sessions with sliding-window flow control, keep-alive probing and
// redundancy group activation.
package cs104

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riclolsen/go-cs104/asdu"
	"github.com/riclolsen/go-cs104/clog"
)

// ServerMode selects how connections share the outbound queues.
type ServerMode int

// server modes
const (
	// ModeSingleRedundancyGroup shares one queue pair between all
	// connections; only one connection is active at a time.
	ModeSingleRedundancyGroup ServerMode = iota
	// ModeConnectionIsRedundancyGroup gives each connection its own queue
	// pair; enqueued ASDUs are broadcast to every connection.
	ModeConnectionIsRedundancyGroup
	// ModeMultipleRedundancyGroups selects a named queue pair by the peer
	// IP address; within each group only one connection is active.
	ModeMultipleRedundancyGroups
)

// Server is an IEC 60870-5-104 slave: it owns the listener, the pooled
// connection slots and the outbound queues, and routes application ASDUs to
// the sessions according to the server mode.
type Server struct {
	conParams APCIParams
	alParams  asdu.Params

	serverMode ServerMode

	maxLowPrioQueueSize  int
	maxHighPrioQueueSize int

	// single redundancy group queues
	asduQueue           *messageQueue
	connectionAsduQueue *highPrioQueue

	redundancyGroups []*RedundancyGroup

	connsMu         sync.Mutex
	connections     []*MasterConnection
	openConnections int

	maxOpenConnections int

	interrogationHandler        InterrogationHandler
	counterInterrogationHandler CounterInterrogationHandler
	readHandler                 ReadHandler
	clockSyncHandler            ClockSyncHandler
	resetProcessHandler         ResetProcessHandler
	delayAcquisitionHandler     DelayAcquisitionHandler
	asduHandler                 ASDUHandler
	connectionRequestHandler    ConnectionRequestHandler
	connectionEventHandler      ConnectionEventHandler
	rawMessageHandler           RawMessageHandler

	plugins []Plugin

	tlsConfig *tls.Config

	localAddress string
	tcpPort      int

	listener *net.TCPListener

	isRunning        uint32 // atomic
	stopRunning      uint32 // atomic
	isThreadlessMode bool
	listenerDone     chan struct{}

	clog.Clog
}

// NewServer creates a slave with the given outbound queue sizes (number of
// ASDU slots; values below one select the defaults). The server starts in
// single redundancy group mode on the default port.
func NewServer(maxLowPrioQueueSize, maxHighPrioQueueSize int) *Server {
	if maxLowPrioQueueSize < 1 {
		maxLowPrioQueueSize = DefaultLowPrioQueueSize
	}
	if maxHighPrioQueueSize < 1 {
		maxHighPrioQueueSize = DefaultHighPrioQueueSize
	}

	sf := &Server{
		conParams:            DefaultAPCIParams(),
		alParams:             *asdu.ParamsWide,
		serverMode:           ModeSingleRedundancyGroup,
		maxLowPrioQueueSize:  maxLowPrioQueueSize,
		maxHighPrioQueueSize: maxHighPrioQueueSize,
		maxOpenConnections:   DefaultMaxClientConnections,
		tcpPort:              DefaultPort,
		Clog:                 clog.NewLogger("cs104 server => "),
	}
	sf.Clog.LogMode(true)

	sf.connections = make([]*MasterConnection, DefaultMaxClientConnections)
	for i := range sf.connections {
		sf.connections[i] = newMasterConnection(sf)
	}
	return sf
}

// NewServerSecure creates a slave guarded by TLS on the secure default port.
func NewServerSecure(maxLowPrioQueueSize, maxHighPrioQueueSize int, tlsConfig *tls.Config) *Server {
	sf := NewServer(maxLowPrioQueueSize, maxHighPrioQueueSize)
	sf.tcpPort = DefaultPortSecure
	sf.tlsConfig = tlsConfig
	return sf
}

// SetLogMode enables or disables logging output.
func (sf *Server) SetLogMode(enable bool) {
	sf.Clog.LogMode(enable)
}

// SetConnectionParameters replaces the APCI parameters. Must be called
// before Start; invalid parameters keep the previous set.
func (sf *Server) SetConnectionParameters(p APCIParams) *Server {
	if err := p.Valid(); err != nil {
		sf.Warn("invalid APCI params: %v, keeping previous", err)
		return sf
	}
	sf.conParams = p
	for _, c := range sf.connections {
		c.maxSentASDUs = int(p.SendUnackLimitK)
		c.sentASDUs = make([]sentASDU, p.SendUnackLimitK)
	}
	return sf
}

// SetParams replaces the application layer parameters. Must be called before
// Start; invalid parameters keep the previous set.
func (sf *Server) SetParams(p *asdu.Params) *Server {
	if err := p.Valid(); err != nil {
		sf.Warn("invalid ASDU params: %v, keeping previous", err)
		return sf
	}
	sf.alParams = *p
	return sf
}

// ConnectionParameters returns the APCI parameters in use.
func (sf *Server) ConnectionParameters() *APCIParams {
	return &sf.conParams
}

// Params returns the application layer parameters in use.
func (sf *Server) Params() *asdu.Params {
	return &sf.alParams
}

// SetServerMode selects the redundancy mode. Must be called before Start.
func (sf *Server) SetServerMode(mode ServerMode) *Server {
	sf.serverMode = mode
	return sf
}

// SetLocalAddress sets the listen address; empty means all interfaces.
func (sf *Server) SetLocalAddress(ipAddress string) *Server {
	sf.localAddress = ipAddress
	return sf
}

// SetLocalPort sets the listen TCP port.
func (sf *Server) SetLocalPort(tcpPort int) *Server {
	sf.tcpPort = tcpPort
	return sf
}

// SetMaxOpenConnections limits concurrently served masters. Values of zero
// or below admit as many connections as the pool holds.
func (sf *Server) SetMaxOpenConnections(maxOpenConnections int) *Server {
	if maxOpenConnections > len(sf.connections) {
		maxOpenConnections = len(sf.connections)
	}
	sf.maxOpenConnections = maxOpenConnections
	return sf
}

// AddPlugin appends a plugin to the processing chain.
func (sf *Server) AddPlugin(plugin Plugin) *Server {
	sf.plugins = append(sf.plugins, plugin)
	return sf
}

// AddRedundancyGroup registers a group for multiple redundancy group mode.
func (sf *Server) AddRedundancyGroup(group *RedundancyGroup) *Server {
	sf.redundancyGroups = append(sf.redundancyGroups, group)
	return sf
}

// handler registration

// SetInterrogationHandler sets the C_IC_NA_1 handler.
func (sf *Server) SetInterrogationHandler(h InterrogationHandler) *Server {
	sf.interrogationHandler = h
	return sf
}

// SetCounterInterrogationHandler sets the C_CI_NA_1 handler.
func (sf *Server) SetCounterInterrogationHandler(h CounterInterrogationHandler) *Server {
	sf.counterInterrogationHandler = h
	return sf
}

// SetReadHandler sets the C_RD_NA_1 handler.
func (sf *Server) SetReadHandler(h ReadHandler) *Server {
	sf.readHandler = h
	return sf
}

// SetClockSyncHandler sets the C_CS_NA_1 handler.
func (sf *Server) SetClockSyncHandler(h ClockSyncHandler) *Server {
	sf.clockSyncHandler = h
	return sf
}

// SetResetProcessHandler sets the C_RP_NA_1 handler.
func (sf *Server) SetResetProcessHandler(h ResetProcessHandler) *Server {
	sf.resetProcessHandler = h
	return sf
}

// SetDelayAcquisitionHandler sets the C_CD_NA_1 handler.
func (sf *Server) SetDelayAcquisitionHandler(h DelayAcquisitionHandler) *Server {
	sf.delayAcquisitionHandler = h
	return sf
}

// SetASDUHandler sets the fallback ASDU handler.
func (sf *Server) SetASDUHandler(h ASDUHandler) *Server {
	sf.asduHandler = h
	return sf
}

// SetConnectionRequestHandler sets the accept gate.
func (sf *Server) SetConnectionRequestHandler(h ConnectionRequestHandler) *Server {
	sf.connectionRequestHandler = h
	return sf
}

// SetConnectionEventHandler sets the lifecycle notification handler.
func (sf *Server) SetConnectionEventHandler(h ConnectionEventHandler) *Server {
	sf.connectionEventHandler = h
	return sf
}

// SetRawMessageHandler sets the APDU tap.
func (sf *Server) SetRawMessageHandler(h RawMessageHandler) *Server {
	sf.rawMessageHandler = h
	return sf
}

/*
 * queue initialization per server mode
 */

func (sf *Server) initializeMessageQueues() {
	sf.asduQueue = newMessageQueue(sf.maxLowPrioQueueSize)
	sf.connectionAsduQueue = newHighPrioQueue(sf.maxHighPrioQueueSize)
}

func (sf *Server) initializeConnectionSpecificQueues() {
	for _, c := range sf.connections {
		c.lowPrioQueue = newMessageQueue(sf.maxLowPrioQueueSize)
		c.highPrioQueue = newHighPrioQueue(sf.maxHighPrioQueueSize)
	}
}

func (sf *Server) initializeRedundancyGroups() {
	if len(sf.redundancyGroups) == 0 {
		sf.redundancyGroups = append(sf.redundancyGroups, NewRedundancyGroup(""))
	}
	for _, group := range sf.redundancyGroups {
		group.initQueues(sf.maxLowPrioQueueSize, sf.maxHighPrioQueueSize)
	}
}

func (sf *Server) initializeQueues() {
	switch sf.serverMode {
	case ModeSingleRedundancyGroup:
		sf.initializeMessageQueues()
	case ModeConnectionIsRedundancyGroup:
		sf.initializeConnectionSpecificQueues()
	case ModeMultipleRedundancyGroups:
		sf.initializeRedundancyGroups()
	}
}

/*
 * connection table
 */

func (sf *Server) getFreeConnection() *MasterConnection {
	sf.connsMu.Lock()
	defer sf.connsMu.Unlock()

	for _, c := range sf.connections {
		if !c.isUsed {
			c.isUsed = true
			sf.openConnections++
			return c
		}
	}
	return nil
}

// removeConnection releases a slot after its session ended. Unacknowledged
// queue entries of an active session revert to waiting so a successor can
// resume delivery.
func (sf *Server) removeConnection(connection *MasterConnection) {
	sf.connsMu.Lock()
	defer sf.connsMu.Unlock()

	if !connection.isUsed {
		return
	}

	sf.openConnections--
	connection.isUsed = false

	if connection.IsActive() {
		connection.lowPrioQueue.revertUnconfirmed()
	}

	if connection.conn != nil {
		_ = connection.conn.Close()
	}
}

// OpenConnections returns the number of connected masters.
func (sf *Server) OpenConnections() int {
	sf.connsMu.Lock()
	defer sf.connsMu.Unlock()
	return sf.openConnections
}

// activate makes the connection the active one of its scope, deactivating
// every peer sharing its queues.
func (sf *Server) activate(connectionToActivate *MasterConnection) {
	switch sf.serverMode {
	case ModeSingleRedundancyGroup:
		sf.connsMu.Lock()
		for _, c := range sf.connections {
			if c != connectionToActivate {
				c.deactivate()
			}
		}
		sf.connsMu.Unlock()

	case ModeMultipleRedundancyGroups:
		sf.connsMu.Lock()
		for _, c := range sf.connections {
			if c.redundancyGroup == connectionToActivate.redundancyGroup && c != connectionToActivate {
				c.deactivate()
			}
		}
		sf.connsMu.Unlock()
	}

	connectionToActivate.activate()
}

/*
 * ASDU routing
 */

// EnqueueASDU routes an application ASDU into the low-priority queues
// according to the server mode. In single mode it feeds the shared queue, in
// multiple group mode every group, in connection-is-group mode every
// connected session.
func (sf *Server) EnqueueASDU(a *asdu.ASDU) error {
	data, err := a.MarshalBinary()
	if err != nil {
		return fmt.Errorf("enqueue ASDU: %w", err)
	}
	timestamp := nowMs()

	switch sf.serverMode {
	case ModeSingleRedundancyGroup:
		if sf.asduQueue == nil {
			return ErrServerNotStarted
		}
		sf.asduQueue.enqueue(data, timestamp)

	case ModeMultipleRedundancyGroups:
		if len(sf.redundancyGroups) == 0 {
			return ErrServerNotStarted
		}
		for _, group := range sf.redundancyGroups {
			if group.lowPrioQueue != nil {
				group.lowPrioQueue.enqueue(data, timestamp)
			}
		}

	case ModeConnectionIsRedundancyGroup:
		sf.connsMu.Lock()
		for _, c := range sf.connections {
			if c.lowPrioQueue != nil {
				c.lowPrioQueue.enqueue(data, timestamp)
			}
		}
		sf.connsMu.Unlock()
	}
	return nil
}

/*
 * accept path
 */

func (sf *Server) callConnectionRequestHandler(conn net.Conn) bool {
	if sf.connectionRequestHandler == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return sf.connectionRequestHandler(host)
}

func (sf *Server) getMatchingRedundancyGroup(conn net.Conn) *RedundancyGroup {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}

	var catchAll *RedundancyGroup
	for _, group := range sf.redundancyGroups {
		if group.matches(peer) {
			return group
		}
		if catchAll == nil && group.isCatchAll() {
			catchAll = group
		}
	}
	return catchAll
}

// setupConnection binds a freshly accepted socket to a pooled slot and its
// queues. Returns nil when the connection must be closed.
func (sf *Server) setupConnection(conn net.Conn) *MasterConnection {
	var connection *MasterConnection

	switch sf.serverMode {
	case ModeMultipleRedundancyGroups:
		group := sf.getMatchingRedundancyGroup(conn)
		if group == nil {
			sf.Debug("found no matching redundancy group, close connection")
			return nil
		}
		connection = sf.getFreeConnection()
		if connection == nil {
			return nil
		}
		connection.initEx(conn, group)
		if group.name != "" {
			sf.Debug("add connection to group %s", group.name)
		}

	case ModeSingleRedundancyGroup:
		connection = sf.getFreeConnection()
		if connection == nil {
			return nil
		}
		connection.init(conn, sf.asduQueue, sf.connectionAsduQueue)

	case ModeConnectionIsRedundancyGroup:
		connection = sf.getFreeConnection()
		if connection == nil {
			return nil
		}
		// slot keeps its own queues; init resets them
		connection.init(conn, nil, nil)
	}

	return connection
}

// handleAccepted applies the accept policy and starts a session. start runs
// the driver of the chosen mode.
func (sf *Server) handleAccepted(conn net.Conn, start func(*MasterConnection)) {
	if sf.maxOpenConnections > 0 && sf.OpenConnections() >= sf.maxOpenConnections {
		_ = conn.Close()
		return
	}
	if !sf.callConnectionRequestHandler(conn) {
		_ = conn.Close()
		return
	}

	connection := sf.setupConnection(conn)
	if connection == nil {
		sf.Debug("connection attempt failed")
		_ = conn.Close()
		return
	}

	connection.setRunning(true)
	start(connection)
}

func (sf *Server) listen() (*net.TCPListener, error) {
	addr := sf.localAddress
	if addr == "" {
		addr = "0.0.0.0"
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", addr, sf.tcpPort))
	if err != nil {
		return nil, err
	}
	return net.ListenTCP("tcp", tcpAddr)
}

// ListenAddr returns the address the server is listening on, or empty when
// not started. With port zero this reports the assigned port.
func (sf *Server) ListenAddr() string {
	if sf.listener == nil {
		return ""
	}
	return sf.listener.Addr().String()
}

/*
 * threaded driver
 */

// Start opens the listener and serves connections in the background, one
// goroutine per session. Returns once the listener is bound.
func (sf *Server) Start() error {
	if atomic.LoadUint32(&sf.isRunning) == 1 {
		return nil
	}

	sf.initializeQueues()

	listener, err := sf.listen()
	if err != nil {
		return fmt.Errorf("cs104 server: %w", err)
	}
	sf.listener = listener
	sf.isThreadlessMode = false
	atomic.StoreUint32(&sf.stopRunning, 0)
	atomic.StoreUint32(&sf.isRunning, 1)
	sf.listenerDone = make(chan struct{})

	sf.Debug("listening on %s", listener.Addr())

	go sf.serve()
	return nil
}

func (sf *Server) serve() {
	defer close(sf.listenerDone)

	for atomic.LoadUint32(&sf.stopRunning) == 0 {
		conn, err := sf.listener.Accept()
		if err != nil {
			if atomic.LoadUint32(&sf.stopRunning) == 1 {
				break
			}
			sf.Error("accept failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		sf.handleAccepted(conn, func(c *MasterConnection) {
			go c.handlingLoop()
		})
	}

	atomic.StoreUint32(&sf.isRunning, 0)
}

// Stop closes the listener and tears down all sessions.
func (sf *Server) Stop() {
	if sf.isThreadlessMode {
		sf.StopThreadless()
		return
	}
	if atomic.LoadUint32(&sf.isRunning) == 0 {
		return
	}

	atomic.StoreUint32(&sf.stopRunning, 1)
	if sf.listener != nil {
		_ = sf.listener.Close()
	}
	if sf.listenerDone != nil {
		<-sf.listenerDone
	}

	sf.connsMu.Lock()
	for _, c := range sf.connections {
		if c.isUsed {
			c.Close()
		}
	}
	sf.connsMu.Unlock()

	// wait for the session workers to clean up
	for sf.OpenConnections() > 0 {
		time.Sleep(10 * time.Millisecond)
	}

	sf.listener = nil
}

// IsRunning reports whether the server accepts connections.
func (sf *Server) IsRunning() bool {
	return atomic.LoadUint32(&sf.isRunning) == 1
}

/*
 * threadless (cooperative) driver
 */

// StartThreadless opens the listener without spawning any goroutine; the
// application drives the server by calling Tick.
func (sf *Server) StartThreadless() error {
	if atomic.LoadUint32(&sf.isRunning) == 1 {
		return nil
	}

	sf.initializeQueues()

	listener, err := sf.listen()
	if err != nil {
		return fmt.Errorf("cs104 server: %w", err)
	}
	sf.listener = listener
	sf.isThreadlessMode = true
	atomic.StoreUint32(&sf.isRunning, 1)

	sf.Debug("listening on %s (threadless)", listener.Addr())
	return nil
}

// StopThreadless closes the listener; sessions in flight stop on the next
// Tick.
func (sf *Server) StopThreadless() {
	atomic.StoreUint32(&sf.isRunning, 0)
	if sf.listener != nil {
		_ = sf.listener.Close()
		sf.listener = nil
	}
}

// Tick performs one accept attempt and one bounded processing pass over all
// open sessions: reads, timeouts, outbound draining, plugin work.
func (sf *Server) Tick() {
	if atomic.LoadUint32(&sf.isRunning) == 0 {
		if sf.isThreadlessMode {
			// stopped: close and reap the sessions still in flight
			sf.connsMu.Lock()
			for _, c := range sf.connections {
				if c.isUsed {
					c.Close()
				}
			}
			sf.connsMu.Unlock()
			sf.handleClientConnections()
		}
		return
	}

	if sf.maxOpenConnections <= 0 || sf.OpenConnections() < sf.maxOpenConnections {
		_ = sf.listener.SetDeadline(time.Now().Add(time.Millisecond))
		if conn, err := sf.listener.Accept(); err == nil {
			sf.handleAccepted(conn, func(c *MasterConnection) {
				c.resetT3Timeout(nowMs())
				if sf.connectionEventHandler != nil {
					sf.connectionEventHandler(c, ConnectionOpened)
				}
			})
		}
	}

	sf.handleClientConnections()
}

// handleClientConnections runs one processing pass over the session table
// and reaps ended sessions.
func (sf *Server) handleClientConnections() {
	sf.connsMu.Lock()
	open := make([]*MasterConnection, 0, len(sf.connections))
	for _, c := range sf.connections {
		if c.isUsed {
			open = append(open, c)
		}
	}
	sf.connsMu.Unlock()

	for _, c := range open {
		if !c.running() {
			if sf.connectionEventHandler != nil {
				sf.connectionEventHandler(c, ConnectionClosed)
			}
			sf.Debug("connection to %s closed", c.PeerAddress())
			sf.removeConnection(c)
			continue
		}

		c.handleTCPConnection()
		if c.running() {
			c.executePeriodicTasks()
		}
	}
}

// Destroy stops the server and releases all queued ASDUs.
func (sf *Server) Destroy() {
	sf.Stop()
	if sf.asduQueue != nil {
		sf.asduQueue.releaseAll()
	}
	for _, group := range sf.redundancyGroups {
		if group.lowPrioQueue != nil {
			group.lowPrioQueue.releaseAll()
		}
	}
	for _, c := range sf.connections {
		if c.lowPrioQueue != nil {
			c.lowPrioQueue.releaseAll()
		}
	}
}
