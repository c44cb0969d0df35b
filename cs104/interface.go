// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"time"

	"github.com/riclolsen/go-cs104/asdu"
)

// Application layer handlers. Each returns true when it handled the ASDU;
// when it returns false and the fallback ASDUHandler does not claim the ASDU
// either, the server answers with a negative confirmation (unknown type
// identification). ClockSyncHandler is the exception: returning false sends a
// negative activation confirmation.

// InterrogationHandler handles C_IC_NA_1 station interrogation commands.
type InterrogationHandler func(conn *MasterConnection, a *asdu.ASDU, qoi asdu.QualifierOfInterrogation) bool

// CounterInterrogationHandler handles C_CI_NA_1 counter interrogation commands.
type CounterInterrogationHandler func(conn *MasterConnection, a *asdu.ASDU, qcc asdu.QualifierCountCall) bool

// ReadHandler handles C_RD_NA_1 read commands.
type ReadHandler func(conn *MasterConnection, a *asdu.ASDU, ioa asdu.InfoObjAddr) bool

// ClockSyncHandler handles C_CS_NA_1 clock synchronization commands.
type ClockSyncHandler func(conn *MasterConnection, a *asdu.ASDU, t time.Time) bool

// ResetProcessHandler handles C_RP_NA_1 reset process commands.
type ResetProcessHandler func(conn *MasterConnection, a *asdu.ASDU, qrp asdu.QualifierOfResetProcessCmd) bool

// DelayAcquisitionHandler handles C_CD_NA_1 delay acquisition commands.
type DelayAcquisitionHandler func(conn *MasterConnection, a *asdu.ASDU, msec uint16) bool

// ASDUHandler is the fallback for ASDUs without a dedicated handler.
type ASDUHandler func(conn *MasterConnection, a *asdu.ASDU) bool

// ConnectionRequestHandler gates incoming connections by peer IP address.
// Returning false closes the socket.
type ConnectionRequestHandler func(peerAddr string) bool

// ConnectionEvent is the lifecycle notification of a master connection.
type ConnectionEvent int

// connection events
const (
	ConnectionOpened ConnectionEvent = iota
	ConnectionClosed
	ConnectionActivated
	ConnectionDeactivated
)

func (sf ConnectionEvent) String() string {
	switch sf {
	case ConnectionOpened:
		return "OPENED"
	case ConnectionClosed:
		return "CLOSED"
	case ConnectionActivated:
		return "ACTIVATED"
	case ConnectionDeactivated:
		return "DEACTIVATED"
	}
	return "UNKNOWN"
}

// ConnectionEventHandler is notified about connection lifecycle changes.
type ConnectionEventHandler func(conn *MasterConnection, event ConnectionEvent)

// RawMessageHandler taps every APDU: sent reports the direction.
type RawMessageHandler func(conn *MasterConnection, data []byte, sent bool)

// PluginResult is the outcome of a plugin's ASDU handling.
type PluginResult int

// plugin results
const (
	PluginNotHandled PluginResult = iota
	PluginHandled
)

// Plugin extends the server's ASDU processing. HandleASDU runs before the
// registered handlers and short-circuits them when it returns PluginHandled.
// RunPeriodic runs in the periodic phase of every connection loop.
type Plugin interface {
	HandleASDU(conn *MasterConnection, a *asdu.ASDU) PluginResult
	RunPeriodic(conn *MasterConnection)
}
