// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"github.com/riclolsen/go-cs104/asdu"
)

// responseCOTUnknown echoes the ASDU negatively with cause UNKNOWN_COT.
func (sf *MasterConnection) responseCOTUnknown(a *asdu.ASDU) {
	sf.Debug("  with unknown COT")
	a.SetCause(asdu.UnknownCOT)
	a.SetNegative(true)
	sf.sendASDUInternal(a)
}

// handleASDU dispatches a received ASDU to plugins and the registered
// handlers, answering negatively when nothing claims it. Returns false when
// the message data is corrupted.
func (sf *MasterConnection) handleASDU(a *asdu.ASDU) bool {
	slave := sf.slave

	for _, plugin := range slave.plugins {
		if plugin.HandleASDU(sf, a) == PluginHandled {
			return true
		}
	}

	messageHandled := false
	cot := a.Coa.Cause
	params := &slave.alParams
	ioaSize := params.InfoObjAddrSize
	info := a.InfoObj()

	switch a.Type {
	case asdu.C_IC_NA_1: // interrogation command
		sf.Debug("rcvd interrogation command C_IC_NA_1")
		if cot == asdu.Activation || cot == asdu.Deactivation {
			if slave.interrogationHandler != nil {
				if len(info) < ioaSize+1 {
					return false
				}
				qoi := asdu.QualifierOfInterrogation(info[ioaSize])
				if slave.interrogationHandler(sf, a, qoi) {
					messageHandled = true
				}
			}
		} else {
			sf.responseCOTUnknown(a)
			messageHandled = true
		}

	case asdu.C_CI_NA_1: // counter interrogation command
		sf.Debug("rcvd counter interrogation command C_CI_NA_1")
		if cot == asdu.Activation || cot == asdu.Deactivation {
			if slave.counterInterrogationHandler != nil {
				if len(info) < ioaSize+1 {
					return false
				}
				qcc := asdu.ParseQualifierCountCall(info[ioaSize])
				if slave.counterInterrogationHandler(sf, a, qcc) {
					messageHandled = true
				}
			}
		} else {
			sf.responseCOTUnknown(a)
			messageHandled = true
		}

	case asdu.C_RD_NA_1: // read command
		sf.Debug("rcvd read command C_RD_NA_1")
		if cot == asdu.Request {
			if slave.readHandler != nil {
				if len(info) < ioaSize {
					return false
				}
				ioa := params.DecodeInfoObjAddr(info)
				if slave.readHandler(sf, a, ioa) {
					messageHandled = true
				}
			}
		} else {
			sf.responseCOTUnknown(a)
			messageHandled = true
		}

	case asdu.C_CS_NA_1: // clock synchronization command
		sf.Debug("rcvd clock sync command C_CS_NA_1")
		if cot == asdu.Activation {
			if slave.clockSyncHandler != nil {
				if len(info) < ioaSize+7 {
					return false
				}
				newTime := asdu.ParseCP56Time2a(info[ioaSize:], params.InfoObjTimeZone)
				if slave.clockSyncHandler(sf, a, newTime) {
					// positive confirmation goes through the event queue so
					// it is delivered in order with queued messages
					con := a.Clone()
					con.SetCause(asdu.ActivationCon)
					slave.EnqueueASDU(con)
				} else {
					a.SetCause(asdu.ActivationCon)
					a.SetNegative(true)
					sf.sendASDUInternal(a)
				}
				messageHandled = true
			}
		} else {
			sf.responseCOTUnknown(a)
			messageHandled = true
		}

	case asdu.C_TS_NA_1: // test command, answered without a handler
		sf.Debug("rcvd test command C_TS_NA_1")
		if cot != asdu.Activation {
			a.SetCause(asdu.UnknownCOT)
			a.SetNegative(true)
		} else {
			a.SetCause(asdu.ActivationCon)
		}
		sf.sendASDUInternal(a)
		messageHandled = true

	case asdu.C_RP_NA_1: // reset process command
		sf.Debug("rcvd reset process command C_RP_NA_1")
		if cot == asdu.Activation {
			if slave.resetProcessHandler != nil {
				if len(info) < ioaSize+1 {
					return false
				}
				qrp := asdu.QualifierOfResetProcessCmd(info[ioaSize])
				if slave.resetProcessHandler(sf, a, qrp) {
					messageHandled = true
				}
			}
		} else {
			sf.responseCOTUnknown(a)
			messageHandled = true
		}

	case asdu.C_CD_NA_1: // delay acquisition command
		sf.Debug("rcvd delay acquisition command C_CD_NA_1")
		if cot == asdu.Activation || cot == asdu.Spontaneous {
			if slave.delayAcquisitionHandler != nil {
				if len(info) < ioaSize+2 {
					return false
				}
				delay := asdu.ParseCP16Time2a(info[ioaSize:])
				if slave.delayAcquisitionHandler(sf, a, delay) {
					messageHandled = true
				}
			}
		} else {
			sf.responseCOTUnknown(a)
			messageHandled = true
		}

	default:
		// no dedicated handler for this type
	}

	if !messageHandled && slave.asduHandler != nil {
		if slave.asduHandler(sf, a) {
			messageHandled = true
		}
	}

	if !messageHandled {
		a.SetCause(asdu.UnknownTypeID)
		a.SetNegative(true)
		sf.sendASDUInternal(a)
	}

	return true
}
