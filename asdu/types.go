// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package asdu

import "fmt"

// TypeID is the ASDU type identification.
type TypeID uint8

// Type identifications used by this module. Monitor direction types carry
// process information to the master, control direction types carry commands.
const (
	M_SP_NA_1 TypeID = 1  // single-point information
	M_DP_NA_1 TypeID = 3  // double-point information
	M_ST_NA_1 TypeID = 5  // step position information
	M_BO_NA_1 TypeID = 7  // bitstring of 32 bit
	M_ME_NA_1 TypeID = 9  // measured value, normalized
	M_ME_NB_1 TypeID = 11 // measured value, scaled
	M_ME_NC_1 TypeID = 13 // measured value, short float
	M_IT_NA_1 TypeID = 15 // integrated totals
	M_SP_TB_1 TypeID = 30 // single-point with CP56Time2a
	M_ME_TF_1 TypeID = 36 // measured value, short float with CP56Time2a
	M_IT_TB_1 TypeID = 37 // integrated totals with CP56Time2a
	M_EP_TF_1 TypeID = 40 // packed output circuit info with CP56Time2a

	C_SC_NA_1 TypeID = 45 // single command
	C_DC_NA_1 TypeID = 46 // double command
	C_RC_NA_1 TypeID = 47 // regulating step command
	C_SE_NA_1 TypeID = 48 // set-point command, normalized
	C_SE_NC_1 TypeID = 50 // set-point command, short float
	C_BO_NA_1 TypeID = 51 // bitstring of 32 bit command

	M_EI_NA_1 TypeID = 70 // end of initialization

	C_IC_NA_1 TypeID = 100 // interrogation command
	C_CI_NA_1 TypeID = 101 // counter interrogation command
	C_RD_NA_1 TypeID = 102 // read command
	C_CS_NA_1 TypeID = 103 // clock synchronization command
	C_TS_NA_1 TypeID = 104 // test command
	C_RP_NA_1 TypeID = 105 // reset process command
	C_CD_NA_1 TypeID = 106 // delay acquisition command
)

var typeIDNames = map[TypeID]string{
	M_SP_NA_1: "M_SP_NA_1", M_DP_NA_1: "M_DP_NA_1", M_ST_NA_1: "M_ST_NA_1",
	M_BO_NA_1: "M_BO_NA_1", M_ME_NA_1: "M_ME_NA_1", M_ME_NB_1: "M_ME_NB_1",
	M_ME_NC_1: "M_ME_NC_1", M_IT_NA_1: "M_IT_NA_1", M_SP_TB_1: "M_SP_TB_1",
	M_ME_TF_1: "M_ME_TF_1", M_IT_TB_1: "M_IT_TB_1", M_EP_TF_1: "M_EP_TF_1",
	C_SC_NA_1: "C_SC_NA_1", C_DC_NA_1: "C_DC_NA_1", C_RC_NA_1: "C_RC_NA_1",
	C_SE_NA_1: "C_SE_NA_1", C_SE_NC_1: "C_SE_NC_1", C_BO_NA_1: "C_BO_NA_1",
	M_EI_NA_1: "M_EI_NA_1",
	C_IC_NA_1: "C_IC_NA_1", C_CI_NA_1: "C_CI_NA_1", C_RD_NA_1: "C_RD_NA_1",
	C_CS_NA_1: "C_CS_NA_1", C_TS_NA_1: "C_TS_NA_1", C_RP_NA_1: "C_RP_NA_1",
	C_CD_NA_1: "C_CD_NA_1",
}

func (sf TypeID) String() string {
	if name, ok := typeIDNames[sf]; ok {
		return name
	}
	return fmt.Sprintf("TypeID(%d)", uint8(sf))
}

// Cause is the cause of transmission without the negative and test flags.
type Cause uint8

// causes of transmission
const (
	Unused                  Cause = 0
	Periodic                Cause = 1
	Background              Cause = 2
	Spontaneous             Cause = 3
	Initialized             Cause = 4
	Request                 Cause = 5
	Activation              Cause = 6
	ActivationCon           Cause = 7
	Deactivation            Cause = 8
	DeactivationCon         Cause = 9
	ActivationTerm          Cause = 10
	ReturnInfoRemote        Cause = 11
	ReturnInfoLocal         Cause = 12
	FileTransfer            Cause = 13
	InterrogatedByStation   Cause = 20
	InterrogatedByGroup1    Cause = 21
	InterrogatedByGroup16   Cause = 36
	RequestByGeneralCounter Cause = 37
	RequestByGroup1Counter  Cause = 38
	RequestByGroup4Counter  Cause = 41
	UnknownTypeID           Cause = 44
	UnknownCOT              Cause = 45
	UnknownCA               Cause = 46
	UnknownIOA              Cause = 47
)

// cause octet flag bits
const (
	negativeFlag byte = 0x40
	testFlag     byte = 0x80
)

// CauseOfTransmission is the first cause octet: cause plus negative and test
// flags.
type CauseOfTransmission struct {
	Cause      Cause
	IsNegative bool
	IsTest     bool
}

// Value encodes the cause octet.
func (sf CauseOfTransmission) Value() byte {
	b := byte(sf.Cause) & 0x3F
	if sf.IsNegative {
		b |= negativeFlag
	}
	if sf.IsTest {
		b |= testFlag
	}
	return b
}

// ParseCauseOfTransmission decodes the cause octet.
func ParseCauseOfTransmission(b byte) CauseOfTransmission {
	return CauseOfTransmission{
		Cause:      Cause(b & 0x3F),
		IsNegative: b&negativeFlag != 0,
		IsTest:     b&testFlag != 0,
	}
}

func (sf CauseOfTransmission) String() string {
	s := fmt.Sprintf("COT<%d>", uint8(sf.Cause))
	if sf.IsNegative {
		s += "(neg)"
	}
	if sf.IsTest {
		s += "(test)"
	}
	return s
}

// VariableStruct is the variable structure qualifier: number of information
// objects or elements, and the sequence flag.
type VariableStruct struct {
	IsSequence bool
	Number     uint8
}

// Value encodes the qualifier octet.
func (sf VariableStruct) Value() byte {
	b := sf.Number & 0x7F
	if sf.IsSequence {
		b |= 0x80
	}
	return b
}

// ParseVariableStruct decodes the qualifier octet.
func ParseVariableStruct(b byte) VariableStruct {
	return VariableStruct{IsSequence: b&0x80 != 0, Number: b & 0x7F}
}
