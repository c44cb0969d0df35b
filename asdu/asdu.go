// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package asdu implements the application service data unit of IEC 60870-5:
// the identifier with its configurable field sizes, the raw information
// object payload, qualifiers and time tags.
package asdu

import (
	"errors"
	"fmt"
)

// errors returned by the codec
var (
	ErrASDUTooShort = errors.New("asdu: data shorter than identifier")
	ErrASDUTooLarge = errors.New("asdu: encoded size exceeds maximum")
	ErrParam        = errors.New("asdu: invalid parameters")
)

// Identifier is the ASDU identification field.
type Identifier struct {
	Type       TypeID
	Variable   VariableStruct
	Coa        CauseOfTransmission
	OrigAddr   OriginAddr
	CommonAddr CommonAddr
}

func (sf Identifier) String() string {
	return fmt.Sprintf("%s %s CA=%d", sf.Type, sf.Coa, sf.CommonAddr)
}

// ASDU is an application service data unit: identifier plus the raw bytes of
// its information objects.
type ASDU struct {
	*Params
	Identifier
	infoObj []byte
}

// NewEmptyASDU creates an ASDU with no identifier and no payload.
func NewEmptyASDU(p *Params) *ASDU {
	return &ASDU{Params: p}
}

// NewASDU creates an ASDU with the given identifier and no payload.
func NewASDU(p *Params, identifier Identifier) *ASDU {
	return &ASDU{Params: p, Identifier: identifier}
}

// InfoObj returns the raw information object bytes.
func (sf *ASDU) InfoObj() []byte {
	return sf.infoObj
}

// SetInfoObj replaces the raw information object bytes.
func (sf *ASDU) SetInfoObj(data []byte) {
	sf.infoObj = append(sf.infoObj[:0], data...)
}

// AppendInfoObj appends one information object: address plus element bytes.
func (sf *ASDU) AppendInfoObj(addr InfoObjAddr, element ...byte) *ASDU {
	sf.infoObj = sf.EncodeInfoObjAddr(sf.infoObj, addr)
	sf.infoObj = append(sf.infoObj, element...)
	return sf
}

// SetCause replaces the cause of transmission keeping the flags given.
func (sf *ASDU) SetCause(cause Cause) {
	sf.Coa.Cause = cause
}

// SetNegative sets or clears the negative confirm flag.
func (sf *ASDU) SetNegative(neg bool) {
	sf.Coa.IsNegative = neg
}

// Clone returns a deep copy sharing only the parameter set.
func (sf *ASDU) Clone() *ASDU {
	out := &ASDU{Params: sf.Params, Identifier: sf.Identifier}
	out.infoObj = append([]byte(nil), sf.infoObj...)
	return out
}

// MarshalBinary encodes the ASDU.
func (sf *ASDU) MarshalBinary() ([]byte, error) {
	if sf.Params == nil {
		return nil, ErrParam
	}
	if err := sf.Params.Valid(); err != nil {
		return nil, err
	}
	size := sf.IdentifierSize() + len(sf.infoObj)
	if size > ASDUSizeMax {
		return nil, ErrASDUTooLarge
	}

	raw := make([]byte, 0, size)
	raw = append(raw, byte(sf.Type), sf.Variable.Value(), sf.Coa.Value())
	if sf.CauseSize == 2 {
		raw = append(raw, byte(sf.OrigAddr))
	}
	if sf.CommonAddrSize == 1 {
		if sf.CommonAddr == GlobalCommonAddr {
			raw = append(raw, 255)
		} else {
			raw = append(raw, byte(sf.CommonAddr))
		}
	} else {
		raw = append(raw, byte(sf.CommonAddr), byte(sf.CommonAddr>>8))
	}
	raw = append(raw, sf.infoObj...)
	return raw, nil
}

// UnmarshalBinary decodes an ASDU using the receiver's parameter set.
func (sf *ASDU) UnmarshalBinary(data []byte) error {
	if sf.Params == nil {
		return ErrParam
	}
	if err := sf.Params.Valid(); err != nil {
		return err
	}
	headerSize := sf.IdentifierSize()
	if len(data) < headerSize {
		return ErrASDUTooShort
	}
	if len(data) > ASDUSizeMax {
		return ErrASDUTooLarge
	}

	sf.Type = TypeID(data[0])
	sf.Variable = ParseVariableStruct(data[1])
	sf.Coa = ParseCauseOfTransmission(data[2])
	offset := 3
	if sf.CauseSize == 2 {
		sf.OrigAddr = OriginAddr(data[offset])
		offset++
	} else {
		sf.OrigAddr = 0
	}
	if sf.CommonAddrSize == 1 {
		sf.CommonAddr = CommonAddr(data[offset])
		if sf.CommonAddr == 255 {
			sf.CommonAddr = GlobalCommonAddr
		}
		offset++
	} else {
		sf.CommonAddr = CommonAddr(data[offset]) | CommonAddr(data[offset+1])<<8
		offset += 2
	}
	sf.infoObj = append(sf.infoObj[:0], data[offset:]...)
	return nil
}
