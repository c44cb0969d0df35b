// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package asdu

import (
	"errors"
	"time"
)

// ASDUSizeMax is the maximum encoded size of an ASDU carried by a CS104
// I-frame (253 APDU bytes minus the four control fields).
const ASDUSizeMax = 249

// InfoObjAddr is the information object address.
type InfoObjAddr uint

// InfoObjAddrIrrelevant is used when the address carries no information
// (station-wide commands).
const InfoObjAddrIrrelevant InfoObjAddr = 0

// CommonAddr is the common address of an ASDU (station address).
type CommonAddr uint16

// common address special values
const (
	InvalidCommonAddr CommonAddr = 0
	GlobalCommonAddr  CommonAddr = 0xFFFF
)

// OriginAddr is the originator address carried in the second COT octet.
type OriginAddr uint8

// Params describes the variable sizes of the ASDU identifier fields.
type Params struct {
	// CauseSize is the number of octets of the cause of transmission (1 or 2).
	// With two octets the second carries the originator address.
	CauseSize int
	// CommonAddrSize is the number of octets of the common address (1 or 2).
	CommonAddrSize int
	// InfoObjAddrSize is the number of octets of the information object
	// address (1, 2 or 3).
	InfoObjAddrSize int
	// InfoObjTimeZone is the time zone applied to CP56Time2a tags.
	InfoObjTimeZone *time.Location
}

// ParamsWide is the fixed parameter set of IEC 60870-5-104: two-octet cause
// with originator, two-octet common address, three-octet object address.
var ParamsWide = &Params{CauseSize: 2, CommonAddrSize: 2, InfoObjAddrSize: 3, InfoObjTimeZone: time.UTC}

// ParamsNarrow is the minimal layout used by some CS101 profiles.
var ParamsNarrow = &Params{CauseSize: 1, CommonAddrSize: 1, InfoObjAddrSize: 2, InfoObjTimeZone: time.UTC}

// Valid checks the parameter combination.
func (sf *Params) Valid() error {
	if sf == nil {
		return errors.New("invalid nil params")
	}
	if sf.CauseSize < 1 || sf.CauseSize > 2 {
		return errors.New("cause of transmission size must be 1 or 2")
	}
	if sf.CommonAddrSize < 1 || sf.CommonAddrSize > 2 {
		return errors.New("common address size must be 1 or 2")
	}
	if sf.InfoObjAddrSize < 1 || sf.InfoObjAddrSize > 3 {
		return errors.New("information object address size must be 1, 2 or 3")
	}
	if sf.InfoObjTimeZone == nil {
		return errors.New("time zone must be set")
	}
	return nil
}

// IdentifierSize returns the encoded size of the ASDU identifier.
func (sf *Params) IdentifierSize() int {
	return 2 + sf.CauseSize + sf.CommonAddrSize
}

// ValidCommonAddr checks a common address against the configured size.
func (sf *Params) ValidCommonAddr(addr CommonAddr) error {
	if addr == InvalidCommonAddr {
		return errors.New("common address 0 is not used")
	}
	if sf.CommonAddrSize == 1 && addr > 255 && addr != GlobalCommonAddr {
		return errors.New("common address exceeds one octet")
	}
	return nil
}

// DecodeInfoObjAddr decodes an information object address from the start of
// data using the configured size.
func (sf *Params) DecodeInfoObjAddr(data []byte) InfoObjAddr {
	if len(data) < sf.InfoObjAddrSize {
		return InfoObjAddrIrrelevant
	}
	addr := InfoObjAddr(data[0])
	switch sf.InfoObjAddrSize {
	case 2:
		addr |= InfoObjAddr(data[1]) << 8
	case 3:
		addr |= InfoObjAddr(data[1])<<8 | InfoObjAddr(data[2])<<16
	}
	return addr
}

// EncodeInfoObjAddr appends an information object address to buf using the
// configured size.
func (sf *Params) EncodeInfoObjAddr(buf []byte, addr InfoObjAddr) []byte {
	buf = append(buf, byte(addr))
	switch sf.InfoObjAddrSize {
	case 2:
		buf = append(buf, byte(addr>>8))
	case 3:
		buf = append(buf, byte(addr>>8), byte(addr>>16))
	}
	return buf
}
