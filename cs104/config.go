// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"errors"
	"time"
)

// Default TCP ports of IEC 60870-5-104.
const (
	DefaultPort       = 2404
	DefaultPortSecure = 19998
)

// Constants defining default values and ranges for CS104 parameters.
const (
	// Default number of connection slots pooled per server.
	DefaultMaxClientConnections = 10

	// Default sizes of the outbound queues (number of ASDU slots).
	DefaultLowPrioQueueSize  = 100
	DefaultHighPrioQueueSize = 10

	// k: maximum number of sent I-frames pending acknowledge.
	DefaultSendUnackLimitK = 12
	SendUnackLimitKMin     = 1
	SendUnackLimitKMax     = 32767

	// w: latest acknowledge after receiving w I-frames.
	DefaultRecvUnackLimitW = 8
	RecvUnackLimitWMin     = 1
	RecvUnackLimitWMax     = 32767

	// "t0" connection establishment timeout, range [1, 255]s.
	DefaultTimeoutConnectT0 = 10 * time.Second
	TimeoutConnectT0Min     = 1 * time.Second
	TimeoutConnectT0Max     = 255 * time.Second

	// "t1" timeout waiting for acknowledge of a sent I-frame, range [1, 255]s.
	DefaultTimeoutResponseT1 = 15 * time.Second
	TimeoutResponseT1Min     = 1 * time.Second
	TimeoutResponseT1Max     = 255 * time.Second

	// "t2" timeout for sending an S-frame acknowledge, range [1, 255]s, t2 < t1.
	DefaultTimeoutConfirmT2 = 10 * time.Second
	TimeoutConfirmT2Min     = 1 * time.Second
	TimeoutConfirmT2Max     = 255 * time.Second

	// "t3" idle period before sending a TESTFR_ACT, range [1s, 48h].
	DefaultTimeoutTestT3 = 20 * time.Second
	TimeoutTestT3Min     = 1 * time.Second
	TimeoutTestT3Max     = 48 * time.Hour
)

// APCIParams holds the transport layer parameters of a CS104 endpoint.
type APCIParams struct {
	// SendUnackLimitK is the maximum number of sent I-frames pending
	// acknowledge (the k parameter).
	SendUnackLimitK uint16

	// RecvUnackLimitW is the number of received I-frames after which an
	// acknowledge must be sent at the latest (the w parameter).
	// Convention: w should not exceed two thirds of k.
	RecvUnackLimitW uint16

	// TimeoutConnectT0 is the connection establishment timeout.
	TimeoutConnectT0 time.Duration

	// TimeoutResponseT1 closes the connection when the peer did not
	// acknowledge the oldest sent I-frame in time.
	TimeoutResponseT1 time.Duration

	// TimeoutConfirmT2 is the latest point to acknowledge received I-frames
	// with an S-frame. Must be less than TimeoutResponseT1.
	TimeoutConfirmT2 time.Duration

	// TimeoutTestT3 is the idle period after which a TESTFR_ACT probe is
	// sent.
	TimeoutTestT3 time.Duration
}

// DefaultAPCIParams returns the parameter set recommended by IEC
// 60870-5-104 clause 9.
func DefaultAPCIParams() APCIParams {
	return APCIParams{
		SendUnackLimitK:   DefaultSendUnackLimitK,
		RecvUnackLimitW:   DefaultRecvUnackLimitW,
		TimeoutConnectT0:  DefaultTimeoutConnectT0,
		TimeoutResponseT1: DefaultTimeoutResponseT1,
		TimeoutConfirmT2:  DefaultTimeoutConfirmT2,
		TimeoutTestT3:     DefaultTimeoutTestT3,
	}
}

// Valid applies defaults for zero fields and checks ranges.
func (sf *APCIParams) Valid() error {
	if sf == nil {
		return errors.New("invalid nil APCI params")
	}

	if sf.SendUnackLimitK == 0 {
		sf.SendUnackLimitK = DefaultSendUnackLimitK
	} else if sf.SendUnackLimitK < SendUnackLimitKMin || sf.SendUnackLimitK > SendUnackLimitKMax {
		return errors.New("send unack limit k out of range [1, 32767]")
	}

	if sf.RecvUnackLimitW == 0 {
		sf.RecvUnackLimitW = DefaultRecvUnackLimitW
	} else if sf.RecvUnackLimitW < RecvUnackLimitWMin || sf.RecvUnackLimitW > RecvUnackLimitWMax {
		return errors.New("recv unack limit w out of range [1, 32767]")
	}

	if sf.TimeoutConnectT0 == 0 {
		sf.TimeoutConnectT0 = DefaultTimeoutConnectT0
	} else if sf.TimeoutConnectT0 < TimeoutConnectT0Min || sf.TimeoutConnectT0 > TimeoutConnectT0Max {
		return errors.New("timeout t0 out of range [1, 255]s")
	}

	if sf.TimeoutResponseT1 == 0 {
		sf.TimeoutResponseT1 = DefaultTimeoutResponseT1
	} else if sf.TimeoutResponseT1 < TimeoutResponseT1Min || sf.TimeoutResponseT1 > TimeoutResponseT1Max {
		return errors.New("timeout t1 out of range [1, 255]s")
	}

	if sf.TimeoutConfirmT2 == 0 {
		sf.TimeoutConfirmT2 = DefaultTimeoutConfirmT2
	} else if sf.TimeoutConfirmT2 < TimeoutConfirmT2Min || sf.TimeoutConfirmT2 > TimeoutConfirmT2Max {
		return errors.New("timeout t2 out of range [1, 255]s")
	}
	if sf.TimeoutConfirmT2 >= sf.TimeoutResponseT1 {
		return errors.New("timeout t2 must be less than t1")
	}

	if sf.TimeoutTestT3 == 0 {
		sf.TimeoutTestT3 = DefaultTimeoutTestT3
	} else if sf.TimeoutTestT3 < TimeoutTestT3Min || sf.TimeoutTestT3 > TimeoutTestT3Max {
		return errors.New("timeout t3 out of range [1s, 48h]")
	}

	return nil
}
