// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package asdu

// Connect is implemented by protocol endpoints able to transmit ASDUs.
type Connect interface {
	Params() *Params
	Send(a *ASDU) error
}
