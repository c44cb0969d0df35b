// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package clog provides the leveled printf-style logger embedded by the
// protocol types of this module.
package clog

import (
	"log"
	"os"
	"sync/atomic"
)

// Clog is embedded by protocol types to provide prefixed logging that can be
// switched on and off at runtime.
type Clog struct {
	logger  *log.Logger
	enabled *uint32
}

// NewLogger creates a logger writing to stderr with the given prefix.
// Logging is disabled until LogMode(true) is called.
func NewLogger(prefix string) Clog {
	return Clog{
		logger:  log.New(os.Stderr, prefix, log.LstdFlags),
		enabled: new(uint32),
	}
}

// LogMode enables or disables logging output.
func (sf Clog) LogMode(enable bool) {
	if sf.enabled == nil {
		return
	}
	if enable {
		atomic.StoreUint32(sf.enabled, 1)
	} else {
		atomic.StoreUint32(sf.enabled, 0)
	}
}

func (sf Clog) active() bool {
	return sf.enabled != nil && atomic.LoadUint32(sf.enabled) == 1
}

// Debug logs a debug-level message.
func (sf Clog) Debug(format string, v ...interface{}) {
	if sf.active() {
		sf.logger.Printf("[D] "+format, v...)
	}
}

// Warn logs a warning-level message.
func (sf Clog) Warn(format string, v ...interface{}) {
	if sf.active() {
		sf.logger.Printf("[W] "+format, v...)
	}
}

// Error logs an error-level message.
func (sf Clog) Error(format string, v ...interface{}) {
	if sf.active() {
		sf.logger.Printf("[E] "+format, v...)
	}
}

// Critical logs a critical-level message. Critical messages are emitted even
// when logging is disabled.
func (sf Clog) Critical(format string, v ...interface{}) {
	if sf.enabled == nil {
		return
	}
	sf.logger.Printf("[C] "+format, v...)
}
