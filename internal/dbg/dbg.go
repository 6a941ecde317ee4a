// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package dbg provides conditional internal trace logging used at the
// catch-all boundary around goroutines driven by the service bus (health
// events, shutdown events, log server handlers). It is never part of the
// library's public logging surface; callers observe errors and diagnostics
// through the system logger and registered monitors instead.
package dbg

import (
	"fmt"
	"log"
)

var enabled = false

// Enable turns on conditional trace output. Intended for debugging this
// library itself, not for application use.
func Enable() {
	enabled = true
}

// Tracer logs output in the manner of the standard logger. Printf writes only
// when conditionally enabled; Recover always writes the panic it recovered.
type Tracer struct {
	logger *log.Logger
}

// New creates a Tracer with the given prefix.
func New(prefixFormat string, prefixArgs ...any) *Tracer {
	return &Tracer{
		log.New(
			log.Default().Writer(),
			fmt.Sprintf(prefixFormat, prefixArgs...),
			log.Ldate|log.Ltime|log.Lmicroseconds|log.Lmsgprefix,
		),
	}
}

// Printf logs conditionally (if Enable was called) in the manner of
// log.Printf.
func (t *Tracer) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	t.logger.Printf(format, a...)
}

// Recover is deferred at the top of a service-bus callback goroutine. It
// converts a panic into a trace line instead of letting it escape onto a
// service-bus thread, per the "forbid throwing out of sinks" design note.
func (t *Tracer) Recover(where string) {
	if r := recover(); r != nil {
		t.logger.Printf("recovered panic in %s: %v", where, r)
	}
}
