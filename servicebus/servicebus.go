// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package servicebus declares the contract of the external service-bus
// substrate that this library is built on top of (spec §6): discovery,
// per-participant request/response ("requester"), and update events such as
// a participant announcing itself alive or shutting down. The substrate
// itself — its transport, wire format, and RPC stub machinery — is out of
// scope for this library; DDAAccess is the one concrete binding, built on
// github.com/coatyio/dda, the teacher's own communication dependency.
package servicebus

import (
	"context"
	"time"
)

// EventType classifies a ServiceUpdateEvent.
type EventType int

const (
	EventUnknown EventType = iota
	EventNotifyAlive
	EventNotifyByeBye
	EventResponse
)

// ServiceUpdateEvent is delivered to registered sinks whenever a participant
// appears, disappears, or responds on the bus.
type ServiceUpdateEvent struct {
	ServiceName string
	SystemName  string
	HostURL     string
	Type        EventType
}

// UpdateEventSink receives ServiceUpdateEvent notifications. Implementations
// must never panic: the dispatchers in this package call sinks without
// recovering, so each sink recovers from its own panics.
type UpdateEventSink interface {
	OnServiceUpdate(evt ServiceUpdateEvent)
}

// UpdateEventSinkFunc adapts a function to an UpdateEventSink.
type UpdateEventSinkFunc func(ServiceUpdateEvent)

// OnServiceUpdate implements UpdateEventSink.
func (f UpdateEventSinkFunc) OnServiceUpdate(evt ServiceUpdateEvent) { f(evt) }

// Requester performs request/response RPC calls against one participant's
// advertised service methods.
type Requester interface {
	// Call sends payload to the given service/method on the bound
	// participant and blocks for a single reply or ctx expiry.
	Call(ctx context.Context, service, method string, payload []byte) ([]byte, error)
}

// SystemAccess is one system's (system_name-scoped) handle onto the service
// bus: discovery, requester construction, update-event subscription, and a
// server for exposing this process's own RPC services (the logging sink,
// §4.G/§6).
type SystemAccess interface {
	// Discover polls the bus for the given duration and returns the set of
	// currently visible participant identifiers (bare "name", or
	// "name@system" when discovering across all systems).
	Discover(ctx context.Context, timeout time.Duration) (map[string]struct{}, error)

	// Requester returns a Requester bound to the given participant name.
	Requester(participantName string) Requester

	// RegisterUpdateEventSink subscribes sink to update events for this
	// system and returns a function that deregisters it. Deregistration is
	// synchronous (§5 Cancellation).
	RegisterUpdateEventSink(sink UpdateEventSink) (deregister func())

	// AdvertiseServer returns the URL at which this process's own RPC
	// services (e.g. the logging sink) can be reached by participants,
	// with any 0.0.0.0 host rewritten to the local hostname (§4.G "URL
	// rewriting").
	AdvertiseServer() (string, error)

	// Close releases the system access and any resources it owns.
	Close() error
}

// Access is the top-level service-bus capability surface (§6): creating or
// attaching to a system's access by name.
type Access interface {
	// CreateSystemAccess creates (or attaches to) the access for the given
	// system name at the given bus URL.
	CreateSystemAccess(systemName, url string) (SystemAccess, error)
}
