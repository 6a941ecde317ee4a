// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package proxy implements the per-participant proxy (Component D):
// identity, priority storage, additional info, and lazily-resolved RPC
// client caches negotiated from the participant's advertised IID list.
package proxy

import (
	"context"

	"github.com/fep3-go/system/health"
)

// InfoService is the participant_info RPC client (spec §6).
type InfoService interface {
	GetRPCComponents(ctx context.Context) ([]string, error)
	GetRPCComponentIIDs(ctx context.Context, component string) ([]string, error)
	GetRPCComponentInterfaceDefinition(ctx context.Context, component, iid string) (string, error)
}

// TransitionResult is the outcome of a single state-machine RPC call,
// covering both RPC dialects (§4.A, §6): a legacy bool-only reply is
// normalized to {OK: v, Code: 0 or 1}; the current dialect carries the full
// record.
type TransitionResult struct {
	OK          bool
	Code        int32
	Description string
	File        string
	Line        int32
	Function    string
}

// StateMachineService is the participant_statemachine RPC client, spanning
// both the legacy boolean dialect and the current JSON-result dialect
// (spec §6). Concrete client implementations decide which wire dialect to
// speak; callers only see TransitionResult.
type StateMachineService interface {
	CurrentStateName(ctx context.Context) (string, error)
	Load(ctx context.Context) (TransitionResult, error)
	Unload(ctx context.Context) (TransitionResult, error)
	Initialize(ctx context.Context) (TransitionResult, error)
	Deinitialize(ctx context.Context) (TransitionResult, error)
	Start(ctx context.Context) (TransitionResult, error)
	Pause(ctx context.Context) (TransitionResult, error)
	Stop(ctx context.Context) (TransitionResult, error)
	Exit(ctx context.Context) (TransitionResult, error)
}

// ConfigurationService is the configuration RPC client (spec §6), used both
// for arbitrary property get/set and for the priority storage convention of
// §4.D ("service_bus/*_priority").
type ConfigurationService interface {
	GetProperty(ctx context.Context, name string) (string, error)
	SetProperty(ctx context.Context, name, value, typ string) error
	GetPropertyType(ctx context.Context, name string) (string, error)
	GetPropertyNames(ctx context.Context) ([]string, error)
}

// LoggingSinkService is the logging_sink_service RPC client (spec §6): it
// registers/unregisters this process's log server URL with a participant so
// that participant starts/stops pushing its own log events to us.
type LoggingSinkService interface {
	RegisterRPCLoggingSinkClient(ctx context.Context, url string, filter string, severity int32) (int32, error)
	UnregisterRPCLoggingSinkClient(ctx context.Context, url string) (int32, error)
}

// HealthServiceClient adapts health.HealthService plus ResetHealth (spec
// §6).
type HealthServiceClient interface {
	health.HealthService
	ResetHealth(ctx context.Context) (TransitionResult, error)
}

// HTTPServerService is the http_server RPC client (spec §6), used for
// per-participant heartbeat interval configuration.
type HTTPServerService interface {
	GetHeartbeatInterval(ctx context.Context) (int64, error)
	SetHeartbeatInterval(ctx context.Context, ms int64) error
}

// ClientFactory resolves a participant's RPC clients, negotiating the
// state-machine dialect from the info client's advertised IID list (§4.D
// "IID-based lookup"). Concrete implementations live alongside the
// servicebus binding in use; proxy only depends on these interfaces.
type ClientFactory interface {
	// Info returns the participant_info client, or nil with an error if the
	// participant cannot be reached at all. This is the one client whose
	// absence makes the whole participant unreachable (§4.D).
	Info(ctx context.Context, participantName string) (InfoService, error)

	// StateMachine negotiates and returns the best supported state-machine
	// client version for the given advertised IIDs.
	StateMachine(ctx context.Context, participantName string, advertisedIIDs []string) (StateMachineService, error)

	Configuration(ctx context.Context, participantName string) (ConfigurationService, error)
	LoggingSink(ctx context.Context, participantName string) (LoggingSinkService, error)
	Health(ctx context.Context, participantName string) (HealthServiceClient, error)
	HTTPServer(ctx context.Context, participantName string) (HTTPServerService, error)
}
