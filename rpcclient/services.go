// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package rpcclient

import (
	"context"
	"fmt"

	"github.com/fep3-go/system/health"
	"github.com/fep3-go/system/proxy"
	"github.com/fep3-go/system/servicebus"
)

// Service identifiers, matching spec §6's default RPC service names.
const (
	ServiceParticipantInfo       = "participant_info"
	ServiceParticipantStateMach  = "participant_statemachine"
	ServiceConfiguration         = "configuration"
	ServiceLoggingSink           = "logging_sink_service"
	ServiceHealth                = "health_service"
	ServiceHTTPServer            = "http_server"
	IIDStateMachineLegacy        = "participant_statemachine.v1"
	IIDStateMachineCurrent       = "participant_statemachine.v2"
)

// InfoClient implements the participant_info RPC client over a Requester.
type InfoClient struct{ Requester servicebus.Requester }

func (c *InfoClient) GetRPCComponents(ctx context.Context) ([]string, error) {
	var resp []string
	err := Call(ctx, c.Requester, ServiceParticipantInfo, "getRPCComponents", nil, &resp)
	return resp, err
}

func (c *InfoClient) GetRPCComponentIIDs(ctx context.Context, component string) ([]string, error) {
	var resp []string
	err := Call(ctx, c.Requester, ServiceParticipantInfo, "getRPCComponentIIDs", component, &resp)
	return resp, err
}

func (c *InfoClient) GetRPCComponentInterfaceDefinition(ctx context.Context, component, iid string) (string, error) {
	var resp string
	err := Call(ctx, c.Requester, ServiceParticipantInfo, "getRPCComponentInterfaceDefinition",
		struct{ Component, IID string }{component, iid}, &resp)
	return resp, err
}

// legacyTransitionResult is the older bool-only state-machine dialect wire
// shape.
type legacyTransitionResult struct {
	OK bool `json:"ok"`
}

// currentTransitionResult is the newer JSON-result dialect (spec §6).
type currentTransitionResult struct {
	ErrorCode   int32  `json:"error_code"`
	Description string `json:"description"`
	Line        int32  `json:"line"`
	File        string `json:"file"`
	Function    string `json:"function"`
}

// StateMachineClientLegacy speaks the older bool-return dialect.
type StateMachineClientLegacy struct{ Requester servicebus.Requester }

func (c *StateMachineClientLegacy) call(ctx context.Context, method string) (proxy.TransitionResult, error) {
	var resp legacyTransitionResult
	if err := Call(ctx, c.Requester, ServiceParticipantStateMach, method, nil, &resp); err != nil {
		return proxy.TransitionResult{}, err
	}
	if !resp.OK {
		return proxy.TransitionResult{OK: false, Code: 1, Description: fmt.Sprintf("%s rejected by participant", method)}, nil
	}
	return proxy.TransitionResult{OK: true}, nil
}

func (c *StateMachineClientLegacy) CurrentStateName(ctx context.Context) (string, error) {
	var resp string
	err := Call(ctx, c.Requester, ServiceParticipantStateMach, "getCurrentStateName", nil, &resp)
	return resp, err
}
func (c *StateMachineClientLegacy) Load(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "load")
}
func (c *StateMachineClientLegacy) Unload(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "unload")
}
func (c *StateMachineClientLegacy) Initialize(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "initialize")
}
func (c *StateMachineClientLegacy) Deinitialize(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "deinitialize")
}
func (c *StateMachineClientLegacy) Start(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "start")
}
func (c *StateMachineClientLegacy) Pause(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "pause")
}
func (c *StateMachineClientLegacy) Stop(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "stop")
}
func (c *StateMachineClientLegacy) Exit(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "exit")
}

// StateMachineClientCurrent speaks the current JSON-result dialect.
type StateMachineClientCurrent struct{ Requester servicebus.Requester }

func (c *StateMachineClientCurrent) call(ctx context.Context, method string) (proxy.TransitionResult, error) {
	var resp currentTransitionResult
	if err := Call(ctx, c.Requester, ServiceParticipantStateMach, method, nil, &resp); err != nil {
		return proxy.TransitionResult{}, err
	}
	return proxy.TransitionResult{
		OK:          resp.ErrorCode == 0,
		Code:        resp.ErrorCode,
		Description: resp.Description,
		File:        resp.File,
		Line:        resp.Line,
		Function:    resp.Function,
	}, nil
}

func (c *StateMachineClientCurrent) CurrentStateName(ctx context.Context) (string, error) {
	var resp string
	err := Call(ctx, c.Requester, ServiceParticipantStateMach, "getCurrentStateName", nil, &resp)
	return resp, err
}
func (c *StateMachineClientCurrent) Load(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "load")
}
func (c *StateMachineClientCurrent) Unload(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "unload")
}
func (c *StateMachineClientCurrent) Initialize(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "initialize")
}
func (c *StateMachineClientCurrent) Deinitialize(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "deinitialize")
}
func (c *StateMachineClientCurrent) Start(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "start")
}
func (c *StateMachineClientCurrent) Pause(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "pause")
}
func (c *StateMachineClientCurrent) Stop(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "stop")
}
func (c *StateMachineClientCurrent) Exit(ctx context.Context) (proxy.TransitionResult, error) {
	return c.call(ctx, "exit")
}

// ConfigurationClient implements the configuration RPC client.
type ConfigurationClient struct{ Requester servicebus.Requester }

func (c *ConfigurationClient) GetProperty(ctx context.Context, name string) (string, error) {
	var resp string
	err := Call(ctx, c.Requester, ServiceConfiguration, "getProperty", name, &resp)
	return resp, err
}

func (c *ConfigurationClient) SetProperty(ctx context.Context, name, value, typ string) error {
	return Call(ctx, c.Requester, ServiceConfiguration, "setProperty",
		struct{ Name, Value, Type string }{name, value, typ}, nil)
}

func (c *ConfigurationClient) GetPropertyType(ctx context.Context, name string) (string, error) {
	var resp string
	err := Call(ctx, c.Requester, ServiceConfiguration, "getPropertyType", name, &resp)
	return resp, err
}

func (c *ConfigurationClient) GetPropertyNames(ctx context.Context) ([]string, error) {
	var resp []string
	err := Call(ctx, c.Requester, ServiceConfiguration, "getPropertyNames", nil, &resp)
	return resp, err
}

// LoggingSinkClient implements the logging_sink_service RPC client.
type LoggingSinkClient struct{ Requester servicebus.Requester }

func (c *LoggingSinkClient) RegisterRPCLoggingSinkClient(ctx context.Context, url, filter string, severity int32) (int32, error) {
	var resp int32
	err := Call(ctx, c.Requester, ServiceLoggingSink, "registerRPCLoggingSinkClient",
		struct {
			URL      string `json:"url"`
			Filter   string `json:"filter"`
			Severity int32  `json:"severity"`
		}{url, filter, severity}, &resp)
	return resp, err
}

func (c *LoggingSinkClient) UnregisterRPCLoggingSinkClient(ctx context.Context, url string) (int32, error) {
	var resp int32
	err := Call(ctx, c.Requester, ServiceLoggingSink, "unregisterRPCLoggingSinkClient", url, &resp)
	return resp, err
}

// HealthClient implements the health_service RPC client.
type HealthClient struct{ Requester servicebus.Requester }

func (c *HealthClient) GetHealth(ctx context.Context) ([]health.JobHealthiness, error) {
	var resp []health.JobHealthiness
	err := Call(ctx, c.Requester, ServiceHealth, "getHealth", nil, &resp)
	return resp, err
}

func (c *HealthClient) ResetHealth(ctx context.Context) (proxy.TransitionResult, error) {
	var resp currentTransitionResult
	if err := Call(ctx, c.Requester, ServiceHealth, "resetHealth", nil, &resp); err != nil {
		return proxy.TransitionResult{}, err
	}
	return proxy.TransitionResult{OK: resp.ErrorCode == 0, Code: resp.ErrorCode, Description: resp.Description}, nil
}

// HTTPServerClient implements the http_server RPC client.
type HTTPServerClient struct{ Requester servicebus.Requester }

func (c *HTTPServerClient) GetHeartbeatInterval(ctx context.Context) (int64, error) {
	var resp struct {
		IntervalMs int64 `json:"interval_ms"`
	}
	err := Call(ctx, c.Requester, ServiceHTTPServer, "getHeartbeatInterval", nil, &resp)
	return resp.IntervalMs, err
}

func (c *HTTPServerClient) SetHeartbeatInterval(ctx context.Context, ms int64) error {
	return Call(ctx, c.Requester, ServiceHTTPServer, "setHeartbeatInterval", ms, nil)
}

// Factory resolves all RPC clients for a participant from a
// servicebus.SystemAccess, negotiating the state-machine dialect from the
// participant's advertised IID list (§4.D).
type Factory struct {
	Access servicebus.SystemAccess
}

func (f *Factory) Info(ctx context.Context, participantName string) (proxy.InfoService, error) {
	client := &InfoClient{Requester: f.Access.Requester(participantName)}
	if _, err := client.GetRPCComponents(ctx); err != nil {
		return nil, fmt.Errorf("participant %s unreachable: %w", participantName, err)
	}
	return client, nil
}

// StateMachine picks the first participant-advertised IID from
// advertisedIIDs that this library supports, preferring whichever the
// participant lists first (its own declared precedence).
func (f *Factory) StateMachine(ctx context.Context, participantName string, advertisedIIDs []string) (proxy.StateMachineService, error) {
	requester := f.Access.Requester(participantName)
	for _, iid := range advertisedIIDs {
		switch iid {
		case IIDStateMachineCurrent:
			return &StateMachineClientCurrent{Requester: requester}, nil
		case IIDStateMachineLegacy:
			return &StateMachineClientLegacy{Requester: requester}, nil
		}
	}
	return nil, fmt.Errorf("participant %s advertises no supported state-machine IID", participantName)
}

func (f *Factory) Configuration(ctx context.Context, participantName string) (proxy.ConfigurationService, error) {
	return &ConfigurationClient{Requester: f.Access.Requester(participantName)}, nil
}

func (f *Factory) LoggingSink(ctx context.Context, participantName string) (proxy.LoggingSinkService, error) {
	return &LoggingSinkClient{Requester: f.Access.Requester(participantName)}, nil
}

func (f *Factory) Health(ctx context.Context, participantName string) (proxy.HealthServiceClient, error) {
	return &HealthClient{Requester: f.Access.Requester(participantName)}, nil
}

func (f *Factory) HTTPServer(ctx context.Context, participantName string) (proxy.HTTPServerService, error) {
	return &HTTPServerClient{Requester: f.Access.Requester(participantName)}, nil
}
