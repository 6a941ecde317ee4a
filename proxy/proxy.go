// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package proxy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

const (
	propInitPriority  = "service_bus/init_priority"
	propStartPriority = "service_bus/start_priority"

	iidStateMachine = "participant_statemachine"
)

// loggingSingleton guards against two System instances that share a name
// both registering an RPC logging sink against the same participant (§4.D:
// "a singleton guarding against overlapping registrations from multiple
// System instances sharing the same name").
var loggingSingleton = struct {
	mu      sync.Mutex
	holders map[string]string // systemName/participantName -> sink URL
}{holders: make(map[string]string)}

func loggingKey(systemName, participantName string) string {
	return systemName + "/" + participantName
}

// ParticipantProxy is the per-participant proxy (Component D): identity,
// priority storage with remote-configuration-backed and local-fallback
// semantics, additional info, and lazily-resolved RPC client caches.
type ParticipantProxy struct {
	name         string
	url          string
	systemName   string
	discoveryURL string
	factory      ClientFactory

	mu sync.Mutex

	additionalInfo map[string]string

	localInitPriority     int32
	hasLocalInitPriority  bool
	localStartPriority    int32
	hasLocalStartPriority bool

	infoClient         InfoService
	stateMachineClient StateMachineService
	configClient       ConfigurationService
	loggingSinkClient  LoggingSinkService
	healthClient       HealthServiceClient
	httpServerClient   HTTPServerService

	lastKnownState string
	iidCache       map[string]any

	registeredLogging     bool
	healthListenerRunning bool
	notReachable          bool
}

// New creates a ParticipantProxy for one participant discovered within
// systemName, reachable over the service bus at discoveryURL.
func New(name, url, systemName, discoveryURL string, factory ClientFactory) *ParticipantProxy {
	return &ParticipantProxy{
		name:                  name,
		url:                   url,
		systemName:            systemName,
		discoveryURL:          discoveryURL,
		factory:               factory,
		additionalInfo:        make(map[string]string),
		iidCache:              make(map[string]any),
		healthListenerRunning: true,
	}
}

func (p *ParticipantProxy) Name() string         { return p.name }
func (p *ParticipantProxy) URL() string          { return p.url }
func (p *ParticipantProxy) SystemName() string   { return p.systemName }
func (p *ParticipantProxy) DiscoveryURL() string { return p.discoveryURL }

// NotReachable reports whether this proxy's participant has been marked
// unreachable, e.g. by a shutdown-listener notify_byebye event.
func (p *ParticipantProxy) NotReachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notReachable
}

// SetNotReachable marks or clears the unreachable flag.
func (p *ParticipantProxy) SetNotReachable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notReachable = v
}

// HealthListenerRunning reports whether this proxy's health listener is
// currently active. GetParticipantsHealth refuses to report on a proxy
// while this is false (§4.F, §7 "Health disabled").
func (p *ParticipantProxy) HealthListenerRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthListenerRunning
}

// SetHealthListenerRunning activates or deactivates this proxy's health
// listener, mirroring setHealthListenerRunningStatus in original_source.
func (p *ParticipantProxy) SetHealthListenerRunning(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthListenerRunning = v
}

// AdditionalInfo returns the value stored for key, or "" if it was never
// set (defaulted getter per §4.D).
func (p *ParticipantProxy) AdditionalInfo(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.additionalInfo[key]
}

// SetAdditionalInfo stores an arbitrary key/value pair alongside the proxy.
func (p *ParticipantProxy) SetAdditionalInfo(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.additionalInfo[key] = value
}

// AdditionalInfoKeys returns the currently stored additional-info keys.
func (p *ParticipantProxy) AdditionalInfoKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.additionalInfo))
	for k := range p.additionalInfo {
		keys = append(keys, k)
	}
	return keys
}

// Info lazily resolves and caches the participant_info client. A failure
// here means the participant is entirely unreachable (§4.D).
func (p *ParticipantProxy) Info(ctx context.Context) (InfoService, error) {
	p.mu.Lock()
	cached := p.infoClient
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	client, err := p.factory.Info(ctx, p.name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.infoClient = client
	p.mu.Unlock()
	return client, nil
}

// StateMachine lazily resolves and caches the state-machine client,
// negotiating the wire dialect from the participant's advertised IIDs for
// "participant_statemachine" (§4.D).
func (p *ParticipantProxy) StateMachine(ctx context.Context) (StateMachineService, error) {
	p.mu.Lock()
	cached := p.stateMachineClient
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	info, err := p.Info(ctx)
	if err != nil {
		return nil, err
	}
	iids, err := info.GetRPCComponentIIDs(ctx, iidStateMachine)
	if err != nil {
		return nil, fmt.Errorf("resolving state machine IIDs for %s: %w", p.name, err)
	}
	client, err := p.factory.StateMachine(ctx, p.name, iids)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.stateMachineClient = client
	p.mu.Unlock()
	return client, nil
}

// Configuration lazily resolves and caches the configuration client.
func (p *ParticipantProxy) Configuration(ctx context.Context) (ConfigurationService, error) {
	p.mu.Lock()
	cached := p.configClient
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	client, err := p.factory.Configuration(ctx, p.name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.configClient = client
	p.mu.Unlock()
	return client, nil
}

// LoggingSink lazily resolves and caches the logging-sink client.
func (p *ParticipantProxy) LoggingSink(ctx context.Context) (LoggingSinkService, error) {
	p.mu.Lock()
	cached := p.loggingSinkClient
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	client, err := p.factory.LoggingSink(ctx, p.name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.loggingSinkClient = client
	p.mu.Unlock()
	return client, nil
}

// Health lazily resolves and caches the health client.
func (p *ParticipantProxy) Health(ctx context.Context) (HealthServiceClient, error) {
	p.mu.Lock()
	cached := p.healthClient
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	client, err := p.factory.Health(ctx, p.name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.healthClient = client
	p.mu.Unlock()
	return client, nil
}

// HTTPServer lazily resolves and caches the http_server client.
func (p *ParticipantProxy) HTTPServer(ctx context.Context) (HTTPServerService, error) {
	p.mu.Lock()
	cached := p.httpServerClient
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	client, err := p.factory.HTTPServer(ctx, p.name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.httpServerClient = client
	p.mu.Unlock()
	return client, nil
}

// getRPCComponentProxyByIID resolves an arbitrary RPC component client by
// IID, caching the result keyed on the IID string. The cache is invalidated
// whenever NotifyStateChanged observes a new current state, since some
// participants re-negotiate their component set across states.
func (p *ParticipantProxy) getRPCComponentProxyByIID(ctx context.Context, iid string, resolve func(context.Context) (any, error)) (any, error) {
	p.mu.Lock()
	if cached, ok := p.iidCache[iid]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	client, err := resolve(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.iidCache[iid] = client
	p.mu.Unlock()
	return client, nil
}

// NotifyStateChanged invalidates the IID cache whenever the participant's
// current state differs from the last observed one (§4.D).
func (p *ParticipantProxy) NotifyStateChanged(newState string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastKnownState == newState {
		return
	}
	p.lastKnownState = newState
	p.iidCache = make(map[string]any)
}

// InitPriority returns the participant's initialize/deinitialize ordering priority,
// read from the remote configuration tree first and falling back to a
// locally cached value when the remote participant is an older build that
// lacks the property (§4.D "Priority storage").
func (p *ParticipantProxy) InitPriority(ctx context.Context) (int32, error) {
	return p.priority(ctx, propInitPriority, &p.localInitPriority, &p.hasLocalInitPriority)
}

// SetInitPriority sets the init priority, writing through to the remote
// configuration tree when reachable and always refreshing the local
// fallback cache.
func (p *ParticipantProxy) SetInitPriority(ctx context.Context, value int32) error {
	return p.setPriority(ctx, propInitPriority, value, &p.localInitPriority, &p.hasLocalInitPriority)
}

// StartPriority returns the participant's start/stop ordering priority,
// with the same remote-then-local-fallback semantics as InitPriority.
func (p *ParticipantProxy) StartPriority(ctx context.Context) (int32, error) {
	return p.priority(ctx, propStartPriority, &p.localStartPriority, &p.hasLocalStartPriority)
}

// SetStartPriority sets the start priority.
func (p *ParticipantProxy) SetStartPriority(ctx context.Context, value int32) error {
	return p.setPriority(ctx, propStartPriority, value, &p.localStartPriority, &p.hasLocalStartPriority)
}

func (p *ParticipantProxy) priority(ctx context.Context, propName string, local *int32, hasLocal *bool) (int32, error) {
	cfg, err := p.Configuration(ctx)
	if err == nil {
		raw, err := cfg.GetProperty(ctx, propName)
		if err == nil {
			parsed, err := strconv.ParseInt(raw, 10, 32)
			if err == nil {
				return int32(parsed), nil
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if *hasLocal {
		return *local, nil
	}
	return 0, nil
}

func (p *ParticipantProxy) setPriority(ctx context.Context, propName string, value int32, local *int32, hasLocal *bool) error {
	p.mu.Lock()
	*local = value
	*hasLocal = true
	p.mu.Unlock()

	cfg, err := p.Configuration(ctx)
	if err != nil {
		// Older participant builds without a configuration client at all
		// fall back entirely to the local cache; this is not an error.
		return nil
	}
	_ = cfg.SetProperty(ctx, propName, strconv.FormatInt(int64(value), 10), "int32")
	return nil
}

// RegisterLogging registers this process's logging-sink server URL with the
// participant, guarding against a second System instance sharing this
// system's name from issuing a duplicate registration (§4.D).
func (p *ParticipantProxy) RegisterLogging(ctx context.Context, sinkURL, filter string, severity int32) error {
	key := loggingKey(p.systemName, p.name)

	loggingSingleton.mu.Lock()
	if _, held := loggingSingleton.holders[key]; held {
		loggingSingleton.mu.Unlock()
		p.mu.Lock()
		p.registeredLogging = true
		p.mu.Unlock()
		return nil
	}
	loggingSingleton.holders[key] = sinkURL
	loggingSingleton.mu.Unlock()

	sink, err := p.LoggingSink(ctx)
	if err != nil {
		loggingSingleton.mu.Lock()
		delete(loggingSingleton.holders, key)
		loggingSingleton.mu.Unlock()
		return err
	}
	if _, err := sink.RegisterRPCLoggingSinkClient(ctx, sinkURL, filter, severity); err != nil {
		loggingSingleton.mu.Lock()
		delete(loggingSingleton.holders, key)
		loggingSingleton.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.registeredLogging = true
	p.mu.Unlock()
	return nil
}

// UnregisterLogging reverses RegisterLogging.
func (p *ParticipantProxy) UnregisterLogging(ctx context.Context, sinkURL string) error {
	p.mu.Lock()
	registered := p.registeredLogging
	p.registeredLogging = false
	p.mu.Unlock()
	if !registered {
		return nil
	}

	key := loggingKey(p.systemName, p.name)
	loggingSingleton.mu.Lock()
	delete(loggingSingleton.holders, key)
	loggingSingleton.mu.Unlock()

	sink, err := p.LoggingSink(ctx)
	if err != nil {
		return err
	}
	_, err = sink.UnregisterRPCLoggingSinkClient(ctx, sinkURL)
	return err
}

// Copy duplicates identity, priorities, additional info, and the
// notReachable and healthListenerRunning flags, but never the source
// proxy's monitor registrations or cached RPC clients: the copy rebuilds its
// own client caches lazily and starts with registeredLogging false, since
// the original proxy still owns that registration (§4.D "copy semantics").
func (p *ParticipantProxy) Copy() *ParticipantProxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := make(map[string]string, len(p.additionalInfo))
	for k, v := range p.additionalInfo {
		info[k] = v
	}

	return &ParticipantProxy{
		name:                  p.name,
		url:                   p.url,
		systemName:            p.systemName,
		discoveryURL:          p.discoveryURL,
		factory:               p.factory,
		additionalInfo:        info,
		localInitPriority:     p.localInitPriority,
		hasLocalInitPriority:  p.hasLocalInitPriority,
		localStartPriority:    p.localStartPriority,
		hasLocalStartPriority: p.hasLocalStartPriority,
		iidCache:              make(map[string]any),
		notReachable:          p.notReachable,
		healthListenerRunning: p.healthListenerRunning,
	}
}
