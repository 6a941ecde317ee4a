// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package system implements the public facade (Component H): it composes
// discovery, the participant proxy cache, the transition orchestrator, the
// health aggregator, and the log forwarder into one named System, and
// exposes the operations a caller actually uses.
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fep3-go/system/discovery"
	"github.com/fep3-go/system/health"
	"github.com/fep3-go/system/logforward"
	"github.com/fep3-go/system/proxy"
	"github.com/fep3-go/system/rpcclient"
	"github.com/fep3-go/system/servicebus"
	"github.com/fep3-go/system/statetree"
	"github.com/fep3-go/system/transition"
)

// defaultAsyncPoolSize is the worker-pool size async participant-add uses
// when the caller does not specify one (§4.H, §5 "async add uses a pool of
// 6").
const defaultAsyncPoolSize = 6

// defaultLivelinessTimeout is the window a participant's last health update
// must fall within to be classified online (§4.F) absent an explicit
// SetLivelinessTimeout call.
const defaultLivelinessTimeout = 5 * time.Second

// propTimingConfiguration is the configuration-tree path timing presets are
// written to, modeled as scripted property writes rather than a dedicated
// RPC service (SUPPLEMENTED FEATURES, "Timing master enumeration").
const propTimingConfiguration = "service_bus/timing_configuration"

// propTimingMaster marks a participant as a timing master when set to "1".
const propTimingMaster = "service_bus/timing_master"

// Sentinel errors for the facade's error kinds (§7), declared with
// errors.New and wrapped at their raise sites so callers can test for them
// with errors.Is rather than parsing message text.
var (
	ErrDuplicateParticipant = errors.New("system: participant already added")
	ErrUnknownParticipant   = errors.New("system: unknown participant")
	ErrHealthDisabled       = errors.New("system: health listener deactivated")
)

// TimingPreset selects one of the built-in timing configurations a System
// can push to its members.
type TimingPreset int

const (
	TimingNoMaster TimingPreset = iota
	TimingDiscrete
	TimingAFAP
	TimingClockSyncOnly
)

func (t TimingPreset) String() string {
	switch t {
	case TimingNoMaster:
		return "no_master"
	case TimingDiscrete:
		return "discrete"
	case TimingAFAP:
		return "afap"
	case TimingClockSyncOnly:
		return "clock_sync_only"
	default:
		return "unknown"
	}
}

// defaultRegistry is the process-wide logging-sink server registry shared
// by every System created with the package-level constructors, matching
// §4.G's "one server instance per system_name in the host process" (the
// registry, not the System, is the process-wide singleton).
var defaultRegistry = logforward.NewServerRegistry()

// member pairs a resolved participant proxy with the additional bookkeeping
// a System keeps per member.
type member struct {
	proxy          *proxy.ParticipantProxy
	healthListener *health.Listener
}

// System is a named collection of cooperating participants under one
// controller (Component H).
type System struct {
	name     string
	access   servicebus.SystemAccess
	factory  proxy.ClientFactory
	registry *logforward.ServerRegistry

	orchestrator *transition.Orchestrator
	healthAgg    *health.Aggregator
	forwarder    *logforward.RemoteLogForwarder
	logger       *logforward.SystemLogger
	shutdown     *discovery.ShutdownListener
	unsubscribe  func()

	asyncPoolSize int

	// mu guards members. Shutdown notifications arrive on the DDA bus's
	// dispatch goroutine or, with the memory bus, on the goroutine that
	// calls Leave; neither is nested inside a System method holding mu, so
	// a plain RWMutex — rather than a recursive mutex — is sufficient in
	// this implementation; see DESIGN.md.
	mu      sync.RWMutex
	members map[string]*member
}

// New creates a System named systemName over access, wiring the log
// forwarder, health aggregator, and shutdown listener immediately. Close
// must be called once the System is no longer needed.
func New(systemName string, access servicebus.SystemAccess) (*System, error) {
	return newSystem(systemName, access, defaultRegistry)
}

func newSystem(systemName string, access servicebus.SystemAccess, registry *logforward.ServerRegistry) (*System, error) {
	forwarder, err := logforward.NewRemoteLogForwarder(registry, systemName)
	if err != nil {
		return nil, fmt.Errorf("system: creating log forwarder for %q: %w", systemName, err)
	}

	s := &System{
		name:          systemName,
		access:        access,
		factory:       &rpcclient.Factory{Access: access},
		registry:      registry,
		orchestrator:  transition.New(nil),
		healthAgg:     health.NewAggregator(defaultLivelinessTimeout),
		forwarder:     forwarder,
		asyncPoolSize: defaultAsyncPoolSize,
		members:       make(map[string]*member),
	}
	s.logger = logforward.NewSystemLogger(forwarder, systemName)
	s.orchestrator = transition.New(s.logger)
	s.shutdown = discovery.NewShutdownListener(access, systemName, s.onByeBye)
	return s, nil
}

// Name returns this System's name.
func (s *System) Name() string { return s.name }

// Close deregisters the shutdown listener and releases this System's
// reference to the shared logging-sink server.
func (s *System) Close() {
	s.shutdown.Close()
	s.forwarder.Close()
}

func (s *System) onByeBye(participantName string) {
	s.mu.Lock()
	m, ok := s.members[participantName]
	if ok {
		delete(s.members, participantName)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	m.proxy.SetNotReachable(true)
	s.healthAgg.RemoveParticipant(participantName)
	s.logger.Info("participant %s left system %s", participantName, s.name)
}

// Add resolves and registers a single participant by name, failing if a
// member of that name is already present (§7 "Duplicate add").
func (s *System) Add(ctx context.Context, participantName, url, discoveryURL string) (*proxy.ParticipantProxy, error) {
	s.mu.Lock()
	if _, exists := s.members[participantName]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("system: participant %q already added to system %q: %w", participantName, s.name, ErrDuplicateParticipant)
	}
	s.mu.Unlock()

	p := proxy.New(participantName, url, s.name, discoveryURL, s.factory)
	if _, err := p.StateMachine(ctx); err != nil {
		return nil, fmt.Errorf("system: adding participant %q: %w", participantName, err)
	}

	hc, _ := p.Health(ctx)
	listener := health.NewListener(hc, participantName, s.name, func(severity, msg string) {
		s.logger.Warn("%s", msg)
	})

	s.mu.Lock()
	if _, exists := s.members[participantName]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("system: participant %q already added to system %q: %w", participantName, s.name, ErrDuplicateParticipant)
	}
	s.members[participantName] = &member{proxy: p, healthListener: listener}
	s.mu.Unlock()

	return p, nil
}

// addResult carries one async Add outcome, keeping the request's original
// index so results can be reassembled in request order (SUPPLEMENTED
// FEATURES, "Async-add result assembly").
type addResult struct {
	index int
	proxy *proxy.ParticipantProxy
	err   error
}

// ParticipantSpec is one participant to add via AddAsync.
type ParticipantSpec struct {
	Name         string
	URL          string
	DiscoveryURL string
}

// AddAsync resolves and registers participants concurrently through a
// worker pool, defaulting to a pool of 6 (§4.H, §5). It returns the
// successfully added proxies in request order, and an aggregated error
// naming every participant that failed to add, if any.
func (s *System) AddAsync(ctx context.Context, specs []ParticipantSpec, poolSize int) ([]*proxy.ParticipantProxy, error) {
	if poolSize <= 0 {
		poolSize = s.asyncPoolSize
	}
	if poolSize > len(specs) {
		poolSize = len(specs)
	}
	if poolSize <= 0 {
		return nil, nil
	}

	jobs := make(chan int)
	var mu sync.Mutex
	var results []addResult

	var wg sync.WaitGroup
	wg.Add(poolSize)
	for w := 0; w < poolSize; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				spec := specs[idx]
				p, err := s.Add(ctx, spec.Name, spec.URL, spec.DiscoveryURL)
				mu.Lock()
				results = append(results, addResult{index: idx, proxy: p, err: err})
				mu.Unlock()
			}
		}()
	}
	for i := range specs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	sortAddResults(results)

	var added []*proxy.ParticipantProxy
	var failures []transition.ParticipantFailure
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, transition.ParticipantFailure{Participant: specs[r.index].Name, Reason: r.err.Error()})
			continue
		}
		added = append(added, r.proxy)
	}
	if len(failures) > 0 {
		return added, &transition.TransitionError{Verb: "add", Failures: failures}
	}
	return added, nil
}

func sortAddResults(results []addResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].index < results[j-1].index; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Remove drops a participant from the member list. A no-op if the name is
// not present.
func (s *System) Remove(participantName string) {
	s.mu.Lock()
	m, ok := s.members[participantName]
	if ok {
		delete(s.members, participantName)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.healthAgg.RemoveParticipant(participantName)
	_ = m
}

// Get returns the named participant's proxy and whether it is present
// (§7 "Unknown participant": lookup returns an empty proxy + warning rather
// than a hard error by default).
func (s *System) Get(participantName string) (*proxy.ParticipantProxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[participantName]
	if !ok {
		s.logger.Warn("participant %s not found in system %s", participantName, s.name)
		return nil, false
	}
	return m.proxy, true
}

// Names returns the currently registered participant names.
func (s *System) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for name := range s.members {
		out = append(out, name)
	}
	return out
}

func (s *System) snapshotProxies() []*proxy.ParticipantProxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*proxy.ParticipantProxy, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.proxy)
	}
	return out
}

func (s *System) asParticipants(proxies []*proxy.ParticipantProxy) []transition.Participant {
	out := make([]transition.Participant, len(proxies))
	for i, p := range proxies {
		out[i] = p
	}
	return out
}

// GetSystemState returns the aggregated state across every current member
// (§4.B Property 1).
func (s *System) GetSystemState(ctx context.Context) statetree.SystemState {
	proxies := s.snapshotProxies()
	states := make(map[string]statetree.ParticipantState, len(proxies))
	for _, p := range proxies {
		sm, err := p.StateMachine(ctx)
		if err != nil {
			states[p.Name()] = statetree.Unreachable
			continue
		}
		name, err := sm.CurrentStateName(ctx)
		if err != nil {
			states[p.Name()] = statetree.Unreachable
			continue
		}
		state, err := statetree.ParseState(name)
		if err != nil {
			states[p.Name()] = statetree.Unreachable
			continue
		}
		states[p.Name()] = state
	}
	return statetree.AggregatedState(states)
}

// SetSystemState drives every current member to target, via the
// transition orchestrator.
func (s *System) SetSystemState(ctx context.Context, target statetree.ParticipantState, timeout time.Duration) error {
	proxies := s.snapshotProxies()
	return s.orchestrator.SetSystemState(ctx, s.asParticipants(proxies), target, timeout)
}

// ExecutionConfig returns the orchestrator's current policy/thread-count
// configuration.
func (s *System) ExecutionConfig() transition.ExecutionConfig {
	return s.orchestrator.ExecutionConfig()
}

// SetExecutionConfig updates the orchestrator's policy/thread-count
// configuration.
func (s *System) SetExecutionConfig(cfg transition.ExecutionConfig) error {
	return s.orchestrator.SetExecutionConfig(cfg)
}

// LivelinessTimeout returns the health aggregator's current liveliness
// window.
func (s *System) LivelinessTimeout() time.Duration {
	return s.healthAgg.LivelinessTimeout()
}

// SetLivelinessTimeout updates the health aggregator's liveliness window.
func (s *System) SetLivelinessTimeout(d time.Duration) {
	s.healthAgg.SetLivelinessTimeout(d)
}

// GetParticipantsHealth returns every tracked member's liveliness-classified
// health as of now (§4.F Property 7). It fails with ErrHealthDisabled if any
// member's health listener has been deactivated via
// SetHealthListenerRunningStatus, matching getParticipantHealth's
// per-participant check in original_source (§7 "Health disabled").
func (s *System) GetParticipantsHealth() (map[string]health.ParticipantHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, m := range s.members {
		if !m.proxy.HealthListenerRunning() {
			return nil, fmt.Errorf("system: participant %q: %w", name, ErrHealthDisabled)
		}
		s.healthAgg.SetParticipantHealth(name, m.healthListener.GetParticipantHealth())
	}
	return s.healthAgg.GetParticipantsHealth(time.Now()), nil
}

// SetHealthListenerRunningStatus activates or deactivates the health
// listener of every current member.
func (s *System) SetHealthListenerRunningStatus(running bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		m.proxy.SetHealthListenerRunning(running)
	}
}

// GetHealthListenerRunningStatus reports whether the member ensemble's
// health-listener running status is uniform (first bool) and, when it is,
// the common value every member shares (second bool, meaningless when the
// first is false) — matching fep_system.cpp's getHealthListenerRunningStatus.
func (s *System) GetHealthListenerRunningStatus() (uniform bool, running bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.members)
	runningCount := 0
	for _, m := range s.members {
		if m.proxy.HealthListenerRunning() {
			runningCount++
		}
	}
	switch runningCount {
	case total:
		return true, true
	case 0:
		return true, false
	default:
		return false, false
	}
}

// normalizeProperty rewrites a dotted property path to the slash-separated
// form remote participants expect (§4.H "with `.` normalized to `/`").
func normalizeProperty(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// GetProperty reads a configuration property from a single participant.
func (s *System) GetProperty(ctx context.Context, participantName, name string) (string, error) {
	p, ok := s.Get(participantName)
	if !ok {
		return "", fmt.Errorf("system: unknown participant %q: %w", participantName, ErrUnknownParticipant)
	}
	cfg, err := p.Configuration(ctx)
	if err != nil {
		return "", fmt.Errorf("system: resolving configuration client for %q: %w", participantName, err)
	}
	return cfg.GetProperty(ctx, normalizeProperty(name))
}

// SetProperty writes a configuration property on a single participant.
func (s *System) SetProperty(ctx context.Context, participantName, name, value, typ string) error {
	p, ok := s.Get(participantName)
	if !ok {
		return fmt.Errorf("system: unknown participant %q: %w", participantName, ErrUnknownParticipant)
	}
	cfg, err := p.Configuration(ctx)
	if err != nil {
		return fmt.Errorf("system: resolving configuration client for %q: %w", participantName, err)
	}
	return cfg.SetProperty(ctx, normalizeProperty(name), value, typ)
}

// SetPropertyBroadcast writes a configuration property to every current
// member. Per-member failures are aggregated and returned as one error
// unless throwOnFailure is false, in which case they are only logged
// (§7 "Property set/get failure").
func (s *System) SetPropertyBroadcast(ctx context.Context, name, value, typ string, throwOnFailure bool) error {
	var failures []transition.ParticipantFailure
	for _, p := range s.snapshotProxies() {
		cfg, err := p.Configuration(ctx)
		if err == nil {
			err = cfg.SetProperty(ctx, normalizeProperty(name), value, typ)
		}
		if err != nil {
			if throwOnFailure {
				failures = append(failures, transition.ParticipantFailure{Participant: p.Name(), Reason: err.Error()})
			} else {
				s.logger.Warn("setting property %s on %s failed: %v", name, p.Name(), err)
			}
		}
	}
	if len(failures) > 0 {
		return &transition.TransitionError{Verb: "setProperty", Failures: failures}
	}
	return nil
}

// RegisterMonitor adds monitor to the log fan-out set at the given minimum
// severity.
func (s *System) RegisterMonitor(monitor logforward.EventMonitor, minSeverity logforward.Severity) {
	s.forwarder.RegisterMonitor(monitor, minSeverity)
}

// UnregisterMonitor removes monitor from the log fan-out set.
func (s *System) UnregisterMonitor(monitor logforward.EventMonitor) {
	s.forwarder.UnregisterMonitor(monitor)
}

// RegisterParticipantLogging asks participantName to push its own log
// entries to this System's logging-sink server.
func (s *System) RegisterParticipantLogging(ctx context.Context, participantName, filter string, severity logforward.Severity) error {
	p, ok := s.Get(participantName)
	if !ok {
		return fmt.Errorf("system: unknown participant %q: %w", participantName, ErrUnknownParticipant)
	}
	return p.RegisterLogging(ctx, s.forwarder.URL(), filter, int32(severity))
}

// UnregisterParticipantLogging reverses RegisterParticipantLogging.
func (s *System) UnregisterParticipantLogging(ctx context.Context, participantName string) error {
	p, ok := s.Get(participantName)
	if !ok {
		return fmt.Errorf("system: unknown participant %q: %w", participantName, ErrUnknownParticipant)
	}
	return p.UnregisterLogging(ctx, s.forwarder.URL())
}

// GetHeartbeatInterval reads a single participant's heartbeat interval in
// milliseconds via its http_server RPC client.
func (s *System) GetHeartbeatInterval(ctx context.Context, participantName string) (int64, error) {
	p, ok := s.Get(participantName)
	if !ok {
		return 0, fmt.Errorf("system: unknown participant %q: %w", participantName, ErrUnknownParticipant)
	}
	http, err := p.HTTPServer(ctx)
	if err != nil {
		return 0, err
	}
	return http.GetHeartbeatInterval(ctx)
}

// SetHeartbeatInterval sets a single participant's heartbeat interval.
func (s *System) SetHeartbeatInterval(ctx context.Context, participantName string, ms int64) error {
	p, ok := s.Get(participantName)
	if !ok {
		return fmt.Errorf("system: unknown participant %q: %w", participantName, ErrUnknownParticipant)
	}
	http, err := p.HTTPServer(ctx)
	if err != nil {
		return err
	}
	return http.SetHeartbeatInterval(ctx, ms)
}

// ConfigureTiming pushes a timing preset to every current member, modeled
// as configuration-tree writes rather than a dedicated RPC service
// (SUPPLEMENTED FEATURES). designateMaster, when non-empty, additionally
// flags that one participant as the timing master.
func (s *System) ConfigureTiming(ctx context.Context, preset TimingPreset, designateMaster string) error {
	for _, p := range s.snapshotProxies() {
		cfg, err := p.Configuration(ctx)
		if err != nil {
			s.logger.Warn("configuring timing on %s failed: %v", p.Name(), err)
			continue
		}
		if err := cfg.SetProperty(ctx, propTimingConfiguration, preset.String(), "string"); err != nil {
			s.logger.Warn("setting timing_configuration on %s failed: %v", p.Name(), err)
		}
		isMaster := "0"
		if designateMaster != "" && p.Name() == designateMaster {
			isMaster = "1"
		}
		if err := cfg.SetProperty(ctx, propTimingMaster, isMaster, "int32"); err != nil {
			s.logger.Warn("setting timing_master on %s failed: %v", p.Name(), err)
		}
	}
	return nil
}

// TimingMasters returns the names of every current member whose
// timing_master property currently reads "1".
func (s *System) TimingMasters(ctx context.Context) []string {
	var masters []string
	for _, p := range s.snapshotProxies() {
		cfg, err := p.Configuration(ctx)
		if err != nil {
			continue
		}
		value, err := cfg.GetProperty(ctx, propTimingMaster)
		if err != nil {
			continue
		}
		if value == "1" {
			masters = append(masters, p.Name())
		}
	}
	return masters
}

// DiscoverAllSystems discovers every participant visible on access within
// timeout, groups them by owning system name, and constructs one System per
// group, adding members with a worker pool sized ⌊6/#systems⌋ floored at 1
// (§4.E).
func DiscoverAllSystems(ctx context.Context, access servicebus.SystemAccess, timeout time.Duration) (map[string]*System, error) {
	discovered, err := discovery.DiscoverSystemParticipants(ctx, access, timeout, nil)
	if err != nil {
		return nil, err
	}
	groups, err := discovery.GroupBySystem(discovered)
	if err != nil {
		return nil, err
	}

	poolSize := defaultAsyncPoolSize / len(groups)
	if poolSize < 1 {
		poolSize = 1
	}

	systems := make(map[string]*System, len(groups))
	for systemName, names := range groups {
		sys, err := New(systemName, access)
		if err != nil {
			return nil, err
		}
		specs := make([]ParticipantSpec, len(names))
		for i, n := range names {
			specs[i] = ParticipantSpec{Name: n}
		}
		if _, err := sys.AddAsync(ctx, specs, poolSize); err != nil {
			sys.logger.Warn("discoverAllSystems: adding members of %s: %v", systemName, err)
		}
		systems[systemName] = sys
	}
	return systems, nil
}
