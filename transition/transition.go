// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package transition implements the transition orchestrator (Component A):
// planning and driving a fleet of participants through the state graph
// towards a target state, honoring per-hop priority ordering and an
// execution policy, and aggregating per-cohort failures into a single
// error.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fep3-go/system/exectimer"
	"github.com/fep3-go/system/proxy"
	"github.com/fep3-go/system/statetree"
)

// Participant is the subset of *proxy.ParticipantProxy the orchestrator
// needs: identity, priority storage, and state-machine RPC resolution.
// Declared as an interface so the orchestrator can be exercised with fakes
// independent of the service-bus-backed proxy implementation.
type Participant interface {
	Name() string
	InitPriority(ctx context.Context) (int32, error)
	StartPriority(ctx context.Context) (int32, error)
	StateMachine(ctx context.Context) (proxy.StateMachineService, error)
}

// Logger receives the system-wide diagnostic messages the orchestrator
// produces: transition completion records, partial-success warnings, and
// timeout watchdog notices. A nil Logger passed to New discards everything.
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Sentinel errors for the orchestrator's error kinds (§7), declared with
// errors.New and wrapped at their raise sites so callers can test for them
// with errors.Is rather than parsing message text.
var (
	ErrThreadCountZero        = errors.New("transition: thread_count must be > 0")
	ErrInvalidTargetState     = errors.New("transition: target state must not be undefined")
	ErrNoParticipantReachable = errors.New("transition: no participant reachable")
)

// PolicyKind selects between the two execution policies of §4.C.
type PolicyKind int

const (
	PolicyParallel PolicyKind = iota
	PolicySequential
)

// ExecutionConfig controls how a cohort's transition calls are fanned out.
// The zero value is invalid; use DefaultExecutionConfig.
type ExecutionConfig struct {
	Policy      PolicyKind
	ThreadCount uint8
}

// DefaultExecutionConfig matches §3's ExecutionConfig default: parallel, 4
// worker threads.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{Policy: PolicyParallel, ThreadCount: 4}
}

// ParticipantFailure is one cohort member's transition failure.
type ParticipantFailure struct {
	Participant string
	Reason      string
}

func (f ParticipantFailure) Error() string { return fmt.Sprintf("%s: %s", f.Participant, f.Reason) }

// TransitionError aggregates every failure observed within one cohort group,
// per §7's "throw on error" propagation policy.
type TransitionError struct {
	Verb     string
	Failures []ParticipantFailure
}

func (e *TransitionError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("%s: %s", e.Verb, e.Failures[0].Error())
	}
	return fmt.Sprintf("%s: %d participants failed: %s (and %d more)", e.Verb, len(e.Failures), e.Failures[0].Error(), len(e.Failures)-1)
}

// Unwrap exposes every individual failure for errors.Is/errors.As callers.
func (e *TransitionError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// completionGuard logs a success or warning record on every exit path of a
// transition method, matching the sentinel "TransitionSuccess" destructor
// pattern from original_source: its finish() must run via defer so a panic
// or early return still yields a diagnostic record.
type completionGuard struct {
	logger Logger
	label  string
	ok     bool
}

func newCompletionGuard(logger Logger, label string) *completionGuard {
	return &completionGuard{logger: logger, label: label}
}

func (g *completionGuard) succeed() { g.ok = true }

func (g *completionGuard) finish() {
	if g.ok {
		g.logger.Info("%s completed successfully", g.label)
	} else {
		g.logger.Warn("%s did not complete successfully", g.label)
	}
}

// Orchestrator drives SetSystemState/SetParticipantState and the eight named
// transition verbs for a fleet of participants.
type Orchestrator struct {
	logger Logger

	mu     sync.Mutex
	config ExecutionConfig
}

// New creates an Orchestrator. A nil logger discards diagnostic output.
func New(logger Logger) *Orchestrator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Orchestrator{logger: logger, config: DefaultExecutionConfig()}
}

// ExecutionConfig returns the orchestrator's current fan-out configuration.
func (o *Orchestrator) ExecutionConfig() ExecutionConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

// SetExecutionConfig updates the fan-out configuration. thread_count == 0 is
// rejected per §3's config invariant.
func (o *Orchestrator) SetExecutionConfig(cfg ExecutionConfig) error {
	if cfg.ThreadCount == 0 {
		return ErrThreadCountZero
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
	return nil
}

// Load, Unload, Initialize, Deinitialize, Start, Stop, Pause, and Shutdown
// are the eight named transition verbs, each a thin wrapper over
// SetSystemState with the verb's fixed target state.
func (o *Orchestrator) Load(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Loaded, timeout)
}
func (o *Orchestrator) Unload(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Unloaded, timeout)
}
func (o *Orchestrator) Initialize(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Initialized, timeout)
}
func (o *Orchestrator) Deinitialize(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Loaded, timeout)
}
func (o *Orchestrator) Start(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Running, timeout)
}
func (o *Orchestrator) Stop(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Initialized, timeout)
}
func (o *Orchestrator) Pause(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Paused, timeout)
}
func (o *Orchestrator) Shutdown(ctx context.Context, participants []Participant, timeout time.Duration) error {
	return o.SetSystemState(ctx, participants, statetree.Unreachable, timeout)
}

// SetParticipantState applies SetSystemState's algorithm to a single
// participant (§4.A).
func (o *Orchestrator) SetParticipantState(ctx context.Context, p Participant, target statetree.ParticipantState, timeout time.Duration) error {
	return o.SetSystemState(ctx, []Participant{p}, target, timeout)
}

// SetSystemState plans and drives participants towards target, looping hop
// by hop until every participant reports target or the plan fails (§4.A
// steps 1-7).
func (o *Orchestrator) SetSystemState(ctx context.Context, participants []Participant, target statetree.ParticipantState, timeout time.Duration) error {
	guard := newCompletionGuard(o.logger, fmt.Sprintf("setSystemState(%s)", target))
	defer guard.finish()

	if target == statetree.Undefined {
		return ErrInvalidTargetState
	}
	if len(participants) == 0 {
		return ErrNoParticipantReachable
	}

	byName := make(map[string]Participant, len(participants))
	for _, p := range participants {
		byName[p.Name()] = p
	}

	states := o.currentStates(ctx, participants)
	if target != statetree.Unreachable {
		for name, s := range states {
			if s == statetree.Undefined || s == statetree.Unreachable {
				return fmt.Errorf("transition: participant %s is %s", name, s)
			}
		}
	}

	for {
		if statetree.HomogeneousTargetStateAchieved(states, target) {
			guard.succeed()
			return nil
		}

		start := statetree.ParticipantStateToTrigger(states, target)
		next := statetree.NextParticipantsState(start, target)
		if next == start {
			// Only possible when start == target, which a non-homogeneous
			// fleet never yields; stop rather than loop.
			return fmt.Errorf("transition: no path from %s to %s", start, target)
		}

		verb, err := hopVerb(start, next)
		if err != nil {
			return err
		}

		var cohort []string
		for name, s := range states {
			if s == start {
				cohort = append(cohort, name)
			}
		}
		sort.Strings(cohort)

		if err := o.dispatchHop(ctx, verb, cohort, byName, timeout); err != nil {
			return err
		}

		states = o.currentStates(ctx, participants)
	}
}

// currentStates queries every participant's state-machine client for its
// current state name. A participant whose client cannot be resolved or
// whose RPC call fails is recorded as Unreachable rather than aborting the
// whole query (§4.A step 1's unreachable handling).
func (o *Orchestrator) currentStates(ctx context.Context, participants []Participant) map[string]statetree.ParticipantState {
	states := make(map[string]statetree.ParticipantState, len(participants))
	for _, p := range participants {
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
		parsed, err := statetree.ParseState(name)
		if err != nil {
			states[p.Name()] = statetree.Unreachable
			continue
		}
		states[p.Name()] = parsed
	}
	return states
}

// Verb identifies a single state-machine RPC method, i.e. the operation
// dispatched for one hop of a transition plan.
type Verb int

const (
	VerbLoad Verb = iota
	VerbUnload
	VerbInitialize
	VerbDeinitialize
	VerbStart
	VerbStop
	VerbPause
	VerbShutdown
)

func (v Verb) String() string {
	switch v {
	case VerbLoad:
		return "load"
	case VerbUnload:
		return "unload"
	case VerbInitialize:
		return "initialize"
	case VerbDeinitialize:
		return "deinitialize"
	case VerbStart:
		return "start"
	case VerbStop:
		return "stop"
	case VerbPause:
		return "pause"
	case VerbShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Verb(%d)", int(v))
	}
}

// hopVerb maps one adjacency edge of the state graph (§3) to the
// state-machine RPC method that performs it.
func hopVerb(from, to statetree.ParticipantState) (Verb, error) {
	switch {
	case from == statetree.Unloaded && to == statetree.Loaded:
		return VerbLoad, nil
	case from == statetree.Loaded && to == statetree.Unloaded:
		return VerbUnload, nil
	case from == statetree.Loaded && to == statetree.Initialized:
		return VerbInitialize, nil
	case from == statetree.Initialized && to == statetree.Loaded:
		return VerbDeinitialize, nil
	case from == statetree.Initialized && to == statetree.Running:
		return VerbStart, nil
	case from == statetree.Paused && to == statetree.Running:
		return VerbStart, nil
	case from == statetree.Running && to == statetree.Initialized:
		return VerbStop, nil
	case from == statetree.Paused && to == statetree.Initialized:
		return VerbStop, nil
	case from == statetree.Initialized && to == statetree.Paused:
		return VerbPause, nil
	case from == statetree.Running && to == statetree.Paused:
		return VerbPause, nil
	case from == statetree.Unloaded && to == statetree.Unreachable:
		return VerbShutdown, nil
	default:
		return 0, fmt.Errorf("transition: no RPC operation for hop %s -> %s", from, to)
	}
}

// callVerb invokes the state-machine RPC method corresponding to verb.
func callVerb(ctx context.Context, sm proxy.StateMachineService, verb Verb) (proxy.TransitionResult, error) {
	switch verb {
	case VerbLoad:
		return sm.Load(ctx)
	case VerbUnload:
		return sm.Unload(ctx)
	case VerbInitialize:
		return sm.Initialize(ctx)
	case VerbDeinitialize:
		return sm.Deinitialize(ctx)
	case VerbStart:
		return sm.Start(ctx)
	case VerbStop:
		return sm.Stop(ctx)
	case VerbPause:
		return sm.Pause(ctx)
	case VerbShutdown:
		return sm.Exit(ctx)
	default:
		return proxy.TransitionResult{}, fmt.Errorf("unknown verb %v", verb)
	}
}

// priorityFor returns the priority value used to sort cohort members for
// verb, or (0, false) for verbs that are not sorted (§4.A "Priority policy
// for each hop").
func priorityFor(ctx context.Context, verb Verb, p Participant) (int32, bool, error) {
	switch verb {
	case VerbInitialize, VerbDeinitialize:
		v, err := p.InitPriority(ctx)
		return v, true, err
	case VerbStart, VerbStop:
		v, err := p.StartPriority(ctx)
		return v, true, err
	default:
		return 0, false, nil
	}
}

// dispatchHop groups cohort members into priority tiers (if verb sorts),
// runs each tier in turn under the orchestrator's execution policy, and
// aborts on the first tier failure (§4.A "Cohort execution").
func (o *Orchestrator) dispatchHop(ctx context.Context, verb Verb, cohort []string, byName map[string]Participant, timeout time.Duration) error {
	tiers, err := groupByPriority(ctx, verb, cohort, byName)
	if err != nil {
		return err
	}

	cfg := o.ExecutionConfig()
	for _, tier := range tiers {
		tasks := make([]exectimer.Task, len(tier))
		for i, name := range tier {
			p := byName[name]
			tasks[i] = func() exectimer.Result { return o.runOne(ctx, verb, p) }
		}

		timer := exectimer.NewExecutionTimer(timeout, func() {
			o.logger.Warn("transition %s exceeded its %s timeout budget; in-flight work is not cancelled", verb, timeout)
		})

		var results []exectimer.Result
		var success bool
		if cfg.Policy == PolicySequential {
			results, success = exectimer.SerialExecutionPolicy{Timer: timer}.Run(tasks)
		} else {
			results, success = exectimer.ParallelExecutionPolicy{ThreadCount: cfg.ThreadCount, Timer: timer}.Run(tasks)
		}

		if !success {
			var failures []ParticipantFailure
			for i, r := range results {
				if !r.Ok {
					failures = append(failures, ParticipantFailure{Participant: tier[i], Reason: r.Reason})
				}
			}
			return &TransitionError{Verb: verb.String(), Failures: failures}
		}

		o.logger.Info("%s reached by %d participant(s)", verb, len(tier))
	}
	return nil
}

func (o *Orchestrator) runOne(ctx context.Context, verb Verb, p Participant) exectimer.Result {
	sm, err := p.StateMachine(ctx)
	if err != nil {
		return exectimer.Result{Ok: false, Reason: fmt.Sprintf("resolving state machine client: %v", err)}
	}
	result, err := callVerb(ctx, sm, verb)
	if err != nil {
		return exectimer.Result{Ok: false, Reason: fmt.Sprintf("%s RPC failed: %v", verb, err)}
	}
	if !result.OK {
		return exectimer.Result{Ok: false, Reason: fmt.Sprintf("%s rejected (code=%d): %s", verb, result.Code, result.Description)}
	}
	return exectimer.Result{Ok: true}
}

// groupByPriority partitions cohort into priority tiers ordered per verb's
// sort direction. Verbs that don't sort yield a single tier holding the
// whole cohort.
func groupByPriority(ctx context.Context, verb Verb, cohort []string, byName map[string]Participant) ([][]string, error) {
	byPriority := make(map[int32][]string)
	sorts := false
	for _, name := range cohort {
		priority, sortable, err := priorityFor(ctx, verb, byName[name])
		if err != nil {
			return nil, fmt.Errorf("transition: reading priority for %s: %w", name, err)
		}
		sorts = sorts || sortable
		byPriority[priority] = append(byPriority[priority], name)
	}

	if !sorts {
		return [][]string{cohort}, nil
	}

	keys := make([]int32, 0, len(byPriority))
	for k := range byPriority {
		keys = append(keys, k)
	}

	// initialize/start: decreasing priority (highest first).
	// deinitialize/stop: increasing priority (lowest first).
	decreasing := verb == VerbInitialize || verb == VerbStart
	sort.Slice(keys, func(i, j int) bool {
		if decreasing {
			return keys[i] > keys[j]
		}
		return keys[i] < keys[j]
	})

	tiers := make([][]string, len(keys))
	for i, k := range keys {
		members := byPriority[k]
		sort.Strings(members)
		tiers[i] = members
	}
	return tiers, nil
}
