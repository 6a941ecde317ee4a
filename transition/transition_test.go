// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fep3-go/system/proxy"
	"github.com/fep3-go/system/statetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStateMachine is an in-memory proxy.StateMachineService whose state
// advances exactly one hop per accepted RPC call, mirroring a real
// participant's own single-hop state machine.
type fakeStateMachine struct {
	mu        sync.Mutex
	state     statetree.ParticipantState
	fail      map[Verb]bool
	delay     time.Duration
	callOrder *[]string
	name      string
}

func (f *fakeStateMachine) CurrentStateName(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.String(), nil
}

func (f *fakeStateMachine) record(verb Verb, next statetree.ParticipantState) (proxy.TransitionResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callOrder != nil {
		*f.callOrder = append(*f.callOrder, f.name+":"+verb.String())
	}
	if f.fail != nil && f.fail[verb] {
		return proxy.TransitionResult{OK: false, Code: 1, Description: "rejected by fake"}, nil
	}
	f.state = next
	return proxy.TransitionResult{OK: true}, nil
}

func (f *fakeStateMachine) Load(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbLoad, statetree.Loaded)
}
func (f *fakeStateMachine) Unload(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbUnload, statetree.Unloaded)
}
func (f *fakeStateMachine) Initialize(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbInitialize, statetree.Initialized)
}
func (f *fakeStateMachine) Deinitialize(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbDeinitialize, statetree.Loaded)
}
func (f *fakeStateMachine) Start(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbStart, statetree.Running)
}
func (f *fakeStateMachine) Pause(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbPause, statetree.Paused)
}
func (f *fakeStateMachine) Stop(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbStop, statetree.Initialized)
}
func (f *fakeStateMachine) Exit(ctx context.Context) (proxy.TransitionResult, error) {
	return f.record(VerbShutdown, statetree.Unreachable)
}

type fakeParticipant struct {
	name          string
	sm            *fakeStateMachine
	initPriority  int32
	startPriority int32
}

func newFakeParticipant(name string, state statetree.ParticipantState) *fakeParticipant {
	return &fakeParticipant{name: name, sm: &fakeStateMachine{state: state, name: name}}
}

func (p *fakeParticipant) Name() string { return p.name }
func (p *fakeParticipant) InitPriority(ctx context.Context) (int32, error) {
	return p.initPriority, nil
}
func (p *fakeParticipant) StartPriority(ctx context.Context) (int32, error) {
	return p.startPriority, nil
}
func (p *fakeParticipant) StateMachine(ctx context.Context) (proxy.StateMachineService, error) {
	return p.sm, nil
}

func toParticipants(fakes ...*fakeParticipant) []Participant {
	out := make([]Participant, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

func TestHeterogeneousStartupScenario(t *testing.T) {
	// Scenario 1: P1=unloaded, P2=loaded, P3=initialized -> running.
	p1 := newFakeParticipant("p1", statetree.Unloaded)
	p2 := newFakeParticipant("p2", statetree.Loaded)
	p3 := newFakeParticipant("p3", statetree.Initialized)

	o := New(nil)
	err := o.SetSystemState(context.Background(), toParticipants(p1, p2, p3), statetree.Running, time.Second)
	require.NoError(t, err)

	assert.Equal(t, statetree.Running, p1.sm.state)
	assert.Equal(t, statetree.Running, p2.sm.state)
	assert.Equal(t, statetree.Running, p3.sm.state)
}

func TestSetSystemStateRejectsUndefinedTarget(t *testing.T) {
	p1 := newFakeParticipant("p1", statetree.Unloaded)
	o := New(nil)
	err := o.SetSystemState(context.Background(), toParticipants(p1), statetree.Undefined, time.Second)
	assert.Error(t, err)
}

func TestSetSystemStateRejectsEmptyFleet(t *testing.T) {
	o := New(nil)
	err := o.SetSystemState(context.Background(), nil, statetree.Running, time.Second)
	assert.Error(t, err)
}

func TestSetSystemStateRejectsUnreachableParticipantUnlessShuttingDown(t *testing.T) {
	p1 := newFakeParticipant("p1", statetree.Unreachable)
	o := New(nil)

	err := o.SetSystemState(context.Background(), toParticipants(p1), statetree.Running, time.Second)
	assert.Error(t, err)

	err = o.SetSystemState(context.Background(), toParticipants(p1), statetree.Unreachable, time.Second)
	assert.NoError(t, err, "already-unreachable participants are acceptable when shutting down")
}

func TestInitializePriorityOrdering(t *testing.T) {
	// Property 3: initialize sorts by decreasing init_priority; ties run together.
	var order []string
	var mu sync.Mutex
	record := func(name string) *fakeStateMachine {
		sm := &fakeStateMachine{state: statetree.Loaded, name: name}
		sm.callOrder = &order
		return sm
	}

	p1 := &fakeParticipant{name: "p1", initPriority: 1, sm: record("p1")}
	p2 := &fakeParticipant{name: "p2", initPriority: 2, sm: record("p2")}
	p3 := &fakeParticipant{name: "p3", initPriority: 2, sm: record("p3")}
	_ = mu

	o := New(nil)
	// Sequential keeps the shared order slice race-free; tier ordering is the
	// same property under either execution policy.
	require.NoError(t, o.SetExecutionConfig(ExecutionConfig{Policy: PolicySequential, ThreadCount: 1}))
	err := o.SetSystemState(context.Background(), toParticipants(p1, p2, p3), statetree.Initialized, time.Second)
	require.NoError(t, err)

	require.Len(t, order, 3)
	// The priority-2 tier (p2, p3) must both appear before the priority-1 tier (p1).
	lastTier2 := -1
	for i, entry := range order {
		if entry == "p2:initialize" || entry == "p3:initialize" {
			lastTier2 = i
		}
	}
	firstTier1 := -1
	for i, entry := range order {
		if entry == "p1:initialize" {
			firstTier1 = i
			break
		}
	}
	assert.Less(t, lastTier2, firstTier1, "higher init_priority (p2,p3) must complete before lower (p1) starts")
}

func TestDeinitializePriorityOrderingReverses(t *testing.T) {
	var order []string
	record := func(name string) *fakeStateMachine {
		sm := &fakeStateMachine{state: statetree.Initialized, name: name}
		sm.callOrder = &order
		return sm
	}
	p1 := &fakeParticipant{name: "p1", initPriority: 1, sm: record("p1")}
	p2 := &fakeParticipant{name: "p2", initPriority: 5, sm: record("p2")}

	o := New(nil)
	require.NoError(t, o.SetExecutionConfig(ExecutionConfig{Policy: PolicySequential, ThreadCount: 1}))
	err := o.SetSystemState(context.Background(), toParticipants(p1, p2), statetree.Loaded, time.Second)
	require.NoError(t, err)

	require.Equal(t, []string{"p1:deinitialize", "p2:deinitialize"}, order, "increasing init_priority: lower value (p1) runs first")
}

func TestTransitionErrorAggregatesCohortFailures(t *testing.T) {
	p1 := newFakeParticipant("p1", statetree.Unloaded)
	p2 := newFakeParticipant("p2", statetree.Unloaded)
	p2.sm.fail = map[Verb]bool{VerbLoad: true}

	o := New(nil)
	err := o.SetSystemState(context.Background(), toParticipants(p1, p2), statetree.Loaded, time.Second)
	require.Error(t, err)

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	require.Len(t, terr.Failures, 1)
	assert.Equal(t, "p2", terr.Failures[0].Participant)
}

func TestTimeoutWatchdogFiresExactlyOnceAndTransitionStillSucceeds(t *testing.T) {
	// Scenario 3: transition takes 400ms, timeout budget is 100ms.
	p1 := newFakeParticipant("p1", statetree.Initialized)
	p1.sm.delay = 400 * time.Millisecond

	var fired int
	var mu sync.Mutex
	logger := &countingLogger{onWarn: func() { mu.Lock(); fired++; mu.Unlock() }}

	o := New(logger)
	err := o.SetSystemState(context.Background(), toParticipants(p1), statetree.Running, 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let the already-fired timer settle
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)
}

type countingLogger struct {
	onWarn func()
}

func (l *countingLogger) Info(string, ...any) {}
func (l *countingLogger) Warn(string, ...any) {
	if l.onWarn != nil {
		l.onWarn()
	}
}
func (l *countingLogger) Error(string, ...any) {}

func TestSetParticipantStateAppliesToSingleProxy(t *testing.T) {
	p1 := newFakeParticipant("p1", statetree.Unloaded)
	o := New(nil)
	err := o.SetParticipantState(context.Background(), p1, statetree.Initialized, time.Second)
	require.NoError(t, err)
	assert.Equal(t, statetree.Initialized, p1.sm.state)
}

func TestSetExecutionConfigRejectsZeroThreadCount(t *testing.T) {
	o := New(nil)
	err := o.SetExecutionConfig(ExecutionConfig{Policy: PolicyParallel, ThreadCount: 0})
	assert.Error(t, err)
}

func TestShutdownVerbDrivesUnloadedToUnreachable(t *testing.T) {
	p1 := newFakeParticipant("p1", statetree.Unloaded)
	o := New(nil)
	err := o.Shutdown(context.Background(), toParticipants(p1), time.Second)
	require.NoError(t, err)
	assert.Equal(t, statetree.Unreachable, p1.sm.state)
}
