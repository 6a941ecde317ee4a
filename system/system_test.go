// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package system

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fep3-go/system/logforward"
	"github.com/fep3-go/system/servicebus"
	"github.com/fep3-go/system/statetree"
	"github.com/fep3-go/system/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemoteParticipant wires a minimal RPC surface into a
// servicebus.MemorySystemAccess, simulating a single real participant well
// enough to drive the orchestrator and facade end-to-end.
type fakeRemoteParticipant struct {
	mu    sync.Mutex
	state statetree.ParticipantState
	props map[string]string
}

func registerFakeParticipant(access *servicebus.MemorySystemAccess, name string, initial statetree.ParticipantState) *fakeRemoteParticipant {
	f := &fakeRemoteParticipant{state: initial, props: make(map[string]string)}

	access.Handle(name, "participant_info", "getRPCComponents", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal([]string{"participant_statemachine"})
	})
	access.Handle(name, "participant_info", "getRPCComponentIIDs", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal([]string{"participant_statemachine.v2"})
	})

	currentState := func(ctx context.Context, payload []byte) ([]byte, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return json.Marshal(f.state.String())
	}
	access.Handle(name, "participant_statemachine", "getCurrentStateName", currentState)

	hop := func(next statetree.ParticipantState) func(context.Context, []byte) ([]byte, error) {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			f.mu.Lock()
			f.state = next
			f.mu.Unlock()
			return json.Marshal(map[string]any{"error_code": 0, "description": "", "line": 0, "file": "", "function": ""})
		}
	}
	access.Handle(name, "participant_statemachine", "load", hop(statetree.Loaded))
	access.Handle(name, "participant_statemachine", "unload", hop(statetree.Unloaded))
	access.Handle(name, "participant_statemachine", "initialize", hop(statetree.Initialized))
	access.Handle(name, "participant_statemachine", "deinitialize", hop(statetree.Loaded))
	access.Handle(name, "participant_statemachine", "start", hop(statetree.Running))
	access.Handle(name, "participant_statemachine", "pause", hop(statetree.Paused))
	access.Handle(name, "participant_statemachine", "stop", hop(statetree.Initialized))
	access.Handle(name, "participant_statemachine", "exit", hop(statetree.Unreachable))

	access.Handle(name, "health_service", "getHealth", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal([]any{})
	})
	access.Handle(name, "http_server", "getHeartbeatInterval", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal(map[string]int64{"interval_ms": 100})
	})
	access.Handle(name, "http_server", "setHeartbeatInterval", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	})
	access.Handle(name, "configuration", "getProperty", func(ctx context.Context, payload []byte) ([]byte, error) {
		var propName string
		if err := json.Unmarshal(payload, &propName); err != nil {
			return nil, err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		return json.Marshal(f.props[propName])
	})
	access.Handle(name, "configuration", "setProperty", func(ctx context.Context, payload []byte) ([]byte, error) {
		var req struct{ Name, Value, Type string }
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.props[req.Name] = req.Value
		f.mu.Unlock()
		return nil, nil
	})
	access.Handle(name, "logging_sink_service", "registerRPCLoggingSinkClient", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal(0)
	})
	access.Handle(name, "logging_sink_service", "unregisterRPCLoggingSinkClient", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal(0)
	})

	return f
}

func newTestSystem(t *testing.T, systemName string) (*System, *servicebus.MemoryBus, servicebus.SystemAccess) {
	t.Helper()
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess(systemName, "memory://test")
	require.NoError(t, err)
	sys, err := newSystem(systemName, access, logforward.NewServerRegistry())
	require.NoError(t, err)
	t.Cleanup(sys.Close)
	return sys, bus, access
}

func TestAddRejectsDuplicateName(t *testing.T) {
	sys, _, access := newTestSystem(t, "sysA")
	ma := access.(*servicebus.MemorySystemAccess)
	ma.Join("p1")
	registerFakeParticipant(ma, "p1", statetree.Unloaded)

	ctx := context.Background()
	_, err := sys.Add(ctx, "p1", "", "")
	require.NoError(t, err)

	_, err = sys.Add(ctx, "p1", "", "")
	assert.Error(t, err)
}

func TestHeterogeneousStartupThroughFacade(t *testing.T) {
	// Scenario 1 at the facade level: P1=unloaded, P2=loaded, P3=initialized -> running.
	sys, _, access := newTestSystem(t, "sysB")
	ma := access.(*servicebus.MemorySystemAccess)

	states := map[string]statetree.ParticipantState{"p1": statetree.Unloaded, "p2": statetree.Loaded, "p3": statetree.Initialized}
	ctx := context.Background()
	for name, st := range states {
		ma.Join(name)
		registerFakeParticipant(ma, name, st)
		_, err := sys.Add(ctx, name, "", "")
		require.NoError(t, err)
	}

	require.NoError(t, sys.SetSystemState(ctx, statetree.Running, 2*time.Second))

	got := sys.GetSystemState(ctx)
	assert.Equal(t, statetree.Running, got.State)
	assert.True(t, got.Homogeneous)
}

func TestPriorityStartOrderingThroughFacade(t *testing.T) {
	// Scenario 2: four participants, start_priority {2,2,1,1}; {p1,p2} must
	// complete their start hop before {p3,p4} begin theirs.
	sys, _, access := newTestSystem(t, "sysC")
	ma := access.(*servicebus.MemorySystemAccess)
	require.NoError(t, sys.SetExecutionConfig(transition.ExecutionConfig{Policy: transition.PolicySequential, ThreadCount: 1}))

	priorities := map[string]string{"p1": "2", "p2": "2", "p3": "1", "p4": "1"}
	var order []string
	var orderMu sync.Mutex
	ctx := context.Background()
	for name := range priorities {
		ma.Join(name)
		f := registerFakeParticipant(ma, name, statetree.Initialized)
		n := name
		ma.Handle(n, "participant_statemachine", "start", func(ctx context.Context, payload []byte) ([]byte, error) {
			orderMu.Lock()
			order = append(order, n)
			orderMu.Unlock()
			f.mu.Lock()
			f.state = statetree.Running
			f.mu.Unlock()
			return json.Marshal(map[string]any{"error_code": 0})
		})
		p, err := sys.Add(ctx, name, "", "")
		require.NoError(t, err)
		require.NoError(t, p.SetStartPriority(ctx, mustParseInt32(priorities[name])))
	}

	require.NoError(t, sys.SetSystemState(ctx, statetree.Running, 2*time.Second))
	require.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"p1", "p2"}, order[:2], "start_priority 2 tier must start first")
	assert.ElementsMatch(t, []string{"p3", "p4"}, order[2:], "start_priority 1 tier must start last")

	got := sys.GetSystemState(ctx)
	assert.Equal(t, statetree.Running, got.State)
	assert.True(t, got.Homogeneous)
}

func mustParseInt32(s string) int32 {
	switch s {
	case "1":
		return 1
	case "2":
		return 2
	default:
		return 0
	}
}

func TestShutdownNotificationRemovesMemberAndReaggregates(t *testing.T) {
	// Scenario 5: after a successful start, notify_byebye(P2) must mark P2
	// unreachable, drop it from the member list, and leave {P1,P3} homogeneous.
	sys, _, access := newTestSystem(t, "sysD")
	ma := access.(*servicebus.MemorySystemAccess)

	ctx := context.Background()
	for _, name := range []string{"p1", "p2", "p3"} {
		ma.Join(name)
		registerFakeParticipant(ma, name, statetree.Running)
		_, err := sys.Add(ctx, name, "", "")
		require.NoError(t, err)
	}

	p2, ok := sys.Get("p2")
	require.True(t, ok)

	ma.Leave("p2")
	time.Sleep(10 * time.Millisecond)

	assert.True(t, p2.NotReachable(), "p2 must be marked unreachable")
	_, present := sys.Get("p2")
	assert.False(t, present, "p2 must be removed from the member list")
	assert.ElementsMatch(t, []string{"p1", "p3"}, sys.Names())

	got := sys.GetSystemState(ctx)
	assert.Equal(t, statetree.Running, got.State)
	assert.True(t, got.Homogeneous)
}

func TestGetParticipantsHealthFailsWhileListenerDeactivated(t *testing.T) {
	sys, _, access := newTestSystem(t, "sysJ")
	ma := access.(*servicebus.MemorySystemAccess)
	ctx := context.Background()
	for _, name := range []string{"p1", "p2"} {
		ma.Join(name)
		registerFakeParticipant(ma, name, statetree.Running)
		_, err := sys.Add(ctx, name, "", "")
		require.NoError(t, err)
	}

	_, err := sys.GetParticipantsHealth()
	require.NoError(t, err, "every member's health listener starts active")

	p, ok := sys.Get("p2")
	require.True(t, ok)
	p.SetHealthListenerRunning(false)

	_, err = sys.GetParticipantsHealth()
	assert.ErrorIs(t, err, ErrHealthDisabled)
}

func TestHealthListenerRunningStatusUniformity(t *testing.T) {
	sys, _, access := newTestSystem(t, "sysK")
	ma := access.(*servicebus.MemorySystemAccess)
	ctx := context.Background()
	for _, name := range []string{"p1", "p2"} {
		ma.Join(name)
		registerFakeParticipant(ma, name, statetree.Running)
		_, err := sys.Add(ctx, name, "", "")
		require.NoError(t, err)
	}

	uniform, running := sys.GetHealthListenerRunningStatus()
	assert.True(t, uniform)
	assert.True(t, running)

	p1, _ := sys.Get("p1")
	p1.SetHealthListenerRunning(false)
	uniform, _ = sys.GetHealthListenerRunningStatus()
	assert.False(t, uniform, "a mix of running/not-running is not uniform")

	sys.SetHealthListenerRunningStatus(false)
	uniform, running = sys.GetHealthListenerRunningStatus()
	assert.True(t, uniform)
	assert.False(t, running)
}

func TestPropertyPathNormalization(t *testing.T) {
	sys, _, access := newTestSystem(t, "sysE")
	ma := access.(*servicebus.MemorySystemAccess)
	ma.Join("p1")
	registerFakeParticipant(ma, "p1", statetree.Unloaded)

	ctx := context.Background()
	_, err := sys.Add(ctx, "p1", "", "")
	require.NoError(t, err)

	require.NoError(t, sys.SetProperty(ctx, "p1", "clock.sim_time", "42", "int64"))
	got, err := sys.GetProperty(ctx, "p1", "clock.sim_time")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestAddAsyncReturnsResultsInRequestOrder(t *testing.T) {
	sys, _, access := newTestSystem(t, "sysF")
	ma := access.(*servicebus.MemorySystemAccess)

	specs := make([]ParticipantSpec, 0, 5)
	for i := 0; i < 5; i++ {
		name := "p" + string(rune('1'+i))
		ma.Join(name)
		registerFakeParticipant(ma, name, statetree.Unloaded)
		specs = append(specs, ParticipantSpec{Name: name})
	}

	added, err := sys.AddAsync(context.Background(), specs, 3)
	require.NoError(t, err)
	require.Len(t, added, 5)
	for i, p := range added {
		assert.Equal(t, specs[i].Name, p.Name())
	}
}

func TestHeartbeatIntervalRoundTrip(t *testing.T) {
	sys, _, access := newTestSystem(t, "sysG")
	ma := access.(*servicebus.MemorySystemAccess)
	ma.Join("p1")
	registerFakeParticipant(ma, "p1", statetree.Unloaded)

	ctx := context.Background()
	_, err := sys.Add(ctx, "p1", "", "")
	require.NoError(t, err)

	ms, err := sys.GetHeartbeatInterval(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ms)
	require.NoError(t, sys.SetHeartbeatInterval(ctx, "p1", 250))
}

func TestConfigureTimingDesignatesMaster(t *testing.T) {
	sys, _, access := newTestSystem(t, "sysH")
	ma := access.(*servicebus.MemorySystemAccess)
	ctx := context.Background()
	for _, name := range []string{"p1", "p2"} {
		ma.Join(name)
		registerFakeParticipant(ma, name, statetree.Unloaded)
		_, err := sys.Add(ctx, name, "", "")
		require.NoError(t, err)
	}

	require.NoError(t, sys.ConfigureTiming(ctx, TimingDiscrete, "p1"))
	masters := sys.TimingMasters(ctx)
	assert.Equal(t, []string{"p1"}, masters)
}

func TestLogDuplicationAcrossMonitors(t *testing.T) {
	// Scenario 6: M1 (info) and M2 (warning) both see a warning; only M1
	// sees an info; after unregistering M1, only M2 sees further entries.
	sys, _, access := newTestSystem(t, "sysI")
	ma := access.(*servicebus.MemorySystemAccess)
	ma.Join("p1")
	registerFakeParticipant(ma, "p1", statetree.Unloaded)

	ctx := context.Background()
	p, err := sys.Add(ctx, "p1", "", "")
	require.NoError(t, err)

	m1 := &recordingMonitor{}
	m2 := &recordingMonitor{}
	sys.RegisterMonitor(m1, logforward.SeverityInfo)
	sys.RegisterMonitor(m2, logforward.SeverityWarning)

	require.NoError(t, p.RegisterLogging(ctx, sys.forwarder.URL(), "", int32(logforward.SeverityDebug)))
	sys.forwarder.Forward(logforward.LogEntry{ParticipantName: "p1", Severity: logforward.SeverityWarning, Description: "a warning"})
	sys.forwarder.Forward(logforward.LogEntry{ParticipantName: "p1", Severity: logforward.SeverityInfo, Description: "an info"})

	assert.Len(t, m1.entries, 2)
	assert.Len(t, m2.entries, 1)

	sys.UnregisterMonitor(m1)
	sys.forwarder.Forward(logforward.LogEntry{ParticipantName: "p1", Severity: logforward.SeverityWarning, Description: "second warning"})
	assert.Len(t, m1.entries, 2, "unregistered monitor must not see further entries")
	assert.Len(t, m2.entries, 2)
}

type recordingMonitor struct {
	entries []logforward.LogEntry
}

func (m *recordingMonitor) OnLog(entry logforward.LogEntry) {
	m.entries = append(m.entries, entry)
}
