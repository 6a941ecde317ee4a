// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/fep3-go/system/servicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverSystemParticipantsStopsOnPredicateMatch(t *testing.T) {
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess("sys1", "memory://sys1")
	require.NoError(t, err)
	memAccess := access.(*servicebus.MemorySystemAccess)
	memAccess.Join("p1")
	memAccess.Join("p2")

	start := time.Now()
	discovered, err := DiscoverSystemParticipants(context.Background(), access, 10*time.Second, CountAtLeast(2))
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Len(t, discovered, 2)
	assert.Less(t, elapsed, 3*time.Second, "must stop at the first satisfying poll window, not run out the full timeout")
}

func TestDiscoverSystemParticipantsFailsWithMismatchOnTimeout(t *testing.T) {
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess("sys1", "memory://sys1")
	require.NoError(t, err)
	memAccess := access.(*servicebus.MemorySystemAccess)
	memAccess.Join("p1")

	discovered, err := DiscoverSystemParticipants(context.Background(), access, 900*time.Millisecond, CountAtLeast(5))
	assert.Nil(t, discovered)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiscoveryMismatch)
	assert.Contains(t, err.Error(), "at least 5 participant(s)")
}

func TestDiscoverSystemParticipantsNilPredicateNeverMismatches(t *testing.T) {
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess("sys1", "memory://sys1")
	require.NoError(t, err)
	memAccess := access.(*servicebus.MemorySystemAccess)
	memAccess.Join("p1")

	discovered, err := DiscoverSystemParticipants(context.Background(), access, 900*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Len(t, discovered, 1)
}

func TestByNamesPredicate(t *testing.T) {
	pred := ByNames([]string{"a", "b"})
	assert.False(t, pred.satisfied(map[string]struct{}{"a": {}}))
	assert.True(t, pred.satisfied(map[string]struct{}{"a": {}, "b": {}, "c": {}}))
}

func TestParseIdentifier(t *testing.T) {
	id, err := ParseIdentifier("worker1@sysA")
	require.NoError(t, err)
	assert.Equal(t, Identifier{Participant: "worker1", System: "sysA"}, id)

	_, err = ParseIdentifier("worker1")
	assert.Error(t, err)

	_, err = ParseIdentifier("a@b@c")
	assert.Error(t, err)
}

func TestGroupBySystem(t *testing.T) {
	discovered := map[string]struct{}{
		"w1@sysA": {},
		"w2@sysA": {},
		"w1@sysB": {},
	}
	groups, err := GroupBySystem(discovered)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, groups["sysA"])
	assert.ElementsMatch(t, []string{"w1"}, groups["sysB"])
}

func TestGroupBySystemFailsOnMalformedIdentifier(t *testing.T) {
	_, err := GroupBySystem(map[string]struct{}{"no-at-sign": {}})
	assert.Error(t, err)
}

func TestShutdownListenerFiresOnByeByeForMatchingSystem(t *testing.T) {
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess("sys1", "memory://sys1")
	require.NoError(t, err)
	memAccess := access.(*servicebus.MemorySystemAccess)
	memAccess.Join("p1")

	var gone []string
	l := NewShutdownListener(access, "sys1", func(name string) { gone = append(gone, name) })
	defer l.Close()

	memAccess.Leave("p1")
	assert.Equal(t, []string{"p1"}, gone)
}

func TestShutdownListenerIgnoresOtherSystems(t *testing.T) {
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess("sys1", "memory://sys1")
	require.NoError(t, err)

	fired := false
	l := NewShutdownListener(access, "other-system", func(name string) { fired = true })
	defer l.Close()

	memAccess := access.(*servicebus.MemorySystemAccess)
	memAccess.Join("p1")
	memAccess.Leave("p1")
	assert.False(t, fired)
}

func TestShutdownListenerRecoversFromPanickingCallback(t *testing.T) {
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess("sys1", "memory://sys1")
	require.NoError(t, err)
	memAccess := access.(*servicebus.MemorySystemAccess)
	memAccess.Join("p1")

	l := NewShutdownListener(access, "sys1", func(string) { panic("boom") })
	defer l.Close()

	assert.NotPanics(t, func() { memAccess.Leave("p1") })
}

func TestShutdownListenerCloseIsIdempotent(t *testing.T) {
	bus := servicebus.NewMemoryBus()
	access, err := bus.CreateSystemAccess("sys1", "memory://sys1")
	require.NoError(t, err)

	l := NewShutdownListener(access, "sys1", func(string) {})
	l.Close()
	assert.NotPanics(t, func() { l.Close() })
}
