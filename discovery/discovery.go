// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package discovery implements participant and system discovery (Component
// E): polling the service bus in fixed windows until a predicate is
// satisfied or a timeout elapses, "name@system" identifier parsing, and the
// shutdown listener that reacts to notify_byebye events.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fep3-go/system/internal/dbg"
	"github.com/fep3-go/system/servicebus"
)

// pollWindow is the fixed polling granularity used while discovering
// participants; the final window is shortened to the timeout's remainder.
// Grounded on original_source's discoverSystemParticipantsHelper, which
// polls in fixed one-second slices.
const pollWindow = 1 * time.Second

// ErrDiscoveryMismatch is returned by DiscoverSystemParticipants when the
// timeout elapses without the predicate ever being satisfied (spec.md's
// "Discovery mismatch" error kind — thrown with expected vs actual).
var ErrDiscoveryMismatch = errors.New("discovery mismatch")

// Predicate decides whether a discovered participant set satisfies a
// caller's discovery goal, and can describe that goal for the error
// message raised when it is never satisfied.
type Predicate struct {
	match    func(discovered map[string]struct{}) bool
	describe func() string
}

func (p Predicate) satisfied(discovered map[string]struct{}) bool {
	return p.match != nil && p.match(discovered)
}

func (p Predicate) String() string {
	if p.describe != nil {
		return p.describe()
	}
	return "unspecified predicate"
}

// CountAtLeast returns a Predicate satisfied once at least n participants
// have been discovered.
func CountAtLeast(n int) *Predicate {
	return &Predicate{
		match:    func(discovered map[string]struct{}) bool { return len(discovered) >= n },
		describe: func() string { return fmt.Sprintf("at least %d participant(s)", n) },
	}
}

// ByNames returns a Predicate satisfied once every name in names has been
// discovered.
func ByNames(names []string) *Predicate {
	match := func(discovered map[string]struct{}) bool {
		for _, n := range names {
			if _, ok := discovered[n]; !ok {
				return false
			}
		}
		return true
	}
	return &Predicate{
		match:    match,
		describe: func() string { return fmt.Sprintf("participants %s", strings.Join(names, ", ")) },
	}
}

func sortedNames(discovered map[string]struct{}) []string {
	names := make([]string, 0, len(discovered))
	for n := range discovered {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DiscoverSystemParticipants polls access in fixed windows (the last window
// truncated to whatever remains of timeout) until predicate reports
// satisfied or the timeout elapses. A nil predicate accepts whatever is
// discovered, unconditionally. A non-nil predicate that is never satisfied
// makes the timeout fatal: it returns ErrDiscoveryMismatch naming the
// expected predicate and the last observed participant set (§7 "Discovery
// mismatch"), matching discoverSystemParticipantsHelper's final-window
// failure in original_source.
func DiscoverSystemParticipants(ctx context.Context, access servicebus.SystemAccess, timeout time.Duration, predicate *Predicate) (map[string]struct{}, error) {
	remaining := timeout
	var last map[string]struct{}
	for {
		window := pollWindow
		if remaining < pollWindow {
			window = remaining
		}
		discovered, err := access.Discover(ctx, window)
		if err != nil {
			return nil, fmt.Errorf("discovering participants: %w", err)
		}
		last = discovered
		if predicate == nil || predicate.satisfied(discovered) {
			return discovered, nil
		}
		remaining -= window
		done := remaining <= 0 || ctx.Err() != nil
		if done {
			return nil, fmt.Errorf("%w: expected %s, got %v", ErrDiscoveryMismatch, predicate, sortedNames(last))
		}
	}
}

// Identifier is a parsed "participant@system" discovery result.
type Identifier struct {
	Participant string
	System      string
}

// ParseIdentifier splits a discovered identifier of the form
// "participant@system" into its two parts. A malformed identifier (missing
// or duplicated "@") is a fatal parse error, matching
// get_partictipant_and_system_name's behavior in original_source.
func ParseIdentifier(raw string) (Identifier, error) {
	parts := strings.Split(raw, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identifier{}, fmt.Errorf("malformed participant identifier %q: expected \"participant@system\"", raw)
	}
	return Identifier{Participant: parts[0], System: parts[1]}, nil
}

// GroupBySystem parses every identifier in discovered and groups
// participant names by their owning system name, for constructing one
// System per group during a DiscoverAllSystems-style scan. The returned
// system names are not sorted by this function; callers that need
// deterministic ordering should sort the map's keys themselves.
func GroupBySystem(discovered map[string]struct{}) (map[string][]string, error) {
	groups := make(map[string][]string)
	for raw := range discovered {
		id, err := ParseIdentifier(raw)
		if err != nil {
			return nil, err
		}
		groups[id.System] = append(groups[id.System], id.Participant)
	}
	for _, names := range groups {
		sort.Strings(names)
	}
	return groups, nil
}

// ShutdownListener subscribes to a system's update events and invokes
// onByeBye whenever a participant vanishes (notify_byebye), matching
// original_source's participant_shutdown_listener.cpp.
type ShutdownListener struct {
	systemName string
	onByeBye   func(participantName string)
	deregister func()
	tracer     *dbg.Tracer
}

// NewShutdownListener registers a listener on access for systemName. Close
// must be called to deregister before the owning System drops its member
// list, per §5 Cancellation.
func NewShutdownListener(access servicebus.SystemAccess, systemName string, onByeBye func(participantName string)) *ShutdownListener {
	l := &ShutdownListener{systemName: systemName, onByeBye: onByeBye, tracer: dbg.New("[discovery %s] ", systemName)}
	l.deregister = access.RegisterUpdateEventSink(servicebus.UpdateEventSinkFunc(l.handle))
	return l
}

// handle runs on whatever goroutine the service bus delivers events on (the
// DDA bus's dispatch goroutine, or the caller of MemorySystemAccess.Leave);
// a panic in onByeBye must not take that goroutine down with it.
func (l *ShutdownListener) handle(evt servicebus.ServiceUpdateEvent) {
	defer l.tracer.Recover("ShutdownListener.handle")
	if evt.SystemName != l.systemName || evt.Type != servicebus.EventNotifyByeBye {
		return
	}
	l.tracer.Printf("notify_byebye for %s", evt.ServiceName)
	l.onByeBye(evt.ServiceName)
}

// Close deregisters the listener. Safe to call more than once.
func (l *ShutdownListener) Close() {
	if l.deregister != nil {
		l.deregister()
		l.deregister = nil
	}
}
