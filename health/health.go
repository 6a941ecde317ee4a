// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package health implements the health data model, the per-participant
// service-update sink that pulls job healthiness (Component F), and the
// liveliness aggregator that classifies participants as online or offline.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fep3-go/system/internal/dbg"
)

// RunningState is the derived liveliness classification of a participant.
type RunningState int

const (
	Offline RunningState = iota
	Online
)

// String renders a RunningState as "offline"/"online" (supplemented from
// original_source's participantRunningStateToString).
func (s RunningState) String() string {
	switch s {
	case Online:
		return "online"
	default:
		return "offline"
	}
}

// ParseRunningState is the inverse of String (supplemented from
// original_source's participantRunningStateFromString).
func ParseRunningState(s string) (RunningState, error) {
	switch s {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	default:
		return Offline, fmt.Errorf("RunningState must be either offline or online, got %q", s)
	}
}

// ErrorDetail is the last recorded error for one of a job's three execute
// phases.
type ErrorDetail struct {
	Code        int32
	Description string
	Line        int32
	File        string
	Function    string
}

// ExecuteError tracks the error count and most recent detail for one of a
// job's data-in/execute/data-out phases.
type ExecuteError struct {
	ErrorCount      int64
	LastSimTime     time.Duration
	LastErrorDetail ErrorDetail
}

// TriggerKind distinguishes the two JobHealthiness variants.
type TriggerKind int

const (
	ClockTriggered TriggerKind = iota
	DataTriggered
)

// JobHealthiness is the health snapshot of a single job run by a
// participant.
type JobHealthiness struct {
	JobName        string
	Kind           TriggerKind
	CycleTime      time.Duration // meaningful iff Kind == ClockTriggered
	TriggerSignals []string      // meaningful iff Kind == DataTriggered
	SimulationTime time.Duration

	DataInError  ExecuteError
	ExecuteError ExecuteError
	DataOutError ExecuteError
}

// ParticipantHealth is the externally observable health of one participant:
// its derived running state plus its jobs' healthiness.
type ParticipantHealth struct {
	RunningState    RunningState
	JobsHealthiness []JobHealthiness
}

// ParticipantHealthUpdate is what gets stored per participant: the last
// health push, timestamped with the steady clock at receipt time.
type ParticipantHealthUpdate struct {
	SystemTime      time.Time
	JobsHealthiness []JobHealthiness
}

// HealthService is the participant-side RPC surface consulted on each
// update event (spec §6 health_service).
type HealthService interface {
	GetHealth(ctx context.Context) ([]JobHealthiness, error)
}

// LoggingFunc receives severity-tagged diagnostic lines from the listener,
// e.g. "Received update event from …" at debug severity.
type LoggingFunc func(severity string, message string)

// Listener handles service-bus update events for one participant: on each
// matching event passed to OnServiceUpdate it pulls GetHealth() and stores
// the result under a mutex. It is not itself a servicebus.UpdateEventSink;
// events reach it only through a caller that forwards them. Grounded on
// original_source's participant_health_listener.cpp.
type Listener struct {
	rpc             HealthService
	participantName string
	systemName      string
	logging         LoggingFunc
	tracer          *dbg.Tracer

	mu            sync.Mutex
	health        ParticipantHealthUpdate
	loggingActive bool
}

// NewListener creates a Listener for participantName in systemName. rpc may
// be nil if the health-service client could not be resolved; in that case a
// warning is emitted once via logging and updates are silently ignored.
func NewListener(rpc HealthService, participantName, systemName string, logging LoggingFunc) *Listener {
	l := &Listener{
		rpc:             rpc,
		participantName: participantName,
		systemName:      systemName,
		logging:         logging,
		loggingActive:   true,
		tracer:          dbg.New("[health %s/%s] ", systemName, participantName),
	}
	if rpc == nil && logging != nil {
		logging("warning", fmt.Sprintf("RPC Health service is null, connection to service probably failed for participant %s", participantName))
	}
	return l
}

// OnServiceUpdate handles one update event: when the event's service/system
// name matches this listener's participant, it issues GetHealth and stores
// the result. It may run on a service-bus dispatch goroutine, so a panic
// pulled from GetHealth or a caller-supplied logging func must not escape it.
func (l *Listener) OnServiceUpdate(ctx context.Context, serviceName, systemName string) {
	defer l.tracer.Recover("Listener.OnServiceUpdate")
	if l.participantName != serviceName || l.systemName != systemName || l.rpc == nil {
		return
	}
	jobs, err := l.rpc.GetHealth(ctx)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.health = ParticipantHealthUpdate{SystemTime: time.Now(), JobsHealthiness: jobs}
	active := l.loggingActive
	l.mu.Unlock()
	if active && l.logging != nil {
		l.logging("debug", fmt.Sprintf("Received update event from %s", l.participantName))
	}
}

// GetParticipantHealth returns the last stored update.
func (l *Listener) GetParticipantHealth() ParticipantHealthUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

// DeactivateLogging stops the per-event debug log line.
func (l *Listener) DeactivateLogging() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loggingActive = false
}

// IsLoggingActive reports whether the per-event debug log line is still
// active; it returns false once DeactivateLogging has been called.
func (l *Listener) IsLoggingActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loggingActive
}

// Aggregator holds the most recent health update per participant and
// classifies liveliness against a fixed timeout. Grounded on
// original_source's participant_health_aggregator.cpp.
type Aggregator struct {
	livelinessTimeout time.Duration

	mu                sync.Mutex
	participantHealth map[string]ParticipantHealthUpdate
}

// NewAggregator creates an Aggregator with the given liveliness timeout.
func NewAggregator(livelinessTimeout time.Duration) *Aggregator {
	return &Aggregator{
		livelinessTimeout: livelinessTimeout,
		participantHealth: make(map[string]ParticipantHealthUpdate),
	}
}

// SetParticipantHealth stores the latest health update for a participant.
func (a *Aggregator) SetParticipantHealth(participantName string, update ParticipantHealthUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.participantHealth[participantName] = update
}

// RemoveParticipant drops a participant's stored health, e.g. once it has
// been removed from the system's member list.
func (a *Aggregator) RemoveParticipant(participantName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.participantHealth, participantName)
}

// LivelinessTimeout returns the configured timeout.
func (a *Aggregator) LivelinessTimeout() time.Duration {
	return a.livelinessTimeout
}

// SetLivelinessTimeout updates the configured timeout.
func (a *Aggregator) SetLivelinessTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.livelinessTimeout = d
}

// GetParticipantsHealth returns, for every tracked participant, its
// liveliness-classified health as of now (Property 7).
func (a *Aggregator) GetParticipantsHealth(now time.Time) map[string]ParticipantHealth {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]ParticipantHealth, len(a.participantHealth))
	for name, update := range a.participantHealth {
		state := Offline
		if now.Sub(update.SystemTime) <= a.livelinessTimeout {
			state = Online
		}
		out[name] = ParticipantHealth{RunningState: state, JobsHealthiness: update.JobsHealthiness}
	}
	return out
}
