// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package servicebus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Access implementation used by this library's
// own tests (and usable by callers wiring up fast unit tests of their own
// System usage without a real bus). It is not a spec-described component;
// it exists because Access/SystemAccess/Requester are plain Go interfaces
// (idiomatic "accept interfaces, return structs"), and an in-memory double
// is the standard way to exercise them without the external substrate.
type MemoryBus struct {
	mu       sync.Mutex
	accesses map[string]*MemorySystemAccess
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{accesses: make(map[string]*MemorySystemAccess)}
}

// CreateSystemAccess implements Access.
func (b *MemoryBus) CreateSystemAccess(systemName, _ string) (SystemAccess, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.accesses[systemName]; ok {
		return a, nil
	}
	a := &MemorySystemAccess{
		systemName: systemName,
		members:    make(map[string]struct{}),
		handlers:   make(map[string]map[string]func(context.Context, []byte) ([]byte, error)),
	}
	b.accesses[systemName] = a
	return a, nil
}

// MemorySystemAccess is a single system's in-memory bus handle.
type MemorySystemAccess struct {
	systemName string

	mu       sync.Mutex
	members  map[string]struct{}
	sinks    map[int]UpdateEventSink
	nextSink int
	handlers map[string]map[string]func(context.Context, []byte) ([]byte, error)
}

// Join registers a participant as visible to Discover and fires a
// notify_alive update to any registered sinks.
func (a *MemorySystemAccess) Join(participantName string) {
	a.mu.Lock()
	a.members[participantName] = struct{}{}
	sinks := a.snapshotSinks()
	a.mu.Unlock()
	for _, s := range sinks {
		s.OnServiceUpdate(ServiceUpdateEvent{ServiceName: participantName, SystemName: a.systemName, Type: EventNotifyAlive})
	}
}

// Leave removes a participant and fires a notify_byebye update.
func (a *MemorySystemAccess) Leave(participantName string) {
	a.mu.Lock()
	delete(a.members, participantName)
	sinks := a.snapshotSinks()
	a.mu.Unlock()
	for _, s := range sinks {
		s.OnServiceUpdate(ServiceUpdateEvent{ServiceName: participantName, SystemName: a.systemName, Type: EventNotifyByeBye})
	}
}

func (a *MemorySystemAccess) snapshotSinks() []UpdateEventSink {
	out := make([]UpdateEventSink, 0, len(a.sinks))
	for _, s := range a.sinks {
		out = append(out, s)
	}
	return out
}

// Handle registers a handler for service/method invoked by a Requester
// bound to participantName. Tests use this to simulate a remote
// participant's RPC surface.
func (a *MemorySystemAccess) Handle(participantName, service, method string, fn func(context.Context, []byte) ([]byte, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := participantName
	if a.handlers[key] == nil {
		a.handlers[key] = make(map[string]func(context.Context, []byte) ([]byte, error))
	}
	a.handlers[key][service+"/"+method] = fn
}

// Discover implements SystemAccess.
func (a *MemorySystemAccess) Discover(ctx context.Context, timeout time.Duration) (map[string]struct{}, error) {
	const pollWindow = 1 * time.Second
	remaining := timeout
	out := make(map[string]struct{})
	for {
		window := pollWindow
		if remaining < pollWindow {
			window = remaining
		}
		select {
		case <-ctx.Done():
			return out, nil
		case <-time.After(window):
		}
		a.mu.Lock()
		out = make(map[string]struct{}, len(a.members))
		for m := range a.members {
			out[m] = struct{}{}
		}
		a.mu.Unlock()
		remaining -= window
		if remaining <= 0 {
			return out, nil
		}
	}
}

// Requester implements SystemAccess.
func (a *MemorySystemAccess) Requester(participantName string) Requester {
	return &memoryRequester{access: a, participantName: participantName}
}

// RegisterUpdateEventSink implements SystemAccess.
func (a *MemorySystemAccess) RegisterUpdateEventSink(sink UpdateEventSink) (deregister func()) {
	a.mu.Lock()
	if a.sinks == nil {
		a.sinks = make(map[int]UpdateEventSink)
	}
	id := a.nextSink
	a.nextSink++
	a.sinks[id] = sink
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.sinks, id)
		a.mu.Unlock()
	}
}

// AdvertiseServer implements SystemAccess.
func (a *MemorySystemAccess) AdvertiseServer() (string, error) {
	return "memory://" + a.systemName, nil
}

// Close implements SystemAccess.
func (a *MemorySystemAccess) Close() error { return nil }

type memoryRequester struct {
	access          *MemorySystemAccess
	participantName string
}

func (r *memoryRequester) Call(ctx context.Context, service, method string, payload []byte) ([]byte, error) {
	r.access.mu.Lock()
	handlers := r.access.handlers[r.participantName]
	var fn func(context.Context, []byte) ([]byte, error)
	if handlers != nil {
		fn = handlers[service+"/"+method]
	}
	r.access.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("participant %s: no handler registered for %s/%s", r.participantName, service, method)
	}
	return fn(ctx, payload)
}
