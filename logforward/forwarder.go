// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package logforward

import "sync"

// EventMonitor receives every log entry a RemoteLogForwarder accepts, in the
// order they were pushed. Implementations must not block the forwarder for
// long; OnLog is invoked synchronously, under the forwarder's lock, for each
// registered monitor in turn (§4.G, §9 "monitors are invoked under lock").
type EventMonitor interface {
	OnLog(entry LogEntry)
}

// RemoteLogForwarder is one System's view onto a shared logging-sink
// server: it owns the set of monitors registered through that System and
// the minimum severity each monitor accepted, and releases the server's
// reference count when closed.
type RemoteLogForwarder struct {
	registry   *ServerRegistry
	systemName string
	srv        *server

	mu       sync.Mutex
	monitors map[EventMonitor]Severity
}

// NewRemoteLogForwarder acquires the shared logging-sink server for
// systemName, creating it if this is the first forwarder to ask for that
// name, and returns a forwarder bound to it.
func NewRemoteLogForwarder(registry *ServerRegistry, systemName string) (*RemoteLogForwarder, error) {
	srv, err := registry.Acquire(systemName)
	if err != nil {
		return nil, err
	}
	f := &RemoteLogForwarder{
		registry:   registry,
		systemName: systemName,
		srv:        srv,
		monitors:   make(map[EventMonitor]Severity),
	}
	srv.register(f)
	return f, nil
}

// URL is the address remote participants should be told to push log entries
// to when registering their logging sink client.
func (f *RemoteLogForwarder) URL() string {
	return f.srv.URL()
}

// RegisterMonitor adds monitor to the fan-out set, gated to entries at or
// above minSeverity. Registering the same monitor again replaces its
// severity threshold.
func (f *RemoteLogForwarder) RegisterMonitor(monitor EventMonitor, minSeverity Severity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitors[monitor] = minSeverity
}

// UnregisterMonitor removes monitor from the fan-out set. A no-op if it was
// never registered.
func (f *RemoteLogForwarder) UnregisterMonitor(monitor EventMonitor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.monitors, monitor)
}

// Forward notifies every registered monitor whose severity threshold entry
// clears. The server calls this for every entry it accepts over the wire;
// anything else that wants to inject a log entry through this forwarder
// (the system logger, tests) goes through the same path.
func (f *RemoteLogForwarder) Forward(entry LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for monitor, min := range f.monitors {
		if min == SeverityOff {
			continue
		}
		if entry.Severity > min {
			continue
		}
		monitor.OnLog(entry)
	}
}

// Close releases this forwarder's reference to the shared server; the
// server itself is only torn down once every System sharing its name has
// closed its forwarder (§4.G reference counting).
func (f *RemoteLogForwarder) Close() {
	f.srv.unregister(f)
	f.registry.Release(f.systemName)
}
