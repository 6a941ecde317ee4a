// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package exectimer provides the deadline timer and execution policies used
// by the transition orchestrator to fan work out to a cohort of participants
// either serially or in parallel, with an advisory watchdog timeout.
package exectimer

import (
	"sync"
	"time"
)

// DeadlineTimer invokes a callback once after a duration elapses, unless
// cancelled first. Cancel is idempotent. The scheduling substrate
// (time.AfterFunc) is an implementation detail per §4.C/§9; callers only
// observe ExpireAt/Cancel semantics.
type DeadlineTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// ExpireAt arms the timer to invoke callback once after duration, replacing
// any previously armed callback.
func (d *DeadlineTimer) ExpireAt(duration time.Duration, callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(duration, callback)
}

// Cancel stops a pending callback, if any. Safe to call more than once and
// safe to call when no callback is pending.
func (d *DeadlineTimer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// ExecutionTimer wraps a DeadlineTimer with a fixed duration/callback pair,
// armed by Start and disarmed by Stop. It is used as a watchdog: it cannot
// cancel in-flight work, it can only report that a transition overran its
// budget (§4.C, §5 Cancellation, §9 Design Note "Timer watchdog semantics").
type ExecutionTimer struct {
	duration time.Duration
	callback func()
	timer    DeadlineTimer
}

// NewExecutionTimer creates an ExecutionTimer that fires callback after
// duration once Start is called.
func NewExecutionTimer(duration time.Duration, callback func()) *ExecutionTimer {
	return &ExecutionTimer{duration: duration, callback: callback}
}

// Start arms the watchdog.
func (e *ExecutionTimer) Start() {
	if e == nil || e.callback == nil {
		return
	}
	e.timer.ExpireAt(e.duration, e.callback)
}

// Stop disarms the watchdog; a no-op if it already fired or was never
// started.
func (e *ExecutionTimer) Stop() {
	if e == nil {
		return
	}
	e.timer.Cancel()
}
