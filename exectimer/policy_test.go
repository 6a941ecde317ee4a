// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package exectimer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialExecutionPolicyStopsAtFirstFailure(t *testing.T) {
	var ran []int
	tasks := []Task{
		func() Result { ran = append(ran, 0); return Result{Ok: true} },
		func() Result { ran = append(ran, 1); return Result{Ok: false, Reason: "boom"} },
		func() Result { ran = append(ran, 2); return Result{Ok: true} },
	}
	results, success := SerialExecutionPolicy{}.Run(tasks)
	require.False(t, success)
	assert.Equal(t, []int{0, 1}, ran)
	assert.True(t, results[0].Ok)
	assert.False(t, results[1].Ok)
}

func TestParallelExecutionPolicyShortCircuit(t *testing.T) {
	var started int32
	var completed int32

	release := make(chan struct{})
	failing := make(chan struct{})

	tasks := make([]Task, 20)
	tasks[0] = func() Result {
		atomic.AddInt32(&started, 1)
		close(failing)
		return Result{Ok: false, Reason: "fail"}
	}
	for i := 1; i < len(tasks); i++ {
		tasks[i] = func() Result {
			atomic.AddInt32(&started, 1)
			<-release // block until test releases, simulating "already running"
			atomic.AddInt32(&completed, 1)
			return Result{Ok: true}
		}
	}

	done := make(chan bool)
	go func() {
		_, success := ParallelExecutionPolicy{ThreadCount: 4}.Run(tasks)
		done <- success
	}()

	<-failing
	time.Sleep(20 * time.Millisecond) // let in-flight workers observe the failure
	close(release)

	success := <-done
	assert.False(t, success)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&completed)), int(atomic.LoadInt32(&started)))
}

func TestExecutionTimerFiresOnce(t *testing.T) {
	var fired int32
	timer := NewExecutionTimer(20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	timer.Start()
	time.Sleep(80 * time.Millisecond)
	timer.Stop() // no-op, already fired
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestExecutionTimerStopCancelsPending(t *testing.T) {
	var fired int32
	timer := NewExecutionTimer(50*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	timer.Start()
	timer.Stop()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestDeadlineTimerCancelIdempotent(t *testing.T) {
	var timer DeadlineTimer
	timer.ExpireAt(10*time.Millisecond, func() {})
	timer.Cancel()
	timer.Cancel() // must not panic
}
