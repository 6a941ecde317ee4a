// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package exectimer

import "sync"

// Result is the outcome of one participant's transition call: ok is false
// with a reason when the call failed or the participant's client was
// unreachable.
type Result struct {
	Ok     bool
	Reason string
}

// Task is a nullary callable performing one participant's transition step.
type Task func() Result

// SerialExecutionPolicy invokes each task in order, stopping at the first
// failure. It arms the given ExecutionTimer around the whole batch; the
// timer is advisory only and never cancels in-flight tasks.
type SerialExecutionPolicy struct {
	Timer *ExecutionTimer
}

// Run executes tasks serially and returns their individual results plus the
// composite success (true iff every task succeeded).
func (p SerialExecutionPolicy) Run(tasks []Task) ([]Result, bool) {
	if p.Timer != nil {
		p.Timer.Start()
		defer p.Timer.Stop()
	}
	results := make([]Result, len(tasks))
	success := true
	for i, task := range tasks {
		r := task()
		results[i] = r
		if !r.Ok {
			success = false
			break
		}
	}
	return results, success
}

// ParallelExecutionPolicy submits tasks to a worker pool sized ThreadCount.
// A shared success flag, guarded by a mutex, short-circuits new submissions
// once a failure is observed; already-running tasks are not cancelled
// (Property 4). The call blocks until the pool has drained.
type ParallelExecutionPolicy struct {
	ThreadCount uint8
	Timer       *ExecutionTimer
}

// Run executes tasks in parallel across ThreadCount workers and returns
// their individual results (in task order) plus the composite success.
func (p ParallelExecutionPolicy) Run(tasks []Task) ([]Result, bool) {
	if p.Timer != nil {
		p.Timer.Start()
		defer p.Timer.Stop()
	}

	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results, true
	}

	var mu sync.Mutex
	success := true

	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := int(p.ThreadCount)
	if workers <= 0 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				mu.Lock()
				stillOk := success
				mu.Unlock()
				if !stillOk {
					results[i] = Result{Ok: false, Reason: "skipped after prior failure"}
					continue
				}
				r := tasks[i]()
				results[i] = r
				if !r.Ok {
					mu.Lock()
					success = false
					mu.Unlock()
				}
			}
		}()
	}

	for i := range tasks {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results, success
}
