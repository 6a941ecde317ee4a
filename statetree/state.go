// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package statetree implements the aggregation and state-controller logic
// for the participant state graph: the total order over ParticipantState,
// the adjacency graph of legal single-hop transitions, and the breadth-first
// search used to pick the next hop on the way to a target state.
package statetree

import "fmt"

// ParticipantState is a totally ordered state of a single participant.
// undefined is never a valid transition target; unreachable denotes "no
// reply or shut down."
type ParticipantState int

const (
	Undefined ParticipantState = iota
	Unreachable
	Unloaded
	Loaded
	Initialized
	Paused
	Running

	numStates = int(Running) + 1
)

// String renders a ParticipantState for logs and error messages.
func (s ParticipantState) String() string {
	switch s {
	case Undefined:
		return "undefined"
	case Unreachable:
		return "unreachable"
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Initialized:
		return "initialized"
	case Paused:
		return "paused"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("ParticipantState(%d)", int(s))
	}
}

// ParseState is the inverse of String, used to interpret a state name
// returned over the participant_statemachine RPC (getCurrentStateName).
func ParseState(name string) (ParticipantState, error) {
	switch name {
	case "undefined":
		return Undefined, nil
	case "unreachable":
		return Unreachable, nil
	case "unloaded":
		return Unloaded, nil
	case "loaded":
		return Loaded, nil
	case "initialized":
		return Initialized, nil
	case "paused":
		return Paused, nil
	case "running":
		return Running, nil
	default:
		return Undefined, fmt.Errorf("unknown participant state name %q", name)
	}
}

// adjacency is the undirected-where-symmetric transition graph from §3 of
// the spec, transcribed from the original BFS adjacency table
// (fep_system_state_tree.cpp): unloaded<->loaded, loaded<->initialized,
// initialized<->paused, initialized<->running, paused<->running, and
// unloaded->unreachable (with the reverse edge only from unloaded).
var adjacency = [numStates][]ParticipantState{
	Undefined:   {},
	Unreachable: {Unloaded},
	Unloaded:    {Unreachable, Loaded},
	Loaded:      {Unloaded, Initialized},
	Initialized: {Loaded, Paused, Running},
	Paused:      {Initialized, Running},
	Running:     {Initialized, Paused},
}

// SystemState is the aggregated state of a fleet of participants.
type SystemState struct {
	Homogeneous bool
	State       ParticipantState
}

// AggregatedState returns the minimum, by the state order above, over all
// known participant states, plus whether every participant is equal to it.
// An empty fleet aggregates to Unreachable, not homogeneous (Property 1).
func AggregatedState(states map[string]ParticipantState) SystemState {
	if len(states) == 0 {
		return SystemState{Homogeneous: false, State: Unreachable}
	}
	min := ParticipantState(-1)
	for _, s := range states {
		if min == -1 || s < min {
			min = s
		}
	}
	homogeneous := true
	for _, s := range states {
		if s != min {
			homogeneous = false
			break
		}
	}
	return SystemState{Homogeneous: homogeneous, State: min}
}

// ParticipantStateToTrigger decides the start state S for a transition plan:
// if every participant is already <= target, start from the lowest observed
// state; if every participant is >= target, start from the highest; in a
// mixed fleet, also start from the highest. This keeps heterogeneous fleets
// converging monotonically without revisiting an intermediate state.
func ParticipantStateToTrigger(states map[string]ParticipantState, target ParticipantState) ParticipantState {
	allLE, allGE := true, true
	lowest := ParticipantState(-1)
	highest := ParticipantState(-1)
	for _, s := range states {
		if s > target {
			allLE = false
		}
		if s < target {
			allGE = false
		}
		if lowest == -1 || s < lowest {
			lowest = s
		}
		if highest == -1 || s > highest {
			highest = s
		}
	}
	if allLE {
		return lowest
	}
	return highest
}

// NextParticipantsState performs a breadth-first search over the adjacency
// graph from "from" towards "target" and returns the next hop on the
// shortest path. If from == target, target is returned. If there is no path
// (e.g. from == Undefined), Unreachable is returned.
func NextParticipantsState(from, target ParticipantState) ParticipantState {
	if from == target {
		return target
	}
	path := shortestPath(from, target)
	if len(path) < 2 {
		return Unreachable
	}
	return path[1]
}

// shortestPath returns the full sequence of states (inclusive of src and
// dest) along the shortest adjacency path, or nil if none exists.
func shortestPath(src, dest ParticipantState) []ParticipantState {
	if src == dest {
		return []ParticipantState{dest}
	}
	if int(src) < 0 || int(src) >= numStates || int(dest) < 0 || int(dest) >= numStates {
		return nil
	}

	type vertex struct {
		explored bool
		parent   int
	}
	dist := make([]vertex, numStates)
	for i := range dist {
		dist[i].parent = -1
	}

	queue := []ParticipantState{src}
	dist[src].explored = true

	found := false
outer:
	for len(queue) > 0 {
		front := queue[0]
		queue = queue[1:]
		for _, neighbor := range adjacency[front] {
			if !dist[neighbor].explored {
				dist[neighbor].explored = true
				dist[neighbor].parent = int(front)
				queue = append(queue, neighbor)
				if neighbor == dest {
					found = true
					break outer
				}
			}
		}
	}

	if !found {
		return nil
	}

	var path []ParticipantState
	for crawl := dest; ; {
		path = append([]ParticipantState{crawl}, path...)
		p := dist[crawl].parent
		if p == -1 {
			break
		}
		crawl = ParticipantState(p)
	}
	return path
}

// HomogeneousTargetStateAchieved reports whether every participant in states
// already equals target.
func HomogeneousTargetStateAchieved(states map[string]ParticipantState, target ParticipantState) bool {
	for _, s := range states {
		if s != target {
			return false
		}
	}
	return true
}
