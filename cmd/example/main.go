// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Discovers a system's participants and drives them to a requested target
state, printing the aggregated system state once the transition returns.

For usage details, run example with the command line flag -h or --help.

This is a demonstration of the library's public facade, not part of its
core contract (spec.md declares CLI/tooling out of scope for the core);
by default it runs against an in-process memory bus seeded with a handful
of fake participants, since there is no standalone example participant
binary to discover against.
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fep3-go/system/logforward"
	"github.com/fep3-go/system/servicebus"
	"github.com/fep3-go/system/statetree"
	"github.com/fep3-go/system/system"
)

func main() {
	var systemName string
	var targetName string
	var timeout time.Duration
	var dda bool
	var help bool

	flag.Usage = usage
	flag.StringVar(&systemName, "s", "demo_system", "system name to discover or seed")
	flag.StringVar(&targetName, "t", "running", "target participant state (unloaded|loaded|initialized|running|paused)")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "transition timeout")
	flag.BoolVar(&dda, "dda", false, "discover a real system over the DDA service bus instead of the built-in demo")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}

	target, err := statetree.ParseState(targetName)
	if err != nil {
		fmt.Printf("unrecognized target state %q\n", targetName)
		os.Exit(1)
	}

	var access servicebus.SystemAccess
	var seeded []string
	if dda {
		a, err := servicebus.NewDDAAccess().CreateSystemAccess(systemName, "")
		if err != nil {
			fmt.Printf("connecting to DDA service bus: %v\n", err)
			os.Exit(1)
		}
		access = a
	} else {
		access, seeded = seedDemoBus(systemName)
	}

	sys, err := system.New(systemName, access)
	if err != nil {
		fmt.Printf("creating system %q: %v\n", systemName, err)
		os.Exit(1)
	}
	defer sys.Close()
	sys.RegisterMonitor(logforward.NewConsoleMonitor(os.Stdout), logforward.SeverityInfo)

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating example on signal %v...\n", <-sigCh)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-signaled
		cancel()
	}()

	names := seeded
	if dda {
		discovered, err := access.Discover(ctx, 2*time.Second)
		if err != nil {
			fmt.Printf("discovering participants: %v\n", err)
			os.Exit(1)
		}
		for name := range discovered {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		fmt.Printf("no participants discovered for system %q\n", systemName)
		os.Exit(1)
	}

	specs := make([]system.ParticipantSpec, len(names))
	for i, name := range names {
		specs[i] = system.ParticipantSpec{Name: name}
	}
	if _, err := sys.AddAsync(ctx, specs, 0); err != nil {
		fmt.Printf("adding participants: %v\n", err)
	}

	fmt.Printf("driving %s to %s...\n", systemName, target)
	if err := sys.SetSystemState(ctx, target, timeout); err != nil {
		fmt.Printf("transition did not complete cleanly: %v\n", err)
	}

	got := sys.GetSystemState(ctx)
	fmt.Printf("system state: %s (homogeneous=%v)\n", got.State, got.Homogeneous)
}

// seedDemoBus builds an in-process memory bus with three fake participants
// joined under systemName, so the example runs end to end without a real
// service bus or external participant processes.
func seedDemoBus(systemName string) (servicebus.SystemAccess, []string) {
	bus := servicebus.NewMemoryBus()
	access, _ := bus.CreateSystemAccess(systemName, "")
	ma := access.(*servicebus.MemorySystemAccess)

	names := []string{"producer", "filter", "consumer"}
	for _, name := range names {
		ma.Join(name)
		newDemoParticipant(ma, name)
	}
	return access, names
}

// newDemoParticipant registers just enough fake RPC handlers for a demo
// system to negotiate a state-machine client and run a full transition
// against it.
func newDemoParticipant(ma *servicebus.MemorySystemAccess, name string) {
	state := "unloaded"

	ma.Handle(name, "participant_info", "getRPCComponents", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal([]string{"participant_statemachine"})
	})
	ma.Handle(name, "participant_info", "getRPCComponentIIDs", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal([]string{"participant_statemachine.v2"})
	})
	ma.Handle(name, "participant_statemachine", "getCurrentStateName", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal(state)
	})
	hop := func(next string) func(context.Context, []byte) ([]byte, error) {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			state = next
			return json.Marshal(map[string]any{"error_code": 0, "description": "", "line": 0, "file": "", "function": ""})
		}
	}
	ma.Handle(name, "participant_statemachine", "load", hop("loaded"))
	ma.Handle(name, "participant_statemachine", "unload", hop("unloaded"))
	ma.Handle(name, "participant_statemachine", "initialize", hop("initialized"))
	ma.Handle(name, "participant_statemachine", "deinitialize", hop("loaded"))
	ma.Handle(name, "participant_statemachine", "start", hop("running"))
	ma.Handle(name, "participant_statemachine", "pause", hop("paused"))
	ma.Handle(name, "participant_statemachine", "stop", hop("initialized"))
	ma.Handle(name, "participant_statemachine", "exit", hop("unreachable"))
	ma.Handle(name, "health_service", "getHealth", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal([]any{})
	})
	ma.Handle(name, "http_server", "getHeartbeatInterval", func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.Marshal(map[string]int64{"interval_ms": 100})
	})
}

func usage() {
	fmt.Printf(`usage: example [-h|--help] [-s systemName] [-t targetState] [-timeout dur] [-dda]

Discovers a system's participants and drives them to a target state.

Flags:
`)
	flag.PrintDefaults()
}
