// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package servicebus

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coatyio/dda/config"
	"github.com/coatyio/dda/dda"
	"github.com/coatyio/dda/services/com/api"
	"github.com/google/uuid"
)

const (
	announceAliveType  = "fep3.system.announce.alive"
	announceByeByeType = "fep3.system.announce.byebye"
	rpcActionPrefix    = "fep3.system.rpc."
)

// DDAAccess implements Access on top of github.com/coatyio/dda, the
// teacher's own communication dependency, generalizing its coordinator/
// worker announce-and-track pattern (components/{coordinator,worker}.go)
// from two fixed roles to arbitrary participant membership.
type DDAAccess struct {
	componentsFilePath string
}

// NewDDAAccess reads FEP3_SYSTEM_COMPONENTS_FILE_PATH (§6 Environment) once
// and stores it on the returned Access; CreateSystemAccess does not pass it
// on to the DDA configuration.
func NewDDAAccess() *DDAAccess {
	return &DDAAccess{componentsFilePath: os.Getenv("FEP3_SYSTEM_COMPONENTS_FILE_PATH")}
}

// CreateSystemAccess opens an embedded DDA instance scoped to systemName at
// the given bus URL, mirroring Worker.initDda.
func (a *DDAAccess) CreateSystemAccess(systemName, url string) (SystemAccess, error) {
	cfg := config.New()
	cfg.Services.Com.Url = url
	cfg.Identity.Name = systemName
	cfg.Identity.Id = uuid.NewString()
	cfg.Apis.Grpc.Disabled = true
	cfg.Apis.GrpcWeb.Disabled = true

	d, err := dda.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating DDA instance for system %q: %w", systemName, err)
	}
	if err := d.Open(0); err != nil {
		return nil, fmt.Errorf("opening DDA instance for system %q: %w", systemName, err)
	}

	return &ddaSystemAccess{
		systemName: systemName,
		dda:        d,
	}, nil
}

type ddaSystemAccess struct {
	systemName string
	dda        *dda.Dda

	mu    sync.Mutex
	sinks map[int]UpdateEventSink
	nextI int
}

func (s *ddaSystemAccess) Discover(ctx context.Context, timeout time.Duration) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	evts, err := s.dda.SubscribeEvent(ctx, api.SubscriptionFilter{Type: announceAliveType})
	if err != nil {
		return nil, fmt.Errorf("subscribing to announcements for discovery: %w", err)
	}

	discovered := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return discovered, nil
		case evt, ok := <-evts:
			if !ok {
				return discovered, nil
			}
			discovered[evt.Source] = struct{}{}
		}
	}
}

func (s *ddaSystemAccess) Requester(participantName string) Requester {
	return &ddaRequester{access: s, participantName: participantName}
}

func (s *ddaSystemAccess) RegisterUpdateEventSink(sink UpdateEventSink) (deregister func()) {
	s.mu.Lock()
	if s.sinks == nil {
		s.sinks = make(map[int]UpdateEventSink)
	}
	id := s.nextI
	s.nextI++
	s.sinks[id] = sink
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go s.dispatchUpdateEvents(ctx, sink)

	return func() {
		cancel()
		s.mu.Lock()
		delete(s.sinks, id)
		s.mu.Unlock()
	}
}

func (s *ddaSystemAccess) dispatchUpdateEvents(ctx context.Context, sink UpdateEventSink) {
	alive, err := s.dda.SubscribeEvent(ctx, api.SubscriptionFilter{Type: announceAliveType})
	if err != nil {
		return
	}
	byebye, err := s.dda.SubscribeEvent(ctx, api.SubscriptionFilter{Type: announceByeByeType})
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-alive:
			if !ok {
				return
			}
			sink.OnServiceUpdate(ServiceUpdateEvent{ServiceName: evt.Source, SystemName: s.systemName, Type: EventNotifyAlive})
		case evt, ok := <-byebye:
			if !ok {
				return
			}
			sink.OnServiceUpdate(ServiceUpdateEvent{ServiceName: evt.Source, SystemName: s.systemName, Type: EventNotifyByeBye})
		}
	}
}

func (s *ddaSystemAccess) AdvertiseServer() (string, error) {
	// §4.G "URL rewriting": advertise a 0.0.0.0-bound server under the local
	// hostname so that remote participants can dial back in.
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host, nil
	}
	return host, nil
}

func (s *ddaSystemAccess) Close() error {
	s.dda.Close()
	return nil
}

// ddaRequester performs request/response calls against one participant's
// advertised service method by scoping the DDA Type to
// "fep3.system.rpc.<participant>.<service>.<method>": it publishes the
// request as an event carrying a per-call uuid in its Id and returns the
// Params of the first action received on that Type. The reply is not
// matched against the request's Id.
type ddaRequester struct {
	access          *ddaSystemAccess
	participantName string
}

func (r *ddaRequester) Call(ctx context.Context, service, method string, payload []byte) ([]byte, error) {
	actionType := strings.Join([]string{rpcActionPrefix, r.participantName, ".", service, ".", method}, "")
	id := uuid.NewString()

	replies, err := r.access.dda.SubscribeAction(ctx, api.SubscriptionFilter{Type: actionType})
	if err != nil {
		return nil, fmt.Errorf("subscribing for reply on %s: %w", actionType, err)
	}

	if err := r.access.dda.PublishEvent(api.Event{
		Type:   actionType,
		Id:     id,
		Source: r.participantName,
		Data:   payload,
	}); err != nil {
		return nil, fmt.Errorf("publishing request to %s: %w", r.participantName, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ac, ok := <-replies:
		if !ok {
			return nil, fmt.Errorf("no reply from participant %s on %s/%s", r.participantName, service, method)
		}
		return ac.Params, nil
	}
}
