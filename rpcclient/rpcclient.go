// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package rpcclient implements participant-facing RPC service clients from
// spec §6 (participant_info, participant_statemachine, configuration,
// logging_sink_service, health_service, http_server) on top of a
// servicebus.Requester; it has no data_registry or logging_service client. It encodes
// request/response payloads as JSON — the same "exchange typed payloads
// over a byte-oriented channel" shape the teacher uses for its gob-encoded
// compute payloads (registry/pi, registry/wf), adapted here to JSON since
// these payloads cross a documented RPC boundary rather than an
// internal-only wire format.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fep3-go/system/servicebus"
)

// Call performs one JSON-encoded request/response RPC over requester and
// decodes the reply into resp (which must be a pointer, or nil to discard
// the reply body).
func Call(ctx context.Context, requester servicebus.Requester, service, method string, req, resp any) error {
	var payload []byte
	var err error
	if req != nil {
		payload, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encoding request for %s/%s: %w", service, method, err)
		}
	}

	reply, err := requester.Call(ctx, service, method, payload)
	if err != nil {
		return fmt.Errorf("calling %s/%s: %w", service, method, err)
	}

	if resp == nil {
		return nil
	}
	if len(reply) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply, resp); err != nil {
		return fmt.Errorf("decoding response from %s/%s: %w", service, method, err)
	}
	return nil
}
