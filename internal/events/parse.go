package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPayloadMalformed marks a delivery whose body cannot be parsed into an
// event. Malformed deliveries are rejected at the boundary with no ledger
// write; redelivering the same bytes will never succeed.
var ErrPayloadMalformed = errors.New("event payload malformed")

// Parse turns a signature-verified request body into a typed InboundEvent.
// The event id and type are mandatory; the checkout session object is only
// decoded for event types that carry one.
func Parse(body []byte) (*InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrPayloadMalformed)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrPayloadMalformed)
	}

	ev := &InboundEvent{
		ID:         env.ID,
		Type:       env.Type,
		ReceivedAt: time.Now().UTC(),
		RawPayload: body,
	}

	if env.Type == EventTypeCheckoutCompleted {
		if len(env.Data.Object) == 0 {
			return nil, fmt.Errorf("%w: checkout event without session object", ErrPayloadMalformed)
		}
		if err := json.Unmarshal(env.Data.Object, &ev.Session); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
		}
		if ev.Session.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without id", ErrPayloadMalformed)
		}
	}

	return ev, nil
}
