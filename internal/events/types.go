package events

import (
	"encoding/json"
	"time"
)

// EventTypeCheckoutCompleted is the only event type the pipeline acts on.
// Every other type is acknowledged and discarded so the processor does not
// retry deliveries we have no handler for.
const EventTypeCheckoutCompleted = "checkout.session.completed"

// InboundEvent is a verified, parsed webhook delivery from the billing
// processor. RawPayload is kept verbatim for the event ledger.
type InboundEvent struct {
	ID         string
	Type       string
	ReceivedAt time.Time
	RawPayload []byte
	Session    CheckoutSession
}

// CheckoutSession is the processor-side record of one completed purchase,
// as embedded in a checkout.session.completed event.
type CheckoutSession struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// envelope mirrors the processor's wire format.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}
