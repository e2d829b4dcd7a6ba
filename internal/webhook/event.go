package webhook

import (
	"fmt"
	"strings"
)

// WiseEventResource identifies the balance or transfer an event refers to.
// Wise sends numeric identifiers.
type WiseEventResource struct {
	ID        int64  `json:"id"`
	ProfileID int64  `json:"profile_id"`
	Type      string `json:"type"`
}

// WiseEventData is the event payload. Only Resource is required; the
// remaining fields vary by event type and pass through to storage as-is.
type WiseEventData struct {
	Resource          *WiseEventResource `json:"resource"`
	Amount            *string            `json:"amount,omitempty"`
	BalanceID         *string            `json:"balance_id,omitempty"`
	Currency          *string            `json:"currency,omitempty"`
	TransactionType   *string            `json:"transaction_type,omitempty"`
	OccurredAt        *string            `json:"occurred_at,omitempty"`
	TransferReference *string            `json:"transfer_reference,omitempty"`
	ChannelName       *string            `json:"channel_name,omitempty"`
}

// WiseEvent is one webhook notification from Wise.
type WiseEvent struct {
	SubscriptionID string        `json:"subscription_id"`
	EventType      string        `json:"event_type"`
	SchemaVersion  string        `json:"schema_version"`
	SentAt         string        `json:"sent_at"`
	Data           WiseEventData `json:"data"`
}

// storedEvent is the payload persisted for each accepted event: the event
// itself plus the delivery id from the X-Delivery-Id header.
type storedEvent struct {
	WiseEvent
	DeliveryID string `json:"delivery_id"`
}

// EventObjectKey builds the upload key for one accepted event:
// <peer>/<profile>/<event_type>/<resource_id>_<unix>.json. Event types use
// "#" as a namespace separator, which is unsafe in object keys.
func EventObjectKey(peerID, profile, eventType, resourceID, suffix string) string {
	if eventType == "" {
		eventType = "-"
	}
	eventType = strings.ReplaceAll(eventType, "#", "-")
	return fmt.Sprintf("%s/%s/%s/%s_%s.json", peerID, profile, eventType, resourceID, suffix)
}
