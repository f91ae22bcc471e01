package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates the webhook notifications an agent can receive.
type EventType string

const (
	EventMessageReceived      EventType = "message.received"
	EventTransactionCreated   EventType = "transaction.created"
	EventTransactionDelivered EventType = "transaction.delivered"
	EventBidPlaced            EventType = "bid.placed"
	EventBidOutbid            EventType = "bid.outbid"
	EventAuctionWon           EventType = "auction.won"
	EventRatingReceived       EventType = "rating.received"
	EventListingPriceDrop     EventType = "listing.price_drop"
	EventListingEndingSoon    EventType = "listing.ending_soon"
)

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRetrying  DeliveryState = "retrying"
	DeliveryDead      DeliveryState = "dead"
)

// WebhookEvent is one queued notification for one agent. The payload is a
// snapshot taken at emit time; delivery is at-least-once and consumers must
// dedupe by event id.
type WebhookEvent struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	State         DeliveryState   `json:"delivery_state"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
}
