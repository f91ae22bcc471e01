// Package notify turns domain events into webhook deliveries. The
// dispatcher appends events to a durable queue and returns immediately;
// a bounded worker pool drains the queue and performs the outbound calls.
// Domain operations never fail because a webhook target is unreachable.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/store"
)

type Dispatcher struct {
	store store.Store
}

func NewDispatcher(st store.Store) *Dispatcher {
	return &Dispatcher{store: st}
}

// Emit queues a webhook event for an agent. Agents without a registered
// webhook URL receive nothing; failures only log, the caller's operation
// is never affected.
func (d *Dispatcher) Emit(ctx context.Context, agentID string, eventType domain.EventType, data any) {
	agent, err := d.store.Account(ctx, agentID)
	if err != nil {
		log.Printf("[notify] emit %s: agent %s not found", eventType, agentID)
		return
	}
	if agent.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("[notify] emit %s: marshal payload: %v", eventType, err)
		return
	}

	now := time.Now().UTC()
	evt := &domain.WebhookEvent{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		EventType:     eventType,
		Payload:       payload,
		State:         domain.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := d.store.EnqueueEvent(ctx, evt); err != nil {
		log.Printf("[notify] emit %s for %s: enqueue failed: %v", eventType, agentID, err)
	}
}
