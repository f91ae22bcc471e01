package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/metrics"
	"github.com/botbid/botbid/internal/store"
)

const userAgent = "BotBid/1.0"

// envelope is the wire format delivered to an agent's webhook URL.
type envelope struct {
	Event     domain.EventType `json:"event"`
	Timestamp string           `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// WorkerConfig carries the retry policy; all values come from app config,
// never constants in this package.
type WorkerConfig struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	Secret       string
}

// Worker drains the webhook event queue with a bounded pool. No ledger or
// listing lock is ever held here; delivery is fully decoupled from the
// domain operations that emitted the events.
type Worker struct {
	store  store.Store
	cfg    WorkerConfig
	client *http.Client

	wg sync.WaitGroup
}

func NewWorker(st store.Store, cfg WorkerConfig) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Run polls for due events and fans them out to the pool until ctx is
// cancelled. It blocks; callers usually run it in a goroutine.
func (w *Worker) Run(ctx context.Context) {
	jobs := make(chan *domain.WebhookEvent)

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for evt := range jobs {
				w.attempt(ctx, evt)
			}
		}()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			w.wg.Wait()
			return
		case <-ticker.C:
			w.drainDue(ctx, jobs)
		}
	}
}

func (w *Worker) drainDue(ctx context.Context, jobs chan<- *domain.WebhookEvent) {
	// Lease claimed events past the in-flight window so a crashed worker
	// just means redelivery, never a lost event.
	lease := w.cfg.Timeout + w.cfg.PollInterval + time.Minute
	due, err := w.store.ClaimDueEvents(ctx, time.Now().UTC(), lease, 4*w.cfg.Workers)
	if err != nil {
		log.Printf("[notify] claim due events: %v", err)
		return
	}
	for _, evt := range due {
		select {
		case jobs <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) attempt(ctx context.Context, evt *domain.WebhookEvent) {
	agent, err := w.store.Account(ctx, evt.AgentID)
	if err != nil || agent.WebhookURL == "" {
		evt.State = domain.DeliveryDead
		evt.LastError = "no webhook url registered"
		if err := w.store.UpdateEvent(ctx, evt); err != nil {
			log.Printf("[notify] update event %s: %v", evt.ID, err)
		}
		return
	}

	start := time.Now()
	err = w.deliver(ctx, agent.WebhookURL, evt)
	metrics.WebhookDuration.Observe(time.Since(start).Seconds())

	evt.AttemptCount++
	now := time.Now().UTC()
	if err == nil {
		evt.State = domain.DeliveryDelivered
		evt.DeliveredAt = &now
		evt.LastError = ""
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	} else {
		evt.LastError = err.Error()
		if evt.AttemptCount >= w.cfg.MaxAttempts {
			evt.State = domain.DeliveryDead
			metrics.WebhookDeliveries.WithLabelValues("dead").Inc()
			log.Printf("[notify] event %s (%s) dead after %d attempts: %v", evt.ID, evt.EventType, evt.AttemptCount, err)
		} else {
			evt.State = domain.DeliveryRetrying
			evt.NextAttemptAt = now.Add(w.backoff(evt.AttemptCount))
			metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
		}
	}
	if err := w.store.UpdateEvent(ctx, evt); err != nil {
		log.Printf("[notify] update event %s: %v", evt.ID, err)
	}
}

func (w *Worker) deliver(ctx context.Context, url string, evt *domain.WebhookEvent) error {
	body, err := json.Marshal(envelope{
		Event:     evt.EventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Marketplace-Event", string(evt.EventType))
	req.Header.Set("X-Marketplace-Event-ID", evt.ID)
	if w.cfg.Secret != "" {
		req.Header.Set("X-Marketplace-Signature", Sign(body, w.cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// backoff returns the delay before the given retry attempt: exponential in
// the attempt count with equal jitter, capped at MaxBackoff.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempt && d < w.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > w.cfg.MaxBackoff {
		d = w.cfg.MaxBackoff
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Sign computes the delivery signature header value: sha256=<hex hmac>.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against a payload.
// Exposed for consumers that want to validate deliveries in their tests.
func VerifySignature(body []byte, header, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}
