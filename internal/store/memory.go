package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/botbid/botbid/internal/domain"
)

// Memory is a map-backed Store. It is the default when no DATABASE_URL is
// configured and the substrate for the engine's concurrency tests.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[string]*domain.Account
	listings     map[string]*domain.Listing
	bids         map[string]*domain.Bid
	offers       map[string]*domain.Offer
	transactions map[string]*domain.Transaction
	transfers    []*domain.Transfer
	events       map[string]*domain.WebhookEvent
	watches      map[string]*domain.Watch // keyed agentID+"/"+listingID
	ratings      map[string]*domain.Rating
	messages     map[string]*domain.Message
	fees         decimal.Decimal
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[string]*domain.Account),
		listings:     make(map[string]*domain.Listing),
		bids:         make(map[string]*domain.Bid),
		offers:       make(map[string]*domain.Offer),
		transactions: make(map[string]*domain.Transaction),
		events:       make(map[string]*domain.WebhookEvent),
		watches:      make(map[string]*domain.Watch),
		ratings:      make(map[string]*domain.Rating),
		messages:     make(map[string]*domain.Message),
	}
}

// ---- accounts ----

func (s *Memory) CreateAccount(_ context.Context, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return domain.ErrDuplicate
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Memory) Account(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Memory) AccountByAPIKeyHash(_ context.Context, hash string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.APIKeyHash == hash && hash != "" {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Memory) ApplyTransfer(_ context.Context, t *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.accounts[t.FromID]
	if !ok {
		return domain.ErrNotFound
	}
	to, ok := s.accounts[t.ToID]
	if !ok {
		return domain.ErrNotFound
	}
	platform, ok := s.accounts[domain.PlatformAccountID]
	if !ok {
		return domain.ErrNotFound
	}
	from.Balance = from.Balance.Sub(t.Amount)
	to.Balance = to.Balance.Add(t.Amount.Sub(t.Fee))
	platform.Balance = platform.Balance.Add(t.Fee)
	s.fees = s.fees.Add(t.Fee)
	cp := *t
	s.transfers = append(s.transfers, &cp)
	return nil
}

// ---- listings ----

func (s *Memory) CreateListing(_ context.Context, l *domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; ok {
		return domain.ErrDuplicate
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *Memory) Listing(_ context.Context, id string) (*domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Memory) UpdateListing(_ context.Context, l *domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *Memory) AuctionsDue(_ context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*domain.Listing
	for _, l := range s.listings {
		if l.Type != domain.ListingAuction || l.Status != domain.ListingActive || l.Phase != domain.PhaseOpen {
			continue
		}
		if l.EndsAt != nil && !l.EndsAt.After(now) {
			cp := *l
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EndsAt.Before(*due[j].EndsAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ---- bids ----

func (s *Memory) CreateBid(_ context.Context, b *domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bids[b.ID] = &cp
	return nil
}

func (s *Memory) UpdateBid(_ context.Context, b *domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bids[b.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *b
	s.bids[b.ID] = &cp
	return nil
}

func (s *Memory) LeadingBid(_ context.Context, listingID string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bids {
		if b.ListingID == listingID && b.Status == domain.BidLeading {
			cp := *b
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Memory) BidsForListing(_ context.Context, listingID string) ([]*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Bid
	for _, b := range s.bids {
		if b.ListingID == listingID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

// ---- offers ----

func (s *Memory) CreateOffer(_ context.Context, o *domain.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *Memory) Offer(_ context.Context, id string) (*domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Memory) UpdateOffer(_ context.Context, o *domain.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[o.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *Memory) OffersDue(_ context.Context, now time.Time, limit int) ([]*domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*domain.Offer
	for _, o := range s.offers {
		if o.State == domain.OfferProposed && !o.ExpiresAt.After(now) {
			cp := *o
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ---- transactions ----

func (s *Memory) CreateTransaction(_ context.Context, t *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; ok {
		return domain.ErrDuplicate
	}
	cp := *t
	s.transactions[t.ID] = &cp
	return nil
}

func (s *Memory) Transaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Memory) TransactionByIdemKey(_ context.Context, buyerID, listingID, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key == "" {
		return nil, domain.ErrNotFound
	}
	for _, t := range s.transactions {
		if t.BuyerID == buyerID && t.ListingID == listingID && t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Memory) UpdateTransaction(_ context.Context, t *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *t
	s.transactions[t.ID] = &cp
	return nil
}

func (s *Memory) TransactionsForAgent(_ context.Context, agentID, role string) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Transaction
	for _, t := range s.transactions {
		buyer := t.BuyerID == agentID
		seller := t.SellerID == agentID
		switch role {
		case "buyer":
			if !buyer {
				continue
			}
		case "seller":
			if !seller {
				continue
			}
		default:
			if !buyer && !seller {
				continue
			}
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) DeliveredBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Transaction
	for _, t := range s.transactions {
		if t.Status == domain.TxDelivered && t.UpdatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- webhook queue ----

func (s *Memory) EnqueueEvent(_ context.Context, e *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *Memory) ClaimDueEvents(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.WebhookEvent
	for _, e := range s.events {
		if e.State != domain.DeliveryPending && e.State != domain.DeliveryRetrying {
			continue
		}
		if e.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*domain.WebhookEvent, 0, len(due))
	for _, e := range due {
		e.NextAttemptAt = now.Add(lease)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Memory) UpdateEvent(_ context.Context, e *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *Memory) EventsForAgent(_ context.Context, agentID string, states []domain.DeliveryState) ([]*domain.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.WebhookEvent
	for _, e := range s.events {
		if e.AgentID != agentID {
			continue
		}
		if len(states) > 0 {
			match := false
			for _, st := range states {
				if e.State == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- watchlist ----

func (s *Memory) AddWatch(_ context.Context, w *domain.Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := w.AgentID + "/" + w.ListingID
	if _, ok := s.watches[key]; ok {
		return domain.ErrDuplicate
	}
	cp := *w
	s.watches[key] = &cp
	return nil
}

func (s *Memory) RemoveWatch(_ context.Context, agentID, listingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentID + "/" + listingID
	if _, ok := s.watches[key]; !ok {
		return domain.ErrNotFound
	}
	delete(s.watches, key)
	return nil
}

func (s *Memory) Watchers(_ context.Context, listingID string) ([]*domain.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Watch
	for _, w := range s.watches {
		if w.ListingID == listingID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- ratings / messages ----

func (s *Memory) CreateRating(_ context.Context, r *domain.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ratings {
		if existing.TransactionID == r.TransactionID && existing.RaterID == r.RaterID {
			return domain.ErrDuplicate
		}
	}
	cp := *r
	s.ratings[r.ID] = &cp
	return nil
}

func (s *Memory) CreateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Memory) Stats(_ context.Context) (*domain.MarketplaceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &domain.MarketplaceStats{
		TotalVolume:   decimal.Zero,
		FeesCollected: s.fees,
	}
	for range s.accounts {
		stats.TotalAgents++
	}
	if _, ok := s.accounts[domain.PlatformAccountID]; ok {
		stats.TotalAgents--
	}
	for _, l := range s.listings {
		if l.Status == domain.ListingActive {
			stats.ActiveListings++
		}
	}
	for _, t := range s.transactions {
		switch t.Status {
		case domain.TxCreated, domain.TxDelivered, domain.TxCompleted:
			stats.TotalTransactions++
			stats.TotalVolume = stats.TotalVolume.Add(t.Amount)
		}
	}
	return stats, nil
}

// TotalBalance sums every account balance. Used by conservation tests.
func (s *Memory) TotalBalance() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, a := range s.accounts {
		total = total.Add(a.Balance)
	}
	return total
}
