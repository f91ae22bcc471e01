// Package negotiation runs the offer / counter-offer state machine for
// negotiable listings: proposed -> countered* -> accepted | rejected |
// expired. Acceptance hands the agreed amount to the transaction
// processor for settlement.
package negotiation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/keylock"
	"github.com/botbid/botbid/internal/store"
	"github.com/botbid/botbid/internal/transactions"
)

type Manager struct {
	store     store.Store
	processor *transactions.Processor
	listings  *keylock.KeyLock
	offerTTL  time.Duration
}

func NewManager(st store.Store, proc *transactions.Processor, listingLocks *keylock.KeyLock, offerTTL time.Duration) *Manager {
	return &Manager{store: st, processor: proc, listings: listingLocks, offerTTL: offerTTL}
}

// Propose opens a negotiation thread on a negotiable listing. The proposer
// is always the buyer side; the seller answers with Counter, Accept or
// Reject.
func (m *Manager) Propose(ctx context.Context, listingID, proposerID string, amount decimal.Decimal) (*domain.Offer, error) {
	unlock := m.listings.Lock(listingID)
	defer unlock()

	listing, err := m.store.Listing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Type != domain.ListingNegotiable || listing.Status != domain.ListingActive {
		return nil, domain.ErrNotPurchasable
	}
	if listing.SellerID == proposerID {
		return nil, domain.ErrSelfDeal
	}
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	now := time.Now().UTC()
	offer := &domain.Offer{
		ID:             uuid.New().String(),
		ListingID:      listingID,
		ProposerID:     proposerID,
		CounterpartyID: listing.SellerID,
		Amount:         amount,
		State:          domain.OfferProposed,
		Round:          1,
		ExpiresAt:      now.Add(m.offerTTL),
		CreatedAt:      now,
	}
	if err := m.store.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("record offer: %w", err)
	}
	return offer, nil
}

// head loads the offer and verifies it is still actionable by actorID.
// Only the counterparty of the open round may answer it.
func (m *Manager) head(ctx context.Context, offerID, actorID string) (*domain.Offer, error) {
	offer, err := m.store.Offer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if actorID != offer.ProposerID && actorID != offer.CounterpartyID {
		return nil, domain.ErrNotAuthorized
	}
	if offer.State != domain.OfferProposed {
		return nil, domain.ErrOfferClosed
	}
	if actorID != offer.CounterpartyID {
		return nil, domain.ErrNotAuthorized
	}
	if !time.Now().Before(offer.ExpiresAt) {
		offer.State = domain.OfferExpired
		if err := m.store.UpdateOffer(ctx, offer); err != nil {
			log.Printf("[negotiation] expire %s: %v", offer.ID, err)
		}
		return nil, domain.ErrOfferClosed
	}
	return offer, nil
}

// Counter answers an open offer with a new amount, flipping proposer and
// counterparty for the next round.
func (m *Manager) Counter(ctx context.Context, offerID, actorID string, amount decimal.Decimal) (*domain.Offer, error) {
	prior, err := m.store.Offer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	unlock := m.listings.Lock(prior.ListingID)
	defer unlock()

	prior, err = m.head(ctx, offerID, actorID)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	prior.State = domain.OfferCountered
	if err := m.store.UpdateOffer(ctx, prior); err != nil {
		return nil, fmt.Errorf("close prior round: %w", err)
	}

	now := time.Now().UTC()
	next := &domain.Offer{
		ID:             uuid.New().String(),
		ListingID:      prior.ListingID,
		ProposerID:     actorID,
		CounterpartyID: prior.ProposerID,
		Amount:         amount,
		State:          domain.OfferProposed,
		Round:          prior.Round + 1,
		ParentID:       prior.ID,
		ExpiresAt:      now.Add(m.offerTTL),
		CreatedAt:      now,
	}
	if err := m.store.CreateOffer(ctx, next); err != nil {
		return nil, fmt.Errorf("record counter: %w", err)
	}
	return next, nil
}

// Accept closes the thread at the open round's amount and settles it. The
// buyer side of the thread pays regardless of who proposed the final round.
func (m *Manager) Accept(ctx context.Context, offerID, actorID string) (*domain.Transaction, error) {
	offer, err := m.store.Offer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	unlock := m.listings.Lock(offer.ListingID)
	defer unlock()

	offer, err = m.head(ctx, offerID, actorID)
	if err != nil {
		return nil, err
	}

	listing, err := m.store.Listing(ctx, offer.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.ListingActive {
		return nil, domain.ErrNotPurchasable
	}

	buyerID := offer.ProposerID
	if buyerID == listing.SellerID {
		buyerID = offer.CounterpartyID
	}

	tx, err := m.processor.Settle(ctx, transactions.SettlementRequest{
		Listing:        listing,
		BuyerID:        buyerID,
		Amount:         offer.Amount,
		Quantity:       1,
		IdempotencyKey: "offer:" + offer.ID,
	})
	if err != nil {
		return nil, err
	}

	offer.State = domain.OfferAccepted
	if err := m.store.UpdateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("mark accepted: %w", err)
	}

	listing.Status = domain.ListingSold
	listing.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("mark sold: %w", err)
	}
	return tx, nil
}

// Reject closes the thread with no obligation on either side.
func (m *Manager) Reject(ctx context.Context, offerID, actorID string) (*domain.Offer, error) {
	offer, err := m.store.Offer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	unlock := m.listings.Lock(offer.ListingID)
	defer unlock()

	offer, err = m.head(ctx, offerID, actorID)
	if err != nil {
		return nil, err
	}
	offer.State = domain.OfferRejected
	if err := m.store.UpdateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("mark rejected: %w", err)
	}
	return offer, nil
}

// ExpireDue transitions open offers past their deadline to expired.
// Called from the scheduler.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) int {
	due, err := m.store.OffersDue(ctx, now, 100)
	if err != nil {
		log.Printf("[negotiation] scan due offers: %v", err)
		return 0
	}
	expired := 0
	for _, o := range due {
		unlock := m.listings.Lock(o.ListingID)
		fresh, err := m.store.Offer(ctx, o.ID)
		if err != nil || fresh.State != domain.OfferProposed {
			unlock()
			continue
		}
		fresh.State = domain.OfferExpired
		if err := m.store.UpdateOffer(ctx, fresh); err != nil {
			log.Printf("[negotiation] expire %s: %v", o.ID, err)
			unlock()
			continue
		}
		unlock()
		expired++
	}
	if expired > 0 {
		log.Printf("[negotiation] expired %d stale offers", expired)
	}
	return expired
}
