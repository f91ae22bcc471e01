// Package auction owns the bid admission and expiry lifecycle of auction
// listings: open -> closing -> closed -> settled. All work on one listing
// happens under that listing's lock, shared with the expiry scheduler, so
// a bid racing the closing timer resolves deterministically.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/keylock"
	"github.com/botbid/botbid/internal/metrics"
	"github.com/botbid/botbid/internal/notify"
	"github.com/botbid/botbid/internal/store"
	"github.com/botbid/botbid/internal/transactions"
)

type Config struct {
	// MinIncrementPct is the fraction of the current leading bid a new bid
	// must clear it by; MinIncrementFlat is the floor on that increment.
	MinIncrementPct  decimal.Decimal
	MinIncrementFlat decimal.Decimal
}

type Manager struct {
	store      store.Store
	processor  *transactions.Processor
	dispatcher *notify.Dispatcher
	listings   *keylock.KeyLock
	cfg        Config
}

func NewManager(st store.Store, proc *transactions.Processor, disp *notify.Dispatcher, listingLocks *keylock.KeyLock, cfg Config) *Manager {
	return &Manager{store: st, processor: proc, dispatcher: disp, listings: listingLocks, cfg: cfg}
}

// minIncrement is the amount a new bid must beat the leader by.
func (m *Manager) minIncrement(leader decimal.Decimal) decimal.Decimal {
	pct := leader.Mul(m.cfg.MinIncrementPct)
	if pct.LessThan(m.cfg.MinIncrementFlat) {
		return m.cfg.MinIncrementFlat
	}
	return pct
}

// PlaceBid admits a bid on an open auction. No funds move at bid time;
// only the eventual winner pays, at settlement.
func (m *Manager) PlaceBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (*domain.Bid, error) {
	unlock := m.listings.Lock(listingID)
	defer unlock()

	listing, err := m.store.Listing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Type != domain.ListingAuction {
		return nil, domain.ErrNotPurchasable
	}
	if listing.Status != domain.ListingActive || listing.Phase != domain.PhaseOpen {
		metrics.BidsTotal.WithLabelValues("closed").Inc()
		return nil, domain.ErrAuctionClosed
	}
	if listing.EndsAt != nil && !time.Now().Before(*listing.EndsAt) {
		metrics.BidsTotal.WithLabelValues("closed").Inc()
		return nil, domain.ErrAuctionClosed
	}
	if listing.SellerID == bidderID {
		return nil, domain.ErrSelfDeal
	}
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	prior, err := m.store.LeadingBid(ctx, listingID)
	switch {
	case err == nil:
		floor := prior.Amount.Add(m.minIncrement(prior.Amount))
		if amount.LessThanOrEqual(floor) {
			metrics.BidsTotal.WithLabelValues("too_low").Inc()
			return nil, domain.ErrBidTooLow
		}
	case errors.Is(err, domain.ErrNotFound):
		if amount.LessThan(listing.Price) {
			metrics.BidsTotal.WithLabelValues("too_low").Inc()
			return nil, domain.ErrBidTooLow
		}
		prior = nil
	default:
		return nil, fmt.Errorf("load leading bid: %w", err)
	}

	bid := &domain.Bid{
		ID:        uuid.New().String(),
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    domain.BidLeading,
		PlacedAt:  time.Now().UTC(),
	}

	if prior != nil {
		prior.Status = domain.BidOutbid
		if err := m.store.UpdateBid(ctx, prior); err != nil {
			return nil, fmt.Errorf("outbid prior leader: %w", err)
		}
	}
	if err := m.store.CreateBid(ctx, bid); err != nil {
		return nil, fmt.Errorf("record bid: %w", err)
	}
	metrics.BidsTotal.WithLabelValues("accepted").Inc()

	if prior != nil {
		m.dispatcher.Emit(ctx, prior.BidderID, domain.EventBidOutbid, notify.BidOutbidPayload{
			ListingID:    listingID,
			ListingTitle: listing.Title,
			NewHighBid:   amount,
		})
	}
	m.dispatcher.Emit(ctx, listing.SellerID, domain.EventBidPlaced, notify.BidPlacedPayload{
		ListingID:    listingID,
		ListingTitle: listing.Title,
		BidderID:     bidderID,
		BidAmount:    amount,
	})
	m.notifyWatchers(ctx, listing, bidderID, amount)

	return bid, nil
}

func (m *Manager) notifyWatchers(ctx context.Context, listing *domain.Listing, bidderID string, amount decimal.Decimal) {
	watchers, err := m.store.Watchers(ctx, listing.ID)
	if err != nil {
		return
	}
	for _, w := range watchers {
		if w.AgentID == bidderID || w.AgentID == listing.SellerID {
			continue
		}
		m.dispatcher.Emit(ctx, w.AgentID, domain.EventBidPlaced, notify.BidPlacedPayload{
			ListingID:    listing.ID,
			ListingTitle: listing.Title,
			BidderID:     bidderID,
			BidAmount:    amount,
		})
	}
}

// CloseDue transitions every auction past its end time. Called from the
// expiry scheduler; each listing is closed under the same lock bids take,
// so late bids lose the race cleanly and see AuctionClosed.
func (m *Manager) CloseDue(ctx context.Context, now time.Time) int {
	due, err := m.store.AuctionsDue(ctx, now, 50)
	if err != nil {
		log.Printf("[auction] scan due auctions: %v", err)
		return 0
	}
	closed := 0
	for _, l := range due {
		if err := m.closeOne(ctx, l.ID); err != nil {
			log.Printf("[auction] close %s: %v", l.ID, err)
			continue
		}
		closed++
	}
	return closed
}

func (m *Manager) closeOne(ctx context.Context, listingID string) error {
	unlock := m.listings.Lock(listingID)
	defer unlock()

	listing, err := m.store.Listing(ctx, listingID)
	if err != nil {
		return err
	}
	// A concurrent close may have won the lock first.
	if listing.Status != domain.ListingActive || listing.Phase != domain.PhaseOpen {
		return nil
	}

	leader, err := m.store.LeadingBid(ctx, listingID)
	if errors.Is(err, domain.ErrNotFound) {
		return m.expire(ctx, listing, "no bids")
	}
	if err != nil {
		return fmt.Errorf("load leading bid: %w", err)
	}
	if listing.ReservePrice != nil && leader.Amount.LessThan(*listing.ReservePrice) {
		return m.expire(ctx, listing, "reserve not met")
	}

	// Block new bids while the winning bid settles.
	listing.Phase = domain.PhaseClosing
	listing.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateListing(ctx, listing); err != nil {
		return fmt.Errorf("mark closing: %w", err)
	}

	tx, err := m.processor.Settle(ctx, transactions.SettlementRequest{
		Listing:        listing,
		BuyerID:        leader.BidderID,
		Amount:         leader.Amount,
		Quantity:       1,
		IdempotencyKey: "auction:" + listingID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			// Winner default: recorded as a failed transaction, auction
			// ends with no sale.
			log.Printf("[auction] winner %s defaulted on %s", leader.BidderID, listingID)
			leader.Status = domain.BidForfeited
			if err := m.store.UpdateBid(ctx, leader); err != nil {
				return fmt.Errorf("mark bid forfeited: %w", err)
			}
			return m.expire(ctx, listing, "winner defaulted")
		}
		return fmt.Errorf("settle winning bid: %w", err)
	}

	leader.Status = domain.BidWon
	if err := m.store.UpdateBid(ctx, leader); err != nil {
		return fmt.Errorf("mark bid won: %w", err)
	}

	listing.Status = domain.ListingSold
	listing.Phase = domain.PhaseSettled
	listing.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateListing(ctx, listing); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}

	m.dispatcher.Emit(ctx, leader.BidderID, domain.EventAuctionWon, notify.AuctionWonPayload{
		ListingID:    listingID,
		ListingTitle: listing.Title,
		WinningBid:   leader.Amount,
	})
	log.Printf("[auction] %s settled: winner=%s amount=%s tx=%s", listingID, leader.BidderID, leader.Amount, tx.ID)
	return nil
}

func (m *Manager) expire(ctx context.Context, listing *domain.Listing, reason string) error {
	listing.Status = domain.ListingExpired
	listing.Phase = domain.PhaseClosed
	listing.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateListing(ctx, listing); err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	log.Printf("[auction] %s expired: %s", listing.ID, reason)

	watchers, err := m.store.Watchers(ctx, listing.ID)
	if err != nil {
		return nil
	}
	for _, w := range watchers {
		if !w.NotifyEndingSoon {
			continue
		}
		m.dispatcher.Emit(ctx, w.AgentID, domain.EventListingEndingSoon, notify.EndingSoonPayload{
			ListingID:    listing.ID,
			ListingTitle: listing.Title,
			ExpiresAt:    listing.EndsAt,
		})
	}
	return nil
}
