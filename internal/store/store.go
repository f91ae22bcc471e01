// Package store defines the persistence boundary of the settlement engine
// and ships the in-memory implementation used for local development and
// tests. The postgres subpackage holds the production implementation.
package store

import (
	"context"
	"time"

	"github.com/botbid/botbid/internal/domain"
)

// Store is the persistence interface the settlement engine runs on. It does
// no serialization of its own: callers hold the per-account / per-listing
// locks, so each method only needs to be internally consistent.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *domain.Account) error
	Account(ctx context.Context, id string) (*domain.Account, error)
	AccountByAPIKeyHash(ctx context.Context, hash string) (*domain.Account, error)

	// ApplyTransfer atomically applies the three balance deltas of a
	// transfer (debit from, credit to, credit platform fee) and records it.
	ApplyTransfer(ctx context.Context, t *domain.Transfer) error

	// Listings
	CreateListing(ctx context.Context, l *domain.Listing) error
	Listing(ctx context.Context, id string) (*domain.Listing, error)
	UpdateListing(ctx context.Context, l *domain.Listing) error
	// AuctionsDue returns open auction listings whose ends_at has passed.
	AuctionsDue(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error)

	// Bids
	CreateBid(ctx context.Context, b *domain.Bid) error
	UpdateBid(ctx context.Context, b *domain.Bid) error
	LeadingBid(ctx context.Context, listingID string) (*domain.Bid, error)
	BidsForListing(ctx context.Context, listingID string) ([]*domain.Bid, error)

	// Offers
	CreateOffer(ctx context.Context, o *domain.Offer) error
	Offer(ctx context.Context, id string) (*domain.Offer, error)
	UpdateOffer(ctx context.Context, o *domain.Offer) error
	OffersDue(ctx context.Context, now time.Time, limit int) ([]*domain.Offer, error)

	// Transactions
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	Transaction(ctx context.Context, id string) (*domain.Transaction, error)
	TransactionByIdemKey(ctx context.Context, buyerID, listingID, key string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
	TransactionsForAgent(ctx context.Context, agentID, role string) ([]*domain.Transaction, error)
	// DeliveredBefore returns delivered transactions whose delivery happened
	// before the cutoff, for timeout-driven auto-completion.
	DeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error)

	// Webhook queue
	EnqueueEvent(ctx context.Context, e *domain.WebhookEvent) error
	// ClaimDueEvents returns pending/retrying events whose next_attempt_at
	// has passed and leases them until now+lease so no other worker batch
	// picks them up. Crash before update means redelivery after the lease.
	ClaimDueEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookEvent, error)
	UpdateEvent(ctx context.Context, e *domain.WebhookEvent) error
	EventsForAgent(ctx context.Context, agentID string, states []domain.DeliveryState) ([]*domain.WebhookEvent, error)

	// Watchlist
	AddWatch(ctx context.Context, w *domain.Watch) error
	RemoveWatch(ctx context.Context, agentID, listingID string) error
	Watchers(ctx context.Context, listingID string) ([]*domain.Watch, error)

	// Ratings and messages
	CreateRating(ctx context.Context, r *domain.Rating) error
	CreateMessage(ctx context.Context, m *domain.Message) error

	Stats(ctx context.Context) (*domain.MarketplaceStats, error)
}
