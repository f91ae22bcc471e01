// Package transactions settles purchases into ledger transfers and owns the
// transaction lifecycle: created -> delivered -> completed, with refunded
// and failed as the off-ramps. Auction and negotiation outcomes arrive here
// as normalized settlement requests.
package transactions

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
	"github.com/botbid/botbid/internal/ledger"
	"github.com/botbid/botbid/internal/metrics"
	"github.com/botbid/botbid/internal/notify"
	"github.com/botbid/botbid/internal/store"
)

type Config struct {
	FeeRate   decimal.Decimal
	RefundFee bool
}

type Processor struct {
	store      store.Store
	ledger     *ledger.Service
	dispatcher *notify.Dispatcher
	listings   *keylock.KeyLock
	cfg        Config
}

func NewProcessor(st store.Store, lg *ledger.Service, disp *notify.Dispatcher, listingLocks *keylock.KeyLock, cfg Config) *Processor {
	return &Processor{store: st, ledger: lg, dispatcher: disp, listings: listingLocks, cfg: cfg}
}

// SettlementRequest is the normalized capture order handed to Settle,
// regardless of whether it came from a fixed-price purchase, a won auction
// or an accepted offer.
type SettlementRequest struct {
	Listing        *domain.Listing
	BuyerID        string
	Amount         decimal.Decimal
	Quantity       int
	IdempotencyKey string
}

// Fee computes the platform cut for an amount, rounded to 2 places.
func (p *Processor) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.cfg.FeeRate).Round(2)
}

// Purchase settles a fixed-price listing. Retries with the same
// (buyer, listing, idempotency key) return the original transaction
// without re-charging.
func (p *Processor) Purchase(ctx context.Context, listingID, buyerID string, quantity int, idemKey string) (*domain.Transaction, error) {
	unlock := p.listings.Lock(listingID)
	defer unlock()

	if existing, err := p.store.TransactionByIdemKey(ctx, buyerID, listingID, idemKey); err == nil && existing.Status != domain.TxFailed {
		return existing, nil
	}

	listing, err := p.store.Listing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Type != domain.ListingFixedPrice || listing.Status != domain.ListingActive {
		return nil, domain.ErrNotPurchasable
	}
	if listing.SellerID == buyerID {
		return nil, domain.ErrSelfDeal
	}
	if quantity < 1 || quantity > listing.Quantity {
		return nil, domain.ErrInvalidAmount
	}

	tx, err := p.Settle(ctx, SettlementRequest{
		Listing:        listing,
		BuyerID:        buyerID,
		Amount:         listing.Price.Mul(decimal.NewFromInt(int64(quantity))),
		Quantity:       quantity,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		// A failed transaction record may exist; the listing is untouched.
		return tx, err
	}

	listing.Quantity -= quantity
	if listing.Quantity == 0 {
		listing.Status = domain.ListingSold
	}
	listing.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateListing(ctx, listing); err != nil {
		return tx, fmt.Errorf("update listing after sale: %w", err)
	}
	return tx, nil
}

// Settle captures payment for a settlement request and records the
// transaction. The caller must already hold the listing lock. Listing
// state transitions stay with the caller.
func (p *Processor) Settle(ctx context.Context, req SettlementRequest) (*domain.Transaction, error) {
	var tx *domain.Transaction
	if existing, err := p.store.TransactionByIdemKey(ctx, req.BuyerID, req.Listing.ID, req.IdempotencyKey); err == nil {
		if existing.Status != domain.TxFailed {
			return existing, nil
		}
		// A failed capture is not a settled outcome. Retry the charge on
		// the same record so the caller never treats the failure as a sale.
		tx = existing
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if req.Quantity < 1 {
		req.Quantity = 1
	}

	fee := p.Fee(req.Amount)
	now := time.Now().UTC()
	fresh := tx == nil
	if fresh {
		tx = &domain.Transaction{
			ID:             uuid.New().String(),
			ListingID:      req.Listing.ID,
			BuyerID:        req.BuyerID,
			SellerID:       req.Listing.SellerID,
			Quantity:       req.Quantity,
			Amount:         req.Amount,
			Fee:            fee,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
	}
	tx.UpdatedAt = now

	_, err := p.ledger.Transfer(ctx, req.BuyerID, req.Listing.SellerID, req.Amount, fee, tx.ID)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			tx.Status = domain.TxFailed
			tx.FailureReason = "insufficient funds"
			if storeErr := p.recordSettlement(ctx, tx, fresh); storeErr != nil {
				log.Printf("[tx] record failed transaction %s: %v", tx.ID, storeErr)
			}
			metrics.TransactionsTotal.WithLabelValues(string(domain.TxFailed)).Inc()
			return tx, domain.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("capture payment: %w", err)
	}

	tx.Status = domain.TxCreated
	tx.FailureReason = ""
	if err := p.recordSettlement(ctx, tx, fresh); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(domain.TxCreated)).Inc()

	p.dispatcher.Emit(ctx, req.Listing.SellerID, domain.EventTransactionCreated, notify.TransactionCreatedPayload{
		TransactionID: tx.ID,
		ListingID:     req.Listing.ID,
		ListingTitle:  req.Listing.Title,
		BuyerID:       req.BuyerID,
		Quantity:      req.Quantity,
		TotalAmount:   req.Amount,
	})
	return tx, nil
}

// recordSettlement persists a capture outcome, inserting on first attempt
// and updating in place when a failed record is being retried.
func (p *Processor) recordSettlement(ctx context.Context, tx *domain.Transaction, fresh bool) error {
	if fresh {
		return p.store.CreateTransaction(ctx, tx)
	}
	return p.store.UpdateTransaction(ctx, tx)
}

// Deliver marks a created transaction as delivered by its seller and
// notifies the buyer.
func (p *Processor) Deliver(ctx context.Context, txID, sellerID, deliveryData string) (*domain.Transaction, error) {
	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != sellerID {
		return nil, domain.ErrNotAuthorized
	}

	unlock := p.listings.Lock(tx.ListingID)
	defer unlock()

	// Re-read under the lock; a concurrent lifecycle call may have moved
	// the transaction on.
	tx, err = p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxCreated {
		return nil, domain.ErrBadState
	}

	tx.Status = domain.TxDelivered
	tx.DeliveryData = deliveryData
	tx.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(domain.TxDelivered)).Inc()

	listing, _ := p.store.Listing(ctx, tx.ListingID)
	title := ""
	if listing != nil {
		title = listing.Title
	}
	p.dispatcher.Emit(ctx, tx.BuyerID, domain.EventTransactionDelivered, notify.TransactionDeliveredPayload{
		TransactionID: tx.ID,
		ListingID:     tx.ListingID,
		ListingTitle:  title,
		SellerID:      tx.SellerID,
	})
	return tx, nil
}

// Complete moves a delivered transaction to its terminal completed state.
// Only the buyer (or the auto-complete scheduler, via CompleteSystem) may
// acknowledge.
func (p *Processor) Complete(ctx context.Context, txID, buyerID string) (*domain.Transaction, error) {
	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID != buyerID {
		return nil, domain.ErrNotAuthorized
	}
	return p.complete(ctx, tx.ID, tx.ListingID)
}

// CompleteSystem is the timeout path: no actor check.
func (p *Processor) CompleteSystem(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	return p.complete(ctx, tx.ID, tx.ListingID)
}

func (p *Processor) complete(ctx context.Context, txID, listingID string) (*domain.Transaction, error) {
	unlock := p.listings.Lock(listingID)
	defer unlock()

	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxDelivered {
		return nil, domain.ErrBadState
	}
	now := time.Now().UTC()
	tx.Status = domain.TxCompleted
	tx.UpdatedAt = now
	tx.CompletedAt = &now
	if err := p.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(domain.TxCompleted)).Inc()
	return tx, nil
}

// AutoCompleteDue completes delivered transactions the buyer never
// acknowledged within the grace window. Called from the scheduler.
func (p *Processor) AutoCompleteDue(ctx context.Context, cutoff time.Time) int {
	due, err := p.store.DeliveredBefore(ctx, cutoff, 100)
	if err != nil {
		log.Printf("[tx] auto-complete scan: %v", err)
		return 0
	}
	n := 0
	for _, tx := range due {
		if _, err := p.CompleteSystem(ctx, tx.ID); err != nil {
			log.Printf("[tx] auto-complete %s: %v", tx.ID, err)
			continue
		}
		n++
	}
	return n
}

// Refund reverses the ledger capture (seller pays the net amount back, fee
// per policy) and terminates the transaction. Seller-initiated.
func (p *Processor) Refund(ctx context.Context, txID, sellerID string) (*domain.Transaction, error) {
	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != sellerID {
		return nil, domain.ErrNotAuthorized
	}

	unlock := p.listings.Lock(tx.ListingID)
	defer unlock()

	// Re-read under the lock so two racing refunds cannot both observe a
	// refundable status and reverse the capture twice.
	tx, err = p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case domain.TxCreated, domain.TxDelivered, domain.TxCompleted:
	default:
		return nil, domain.ErrBadState
	}

	original := &domain.Transfer{FromID: tx.BuyerID, ToID: tx.SellerID, Amount: tx.Amount, Fee: tx.Fee}
	if _, err := p.ledger.Reverse(ctx, original, p.cfg.RefundFee, "refund "+tx.ID); err != nil {
		return nil, fmt.Errorf("reverse capture: %w", err)
	}

	tx.Status = domain.TxRefunded
	tx.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(domain.TxRefunded)).Inc()
	return tx, nil
}

// Rate records a rating on a completed transaction and notifies the rated
// party. One rating per rater per transaction.
func (p *Processor) Rate(ctx context.Context, txID, raterID string, score int, review string) (*domain.Rating, error) {
	if score < 1 || score > 5 {
		return nil, domain.ErrInvalidAmount
	}
	tx, err := p.store.Transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxCompleted {
		return nil, domain.ErrBadState
	}
	var rateeID string
	switch raterID {
	case tx.BuyerID:
		rateeID = tx.SellerID
	case tx.SellerID:
		rateeID = tx.BuyerID
	default:
		return nil, domain.ErrNotAuthorized
	}

	rating := &domain.Rating{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		RaterID:       raterID,
		RateeID:       rateeID,
		Score:         score,
		Review:        review,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.store.CreateRating(ctx, rating); err != nil {
		return nil, err
	}
	p.dispatcher.Emit(ctx, rateeID, domain.EventRatingReceived, notify.RatingReceivedPayload{
		TransactionID: tx.ID,
		From:          raterID,
		Score:         score,
		Review:        review,
	})
	return rating, nil
}
