// Package ledger moves credits between agent accounts. Every mutation of a
// balance in the system goes through Transfer or Reverse; both are
// all-or-nothing and serialized per account.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/keylock"
	"github.com/botbid/botbid/internal/metrics"
	"github.com/botbid/botbid/internal/store"
)

type Service struct {
	store store.Store
	locks *keylock.KeyLock
}

func New(st store.Store, locks *keylock.KeyLock) *Service {
	return &Service{store: st, locks: locks}
}

// Transfer debits from by amount, credits to by amount-fee and credits the
// platform account the fee. Both account locks are taken in id order so
// overlapping concurrent transfers cannot deadlock or interleave.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount, fee decimal.Decimal, reference string) (*domain.Transfer, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if fee.IsNegative() || fee.GreaterThan(amount) {
		return nil, domain.ErrInvalidAmount
	}
	if fromID == toID {
		return nil, domain.ErrSelfDeal
	}

	unlock := s.locks.LockPair(fromID, toID)
	defer unlock()

	from, err := s.store.Account(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("load debit account: %w", err)
	}
	if _, err := s.store.Account(ctx, toID); err != nil {
		return nil, fmt.Errorf("load credit account: %w", err)
	}
	if from.Balance.LessThan(amount) {
		return nil, domain.ErrInsufficientFunds
	}

	t := &domain.Transfer{
		ID:        uuid.New().String(),
		FromID:    fromID,
		ToID:      toID,
		Amount:    amount,
		Fee:       fee,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.ApplyTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("apply transfer: %w", err)
	}
	metrics.TransfersTotal.Inc()
	return t, nil
}

// Reverse refunds an applied transfer: the original recipient pays the net
// amount back, and the platform returns the fee when refundFee is set.
// With refundFee the payer is made whole; otherwise the fee stays collected
// and the payer recovers amount-fee. The whole reversal is one ledger
// mutation, so a recipient who already spent the proceeds leaves every
// balance untouched.
func (s *Service) Reverse(ctx context.Context, original *domain.Transfer, refundFee bool, reference string) (*domain.Transfer, error) {
	back := original.Amount.Sub(original.Fee)
	if !back.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	feeBack := decimal.Zero
	if refundFee && original.Fee.IsPositive() {
		feeBack = original.Fee
	}

	unlock := s.locks.LockPair(original.FromID, original.ToID)
	defer unlock()

	payer, err := s.store.Account(ctx, original.ToID)
	if err != nil {
		return nil, fmt.Errorf("load refunding account: %w", err)
	}
	if _, err := s.store.Account(ctx, original.FromID); err != nil {
		return nil, fmt.Errorf("load refunded account: %w", err)
	}
	if payer.Balance.LessThan(back) {
		return nil, domain.ErrInsufficientFunds
	}

	// A negative fee debits the platform: the recipient returns back, the
	// payer collects back+feeBack, all in the same atomic write.
	t := &domain.Transfer{
		ID:        uuid.New().String(),
		FromID:    original.ToID,
		ToID:      original.FromID,
		Amount:    back,
		Fee:       feeBack.Neg(),
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.ApplyTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("apply reversal: %w", err)
	}
	metrics.TransfersTotal.Inc()
	return t, nil
}

// Balance reads the most recently committed balance.
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := s.store.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}
