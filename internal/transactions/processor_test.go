package transactions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/keylock"
	"github.com/botbid/botbid/internal/ledger"
	"github.com/botbid/botbid/internal/notify"
	"github.com/botbid/botbid/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	store     *store.Memory
	processor *Processor
}

func newFixture(t *testing.T, refundFee bool) *fixture {
	t.Helper()
	st := store.NewMemory()
	proc := NewProcessor(st, ledger.New(st, keylock.New()), notify.NewDispatcher(st), keylock.New(), Config{
		FeeRate:   dec("0.025"),
		RefundFee: refundFee,
	})

	ctx := context.Background()
	require.NoError(t, st.CreateAccount(ctx, &domain.Account{ID: domain.PlatformAccountID, Name: "platform"}))
	require.NoError(t, st.CreateAccount(ctx, &domain.Account{ID: "seller", Name: "seller", WebhookURL: "https://seller.example/hook"}))
	require.NoError(t, st.CreateAccount(ctx, &domain.Account{ID: "buyer", Name: "buyer", Balance: dec("500")}))
	require.NoError(t, st.CreateListing(ctx, &domain.Listing{
		ID:       "l1",
		SellerID: "seller",
		Title:    "dataset dump",
		Type:     domain.ListingFixedPrice,
		Price:    dec("100"),
		Quantity: 3,
		Status:   domain.ListingActive,
	}))
	return &fixture{store: st, processor: proc}
}

func TestPurchaseFeeSplit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	tx, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCreated, tx.Status)
	assert.True(t, tx.Amount.Equal(dec("100")))
	assert.True(t, tx.Fee.Equal(dec("2.50")))

	// Buyer debited 100; seller nets 97.50; platform keeps 2.50.
	buyer, _ := f.store.Account(ctx, "buyer")
	seller, _ := f.store.Account(ctx, "seller")
	platform, _ := f.store.Account(ctx, domain.PlatformAccountID)
	assert.True(t, buyer.Balance.Equal(dec("400")), "buyer %s", buyer.Balance)
	assert.True(t, seller.Balance.Equal(dec("97.50")), "seller %s", seller.Balance)
	assert.True(t, platform.Balance.Equal(dec("2.50")), "platform %s", platform.Balance)

	listing, _ := f.store.Listing(ctx, "l1")
	assert.Equal(t, 2, listing.Quantity)
	assert.Equal(t, domain.ListingActive, listing.Status)

	// Exactly one transaction.created event queued for the seller.
	events, err := f.store.EventsForAgent(ctx, "seller", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTransactionCreated, events[0].EventType)
}

func TestPurchaseIdempotentRetry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
	require.NoError(t, err)

	// Same key: same record back, no second charge, no inventory change.
	again, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	buyer, _ := f.store.Account(ctx, "buyer")
	assert.True(t, buyer.Balance.Equal(dec("400")))
	listing, _ := f.store.Listing(ctx, "l1")
	assert.Equal(t, 2, listing.Quantity)

	// A different key is a new purchase.
	second, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	buyer, _ = f.store.Account(ctx, "buyer")
	assert.True(t, buyer.Balance.Equal(dec("300")))
}

func TestConcurrentPurchasesSameKeyChargeOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	const attempts = 16
	txIDs := make([]string, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tx, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-race")
			if err == nil {
				txIDs[n] = tx.ID
			}
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for _, id := range txIDs {
		require.NotEmpty(t, id)
		ids[id] = true
	}
	assert.Len(t, ids, 1, "every retry returned the same transaction")

	buyer, _ := f.store.Account(ctx, "buyer")
	assert.True(t, buyer.Balance.Equal(dec("400")), "charged exactly once, got %s", buyer.Balance)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, &domain.Account{ID: "poor", Name: "poor", Balance: dec("10")}))

	tx, err := f.processor.Purchase(ctx, "l1", "poor", 1, "idem-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, tx)
	assert.Equal(t, domain.TxFailed, tx.Status)
	assert.Equal(t, "insufficient funds", tx.FailureReason)

	// Listing untouched, no funds moved.
	listing, _ := f.store.Listing(ctx, "l1")
	assert.Equal(t, 3, listing.Quantity)
	poor, _ := f.store.Account(ctx, "poor")
	assert.True(t, poor.Balance.Equal(dec("10")))
}

// Retrying a purchase after a failed capture must replay the charge, not
// hand the goods over off the recorded failure.
func TestPurchaseRetryAfterFailedCapture(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, &domain.Account{ID: "poor", Name: "poor", Balance: dec("10")}))

	_, err := f.processor.Purchase(ctx, "l1", "poor", 1, "idem-1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	tx, err := f.processor.Purchase(ctx, "l1", "poor", 1, "idem-1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, tx)
	assert.Equal(t, domain.TxFailed, tx.Status)

	listing, _ := f.store.Listing(ctx, "l1")
	assert.Equal(t, 3, listing.Quantity)

	// Funded now: the same key settles and charges exactly once, on the
	// same record.
	require.NoError(t, f.store.ApplyTransfer(ctx, &domain.Transfer{
		ID: "top-up", FromID: "buyer", ToID: "poor", Amount: dec("200"), Fee: decimal.Zero,
	}))
	settled, err := f.processor.Purchase(ctx, "l1", "poor", 1, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCreated, settled.Status)
	assert.Equal(t, tx.ID, settled.ID)

	txs, err := f.store.TransactionsForAgent(ctx, "poor", "buyer")
	require.NoError(t, err)
	require.Len(t, txs, 1)

	listing, _ = f.store.Listing(ctx, "l1")
	assert.Equal(t, 2, listing.Quantity)
	poor, _ := f.store.Account(ctx, "poor")
	assert.True(t, poor.Balance.Equal(dec("110")), "buyer %s", poor.Balance)
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.processor.Purchase(ctx, "l1", "seller", 1, "k")
	assert.ErrorIs(t, err, domain.ErrSelfDeal)

	_, err = f.processor.Purchase(ctx, "l1", "buyer", 0, "k")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.processor.Purchase(ctx, "l1", "buyer", 4, "k")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.processor.Purchase(ctx, "missing", "buyer", 1, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.store.CreateListing(ctx, &domain.Listing{
		ID:       "auction1",
		SellerID: "seller",
		Type:     domain.ListingAuction,
		Price:    dec("10"),
		Quantity: 1,
		Status:   domain.ListingActive,
	}))
	_, err = f.processor.Purchase(ctx, "auction1", "buyer", 1, "k")
	assert.ErrorIs(t, err, domain.ErrNotPurchasable)
}

func TestSellOutMarksListingSold(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.processor.Purchase(ctx, "l1", "buyer", 3, "idem-all")
	require.NoError(t, err)

	listing, _ := f.store.Listing(ctx, "l1")
	assert.Equal(t, 0, listing.Quantity)
	assert.Equal(t, domain.ListingSold, listing.Status)

	// Sold out: the next buyer is rejected.
	require.NoError(t, f.store.CreateAccount(ctx, &domain.Account{ID: "late", Name: "late", Balance: dec("500")}))
	_, err = f.processor.Purchase(ctx, "l1", "late", 1, "idem-late")
	assert.ErrorIs(t, err, domain.ErrNotPurchasable)
}

func TestDeliverCompleteLifecycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	tx, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
	require.NoError(t, err)

	// Only the seller may deliver.
	_, err = f.processor.Deliver(ctx, tx.ID, "buyer", "sftp://drop/1")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	delivered, err := f.processor.Deliver(ctx, tx.ID, "seller", "sftp://drop/1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxDelivered, delivered.Status)
	assert.Equal(t, "sftp://drop/1", delivered.DeliveryData)

	// Delivering twice is a state error.
	_, err = f.processor.Deliver(ctx, tx.ID, "seller", "again")
	assert.ErrorIs(t, err, domain.ErrBadState)

	// Only the buyer acknowledges.
	_, err = f.processor.Complete(ctx, tx.ID, "seller")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	completed, err := f.processor.Complete(ctx, tx.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
}

func TestAutoCompleteAfterTimeout(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	tx, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
	require.NoError(t, err)
	_, err = f.processor.Deliver(ctx, tx.ID, "seller", "")
	require.NoError(t, err)

	// Cutoff behind the delivery leaves it alone.
	assert.Equal(t, 0, f.processor.AutoCompleteDue(ctx, time.Now().Add(-time.Hour)))

	// Cutoff ahead of the delivery completes it without the buyer.
	assert.Equal(t, 1, f.processor.AutoCompleteDue(ctx, time.Now().Add(time.Second)))
	got, err := f.store.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, got.Status)
}

func TestRefundPolicies(t *testing.T) {
	cases := []struct {
		name      string
		refundFee bool
		buyerEnd  string
		platEnd   string
	}{
		{"fee refunded", true, "500", "0"},
		{"fee retained", false, "497.50", "2.50"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.refundFee)
			ctx := context.Background()

			tx, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
			require.NoError(t, err)

			_, err = f.processor.Refund(ctx, tx.ID, "buyer")
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)

			refunded, err := f.processor.Refund(ctx, tx.ID, "seller")
			require.NoError(t, err)
			assert.Equal(t, domain.TxRefunded, refunded.Status)

			buyer, _ := f.store.Account(ctx, "buyer")
			seller, _ := f.store.Account(ctx, "seller")
			platform, _ := f.store.Account(ctx, domain.PlatformAccountID)
			assert.True(t, buyer.Balance.Equal(dec(tc.buyerEnd)), "buyer %s", buyer.Balance)
			assert.True(t, seller.Balance.Equal(dec("0")), "seller %s", seller.Balance)
			assert.True(t, platform.Balance.Equal(dec(tc.platEnd)), "platform %s", platform.Balance)

			// Terminal: cannot refund twice or deliver afterwards.
			_, err = f.processor.Refund(ctx, tx.ID, "seller")
			assert.ErrorIs(t, err, domain.ErrBadState)
		})
	}
}

// Racing refunds must serialize on the listing lock: exactly one reversal
// lands, the rest observe the terminal status.
func TestConcurrentRefundsReverseOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	tx, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
	require.NoError(t, err)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.processor.Refund(ctx, tx.ID, "seller")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrBadState)
	}
	assert.Equal(t, 1, ok, "exactly one refund may land")

	// The buyer recovered the capture once, not eight times.
	buyer, _ := f.store.Account(ctx, "buyer")
	platform, _ := f.store.Account(ctx, domain.PlatformAccountID)
	assert.True(t, buyer.Balance.Equal(dec("500")), "buyer %s", buyer.Balance)
	assert.True(t, platform.Balance.IsZero(), "platform %s", platform.Balance)

	got, err := f.store.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxRefunded, got.Status)
}

func TestRate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	tx, err := f.processor.Purchase(ctx, "l1", "buyer", 1, "idem-1")
	require.NoError(t, err)

	// Ratings only land on completed transactions.
	_, err = f.processor.Rate(ctx, tx.ID, "buyer", 5, "fast")
	assert.ErrorIs(t, err, domain.ErrBadState)

	_, err = f.processor.Deliver(ctx, tx.ID, "seller", "")
	require.NoError(t, err)
	_, err = f.processor.Complete(ctx, tx.ID, "buyer")
	require.NoError(t, err)

	_, err = f.processor.Rate(ctx, tx.ID, "buyer", 6, "")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.processor.Rate(ctx, tx.ID, "stranger", 5, "")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	rating, err := f.processor.Rate(ctx, tx.ID, "buyer", 5, "fast delivery")
	require.NoError(t, err)
	assert.Equal(t, "seller", rating.RateeID)

	// One rating per rater per transaction.
	_, err = f.processor.Rate(ctx, tx.ID, "buyer", 4, "")
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	// The counterparty may still rate back.
	back, err := f.processor.Rate(ctx, tx.ID, "seller", 4, "")
	require.NoError(t, err)
	assert.Equal(t, "buyer", back.RateeID)
}

func TestFeeRounding(t *testing.T) {
	f := newFixture(t, true)
	for _, tc := range []struct{ amount, fee string }{
		{"100", "2.50"},
		{"50", "1.25"},
		{"1", "0.03"},
		{"0.10", "0"},
		{"33.33", "0.83"},
	} {
		got := f.processor.Fee(dec(tc.amount))
		assert.True(t, got.Equal(dec(tc.fee)), "fee(%s) = %s, want %s", tc.amount, got, tc.fee)
	}
}

func TestConcurrentDistinctBuyersInventory(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// 3 units, 6 buyers: exactly 3 succeed.
	var wg sync.WaitGroup
	results := make([]error, 6)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("shopper-%d", i)
		require.NoError(t, f.store.CreateAccount(ctx, &domain.Account{ID: id, Name: id, Balance: dec("200")}))
		wg.Add(1)
		go func(n int, buyer string) {
			defer wg.Done()
			_, results[n] = f.processor.Purchase(ctx, "l1", buyer, 1, "k-"+buyer)
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, domain.ErrNotPurchasable)
		}
	}
	assert.Equal(t, 3, ok)

	listing, _ := f.store.Listing(ctx, "l1")
	assert.Equal(t, 0, listing.Quantity)
	assert.Equal(t, domain.ListingSold, listing.Status)
}
