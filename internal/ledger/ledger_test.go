package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/keylock"
	"github.com/botbid/botbid/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newLedger(t *testing.T, balances map[string]string) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateAccount(ctx, &domain.Account{
		ID: domain.PlatformAccountID, Name: "platform", Balance: decimal.Zero, CreatedAt: time.Now(),
	}))
	for id, bal := range balances {
		require.NoError(t, mem.CreateAccount(ctx, &domain.Account{
			ID: id, Name: id, Balance: dec(bal), CreatedAt: time.Now(),
		}))
	}
	return New(mem, keylock.New()), mem
}

func TestTransferSplitsAmountAndFee(t *testing.T) {
	svc, _ := newLedger(t, map[string]string{"buyer": "100", "seller": "0"})
	ctx := context.Background()

	_, err := svc.Transfer(ctx, "buyer", "seller", dec("50"), dec("1.25"), "tx-1")
	require.NoError(t, err)

	buyer, err := svc.Balance(ctx, "buyer")
	require.NoError(t, err)
	seller, err := svc.Balance(ctx, "seller")
	require.NoError(t, err)
	platform, err := svc.Balance(ctx, domain.PlatformAccountID)
	require.NoError(t, err)

	assert.True(t, buyer.Equal(dec("50")), "buyer balance %s", buyer)
	assert.True(t, seller.Equal(dec("48.75")), "seller balance %s", seller)
	assert.True(t, platform.Equal(dec("1.25")), "platform balance %s", platform)
}

func TestTransferValidation(t *testing.T) {
	svc, _ := newLedger(t, map[string]string{"a": "10", "b": "0"})
	ctx := context.Background()

	_, err := svc.Transfer(ctx, "a", "b", dec("0"), decimal.Zero, "")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Transfer(ctx, "a", "b", dec("-5"), decimal.Zero, "")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Transfer(ctx, "a", "b", dec("5"), dec("6"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Transfer(ctx, "a", "a", dec("5"), decimal.Zero, "")
	assert.ErrorIs(t, err, domain.ErrSelfDeal)

	_, err = svc.Transfer(ctx, "a", "b", dec("10.01"), decimal.Zero, "")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Nothing above should have moved funds.
	bal, err := svc.Balance(ctx, "a")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")))
}

func TestConcurrentTransfersConserveCredits(t *testing.T) {
	svc, mem := newLedger(t, map[string]string{"a": "1000", "b": "1000", "c": "1000"})
	ctx := context.Background()
	before := mem.TotalBalance()

	pairs := [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"b", "a"}, {"a", "c"}, {"c", "b"}}
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		pair := pairs[i%len(pairs)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(ctx, pair[0], pair[1], dec("7"), dec("0.5"), "")
		}()
	}
	wg.Wait()

	// Fees move to the platform account, so the grand total is unchanged.
	assert.True(t, before.Equal(mem.TotalBalance()), "total %s != %s", mem.TotalBalance(), before)
}

func TestNoDoubleSpend(t *testing.T) {
	svc, _ := newLedger(t, map[string]string{"buyer": "60", "s1": "0", "s2": "0"})
	ctx := context.Background()

	// Balance covers only one of the two concurrent 50-credit transfers.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, to := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(i int, to string) {
			defer wg.Done()
			_, errs[i] = svc.Transfer(ctx, "buyer", to, dec("50"), dec("1.25"), "")
		}(i, to)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
			failed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	bal, err := svc.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")))
}

func TestReverseRefundsBuyer(t *testing.T) {
	svc, _ := newLedger(t, map[string]string{"buyer": "100", "seller": "0"})
	ctx := context.Background()

	tr, err := svc.Transfer(ctx, "buyer", "seller", dec("50"), dec("1.25"), "tx-1")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, tr, true, "refund tx-1")
	require.NoError(t, err)

	buyer, _ := svc.Balance(ctx, "buyer")
	seller, _ := svc.Balance(ctx, "seller")
	platform, _ := svc.Balance(ctx, domain.PlatformAccountID)
	assert.True(t, buyer.Equal(dec("100")), "buyer %s", buyer)
	assert.True(t, seller.IsZero(), "seller %s", seller)
	assert.True(t, platform.IsZero(), "platform %s", platform)
}

func TestReverseAllOrNothingWhenProceedsSpent(t *testing.T) {
	svc, _ := newLedger(t, map[string]string{"buyer": "100", "seller": "0", "vendor": "0"})
	ctx := context.Background()

	tr, err := svc.Transfer(ctx, "buyer", "seller", dec("50"), dec("1.25"), "tx-1")
	require.NoError(t, err)

	// Seller drains the proceeds before the refund lands.
	_, err = svc.Transfer(ctx, "seller", "vendor", dec("48.75"), decimal.Zero, "tx-2")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, tr, true, "refund tx-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// No balance moved: the buyer did not recover the fee on its own and
	// the platform still holds it.
	buyer, _ := svc.Balance(ctx, "buyer")
	seller, _ := svc.Balance(ctx, "seller")
	platform, _ := svc.Balance(ctx, domain.PlatformAccountID)
	assert.True(t, buyer.Equal(dec("50")), "buyer %s", buyer)
	assert.True(t, seller.IsZero(), "seller %s", seller)
	assert.True(t, platform.Equal(dec("1.25")), "platform %s", platform)
}

func TestReverseKeepsFeeWhenPolicySaysSo(t *testing.T) {
	svc, _ := newLedger(t, map[string]string{"buyer": "100", "seller": "0"})
	ctx := context.Background()

	tr, err := svc.Transfer(ctx, "buyer", "seller", dec("50"), dec("1.25"), "tx-1")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, tr, false, "refund tx-1")
	require.NoError(t, err)

	buyer, _ := svc.Balance(ctx, "buyer")
	platform, _ := svc.Balance(ctx, domain.PlatformAccountID)
	assert.True(t, buyer.Equal(dec("98.75")), "buyer %s", buyer)
	assert.True(t, platform.Equal(dec("1.25")), "platform %s", platform)
}
