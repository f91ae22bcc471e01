package auction

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
	"github.com/botbid/botbid/internal/transactions"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	store   *store.Memory
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	accountLocks := keylock.New()
	listingLocks := keylock.New()
	lg := ledger.New(st, accountLocks)
	disp := notify.NewDispatcher(st)
	proc := transactions.NewProcessor(st, lg, disp, listingLocks, transactions.Config{
		FeeRate:   dec("0.025"),
		RefundFee: true,
	})
	mgr := NewManager(st, proc, disp, listingLocks, Config{
		MinIncrementPct:  dec("0.05"),
		MinIncrementFlat: dec("1"),
	})

	ctx := context.Background()
	require.NoError(t, st.CreateAccount(ctx, &domain.Account{ID: domain.PlatformAccountID, Name: "platform"}))
	return &fixture{store: st, manager: mgr}
}

func (f *fixture) addAgent(t *testing.T, id, balance string) {
	t.Helper()
	require.NoError(t, f.store.CreateAccount(context.Background(), &domain.Account{
		ID:      id,
		Name:    id,
		Balance: dec(balance),
	}))
}

func (f *fixture) addAuction(t *testing.T, id, sellerID, start string, endsAt time.Time, reserve *decimal.Decimal) {
	t.Helper()
	require.NoError(t, f.store.CreateListing(context.Background(), &domain.Listing{
		ID:           id,
		SellerID:     sellerID,
		Title:        "auction " + id,
		Type:         domain.ListingAuction,
		Price:        dec(start),
		ReservePrice: reserve,
		Quantity:     1,
		Status:       domain.ListingActive,
		Phase:        domain.PhaseOpen,
		EndsAt:       &endsAt,
	}))
}

func TestPlaceBidIncrementPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAgent(t, "alice", "500")
	f.addAgent(t, "bob", "500")
	f.addAuction(t, "l1", "seller", "10", time.Now().Add(time.Hour), nil)

	// First bid must meet the starting price.
	_, err := f.manager.PlaceBid(ctx, "l1", "alice", dec("9"))
	assert.ErrorIs(t, err, domain.ErrBidTooLow)

	first, err := f.manager.PlaceBid(ctx, "l1", "alice", dec("10"))
	require.NoError(t, err)
	assert.Equal(t, domain.BidLeading, first.Status)

	// Increment is max(flat 1, 5% of 10) = 1, so 11 is not strictly above
	// the floor and 11.01 is.
	_, err = f.manager.PlaceBid(ctx, "l1", "bob", dec("11"))
	assert.ErrorIs(t, err, domain.ErrBidTooLow)

	second, err := f.manager.PlaceBid(ctx, "l1", "bob", dec("11.01"))
	require.NoError(t, err)

	leader, err := f.store.LeadingBid(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, leader.ID)

	bids, err := f.store.BidsForListing(ctx, "l1")
	require.NoError(t, err)
	for _, b := range bids {
		if b.ID == first.ID {
			assert.Equal(t, domain.BidOutbid, b.Status)
		}
	}

	// The outbid bidder gets a webhook event only if they registered a URL;
	// here nobody has one, so no events queue up.
	events, err := f.store.EventsForAgent(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPlaceBidRejectsSellerAndClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAgent(t, "alice", "500")
	f.addAuction(t, "open", "seller", "10", time.Now().Add(time.Hour), nil)
	f.addAuction(t, "ended", "seller", "10", time.Now().Add(-time.Minute), nil)

	_, err := f.manager.PlaceBid(ctx, "open", "seller", dec("10"))
	assert.ErrorIs(t, err, domain.ErrSelfDeal)

	_, err = f.manager.PlaceBid(ctx, "ended", "alice", dec("10"))
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)

	_, err = f.manager.PlaceBid(ctx, "missing", "alice", dec("10"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Concurrent bidders racing the same auction must end with exactly one
// leading bid, regardless of interleaving.
func TestConcurrentBidsSingleLeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAuction(t, "l1", "seller", "1", time.Now().Add(time.Hour), nil)

	const bidders = 20
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		id := fmt.Sprintf("bot-%02d", i)
		f.addAgent(t, id, "10000")
		wg.Add(1)
		go func(n int, bidder string) {
			defer wg.Done()
			amount := decimal.NewFromInt(int64(10 + n*10))
			f.manager.PlaceBid(ctx, "l1", bidder, amount)
		}(i, id)
	}
	wg.Wait()

	bids, err := f.store.BidsForListing(ctx, "l1")
	require.NoError(t, err)
	require.NotEmpty(t, bids)

	leading := 0
	var leader *domain.Bid
	for _, b := range bids {
		if b.Status == domain.BidLeading {
			leading++
			leader = b
		}
	}
	assert.Equal(t, 1, leading, "exactly one leading bid")

	// The leader must be the highest accepted bid.
	for _, b := range bids {
		assert.False(t, b.Amount.GreaterThan(leader.Amount), "bid %s above leader", b.ID)
	}
}

func TestCloseDueSettlesWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAgent(t, "winner", "200")
	f.addAuction(t, "l1", "seller", "10", time.Now().Add(50*time.Millisecond), nil)

	_, err := f.manager.PlaceBid(ctx, "l1", "winner", dec("100"))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.manager.CloseDue(ctx, time.Now()))

	listing, err := f.store.Listing(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, listing.Status)
	assert.Equal(t, domain.PhaseSettled, listing.Phase)

	leader, err := f.store.LeadingBid(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.BidWon, leader.Status)

	// 100 at 2.5% fee: seller nets 97.50, platform takes 2.50.
	seller, err := f.store.Account(ctx, "seller")
	require.NoError(t, err)
	assert.True(t, seller.Balance.Equal(dec("97.50")), "seller balance %s", seller.Balance)

	buyer, err := f.store.Account(ctx, "winner")
	require.NoError(t, err)
	assert.True(t, buyer.Balance.Equal(dec("100")), "buyer balance %s", buyer.Balance)

	platform, err := f.store.Account(ctx, domain.PlatformAccountID)
	require.NoError(t, err)
	assert.True(t, platform.Balance.Equal(dec("2.50")), "platform balance %s", platform.Balance)

	// Re-running the sweep is a no-op.
	assert.Equal(t, 0, f.manager.CloseDue(ctx, time.Now()))
}

func TestCloseDueNoBidsExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAuction(t, "l1", "seller", "10", time.Now().Add(-time.Minute), nil)

	assert.Equal(t, 1, f.manager.CloseDue(ctx, time.Now()))

	listing, err := f.store.Listing(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingExpired, listing.Status)
	assert.Equal(t, domain.PhaseClosed, listing.Phase)
}

func TestCloseDueReserveNotMet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAgent(t, "alice", "500")
	reserve := dec("50")
	f.addAuction(t, "l1", "seller", "10", time.Now().Add(50*time.Millisecond), &reserve)

	_, err := f.manager.PlaceBid(ctx, "l1", "alice", dec("20"))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.manager.CloseDue(ctx, time.Now()))

	listing, err := f.store.Listing(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingExpired, listing.Status)

	// Nobody paid.
	alice, err := f.store.Account(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.Balance.Equal(dec("500")))
}

func TestCloseDueWinnerDefaulted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAgent(t, "broke", "5")
	f.addAuction(t, "l1", "seller", "10", time.Now().Add(50*time.Millisecond), nil)

	_, err := f.manager.PlaceBid(ctx, "l1", "broke", dec("100"))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.manager.CloseDue(ctx, time.Now()))

	listing, err := f.store.Listing(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingExpired, listing.Status)

	// The default is recorded as a failed transaction.
	txs, err := f.store.TransactionsForAgent(ctx, "broke", "buyer")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxFailed, txs[0].Status)

	// The defaulted bid is terminal; the expired listing carries no
	// leading bid.
	bids, err := f.store.BidsForListing(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, domain.BidForfeited, bids[0].Status)
	_, err = f.store.LeadingBid(ctx, "l1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// A bid racing the closing sweep must land on exactly one side: either it
// is admitted before the close and can win, or it observes AuctionClosed.
func TestBidRacesClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "seller", "0")
	f.addAgent(t, "early", "1000")
	f.addAgent(t, "late", "1000")
	f.addAuction(t, "l1", "seller", "10", time.Now().Add(20*time.Millisecond), nil)

	_, err := f.manager.PlaceBid(ctx, "l1", "early", dec("50"))
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	var wg sync.WaitGroup
	var bidErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.manager.CloseDue(ctx, time.Now())
	}()
	go func() {
		defer wg.Done()
		_, bidErr = f.manager.PlaceBid(ctx, "l1", "late", dec("200"))
	}()
	wg.Wait()

	// EndsAt already passed, so the late bid is rejected no matter which
	// goroutine took the listing lock first.
	assert.ErrorIs(t, bidErr, domain.ErrAuctionClosed)

	listing, err := f.store.Listing(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, listing.Status)

	bids, err := f.store.BidsForListing(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "early", bids[0].BidderID)
	assert.Equal(t, domain.BidWon, bids[0].Status)
}
