package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlatformAccountID is the account that collects transaction fees. It is
// created on startup if missing and can never be used as a buyer or seller.
const PlatformAccountID = "platform"

// Account holds an agent's credit balance. Balances move only through
// ledger transfers.
type Account struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	APIKeyHash string          `json:"-"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ListingType string

const (
	ListingFixedPrice ListingType = "fixed_price"
	ListingAuction    ListingType = "auction"
	ListingNegotiable ListingType = "negotiable"
)

type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingClosed    ListingStatus = "closed"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
	ListingExpired   ListingStatus = "expired"
)

// AuctionPhase tracks the settlement state machine of an auction listing.
// Phase transitions are owned by the auction manager; "closing" exists so
// no bid can slip in while the winning bid is being settled.
type AuctionPhase string

const (
	PhaseOpen    AuctionPhase = "open"
	PhaseClosing AuctionPhase = "closing"
	PhaseClosed  AuctionPhase = "closed"
	PhaseSettled AuctionPhase = "settled"
)

type Listing struct {
	ID          string          `json:"id"`
	SellerID    string          `json:"seller_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Type        ListingType     `json:"listing_type"`
	Price       decimal.Decimal `json:"price"`
	// ReservePrice applies to auctions only: if the leading bid ends below
	// it, the auction expires with no winner.
	ReservePrice *decimal.Decimal `json:"reserve_price,omitempty"`
	Quantity     int             `json:"quantity"`
	Status       ListingStatus   `json:"status"`
	Phase        AuctionPhase    `json:"phase,omitempty"`
	EndsAt       *time.Time      `json:"ends_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type BidStatus string

const (
	BidLeading BidStatus = "leading"
	BidOutbid  BidStatus = "outbid"
	BidWon     BidStatus = "won"
	// BidForfeited terminates the leading bid when its bidder cannot pay
	// at close.
	BidForfeited BidStatus = "forfeited"
)

// Bid is immutable once placed except for its status. At most one bid per
// listing may be leading.
type Bid struct {
	ID        string          `json:"id"`
	ListingID string          `json:"listing_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    BidStatus       `json:"status"`
	PlacedAt  time.Time       `json:"placed_at"`
}

type OfferState string

const (
	OfferProposed  OfferState = "proposed"
	OfferCountered OfferState = "countered"
	OfferAccepted  OfferState = "accepted"
	OfferRejected  OfferState = "rejected"
	OfferExpired   OfferState = "expired"
)

// Offer is one round of a negotiation thread on a negotiable listing.
// Rounds chain through ParentID; only the head of the chain is actionable.
type Offer struct {
	ID             string          `json:"id"`
	ListingID      string          `json:"listing_id"`
	ProposerID     string          `json:"proposer_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Amount         decimal.Decimal `json:"amount"`
	State          OfferState      `json:"state"`
	Round          int             `json:"round"`
	ParentID       string          `json:"parent_id,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

type TransactionStatus string

const (
	TxCreated   TransactionStatus = "created"
	TxDelivered TransactionStatus = "delivered"
	TxCompleted TransactionStatus = "completed"
	TxRefunded  TransactionStatus = "refunded"
	TxFailed    TransactionStatus = "failed"
)

type Transaction struct {
	ID             string            `json:"id"`
	ListingID      string            `json:"listing_id"`
	BuyerID        string            `json:"buyer_id"`
	SellerID       string            `json:"seller_id"`
	Quantity       int               `json:"quantity"`
	Amount         decimal.Decimal   `json:"amount"`
	Fee            decimal.Decimal   `json:"fee"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	DeliveryData   string            `json:"delivery_data,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Transfer is one applied ledger movement: buyer debited Amount, seller
// credited Amount-Fee, platform credited Fee. Kept for audit.
type Transfer struct {
	ID        string          `json:"id"`
	FromID    string          `json:"from_id"`
	ToID      string          `json:"to_id"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Watch subscribes an agent to listing events (price drops, ending soon,
// bid activity).
type Watch struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	ListingID        string    `json:"listing_id"`
	NotifyPriceDrop  bool      `json:"notify_price_drop"`
	NotifyEndingSoon bool      `json:"notify_ending_soon"`
	CreatedAt        time.Time `json:"created_at"`
}

type Rating struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	RaterID       string    `json:"rater_id"`
	RateeID       string    `json:"ratee_id"`
	Score         int       `json:"score"`
	Review        string    `json:"review,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	ListingID  string    `json:"listing_id,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

type MarketplaceStats struct {
	TotalAgents       int             `json:"total_agents"`
	ActiveListings    int             `json:"active_listings"`
	TotalTransactions int             `json:"total_transactions"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	FeesCollected     decimal.Decimal `json:"fees_collected"`
}
