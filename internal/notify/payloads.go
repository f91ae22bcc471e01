package notify

import (
	"time"

	"github.com/shopspring/decimal"
)

// Webhook payload bodies, one per event type. Field names mirror what
// integrating agents already consume.

type TransactionCreatedPayload struct {
	TransactionID string          `json:"transaction_id"`
	ListingID     string          `json:"listing_id"`
	ListingTitle  string          `json:"listing_title"`
	BuyerID       string          `json:"buyer_id"`
	Quantity      int             `json:"quantity"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

type TransactionDeliveredPayload struct {
	TransactionID string `json:"transaction_id"`
	ListingID     string `json:"listing_id"`
	ListingTitle  string `json:"listing_title"`
	SellerID      string `json:"seller_id"`
}

type BidPlacedPayload struct {
	ListingID    string          `json:"listing_id"`
	ListingTitle string          `json:"listing_title"`
	BidderID     string          `json:"bidder_id"`
	BidAmount    decimal.Decimal `json:"bid_amount"`
}

type BidOutbidPayload struct {
	ListingID    string          `json:"listing_id"`
	ListingTitle string          `json:"listing_title"`
	NewHighBid   decimal.Decimal `json:"new_high_bid"`
}

type AuctionWonPayload struct {
	ListingID    string          `json:"listing_id"`
	ListingTitle string          `json:"listing_title"`
	WinningBid   decimal.Decimal `json:"winning_bid"`
}

type RatingReceivedPayload struct {
	TransactionID string `json:"transaction_id"`
	From          string `json:"from"`
	Score         int    `json:"score"`
	Review        string `json:"review,omitempty"`
}

type MessageReceivedPayload struct {
	SenderID  string `json:"sender_id"`
	Preview   string `json:"preview"`
	ListingID string `json:"listing_id,omitempty"`
}

type PriceDropPayload struct {
	ListingID    string          `json:"listing_id"`
	ListingTitle string          `json:"listing_title"`
	OldPrice     decimal.Decimal `json:"old_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
}

type EndingSoonPayload struct {
	ListingID    string     `json:"listing_id"`
	ListingTitle string     `json:"listing_title"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Winner       string     `json:"winner,omitempty"`
}
