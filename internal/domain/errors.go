package domain

import "errors"

// Sentinel errors surfaced by the settlement engine. The HTTP layer maps
// these to status codes; everything else is treated as an internal error.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrBidTooLow         = errors.New("bid too low")
	ErrAuctionClosed     = errors.New("auction closed")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNotPurchasable    = errors.New("listing not purchasable")
	ErrOfferClosed       = errors.New("offer no longer open")
	ErrSelfDeal          = errors.New("cannot trade with yourself")
	ErrDuplicate         = errors.New("already exists")
	ErrBadState          = errors.New("invalid state transition")
)
