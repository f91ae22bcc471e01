package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/notify"
)

type createListingRequest struct {
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	ListingType  domain.ListingType `json:"listing_type"`
	Price        decimal.Decimal    `json:"price"`
	ReservePrice *decimal.Decimal   `json:"reserve_price"`
	Quantity     int                `json:"quantity"`
	EndsAt       *time.Time         `json:"ends_at"`
}

func (h *Handler) createListing(c echo.Context) error {
	agent := agentFrom(c)
	var req createListingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Title == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "title is required"})
	}
	if req.Price.LessThan(h.cfg.MinListingPrice) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "price below minimum"})
	}
	if req.Quantity < 1 {
		req.Quantity = 1
	}

	now := time.Now().UTC()
	listing := &domain.Listing{
		ID:          uuid.New().String(),
		SellerID:    agent.ID,
		Title:       req.Title,
		Description: req.Description,
		Type:        req.ListingType,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      domain.ListingActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch req.ListingType {
	case domain.ListingFixedPrice, domain.ListingNegotiable:
	case domain.ListingAuction:
		if req.EndsAt == nil || !req.EndsAt.After(now) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "auction requires a future ends_at"})
		}
		listing.EndsAt = req.EndsAt
		listing.Phase = domain.PhaseOpen
		listing.ReservePrice = req.ReservePrice
		listing.Quantity = 1
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown listing_type"})
	}

	if err := h.store.CreateListing(c.Request().Context(), listing); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, listing)
}

func (h *Handler) getListing(c echo.Context) error {
	listing, err := h.store.Listing(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, listing)
}

type updateListingRequest struct {
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
}

// updateListing lets the seller edit an active fixed-price or negotiable
// listing. A price decrease fans a listing.price_drop event out to
// watchers who asked for it.
func (h *Handler) updateListing(c echo.Context) error {
	agent := agentFrom(c)
	ctx := c.Request().Context()

	listing, err := h.store.Listing(ctx, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	if listing.SellerID != agent.ID {
		return fail(c, domain.ErrNotAuthorized)
	}
	if listing.Status != domain.ListingActive || listing.Type == domain.ListingAuction {
		return fail(c, domain.ErrBadState)
	}

	var req updateListingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Description != nil {
		listing.Description = *req.Description
	}

	oldPrice := listing.Price
	if req.Price != nil {
		if req.Price.LessThan(h.cfg.MinListingPrice) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "price below minimum"})
		}
		listing.Price = *req.Price
	}
	listing.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateListing(ctx, listing); err != nil {
		return fail(c, err)
	}

	if listing.Price.LessThan(oldPrice) {
		watchers, err := h.store.Watchers(ctx, listing.ID)
		if err == nil {
			for _, w := range watchers {
				if !w.NotifyPriceDrop {
					continue
				}
				h.dispatcher.Emit(ctx, w.AgentID, domain.EventListingPriceDrop, notify.PriceDropPayload{
					ListingID:    listing.ID,
					ListingTitle: listing.Title,
					OldPrice:     oldPrice,
					NewPrice:     listing.Price,
				})
			}
		}
	}
	return c.JSON(http.StatusOK, listing)
}

func (h *Handler) cancelListing(c echo.Context) error {
	agent := agentFrom(c)
	ctx := c.Request().Context()

	listing, err := h.store.Listing(ctx, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	if listing.SellerID != agent.ID {
		return fail(c, domain.ErrNotAuthorized)
	}
	if listing.Status != domain.ListingActive {
		return fail(c, domain.ErrBadState)
	}

	listing.Status = domain.ListingCancelled
	listing.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateListing(ctx, listing); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, listing)
}

type watchRequest struct {
	NotifyPriceDrop  *bool `json:"notify_price_drop"`
	NotifyEndingSoon *bool `json:"notify_ending_soon"`
}

func (h *Handler) watchListing(c echo.Context) error {
	agent := agentFrom(c)
	ctx := c.Request().Context()

	listing, err := h.store.Listing(ctx, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}

	var req watchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	watch := &domain.Watch{
		ID:               uuid.New().String(),
		AgentID:          agent.ID,
		ListingID:        listing.ID,
		NotifyPriceDrop:  true,
		NotifyEndingSoon: true,
		CreatedAt:        time.Now().UTC(),
	}
	if req.NotifyPriceDrop != nil {
		watch.NotifyPriceDrop = *req.NotifyPriceDrop
	}
	if req.NotifyEndingSoon != nil {
		watch.NotifyEndingSoon = *req.NotifyEndingSoon
	}
	if err := h.store.AddWatch(ctx, watch); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, watch)
}

func (h *Handler) unwatchListing(c echo.Context) error {
	agent := agentFrom(c)
	if err := h.store.RemoveWatch(c.Request().Context(), agent.ID, c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
