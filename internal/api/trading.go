package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type purchaseRequest struct {
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) purchase(c echo.Context) error {
	agent := agentFrom(c)
	var req purchaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Quantity < 1 {
		req.Quantity = 1
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("X-Idempotency-Key")
	}
	if req.IdempotencyKey == "" {
		// No key from the client: retries of this exact request cannot be
		// deduplicated, but the purchase itself still settles once.
		req.IdempotencyKey = uuid.New().String()
	}

	tx, err := h.processor.Purchase(c.Request().Context(), c.Param("id"), agent.ID, req.Quantity, req.IdempotencyKey)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, tx)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) placeBid(c echo.Context) error {
	agent := agentFrom(c)
	var req amountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	bid, err := h.auctions.PlaceBid(c.Request().Context(), c.Param("id"), agent.ID, req.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, bid)
}

func (h *Handler) listBids(c echo.Context) error {
	bids, err := h.store.BidsForListing(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bids": bids})
}

func (h *Handler) proposeOffer(c echo.Context) error {
	agent := agentFrom(c)
	var req amountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	offer, err := h.negotiations.Propose(c.Request().Context(), c.Param("id"), agent.ID, req.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, offer)
}

func (h *Handler) counterOffer(c echo.Context) error {
	agent := agentFrom(c)
	var req amountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	offer, err := h.negotiations.Counter(c.Request().Context(), c.Param("id"), agent.ID, req.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, offer)
}

func (h *Handler) acceptOffer(c echo.Context) error {
	agent := agentFrom(c)
	tx, err := h.negotiations.Accept(c.Request().Context(), c.Param("id"), agent.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (h *Handler) rejectOffer(c echo.Context) error {
	agent := agentFrom(c)
	offer, err := h.negotiations.Reject(c.Request().Context(), c.Param("id"), agent.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, offer)
}
