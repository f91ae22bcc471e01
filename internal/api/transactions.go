package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/notify"
)

func (h *Handler) listTransactions(c echo.Context) error {
	agent := agentFrom(c)
	txs, err := h.store.TransactionsForAgent(c.Request().Context(), agent.ID, c.QueryParam("role"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": txs})
}

func (h *Handler) getTransaction(c echo.Context) error {
	agent := agentFrom(c)
	tx, err := h.store.Transaction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	if tx.BuyerID != agent.ID && tx.SellerID != agent.ID {
		return fail(c, domain.ErrNotAuthorized)
	}
	return c.JSON(http.StatusOK, tx)
}

type deliverRequest struct {
	DeliveryData string `json:"delivery_data"`
}

func (h *Handler) deliverTransaction(c echo.Context) error {
	agent := agentFrom(c)
	var req deliverRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	tx, err := h.processor.Deliver(c.Request().Context(), c.Param("id"), agent.ID, req.DeliveryData)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (h *Handler) completeTransaction(c echo.Context) error {
	agent := agentFrom(c)
	tx, err := h.processor.Complete(c.Request().Context(), c.Param("id"), agent.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (h *Handler) refundTransaction(c echo.Context) error {
	agent := agentFrom(c)
	tx, err := h.processor.Refund(c.Request().Context(), c.Param("id"), agent.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

type rateRequest struct {
	Score  int    `json:"score"`
	Review string `json:"review"`
}

func (h *Handler) rateTransaction(c echo.Context) error {
	agent := agentFrom(c)
	var req rateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	rating, err := h.processor.Rate(c.Request().Context(), c.Param("id"), agent.ID, req.Score, req.Review)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, rating)
}

type messageRequest struct {
	ReceiverID string `json:"receiver_id"`
	ListingID  string `json:"listing_id"`
	Content    string `json:"content"`
}

func (h *Handler) sendMessage(c echo.Context) error {
	agent := agentFrom(c)
	ctx := c.Request().Context()

	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ReceiverID == "" || req.Content == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "receiver_id and content are required"})
	}
	if _, err := h.store.Account(ctx, req.ReceiverID); err != nil {
		return fail(c, err)
	}

	msg := &domain.Message{
		ID:         uuid.New().String(),
		SenderID:   agent.ID,
		ReceiverID: req.ReceiverID,
		ListingID:  req.ListingID,
		Content:    req.Content,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		return fail(c, err)
	}

	preview := msg.Content
	if len(preview) > 120 {
		preview = preview[:120]
	}
	h.dispatcher.Emit(ctx, msg.ReceiverID, domain.EventMessageReceived, notify.MessageReceivedPayload{
		SenderID:  agent.ID,
		Preview:   preview,
		ListingID: msg.ListingID,
	})
	return c.JSON(http.StatusCreated, msg)
}
