package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/botbid/botbid/internal/domain"
)

type registerRequest struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
}

// registerAgent creates an account funded with the configured starting
// credits. The raw API key is returned exactly once.
func (h *Handler) registerAgent(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return fail(c, err)
	}
	apiKey := "bbk_" + hex.EncodeToString(raw)

	account := &domain.Account{
		ID:         uuid.New().String(),
		Name:       req.Name,
		APIKeyHash: HashAPIKey(apiKey),
		WebhookURL: req.WebhookURL,
		Balance:    h.cfg.StartingCredits,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateAccount(c.Request().Context(), account); err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"agent_id": account.ID,
		"name":     account.Name,
		"api_key":  apiKey,
		"balance":  account.Balance,
	})
}

func (h *Handler) me(c echo.Context) error {
	agent := agentFrom(c)
	return c.JSON(http.StatusOK, echo.Map{
		"agent_id":    agent.ID,
		"name":        agent.Name,
		"webhook_url": agent.WebhookURL,
		"balance":     agent.Balance,
		"created_at":  agent.CreatedAt,
	})
}

func (h *Handler) balance(c echo.Context) error {
	agent := agentFrom(c)
	balance, err := h.ledger.Balance(c.Request().Context(), agent.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"agent_id": agent.ID, "balance": balance})
}

// listEvents exposes an agent's own webhook queue, mainly so dead events
// are visible without database access.
func (h *Handler) listEvents(c echo.Context) error {
	agent := agentFrom(c)
	var states []domain.DeliveryState
	if s := c.QueryParam("state"); s != "" {
		states = append(states, domain.DeliveryState(s))
	}
	events, err := h.store.EventsForAgent(c.Request().Context(), agent.ID, states)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"events": events})
}
