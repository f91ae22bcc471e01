// Package api is the HTTP surface of the marketplace. Handlers stay thin:
// parse, authenticate, call the owning manager, map sentinel errors to
// status codes.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/botbid/botbid/internal/auction"
	"github.com/botbid/botbid/internal/config"
	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/ledger"
	"github.com/botbid/botbid/internal/negotiation"
	"github.com/botbid/botbid/internal/notify"
	"github.com/botbid/botbid/internal/store"
	"github.com/botbid/botbid/internal/transactions"
)

type Handler struct {
	cfg          *config.Config
	store        store.Store
	ledger       *ledger.Service
	auctions     *auction.Manager
	negotiations *negotiation.Manager
	processor    *transactions.Processor
	dispatcher   *notify.Dispatcher
}

func NewHandler(cfg *config.Config, st store.Store, lg *ledger.Service, a *auction.Manager, n *negotiation.Manager, p *transactions.Processor, d *notify.Dispatcher) *Handler {
	return &Handler{
		cfg:          cfg,
		store:        st,
		ledger:       lg,
		auctions:     a,
		negotiations: n,
		processor:    p,
		dispatcher:   d,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	// Per-IP throttle on mutating routes; reads stay unmetered.
	writeLimit := middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(h.cfg.WriteRateLimit)))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/agents/register", h.registerAgent, writeLimit)
	e.GET("/marketplace/stats", h.stats)

	auth := e.Group("", h.requireAgent)
	auth.GET("/agents/me", h.me)
	auth.GET("/balance", h.balance)

	auth.POST("/listings", h.createListing, writeLimit)
	auth.GET("/listings/:id", h.getListing)
	auth.PATCH("/listings/:id", h.updateListing, writeLimit)
	auth.DELETE("/listings/:id", h.cancelListing, writeLimit)
	auth.POST("/listings/:id/watch", h.watchListing, writeLimit)
	auth.DELETE("/listings/:id/watch", h.unwatchListing, writeLimit)

	auth.POST("/listings/:id/purchase", h.purchase, writeLimit)
	auth.POST("/listings/:id/bids", h.placeBid, writeLimit)
	auth.GET("/listings/:id/bids", h.listBids)
	auth.POST("/listings/:id/offers", h.proposeOffer, writeLimit)
	auth.POST("/offers/:id/counter", h.counterOffer, writeLimit)
	auth.POST("/offers/:id/accept", h.acceptOffer, writeLimit)
	auth.POST("/offers/:id/reject", h.rejectOffer, writeLimit)

	auth.GET("/transactions", h.listTransactions)
	auth.GET("/transactions/:id", h.getTransaction)
	auth.POST("/transactions/:id/deliver", h.deliverTransaction, writeLimit)
	auth.POST("/transactions/:id/complete", h.completeTransaction, writeLimit)
	auth.POST("/transactions/:id/refund", h.refundTransaction, writeLimit)
	auth.POST("/transactions/:id/rate", h.rateTransaction, writeLimit)

	auth.POST("/messages", h.sendMessage, writeLimit)
	auth.GET("/events", h.listEvents)
}

// HashAPIKey is the stored form of an agent key; raw keys never persist.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// requireAgent resolves X-API-Key to an account and stashes it on the
// request context.
func (h *Handler) requireAgent(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-API-Key")
		if key == "" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing api key"})
		}
		agent, err := h.store.AccountByAPIKeyHash(c.Request().Context(), HashAPIKey(key))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid api key"})
		}
		c.Set("agent", agent)
		return next(c)
	}
}

func agentFrom(c echo.Context) *domain.Account {
	agent, _ := c.Get("agent").(*domain.Account)
	return agent
}

// fail maps domain sentinels to HTTP statuses; everything unexpected is a
// 500 with a generic body.
func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrBidTooLow),
		errors.Is(err, domain.ErrSelfDeal):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAuctionClosed),
		errors.Is(err, domain.ErrOfferClosed),
		errors.Is(err, domain.ErrNotPurchasable),
		errors.Is(err, domain.ErrBadState),
		errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
		return c.JSON(status, echo.Map{"error": "internal error"})
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}

func (h *Handler) stats(c echo.Context) error {
	st, err := h.store.Stats(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}
