package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/botbid/botbid/internal/api"
	"github.com/botbid/botbid/internal/auction"
	"github.com/botbid/botbid/internal/config"
	"github.com/botbid/botbid/internal/domain"
	"github.com/botbid/botbid/internal/keylock"
	"github.com/botbid/botbid/internal/ledger"
	"github.com/botbid/botbid/internal/negotiation"
	"github.com/botbid/botbid/internal/notify"
	"github.com/botbid/botbid/internal/scheduler"
	"github.com/botbid/botbid/internal/store"
	"github.com/botbid/botbid/internal/store/postgres"
	"github.com/botbid/botbid/internal/transactions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Store {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.DBURL)
		if err != nil {
			log.Fatalf("connect store: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		st = pg
	default:
		log.Println("[server] using in-memory store")
		st = store.NewMemory()
	}
	ensurePlatformAccount(ctx, st)

	accountLocks := keylock.New()
	listingLocks := keylock.New()

	lg := ledger.New(st, accountLocks)
	dispatcher := notify.NewDispatcher(st)
	processor := transactions.NewProcessor(st, lg, dispatcher, listingLocks, transactions.Config{
		FeeRate:   cfg.FeeRate,
		RefundFee: cfg.RefundFee,
	})
	auctions := auction.NewManager(st, processor, dispatcher, listingLocks, auction.Config{
		MinIncrementPct:  cfg.MinIncrementPct,
		MinIncrementFlat: cfg.MinIncrementFlat,
	})
	negotiations := negotiation.NewManager(st, processor, listingLocks, cfg.OfferTTL)

	worker := notify.NewWorker(st, notify.WorkerConfig{
		Workers:      cfg.WebhookWorkers,
		MaxAttempts:  cfg.WebhookMaxAttempts,
		BaseBackoff:  cfg.WebhookBaseBackoff,
		MaxBackoff:   cfg.WebhookMaxBackoff,
		Timeout:      cfg.WebhookTimeout,
		PollInterval: cfg.ExpiryPollInterval,
		Secret:       cfg.WebhookSecret,
	})
	go worker.Run(ctx)

	sched := scheduler.New(auctions, negotiations, processor, cfg.ExpiryPollInterval, cfg.AutoCompleteAfter)
	go sched.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	api.NewHandler(cfg, st, lg, auctions, negotiations, processor, dispatcher).Register(e)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil {
			log.Printf("[server] http server stopped: %v", err)
		}
	}()
	log.Printf("[server] listening on :%s (store=%s, env=%s)", cfg.Port, cfg.Store, cfg.Env)

	<-ctx.Done()
	log.Println("[server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown: %v", err)
	}
}

// ensurePlatformAccount creates the fee-collecting account on first boot.
func ensurePlatformAccount(ctx context.Context, st store.Store) {
	if _, err := st.Account(ctx, domain.PlatformAccountID); err == nil {
		return
	}
	err := st.CreateAccount(ctx, &domain.Account{
		ID:        domain.PlatformAccountID,
		Name:      "BotBid Platform",
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicate) {
		log.Fatalf("create platform account: %v", err)
	}
}
