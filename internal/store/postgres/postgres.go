// Package postgres is the production Store implementation on pgx. Money
// columns are NUMERIC and travel as text between Go and Postgres so no
// float conversion ever touches a balance.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/botbid/botbid/internal/domain"
)

type Store struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Println("[db] connected to Postgres")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates every table the engine needs. Idempotent; runs at
// startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key_hash TEXT NOT NULL DEFAULT '',
			webhook_url TEXT NOT NULL DEFAULT '',
			balance NUMERIC(20,2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS accounts_api_key_hash_idx ON accounts (api_key_hash) WHERE api_key_hash <> ''`,
		`CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES accounts(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			listing_type TEXT NOT NULL,
			price NUMERIC(20,2) NOT NULL,
			reserve_price NUMERIC(20,2),
			quantity INT NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			ends_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS listings_due_idx ON listings (ends_at) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS bids (
			id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL REFERENCES listings(id),
			bidder_id TEXT NOT NULL REFERENCES accounts(id),
			amount NUMERIC(20,2) NOT NULL,
			status TEXT NOT NULL,
			placed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS bids_listing_idx ON bids (listing_id)`,
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL REFERENCES listings(id),
			proposer_id TEXT NOT NULL REFERENCES accounts(id),
			counterparty_id TEXT NOT NULL REFERENCES accounts(id),
			amount NUMERIC(20,2) NOT NULL,
			state TEXT NOT NULL,
			round INT NOT NULL DEFAULT 1,
			parent_id TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS offers_due_idx ON offers (expires_at) WHERE state = 'proposed'`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL REFERENCES listings(id),
			buyer_id TEXT NOT NULL REFERENCES accounts(id),
			seller_id TEXT NOT NULL REFERENCES accounts(id),
			quantity INT NOT NULL DEFAULT 1,
			amount NUMERIC(20,2) NOT NULL,
			fee NUMERIC(20,2) NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			delivery_data TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idem_idx ON transactions (buyer_id, listing_id, idempotency_key) WHERE idempotency_key <> ''`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			amount NUMERIC(20,2) NOT NULL,
			fee NUMERIC(20,2) NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES accounts(id),
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			state TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			delivered_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_events_due_idx ON webhook_events (next_attempt_at) WHERE state IN ('pending','retrying')`,
		`CREATE TABLE IF NOT EXISTS watches (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES accounts(id),
			listing_id TEXT NOT NULL REFERENCES listings(id),
			notify_price_drop BOOLEAN NOT NULL DEFAULT TRUE,
			notify_ending_soon BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (agent_id, listing_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ratings (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			rater_id TEXT NOT NULL REFERENCES accounts(id),
			ratee_id TEXT NOT NULL REFERENCES accounts(id),
			score INT NOT NULL,
			review TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (transaction_id, rater_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL REFERENCES accounts(id),
			receiver_id TEXT NOT NULL REFERENCES accounts(id),
			listing_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrDuplicate
	}
	return err
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Accounts

func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, name, api_key_hash, webhook_url, balance, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
		a.ID, a.Name, a.APIKeyHash, a.WebhookURL, a.Balance.String(), a.CreatedAt)
	return mapErr(err)
}

func (s *Store) scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var balance string
	if err := row.Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.WebhookURL, &balance, &a.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	a.Balance = parseDec(balance)
	return &a, nil
}

const accountCols = `id, name, api_key_hash, webhook_url, balance::text, created_at`

func (s *Store) Account(ctx context.Context, id string) (*domain.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) AccountByAPIKeyHash(ctx context.Context, hash string) (*domain.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE api_key_hash = $1 AND api_key_hash <> ''`, hash))
}

// ApplyTransfer runs the three balance deltas and the audit insert in one
// transaction. Row locks are taken in id order, matching the service-layer
// lock order, so concurrent transfers cannot deadlock here either.
func (s *Store) ApplyTransfer(ctx context.Context, t *domain.Transfer) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := []string{t.FromID, t.ToID, domain.PlatformAccountID}
	if _, err := tx.Exec(ctx, `
		SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids); err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}

	net := t.Amount.Sub(t.Fee)
	steps := []struct {
		id    string
		delta decimal.Decimal
	}{
		{t.FromID, t.Amount.Neg()},
		{t.ToID, net},
		{domain.PlatformAccountID, t.Fee},
	}
	for _, st := range steps {
		if st.delta.IsZero() {
			continue
		}
		tag, err := tx.Exec(ctx, `
			UPDATE accounts SET balance = balance + $1::numeric WHERE id = $2`, st.delta.String(), st.id)
		if err != nil {
			return fmt.Errorf("apply delta to %s: %w", st.id, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO transfers (id, from_id, to_id, amount, fee, reference, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)`,
		t.ID, t.FromID, t.ToID, t.Amount.String(), t.Fee.String(), t.Reference, t.CreatedAt); err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return tx.Commit(ctx)
}

// Listings

const listingCols = `id, seller_id, title, description, listing_type, price::text, reserve_price::text, quantity, status, phase, ends_at, created_at, updated_at`

func (s *Store) scanListing(row pgx.Row) (*domain.Listing, error) {
	var l domain.Listing
	var price string
	var reserve *string
	if err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.Description, &l.Type, &price, &reserve,
		&l.Quantity, &l.Status, &l.Phase, &l.EndsAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	l.Price = parseDec(price)
	if reserve != nil {
		r := parseDec(*reserve)
		l.ReservePrice = &r
	}
	return &l, nil
}

func (s *Store) CreateListing(ctx context.Context, l *domain.Listing) error {
	var reserve *string
	if l.ReservePrice != nil {
		v := l.ReservePrice.String()
		reserve = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO listings (id, seller_id, title, description, listing_type, price, reserve_price, quantity, status, phase, ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		l.ID, l.SellerID, l.Title, l.Description, l.Type, l.Price.String(), reserve,
		l.Quantity, l.Status, l.Phase, l.EndsAt, l.CreatedAt, l.UpdatedAt)
	return mapErr(err)
}

func (s *Store) Listing(ctx context.Context, id string) (*domain.Listing, error) {
	return s.scanListing(s.pool.QueryRow(ctx, `SELECT `+listingCols+` FROM listings WHERE id = $1`, id))
}

func (s *Store) UpdateListing(ctx context.Context, l *domain.Listing) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET title = $2, description = $3, price = $4::numeric, quantity = $5,
			status = $6, phase = $7, ends_at = $8, updated_at = $9
		WHERE id = $1`,
		l.ID, l.Title, l.Description, l.Price.String(), l.Quantity, l.Status, l.Phase, l.EndsAt, l.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) AuctionsDue(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+listingCols+` FROM listings
		WHERE listing_type = 'auction' AND status = 'active' AND phase = 'open'
		  AND ends_at IS NOT NULL AND ends_at <= $1
		ORDER BY ends_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.Listing
	for rows.Next() {
		l, err := s.scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Bids

const bidCols = `id, listing_id, bidder_id, amount::text, status, placed_at`

func (s *Store) scanBid(row pgx.Row) (*domain.Bid, error) {
	var b domain.Bid
	var amount string
	if err := row.Scan(&b.ID, &b.ListingID, &b.BidderID, &amount, &b.Status, &b.PlacedAt); err != nil {
		return nil, mapErr(err)
	}
	b.Amount = parseDec(amount)
	return &b, nil
}

func (s *Store) CreateBid(ctx context.Context, b *domain.Bid) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bids (id, listing_id, bidder_id, amount, status, placed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		b.ID, b.ListingID, b.BidderID, b.Amount.String(), b.Status, b.PlacedAt)
	return mapErr(err)
}

func (s *Store) UpdateBid(ctx context.Context, b *domain.Bid) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bids SET status = $2 WHERE id = $1`, b.ID, b.Status)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) LeadingBid(ctx context.Context, listingID string) (*domain.Bid, error) {
	return s.scanBid(s.pool.QueryRow(ctx, `
		SELECT `+bidCols+` FROM bids WHERE listing_id = $1 AND status = 'leading'`, listingID))
}

func (s *Store) BidsForListing(ctx context.Context, listingID string) ([]*domain.Bid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bidCols+` FROM bids WHERE listing_id = $1 ORDER BY placed_at`, listingID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.Bid
	for rows.Next() {
		b, err := s.scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Offers

const offerCols = `id, listing_id, proposer_id, counterparty_id, amount::text, state, round, parent_id, expires_at, created_at`

func (s *Store) scanOffer(row pgx.Row) (*domain.Offer, error) {
	var o domain.Offer
	var amount string
	if err := row.Scan(&o.ID, &o.ListingID, &o.ProposerID, &o.CounterpartyID, &amount,
		&o.State, &o.Round, &o.ParentID, &o.ExpiresAt, &o.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	o.Amount = parseDec(amount)
	return &o, nil
}

func (s *Store) CreateOffer(ctx context.Context, o *domain.Offer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offers (id, listing_id, proposer_id, counterparty_id, amount, state, round, parent_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)`,
		o.ID, o.ListingID, o.ProposerID, o.CounterpartyID, o.Amount.String(),
		o.State, o.Round, o.ParentID, o.ExpiresAt, o.CreatedAt)
	return mapErr(err)
}

func (s *Store) Offer(ctx context.Context, id string) (*domain.Offer, error) {
	return s.scanOffer(s.pool.QueryRow(ctx, `SELECT `+offerCols+` FROM offers WHERE id = $1`, id))
}

func (s *Store) UpdateOffer(ctx context.Context, o *domain.Offer) error {
	tag, err := s.pool.Exec(ctx, `UPDATE offers SET state = $2 WHERE id = $1`, o.ID, o.State)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) OffersDue(ctx context.Context, now time.Time, limit int) ([]*domain.Offer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+offerCols+` FROM offers
		WHERE state = 'proposed' AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.Offer
	for rows.Next() {
		o, err := s.scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Transactions

const txCols = `id, listing_id, buyer_id, seller_id, quantity, amount::text, fee::text, status, idempotency_key, delivery_data, failure_reason, created_at, updated_at, completed_at`

func (s *Store) scanTx(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amount, fee string
	if err := row.Scan(&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.Quantity, &amount, &fee,
		&t.Status, &t.IdempotencyKey, &t.DeliveryData, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return nil, mapErr(err)
	}
	t.Amount = parseDec(amount)
	t.Fee = parseDec(fee)
	return &t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, listing_id, buyer_id, seller_id, quantity, amount, fee, status, idempotency_key, delivery_data, failure_reason, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.ListingID, t.BuyerID, t.SellerID, t.Quantity, t.Amount.String(), t.Fee.String(),
		t.Status, t.IdempotencyKey, t.DeliveryData, t.FailureReason, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	return mapErr(err)
}

func (s *Store) Transaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.scanTx(s.pool.QueryRow(ctx, `SELECT `+txCols+` FROM transactions WHERE id = $1`, id))
}

func (s *Store) TransactionByIdemKey(ctx context.Context, buyerID, listingID, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}
	return s.scanTx(s.pool.QueryRow(ctx, `
		SELECT `+txCols+` FROM transactions
		WHERE buyer_id = $1 AND listing_id = $2 AND idempotency_key = $3`, buyerID, listingID, key))
}

func (s *Store) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions SET status = $2, delivery_data = $3, failure_reason = $4, updated_at = $5, completed_at = $6
		WHERE id = $1`,
		t.ID, t.Status, t.DeliveryData, t.FailureReason, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) TransactionsForAgent(ctx context.Context, agentID, role string) ([]*domain.Transaction, error) {
	q := `SELECT ` + txCols + ` FROM transactions WHERE (buyer_id = $1 OR seller_id = $1) ORDER BY created_at DESC`
	switch role {
	case "buyer":
		q = `SELECT ` + txCols + ` FROM transactions WHERE buyer_id = $1 ORDER BY created_at DESC`
	case "seller":
		q = `SELECT ` + txCols + ` FROM transactions WHERE seller_id = $1 ORDER BY created_at DESC`
	}
	rows, err := s.pool.Query(ctx, q, agentID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.Transaction
	for rows.Next() {
		t, err := s.scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txCols+` FROM transactions
		WHERE status = 'delivered' AND updated_at <= $1
		ORDER BY updated_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.Transaction
	for rows.Next() {
		t, err := s.scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Webhook queue

const eventCols = `id, agent_id, event_type, payload, state, attempt_count, next_attempt_at, last_error, created_at, delivered_at`

func (s *Store) scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	if err := row.Scan(&e.ID, &e.AgentID, &e.EventType, &e.Payload, &e.State, &e.AttemptCount,
		&e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.DeliveredAt); err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (s *Store) EnqueueEvent(ctx context.Context, e *domain.WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, agent_id, event_type, payload, state, attempt_count, next_attempt_at, last_error, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AgentID, e.EventType, e.Payload, e.State, e.AttemptCount, e.NextAttemptAt, e.LastError, e.CreatedAt, e.DeliveredAt)
	return mapErr(err)
}

// ClaimDueEvents pushes next_attempt_at forward by the lease inside the
// picking query itself, with SKIP LOCKED, so two worker pools never claim
// the same batch.
func (s *Store) ClaimDueEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE webhook_events SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE state IN ('pending','retrying') AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventCols, now, now.Add(lease), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.WebhookEvent
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEvent(ctx context.Context, e *domain.WebhookEvent) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET state = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, delivered_at = $6
		WHERE id = $1`,
		e.ID, e.State, e.AttemptCount, e.NextAttemptAt, e.LastError, e.DeliveredAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) EventsForAgent(ctx context.Context, agentID string, states []domain.DeliveryState) ([]*domain.WebhookEvent, error) {
	q := `SELECT ` + eventCols + ` FROM webhook_events WHERE agent_id = $1`
	args := []any{agentID}
	if len(states) > 0 {
		in := make([]string, len(states))
		for i, st := range states {
			in[i] = string(st)
		}
		q += ` AND state = ANY($2)`
		args = append(args, in)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.WebhookEvent
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Watchlist

func (s *Store) AddWatch(ctx context.Context, w *domain.Watch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watches (id, agent_id, listing_id, notify_price_drop, notify_ending_soon, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.AgentID, w.ListingID, w.NotifyPriceDrop, w.NotifyEndingSoon, w.CreatedAt)
	return mapErr(err)
}

func (s *Store) RemoveWatch(ctx context.Context, agentID, listingID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM watches WHERE agent_id = $1 AND listing_id = $2`, agentID, listingID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) Watchers(ctx context.Context, listingID string) ([]*domain.Watch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, listing_id, notify_price_drop, notify_ending_soon, created_at
		FROM watches WHERE listing_id = $1`, listingID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*domain.Watch
	for rows.Next() {
		var w domain.Watch
		if err := rows.Scan(&w.ID, &w.AgentID, &w.ListingID, &w.NotifyPriceDrop, &w.NotifyEndingSoon, &w.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// Ratings and messages

func (s *Store) CreateRating(ctx context.Context, r *domain.Rating) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ratings (id, transaction_id, rater_id, ratee_id, score, review, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TransactionID, r.RaterID, r.RateeID, r.Score, r.Review, r.CreatedAt)
	return mapErr(err)
}

func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, listing_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SenderID, m.ReceiverID, m.ListingID, m.Content, m.CreatedAt)
	return mapErr(err)
}

func (s *Store) Stats(ctx context.Context) (*domain.MarketplaceStats, error) {
	var st domain.MarketplaceStats
	var volume, fees string
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM accounts WHERE id <> $1),
			(SELECT count(*) FROM listings WHERE status = 'active'),
			(SELECT count(*) FROM transactions WHERE status IN ('created','delivered','completed')),
			(SELECT COALESCE(sum(amount), 0)::text FROM transactions WHERE status IN ('created','delivered','completed')),
			(SELECT COALESCE(sum(fee), 0)::text FROM transfers)`,
		domain.PlatformAccountID).Scan(&st.TotalAgents, &st.ActiveListings, &st.TotalTransactions, &volume, &fees)
	if err != nil {
		return nil, mapErr(err)
	}
	st.TotalVolume = parseDec(volume)
	st.FeesCollected = parseDec(fees)
	return &st, nil
}
