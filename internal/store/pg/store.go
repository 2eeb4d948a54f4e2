package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"prooflink/internal/domain"
	"prooflink/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// ---- orders ----

func (s *Store) InsertOrder(ctx context.Context, in store.OrderInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO orders (id, order_number, context, organization_name, sender_name, sender_phone,
		                    recipient_name, recipient_phone, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, in.ID, in.OrderNumber, nullIfEmpty(in.Context), in.OrganizationName, in.SenderName, in.SenderPhone,
		nullIfEmpty(in.RecipientName), nullIfEmpty(in.RecipientPhone), in.Status, in.Now)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (domain.Order, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, order_number, COALESCE(context,''), organization_name, sender_name, sender_phone,
		       COALESCE(recipient_name,''), COALESCE(recipient_phone,''), status, created_at, updated_at
		FROM orders WHERE id=$1
	`, orderID)

	var o domain.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.Context, &o.OrganizationName, &o.SenderName, &o.SenderPhone,
		&o.RecipientName, &o.RecipientPhone, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}
	return o, true, nil
}

// ---- tokens ----

func (s *Store) InsertToken(ctx context.Context, in store.TokenInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO qr_tokens (id, token, order_id, state, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.ID, in.Token, in.OrderID, domain.TokenActive, in.Now)
	return err
}

func (s *Store) GetToken(ctx context.Context, token string) (domain.Token, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, token, order_id, state, created_at, consumed_at
		FROM qr_tokens WHERE token=$1
	`, token)

	var t domain.Token
	err := row.Scan(&t.ID, &t.Token, &t.OrderID, &t.State, &t.CreatedAt, &t.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Token{}, false, nil
		}
		return domain.Token{}, false, err
	}
	return t, true, nil
}

// GetLatestToken returns the most recently issued token for an order, any
// state. The "current active token" is a derived query over this append-only
// sequence, never a mutable singleton.
func (s *Store) GetLatestToken(ctx context.Context, orderID string) (domain.Token, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, token, order_id, state, created_at, consumed_at
		FROM qr_tokens WHERE order_id=$1
		ORDER BY created_at DESC LIMIT 1
	`, orderID)

	var t domain.Token
	err := row.Scan(&t.ID, &t.Token, &t.OrderID, &t.State, &t.CreatedAt, &t.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Token{}, false, nil
		}
		return domain.Token{}, false, err
	}
	return t, true, nil
}

func (s *Store) HasActiveToken(ctx context.Context, orderID string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT 1 FROM qr_tokens WHERE order_id=$1 AND state=$2 LIMIT 1
	`, orderID, domain.TokenActive)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ConsumeToken flips ACTIVE -> CONSUMED with a single conditional update, so
// at most one caller ever sees consumed=true for a given token, also across
// service instances.
func (s *Store) ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE qr_tokens SET state=$2, consumed_at=$3
		WHERE token=$1 AND state=$4
	`, token, domain.TokenConsumed, now, domain.TokenActive)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// InvalidateToken is idempotent administrative revocation.
func (s *Store) InvalidateToken(ctx context.Context, token string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE qr_tokens SET state=$2, revoked_at=$3
		WHERE token=$1 AND state <> $2
	`, token, domain.TokenInvalidated, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ---- proofs / upload finalization ----

func (s *Store) GetProofByOrder(ctx context.Context, orderID string) (domain.Proof, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, order_id, storage_key, content_type, size_bytes, uploaded_at
		FROM proofs WHERE order_id=$1
	`, orderID)
	return scanProof(row)
}

// FinalizeUpload runs the whole upload commit in one transaction. The proof
// insert is the race arbiter: ON CONFLICT (order_id) makes exactly one caller
// the creator; everyone else gets the existing record back.
func (s *Store) FinalizeUpload(ctx context.Context, in store.FinalizeUpload) (domain.Proof, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Proof{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO proofs (id, order_id, storage_key, content_type, size_bytes, uploaded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (order_id) DO NOTHING
	`, in.ProofID, in.OrderID, in.StorageKey, in.ContentType, in.SizeBytes, in.Now)
	if err != nil {
		return domain.Proof{}, false, err
	}

	if ct.RowsAffected() == 0 {
		row := tx.QueryRow(ctx, `
			SELECT id, order_id, storage_key, content_type, size_bytes, uploaded_at
			FROM proofs WHERE order_id=$1
		`, in.OrderID)
		p, found, err := scanProof(row)
		if err != nil {
			return domain.Proof{}, false, err
		}
		if !found {
			return domain.Proof{}, false, fmt.Errorf("proof conflict for order %s but no row", in.OrderID)
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.Proof{}, false, err
		}
		return p, false, nil
	}

	// Consumption may find the token already CONSUMED when a concurrent call
	// lost the proof race after consuming; proof existence is the source of
	// truth, so zero rows here is not an error.
	if _, err := tx.Exec(ctx, `
		UPDATE qr_tokens SET state=$2, consumed_at=$3
		WHERE token=$1 AND state=$4
	`, in.Token, domain.TokenConsumed, in.Now, domain.TokenActive); err != nil {
		return domain.Proof{}, false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1
	`, in.OrderID, domain.OrderProofUploaded, in.Now); err != nil {
		return domain.Proof{}, false, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO dispatch_outbox (id, order_id, event_type, created_at)
		VALUES ($1,$2,$3,$4)
	`, in.EventID, in.OrderID, domain.EventProofReady, in.Now); err != nil {
		return domain.Proof{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Proof{}, false, err
	}

	return domain.Proof{
		ID: in.ProofID, OrderID: in.OrderID, StorageKey: in.StorageKey,
		ContentType: in.ContentType, SizeBytes: in.SizeBytes, UploadedAt: in.Now,
	}, true, nil
}

// ---- outbox ----

func (s *Store) InsertOutboxEvent(ctx context.Context, id, orderID, eventType string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO dispatch_outbox (id, order_id, event_type, created_at)
		VALUES ($1,$2,$3,$4)
	`, id, orderID, eventType, now)
	return err
}

func (s *Store) MarkEventEnqueued(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_outbox SET enqueued_at=$2 WHERE id=$1 AND enqueued_at IS NULL
	`, eventID, now)
	return err
}

// TouchEventEnqueued resets the enqueue timestamp unconditionally. Used by the
// sweeper after re-emitting a stalled event so its grace period restarts.
func (s *Store) TouchEventEnqueued(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_outbox SET enqueued_at=$2 WHERE id=$1
	`, eventID, now)
	return err
}

// ListUnenqueuedEvents returns outbox rows that never made it onto the queue,
// oldest first, skipping anything younger than minAge.
func (s *Store) ListUnenqueuedEvents(ctx context.Context, minAge time.Duration, limit int, now time.Time) ([]domain.OutboxEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, event_type, enqueued_at, created_at
		FROM dispatch_outbox
		WHERE enqueued_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, now.Add(-minAge), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.EnqueuedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListStalledEvents returns enqueued events whose order sits in PROOF_UPLOADED
// with zero notification attempts past the grace period: the dispatch job was
// lost downstream (redrive exhausted, queue purged) and must be re-emitted.
func (s *Store) ListStalledEvents(ctx context.Context, grace time.Duration, limit int, now time.Time) ([]domain.OutboxEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT DISTINCT ON (e.order_id)
		       e.id, e.order_id, e.event_type, e.enqueued_at, e.created_at
		FROM dispatch_outbox e
		JOIN orders o ON o.id = e.order_id
		WHERE e.enqueued_at IS NOT NULL
		  AND e.enqueued_at < $1
		  AND o.status = $2
		  AND NOT EXISTS (
		        SELECT 1 FROM notification_attempts a WHERE a.order_id = e.order_id
		  )
		ORDER BY e.order_id, e.enqueued_at ASC
		LIMIT $3
	`, now.Add(-grace), domain.OrderProofUploaded, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.EnqueuedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- notification ledger (append-only) ----

func (s *Store) InsertAttempt(ctx context.Context, in store.AttemptInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO notification_attempts (id, order_id, recipient_type, channel, status, phone_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.OrderID, in.RecipientType, in.Channel, domain.AttemptPending, in.PhoneHash, in.Now)
	return err
}

func (s *Store) MarkAttempt(ctx context.Context, in store.AttemptUpdate) error {
	var sentAt any
	if in.Status == string(domain.AttemptSent) {
		sentAt = in.Now
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE notification_attempts
		SET status=$2, error_message=$3, provider_request_id=$4, sent_at=$5
		WHERE id=$1 AND status=$6
	`, in.ID, in.Status, nullIfEmpty(in.ErrorMessage), nullIfEmpty(in.ProviderRequestID), sentAt, domain.AttemptPending)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, f store.AttemptFilter) (store.AttemptPage, error) {
	where := " WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OrderID != "" {
		where += " AND order_id=" + arg(f.OrderID)
	}
	if f.Status != "" {
		where += " AND status=" + arg(f.Status)
	}
	if f.Channel != "" {
		where += " AND channel=" + arg(f.Channel)
	}
	if f.RecipientType != "" {
		where += " AND recipient_type=" + arg(f.RecipientType)
	}
	if f.From != nil {
		where += " AND created_at >= " + arg(*f.From)
	}
	if f.To != nil {
		where += " AND created_at < " + arg(*f.To)
	}

	var total int
	if err := s.DB.QueryRow(ctx, "SELECT count(*) FROM notification_attempts"+where, args...).Scan(&total); err != nil {
		return store.AttemptPage{}, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `
		SELECT id, order_id, recipient_type, channel, status,
		       COALESCE(error_message,''), COALESCE(provider_request_id,''), phone_hash, created_at, sent_at
		FROM notification_attempts` + where +
		" ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return store.AttemptPage{}, err
	}
	defer rows.Close()

	page := store.AttemptPage{Total: total}
	for rows.Next() {
		var a domain.NotificationAttempt
		if err := rows.Scan(&a.ID, &a.OrderID, &a.RecipientType, &a.Channel, &a.Status,
			&a.ErrorMessage, &a.ProviderRequestID, &a.PhoneHash, &a.CreatedAt, &a.SentAt); err != nil {
			return store.AttemptPage{}, err
		}
		page.Attempts = append(page.Attempts, a)
	}
	return page, rows.Err()
}

// ---- analytics (derived, read-only) ----

func (s *Store) Analytics(ctx context.Context, from, to time.Time) (store.Analytics, error) {
	out := store.Analytics{AttemptsByOutcome: map[string]int{}}

	row := s.DB.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status=$3)
		FROM orders WHERE created_at >= $1 AND created_at < $2
	`, from, to, domain.OrderProofUploaded)
	if err := row.Scan(&out.OrdersTotal, &out.OrdersProofUploaded); err != nil {
		return store.Analytics{}, err
	}

	if err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM proofs WHERE uploaded_at >= $1 AND uploaded_at < $2
	`, from, to).Scan(&out.ProofsTotal); err != nil {
		return store.Analytics{}, err
	}

	rows, err := s.DB.Query(ctx, `
		SELECT channel, status, count(*)
		FROM notification_attempts
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY channel, status
	`, from, to)
	if err != nil {
		return store.Analytics{}, err
	}
	defer rows.Close()

	var fallbackAttempts, primarySent int
	for rows.Next() {
		var channel, status string
		var n int
		if err := rows.Scan(&channel, &status, &n); err != nil {
			return store.Analytics{}, err
		}
		out.AttemptsByOutcome[channel+":"+status] = n
		if channel == string(domain.ChannelFallback) {
			fallbackAttempts += n
		}
		if channel == string(domain.ChannelPrimary) && status == string(domain.AttemptSent) {
			primarySent += n
		}
	}
	if err := rows.Err(); err != nil {
		return store.Analytics{}, err
	}

	if denom := primarySent + fallbackAttempts; denom > 0 {
		out.FallbackRate = float64(fallbackAttempts) / float64(denom)
	}
	return out, nil
}

func scanProof(row pgx.Row) (domain.Proof, bool, error) {
	var p domain.Proof
	err := row.Scan(&p.ID, &p.OrderID, &p.StorageKey, &p.ContentType, &p.SizeBytes, &p.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Proof{}, false, nil
		}
		return domain.Proof{}, false, err
	}
	return p, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
