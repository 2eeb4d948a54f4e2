package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"prooflink/internal/domain"
	"prooflink/internal/logging"
	"prooflink/internal/observability"
	"prooflink/internal/storage"
	"prooflink/internal/store"
	"prooflink/internal/util"
)

type UploadStore interface {
	GetToken(ctx context.Context, token string) (domain.Token, bool, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, bool, error)
	GetProofByOrder(ctx context.Context, orderID string) (domain.Proof, bool, error)
	ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error)
	FinalizeUpload(ctx context.Context, in store.FinalizeUpload) (domain.Proof, bool, error)
	MarkEventEnqueued(ctx context.Context, eventID string, now time.Time) error
}

type Queue interface {
	EnqueueProofReady(ctx context.Context, orderID, eventID string) error
}

// UploadService accepts one proof image per order through a single-use token.
type UploadService struct {
	Store    UploadStore
	Blobs    storage.BlobStore
	Queue    Queue
	MaxBytes int64
}

// Upload is idempotent per order: retries and double-taps with the same token
// converge on the one Proof record. Storage failures surface before any state
// commits, so the client can resubmit the same file.
func (s *UploadService) Upload(ctx context.Context, tokenString, contentType string, r io.Reader, size int64) (domain.Proof, error) {
	now := util.NowUTC()

	t, found, err := s.Store.GetToken(ctx, tokenString)
	if err != nil {
		return domain.Proof{}, err
	}
	if !found {
		observability.Uploads.WithLabelValues("invalid_token").Inc()
		return domain.Proof{}, domain.ErrTokenNotFound
	}

	if t.State != domain.TokenActive {
		// A consumed token whose order already has a Proof is the retry /
		// confirmation path, not an error.
		if p, ok, err := s.Store.GetProofByOrder(ctx, t.OrderID); err != nil {
			return domain.Proof{}, err
		} else if ok {
			observability.Uploads.WithLabelValues("already_uploaded").Inc()
			return p, nil
		}
		observability.Uploads.WithLabelValues("invalid_token").Inc()
		if t.State == domain.TokenInvalidated {
			return domain.Proof{}, domain.ErrTokenInvalidated
		}
		return domain.Proof{}, domain.ErrTokenAlreadyConsumed
	}

	// A proof may already exist when an admin issued a fresh token after the
	// first upload. Return the existing record and retire the token instead of
	// overwriting the stored image.
	if p, ok, err := s.Store.GetProofByOrder(ctx, t.OrderID); err != nil {
		return domain.Proof{}, err
	} else if ok {
		if _, err := s.Store.ConsumeToken(ctx, tokenString, now); err != nil {
			return domain.Proof{}, err
		}
		observability.Uploads.WithLabelValues("already_uploaded").Inc()
		return p, nil
	}

	if !strings.HasPrefix(contentType, "image/") {
		observability.Uploads.WithLabelValues("unprocessable").Inc()
		return domain.Proof{}, fmt.Errorf("%w: content type %q", domain.ErrUnprocessableContent, contentType)
	}
	if size <= 0 || (s.MaxBytes > 0 && size > s.MaxBytes) {
		observability.Uploads.WithLabelValues("unprocessable").Inc()
		return domain.Proof{}, fmt.Errorf("%w: size %d", domain.ErrUnprocessableContent, size)
	}

	key := storage.ProofKey(t.OrderID)
	if err := s.Blobs.Put(ctx, key, contentType, io.LimitReader(r, size), size); err != nil {
		observability.Uploads.WithLabelValues("storage_error").Inc()
		return domain.Proof{}, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	eventID := util.NewEventID()
	proof, created, err := s.Store.FinalizeUpload(ctx, store.FinalizeUpload{
		ProofID:     util.NewProofID(),
		OrderID:     t.OrderID,
		Token:       tokenString,
		StorageKey:  key,
		ContentType: contentType,
		SizeBytes:   size,
		EventID:     eventID,
		Now:         now,
	})
	if err != nil {
		return domain.Proof{}, err
	}
	if !created {
		// Lost the race (or a prior upload already finished): same record for
		// both callers, no second event.
		observability.Uploads.WithLabelValues("already_uploaded").Inc()
		return proof, nil
	}

	observability.Uploads.WithLabelValues("ok").Inc()
	slog.Info("proof uploaded",
		"order_id", t.OrderID,
		"proof_id", proof.ID,
		"token_prefix", logging.TokenPrefix(tokenString),
		"size_bytes", size,
	)

	// Notification outcome is never visible to the courier. Enqueue failures
	// leave the outbox row un-enqueued for the sweeper.
	if err := s.Queue.EnqueueProofReady(ctx, t.OrderID, eventID); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		slog.Error("proof ready enqueue failed, sweeper will retry", "err", err, "order_id", t.OrderID)
		return proof, nil
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	if err := s.Store.MarkEventEnqueued(ctx, eventID, util.NowUTC()); err != nil {
		slog.Error("mark event enqueued failed", "err", err, "event_id", eventID)
	}
	return proof, nil
}

// OrderSummary backs the courier landing page. Only an ACTIVE token resolves;
// a consumed or revoked token reads as expired.
func (s *UploadService) OrderSummary(ctx context.Context, tokenString string) (domain.Order, bool, error) {
	t, found, err := s.Store.GetToken(ctx, tokenString)
	if err != nil {
		return domain.Order{}, false, err
	}
	if !found || t.State != domain.TokenActive {
		return domain.Order{}, false, domain.ErrTokenNotFound
	}
	order, found, err := s.Store.GetOrder(ctx, t.OrderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	if !found {
		return domain.Order{}, false, domain.ErrOrderNotFound
	}
	_, hasProof, err := s.Store.GetProofByOrder(ctx, t.OrderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	return order, hasProof, nil
}

// ProofSummary backs the public proof page: any resolvable token whose order
// has a Proof, regardless of token state.
func (s *UploadService) ProofSummary(ctx context.Context, tokenString string) (domain.Order, domain.Proof, error) {
	t, found, err := s.Store.GetToken(ctx, tokenString)
	if err != nil {
		return domain.Order{}, domain.Proof{}, err
	}
	if !found {
		return domain.Order{}, domain.Proof{}, domain.ErrTokenNotFound
	}
	p, found, err := s.Store.GetProofByOrder(ctx, t.OrderID)
	if err != nil {
		return domain.Order{}, domain.Proof{}, err
	}
	if !found {
		return domain.Order{}, domain.Proof{}, domain.ErrProofNotFound
	}
	order, found, err := s.Store.GetOrder(ctx, t.OrderID)
	if err != nil {
		return domain.Order{}, domain.Proof{}, err
	}
	if !found {
		return domain.Order{}, domain.Proof{}, domain.ErrOrderNotFound
	}
	return order, p, nil
}
