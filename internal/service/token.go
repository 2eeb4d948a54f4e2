package service

import (
	"context"
	"time"

	"prooflink/internal/domain"
	"prooflink/internal/observability"
	"prooflink/internal/store"
	"prooflink/internal/util"
)

type TokenStore interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, bool, error)
	InsertToken(ctx context.Context, in store.TokenInsert) error
	GetToken(ctx context.Context, token string) (domain.Token, bool, error)
	HasActiveToken(ctx context.Context, orderID string) (bool, error)
	ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error)
	InvalidateToken(ctx context.Context, token string, now time.Time) (bool, error)
}

// TokenService owns the token lifecycle: issue, resolve, consume, invalidate.
type TokenService struct {
	Store TokenStore
}

// Issue creates a new ACTIVE token bound to the order. hadActive reports a
// still-ACTIVE prior token; issuing never silently invalidates it, the caller
// decides whether to revoke.
func (s *TokenService) Issue(ctx context.Context, orderID string, now time.Time) (domain.Token, bool, error) {
	if _, found, err := s.Store.GetOrder(ctx, orderID); err != nil {
		return domain.Token{}, false, err
	} else if !found {
		return domain.Token{}, false, domain.ErrOrderNotFound
	}

	hadActive, err := s.Store.HasActiveToken(ctx, orderID)
	if err != nil {
		return domain.Token{}, false, err
	}

	tokenString, err := util.NewTokenString()
	if err != nil {
		return domain.Token{}, false, err
	}

	t := domain.Token{
		ID:        util.NewTokenID(),
		Token:     tokenString,
		OrderID:   orderID,
		State:     domain.TokenActive,
		CreatedAt: now,
	}
	if err := s.Store.InsertToken(ctx, store.TokenInsert{
		ID: t.ID, Token: t.Token, OrderID: orderID, Now: now,
	}); err != nil {
		return domain.Token{}, false, err
	}
	return t, hadActive, nil
}

// Resolve is a read-only lookup.
func (s *TokenService) Resolve(ctx context.Context, tokenString string) (domain.Token, error) {
	t, found, err := s.Store.GetToken(ctx, tokenString)
	if err != nil {
		return domain.Token{}, err
	}
	if !found {
		return domain.Token{}, domain.ErrTokenNotFound
	}
	return t, nil
}

// Consume moves ACTIVE -> CONSUMED. At most one caller across any number of
// concurrent invocations gets nil; losers get the classified reason.
func (s *TokenService) Consume(ctx context.Context, tokenString string, now time.Time) error {
	ok, err := s.Store.ConsumeToken(ctx, tokenString, now)
	if err != nil {
		return err
	}
	if ok {
		observability.TokenConsume.WithLabelValues("consumed").Inc()
		return nil
	}

	t, found, err := s.Store.GetToken(ctx, tokenString)
	if err != nil {
		return err
	}
	switch {
	case !found:
		observability.TokenConsume.WithLabelValues("not_found").Inc()
		return domain.ErrTokenNotFound
	case t.State == domain.TokenInvalidated:
		observability.TokenConsume.WithLabelValues("invalidated").Inc()
		return domain.ErrTokenInvalidated
	default:
		observability.TokenConsume.WithLabelValues("already_consumed").Inc()
		return domain.ErrTokenAlreadyConsumed
	}
}

// Invalidate is idempotent administrative revocation.
func (s *TokenService) Invalidate(ctx context.Context, tokenString string, now time.Time) error {
	if _, err := s.Store.InvalidateToken(ctx, tokenString, now); err != nil {
		return err
	}
	// Zero rows means already INVALIDATED or unknown; distinguish for the API.
	_, found, err := s.Store.GetToken(ctx, tokenString)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrTokenNotFound
	}
	return nil
}
