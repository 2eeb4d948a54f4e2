package domain

import "errors"

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrTokenNotFound        = errors.New("token not found")
	ErrTokenAlreadyConsumed = errors.New("token already consumed")
	ErrTokenInvalidated     = errors.New("token invalidated")
	ErrProofNotFound        = errors.New("proof not found")

	// ErrUnprocessableContent covers a missing file part, a non-image content
	// type, or a payload over the configured size limit.
	ErrUnprocessableContent = errors.New("unprocessable content")

	// ErrStorageFailure is transient; the client may retry the same upload in
	// full because no state is committed before the blob write succeeds.
	ErrStorageFailure = errors.New("storage failure")
)
