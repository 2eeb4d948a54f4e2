package channel

import (
	"context"
	"log/slog"

	"prooflink/internal/logging"
	"prooflink/internal/util"
)

// Noop logs and reports success. Used in dev environments and as the test
// variant; no bytes leave the process.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Send(ctx context.Context, to Recipient, p Payload) (Result, error) {
	slog.Info("noop send",
		"phone_hash", logging.PhoneHash(to.Phone),
		"body_len", len(p.Body),
		"url", p.URL,
	)
	return Result{RequestID: util.NewEventID()}, nil
}
