// Package channel defines the capability every messaging transport implements
// and the small closed set of variants the dispatcher selects from. New
// channels are added as new variants behind the factory, not as subclasses of
// anything.
package channel

import (
	"context"
	"time"
)

type Recipient struct {
	Name  string
	Phone string
}

// Payload is the rendered message. URL points at the public proof page.
type Payload struct {
	Body         string
	URL          string
	TemplateCode string
}

// Result is the provider's acknowledgement of a successful hand-off.
type Result struct {
	RequestID string
}

type Sender interface {
	Name() string
	Send(ctx context.Context, to Recipient, p Payload) (Result, error)
}

// SendError carries enough provider detail for the attempt ledger and for the
// transient/permanent retry decision.
type SendError struct {
	Provider   string
	Code       string
	HTTPStatus int
	Message    string
	Transient  bool
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return e.Provider + " send failed: " + e.Code + ": " + e.Message
	}
	return e.Provider + " send failed: " + e.Message
}

// Backoff returns the wait before retrying a transient send failure. The
// schedule is short on purpose: the attempt row is already PENDING and the
// whole try sequence must fit inside the queue's visibility timeout.
func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
