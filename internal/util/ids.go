package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable, which keeps DB indexes and admin listings cheap. The
// prefix makes ids self-describing in logs and API payloads.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewOrderID() string   { return newID("ord") }
func NewProofID() string   { return newID("prf") }
func NewAttemptID() string { return newID("att") }
func NewEventID() string   { return newID("evt") }
func NewTokenID() string   { return newID("tok") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
