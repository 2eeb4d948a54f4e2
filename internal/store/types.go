package store

import (
	"time"

	"prooflink/internal/domain"
)

type OrderInsert struct {
	ID               string
	OrderNumber      string
	Context          string
	OrganizationName string
	SenderName       string
	SenderPhone      string
	RecipientName    string
	RecipientPhone   string
	Status           string
	Now              time.Time
}

type TokenInsert struct {
	ID      string
	Token   string
	OrderID string
	Now     time.Time
}

// FinalizeUpload is the single atomic decision boundary of the upload path:
// proof insert (keyed by order), token consumption, order status transition
// and the outbox event either all commit or none do.
type FinalizeUpload struct {
	ProofID     string
	OrderID     string
	Token       string
	StorageKey  string
	ContentType string
	SizeBytes   int64
	EventID     string
	Now         time.Time
}

type AttemptInsert struct {
	ID            string
	OrderID       string
	RecipientType string
	Channel       string
	PhoneHash     string
	Now           time.Time
}

type AttemptUpdate struct {
	ID                string
	Status            string
	ErrorMessage      string
	ProviderRequestID string
	Now               time.Time
}

type AttemptFilter struct {
	OrderID       string
	Status        string
	Channel       string
	RecipientType string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

type AttemptPage struct {
	Attempts []domain.NotificationAttempt
	Total    int
}

type Analytics struct {
	OrdersTotal         int
	OrdersProofUploaded int
	ProofsTotal         int
	AttemptsByOutcome   map[string]int // "PRIMARY:SENT" style keys
	FallbackRate        float64
}
