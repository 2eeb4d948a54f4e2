package domain

import "time"

type OrderStatus string

const (
	OrderPending       OrderStatus = "PENDING"
	OrderProofUploaded OrderStatus = "PROOF_UPLOADED"
)

type TokenState string

const (
	TokenActive      TokenState = "ACTIVE"
	TokenConsumed    TokenState = "CONSUMED"
	TokenInvalidated TokenState = "INVALIDATED"
)

type RecipientType string

const (
	RecipientSender    RecipientType = "SENDER"
	RecipientRecipient RecipientType = "RECIPIENT"
)

type Channel string

const (
	ChannelPrimary  Channel = "PRIMARY"
	ChannelFallback Channel = "FALLBACK"
)

type AttemptStatus string

const (
	AttemptPending AttemptStatus = "PENDING"
	AttemptSent    AttemptStatus = "SENT"
	AttemptFailed  AttemptStatus = "FAILED"
)

// EventProofReady is the only dispatch trigger in v1. Reminder events exist in
// the admin surface but re-use the same pipeline.
const EventProofReady = "proof_ready"

type Order struct {
	ID               string
	OrderNumber      string
	Context          string
	OrganizationName string
	SenderName       string
	SenderPhone      string
	RecipientName    string
	RecipientPhone   string
	Status           OrderStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Token is a single-use capability granting unauthenticated upload access to
// one order. Only the opaque string is ever embedded in a QR code.
type Token struct {
	ID         string
	Token      string
	OrderID    string
	State      TokenState
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

type Proof struct {
	ID          string
	OrderID     string
	StorageKey  string
	ContentType string
	SizeBytes   int64
	UploadedAt  time.Time
}

// NotificationAttempt is one try on one channel for one recipient. Rows are
// append-only; status moves PENDING -> SENT or PENDING -> FAILED exactly once.
type NotificationAttempt struct {
	ID                string
	OrderID           string
	RecipientType     RecipientType
	Channel           Channel
	Status            AttemptStatus
	ErrorMessage      string
	ProviderRequestID string
	PhoneHash         string
	CreatedAt         time.Time
	SentAt            *time.Time
}

// OutboxEvent is the durable "proof ready" record written in the same
// transaction as the Proof insert. EnqueuedAt stays nil until the dispatch job
// made it onto the queue; the sweeper scans for nil.
type OutboxEvent struct {
	ID         string
	OrderID    string
	EventType  string
	EnqueuedAt *time.Time
	CreatedAt  time.Time
}
