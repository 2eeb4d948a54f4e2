package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"prooflink/internal/channel"
	"prooflink/internal/domain"
	sqsqueue "prooflink/internal/queue/sqs"
	"prooflink/internal/store"
)

// attemptRow is the observable ledger state the tests assert on.
type attemptRow struct {
	ID            string
	OrderID       string
	RecipientType string
	Channel       string
	Status        string
	ErrorMessage  string
	RequestID     string
}

type memDispatchStore struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	tokens   map[string]domain.Token // latest token by order id
	attempts []attemptRow

	insertErr error
	markErr   error
}

func newMemDispatchStore() *memDispatchStore {
	return &memDispatchStore{
		orders: map[string]domain.Order{},
		tokens: map[string]domain.Token{},
	}
}

func (m *memDispatchStore) GetOrder(ctx context.Context, orderID string) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	return o, ok, nil
}

func (m *memDispatchStore) GetLatestToken(ctx context.Context, orderID string) (domain.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[orderID]
	return t, ok, nil
}

func (m *memDispatchStore) InsertAttempt(ctx context.Context, in store.AttemptInsert) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attemptRow{
		ID: in.ID, OrderID: in.OrderID,
		RecipientType: in.RecipientType, Channel: in.Channel,
		Status: string(domain.AttemptPending),
	})
	return nil
}

func (m *memDispatchStore) MarkAttempt(ctx context.Context, in store.AttemptUpdate) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.attempts {
		if m.attempts[i].ID == in.ID && m.attempts[i].Status == string(domain.AttemptPending) {
			m.attempts[i].Status = in.Status
			m.attempts[i].ErrorMessage = in.ErrorMessage
			m.attempts[i].RequestID = in.ProviderRequestID
			return nil
		}
	}
	return nil
}

func (m *memDispatchStore) rows() []attemptRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]attemptRow, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// scriptedSender fails the first failures sends then succeeds, recording the
// payloads it saw.
type scriptedSender struct {
	mu        sync.Mutex
	name      string
	failures  int
	transient bool
	calls     int
	payloads  []channel.Payload
	phones    []string
}

func (s *scriptedSender) Name() string { return s.name }

func (s *scriptedSender) Send(ctx context.Context, to channel.Recipient, p channel.Payload) (channel.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.payloads = append(s.payloads, p)
	s.phones = append(s.phones, to.Phone)
	if s.calls <= s.failures {
		code := "4000"
		if s.transient {
			code = "500"
		}
		return channel.Result{}, &channel.SendError{Provider: s.name, Code: code, Message: "rejected", Transient: s.transient}
	}
	return channel.Result{RequestID: "req-" + s.name}, nil
}

func seedDispatchOrder(st *memDispatchStore, recipientPhone string) {
	st.orders["ord_1"] = domain.Order{
		ID: "ord_1", OrderNumber: "ORD-42", OrganizationName: "Bloom & Co",
		SenderName: "Kim", SenderPhone: "010-1234-5678",
		RecipientName: "Lee", RecipientPhone: recipientPhone,
		Status: domain.OrderProofUploaded,
	}
	st.tokens["ord_1"] = domain.Token{Token: "tok-view", OrderID: "ord_1", State: domain.TokenConsumed}
}

func job() sqsqueue.DispatchJob {
	return sqsqueue.DispatchJob{OrderID: "ord_1", EventID: "evt_1", EventType: domain.EventProofReady}
}

func TestDispatchPrimarySuccess(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	primary := &scriptedSender{name: "kakao"}
	fallback := &scriptedSender{name: "sens"}
	d := &Dispatcher{Store: st, Primary: primary, Fallback: fallback, PublicBaseURL: "https://proof.example.com"}

	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rows := st.rows()
	if len(rows) != 1 {
		t.Fatalf("got %d attempts, want 1: %+v", len(rows), rows)
	}
	r := rows[0]
	if r.Channel != string(domain.ChannelPrimary) || r.Status != string(domain.AttemptSent) {
		t.Fatalf("attempt = %s/%s, want PRIMARY/SENT", r.Channel, r.Status)
	}
	if r.RequestID != "req-kakao" {
		t.Fatalf("provider request id %q not recorded", r.RequestID)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback called %d times after primary success", fallback.calls)
	}

	// The payload carries the public proof link built from the latest token.
	if got := primary.payloads[0].URL; got != "https://proof.example.com/public/proof/tok-view" {
		t.Fatalf("proof url = %q", got)
	}
	if !strings.Contains(primary.payloads[0].Body, "ORD-42") {
		t.Fatalf("rendered body missing order number: %q", primary.payloads[0].Body)
	}
}

func TestDispatchFallbackAfterPrimaryFailure(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	primary := &scriptedSender{name: "kakao", failures: 1}
	fallback := &scriptedSender{name: "sens"}
	d := &Dispatcher{Store: st, Primary: primary, Fallback: fallback, PublicBaseURL: "https://x"}

	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rows := st.rows()
	if len(rows) != 2 {
		t.Fatalf("got %d attempts, want 2: %+v", len(rows), rows)
	}
	if rows[0].Channel != string(domain.ChannelPrimary) || rows[0].Status != string(domain.AttemptFailed) {
		t.Fatalf("first attempt = %s/%s, want PRIMARY/FAILED", rows[0].Channel, rows[0].Status)
	}
	if rows[0].ErrorMessage == "" {
		t.Fatalf("failed attempt must record the provider error")
	}
	if rows[1].Channel != string(domain.ChannelFallback) || rows[1].Status != string(domain.AttemptSent) {
		t.Fatalf("second attempt = %s/%s, want FALLBACK/SENT", rows[1].Channel, rows[1].Status)
	}
	// A permanent rejection goes straight to the fallback, no in-channel retry.
	if primary.calls != 1 {
		t.Fatalf("primary called %d times for a permanent rejection, want 1", primary.calls)
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	primary := &scriptedSender{name: "kakao", failures: 1, transient: true}
	fallback := &scriptedSender{name: "sens"}
	d := &Dispatcher{Store: st, Primary: primary, Fallback: fallback}

	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// One blip, one retry, same attempt row ends SENT. The fallback ladder is
	// never entered.
	if primary.calls != 2 {
		t.Fatalf("primary called %d times, want 2", primary.calls)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback used for a recovered transient failure")
	}
	rows := st.rows()
	if len(rows) != 1 || rows[0].Channel != string(domain.ChannelPrimary) || rows[0].Status != string(domain.AttemptSent) {
		t.Fatalf("ledger after recovered blip: %+v", rows)
	}
}

func TestDispatchTransientExhaustionFallsBack(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	primary := &scriptedSender{name: "kakao", failures: 10, transient: true}
	fallback := &scriptedSender{name: "sens"}
	d := &Dispatcher{Store: st, Primary: primary, Fallback: fallback, MaxSendTries: 2}

	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if primary.calls != 2 {
		t.Fatalf("primary called %d times, want bounded 2", primary.calls)
	}
	rows := st.rows()
	if len(rows) != 2 {
		t.Fatalf("got %d attempts, want 2: %+v", len(rows), rows)
	}
	if rows[0].Channel != string(domain.ChannelPrimary) || rows[0].Status != string(domain.AttemptFailed) {
		t.Fatalf("first attempt = %s/%s, want PRIMARY/FAILED", rows[0].Channel, rows[0].Status)
	}
	if rows[1].Channel != string(domain.ChannelFallback) || rows[1].Status != string(domain.AttemptSent) {
		t.Fatalf("second attempt = %s/%s, want FALLBACK/SENT", rows[1].Channel, rows[1].Status)
	}
}

func TestDispatchBothChannelsFailIsTerminal(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	d := &Dispatcher{
		Store:    st,
		Primary:  &scriptedSender{name: "kakao", failures: 10},
		Fallback: &scriptedSender{name: "sens", failures: 10},
	}

	// Exhausting the ladder is ledger state, not a job error: the job must not
	// be redriven.
	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rows := st.rows()
	if len(rows) != 2 {
		t.Fatalf("got %d attempts, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Status != string(domain.AttemptFailed) {
			t.Fatalf("attempt %s/%s, want FAILED", r.Channel, r.Status)
		}
	}
}

func TestDispatchNoFallbackConfigured(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	d := &Dispatcher{Store: st, Primary: &scriptedSender{name: "kakao", failures: 10}}

	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rows := st.rows()
	if len(rows) != 1 || rows[0].Status != string(domain.AttemptFailed) {
		t.Fatalf("want single FAILED primary attempt, got %+v", rows)
	}
}

func TestDispatchBothRecipients(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "010 9999 0000")
	primary := &scriptedSender{name: "kakao"}
	d := &Dispatcher{Store: st, Primary: primary, Fallback: &scriptedSender{name: "sens"}}

	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rows := st.rows()
	if len(rows) != 2 {
		t.Fatalf("got %d attempts, want one per recipient", len(rows))
	}
	if rows[0].RecipientType != string(domain.RecipientSender) || rows[1].RecipientType != string(domain.RecipientRecipient) {
		t.Fatalf("recipient order wrong: %+v", rows)
	}

	// Phones reach the provider normalized, and the ledger never sees them raw.
	if primary.phones[0] != "01012345678" || primary.phones[1] != "01099990000" {
		t.Fatalf("phones not normalized: %v", primary.phones)
	}
	for _, r := range rows {
		if strings.Contains(r.ErrorMessage, "0101234") {
			t.Fatalf("raw phone leaked into ledger: %+v", r)
		}
	}
}

func TestDispatchRecipientsIndependent(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "01099990000")
	// Sender exhausts both channels; recipient fails primary and lands on
	// fallback.
	primary := &scriptedSender{name: "kakao", failures: 2}
	fallback := &scriptedSender{name: "sens", failures: 1}
	d := &Dispatcher{Store: st, Primary: primary, Fallback: fallback}

	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rows := st.rows()
	// Sender: PRIMARY FAILED, FALLBACK FAILED. Recipient: PRIMARY FAILED,
	// FALLBACK SENT.
	if len(rows) != 4 {
		t.Fatalf("got %d attempts, want 4: %+v", len(rows), rows)
	}
	last := rows[3]
	if last.RecipientType != string(domain.RecipientRecipient) ||
		last.Channel != string(domain.ChannelFallback) ||
		last.Status != string(domain.AttemptSent) {
		t.Fatalf("recipient blocked by sender's failure: %+v", last)
	}
}

func TestDispatchResendAppendsToLedger(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	d := &Dispatcher{Store: st, Primary: &scriptedSender{name: "kakao"}}

	ctx := context.Background()
	if err := d.Dispatch(ctx, job()); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	resend := job()
	resend.EventID = "evt_2"
	resend.Resend = true
	if err := d.Dispatch(ctx, resend); err != nil {
		t.Fatalf("resend: %v", err)
	}

	rows := st.rows()
	if len(rows) != 2 {
		t.Fatalf("resend must append, got %d rows", len(rows))
	}
	if rows[0].ID == rows[1].ID {
		t.Fatalf("resend reused an attempt row")
	}
}

func TestDispatchUnknownOrderDropped(t *testing.T) {
	d := &Dispatcher{Store: newMemDispatchStore(), Primary: &scriptedSender{name: "kakao"}}
	if err := d.Dispatch(context.Background(), job()); err != nil {
		t.Fatalf("unknown order must be dropped, not redriven: %v", err)
	}
}

func TestDispatchStoreFailurePropagates(t *testing.T) {
	st := newMemDispatchStore()
	seedDispatchOrder(st, "")
	st.insertErr = errors.New("db down")
	d := &Dispatcher{Store: st, Primary: &scriptedSender{name: "kakao"}}

	if err := d.Dispatch(context.Background(), job()); err == nil {
		t.Fatalf("store failure must propagate for queue redrive")
	}
}

func TestTemplateSelection(t *testing.T) {
	d := &Dispatcher{Templates: map[string]string{
		"primary_sender":     "p-s {order}",
		"fallback_recipient": "f-r {url}",
	}}
	if got := d.template(domain.ChannelPrimary, domain.RecipientSender); got != "p-s {order}" {
		t.Fatalf("primary/sender = %q", got)
	}
	if got := d.template(domain.ChannelFallback, domain.RecipientRecipient); got != "f-r {url}" {
		t.Fatalf("fallback/recipient = %q", got)
	}
	// Missing keys fall to the default wording.
	if got := d.template(domain.ChannelFallback, domain.RecipientSender); !strings.Contains(got, "{url}") {
		t.Fatalf("default template missing url slot: %q", got)
	}
}
