package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"prooflink/internal/domain"
	"prooflink/internal/store"
)

// memUploadStore mirrors the transactional arbiter: the first FinalizeUpload
// for an order wins, every later call returns the existing proof.
type memUploadStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	tokens map[string]domain.Token
	proofs map[string]domain.Proof // by order id
	events map[string]domain.OutboxEvent
}

func newMemUploadStore() *memUploadStore {
	return &memUploadStore{
		orders: map[string]domain.Order{},
		tokens: map[string]domain.Token{},
		proofs: map[string]domain.Proof{},
		events: map[string]domain.OutboxEvent{},
	}
}

func (m *memUploadStore) GetToken(ctx context.Context, token string) (domain.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	return t, ok, nil
}

func (m *memUploadStore) GetOrder(ctx context.Context, orderID string) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	return o, ok, nil
}

func (m *memUploadStore) GetProofByOrder(ctx context.Context, orderID string) (domain.Proof, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[orderID]
	return p, ok, nil
}

func (m *memUploadStore) ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.State != domain.TokenActive {
		return false, nil
	}
	t.State = domain.TokenConsumed
	t.ConsumedAt = &now
	m.tokens[token] = t
	return true, nil
}

func (m *memUploadStore) FinalizeUpload(ctx context.Context, in store.FinalizeUpload) (domain.Proof, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.proofs[in.OrderID]; ok {
		return existing, false, nil
	}
	p := domain.Proof{
		ID: in.ProofID, OrderID: in.OrderID, StorageKey: in.StorageKey,
		ContentType: in.ContentType, SizeBytes: in.SizeBytes, UploadedAt: in.Now,
	}
	m.proofs[in.OrderID] = p
	if t, ok := m.tokens[in.Token]; ok && t.State == domain.TokenActive {
		t.State = domain.TokenConsumed
		t.ConsumedAt = &in.Now
		m.tokens[in.Token] = t
	}
	o := m.orders[in.OrderID]
	o.Status = domain.OrderProofUploaded
	m.orders[in.OrderID] = o
	m.events[in.EventID] = domain.OutboxEvent{
		ID: in.EventID, OrderID: in.OrderID,
		EventType: domain.EventProofReady, CreatedAt: in.Now,
	}
	return p, true, nil
}

func (m *memUploadStore) MarkEventEnqueued(ctx context.Context, eventID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if ok && ev.EnqueuedAt == nil {
		ev.EnqueuedAt = &now
		m.events[eventID] = ev
	}
	return nil
}

func (m *memUploadStore) seed(orderID, token string, state domain.TokenState) {
	m.orders[orderID] = domain.Order{
		ID: orderID, OrderNumber: "ORD-7", SenderPhone: "01012345678",
		Status: domain.OrderPending,
	}
	m.tokens[token] = domain.Token{
		ID: "tok_x", Token: token, OrderID: orderID, State: state,
	}
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (b *memBlobs) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) error {
	if b.err != nil {
		return b.err
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.data = map[string][]byte{}
	}
	b.data[key] = buf
	return nil
}

func (b *memBlobs) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.data[key]
	if !ok {
		return nil, "", errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(buf)), "image/jpeg", nil
}

type memQueue struct {
	mu       sync.Mutex
	enqueued []string // event ids
	err      error
}

func (q *memQueue) EnqueueProofReady(ctx context.Context, orderID, eventID string) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, eventID)
	return nil
}

func newUploadService(st *memUploadStore, blobs *memBlobs, q *memQueue) *UploadService {
	return &UploadService{Store: st, Blobs: blobs, Queue: q, MaxBytes: 1 << 20}
}

func TestUploadHappyPath(t *testing.T) {
	ctx := context.Background()
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	blobs := &memBlobs{}
	q := &memQueue{}
	svc := newUploadService(st, blobs, q)

	body := strings.NewReader("jpegbytes")
	proof, err := svc.Upload(ctx, "tok-a", "image/jpeg", body, int64(body.Len()))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if proof.OrderID != "ord_1" {
		t.Fatalf("proof bound to %q, want ord_1", proof.OrderID)
	}

	if st.tokens["tok-a"].State != domain.TokenConsumed {
		t.Fatalf("token state = %s, want CONSUMED", st.tokens["tok-a"].State)
	}
	if st.orders["ord_1"].Status != domain.OrderProofUploaded {
		t.Fatalf("order status = %s, want PROOF_UPLOADED", st.orders["ord_1"].Status)
	}
	if rc, _, err := blobs.Get(ctx, proof.StorageKey); err != nil {
		t.Fatalf("blob missing under %q: %v", proof.StorageKey, err)
	} else {
		rc.Close()
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(q.enqueued))
	}
	ev := st.events[q.enqueued[0]]
	if ev.EnqueuedAt == nil {
		t.Fatalf("event not marked enqueued after successful publish")
	}
}

func TestUploadUnknownToken(t *testing.T) {
	svc := newUploadService(newMemUploadStore(), &memBlobs{}, &memQueue{})
	_, err := svc.Upload(context.Background(), "nope", "image/jpeg", strings.NewReader("x"), 1)
	if !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("want ErrTokenNotFound, got %v", err)
	}
}

func TestUploadRejectsUnprocessableContent(t *testing.T) {
	ctx := context.Background()
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	q := &memQueue{}
	svc := newUploadService(st, &memBlobs{}, q)

	cases := []struct {
		name        string
		contentType string
		size        int64
	}{
		{"non-image", "application/pdf", 10},
		{"zero size", "image/png", 0},
		{"over limit", "image/png", (1 << 20) + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, "tok-a", tc.contentType, strings.NewReader("x"), tc.size)
			if !errors.Is(err, domain.ErrUnprocessableContent) {
				t.Fatalf("want ErrUnprocessableContent, got %v", err)
			}
		})
	}

	// Rejections never burn the token.
	if st.tokens["tok-a"].State != domain.TokenActive {
		t.Fatalf("token state = %s after rejections, want ACTIVE", st.tokens["tok-a"].State)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("no events expected, got %d", len(q.enqueued))
	}
}

func TestUploadConsumedTokenReturnsExistingProof(t *testing.T) {
	ctx := context.Background()
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	q := &memQueue{}
	svc := newUploadService(st, &memBlobs{}, q)

	first, err := svc.Upload(ctx, "tok-a", "image/jpeg", strings.NewReader("x"), 1)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}

	// Retry on the now-consumed token: confirmation, not an error.
	second, err := svc.Upload(ctx, "tok-a", "image/jpeg", strings.NewReader("y"), 1)
	if err != nil {
		t.Fatalf("retry upload: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry returned proof %s, want %s", second.ID, first.ID)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("retry must not emit a second event, got %d", len(q.enqueued))
	}
}

func TestUploadFreshTokenAfterProofReturnsExisting(t *testing.T) {
	ctx := context.Background()
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	blobs := &memBlobs{}
	q := &memQueue{}
	svc := newUploadService(st, blobs, q)

	first, err := svc.Upload(ctx, "tok-a", "image/jpeg", strings.NewReader("original"), 8)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}

	// An admin re-issued a link after the proof landed. The new token must not
	// overwrite the stored image and must not stay ACTIVE.
	st.tokens["tok-b"] = domain.Token{
		ID: "tok_y", Token: "tok-b", OrderID: "ord_1", State: domain.TokenActive,
	}
	second, err := svc.Upload(ctx, "tok-b", "image/jpeg", strings.NewReader("replacement"), 11)
	if err != nil {
		t.Fatalf("upload on fresh token: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("fresh token returned proof %s, want %s", second.ID, first.ID)
	}
	if st.tokens["tok-b"].State != domain.TokenConsumed {
		t.Fatalf("fresh token state = %s, want CONSUMED", st.tokens["tok-b"].State)
	}

	rc, _, err := blobs.Get(ctx, first.StorageKey)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	defer rc.Close()
	buf, _ := io.ReadAll(rc)
	if string(buf) != "original" {
		t.Fatalf("stored image overwritten: %q", buf)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("fresh token must not emit a second event, got %d", len(q.enqueued))
	}
}

func TestUploadConsumedTokenWithoutProofFails(t *testing.T) {
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenConsumed)
	svc := newUploadService(st, &memBlobs{}, &memQueue{})

	_, err := svc.Upload(context.Background(), "tok-a", "image/jpeg", strings.NewReader("x"), 1)
	if !errors.Is(err, domain.ErrTokenAlreadyConsumed) {
		t.Fatalf("want ErrTokenAlreadyConsumed, got %v", err)
	}
}

func TestUploadInvalidatedToken(t *testing.T) {
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenInvalidated)
	svc := newUploadService(st, &memBlobs{}, &memQueue{})

	_, err := svc.Upload(context.Background(), "tok-a", "image/jpeg", strings.NewReader("x"), 1)
	if !errors.Is(err, domain.ErrTokenInvalidated) {
		t.Fatalf("want ErrTokenInvalidated, got %v", err)
	}
}

func TestUploadStorageFailureLeavesStateUntouched(t *testing.T) {
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	q := &memQueue{}
	svc := newUploadService(st, &memBlobs{err: errors.New("disk full")}, q)

	_, err := svc.Upload(context.Background(), "tok-a", "image/jpeg", strings.NewReader("x"), 1)
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("want ErrStorageFailure, got %v", err)
	}

	if st.tokens["tok-a"].State != domain.TokenActive {
		t.Fatalf("token burned by failed storage write")
	}
	if _, ok := st.proofs["ord_1"]; ok {
		t.Fatalf("proof row created despite storage failure")
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("event emitted despite storage failure")
	}
}

func TestUploadEnqueueFailureStillSucceeds(t *testing.T) {
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	svc := newUploadService(st, &memBlobs{}, &memQueue{err: errors.New("sqs down")})

	proof, err := svc.Upload(context.Background(), "tok-a", "image/jpeg", strings.NewReader("x"), 1)
	if err != nil {
		t.Fatalf("upload must succeed even when enqueue fails: %v", err)
	}
	if proof.OrderID != "ord_1" {
		t.Fatalf("proof bound to %q", proof.OrderID)
	}

	// The outbox row stays un-enqueued so the sweeper picks it up.
	for _, ev := range st.events {
		if ev.EnqueuedAt != nil {
			t.Fatalf("event marked enqueued despite publish failure")
		}
	}
}

func TestUploadConcurrentSameToken(t *testing.T) {
	ctx := context.Background()
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	q := &memQueue{}
	svc := newUploadService(st, &memBlobs{}, q)

	const n = 16
	var wg sync.WaitGroup
	proofs := make(chan domain.Proof, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := svc.Upload(ctx, "tok-a", "image/jpeg", strings.NewReader("x"), 1)
			if err != nil {
				t.Errorf("concurrent upload: %v", err)
				return
			}
			proofs <- p
		}()
	}
	wg.Wait()
	close(proofs)

	ids := map[string]bool{}
	for p := range proofs {
		ids[p.ID] = true
	}
	if len(ids) != 1 {
		t.Fatalf("callers saw %d distinct proofs, want 1", len(ids))
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("%d events emitted under the race, want 1", len(q.enqueued))
	}
}

func TestOrderSummaryRequiresActiveToken(t *testing.T) {
	ctx := context.Background()
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	svc := newUploadService(st, &memBlobs{}, &memQueue{})

	order, hasProof, err := svc.OrderSummary(ctx, "tok-a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if order.ID != "ord_1" || hasProof {
		t.Fatalf("got order %q hasProof=%v", order.ID, hasProof)
	}

	if _, err := svc.Upload(ctx, "tok-a", "image/jpeg", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, _, err := svc.OrderSummary(ctx, "tok-a"); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("consumed token must read as expired, got %v", err)
	}
}

func TestProofSummaryWorksOnConsumedToken(t *testing.T) {
	ctx := context.Background()
	st := newMemUploadStore()
	st.seed("ord_1", "tok-a", domain.TokenActive)
	svc := newUploadService(st, &memBlobs{}, &memQueue{})

	if _, _, err := svc.ProofSummary(ctx, "tok-a"); !errors.Is(err, domain.ErrProofNotFound) {
		t.Fatalf("no proof yet: want ErrProofNotFound, got %v", err)
	}

	uploaded, err := svc.Upload(ctx, "tok-a", "image/jpeg", strings.NewReader("x"), 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	order, proof, err := svc.ProofSummary(ctx, "tok-a")
	if err != nil {
		t.Fatalf("proof summary: %v", err)
	}
	if proof.ID != uploaded.ID || order.ID != "ord_1" {
		t.Fatalf("got proof %s order %s", proof.ID, order.ID)
	}
}
