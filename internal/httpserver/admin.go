package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"prooflink/internal/domain"
	"prooflink/internal/service"
	"prooflink/internal/store"
	"prooflink/internal/util"
)

type AdminStore interface {
	InsertOrder(ctx context.Context, in store.OrderInsert) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, bool, error)
	ListAttempts(ctx context.Context, f store.AttemptFilter) (store.AttemptPage, error)
	Analytics(ctx context.Context, from, to time.Time) (store.Analytics, error)
	InsertOutboxEvent(ctx context.Context, id, orderID, eventType string, now time.Time) error
	MarkEventEnqueued(ctx context.Context, eventID string, now time.Time) error
}

type ResendQueue interface {
	EnqueueResend(ctx context.Context, orderID, eventID string) error
}

// AdminAPI is the authenticated backoffice surface. It only reads aggregated
// state the core produced, plus token issuance and manual resend.
type AdminAPI struct {
	Store  AdminStore
	Tokens *service.TokenService
	Queue  ResendQueue
}

func (a *AdminAPI) Register(r *mux.Router) {
	r.HandleFunc("/admin/orders", a.handleCreateOrder).Methods(http.MethodPost)
	r.HandleFunc("/admin/orders/{id}", a.handleGetOrder).Methods(http.MethodGet)
	r.HandleFunc("/admin/orders/{id}/token", a.handleIssueToken).Methods(http.MethodPost)
	r.HandleFunc("/admin/tokens/{token}/invalidate", a.handleInvalidateToken).Methods(http.MethodPost)
	r.HandleFunc("/admin/orders/{id}/notify", a.handleResend).Methods(http.MethodPost)
	r.HandleFunc("/admin/notifications", a.handleListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/admin/analytics", a.handleAnalytics).Methods(http.MethodGet)
}

type createOrderRequest struct {
	OrderNumber      string `json:"order_number"`
	Context          string `json:"context"`
	OrganizationName string `json:"organization_name"`
	SenderName       string `json:"sender_name"`
	SenderPhone      string `json:"sender_phone"`
	RecipientName    string `json:"recipient_name"`
	RecipientPhone   string `json:"recipient_phone"`
}

func (r createOrderRequest) validate() error {
	if r.OrderNumber == "" || r.OrganizationName == "" || r.SenderName == "" || r.SenderPhone == "" {
		return errors.New("missing required fields")
	}
	return nil
}

type orderResponse struct {
	ID               string    `json:"id"`
	OrderNumber      string    `json:"order_number"`
	Context          string    `json:"context,omitempty"`
	OrganizationName string    `json:"organization_name"`
	SenderName       string    `json:"sender_name"`
	RecipientName    string    `json:"recipient_name,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

func toOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:               o.ID,
		OrderNumber:      o.OrderNumber,
		Context:          o.Context,
		OrganizationName: o.OrganizationName,
		SenderName:       o.SenderName,
		RecipientName:    o.RecipientName,
		Status:           string(o.Status),
		CreatedAt:        o.CreatedAt,
	}
}

func (a *AdminAPI) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if err := req.validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	now := util.NowUTC()
	in := store.OrderInsert{
		ID:               util.NewOrderID(),
		OrderNumber:      req.OrderNumber,
		Context:          req.Context,
		OrganizationName: req.OrganizationName,
		SenderName:       req.SenderName,
		SenderPhone:      util.NormalizePhone(req.SenderPhone),
		RecipientName:    req.RecipientName,
		RecipientPhone:   util.NormalizePhone(req.RecipientPhone),
		Status:           string(domain.OrderPending),
		Now:              now,
	}
	if err := a.Store.InsertOrder(r.Context(), in); err != nil {
		slog.Error("create order failed", "err", err, "order_number", req.OrderNumber)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}

	writeJSON(w, http.StatusCreated, orderResponse{
		ID:               in.ID,
		OrderNumber:      in.OrderNumber,
		Context:          in.Context,
		OrganizationName: in.OrganizationName,
		SenderName:       in.SenderName,
		RecipientName:    in.RecipientName,
		Status:           in.Status,
		CreatedAt:        now,
	})
}

func (a *AdminAPI) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	order, found, err := a.Store.GetOrder(r.Context(), id)
	if err != nil {
		slog.Error("get order failed", "err", err, "id", id)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if !found {
		writeDetail(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type issueTokenResponse struct {
	Token          string    `json:"token"`
	OrderID        string    `json:"order_id"`
	HadActiveToken bool      `json:"had_active_token"`
	CreatedAt      time.Time `json:"created_at"`
}

func (a *AdminAPI) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	t, hadActive, err := a.Tokens.Issue(r.Context(), id, util.NowUTC())
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			writeDetail(w, http.StatusNotFound, ErrNotFound)
			return
		}
		slog.Error("issue token failed", "err", err, "order_id", id)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if hadActive {
		slog.Warn("issued token while another is still active", "order_id", id)
	}

	writeJSON(w, http.StatusCreated, issueTokenResponse{
		Token:          t.Token,
		OrderID:        t.OrderID,
		HadActiveToken: hadActive,
		CreatedAt:      t.CreatedAt,
	})
}

func (a *AdminAPI) handleInvalidateToken(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	if err := a.Tokens.Invalidate(r.Context(), token, util.NowUTC()); err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			writeDetail(w, http.StatusNotFound, ErrNotFound)
			return
		}
		slog.Error("invalidate token failed", "err", err)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// handleResend re-enters the dispatch pipeline for the proof-ready event. A
// fresh attempt sequence is appended; history is untouched.
func (a *AdminAPI) handleResend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	order, found, err := a.Store.GetOrder(r.Context(), id)
	if err != nil {
		slog.Error("resend lookup failed", "err", err, "id", id)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if !found {
		writeDetail(w, http.StatusNotFound, ErrNotFound)
		return
	}
	if order.Status != domain.OrderProofUploaded {
		writeDetail(w, http.StatusConflict, "order has no uploaded proof")
		return
	}

	now := util.NowUTC()
	eventID := util.NewEventID()
	if err := a.Store.InsertOutboxEvent(r.Context(), eventID, id, domain.EventProofReady, now); err != nil {
		slog.Error("resend outbox insert failed", "err", err, "order_id", id)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if err := a.Queue.EnqueueResend(r.Context(), id, eventID); err != nil {
		slog.Error("resend enqueue failed, sweeper will retry", "err", err, "order_id", id)
		// Outbox row already exists; report accepted, the sweeper picks it up.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	_ = a.Store.MarkEventEnqueued(r.Context(), eventID, util.NowUTC())

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type attemptResponse struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"order_id"`
	RecipientType     string     `json:"recipient_type"`
	Channel           string     `json:"channel"`
	Status            string     `json:"status"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ProviderRequestID string     `json:"provider_request_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
}

type notificationListResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	Total    int               `json:"total"`
}

func (a *AdminAPI) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.AttemptFilter{
		OrderID:       q.Get("order_id"),
		Status:        q.Get("status"),
		Channel:       q.Get("channel"),
		RecipientType: q.Get("recipient_type"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	var badRange bool
	f.From, badRange = parseDate(q.Get("from"), badRange)
	f.To, badRange = parseDate(q.Get("to"), badRange)
	if badRange {
		writeDetail(w, http.StatusBadRequest, "invalid date range, use RFC3339 or YYYY-MM-DD")
		return
	}

	page, err := a.Store.ListAttempts(r.Context(), f)
	if err != nil {
		slog.Error("list notifications failed", "err", err)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}

	out := notificationListResponse{Total: page.Total, Attempts: []attemptResponse{}}
	for _, at := range page.Attempts {
		out.Attempts = append(out.Attempts, attemptResponse{
			ID:                at.ID,
			OrderID:           at.OrderID,
			RecipientType:     string(at.RecipientType),
			Channel:           string(at.Channel),
			Status:            string(at.Status),
			ErrorMessage:      at.ErrorMessage,
			ProviderRequestID: at.ProviderRequestID,
			CreatedAt:         at.CreatedAt,
			SentAt:            at.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type analyticsResponse struct {
	OrdersTotal         int            `json:"orders_total"`
	OrdersProofUploaded int            `json:"orders_proof_uploaded"`
	ProofsTotal         int            `json:"proofs_total"`
	AttemptsByOutcome   map[string]int `json:"attempts_by_outcome"`
	FallbackRate        float64        `json:"fallback_rate"`
}

func (a *AdminAPI) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := util.NowUTC()

	from := now.AddDate(0, 0, -30)
	to := now
	if t, bad := parseDate(q.Get("from"), false); bad {
		writeDetail(w, http.StatusBadRequest, "invalid from date")
		return
	} else if t != nil {
		from = *t
	}
	if t, bad := parseDate(q.Get("to"), false); bad {
		writeDetail(w, http.StatusBadRequest, "invalid to date")
		return
	} else if t != nil {
		to = *t
	}

	stats, err := a.Store.Analytics(r.Context(), from, to)
	if err != nil {
		slog.Error("analytics failed", "err", err)
		writeDetail(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusOK, analyticsResponse{
		OrdersTotal:         stats.OrdersTotal,
		OrdersProofUploaded: stats.OrdersProofUploaded,
		ProofsTotal:         stats.ProofsTotal,
		AttemptsByOutcome:   stats.AttemptsByOutcome,
		FallbackRate:        stats.FallbackRate,
	})
}

func parseDate(s string, alreadyBad bool) (*time.Time, bool) {
	if alreadyBad {
		return nil, true
	}
	if s == "" {
		return nil, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, false
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, false
	}
	return nil, true
}
