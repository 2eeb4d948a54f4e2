package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"prooflink/internal/channel"
	"prooflink/internal/domain"
	"prooflink/internal/logging"
	"prooflink/internal/observability"
	sqsqueue "prooflink/internal/queue/sqs"
	"prooflink/internal/store"
	"prooflink/internal/util"
)

type Store interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, bool, error)
	GetLatestToken(ctx context.Context, orderID string) (domain.Token, bool, error)
	InsertAttempt(ctx context.Context, in store.AttemptInsert) error
	MarkAttempt(ctx context.Context, in store.AttemptUpdate) error
}

// Templates keys: "<channel>_<recipient>" with channel primary|fallback and
// recipient sender|recipient.
type Dispatcher struct {
	Store     Store
	Primary   channel.Sender
	Fallback  channel.Sender // nil disables the fallback ladder
	Templates map[string]string

	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
	SendTimeout time.Duration
	// MaxSendTries bounds in-attempt retries of transient provider failures.
	// Zero means the default of 3.
	MaxSendTries int

	PublicBaseURL string
	TemplateCode  string
}

// Dispatch sends the event's message to every relevant recipient. Channel
// order is static: PRIMARY first, FALLBACK only after PRIMARY reached FAILED.
// Send failures are terminal ledger state, never job errors; only store
// failures propagate so SQS redrives the job.
func (d *Dispatcher) Dispatch(ctx context.Context, job sqsqueue.DispatchJob) error {
	order, found, err := d.Store.GetOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("dispatch for unknown order, dropping", "order_id", job.OrderID)
		return nil
	}

	proofURL := d.PublicBaseURL
	if t, ok, err := d.Store.GetLatestToken(ctx, job.OrderID); err != nil {
		return err
	} else if ok {
		proofURL = d.PublicBaseURL + "/public/proof/" + t.Token
	}

	type target struct {
		rtype domain.RecipientType
		name  string
		phone string
	}
	targets := []target{
		{domain.RecipientSender, order.SenderName, util.NormalizePhone(order.SenderPhone)},
	}
	if p := util.NormalizePhone(order.RecipientPhone); p != "" {
		targets = append(targets, target{domain.RecipientRecipient, order.RecipientName, p})
	}

	// Recipients are independent: one exhausting its fallback never blocks
	// the other, but a store failure aborts for redrive.
	for _, t := range targets {
		if t.phone == "" {
			continue
		}
		if err := d.dispatchRecipient(ctx, order, t.rtype, t.name, t.phone, proofURL); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchRecipient(ctx context.Context, order domain.Order, rtype domain.RecipientType, name, phone, proofURL string) error {
	to := channel.Recipient{Name: name, Phone: phone}
	vars := map[string]string{
		"brand":     order.OrganizationName,
		"order":     order.OrderNumber,
		"context":   order.Context,
		"sender":    order.SenderName,
		"recipient": order.RecipientName,
		"url":       proofURL,
	}

	primaryPayload := channel.Payload{
		Body:         util.RenderTemplate(d.template(domain.ChannelPrimary, rtype), vars),
		URL:          proofURL,
		TemplateCode: d.TemplateCode,
	}

	sendErr, err := d.attempt(ctx, order.ID, rtype, domain.ChannelPrimary, to, primaryPayload)
	if err != nil {
		return err
	}
	if sendErr == nil {
		return nil
	}

	if d.Fallback == nil {
		slog.Warn("primary send failed and no fallback configured",
			"order_id", order.ID, "recipient_type", rtype, "err", sendErr)
		return nil
	}

	observability.Fallbacks.Inc()
	fallbackPayload := channel.Payload{
		Body: util.RenderTemplate(d.template(domain.ChannelFallback, rtype), vars),
		URL:  proofURL,
	}
	sendErr, err = d.attempt(ctx, order.ID, rtype, domain.ChannelFallback, to, fallbackPayload)
	if err != nil {
		return err
	}
	if sendErr != nil {
		// Terminal failed state for this recipient and event; surfaced to the
		// admin through the ledger, resend is manual.
		slog.Error("fallback send failed, recipient exhausted",
			"order_id", order.ID, "recipient_type", rtype,
			"phone_hash", logging.PhoneHash(phone), "err", sendErr)
	}
	return nil
}

// attempt records one ledger row and drives it to a terminal status. The
// returned sendErr is the provider outcome; err is a store failure.
func (d *Dispatcher) attempt(ctx context.Context, orderID string, rtype domain.RecipientType, ch domain.Channel, to channel.Recipient, p channel.Payload) (sendErr error, err error) {
	attemptID := util.NewAttemptID()
	if err := d.Store.InsertAttempt(ctx, store.AttemptInsert{
		ID:            attemptID,
		OrderID:       orderID,
		RecipientType: string(rtype),
		Channel:       string(ch),
		PhoneHash:     logging.PhoneHash(to.Phone),
		Now:           util.NowUTC(),
	}); err != nil {
		return nil, err
	}

	start := time.Now()
	res, sendErr := d.send(ctx, ch, to, p)
	observability.ChannelLatency.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())

	if sendErr != nil {
		observability.ChannelSend.WithLabelValues(string(ch), "error").Inc()
		if err := d.Store.MarkAttempt(ctx, store.AttemptUpdate{
			ID:           attemptID,
			Status:       string(domain.AttemptFailed),
			ErrorMessage: sendErr.Error(),
			Now:          util.NowUTC(),
		}); err != nil {
			return sendErr, err
		}
		return sendErr, nil
	}

	observability.ChannelSend.WithLabelValues(string(ch), "ok").Inc()
	if err := d.Store.MarkAttempt(ctx, store.AttemptUpdate{
		ID:                attemptID,
		Status:            string(domain.AttemptSent),
		ProviderRequestID: res.RequestID,
		Now:               util.NowUTC(),
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

// send retries transient provider failures a bounded number of times before
// the attempt goes FAILED. Permanent rejections never retry; the fallback
// ladder is the next step for those.
func (d *Dispatcher) send(ctx context.Context, ch domain.Channel, to channel.Recipient, p channel.Payload) (channel.Result, error) {
	tries := d.MaxSendTries
	if tries <= 0 {
		tries = 3
	}

	var res channel.Result
	var err error
	for i := 0; i < tries; i++ {
		res, err = d.sendOnce(ctx, ch, to, p)
		if err == nil {
			return res, nil
		}
		var se *channel.SendError
		if !errors.As(err, &se) || !se.Transient || i == tries-1 {
			return channel.Result{}, err
		}
		select {
		case <-ctx.Done():
			return channel.Result{}, err
		case <-time.After(channel.Backoff(i)):
		}
	}
	return channel.Result{}, err
}

// sendOnce wraps a single provider call with the per-pod rate limiter, the
// primary channel's circuit breaker and the per-send timeout. A timed-out
// send is a FAILED attempt, not a PENDING one.
func (d *Dispatcher) sendOnce(ctx context.Context, ch domain.Channel, to channel.Recipient, p channel.Payload) (channel.Result, error) {
	if d.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return channel.Result{}, &channel.SendError{Provider: "local", Code: "rate_limited_local", Message: "local rate limit wait timed out", Transient: true}
		}
	}

	sender := d.Primary
	if ch == domain.ChannelFallback {
		sender = d.Fallback
	}

	call := func() (any, error) {
		sendCtx := ctx
		if d.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, d.SendTimeout)
			defer cancel()
		}
		return sender.Send(sendCtx, to, p)
	}

	// Only the primary goes through the breaker: fallback sends are already
	// the last rung of the ladder.
	if ch == domain.ChannelPrimary && d.Breaker != nil {
		resAny, err := d.Breaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return channel.Result{}, &channel.SendError{Provider: sender.Name(), Code: "circuit_open", Message: err.Error(), Transient: true}
		}
		if err != nil {
			return channel.Result{}, err
		}
		return resAny.(channel.Result), nil
	}

	resAny, err := call()
	if err != nil {
		return channel.Result{}, err
	}
	return resAny.(channel.Result), nil
}

func (d *Dispatcher) template(ch domain.Channel, rtype domain.RecipientType) string {
	key := "primary_sender"
	switch {
	case ch == domain.ChannelPrimary && rtype == domain.RecipientRecipient:
		key = "primary_recipient"
	case ch == domain.ChannelFallback && rtype == domain.RecipientSender:
		key = "fallback_sender"
	case ch == domain.ChannelFallback && rtype == domain.RecipientRecipient:
		key = "fallback_recipient"
	}
	if t, ok := d.Templates[key]; ok && t != "" {
		return t
	}
	return "{brand}: delivery for order {order} is complete. {url}"
}
