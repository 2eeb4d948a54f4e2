package sqsqueue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

// DispatchJob triggers one notification dispatch for an order event. EventID
// is the outbox row id for proof-ready events and a fresh id for manual
// resends, so a resend is never deduplicated away against the original.
type DispatchJob struct {
	OrderID   string `json:"orderId"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Resend    bool   `json:"resend,omitempty"`
}

func (p *Producer) EnqueueDispatch(ctx context.Context, job DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	// FIFO ordering per order keeps attempt sequences for one order serial.
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(job.OrderID),
		MessageDeduplicationId: str(job.EventID),
	})
	return err
}

// EnqueueProofReady publishes the upload pipeline's event.
func (p *Producer) EnqueueProofReady(ctx context.Context, orderID, eventID string) error {
	return p.EnqueueDispatch(ctx, DispatchJob{
		OrderID: orderID, EventID: eventID, EventType: "proof_ready",
	})
}

// EnqueueResend publishes a manual resend with a fresh event id so FIFO
// deduplication never collapses it into the original dispatch.
func (p *Producer) EnqueueResend(ctx context.Context, orderID, eventID string) error {
	return p.EnqueueDispatch(ctx, DispatchJob{
		OrderID: orderID, EventID: eventID, EventType: "proof_ready", Resend: true,
	})
}

func str(s string) *string { return &s }
