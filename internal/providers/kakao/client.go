// Package kakao implements the primary chat-push channel against a
// Kakao i Connect style AlimTalk API.
package kakao

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"prooflink/internal/channel"
)

type Client struct {
	BaseURL     string
	AccessToken string
	SenderKey   string
	SenderNo    string
	HTTP        *http.Client
}

func (c *Client) Name() string { return "kakao" }

type sendBody struct {
	MessageType  string `json:"message_type"`
	SenderKey    string `json:"sender_key"`
	TemplateCode string `json:"template_code"`
	PhoneNumber  string `json:"phone_number"`
	Message      string `json:"message"`
	FallBackYN   bool   `json:"fall_back_yn"`
	SenderNo     string `json:"sender_no,omitempty"`
}

type sendResponse struct {
	RequestID     string `json:"request_id"`
	ResultCode    string `json:"result_code"`
	ResultMessage string `json:"result_message"`
}

func (c *Client) Send(ctx context.Context, to channel.Recipient, p channel.Payload) (channel.Result, error) {
	body, _ := json.Marshal(sendBody{
		MessageType:  "AT",
		SenderKey:    c.SenderKey,
		TemplateCode: p.TemplateCode,
		PhoneNumber:  to.Phone,
		Message:      p.Body,
		// Fallback is handled by the dispatcher's own ladder, never delegated
		// to the provider.
		FallBackYN: false,
		SenderNo:   c.SenderNo,
	})

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v2/send/kakao"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return channel.Result{}, &channel.SendError{
			Provider: "kakao", Message: err.Error(), Transient: isTransportTransient(err),
		}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.ResultMessage
		if msg == "" {
			msg = "kakao send failed"
		}
		return channel.Result{}, &channel.SendError{
			Provider: "kakao", Code: out.ResultCode, HTTPStatus: resp.StatusCode,
			Message: msg, Transient: IsTransientStatus(resp.StatusCode),
		}
	}
	if out.ResultCode != "" && out.ResultCode != "0" && out.ResultCode != "200" {
		return channel.Result{}, &channel.SendError{
			Provider: "kakao", Code: out.ResultCode, HTTPStatus: resp.StatusCode,
			Message: out.ResultMessage, Transient: false,
		}
	}
	return channel.Result{RequestID: out.RequestID}, nil
}

func isTransportTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func IsTransientStatus(httpStatus int) bool {
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}
