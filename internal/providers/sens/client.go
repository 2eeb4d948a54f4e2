// Package sens implements the SMS fallback channel against the NAVER Cloud
// SENS SMS API.
package sens

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"prooflink/internal/channel"
)

type Client struct {
	BaseURL     string
	AccessKey   string
	SecretKey   string
	ServiceID   string
	FromNo      string
	CountryCode string
	HTTP        *http.Client

	// nowMillis is swappable in tests; zero value uses the wall clock.
	nowMillis func() int64
}

func (c *Client) Name() string { return "sens" }

type smsMessage struct {
	To string `json:"to"`
}

type sendBody struct {
	Type        string       `json:"type"`
	ContentType string       `json:"contentType"`
	CountryCode string       `json:"countryCode"`
	From        string       `json:"from"`
	Content     string       `json:"content"`
	Messages    []smsMessage `json:"messages"`
}

type sendResponse struct {
	RequestID  string `json:"requestId"`
	StatusCode string `json:"statusCode"`
	StatusName string `json:"statusName"`
}

// Signature builds the x-ncp-apigw-signature-v2 header value.
func Signature(secretKey, method, urlPath, timestampMillis, accessKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(method + " " + urlPath + "\n" + timestampMillis + "\n" + accessKey))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) Send(ctx context.Context, to channel.Recipient, p channel.Payload) (channel.Result, error) {
	country := c.CountryCode
	if country == "" {
		country = "82"
	}
	body, _ := json.Marshal(sendBody{
		Type:        "sms",
		ContentType: "COMM",
		CountryCode: country,
		From:        c.FromNo,
		Content:     p.Body,
		Messages:    []smsMessage{{To: to.Phone}},
	})

	urlPath := "/sms/v2/services/" + c.ServiceID + "/messages"
	endpoint := strings.TrimRight(c.BaseURL, "/") + urlPath

	now := c.nowMillis
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	ts := strconv.FormatInt(now(), 10)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("x-ncp-apigw-timestamp", ts)
	httpReq.Header.Set("x-ncp-iam-access-key", c.AccessKey)
	httpReq.Header.Set("x-ncp-apigw-signature-v2", Signature(c.SecretKey, http.MethodPost, urlPath, ts, c.AccessKey))

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		transient := errors.Is(err, context.DeadlineExceeded)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			transient = true
		}
		return channel.Result{}, &channel.SendError{Provider: "sens", Message: err.Error(), Transient: transient}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.StatusName
		if msg == "" {
			msg = "sens send failed"
		}
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return channel.Result{}, &channel.SendError{
			Provider: "sens", Code: out.StatusCode, HTTPStatus: resp.StatusCode,
			Message: msg, Transient: transient,
		}
	}
	// SENS reports acceptance as statusCode "202".
	if out.StatusCode != "" && out.StatusCode != "202" {
		return channel.Result{}, &channel.SendError{
			Provider: "sens", Code: out.StatusCode, HTTPStatus: resp.StatusCode,
			Message: out.StatusName, Transient: strings.HasPrefix(out.StatusCode, "5"),
		}
	}
	return channel.Result{RequestID: out.RequestID}, nil
}
