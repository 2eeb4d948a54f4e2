// Package providers builds concrete channel senders from configuration.
package providers

import (
	"fmt"
	"net/http"
	"time"

	"prooflink/internal/channel"
	"prooflink/internal/config"
	"prooflink/internal/providers/kakao"
	"prooflink/internal/providers/sens"
)

// NewSender maps a configured channel key to its variant. Unknown keys are a
// startup error, not a silent noop.
func NewSender(key string, cfg config.WorkerConfig) (channel.Sender, error) {
	httpClient := &http.Client{Timeout: time.Duration(cfg.SendTimeoutSeconds+2) * time.Second}

	switch key {
	case "kakao":
		return &kakao.Client{
			BaseURL:     cfg.KakaoBaseURL,
			AccessToken: cfg.KakaoAPIKey,
			SenderKey:   cfg.KakaoSenderKey,
			HTTP:        httpClient,
		}, nil
	case "sens":
		return &sens.Client{
			BaseURL:   cfg.SensBaseURL,
			AccessKey: cfg.SensAccessKey,
			SecretKey: cfg.SensSecretKey,
			ServiceID: cfg.SensServiceID,
			FromNo:    cfg.SensFromNo,
			HTTP:      httpClient,
		}, nil
	case "noop":
		return channel.Noop{}, nil
	}
	return nil, fmt.Errorf("unknown channel sender %q", key)
}
