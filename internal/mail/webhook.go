package mail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/notify"
)

// Header names set on webhook deliveries.
const (
	HeaderSignature = "X-Sentinel-Signature"
	HeaderTimestamp = "X-Sentinel-Timestamp"
	HeaderMessageID = "X-Sentinel-Message-Id"
)

// WebhookSender posts alerts to a mail relay over HTTPS. Payloads are
// signed with HMAC-SHA256 over the body.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Channel reports the delivery channel recorded for this sender.
func (w *WebhookSender) Channel() cases.Channel { return cases.ChannelWebhook }

type webhookPayload struct {
	ID             string   `json:"id"`
	CustomerID     string   `json:"customerId"`
	To             string   `json:"to"`
	Subject        string   `json:"subject"`
	HTML           string   `json:"html"`
	TransactionIDs []string `json:"transactionIds"`
}

// Send posts msg and treats any 2xx response as delivered.
func (w *WebhookSender) Send(ctx context.Context, msg notify.Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	payload, err := json.Marshal(webhookPayload{
		ID:             msg.ID,
		CustomerID:     msg.CustomerID,
		To:             msg.To,
		Subject:        msg.Subject,
		HTML:           msg.HTML,
		TransactionIDs: msg.TransactionIDs,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set(HeaderMessageID, msg.ID)
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ notify.MailSender = (*WebhookSender)(nil)
