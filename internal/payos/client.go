package payos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/digkill/gemstudio/internal/config"
)

// Client creates payment links on the PayOS merchant API.
type Client struct {
	baseURL     string
	clientID    string
	apiKey      string
	checksumKey string
	returnURL   string
	cancelURL   string
	httpClient  *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.PayOSBaseURL, "/"),
		clientID:    cfg.PayOSClientID,
		apiKey:      cfg.PayOSAPIKey,
		checksumKey: cfg.PayOSChecksumKey,
		returnURL:   cfg.PayOSReturnURL,
		cancelURL:   cfg.PayOSCancelURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

type LinkRequest struct {
	OrderCode   int64
	Amount      int
	Description string
}

type Link struct {
	CheckoutURL   string `json:"checkoutUrl"`
	PaymentLinkID string `json:"paymentLinkId"`
	Status        string `json:"status"`
	OrderCode     int64  `json:"orderCode"`
}

// Webhook is the body PayOS posts on payment events.
type Webhook struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// WebhookData holds the fields of Webhook.Data the service acts on.
type WebhookData struct {
	OrderCode int64  `json:"orderCode"`
	Amount    int    `json:"amount"`
	Code      string `json:"code"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

// Paid reports whether the event confirms payment: an explicit PAID status,
// or success code "00" when the data carries no status.
func (d WebhookData) Paid() bool {
	if d.Status != "" {
		return strings.EqualFold(d.Status, "PAID")
	}
	return d.Code == "00"
}

// ParseWebhook verifies the signature and decodes the data block.
func ParseWebhook(checksumKey string, body []byte) (*Webhook, *WebhookData, error) {
	var hook Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, nil, fmt.Errorf("%w: parse webhook: %v", ErrInvalidSignature, err)
	}
	if len(hook.Data) == 0 || hook.Signature == "" {
		return nil, nil, fmt.Errorf("%w: missing data or signature", ErrInvalidSignature)
	}
	if err := Verify(checksumKey, hook.Data, hook.Signature); err != nil {
		return nil, nil, err
	}

	var data WebhookData
	if err := json.Unmarshal(hook.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("decode webhook data: %w", err)
	}
	return &hook, &data, nil
}

func (c *Client) CreatePaymentLink(ctx context.Context, in LinkRequest) (*Link, error) {
	if c.clientID == "" || c.apiKey == "" {
		return nil, fmt.Errorf("payos credentials are not configured")
	}

	// PayOS caps descriptions at 25 characters.
	desc := in.Description
	if r := []rune(desc); len(r) > 25 {
		desc = string(r[:25])
	}

	signed := map[string]any{
		"amount":      in.Amount,
		"cancelUrl":   c.cancelURL,
		"description": desc,
		"orderCode":   in.OrderCode,
		"returnUrl":   c.returnURL,
	}
	payload := map[string]any{
		"orderCode":   in.OrderCode,
		"amount":      in.Amount,
		"description": desc,
		"cancelUrl":   c.cancelURL,
		"returnUrl":   c.returnURL,
		"signature":   Sign(c.checksumKey, signed),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payos request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/payment-requests", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build payos request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payos request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read payos response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payos status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Code string `json:"code"`
		Desc string `json:"desc"`
		Data *Link  `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode payos response: %w", err)
	}
	if parsed.Code != "00" || parsed.Data == nil || parsed.Data.CheckoutURL == "" {
		return nil, fmt.Errorf("payos rejected request: code=%s desc=%s", parsed.Code, parsed.Desc)
	}
	return parsed.Data, nil
}
