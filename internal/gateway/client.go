// Package gateway implements the HTTP client for the third-party
// payment gateway.  The core consumes two calls: charge creation when
// an intent starts processing, and the authoritative status query used
// to verify webhook callbacks before any side effect.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Charge is the gateway's response to a charge creation: an opaque
// token plus the redirect URL the buyer completes payment on.
type Charge struct {
	TransactionRef string `json:"transaction_id"`
	Token          string `json:"token"`
	RedirectURL    string `json:"redirect_url"`
}

// TransactionStatus is the gateway's authoritative view of one
// transaction.
type TransactionStatus struct {
	TransactionRef string `json:"transaction_id"`
	Status         string `json:"transaction_status"`
	FraudStatus    string `json:"fraud_status"`
}

// Resolution classifies a gateway status for the commerce core.
type Resolution int

const (
	// ResolutionPending means the gateway is still settling; no side
	// effects may be applied yet.
	ResolutionPending Resolution = iota
	// ResolutionSuccess means the charge settled and the purchase may
	// be confirmed.
	ResolutionSuccess
	// ResolutionFailure means the charge terminally failed and held
	// stock must be released.
	ResolutionFailure
)

// Resolve maps a transaction status onto the core's three outcomes:
// capture/settlement with an accepted fraud flag is success,
// deny/cancel/expire/failure are terminal failures, and anything else
// is still pending.
func Resolve(st TransactionStatus) Resolution {
	switch st.Status {
	case "capture", "settlement":
		if st.FraudStatus == "" || st.FraudStatus == "accept" {
			return ResolutionSuccess
		}
		return ResolutionFailure
	case "deny", "cancel", "expire", "failure":
		return ResolutionFailure
	default:
		return ResolutionPending
	}
}

// Client talks to the gateway's REST API.  Requests authenticate with
// the merchant server key; responses outside 2xx become errors carrying
// the gateway's status code.
type Client struct {
	baseURL   string
	serverKey string
	http      *http.Client
}

// NewClient constructs a gateway client.  The base URL points at the
// gateway environment (sandbox or production).
func NewClient(baseURL, serverKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		serverKey: serverKey,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCharge registers a charge for the given order and amount and
// returns the token and redirect URL for the buyer.
func (c *Client) CreateCharge(ctx context.Context, orderID string, amountCents int64, metadata map[string]string) (Charge, error) {
	payload := map[string]any{
		"order_id":     orderID,
		"gross_amount": amountCents,
		"metadata":     metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Charge{}, fmt.Errorf("marshal charge request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/charge", bytes.NewReader(body))
	if err != nil {
		return Charge{}, fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return Charge{}, fmt.Errorf("create charge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Charge{}, fmt.Errorf("create charge: gateway returned %d", resp.StatusCode)
	}
	var charge Charge
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return Charge{}, fmt.Errorf("decode charge response: %w", err)
	}
	if charge.TransactionRef == "" {
		charge.TransactionRef = orderID
	}
	return charge, nil
}

// GetStatus queries the gateway's authoritative state for one
// transaction.  Webhook processing must use this rather than trusting
// the callback body.
func (c *Client) GetStatus(ctx context.Context, orderID string) (TransactionStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/"+orderID+"/status", nil)
	if err != nil {
		return TransactionStatus{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return TransactionStatus{}, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TransactionStatus{}, fmt.Errorf("get status: gateway returned %d", resp.StatusCode)
	}
	var st TransactionStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return TransactionStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return st, nil
}
