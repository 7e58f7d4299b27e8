// Package otr wraps the factoring partner's HTTP API: broker credit checks
// and invoice submissions.
package otr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/haulbooks/haulbooks/internal/billing"
)

// DefaultTimeout bounds every call to the factoring partner. A hung credit
// check or submission surfaces as an error instead of blocking invoicing.
const DefaultTimeout = 15 * time.Second

// Client talks to the factoring partner's API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a new client. A zero timeout falls back to
// DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type creditCheckPayload struct {
	TenantID   int64  `json:"tenant_id"`
	MCNumber   string `json:"mc_number,omitempty"`
	CustomerID int64  `json:"customer_id,omitempty"`
	BrokerName string `json:"broker_name"`
}

type creditCheckResponse struct {
	ApprovalStatus string   `json:"approval_status"`
	CreditLimit    *float64 `json:"credit_limit,omitempty"`
}

// CheckCredit asks the factoring partner whether the broker is approved.
// Transport errors and non-2xx statuses are returned to the caller, which
// treats them as "no verdict" rather than a fatal condition.
func (c *Client) CheckCredit(ctx context.Context, req billing.CreditCheckRequest) (billing.CreditVerdict, error) {
	payload := creditCheckPayload{
		TenantID:   req.TenantID,
		MCNumber:   req.MCNumber,
		CustomerID: req.CustomerID,
		BrokerName: req.BrokerName,
	}

	var resp creditCheckResponse
	if err := c.post(ctx, "/v1/credit-checks", payload, &resp); err != nil {
		return billing.CreditVerdict{}, err
	}

	verdict := billing.CreditVerdict{
		Status: billing.NormalizeApproval(resp.ApprovalStatus),
	}
	if resp.CreditLimit != nil {
		limit := decimal.NewFromFloat(*resp.CreditLimit)
		verdict.CreditLimit = &limit
	}
	return verdict, nil
}

type submissionPayload struct {
	TenantID      int64  `json:"tenant_id"`
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	BrokerMC      string `json:"broker_mc,omitempty"`
	BrokerName    string `json:"broker_name"`
	Reference     string `json:"reference"`
}

type submissionResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	OTRInvoiceID string `json:"otr_invoice_id,omitempty"`
}

// SubmitInvoice hands an invoice over to the factoring partner. The
// reference id lets the partner deduplicate retried submissions.
func (c *Client) SubmitInvoice(ctx context.Context, req billing.SubmissionRequest) (billing.SubmissionResult, error) {
	payload := submissionPayload{
		TenantID:      req.TenantID,
		InvoiceID:     req.InvoiceID,
		InvoiceNumber: req.InvoiceNumber,
		BrokerMC:      req.BrokerMC,
		BrokerName:    req.BrokerName,
		Reference:     uuid.NewString(),
	}

	var resp submissionResponse
	if err := c.post(ctx, "/v1/invoices", payload, &resp); err != nil {
		return billing.SubmissionResult{}, err
	}
	return billing.SubmissionResult{
		Success:      resp.Success,
		Error:        resp.Error,
		OTRInvoiceID: resp.OTRInvoiceID,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("otr: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("otr: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("otr: %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("otr: %s returned status %d: %s", path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("otr: decode response: %w", err)
	}
	return nil
}
