package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"escrowpay/internal/apierror"
	"escrowpay/internal/escrow"
	"escrowpay/internal/intent"
	"escrowpay/internal/receipt"
)

// APIClient talks to the escrow REST API on the buyer's behalf.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// FundIntent fetches a freshly derived intent. It satisfies IntentSource.
func (c *APIClient) FundIntent(ctx context.Context, escrowID string) (intent.FundIntent, error) {
	var out intent.FundIntent
	err := c.do(ctx, http.MethodPost, "/api/escrows/"+url.PathEscape(escrowID)+"/fund-intent", nil, &out)
	return out, err
}

func (c *APIClient) Escrow(ctx context.Context, escrowID string) (escrow.Record, error) {
	var out escrow.Record
	err := c.do(ctx, http.MethodGet, "/api/escrows/"+url.PathEscape(escrowID), nil, &out)
	return out, err
}

type fundedRequest struct {
	TxHash string `json:"txHash"`
	Payer  string `json:"payer,omitempty"`
}

// ConfirmFunding reports a mined funding transaction. The server verifies it
// on-chain before marking the escrow funded.
func (c *APIClient) ConfirmFunding(ctx context.Context, escrowID, txHash, payer string) (escrow.Record, error) {
	var out escrow.Record
	err := c.do(ctx, http.MethodPost, "/api/escrows/"+url.PathEscape(escrowID)+"/funded",
		fundedRequest{TxHash: txHash, Payer: payer}, &out)
	return out, err
}

type disputeRequest struct {
	Reason    string `json:"reason"`
	Signature string `json:"signature"`
}

// Dispute opens a dispute. signature is the payer's personal_sign over
// escrow.DisputeMessage(escrowID, reason).
func (c *APIClient) Dispute(ctx context.Context, escrowID, reason, signature string) (escrow.Record, error) {
	var out escrow.Record
	err := c.do(ctx, http.MethodPost, "/api/escrows/"+url.PathEscape(escrowID)+"/dispute",
		disputeRequest{Reason: reason, Signature: signature}, &out)
	return out, err
}

func (c *APIClient) Receipt(ctx context.Context, escrowID string) (receipt.Receipt, error) {
	var out receipt.Receipt
	err := c.do(ctx, http.MethodGet, "/api/receipts/"+url.PathEscape(escrowID), nil, &out)
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		blob, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.StatusCode == http.StatusAccepted {
		apiErr := &apierror.Error{Status: resp.StatusCode}
		if err := json.Unmarshal(blob, &apiErr.Body); err != nil || apiErr.Body.Code == "" {
			apiErr.Body = apierror.Body{Error: strings.TrimSpace(string(blob)), Code: apierror.CodeUpstream}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
