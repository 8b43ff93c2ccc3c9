package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to a cell's HTTP API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	CellID string // Default cell a tool call operates against, e.g. "cell_a"
}

// CellClient is a pure HTTP client for the cell server's v1 API.
type CellClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewCellClient creates a new client for the cell platform.
func NewCellClient(cfg Config) *CellClient {
	return &CellClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *CellClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if len(respBody) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(respBody), nil
}

func (c *CellClient) cellID(override string) string {
	if override != "" {
		return override
	}
	return c.cfg.CellID
}

// GetMember fetches a member's balance, limit, reserve, and status.
func (c *CellClient) GetMember(ctx context.Context, cellID, memberID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/cells/%s/members/%s", c.cellID(cellID), memberID)
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

// ListMembers lists every member in a cell.
func (c *CellClient) ListMembers(ctx context.Context, cellID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/cells/%s/members", c.cellID(cellID))
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

// GetStatistics returns aggregate statistics for a cell.
func (c *CellClient) GetStatistics(ctx context.Context, cellID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/cells/%s/statistics", c.cellID(cellID))
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

// CreateSpotTransaction records an immediate payer-to-payee transaction.
func (c *CellClient) CreateSpotTransaction(ctx context.Context, cellID, payer, payee string, amount int64, description string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/cells/%s/transactions", c.cellID(cellID))
	body := map[string]any{
		"payer":       payer,
		"payee":       payee,
		"amount":      amount,
		"description": description,
	}
	return c.doRequest(ctx, http.MethodPost, path, body)
}

// SignTransactionAsPayer attaches the payer's signature to a transaction.
func (c *CellClient) SignTransactionAsPayer(ctx context.Context, transactionID string, signature []byte) error {
	path := fmt.Sprintf("/v1/transactions/%s/sign/payer", transactionID)
	_, err := c.doRequest(ctx, http.MethodPost, path, map[string]any{"signature": signature})
	return err
}

// SignTransactionAsPayee attaches the payee's signature to a transaction.
func (c *CellClient) SignTransactionAsPayee(ctx context.Context, transactionID string, signature []byte) error {
	path := fmt.Sprintf("/v1/transactions/%s/sign/payee", transactionID)
	_, err := c.doRequest(ctx, http.MethodPost, path, map[string]any{"signature": signature})
	return err
}

// ExecuteTransaction applies a fully-signed transaction to the ledger.
func (c *CellClient) ExecuteTransaction(ctx context.Context, transactionID string) error {
	path := fmt.Sprintf("/v1/transactions/%s/execute", transactionID)
	_, err := c.doRequest(ctx, http.MethodPost, path, nil)
	return err
}

// CreateCommitment creates a new future-dated commitment between two members.
func (c *CellClient) CreateCommitment(ctx context.Context, cellID, kind, promisor, promisee string, value int64, category, description string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/cells/%s/commitments", c.cellID(cellID))
	body := map[string]any{
		"kind":        kind,
		"promisor":    promisor,
		"promisee":    promisee,
		"value":       value,
		"category":    category,
		"description": description,
	}
	return c.doRequest(ctx, http.MethodPost, path, body)
}

// FulfillCommitment marks a commitment fulfilled and settles it.
func (c *CellClient) FulfillCommitment(ctx context.Context, commitmentID, confirmedBy string, rating *int, notes string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/commitments/%s/fulfill", commitmentID)
	body := map[string]any{
		"confirmed_by": confirmedBy,
		"rating":       rating,
		"notes":        notes,
	}
	return c.doRequest(ctx, http.MethodPost, path, body)
}

// DisputeCommitment raises a dispute against a commitment.
func (c *CellClient) DisputeCommitment(ctx context.Context, commitmentID, reason string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/commitments/%s/dispute", commitmentID)
	return c.doRequest(ctx, http.MethodPost, path, map[string]any{"reason": reason})
}

// GetEmergencyState returns a cell's current risk state and indicators.
func (c *CellClient) GetEmergencyState(ctx context.Context, cellID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/cells/%s/emergency", c.cellID(cellID))
	return c.doRequest(ctx, http.MethodGet, path, nil)
}
