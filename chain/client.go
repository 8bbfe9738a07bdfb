package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultCallTimeout = 30 * time.Second

// Client talks to the chain-indexer service over HTTP. One client serves all
// networks; the per-source provider key is sent with every request.
type Client struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	callTimeout time.Duration
}

// ClientConfig configures the indexer client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
}

// NewClient builds an indexer client with a bounded per-call timeout.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		http:        &http.Client{Timeout: timeout},
		callTimeout: timeout,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chain: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("project_id", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(data))
		if len(message) > 512 {
			message = message[:512]
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("chain: decode response: %w", err)
	}
	return nil
}

// AssetHolder implements Adapter.
func (c *Client) AssetHolder(ctx context.Context, network, unit string) (*AssetHolder, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	var holders []AssetHolder
	path := fmt.Sprintf("/v1/%s/assets/%s/addresses", url.PathEscape(strings.ToLower(network)), url.PathEscape(unit))
	if err := c.get(ctx, path, nil, &holders); err != nil {
		return nil, err
	}
	if len(holders) != 1 {
		return nil, &RequestError{StatusCode: 404, Message: fmt.Sprintf("asset %s has %d holders", unit, len(holders))}
	}
	return &holders[0], nil
}

// AgentMetadata implements Adapter.
func (c *Client) AgentMetadata(ctx context.Context, network, unit string) (*AgentMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	var payload struct {
		OnchainMetadata json.RawMessage `json:"onchainMetadata"`
	}
	path := fmt.Sprintf("/v1/%s/assets/%s", url.PathEscape(strings.ToLower(network)), url.PathEscape(unit))
	if err := c.get(ctx, path, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.OnchainMetadata) == 0 || string(payload.OnchainMetadata) == "null" {
		return nil, &RequestError{StatusCode: 404, Message: fmt.Sprintf("asset %s has no on-chain metadata", unit)}
	}
	return DecodeAgentMetadata(payload.OnchainMetadata)
}

// ContractTransactions implements Adapter.
func (c *Client) ContractTransactions(ctx context.Context, network, contractAddress string, sinceMillis int64, limit int) ([]TxObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{}
	query.Set("since", strconv.FormatInt(sinceMillis, 10))
	query.Set("limit", strconv.Itoa(limit))
	var txs []TxObservation
	path := fmt.Sprintf("/v1/%s/contracts/%s/transactions", url.PathEscape(strings.ToLower(network)), url.PathEscape(contractAddress))
	if err := c.get(ctx, path, query, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// SubmitAction implements Adapter.
func (c *Client) SubmitAction(ctx context.Context, req ActionRequest) (*Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	var submission Submission
	path := fmt.Sprintf("/v1/%s/transactions", url.PathEscape(strings.ToLower(req.Network)))
	if err := c.post(ctx, path, req, &submission); err != nil {
		return nil, err
	}
	if strings.TrimSpace(submission.TxHash) == "" {
		return nil, fmt.Errorf("chain: builder returned empty tx hash")
	}
	return &submission, nil
}
