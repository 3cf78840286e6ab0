package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/retry"
)

var (
	// ErrNoWorkOrder is returned when the backend has nothing assigned
	ErrNoWorkOrder = errors.New("no work order assigned")
	// ErrUnauthorized is returned when the backend rejects the credentials
	ErrUnauthorized = errors.New("unauthorized")
)

// HTTPError is a non-success backend response
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// Client handles station communication with the MES backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryCfg   retry.Config
}

// NewClient creates a new backend client
func NewClient(cfg *config.Config) *Client {
	timeout := cfg.BackendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BackendURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryCfg: retry.DefaultConfig(),
	}
}

// SetRetryConfig overrides the backoff used for completion reports
func (c *Client) SetRetryConfig(rc retry.Config) {
	c.retryCfg = rc
}

// Login authenticates an operator and returns the session shared by all stations
func (c *Client) Login(ctx context.Context, workerCode, password string) (*Session, error) {
	req := loginRequest{WorkerCode: workerCode, Password: password}

	var resp loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", req, &resp); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("login %s: %w", workerCode, ErrUnauthorized)
		}
		return nil, fmt.Errorf("login %s: %w", workerCode, err)
	}

	token := resp.AccessToken
	if token == "" {
		token = resp.Token
	}
	if token == "" {
		return nil, fmt.Errorf("login %s: response carried no token", workerCode)
	}

	return NewSession(workerCode, token), nil
}

// MaterialLots returns the material lots mounted on a station
func (c *Client) MaterialLots(ctx context.Context, sess *Session, machineCode string) ([]core.MaterialLot, error) {
	path := "/api/machines/" + url.PathEscape(machineCode) + "/material-lots"

	var lots []core.MaterialLot
	if err := c.doJSON(ctx, http.MethodGet, path, sess.Token(), nil, &lots); err != nil {
		return nil, fmt.Errorf("failed to fetch material lots for %s: %w", machineCode, err)
	}
	if lots == nil {
		lots = []core.MaterialLot{}
	}
	return lots, nil
}

// NextWorkOrder returns the work order currently assigned to a station,
// or ErrNoWorkOrder when there is none
func (c *Client) NextWorkOrder(ctx context.Context, sess *Session, machineCode string) (*core.WorkOrder, error) {
	path := "/api/machines/" + url.PathEscape(machineCode) + "/workorder"

	body, status, err := c.do(ctx, http.MethodGet, path, sess.Token(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch work order for %s: %w", machineCode, err)
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return nil, ErrNoWorkOrder
	}
	if status >= 300 {
		return nil, &HTTPError{StatusCode: status, Body: string(body)}
	}

	return decodeWorkOrder(body)
}

// BOM returns the bill of materials for a product code
func (c *Client) BOM(ctx context.Context, sess *Session, productCode string) ([]core.BOMEntry, error) {
	path := "/api/bom/" + url.PathEscape(productCode)

	var entries []core.BOMEntry
	if err := c.doJSON(ctx, http.MethodGet, path, sess.Token(), nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to fetch BOM for %s: %w", productCode, err)
	}
	if entries == nil {
		entries = []core.BOMEntry{}
	}
	return entries, nil
}

// CompleteWorkOrder reports the actual quantity of a finished work order.
// The report is retried with backoff; 4xx responses are not retried.
func (c *Client) CompleteWorkOrder(ctx context.Context, sess *Session, machineCode, workOrderID string, actualQty int) error {
	path := "/api/machines/" + url.PathEscape(machineCode) + "/workorder/complete"
	req := completionRequest{WorkOrderNo: workOrderID, ActualQty: actualQty}

	_, err := retry.Do(ctx, c.retryCfg, func() error {
		err := c.doJSON(ctx, http.MethodPost, path, sess.Token(), req, nil)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to report completion of %s: %w", workOrderID, err)
	}

	log.Debug().
		Str("station", machineCode).
		Str("workOrder", workOrderID).
		Int("actualQty", actualQty).
		Msg("Work order completion sent to backend")
	return nil
}

// doJSON sends payload (if any) as JSON and decodes a 2xx response into out (if any)
func (c *Client) doJSON(ctx context.Context, method, path, token string, payload, out interface{}) error {
	body, status, err := c.do(ctx, method, path, token, payload)
	if err != nil {
		return err
	}
	if status >= 300 {
		return &HTTPError{StatusCode: status, Body: string(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, payload interface{}) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
