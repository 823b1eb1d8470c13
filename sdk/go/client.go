package intentlinesdk

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
)

// Client is a minimal Intentline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Anonymous     bool              `json:"anonymous"`
	Context       map[string]string `json:"context,omitempty"`
	ActiveSagaIDs []string          `json:"active_saga_ids,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// Execution represents an intent execution snapshot.
type Execution struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	SessionID   string         `json:"session_id"`
	IntentID    string         `json:"intent_id"`
	SagaID      string         `json:"saga_id"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	CreatedAt   string         `json:"created_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// Terminal reports whether the execution reached a final status.
func (e Execution) Terminal() bool {
	switch e.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Event represents a tenant log entry.
type Event struct {
	Sequence int64          `json:"sequence_number"`
	Type     string         `json:"event_type"`
	Payload  map[string]any `json:"payload"`
	TS       string         `json:"ts"`
}

// Contract represents a boundary contract.
type Contract struct {
	ID                  string   `json:"id"`
	SourceType          string   `json:"external_source_type"`
	SourceID            string   `json:"external_source_identifier"`
	AccessGranted       bool     `json:"access_granted"`
	AccessConditions    []string `json:"access_conditions,omitempty"`
	MaterializationType string   `json:"materialization_type,omitempty"`
	Scope               string   `json:"materialization_scope,omitempty"`
	BackingStore        string   `json:"backing_store,omitempty"`
	ExpiresAt           string   `json:"expires_at,omitempty"`
	Status              string   `json:"contract_status"`
	CreatedAt           string   `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession opens a session. Leave the client's TenantID empty for
// an anonymous session.
func (c *Client) CreateSession(ctx context.Context, userID string) (Session, error) {
	body := map[string]any{}
	if c.TenantID != "" {
		body["tenant_id"] = c.TenantID
	}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, ""), nil, &resp)
	return resp, err
}

// UpgradeSession binds an anonymous session to the client's tenant.
func (c *Client) UpgradeSession(ctx context.Context, sessionID, userID string) (Session, error) {
	body := map[string]any{"tenant_id": c.TenantID}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "upgrade"), body, &resp)
	return resp, err
}

// UpdateSessionContext merges entries into the session context. An
// empty value removes the key.
func (c *Client) UpdateSessionContext(ctx context.Context, sessionID string, context_ map[string]string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPatch, c.sessionPath(sessionID, "context"), map[string]any{"context": context_}, &resp)
	return resp, err
}

// SubmitIntent submits an intent for asynchronous execution and returns
// the pending execution handle.
func (c *Client) SubmitIntent(ctx context.Context, sessionID, intentType string, params map[string]any) (Execution, error) {
	body := map[string]any{
		"intent_type": intentType,
		"parameters":  params,
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "intents"), body, &resp)
	return resp, err
}

// Execution fetches an execution snapshot.
func (c *Client) Execution(ctx context.Context, executionID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, c.tenantPath("executions/"+url.PathEscape(executionID)), nil, &resp)
	return resp, err
}

// CancelExecution requests cancellation of a running execution.
func (c *Client) CancelExecution(ctx context.Context, executionID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.tenantPath("executions/"+url.PathEscape(executionID)+"/cancel"), nil, &resp)
	return resp, err
}

// WaitForExecution polls until the execution reaches a terminal status
// or the context is done.
func (c *Client) WaitForExecution(ctx context.Context, executionID string, interval time.Duration) (Execution, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		exec, err := c.Execution(ctx, executionID)
		if err != nil {
			return Execution{}, err
		}
		if exec.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Events reads the tenant log from a sequence number.
func (c *Client) Events(ctx context.Context, from int64, limit int) ([]Event, error) {
	endpoint := c.tenantPath("wal")
	if from > 0 {
		endpoint = fmt.Sprintf("%s?from=%d", endpoint, from)
	}
	if limit > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Contracts lists the tenant's boundary contracts.
func (c *Client) Contracts(ctx context.Context) ([]Contract, error) {
	var resp []Contract
	err := c.do(ctx, http.MethodGet, c.tenantPath("contracts"), nil, &resp)
	return resp, err
}

// Contract fetches a boundary contract by id.
func (c *Client) Contract(ctx context.Context, contractID string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, c.tenantPath("contracts/"+url.PathEscape(contractID)), nil, &resp)
	return resp, err
}

// SetTenantPolicy replaces the tenant's materialization policy rule.
func (c *Client) SetTenantPolicy(ctx context.Context, rule map[string]any) error {
	return c.do(ctx, http.MethodPut, c.tenantPath("policy"), rule, nil)
}

// DevLogin mints a bearer token on a dev-mode server and stores it on
// the client.
func (c *Client) DevLogin(ctx context.Context, userID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"tenant_id": c.TenantID, "user_id": userID}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(sessionID, p string) string {
	endpoint := "v0/sessions/" + url.PathEscape(sessionID)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
