package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Trustforge API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // API key, e.g. "sk_..."
	Identity string // Caller's identity, e.g. "0x..."
}

// Client is a pure HTTP client for the Trustforge API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is an error response from the API. Session holds the current
// snapshot when the server attached one.
type APIError struct {
	Status  int
	Code    string
	Message string
	Session json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type errorBody struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Session json.RawMessage `json:"session"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
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

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
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
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && (eb.Error != "" || eb.Message != "") {
			apiErr.Code = eb.Error
			apiErr.Message = eb.Message
			apiErr.Session = eb.Session
		} else {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// LockDeal opens the session for a proposed match.
func (c *Client) LockDeal(ctx context.Context, matchID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/matches/"+url.PathEscape(matchID)+"/lock", nil, nil)
}

// GetMatch returns a match with both listings.
func (c *Client) GetMatch(ctx context.Context, matchID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/matches/"+url.PathEscape(matchID), nil, nil)
}

// GetSession returns the caller's view of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// ListSessions lists the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/identities/"+c.cfg.Identity+"/sessions", q, nil)
}

// SubmitPayment starts the payer's transfer for a session.
func (c *Client) SubmitPayment(ctx context.Context, sessionID string, expectedVersion int64, externalRef string) (json.RawMessage, error) {
	body := map[string]any{
		"expectedVersion": expectedVersion,
	}
	if externalRef != "" {
		body["externalRef"] = externalRef
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/pay", nil, body)
}

// ConfirmCompletion records the caller's confirmation.
func (c *Client) ConfirmCompletion(ctx context.Context, sessionID string, expectedVersion int64) (json.RawMessage, error) {
	body := map[string]any{
		"expectedVersion": expectedVersion,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/confirm", nil, body)
}

// VoidSession cancels a session that has not completed.
func (c *Client) VoidSession(ctx context.Context, sessionID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"reason": reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/void", nil, body)
}

// GetReputation returns the reputation profile for an identity.
func (c *Client) GetReputation(ctx context.Context, identity string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/reputation/"+url.PathEscape(identity), nil, nil)
}
