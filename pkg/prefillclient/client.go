// Package prefillclient is the agent-side HTTP client for the prefill intent
// API.
package prefillclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/resilience"
)

// Client defines the calls a local agent makes against the API.
type Client interface {
	// FetchIntent retrieves an intent with its bearer token.
	FetchIntent(ctx context.Context, intentID, token string) (*model.PrefillIntent, error)
	// ReportResult delivers the agent's result log. It does not retry.
	ReportResult(ctx context.Context, intentID, token string, log model.PrefillLog) (*ReportResponse, error)
	// Health reports whether the API answered its liveness probe. Transport
	// errors are swallowed.
	Health(ctx context.Context) bool
}

// ReportResponse is the acknowledgement of a result report.
type ReportResponse struct {
	Message           string             `json:"message"`
	LogID             string             `json:"log_id"`
	Status            model.IntentStatus `json:"status"`
	FilledFieldsCount int                `json:"filled_fields_count"`
	ErrorsCount       int                `json:"errors_count"`
	Duplicate         bool               `json:"duplicate"`
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("prefillclient: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("prefillclient: status %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at http://localhost:8000 unless
// WithBaseURL says otherwise.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "http://localhost:8000",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) FetchIntent(ctx context.Context, intentID, token string) (*model.PrefillIntent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/prefill/intent/"+url.PathEscape(intentID), nil)
	if err != nil {
		return nil, eris.Wrap(err, "prefillclient: create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	var in model.PrefillIntent
	if err := c.do(req, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (c *httpClient) ReportResult(ctx context.Context, intentID, token string, log model.PrefillLog) (*ReportResponse, error) {
	body, err := json.Marshal(struct {
		IntentID  string           `json:"intent_id"`
		AuthToken string           `json:"auth_token"`
		Log       model.PrefillLog `json:"log"`
	}{intentID, token, log})
	if err != nil {
		return nil, eris.Wrap(err, "prefillclient: marshal report")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prefill/report-result", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "prefillclient: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var resp ReportResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.do(req, &body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

// do sends req and decodes a 2xx body into dst. Error responses become
// *APIError, wrapped as transient for statuses worth retrying.
func (c *httpClient) do(req *http.Request, dst any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "prefillclient: %s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return eris.Wrap(err, "prefillclient: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resilience.FromResponse(decodeAPIError(resp.StatusCode, body), resp)
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return eris.Wrap(err, "prefillclient: decode response")
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Type = env.Error.Type
		apiErr.Message = env.Error.Message
		apiErr.RequestID = env.RequestID
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// AsAPIError returns the *APIError in err's chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// IsExpired reports whether the server rejected the token as expired.
func IsExpired(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Type == "token_expired"
}

// IsConflict reports whether a different result was already recorded.
func IsConflict(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Type == "conflict"
}

// IsUnauthorized reports whether the token was rejected.
func IsUnauthorized(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Type == "unauthorized"
}
