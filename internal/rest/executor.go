package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dhanflow/config"
	"dhanflow/internal/ratelimit"
	"dhanflow/logger"
)

const userAgent = "dhanflow/1.0"

// APIError is a non-2xx response from the trading API, decoded from the
// error payload when one is present.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: HTTP %d: %s", e.StatusCode, e.Message)
}

// errorBody is the error payload shape used by the API.
type errorBody struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Executor performs authenticated REST calls against the trading API. Every
// request passes through the client-side rate limiter before it is
// dispatched, so callers never trip the server-side limits.
type Executor struct {
	cfg     config.APIConfig
	client  *http.Client
	limiter *ratelimit.Limiter
	log     *logger.Entry
}

func NewExecutor(cfg config.APIConfig, limiter *ratelimit.Limiter) *Executor {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     logger.GetLogger().WithComponent("rest_executor"),
	}
}

// Do admits the request through the tier's rate limiter, then sends it and
// decodes the JSON response into out. A nil out discards the response body.
// Blocking in the limiter ends when ctx does.
func (e *Executor) Do(ctx context.Context, tier ratelimit.Tier, method, path string, body, out interface{}) error {
	if e.limiter != nil {
		if err := e.limiter.Throttle(ctx, tier); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", e.cfg.AccessToken)
	if e.cfg.ClientID != "" {
		req.Header.Set("client-id", e.cfg.ClientID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return e.apiError(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Get fetches path on the data or non-trading tier.
func (e *Executor) Get(ctx context.Context, tier ratelimit.Tier, path string, out interface{}) error {
	return e.Do(ctx, tier, http.MethodGet, path, nil, out)
}

// Post sends body to path. Order placement runs on the order tier.
func (e *Executor) Post(ctx context.Context, tier ratelimit.Tier, path string, body, out interface{}) error {
	return e.Do(ctx, tier, http.MethodPost, path, body, out)
}

// Put modifies the resource at path.
func (e *Executor) Put(ctx context.Context, tier ratelimit.Tier, path string, body, out interface{}) error {
	return e.Do(ctx, tier, http.MethodPut, path, body, out)
}

// Delete removes the resource at path.
func (e *Executor) Delete(ctx context.Context, tier ratelimit.Tier, path string, out interface{}) error {
	return e.Do(ctx, tier, http.MethodDelete, path, nil, out)
}

func (e *Executor) apiError(method, path string, status int, data []byte) error {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var parsed errorBody
	if err := json.Unmarshal(data, &parsed); err == nil && (parsed.ErrorCode != "" || parsed.ErrorMessage != "") {
		apiErr.Code = parsed.ErrorCode
		apiErr.Message = parsed.ErrorMessage
	} else if excerpt := strings.TrimSpace(string(data)); excerpt != "" {
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		apiErr.Message = excerpt
	}
	e.log.WithFields(logger.Fields{
		"method": method,
		"path":   path,
		"status": status,
		"code":   apiErr.Code,
	}).Warn("api request rejected")
	return apiErr
}
