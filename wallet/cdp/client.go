package cdp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mark3labs/agentforum-go/retry"
)

// DefaultBaseURL is the production CDP API.
const DefaultBaseURL = "https://api.cdp.coinbase.com"

// Error type constants for programmatic error classification.
const (
	ErrorTypeRateLimit   = "rate_limit"
	ErrorTypeServerError = "server_error"
	ErrorTypeAuthError   = "auth_error"
	ErrorTypeClientError = "client_error"
)

// APIError is a non-2xx response from the CDP API.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
	RequestID  string
	Retryable  bool
	RetryAfter time.Duration
	Method     string
	Path       string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("CDP API error [%d]: %s", e.StatusCode, e.Message)
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (RequestID: %s)", e.RequestID)
	}
	if e.Method != "" && e.Path != "" {
		msg += fmt.Sprintf(" [%s %s]", e.Method, e.Path)
	}
	return msg
}

// tokenSource is satisfied by *Auth and by test doubles.
type tokenSource interface {
	BearerToken(method, path string) (string, error)
	WalletAuthToken(method, path string, body []byte) (string, error)
}

type client struct {
	baseURL    string
	httpClient *http.Client
	auth       tokenSource
	retry      retry.Config
	logger     *zap.Logger
}

func (c *client) do(ctx context.Context, method, path string, body, result interface{}, walletAuth bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.auth.BearerToken(method, path)
	if err != nil {
		return fmt.Errorf("generate JWT: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if walletAuth {
		walletToken, err := c.auth.WalletAuthToken(method, path, bodyBytes)
		if err != nil {
			return fmt.Errorf("generate wallet auth JWT: %w", err)
		}
		req.Header.Set("X-Wallet-Auth", walletToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyError(resp, method, path)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doWithRetry retries rate limits and server errors with exponential backoff.
func (c *client) doWithRetry(ctx context.Context, method, path string, body, result interface{}, walletAuth bool) error {
	return retry.Do(ctx, c.retry, isRetryable, func(attempt int) error {
		err := c.do(ctx, method, path, body, result, walletAuth)
		if err != nil {
			c.logger.Debug("cdp request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
}

func isRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

func classifyError(resp *http.Response, method, path string) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
		Method:     method,
		Path:       path,
	}

	bodyText, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr.Message = string(bodyText)

	var structured struct {
		ErrorType    string `json:"errorType"`
		ErrorMessage string `json:"errorMessage"`
	}
	if json.Unmarshal(bodyText, &structured) == nil && structured.ErrorMessage != "" {
		apiErr.Message = structured.ErrorMessage
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.ErrorType = ErrorTypeRateLimit
		apiErr.Retryable = true
		apiErr.RetryAfter = parseRetryAfter(resp)
		if apiErr.Message == "" {
			apiErr.Message = "Rate limit exceeded"
		}
	case resp.StatusCode >= 500:
		apiErr.ErrorType = ErrorTypeServerError
		apiErr.Retryable = true
		if apiErr.Message == "" {
			apiErr.Message = "CDP server error"
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.ErrorType = ErrorTypeAuthError
		if structured.ErrorType != "" {
			apiErr.ErrorType = structured.ErrorType
		}
		if apiErr.Message == "" {
			apiErr.Message = "Authentication failed - check API credentials"
		}
	default:
		apiErr.ErrorType = ErrorTypeClientError
		if structured.ErrorType != "" {
			apiErr.ErrorType = structured.ErrorType
		}
		if apiErr.Message == "" {
			apiErr.Message = "Invalid request parameters"
		}
	}

	return apiErr
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date. Zero means
// "use the normal backoff".
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(retryTime); d > 0 {
			return d
		}
	}
	return 0
}
