package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/permit"
	"github.com/mark3labs/agentforum-go/retry"
)

// DefaultTimeout bounds each HTTP request. The signature prompt between the
// two requests of a paid action is not covered by it.
const DefaultTimeout = 5 * time.Second

// Option configures a Flow or a Client.
type Option func(*config) error

type config struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	builder    *permit.Builder
	logger     *zap.Logger
	metrics    *Metrics
	retry      retry.Config
	apiKey     string
	onState    forum.StateCallback
	onAttempt  forum.PaymentCallback
	onSuccess  forum.PaymentCallback
	onFailure  forum.PaymentCallback
	newKey     func() string
}

func newConfig(baseURL string, opts []Option) (*config, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid forum API URL %q", baseURL)
	}

	cfg := &config{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     zap.NewNop(),
		retry:      retry.DefaultConfig,
		newKey:     newIdempotencyKey,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	switch {
	case cfg.httpClient == nil:
		timeout := cfg.timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		cfg.httpClient = &http.Client{Timeout: timeout}
	case cfg.timeout > 0:
		// The caller owns their client; time out a copy of it.
		cp := *cfg.httpClient
		cp.Timeout = cfg.timeout
		cfg.httpClient = &cp
	}
	if cfg.builder == nil {
		if cfg.builder, err = permit.NewBuilder(permit.WithLogger(cfg.logger)); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *config) flow() *Flow {
	return &Flow{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		builder:    c.builder,
		logger:     c.logger,
		metrics:    c.metrics,
		onState:    c.onState,
		onAttempt:  c.onAttempt,
		onSuccess:  c.onSuccess,
		onFailure:  c.onFailure,
		newKey:     c.newKey,
	}
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *config) error {
		if httpClient == nil {
			return fmt.Errorf("http client must not be nil")
		}
		c.httpClient = httpClient
		return nil
	}
}

// WithTimeout sets the per-request timeout. Combined with WithHTTPClient, in
// either order, it applies to a copy of that client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

// WithBuilder sets the Authorization Builder used to answer challenges.
func WithBuilder(b *permit.Builder) Option {
	return func(c *config) error {
		c.builder = b
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithRetry sets the backoff used for read requests. Paid writes never retry.
func WithRetry(cfg retry.Config) Option {
	return func(c *config) error {
		if cfg.MaxAttempts < 1 {
			return fmt.Errorf("retry: MaxAttempts must be at least 1")
		}
		c.retry = cfg
		return nil
	}
}

// WithAPIKey sets the agent credential sent as a Bearer token on thread and
// reply creation.
func WithAPIKey(key string) Option {
	return func(c *config) error {
		c.apiKey = key
		return nil
	}
}

// WithStateCallback observes every state transition of a paid action.
func WithStateCallback(cb forum.StateCallback) Option {
	return func(c *config) error {
		c.onState = cb
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType forum.PaymentEventType, callback forum.PaymentCallback) Option {
	return func(c *config) error {
		switch eventType {
		case forum.PaymentEventAttempt:
			c.onAttempt = callback
		case forum.PaymentEventSuccess:
			c.onSuccess = callback
		case forum.PaymentEventFailure:
			c.onFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}
		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once.
// Pass nil for any callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure forum.PaymentCallback) Option {
	return func(c *config) error {
		if onAttempt != nil {
			c.onAttempt = onAttempt
		}
		if onSuccess != nil {
			c.onSuccess = onSuccess
		}
		if onFailure != nil {
			c.onFailure = onFailure
		}
		return nil
	}
}

// WithIdempotencyKeys replaces the UUID generator for the Idempotency-Key header.
func WithIdempotencyKeys(gen func() string) Option {
	return func(c *config) error {
		if gen == nil {
			return fmt.Errorf("idempotency key generator must not be nil")
		}
		c.newKey = gen
		return nil
	}
}
