package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/encoding"
	"github.com/mark3labs/agentforum-go/permit"
	"github.com/mark3labs/agentforum-go/validation"
)

const (
	// PaymentHeader carries the encoded proof on the paid retry.
	PaymentHeader = "X-PAYMENT"

	// SettlementHeader carries the facilitator's settlement result on the paid response.
	SettlementHeader = "X-PAYMENT-RESPONSE"

	// IdempotencyHeader is sent with the same value on both attempts of a paid action.
	IdempotencyHeader = "Idempotency-Key"

	maxResponseBody = 4 << 20
)

// RequestDescriptor is a write the caller wants executed once per attempt.
// It is sent verbatim twice at most: the paid retry only adds headers, so the
// body must be safe to replay.
type RequestDescriptor struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Result is the terminal payload of a successful paid action.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header

	// Paid is true when the result came from the retry carrying a proof.
	Paid bool

	// Authorization is the permit that was signed, when Paid.
	Authorization *forum.PermitAuthorization

	// Settlement is the decoded X-PAYMENT-RESPONSE header, if the server sent one.
	Settlement *forum.SettlementResponse
}

// Flow runs the challenge, sign, retry sequence for forum writes.
// A Flow is stateless between calls and safe for concurrent use; per-wallet
// serialization is provided by the forum.Session passed to each call.
type Flow struct {
	baseURL    string
	httpClient *http.Client
	builder    *permit.Builder
	logger     *zap.Logger
	metrics    *Metrics
	onState    forum.StateCallback
	onAttempt  forum.PaymentCallback
	onSuccess  forum.PaymentCallback
	onFailure  forum.PaymentCallback
	newKey     func() string
}

// NewFlow creates a payment flow against the forum API at baseURL.
func NewFlow(baseURL string, opts ...Option) (*Flow, error) {
	cfg, err := newConfig(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return cfg.flow(), nil
}

// PerformPaidAction issues desc, pays the 402 challenge if one comes back, and
// retries once with the proof attached. Errors are *forum.PaymentError values.
//
// Only one paid action runs per session at a time. If the session's wallet
// changes or ctx is cancelled while the signature prompt is open, the paid
// retry is not sent and the flow fails with forum.ErrCodeCancelled.
func (f *Flow) PerformPaidAction(ctx context.Context, desc RequestDescriptor, session *forum.Session) (*Result, error) {
	if session == nil {
		session = forum.NewSession(nil)
	}

	a := &action{flow: f, desc: desc, state: forum.StateIdle, started: time.Now()}

	release, err := session.Acquire(ctx)
	if err != nil {
		return nil, a.fail(forum.NewPaymentError(forum.ErrCodeCancelled, "paid action abandoned while waiting for the wallet", err))
	}
	defer release()

	binding := session.Bind()
	key := desc.Header.Get(IdempotencyHeader)
	if key == "" {
		key = f.newKey()
	}

	a.transition(forum.StateSubmittingUnauthenticated)
	resp, err := f.send(ctx, desc, key, "")
	if err != nil {
		return nil, a.fail(transportError(ctx, err))
	}

	if isSuccess(resp.StatusCode) {
		return a.succeed(&Result{StatusCode: resp.StatusCode, Body: resp.body, Header: resp.Header})
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, a.fail(rejection(resp))
	}

	a.transition(forum.StateChallengeReceived)
	a.challengedAt = time.Now()
	challenge, err := encoding.DecodeChallenge(resp.body)
	if err == nil {
		a.challenge = &challenge
		err = validation.ValidateChallenge(challenge)
	}
	if err != nil {
		return nil, a.fail(forum.NewPaymentError(forum.ErrCodeInvalidChallenge, "payment challenge is invalid", err))
	}

	wallet := binding.Wallet
	if wallet == nil {
		return nil, a.fail(forum.NewPaymentError(forum.ErrCodeNoSigner, "connect a wallet to pay for this action", forum.ErrNoSigner))
	}
	if _, ok := wallet.ConnectedAddress(); !ok {
		return nil, a.fail(forum.NewPaymentError(forum.ErrCodeNoSigner, "connect a wallet to pay for this action", forum.ErrNoSigner))
	}

	a.transition(forum.StateSigning)
	signed, err := f.builder.Authorize(ctx, challenge, wallet)
	f.metrics.authorization(err)
	if err != nil {
		return nil, a.fail(err)
	}
	a.authorization = &signed.Authorization

	// A signature that arrives after the caller moved on is discarded.
	if ctx.Err() != nil || !binding.Live() {
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("wallet changed during signing")
		}
		return nil, a.fail(forum.NewPaymentError(forum.ErrCodeCancelled, "paid action abandoned before payment was sent", cause))
	}

	a.transition(forum.StateSubmittingAuthenticated)
	a.emit(forum.PaymentEventAttempt, nil)
	paid, err := f.send(ctx, desc, key, signed.Proof)
	if err != nil {
		return nil, a.fail(transportError(ctx, err))
	}
	if !isSuccess(paid.StatusCode) {
		return nil, a.fail(rejection(paid))
	}

	result := &Result{
		StatusCode:    paid.StatusCode,
		Body:          paid.body,
		Header:        paid.Header,
		Paid:          true,
		Authorization: &signed.Authorization,
	}
	if header := paid.Header.Get(SettlementHeader); header != "" {
		settlement, err := encoding.DecodeSettlement(header)
		if err != nil {
			f.logger.Warn("ignoring unreadable settlement header", zap.Error(err))
		} else {
			result.Settlement = &settlement
		}
	}
	return a.succeed(result)
}

type response struct {
	*http.Response
	body []byte
}

func (f *Flow) send(ctx context.Context, desc RequestDescriptor, key, proof string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, desc.Method, f.url(desc.Path), bytes.NewReader(desc.Body))
	if err != nil {
		return nil, err
	}
	for name, values := range desc.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if len(desc.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(IdempotencyHeader, key)
	if proof != "" {
		req.Header.Set(PaymentHeader, proof)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return &response{Response: resp, body: body}, nil
}

func (f *Flow) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return f.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// transportError classifies a request that got no response. Only the caller's
// own context makes it a cancellation; client timeouts are server failures.
func transportError(ctx context.Context, err error) *forum.PaymentError {
	if ctx.Err() != nil {
		return forum.NewPaymentError(forum.ErrCodeCancelled, "paid action cancelled", err)
	}
	e := forum.NewServerRejected(0, "")
	e.Err = err
	return e
}

func rejection(resp *response) *forum.PaymentError {
	return forum.NewServerRejected(resp.StatusCode, serverMessage(resp.Header.Get("Content-Type"), resp.body))
}

// action tracks one PerformPaidAction call for state callbacks, events,
// logging and metrics.
type action struct {
	flow          *Flow
	desc          RequestDescriptor
	state         forum.State
	started       time.Time
	challenge     *forum.PaymentChallenge
	challengedAt  time.Time
	authorization *forum.PermitAuthorization
}

func (a *action) transition(to forum.State) {
	from := a.state
	a.state = to
	a.flow.logger.Debug("paid action state",
		zap.String("method", a.desc.Method),
		zap.String("path", a.desc.Path),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if a.flow.onState != nil {
		a.flow.onState(from, to)
	}
}

func (a *action) succeed(r *Result) (*Result, error) {
	a.transition(forum.StateSucceeded)
	a.flow.metrics.observe(outcomeSucceeded, r.Paid, time.Since(a.started))
	if r.Paid {
		a.emit(forum.PaymentEventSuccess, nil, func(e *forum.PaymentEvent) {
			if r.Settlement != nil {
				e.Transaction = r.Settlement.Transaction
				if r.Settlement.Payer != "" {
					e.Payer = r.Settlement.Payer
				}
			}
		})
	}
	return r, nil
}

func (a *action) fail(err error) error {
	a.transition(forum.StateFailed)

	code := forum.CodeOf(err)
	a.flow.metrics.observe(string(code), a.authorization != nil, time.Since(a.started))
	// Failure events cover actions that got as far as a challenge.
	if !a.challengedAt.IsZero() {
		a.emit(forum.PaymentEventFailure, err)
	}

	fields := []zap.Field{
		zap.String("method", a.desc.Method),
		zap.String("path", a.desc.Path),
		zap.String("code", string(code)),
		zap.Error(err),
	}
	var pe *forum.PaymentError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		fields = append(fields, zap.Int("status", pe.StatusCode))
	}

	switch code {
	case forum.ErrCodeUserRejected, forum.ErrCodeCancelled:
		a.flow.logger.Info("paid action not completed", fields...)
	case forum.ErrCodeServerRejected, forum.ErrCodeInvalidChallenge, forum.ErrCodeNoSigner:
		a.flow.logger.Warn("paid action failed", fields...)
	default:
		a.flow.logger.Error("paid action failed", fields...)
	}
	return err
}

func (a *action) emit(t forum.PaymentEventType, err error, mutate ...func(*forum.PaymentEvent)) {
	var cb forum.PaymentCallback
	switch t {
	case forum.PaymentEventAttempt:
		cb = a.flow.onAttempt
	case forum.PaymentEventSuccess:
		cb = a.flow.onSuccess
	case forum.PaymentEventFailure:
		cb = a.flow.onFailure
	}
	if cb == nil {
		return
	}

	e := forum.PaymentEvent{
		Type:      t,
		Timestamp: time.Now(),
		Method:    a.desc.Method,
		Path:      a.desc.Path,
		Error:     err,
		Duration:  time.Since(a.challengedAt),
	}
	if c := a.challenge; c != nil {
		e.Amount = c.RequiredAmount
		e.Asset = c.Asset
		e.Network = c.Network
		e.Recipient = c.Recipient
		e.Spender = c.FacilitatorSigner
	}
	if auth := a.authorization; auth != nil {
		e.Spender = auth.Spender
		e.Payer = auth.Owner
	}
	for _, m := range mutate {
		m(&e)
	}
	cb(e)
}

func newIdempotencyKey() string {
	return uuid.NewString()
}
