package http

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/forumtest"
	"github.com/mark3labs/agentforum-go/wallet/local"
)

const testPrivateKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testOwner = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// countingWallet records how often the flow touched the wallet.
type countingWallet struct {
	inner *local.Wallet
	reads atomic.Int32
	signs atomic.Int32
}

func (w *countingWallet) ConnectedAddress() (common.Address, bool) {
	return w.inner.ConnectedAddress()
}

func (w *countingWallet) ReadContractValue(ctx context.Context, contract common.Address, method string, owner common.Address) (*big.Int, error) {
	w.reads.Add(1)
	return w.inner.ReadContractValue(ctx, contract, method, owner)
}

func (w *countingWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	w.signs.Add(1)
	return w.inner.SignTypedData(ctx, data)
}

func newTestWallet(t *testing.T, gate *forumtest.Gate, approver local.Approver) *countingWallet {
	t.Helper()
	opts := []local.Option{local.WithPrivateKey(testPrivateKeyHex), local.WithReader(gate.Ledger())}
	if approver != nil {
		opts = append(opts, local.WithApprover(approver))
	}
	w, err := local.New(opts...)
	if err != nil {
		t.Fatalf("failed to create wallet: %v", err)
	}
	return &countingWallet{inner: w}
}

func startGate(t *testing.T, opts ...forumtest.Option) (*forumtest.Gate, string) {
	t.Helper()
	gate := forumtest.NewGate(opts...)
	srv := httptest.NewServer(gate)
	t.Cleanup(srv.Close)
	return gate, srv.URL
}

func newTestFlow(t *testing.T, baseURL string, opts ...Option) *Flow {
	t.Helper()
	f, err := NewFlow(baseURL, opts...)
	if err != nil {
		t.Fatalf("NewFlow() error = %v", err)
	}
	return f
}

func register(name string) RequestDescriptor {
	return RequestDescriptor{
		Method: http.MethodPost,
		Path:   "/register",
		Body:   []byte(`{"username":"` + name + `"}`),
	}
}

func expectCode(t *testing.T, err error, code forum.ErrorCode) *forum.PaymentError {
	t.Helper()
	var pe *forum.PaymentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *forum.PaymentError with code %s, got %v", code, err)
	}
	if pe.Code != code {
		t.Fatalf("error code = %s, want %s (%v)", pe.Code, code, err)
	}
	return pe
}

type stateRecorder struct {
	mu     sync.Mutex
	states []forum.State
}

func (r *stateRecorder) record(_, to forum.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) get() []forum.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]forum.State(nil), r.states...)
}

func TestPerformPaidActionPaysChallenge(t *testing.T) {
	gate, baseURL := startGate(t)
	wallet := newTestWallet(t, gate, nil)

	var states stateRecorder
	var events []forum.PaymentEvent
	record := func(e forum.PaymentEvent) { events = append(events, e) }
	flow := newTestFlow(t, baseURL,
		WithStateCallback(states.record),
		WithPaymentCallbacks(record, record, record),
	)

	res, err := flow.PerformPaidAction(context.Background(), register("alice"), forum.NewSession(wallet))
	if err != nil {
		t.Fatalf("PerformPaidAction() error = %v", err)
	}

	if res.StatusCode != http.StatusCreated || !res.Paid {
		t.Errorf("result = %d paid=%v, want 201 paid", res.StatusCode, res.Paid)
	}
	if res.Settlement == nil || res.Settlement.Payer != testOwner.Hex() {
		t.Errorf("settlement = %+v, want payer %s", res.Settlement, testOwner.Hex())
	}
	if res.Authorization == nil || res.Authorization.Nonce.Sign() != 0 {
		t.Errorf("authorization = %+v, want nonce 0", res.Authorization)
	}
	if got := wallet.signs.Load(); got != 1 {
		t.Errorf("signature prompts = %d, want 1", got)
	}
	if got := wallet.reads.Load(); got != 1 {
		t.Errorf("nonce reads = %d, want 1", got)
	}
	if got := gate.Ledger().Nonce(testOwner); got != 1 {
		t.Errorf("ledger nonce = %d, want 1", got)
	}

	requests := gate.Requests()
	if len(requests) != 2 {
		t.Fatalf("gate saw %d requests, want 2", len(requests))
	}
	if requests[0].Paid || !requests[1].Paid {
		t.Errorf("only the second request should carry a proof: %+v", requests)
	}
	if requests[0].IdempotencyKey == "" || requests[0].IdempotencyKey != requests[1].IdempotencyKey {
		t.Errorf("idempotency keys = %q, %q, want one shared key", requests[0].IdempotencyKey, requests[1].IdempotencyKey)
	}
	if requests[0].Body != requests[1].Body {
		t.Errorf("retry body %q differs from %q", requests[1].Body, requests[0].Body)
	}

	want := []forum.State{
		forum.StateSubmittingUnauthenticated,
		forum.StateChallengeReceived,
		forum.StateSigning,
		forum.StateSubmittingAuthenticated,
		forum.StateSucceeded,
	}
	if got := states.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	if len(events) != 2 {
		t.Fatalf("got %d payment events, want 2", len(events))
	}
	if events[0].Type != forum.PaymentEventAttempt || events[1].Type != forum.PaymentEventSuccess {
		t.Errorf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	attempt := events[0]
	if attempt.Amount != "5000" || attempt.Recipient != forumtest.DefaultRecipient {
		t.Errorf("attempt event = %+v", attempt)
	}
	if attempt.Spender != common.HexToAddress(forumtest.DefaultFacilitator).Hex() {
		t.Errorf("spender = %s, want the facilitator", attempt.Spender)
	}
	if attempt.Payer != testOwner.Hex() {
		t.Errorf("payer = %s, want %s", attempt.Payer, testOwner.Hex())
	}
	if events[1].Transaction == "" {
		t.Error("success event should carry the settlement transaction")
	}
}

func TestPerformPaidActionWithoutChallenge(t *testing.T) {
	gate, baseURL := startGate(t, forumtest.WithFreeWrites())
	if _, err := gate.AddAgent("carol", "ak_carol"); err != nil {
		t.Fatal(err)
	}
	wallet := newTestWallet(t, gate, nil)

	var states stateRecorder
	flow := newTestFlow(t, baseURL, WithStateCallback(states.record))

	desc := RequestDescriptor{
		Method: http.MethodPost,
		Path:   "/boards/general/threads",
		Body:   []byte(`{"title":"hi","content":"there"}`),
		Header: http.Header{"Authorization": []string{"Bearer ak_carol"}},
	}
	res, err := flow.PerformPaidAction(context.Background(), desc, forum.NewSession(wallet))
	if err != nil {
		t.Fatalf("PerformPaidAction() error = %v", err)
	}
	if res.Paid || res.Authorization != nil {
		t.Error("a write accepted on the first attempt must not be paid")
	}
	if n := len(gate.Requests()); n != 1 {
		t.Errorf("gate saw %d requests, want 1", n)
	}
	if wallet.reads.Load()+wallet.signs.Load() != 0 {
		t.Error("the wallet must not be touched without a challenge")
	}

	want := []forum.State{forum.StateSubmittingUnauthenticated, forum.StateSucceeded}
	if got := states.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestPerformPaidActionInvalidChallenge(t *testing.T) {
	broken := forumtest.DefaultChallenge()
	broken.FacilitatorSigner = ""
	gate, baseURL := startGate(t, forumtest.WithChallenge(broken))
	wallet := newTestWallet(t, gate, nil)

	var failures []forum.PaymentEvent
	flow := newTestFlow(t, baseURL, WithPaymentCallback(forum.PaymentEventFailure, func(e forum.PaymentEvent) {
		failures = append(failures, e)
	}))

	_, err := flow.PerformPaidAction(context.Background(), register("alice"), forum.NewSession(wallet))
	expectCode(t, err, forum.ErrCodeInvalidChallenge)
	if !errors.Is(err, forum.ErrInvalidChallenge) {
		t.Error("error should match forum.ErrInvalidChallenge")
	}

	if wallet.reads.Load()+wallet.signs.Load() != 0 {
		t.Error("the wallet must not be touched for an invalid challenge")
	}
	if n := len(gate.Requests()); n != 1 {
		t.Errorf("gate saw %d requests, want 1", n)
	}
	if len(failures) != 1 {
		t.Fatalf("got %d failure events, want 1", len(failures))
	}
	if failures[0].Amount != broken.RequiredAmount || failures[0].Network != broken.Network {
		t.Errorf("failure event = %+v, want the challenge's amount and network", failures[0])
	}
}

func TestPerformPaidActionUnreadableChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("pay up"))
	}))
	defer srv.Close()

	var failures []forum.PaymentEvent
	flow := newTestFlow(t, srv.URL, WithPaymentCallback(forum.PaymentEventFailure, func(e forum.PaymentEvent) {
		failures = append(failures, e)
	}))

	_, err := flow.PerformPaidAction(context.Background(), register("alice"), forum.NewSession(nil))
	expectCode(t, err, forum.ErrCodeInvalidChallenge)
	if len(failures) != 1 {
		t.Errorf("got %d failure events, want 1", len(failures))
	}
}

func TestPerformPaidActionUserRejects(t *testing.T) {
	gate, baseURL := startGate(t)
	wallet := newTestWallet(t, gate, func(context.Context, apitypes.TypedData) error {
		return errors.New("user closed the dialog")
	})
	flow := newTestFlow(t, baseURL)

	_, err := flow.PerformPaidAction(context.Background(), register("alice"), forum.NewSession(wallet))
	pe := expectCode(t, err, forum.ErrCodeUserRejected)
	if !pe.Retryable() {
		t.Error("a declined signature should offer a retry")
	}
	if n := len(gate.Requests()); n != 1 {
		t.Errorf("gate saw %d requests, want 1", n)
	}
	if got := gate.Ledger().Nonce(testOwner); got != 0 {
		t.Errorf("ledger nonce = %d, want 0", got)
	}
}

func TestPerformPaidActionNoSigner(t *testing.T) {
	_, baseURL := startGate(t)
	flow := newTestFlow(t, baseURL)

	_, err := flow.PerformPaidAction(context.Background(), register("alice"), forum.NewSession(nil))
	pe := expectCode(t, err, forum.ErrCodeNoSigner)
	if pe.Affordance() != forum.AffordanceConnectWallet {
		t.Errorf("affordance = %s, want %s", pe.Affordance(), forum.AffordanceConnectWallet)
	}
}

func TestPerformPaidActionServerRejectsPaidRetry(t *testing.T) {
	gate, baseURL := startGate(t)
	if _, err := gate.AddAgent("alice", "ak_alice"); err != nil {
		t.Fatal(err)
	}
	wallet := newTestWallet(t, gate, nil)
	session := forum.NewSession(wallet)
	flow := newTestFlow(t, baseURL)

	_, err := flow.PerformPaidAction(context.Background(), register("alice"), session)
	pe := expectCode(t, err, forum.ErrCodeServerRejected)
	if pe.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", pe.StatusCode)
	}
	if pe.Message != "username already taken" {
		t.Errorf("message = %q, want the server's message", pe.Message)
	}

	// The rejected permit was still settled, so the next attempt signs a fresh nonce.
	res, err := flow.PerformPaidAction(context.Background(), register("bob"), session)
	if err != nil {
		t.Fatalf("second PerformPaidAction() error = %v", err)
	}
	if res.Authorization.Nonce.Int64() != 1 {
		t.Errorf("second permit nonce = %s, want 1", res.Authorization.Nonce)
	}
	if got := wallet.reads.Load(); got != 2 {
		t.Errorf("nonce reads = %d, want one per attempt", got)
	}
}

func TestPerformPaidActionFirstRequestRejected(t *testing.T) {
	gate, baseURL := startGate(t)
	wallet := newTestWallet(t, gate, nil)
	flow := newTestFlow(t, baseURL)

	desc := RequestDescriptor{Method: http.MethodPost, Path: "/posts", Body: []byte(`{"title":"t","content":"c","board":"general"}`)}
	_, err := flow.PerformPaidAction(context.Background(), desc, forum.NewSession(wallet))
	pe := expectCode(t, err, forum.ErrCodeServerRejected)
	if pe.StatusCode != http.StatusUnauthorized || pe.Message != "missing API key" {
		t.Errorf("got %d %q", pe.StatusCode, pe.Message)
	}
	if wallet.reads.Load()+wallet.signs.Load() != 0 {
		t.Error("the wallet must not be touched when the first request fails")
	}
}

func TestPerformPaidActionWalletChangesDuringSigning(t *testing.T) {
	gate, baseURL := startGate(t)
	session := forum.NewSession(nil)
	wallet := newTestWallet(t, gate, func(context.Context, apitypes.TypedData) error {
		session.Disconnect()
		return nil
	})
	session.Connect(wallet)
	flow := newTestFlow(t, baseURL)

	_, err := flow.PerformPaidAction(context.Background(), register("alice"), session)
	expectCode(t, err, forum.ErrCodeCancelled)
	if n := len(gate.Requests()); n != 1 {
		t.Errorf("gate saw %d requests, want the paid retry to be dropped", n)
	}
	if got := gate.Ledger().Nonce(testOwner); got != 0 {
		t.Errorf("ledger nonce = %d, want 0", got)
	}
}

func TestPerformPaidActionCancelledDuringSigning(t *testing.T) {
	gate, baseURL := startGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wallet := newTestWallet(t, gate, func(context.Context, apitypes.TypedData) error {
		cancel()
		return nil
	})
	flow := newTestFlow(t, baseURL)

	_, err := flow.PerformPaidAction(ctx, register("alice"), forum.NewSession(wallet))
	expectCode(t, err, forum.ErrCodeCancelled)
	if n := len(gate.Requests()); n != 1 {
		t.Errorf("gate saw %d requests, want 1", n)
	}
}

func TestPerformPaidActionSerializesSession(t *testing.T) {
	gate, baseURL := startGate(t)
	session := forum.NewSession(newTestWallet(t, gate, nil))
	flow := newTestFlow(t, baseURL)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, name := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = flow.PerformPaidAction(context.Background(), register(name), session)
		}(i, name)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("action %d failed: %v", i, err)
		}
	}
	if got := gate.Ledger().Nonce(testOwner); got != 3 {
		t.Errorf("ledger nonce = %d, want 3", got)
	}
}

func TestPerformPaidActionWaitingForSession(t *testing.T) {
	gate, baseURL := startGate(t)
	session := forum.NewSession(newTestWallet(t, gate, nil))
	release, err := session.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	flow := newTestFlow(t, baseURL)
	_, err = flow.PerformPaidAction(ctx, register("alice"), session)
	expectCode(t, err, forum.ErrCodeCancelled)
	if n := len(gate.Requests()); n != 0 {
		t.Errorf("gate saw %d requests, want 0", n)
	}
}

func TestPerformPaidActionTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	flow := newTestFlow(t, baseURL)
	_, err := flow.PerformPaidAction(context.Background(), register("alice"), forum.NewSession(nil))
	pe := expectCode(t, err, forum.ErrCodeServerRejected)
	if pe.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for a request that got no response", pe.StatusCode)
	}
	if pe.Message != forum.DefaultStatusMessage(0) {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestPerformPaidActionIdempotencyKey(t *testing.T) {
	t.Run("caller supplied", func(t *testing.T) {
		gate, baseURL := startGate(t)
		flow := newTestFlow(t, baseURL)

		desc := register("alice")
		desc.Header = http.Header{IdempotencyHeader: []string{"caller-key"}}
		if _, err := flow.PerformPaidAction(context.Background(), desc, forum.NewSession(newTestWallet(t, gate, nil))); err != nil {
			t.Fatal(err)
		}
		for _, r := range gate.Requests() {
			if r.IdempotencyKey != "caller-key" {
				t.Errorf("idempotency key = %q, want caller-key", r.IdempotencyKey)
			}
		}
	})

	t.Run("fresh per action", func(t *testing.T) {
		gate, baseURL := startGate(t)
		n := 0
		flow := newTestFlow(t, baseURL, WithIdempotencyKeys(func() string {
			n++
			return "key-" + string(rune('0'+n))
		}))
		session := forum.NewSession(newTestWallet(t, gate, nil))

		for _, name := range []string{"alice", "bob"} {
			if _, err := flow.PerformPaidAction(context.Background(), register(name), session); err != nil {
				t.Fatal(err)
			}
		}
		var keys []string
		for _, r := range gate.Requests() {
			keys = append(keys, r.IdempotencyKey)
		}
		want := []string{"key-1", "key-1", "key-2", "key-2"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("keys = %v, want %v", keys, want)
		}
	})
}

func TestNewFlowRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "forum", "://nope"} {
		if _, err := NewFlow(u); err == nil {
			t.Errorf("NewFlow(%q) should fail", u)
		}
	}
}

func TestTimeoutLeavesCallerClientAlone(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}

	for _, opts := range [][]Option{
		{WithHTTPClient(shared), WithTimeout(time.Second)},
		{WithTimeout(time.Second), WithHTTPClient(shared)},
	} {
		f := newTestFlow(t, "http://forum.test/api", opts...)
		if shared.Timeout != time.Minute {
			t.Fatalf("caller's client timeout changed to %s", shared.Timeout)
		}
		if f.httpClient == shared {
			t.Error("flow should use a copy of the caller's client")
		}
		if f.httpClient.Timeout != time.Second {
			t.Errorf("flow timeout = %s, want 1s", f.httpClient.Timeout)
		}
	}

	f := newTestFlow(t, "http://forum.test/api", WithHTTPClient(shared))
	if f.httpClient != shared {
		t.Error("without WithTimeout the caller's client is used as is")
	}
	if f := newTestFlow(t, "http://forum.test/api"); f.httpClient.Timeout != DefaultTimeout {
		t.Errorf("default timeout = %s, want %s", f.httpClient.Timeout, DefaultTimeout)
	}
}
