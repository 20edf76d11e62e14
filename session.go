package forum

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Session is the signer context a paid action runs against.
// It holds the connected wallet and serializes paid actions so two flows
// never read the same permit nonce. Connecting, switching or disconnecting
// a wallet invalidates every Binding taken before the change.
//
// Session is safe for concurrent use.
type Session struct {
	slot chan struct{}

	mu      sync.RWMutex
	wallet  Wallet
	changed chan struct{}
}

// NewSession creates a session. w may be nil for a session with no wallet yet.
func NewSession(w Wallet) *Session {
	return &Session{
		slot:    make(chan struct{}, 1),
		wallet:  w,
		changed: make(chan struct{}),
	}
}

// Connect sets the active wallet. In-flight flows bound to the previous wallet
// will not send their paid retry.
func (s *Session) Connect(w Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet = w
	close(s.changed)
	s.changed = make(chan struct{})
}

// Disconnect removes the active wallet.
func (s *Session) Disconnect() {
	s.Connect(nil)
}

// Wallet returns the active wallet, or nil.
func (s *Session) Wallet() Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallet
}

// Address returns the connected account of the active wallet.
func (s *Session) Address() (common.Address, bool) {
	w := s.Wallet()
	if w == nil {
		return common.Address{}, false
	}
	return w.ConnectedAddress()
}

// Acquire waits for exclusive use of the session for one paid action.
// The returned release func must be called exactly once.
func (s *Session) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s.slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bind snapshots the active wallet together with an invalidation signal.
func (s *Session) Bind() Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Binding{Wallet: s.wallet, changed: s.changed}
}

// Binding is a wallet as it was when a flow started.
type Binding struct {
	Wallet  Wallet
	changed <-chan struct{}
}

// Live reports whether the session still has the wallet this binding was taken with.
func (b Binding) Live() bool {
	if b.changed == nil {
		return true
	}
	select {
	case <-b.changed:
		return false
	default:
		return true
	}
}

// Changed returns a channel closed when the binding stops being live.
func (b Binding) Changed() <-chan struct{} {
	return b.changed
}
