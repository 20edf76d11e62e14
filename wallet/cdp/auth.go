package cdp

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// apiHost is the host component of the uris claim.
const apiHost = "api.cdp.coinbase.com"

// ErrNoWalletSecret is returned when a signing endpoint is called without a wallet secret.
var ErrNoWalletSecret = errors.New("cdp: wallet secret not configured")

// Auth issues the JWTs the Coinbase Developer Platform expects on every call.
// It is immutable after construction and safe for concurrent use.
type Auth struct {
	apiKeyName string
	privateKey interface{}
	walletKey  interface{}
	now        func() time.Time
}

// Claims is the JWT claim set sent to CDP.
type Claims struct {
	*jwt.Claims
	// URIs holds "{METHOD} api.cdp.coinbase.com{path}".
	URIs []string `json:"uris"`
	// ReqHash is the hex SHA-256 of the request body, set on wallet auth tokens.
	ReqHash string `json:"reqHash,omitempty"`
}

// NewAuth parses the API key secret and the optional wallet secret. Both are
// accepted either as PEM or as base64 DER (the format the CDP portal downloads).
// Without a wallet secret, signing endpoints are unavailable.
func NewAuth(apiKeyName, apiKeySecret, walletSecret string) (*Auth, error) {
	if apiKeyName == "" {
		return nil, fmt.Errorf("apiKeyName must not be empty")
	}

	privateKey, err := parseKey(apiKeySecret)
	if err != nil {
		return nil, fmt.Errorf("api key secret: %w", err)
	}

	a := &Auth{apiKeyName: apiKeyName, privateKey: privateKey, now: time.Now}
	if walletSecret != "" {
		if a.walletKey, err = parseKey(walletSecret); err != nil {
			return nil, fmt.Errorf("wallet secret: %w", err)
		}
	}
	return a, nil
}

func parseKey(secret string) (interface{}, error) {
	der, err := decodeKeyMaterial(secret)
	if err != nil {
		return nil, err
	}

	var privateKey interface{}
	privateKey, err = x509.ParseECPrivateKey(der)
	if err != nil {
		// Try parsing as PKCS8 format (supports both ECDSA and Ed25519)
		privateKey, err = x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	switch privateKey.(type) {
	case *ecdsa.PrivateKey, ed25519.PrivateKey:
		return privateKey, nil
	default:
		return nil, fmt.Errorf("unsupported private key type: must be ECDSA or Ed25519")
	}
}

func decodeKeyMaterial(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if block, _ := pem.Decode([]byte(secret)); block != nil {
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: expected PEM or base64 DER")
	}
	return der, nil
}

// BearerToken returns a two minute token for the Authorization header.
func (a *Auth) BearerToken(method, path string) (string, error) {
	return a.sign(a.privateKey, a.apiKeyName, method, path, "", 2*time.Minute)
}

// WalletAuthToken returns a one minute token for the X-Wallet-Auth header,
// bound to the exact request body.
func (a *Auth) WalletAuthToken(method, path string, body []byte) (string, error) {
	if a.walletKey == nil {
		return "", ErrNoWalletSecret
	}
	sum := sha256.Sum256(body)
	return a.sign(a.walletKey, "", method, path, hex.EncodeToString(sum[:]), time.Minute)
}

func (a *Auth) sign(key interface{}, subject, method, path, reqHash string, ttl time.Duration) (string, error) {
	alg := jose.EdDSA
	if _, ok := key.(*ecdsa.PrivateKey); ok {
		alg = jose.ES256
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate JWT nonce: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("nonce", hex.EncodeToString(nonce))
	if subject != "" {
		opts = opts.WithHeader("kid", subject)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	now := a.now()
	claims := &Claims{
		Claims: &jwt.Claims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		URIs:    []string{fmt.Sprintf("%s %s%s", method, apiHost, path)},
		ReqHash: reqHash,
	}
	if subject != "" {
		claims.Issuer = "cdp"
		claims.Audience = jwt.Audience{"cdp_service"}
	}

	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}
