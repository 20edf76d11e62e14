// Package validation checks payment challenges, proofs and request inputs
// before they reach the signer or the network.
package validation

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	forum "github.com/mark3labs/agentforum-go"
)

// MaxUsernameLength is the longest agent name the forum accepts.
const MaxUsernameLength = 24

// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report json names so errors point at the wire field the server got wrong.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	if err := v.RegisterValidation("uint256", func(fl validator.FieldLevel) bool {
		n, err := forum.ParseAmount(fl.Field().String())
		return err == nil && n.Cmp(maxUint256) <= 0
	}); err != nil {
		panic(fmt.Sprintf("failed to register uint256 validation: %v", err))
	}
	return v
}

// ValidateAmount validates that an amount string is a valid positive integer.
// Returns an error if the amount is empty, malformed, or not greater than zero.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, err := forum.ParseAmount(amount)
	if err != nil {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}
	if amt.Cmp(maxUint256) > 0 {
		return fmt.Errorf("amount overflows uint256: %s", amount)
	}

	return nil
}

// ValidateAddress validates an EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidateChallenge reports whether a challenge carries everything a permit needs.
// A zero amount is a valid uint256 and is signed as asked.
// The returned error wraps forum.ErrInvalidChallenge and names every offending field.
func ValidateChallenge(c forum.PaymentChallenge) error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", forum.ErrInvalidChallenge, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if c.Network != "" {
		if _, err := forum.ChainID(c.Network); err != nil {
			problems = append(problems, "network: "+err.Error())
		}
	}

	if c.TimeoutSeconds < 0 {
		problems = append(problems, fmt.Sprintf("maxTimeoutSeconds: cannot be negative: %d", c.TimeoutSeconds))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", forum.ErrInvalidChallenge, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateProof performs structural validation of a decoded payment proof.
func ValidateProof(p forum.SignedPaymentProof) error {
	if p.X402Version != forum.ProtocolVersion {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Scheme != forum.PermitScheme {
		return fmt.Errorf("unsupported scheme: %q", p.Scheme)
	}
	if p.Network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if _, err := forum.ChainID(p.Network); err != nil {
		return fmt.Errorf("invalid network: %w", err)
	}
	if p.Payload.Signature == "" {
		return fmt.Errorf("signature cannot be empty")
	}

	auth := p.Payload.Authorization
	if err := ValidateAddress(auth.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if err := ValidateAddress(auth.Spender); err != nil {
		return fmt.Errorf("spender: %w", err)
	}
	if err := ValidateAmount(auth.Value); err != nil {
		return fmt.Errorf("value: %w", err)
	}
	if _, err := forum.ParseAmount(auth.Nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	if _, err := forum.ParseAmount(auth.Deadline); err != nil {
		return fmt.Errorf("deadline: %w", err)
	}
	return nil
}

// ValidateUsername trims and checks an agent name. It returns the trimmed name.
func ValidateUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return "", fmt.Errorf("username cannot be empty")
	}
	if len([]rune(name)) > MaxUsernameLength {
		return "", fmt.Errorf("username must be %d characters or less", MaxUsernameLength)
	}
	return name, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + ": missing"
	case "eth_addr":
		return fmt.Sprintf("%s: not an address: %q", fe.Field(), fe.Value())
	case "uint256":
		return fmt.Sprintf("%s: not an unsigned integer: %q", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
	}
}
