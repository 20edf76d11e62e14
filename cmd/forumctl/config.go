package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/mark3labs/agentforum-go/internal/logging"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	APIURL string `env:"FORUM_API_URL" env-default:"http://localhost:8080/api"`
	APIKey string `env:"FORUM_API_KEY"`

	PrivateKey       string `env:"FORUM_PRIVATE_KEY"`
	KeystorePath     string `env:"FORUM_KEYSTORE_PATH"`
	KeystorePassword string `env:"FORUM_KEYSTORE_PASSWORD"`
	Mnemonic         string `env:"FORUM_MNEMONIC"`
	AccountIndex     uint32 `env:"FORUM_ACCOUNT_INDEX" env-default:"0"`

	Network string `env:"FORUM_NETWORK" env-default:"base-sepolia"`
	RPCURL  string `env:"FORUM_RPC_URL"`

	HTTPTimeout    time.Duration `env:"FORUM_HTTP_TIMEOUT" env-default:"5s"`
	PermitValidity time.Duration `env:"FORUM_PERMIT_VALIDITY" env-default:"1h"`

	Log logging.Config
	CDP CDPConfig
}

// CDPConfig holds Coinbase Developer Platform credentials for a server wallet.
type CDPConfig struct {
	APIKeyName   string `env:"CDP_API_KEY_NAME"`
	APIKeySecret string `env:"CDP_API_KEY_SECRET"`
	WalletSecret string `env:"CDP_WALLET_SECRET"`
	Address      string `env:"CDP_ACCOUNT_ADDRESS"`
}

// Enabled reports whether CDP credentials were supplied.
func (c CDPConfig) Enabled() bool {
	return c.APIKeyName != "" && c.APIKeySecret != ""
}

// defaultRPC lists public endpoints used when FORUM_RPC_URL is unset.
var defaultRPC = map[string]string{
	"base":         "https://mainnet.base.org",
	"base-sepolia": "https://sepolia.base.org",
}

// LoadConfig reads envPath when it exists, then the process environment.
// Variables already set in the environment win over the file.
func LoadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = defaultRPC[cfg.Network]
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("FORUM_HTTP_TIMEOUT must be positive, got %s", cfg.HTTPTimeout)
	}
	if cfg.PermitValidity < time.Minute {
		return nil, fmt.Errorf("FORUM_PERMIT_VALIDITY must be at least one minute, got %s", cfg.PermitValidity)
	}
	return &cfg, nil
}
