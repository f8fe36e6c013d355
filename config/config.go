// Package config loads the credld daemon configuration from TOML with
// environment-variable overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"credence/crypto"
	nativecommon "credence/native/common"
)

// Environment variables consulted after the file is parsed. File values act
// as defaults; the environment wins so secrets can stay out of the file.
const (
	EnvAPISecret      = "CREDENCE_API_SECRET"
	EnvOperatorSecret = "CREDENCE_OPERATOR_SECRET"
)

// Breaker is the [breaker] section: the circuit-breaker limits applied to
// every mutating ledger operation.
type Breaker struct {
	Enabled                bool   `toml:"Enabled"`
	MaxOperationsPerWindow uint32 `toml:"MaxOperationsPerWindow"`
	WindowLengthSeconds    uint32 `toml:"WindowLengthSeconds"`
	// MaxAmountPerOperation is a decimal string; empty or "0" disables the
	// per-operation amount cap.
	MaxAmountPerOperation string `toml:"MaxAmountPerOperation"`
}

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	ChainID       uint64 `toml:"ChainId"`
	Environment   string `toml:"Environment"`
	LogFile       string `toml:"LogFile"`
	LogLevel      string `toml:"LogLevel"`

	// InstanceAddress identifies this ledger inside the offer domain
	// separator. Bech32.
	InstanceAddress string `toml:"InstanceAddress"`
	// TrustedSignerAddress is the initial credit-oracle signer. Bech32. A
	// persisted rotation supersedes it on restart.
	TrustedSignerAddress string `toml:"TrustedSignerAddress"`
	// OperatorAddress holds the single administrative role. Bech32.
	OperatorAddress string `toml:"OperatorAddress"`

	// APISecret guards the public API surface; OperatorSecret guards the
	// admin surface. Both may come from the environment instead.
	APISecret      string `toml:"APISecret"`
	OperatorSecret string `toml:"OperatorSecret"`

	Breaker Breaker `toml:"breaker"`
}

// Default returns the baseline configuration before file and environment
// values are applied.
func Default() Config {
	return Config{
		ListenAddress: ":8650",
		DataDir:       "./credence-data",
		ChainID:       1881,
		Environment:   "development",
		LogLevel:      "info",
		Breaker: Breaker{
			Enabled:                true,
			MaxOperationsPerWindow: 100,
			WindowLengthSeconds:    3600,
		},
	}
}

// Load reads the TOML file at path, layers it over the defaults, and applies
// environment overrides. A missing file is an error; pass an empty path to
// run on defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPISecret)); v != "" {
		cfg.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOperatorSecret)); v != "" {
		cfg.OperatorSecret = v
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems before any
// component is wired.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: DataDir required")
	}
	if c.ChainID == 0 {
		return errors.New("config: ChainId must be non-zero")
	}
	if _, err := c.Instance(); err != nil {
		return fmt.Errorf("config: InstanceAddress: %w", err)
	}
	if _, err := c.TrustedSigner(); err != nil {
		return fmt.Errorf("config: TrustedSignerAddress: %w", err)
	}
	if _, err := c.Operator(); err != nil {
		return fmt.Errorf("config: OperatorAddress: %w", err)
	}
	if strings.TrimSpace(c.OperatorSecret) == "" {
		return errors.New("config: operator secret required (set " + EnvOperatorSecret + " or OperatorSecret)")
	}
	breaker, err := c.BreakerConfig()
	if err != nil {
		return err
	}
	return breaker.Validate()
}

// Instance decodes the ledger instance address.
func (c Config) Instance() (crypto.Address, error) {
	return decodeRequired(c.InstanceAddress)
}

// TrustedSigner decodes the initial credit-oracle address.
func (c Config) TrustedSigner() (crypto.Address, error) {
	return decodeRequired(c.TrustedSignerAddress)
}

// Operator decodes the administrative address.
func (c Config) Operator() (crypto.Address, error) {
	return decodeRequired(c.OperatorAddress)
}

// BreakerConfig converts the [breaker] section into the runtime limiter
// configuration.
func (c Config) BreakerConfig() (nativecommon.BreakerConfig, error) {
	out := nativecommon.BreakerConfig{
		Enabled:                c.Breaker.Enabled,
		MaxOperationsPerWindow: c.Breaker.MaxOperationsPerWindow,
		WindowLengthSeconds:    c.Breaker.WindowLengthSeconds,
	}
	raw := strings.TrimSpace(c.Breaker.MaxAmountPerOperation)
	if raw != "" && raw != "0" {
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok || amount.Sign() < 0 {
			return nativecommon.BreakerConfig{}, fmt.Errorf("config: breaker MaxAmountPerOperation %q is not a non-negative integer", raw)
		}
		out.MaxAmountPerOperation = amount
	}
	return out, nil
}

// Sanitized returns a copy safe for logging, with secrets masked.
func (c Config) Sanitized() Config {
	out := c
	out.APISecret = mask(c.APISecret)
	out.OperatorSecret = mask(c.OperatorSecret)
	return out
}

func decodeRequired(raw string) (crypto.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return crypto.Address{}, errors.New("address required")
	}
	return crypto.DecodeAddress(raw)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
