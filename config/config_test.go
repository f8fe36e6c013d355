package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"credence/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credld.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testAddress(t *testing.T, seed string) string {
	t.Helper()
	raw := []byte(seed)
	for len(raw) < 20 {
		raw = append(raw, '.')
	}
	return crypto.MustNewAddress(raw[:20]).String()
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	instance := testAddress(t, "cfg-instance")
	signer := testAddress(t, "cfg-signer")
	operator := testAddress(t, "cfg-operator")
	path := writeConfig(t, `
ListenAddress = ":9100"
DataDir = "/var/lib/credence"
ChainId = 42
InstanceAddress = "`+instance+`"
TrustedSignerAddress = "`+signer+`"
OperatorAddress = "`+operator+`"
OperatorSecret = "topsecret"

[breaker]
Enabled = true
MaxOperationsPerWindow = 5
WindowLengthSeconds = 60
MaxAmountPerOperation = "250000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9100" {
		t.Fatalf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.ChainID != 42 {
		t.Fatalf("ChainID = %d", cfg.ChainID)
	}
	// Fields the file omits keep their defaults.
	if cfg.Environment != "development" {
		t.Fatalf("Environment = %q, want default", cfg.Environment)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	breaker, err := cfg.BreakerConfig()
	if err != nil {
		t.Fatalf("breaker config: %v", err)
	}
	if breaker.MaxOperationsPerWindow != 5 || breaker.WindowLengthSeconds != 60 {
		t.Fatalf("breaker = %+v", breaker)
	}
	if breaker.MaxAmountPerOperation == nil || breaker.MaxAmountPerOperation.Cmp(big.NewInt(250000)) != 0 {
		t.Fatalf("amount cap = %v, want 250000", breaker.MaxAmountPerOperation)
	}
}

func TestLoadEnvironmentOverridesSecrets(t *testing.T) {
	path := writeConfig(t, `
OperatorSecret = "from-file"
APISecret = "file-api"
`)
	t.Setenv(EnvOperatorSecret, "from-env")
	t.Setenv(EnvAPISecret, "env-api")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OperatorSecret != "from-env" {
		t.Fatalf("OperatorSecret = %q, want env override", cfg.OperatorSecret)
	}
	if cfg.APISecret != "env-api" {
		t.Fatalf("APISecret = %q, want env override", cfg.APISecret)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	instance := testAddress(t, "val-instance")
	signer := testAddress(t, "val-signer")
	operator := testAddress(t, "val-operator")
	base := func() Config {
		cfg := Default()
		cfg.InstanceAddress = instance
		cfg.TrustedSignerAddress = signer
		cfg.OperatorAddress = operator
		cfg.OperatorSecret = "secret"
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing operator secret", func(c *Config) { c.OperatorSecret = "" }, "operator secret"},
		{"zero chain id", func(c *Config) { c.ChainID = 0 }, "ChainId"},
		{"bad operator address", func(c *Config) { c.OperatorAddress = "cred1nonsense" }, "OperatorAddress"},
		{"missing signer", func(c *Config) { c.TrustedSignerAddress = "" }, "TrustedSignerAddress"},
		{"empty listen address", func(c *Config) { c.ListenAddress = " " }, "ListenAddress"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}
}

func TestBreakerConfigRejectsMalformedAmount(t *testing.T) {
	cfg := Default()
	cfg.Breaker.MaxAmountPerOperation = "not-a-number"
	if _, err := cfg.BreakerConfig(); err == nil {
		t.Fatal("expected error for malformed amount cap")
	}
	cfg.Breaker.MaxAmountPerOperation = "-5"
	if _, err := cfg.BreakerConfig(); err == nil {
		t.Fatal("expected error for negative amount cap")
	}
}

func TestSanitizedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.APISecret = "api"
	cfg.OperatorSecret = "op"
	masked := cfg.Sanitized()
	if masked.APISecret != "****" || masked.OperatorSecret != "****" {
		t.Fatalf("sanitized = %q / %q", masked.APISecret, masked.OperatorSecret)
	}
	if cfg.APISecret != "api" {
		t.Fatal("Sanitized must not mutate the receiver")
	}
}
