// Package config holds the fully-resolved configuration the engine
// consumes: per-chain RPC endpoints and confirmation depths, per-family
// signer key references, and optional explicit scheme registrations.
// Environment placeholders are substituted once at load time; the core
// never re-parses raw files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openx402/facilitator/types"
)

// Error is a configuration failure. Zero resolvable chains at startup is
// fatal; individual bad chains are skipped by the registry instead.
type Error struct {
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Context, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(context string, args ...interface{}) *Error {
	return &Error{Context: fmt.Sprintf(context, args...)}
}

// Currency is native-currency metadata for a chain.
type Currency struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ChainConfig configures one chain, keyed by its CAIP-2 identifier.
type ChainConfig struct {
	// RPC endpoints, tried in order by the client pool.
	RPC []string `json:"rpc" validate:"required,min=1,dive,url"`

	// Confirmations is the depth at which a settlement counts as final.
	Confirmations uint64 `json:"confirmations" validate:"min=1"`

	// NativeCurrency metadata, informational.
	NativeCurrency Currency `json:"nativeCurrency"`

	// Signer overrides the family-wide key for this chain. Literal or
	// $VAR/${VAR} placeholder.
	Signer string `json:"signer,omitempty"`
}

// SignerConfig holds the family-wide signing key references. Values may be
// literals or $VAR/${VAR} environment placeholders.
type SignerConfig struct {
	// EVM is a 0x-prefixed secp256k1 private key in hex, shared across
	// all eip155 chains.
	EVM string `json:"evm,omitempty"`

	// Solana is a base58-encoded ed25519 keypair, shared across all
	// solana chains.
	Solana string `json:"solana,omitempty"`
}

// SchemeConfig is one explicit scheme registration. When the list is empty
// the registry auto-derives one "exact" registration per configured chain.
type SchemeConfig struct {
	Scheme   string   `json:"scheme" validate:"required"`
	Networks []string `json:"networks" validate:"required,min=1"`
}

// StoreConfig selects the settlement record store.
type StoreConfig struct {
	// PostgresDSN, when set, persists settlement records across restarts.
	// Empty selects the in-memory store.
	PostgresDSN string `json:"postgresDsn,omitempty"`

	// Retention bounds how long terminal records are kept before GC.
	Retention Duration `json:"retention,omitempty"`
}

// SettleConfig tunes the settlement orchestrator.
type SettleConfig struct {
	// PollInterval is the base confirmation polling cadence.
	PollInterval Duration `json:"pollInterval,omitempty"`

	// MaxWait is the wall-clock bound on waiting for confirmation.
	MaxWait Duration `json:"maxWait,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Listen   string `json:"listen,omitempty"`
	LogLevel string `json:"logLevel,omitempty"`
	Metrics  bool   `json:"metrics,omitempty"`

	Chains  map[string]ChainConfig `json:"chains" validate:"required,min=1,dive"`
	Signers SignerConfig           `json:"signers"`
	Schemes []SchemeConfig         `json:"schemes,omitempty"`
	Store   StoreConfig            `json:"store,omitempty"`
	Settle  SettleConfig           `json:"settle,omitempty"`
}

// Defaults applied by Load when fields are absent.
const (
	DefaultListen       = ":8080"
	DefaultRetention    = 24 * time.Hour
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 2 * time.Minute
)

var validate = validator.New()

// Load reads, validates, and resolves the configuration document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Context: fmt.Sprintf("read %s", path), Err: err}
	}
	return Parse(raw)
}

// Parse validates and resolves a raw configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &Error{Context: "parse", Err: err}
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, &Error{Context: "validate", Err: err}
	}

	for id := range cfg.Chains {
		if !types.Network(id).Valid() {
			return nil, errorf("chain %q: not a valid CAIP-2 identifier", id)
		}
	}

	if err := cfg.resolveSigners(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// resolveSigners substitutes env placeholders in every key reference.
// Resolution happens exactly once, here; resolved key material then lives
// only in process memory.
func (c *Config) resolveSigners() error {
	var err error
	if c.Signers.EVM, err = ResolveEnv(c.Signers.EVM); err != nil {
		return &Error{Context: "signers.evm", Err: err}
	}
	if c.Signers.Solana, err = ResolveEnv(c.Signers.Solana); err != nil {
		return &Error{Context: "signers.solana", Err: err}
	}
	for id, chain := range c.Chains {
		if chain.Signer == "" {
			continue
		}
		resolved, err := ResolveEnv(chain.Signer)
		if err != nil {
			return &Error{Context: fmt.Sprintf("chains.%s.signer", id), Err: err}
		}
		chain.Signer = resolved
		c.Chains[id] = chain
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Retention.Duration() == 0 {
		c.Store.Retention = Duration(DefaultRetention)
	}
	if c.Settle.PollInterval.Duration() == 0 {
		c.Settle.PollInterval = Duration(DefaultPollInterval)
	}
	if c.Settle.MaxWait.Duration() == 0 {
		c.Settle.MaxWait = Duration(DefaultMaxWait)
	}
}

// SignerFor returns the resolved key reference for a chain: the per-chain
// override when present, else the family-wide key. Empty means no signer.
func (c *Config) SignerFor(network types.Network) string {
	if chain, ok := c.Chains[network.String()]; ok && chain.Signer != "" {
		return chain.Signer
	}
	switch {
	case network.IsEVM():
		return c.Signers.EVM
	case network.IsSolana():
		return c.Signers.Solana
	default:
		return ""
	}
}

// Duration is a time.Duration that unmarshals from a Go duration string
// (e.g. "30s", "24h").
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
