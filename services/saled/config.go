package saled

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"tokensale/crypto"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for saled and salectl.
type Config struct {
	ListenAddress string        `yaml:"listen" toml:"listen"`
	Chain         ChainConfig   `yaml:"chain" toml:"chain"`
	Confirmations Confirmations `yaml:"confirmations" toml:"confirmations"`
	Wait          WaitConfig    `yaml:"wait" toml:"wait"`
	Admin         AdminConfig   `yaml:"admin" toml:"admin"`
	Logging       LoggingConfig `yaml:"logging" toml:"logging"`
}

// ChainConfig configures the RPC endpoint, Sale contract and operator signer.
type ChainConfig struct {
	RPCURL            string  `yaml:"rpc_url" toml:"rpc_url"`
	Contract          string  `yaml:"contract" toml:"contract"`
	ChainID           int64   `yaml:"chain_id" toml:"chain_id"`
	SignerKey         string  `yaml:"signer_key" toml:"signer_key"`
	SignerKeyEnv      string  `yaml:"signer_key_env" toml:"signer_key_env"`
	SignerKeyFile     string  `yaml:"signer_key_file" toml:"signer_key_file"`
	Keystore          string  `yaml:"keystore" toml:"keystore"`
	PassphraseEnv     string  `yaml:"passphrase_env" toml:"passphrase_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// WaitConfig tunes the confirmation waiter.
type WaitConfig struct {
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	DropAfter    int      `yaml:"drop_after" toml:"drop_after"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	JWTSecret    string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer" toml:"issuer"`
	Audience     string `yaml:"audience" toml:"audience"`
	Scope        string `yaml:"scope" toml:"scope"`
	// AllowUnauthenticated serves mutating routes without a token. Only meant
	// for local development chains.
	AllowUnauthenticated bool `yaml:"allow_unauthenticated" toml:"allow_unauthenticated"`
}

// LoggingConfig enables the optional rotating log file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg, err := DecodeConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Prepare(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DecodeConfig reads the file without applying defaults or validating, so
// command line overrides can be layered on before Prepare.
func DecodeConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	return cfg, nil
}

// Prepare applies defaults, resolves secrets referenced through env vars or
// files and validates the chain section. Configs assembled from flags go
// through the same path as files.
func (c *Config) Prepare() error {
	applyDefaults(c)
	if err := c.Chain.normalise(); err != nil {
		return fmt.Errorf("chain signer: %w", err)
	}
	if err := c.Admin.normalise(); err != nil {
		return fmt.Errorf("admin security: %w", err)
	}
	return validateConfig(*c)
}

// ValidateAdmin reports whether the admin API can be served.
func (c Config) ValidateAdmin() error {
	if c.Admin.JWTSecret == "" && !c.Admin.AllowUnauthenticated {
		return fmt.Errorf("configure admin jwt_secret or set allow_unauthenticated")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address must be configured")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	cfg.Confirmations = cfg.Confirmations.withDefaults()
	if cfg.Wait.Timeout.Duration == 0 {
		cfg.Wait.Timeout.Duration = defaultWaitTimeout
	}
	if cfg.Wait.PollInterval.Duration == 0 {
		cfg.Wait.PollInterval.Duration = defaultPollInterval
	}
	if cfg.Wait.DropAfter <= 0 {
		cfg.Wait.DropAfter = defaultDropAfter
	}
	if cfg.Admin.Scope == "" {
		cfg.Admin.Scope = "sales:write"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.Contract != "" && !common.IsHexAddress(cfg.Chain.Contract) {
		return fmt.Errorf("chain contract %q is not a hex address", cfg.Chain.Contract)
	}
	if cfg.Chain.ChainID < 0 {
		return fmt.Errorf("chain chain_id must not be negative")
	}
	if cfg.Chain.RequestsPerSecond < 0 {
		return fmt.Errorf("chain requests_per_second must not be negative")
	}
	if cfg.Chain.SignerKey == "" && cfg.Chain.Keystore == "" {
		return fmt.Errorf("signer key must be configured")
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	c.Contract = strings.TrimSpace(c.Contract)
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	c.Keystore = strings.TrimSpace(c.Keystore)
	c.PassphraseEnv = strings.TrimSpace(c.PassphraseEnv)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	case c.Keystore != "":
		// decrypted on first use so the passphrase prompt only happens when needed
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

// ContractAddress returns the configured Sale contract or the zero address.
func (c ChainConfig) ContractAddress() common.Address {
	if c.Contract == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Contract)
}

// PassphraseSource builds the keystore passphrase lookup for envVar.
type PassphraseSource func(envVar string) func() (string, error)

// ResolveSigner loads the operator key. The keystore passphrase is only
// requested when the signer comes from a keystore.
func (c ChainConfig) ResolveSigner(passphrases PassphraseSource) (*crypto.PrivateKey, error) {
	src := crypto.SignerSource{
		Inline:   c.SignerKey,
		Env:      c.SignerKeyEnv,
		File:     c.SignerKeyFile,
		Keystore: c.Keystore,
	}
	if passphrases != nil {
		src.Passphrase = passphrases(c.PassphraseEnv)
	}
	return crypto.LoadSigner(src)
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	secret := strings.TrimSpace(a.JWTSecret)
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" && secret == "" {
		secret = strings.TrimSpace(os.Getenv(env))
		if secret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", env)
		}
	}
	a.JWTSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	a.Scope = strings.TrimSpace(a.Scope)
	return nil
}

// AuthConfig converts the admin section for NewAuthenticator.
func (a AdminConfig) AuthConfig() AuthConfig {
	return AuthConfig{
		HMACSecret: a.JWTSecret,
		Issuer:     a.Issuer,
		Audience:   a.Audience,
		Scope:      a.Scope,
	}
}
