// Package config loads escrowd configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, a YAML
// file, a .env file, process environment, command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"token-escrow/internal/domain"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the full daemon configuration.
type Config struct {
	HTTP    HTTPConfig       `yaml:"http"`
	Storage StorageConfig    `yaml:"storage"`
	Escrow  EscrowConfig     `yaml:"escrow"`
	Auth    AuthConfig       `yaml:"auth"`
	Chain   ChainConfig      `yaml:"chain"`
	Genesis []GenesisBalance `yaml:"genesis"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig selects where records, balances and history live.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	PostgresDSN   string `yaml:"postgresDSN"`
	ClickHouseDSN string `yaml:"clickhouseDSN"` // optional settlement history
	Migrate       bool   `yaml:"migrate"`
}

// EscrowConfig configures the settlement engine.
type EscrowConfig struct {
	ProgramID           string `yaml:"programID"`
	LamportsPerByteYear uint64 `yaml:"lamportsPerByteYear"`
	ExemptionYears      uint64 `yaml:"exemptionYears"`
}

// AuthConfig configures request signing and throttling.
type AuthConfig struct {
	ReplayWindow time.Duration `yaml:"replayWindow"`
	RateLimit    float64       `yaml:"rateLimit"` // requests per second per signer
	RateBurst    int           `yaml:"rateBurst"`
}

// ChainConfig configures the on-chain mirror.
type ChainConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RPCEndpoint    string        `yaml:"rpcEndpoint"`
	WSEndpoint     string        `yaml:"wsEndpoint"`
	ProgramID      string        `yaml:"programID"`
	ResyncInterval time.Duration `yaml:"resyncInterval"`
}

// GenesisBalance credits a balance at startup. Memory backend only.
type GenesisBalance struct {
	Mint   string `yaml:"mint"`
	Owner  string `yaml:"owner"`
	Amount uint64 `yaml:"amount"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Migrate: true,
		},
		Escrow: EscrowConfig{
			ProgramID:           domain.EscrowProgramID.String(),
			LamportsPerByteYear: domain.DefaultRentSchedule.LamportsPerByteYear,
			ExemptionYears:      domain.DefaultRentSchedule.ExemptionYears,
		},
		Auth: AuthConfig{
			ReplayWindow: 2 * time.Minute,
			RateLimit:    5,
			RateBurst:    10,
		},
		Chain: ChainConfig{
			ProgramID:      domain.EscrowProgramID.String(),
			ResyncInterval: time.Minute,
		},
	}
}

// Load returns defaults overlaid with the YAML file at path (skipped if empty)
// and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile decodes a YAML file over cfg. Keys absent from the file keep their value.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgresDSN is required for the postgres backend"))
		}
		if len(c.Genesis) > 0 {
			errs = append(errs, errors.New("genesis balances are only supported by the memory backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if _, err := domain.ParsePubkey(c.Escrow.ProgramID); err != nil {
		errs = append(errs, fmt.Errorf("escrow.programID: %w", err))
	}
	if c.Auth.ReplayWindow <= 0 {
		errs = append(errs, errors.New("auth.replayWindow must be positive"))
	}
	if c.Auth.RateLimit < 0 || c.Auth.RateBurst < 0 {
		errs = append(errs, errors.New("auth rate limits must not be negative"))
	}

	if c.Chain.Enabled {
		if c.Chain.RPCEndpoint == "" || c.Chain.WSEndpoint == "" {
			errs = append(errs, errors.New("chain.rpcEndpoint and chain.wsEndpoint are required when the chain watcher is enabled"))
		}
		if _, err := domain.ParsePubkey(c.Chain.ProgramID); err != nil {
			errs = append(errs, fmt.Errorf("chain.programID: %w", err))
		}
	}

	for i, g := range c.Genesis {
		if _, _, err := g.Parse(); err != nil {
			errs = append(errs, fmt.Errorf("genesis[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// ProgramID returns the program escrow addresses are derived under.
func (c *Config) ProgramID() domain.Pubkey {
	p, err := domain.ParsePubkey(c.Escrow.ProgramID)
	if err != nil {
		return domain.EscrowProgramID
	}
	return p
}

// ChainProgramID returns the deployed program the chain watcher mirrors.
func (c *Config) ChainProgramID() (domain.Pubkey, error) {
	p, err := domain.ParsePubkey(c.Chain.ProgramID)
	if err != nil {
		return domain.Pubkey{}, fmt.Errorf("chain.programID: %w", err)
	}
	return p, nil
}

// Rent returns the storage deposit schedule.
func (c *Config) Rent() domain.RentSchedule {
	return domain.RentSchedule{
		LamportsPerByteYear: c.Escrow.LamportsPerByteYear,
		ExemptionYears:      c.Escrow.ExemptionYears,
	}
}

// Parse decodes the mint and owner addresses. "native" names the lamport pseudo-mint.
func (g GenesisBalance) Parse() (mint, owner domain.Pubkey, err error) {
	if g.Mint == "native" {
		mint = domain.NativeMint
	} else if mint, err = domain.ParsePubkey(g.Mint); err != nil {
		return mint, owner, fmt.Errorf("mint: %w", err)
	}
	if owner, err = domain.ParsePubkey(g.Owner); err != nil {
		return mint, owner, fmt.Errorf("owner: %w", err)
	}
	if g.Amount == 0 {
		return mint, owner, errors.New("amount must be positive")
	}
	return mint, owner, nil
}
