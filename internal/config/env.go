package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadEnvFile sets variables from a KEY=VALUE file without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the environment variables that are set.
func ApplyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	str("ESCROW_HTTP_ADDR", &cfg.HTTP.Addr)
	str("ESCROW_STORAGE", &cfg.Storage.Backend)
	str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("CLICKHOUSE_DSN", &cfg.Storage.ClickHouseDSN)
	str("ESCROW_PROGRAM_ID", &cfg.Escrow.ProgramID)
	str("SOLANA_RPC_ENDPOINT", &cfg.Chain.RPCEndpoint)
	str("SOLANA_WS_ENDPOINT", &cfg.Chain.WSEndpoint)
	str("CHAIN_PROGRAM_ID", &cfg.Chain.ProgramID)

	parsers := []struct {
		name  string
		parse func(string) error
	}{
		{"ESCROW_MIGRATE", func(v string) (err error) {
			cfg.Storage.Migrate, err = strconv.ParseBool(v)
			return
		}},
		{"ESCROW_CHAIN_WATCH", func(v string) (err error) {
			cfg.Chain.Enabled, err = strconv.ParseBool(v)
			return
		}},
		{"ESCROW_REPLAY_WINDOW", func(v string) (err error) {
			cfg.Auth.ReplayWindow, err = time.ParseDuration(v)
			return
		}},
		{"ESCROW_RATE_LIMIT", func(v string) (err error) {
			cfg.Auth.RateLimit, err = strconv.ParseFloat(v, 64)
			return
		}},
		{"ESCROW_RATE_BURST", func(v string) (err error) {
			cfg.Auth.RateBurst, err = strconv.Atoi(v)
			return
		}},
		{"ESCROW_RENT_LAMPORTS_PER_BYTE_YEAR", func(v string) (err error) {
			cfg.Escrow.LamportsPerByteYear, err = strconv.ParseUint(v, 10, 64)
			return
		}},
	}
	for _, p := range parsers {
		v := strings.TrimSpace(os.Getenv(p.name))
		if v == "" {
			continue
		}
		if err := p.parse(v); err != nil {
			return fmt.Errorf("env %s=%q: %w", p.name, v, err)
		}
	}
	return nil
}

// RegisterFlags binds flags to cfg, using its current values as defaults.
// Call after Load so that flags win over file and environment.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.HTTP.Addr, "http-addr", cfg.HTTP.Addr, "API listen address")
	fs.StringVar(&cfg.Storage.Backend, "storage", cfg.Storage.Backend, "Storage backend (memory, postgres)")
	fs.StringVar(&cfg.Storage.PostgresDSN, "postgres-dsn", cfg.Storage.PostgresDSN, "PostgreSQL connection string")
	fs.StringVar(&cfg.Storage.ClickHouseDSN, "clickhouse-dsn", cfg.Storage.ClickHouseDSN, "ClickHouse connection string for settlement history")
	fs.BoolVar(&cfg.Storage.Migrate, "migrate", cfg.Storage.Migrate, "Apply embedded migrations at startup")
	fs.StringVar(&cfg.Escrow.ProgramID, "program-id", cfg.Escrow.ProgramID, "Program ID escrow addresses are derived under")
	fs.BoolVar(&cfg.Chain.Enabled, "chain-watch", cfg.Chain.Enabled, "Mirror the deployed escrow program")
	fs.StringVar(&cfg.Chain.RPCEndpoint, "rpc-endpoint", cfg.Chain.RPCEndpoint, "Solana RPC HTTP endpoint")
	fs.StringVar(&cfg.Chain.WSEndpoint, "ws-endpoint", cfg.Chain.WSEndpoint, "Solana WebSocket endpoint")
	fs.DurationVar(&cfg.Auth.ReplayWindow, "replay-window", cfg.Auth.ReplayWindow, "Accepted request timestamp skew")
	fs.Float64Var(&cfg.Auth.RateLimit, "rate-limit", cfg.Auth.RateLimit, "Requests per second per signer (0 disables)")
	fs.IntVar(&cfg.Auth.RateBurst, "rate-burst", cfg.Auth.RateBurst, "Rate limiter burst per signer")
}
