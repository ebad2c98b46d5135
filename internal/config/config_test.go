package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"token-escrow/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ProgramID() != domain.EscrowProgramID {
		t.Errorf("program id = %s", cfg.ProgramID())
	}
	if cfg.Rent() != domain.DefaultRentSchedule {
		t.Errorf("rent = %+v", cfg.Rent())
	}
	if p, err := cfg.ChainProgramID(); err != nil || p != domain.EscrowProgramID {
		t.Errorf("chain program id = %s, %v", p, err)
	}
}

func TestChainProgramID_Invalid(t *testing.T) {
	cfg := Default()
	cfg.Chain.ProgramID = "not-a-key"
	if _, err := cfg.ChainProgramID(); err == nil || !strings.Contains(err.Error(), "chain.programID") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_FileThenEnvThenFlags(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", `
http:
  addr: ":7000"
storage:
  backend: postgres
  postgresDSN: postgres://file
auth:
  replayWindow: 45s
escrow:
  exemptionYears: 0
genesis:
  - mint: native
    owner: "11111111111111111111111111111112"
    amount: 5
`)
	t.Setenv("POSTGRES_DSN", "postgres://env")
	t.Setenv("ESCROW_RATE_BURST", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &cfg)
	if err := fs.Parse([]string{"-http-addr", ":9000"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("addr = %q, want flag value", cfg.HTTP.Addr)
	}
	if cfg.Storage.PostgresDSN != "postgres://env" {
		t.Errorf("dsn = %q, want env value", cfg.Storage.PostgresDSN)
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("backend = %q, want file value", cfg.Storage.Backend)
	}
	if cfg.Auth.ReplayWindow != 45*time.Second {
		t.Errorf("replay window = %v", cfg.Auth.ReplayWindow)
	}
	if cfg.Auth.RateBurst != 3 || cfg.Auth.RateLimit != 5 {
		t.Errorf("rate = %v/%d", cfg.Auth.RateLimit, cfg.Auth.RateBurst)
	}
	if cfg.Rent().MinimumBalance(10) != 0 {
		t.Errorf("zero exemption years should disable rent")
	}
	if cfg.HTTP.ShutdownTimeout != 30*time.Second {
		t.Errorf("unset keys must keep defaults, got %v", cfg.HTTP.ShutdownTimeout)
	}

	// Genesis balances are rejected for postgres.
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "genesis") {
		t.Errorf("Validate = %v, want genesis error", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file must fail")
	}
	if _, err := Load(writeFile(t, "bad.yaml", "http: [")); err == nil {
		t.Error("malformed yaml must fail")
	}

	t.Setenv("ESCROW_REPLAY_WINDOW", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "ESCROW_REPLAY_WINDOW") {
		t.Errorf("bad env value: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "unknown storage backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "postgresDSN"},
		{"bad program id", func(c *Config) { c.Escrow.ProgramID = "nope" }, "escrow.programID"},
		{"chain without endpoints", func(c *Config) { c.Chain.Enabled = true }, "rpcEndpoint"},
		{"zero replay window", func(c *Config) { c.Auth.ReplayWindow = 0 }, "replayWindow"},
		{"bad genesis", func(c *Config) {
			c.Genesis = []GenesisBalance{{Mint: "native", Owner: "x", Amount: 1}}
		}, "genesis[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestGenesisBalance_Parse(t *testing.T) {
	owner := "11111111111111111111111111111112"

	mint, got, err := GenesisBalance{Mint: "native", Owner: owner, Amount: 1}.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if mint != domain.NativeMint || got.String() != owner {
		t.Errorf("parsed %s/%s", mint, got)
	}

	if _, _, err := (GenesisBalance{Mint: "native", Owner: owner}).Parse(); err == nil {
		t.Error("zero amount must fail")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "# comment\nESCROW_TEST_A=from-file\nESCROW_TEST_B=\"quoted\"\nbroken line\n")
	t.Setenv("ESCROW_TEST_A", "already-set")
	t.Setenv("ESCROW_TEST_B", "")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("ESCROW_TEST_A"); got != "already-set" {
		t.Errorf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("ESCROW_TEST_B"); got != "quoted" {
		t.Errorf("ESCROW_TEST_B = %q", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "none")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
