// Package main runs the escrow settlement daemon:
// - HTTP API for Make, Take and Refund plus read endpoints
// - WebSocket stream of settlement events
// - optional mirror of the deployed escrow program
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"token-escrow/internal/api"
	"token-escrow/internal/chainwatch"
	"token-escrow/internal/config"
	"token-escrow/internal/escrow"
	"token-escrow/internal/events"
	"token-escrow/internal/solana"
	"token-escrow/internal/storage"
	chstore "token-escrow/internal/storage/clickhouse"
	"token-escrow/internal/storage/memory"
	"token-escrow/internal/storage/migrations"
	"token-escrow/internal/storage/postgres"
	"token-escrow/internal/verification"
)

// stores holds the storage backends selected by the configuration.
type stores struct {
	store   storage.Store
	history storage.SettlementEventStore
	funder  storage.Funder
	closers []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	logger := log.New(os.Stdout, "[escrowd] ", log.LstdFlags|log.Lshortfile)

	// Config sources are located before the flag set exists so flags can override them.
	configPath := lookupFlag(os.Args[1:], "config", os.Getenv("ESCROW_CONFIG"))
	envFile := lookupFlag(os.Args[1:], "env-file", ".env")

	if err := config.LoadEnvFile(envFile); err != nil {
		logger.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	fs := flag.NewFlagSet("escrowd", flag.ExitOnError)
	fs.String("config", configPath, "Path to YAML config file")
	fs.String("env-file", envFile, "Path to .env file")
	config.RegisterFlags(fs, &cfg)
	fs.Parse(os.Args[1:])
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Printf("Storage backend: %s", cfg.Storage.Backend)
	st, err := createStores(ctx, &cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer st.close()

	if err := applyGenesis(ctx, &cfg, st.funder, logger); err != nil {
		logger.Fatalf("Failed to apply genesis balances: %v", err)
	}

	hub := api.NewHub(nil, log.New(os.Stdout, "[hub] ", log.LstdFlags))
	defer hub.Close()

	recorder := events.NewRecorder(st.history, log.New(os.Stdout, "[recorder] ", log.LstdFlags))
	recorderDone := make(chan struct{})
	go func() {
		recorder.Run(ctx)
		close(recorderDone)
	}()

	engine := escrow.NewEngine(escrow.Options{
		Store:     st.store,
		ProgramID: cfg.ProgramID(),
		Rent:      cfg.Rent(),
		Emitter: events.Multi{
			recorder,
			events.MetricsEmitter{},
			hub,
			events.LogEmitter{Logger: log.New(os.Stdout, "[settlement] ", log.LstdFlags)},
		},
	})
	logger.Printf("Program ID: %s", engine.ProgramID())

	var watcher *chainwatch.Watcher
	if cfg.Chain.Enabled {
		watcher, err = startWatcher(ctx, &cfg, events.Multi{recorder, events.MetricsEmitter{}, hub}, logger)
		if err != nil {
			logger.Fatalf("Failed to start chain watcher: %v", err)
		}
	}

	limiter := api.NewSignerLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst, 10*time.Minute)
	opts := api.Options{
		Engine:   engine,
		History:  st.history,
		Hub:      hub,
		Verifier: verification.NewReplayVerifier(st.store, st.history),
		Auth:     api.NewAuthenticator(cfg.Auth.ReplayWindow, limiter, nil),
		Logger:   log.New(os.Stdout, "[api] ", log.LstdFlags),
	}
	if watcher != nil {
		opts.Status = watcher.Status
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to signal completion
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(cfg.HTTP.ShutdownTimeout):
			logger.Printf("Graceful shutdown timed out after %v, forcing exit", cfg.HTTP.ShutdownTimeout)
			os.Exit(1)
		case <-done:
		}
	}()

	logger.Printf("API listening on %s", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("HTTP server error: %v", err)
	}

	// Shutdown has returned; drain the recorder before closing the stores.
	<-ctx.Done()
	<-recorderDone
	close(done)

	logger.Println("Shutdown complete")
}

// lookupFlag returns the value of -name or --name in args, in either the
// "-name value" or "-name=value" form.
func lookupFlag(args []string, name, def string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		key := strings.TrimLeft(arg, "-")
		if key == arg {
			continue
		}
		if v, ok := strings.CutPrefix(key, name+"="); ok {
			return v
		}
		if key == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

// createStores opens the configured backends and applies migrations when enabled.
func createStores(ctx context.Context, cfg *config.Config, logger *log.Logger) (*stores, error) {
	st := &stores{}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st.closers = append(st.closers, pool.Close)

		if cfg.Storage.Migrate {
			applied, err := migrations.RunPostgresMigrations(ctx, pool)
			if err != nil {
				st.close()
				return nil, fmt.Errorf("postgres migrations: %w", err)
			}
			for _, name := range applied {
				logger.Printf("Applied postgres migration %s", name)
			}
		}
		pg := postgres.NewStore(pool)
		st.store = pg
		st.funder = pg
	default:
		mem := memory.NewStore()
		st.store = mem
		st.funder = mem
	}

	if cfg.Storage.ClickHouseDSN != "" {
		var (
			conn *chstore.Conn
			err  error
		)
		if cfg.Storage.Migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickHouseDSN)
		} else {
			conn, err = chstore.NewConn(ctx, cfg.Storage.ClickHouseDSN)
		}
		if err != nil {
			st.close()
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		st.closers = append(st.closers, func() { conn.Close() })
		st.history = chstore.NewSettlementEventStore(conn)
		logger.Println("Settlement history: clickhouse")
	} else {
		st.history = memory.NewSettlementEventStore()
		logger.Println("Settlement history: memory")
	}

	return st, nil
}

// applyGenesis credits the configured starting balances.
func applyGenesis(ctx context.Context, cfg *config.Config, funder storage.Funder, logger *log.Logger) error {
	for i, g := range cfg.Genesis {
		mint, owner, err := g.Parse()
		if err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if err := funder.Credit(ctx, mint, owner, g.Amount); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
		logger.Printf("Genesis: credited %d of %s to %s", g.Amount, g.Mint, owner)
	}
	return nil
}

// startWatcher connects to the cluster and runs the chain mirror until ctx is canceled.
func startWatcher(ctx context.Context, cfg *config.Config, emitter events.Emitter, logger *log.Logger) (*chainwatch.Watcher, error) {
	programID, err := cfg.ChainProgramID()
	if err != nil {
		return nil, err
	}

	rpc := solana.NewHTTPClient(cfg.Chain.RPCEndpoint)
	ws, err := solana.NewWSClient(ctx, cfg.Chain.WSEndpoint, nil, log.New(os.Stdout, "[ws] ", log.LstdFlags))
	if err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}

	watcher := chainwatch.NewWatcher(chainwatch.Options{
		RPC:       rpc,
		WS:        ws,
		ProgramID: programID,
		Emitter:   emitter,
		Resync:    cfg.Chain.ResyncInterval,
		Logger:    log.New(os.Stdout, "[chainwatch] ", log.LstdFlags),
	})

	go func() {
		defer ws.Close()
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("Chain watcher stopped: %v", err)
		}
	}()

	logger.Printf("Chain watcher: program %s via %s", programID, cfg.Chain.RPCEndpoint)
	return watcher, nil
}
