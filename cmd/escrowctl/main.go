// Package main is the command-line client for escrowd.
//
// Usage:
//
//	escrowctl [global flags] <command> [flags]
//
// Commands: keygen, pubkey, derive, make, take, refund, show, list, balance, events, verify, inspect.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"token-escrow/internal/api"
	"token-escrow/internal/chainwatch"
	"token-escrow/internal/domain"
	"token-escrow/internal/keys"
	"token-escrow/internal/solana"
	"token-escrow/internal/verification"
)

// command is one escrowctl subcommand.
type command struct {
	usage string
	run   func(ctx context.Context, g *globals, args []string) error
}

var commands = map[string]command{
	"keygen":  {"keygen -out FILE [-mnemonic PHRASE] [-passphrase P]", runKeygen},
	"pubkey":  {"pubkey", runPubkey},
	"derive":  {"derive -maker KEY -seed N -mint-a MINT", runDerive},
	"make":    {"make -seed N -mint-a MINT -mint-b MINT -deposit N -receive N", runMake},
	"take":    {"take ESCROW", runTake},
	"refund":  {"refund ESCROW", runRefund},
	"show":    {"show ESCROW", runShow},
	"list":    {"list [-maker KEY]", runList},
	"balance": {"balance -mint MINT [-owner KEY]", runBalance},
	"events":  {"events ESCROW", runEvents},
	"inspect": {"inspect -rpc URL [-program KEY] ESCROW", runInspect},
	"verify":  {"verify [-since DURATION] [ESCROW]", runVerify},
}

// globals are the flags shared by every command.
type globals struct {
	server  string
	keyfile string
	timeout time.Duration
	json    bool
	logger  *log.Logger
}

func main() {
	g := &globals{logger: log.New(os.Stderr, "[escrowctl] ", 0)}

	flag.StringVar(&g.server, "server", envOr("ESCROW_SERVER", "http://localhost:8080"), "escrowd base URL")
	flag.StringVar(&g.keyfile, "keypair", os.Getenv("ESCROW_KEYPAIR"), "Keypair file signing requests")
	flag.DurationVar(&g.timeout, "timeout", api.DefaultTimeout, "Request timeout")
	flag.BoolVar(&g.json, "json", false, "Output as JSON")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		g.logger.Printf("unknown command %q", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := cmd.run(ctx, g, flag.Args()[1:]); err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			g.logger.Fatalf("%s: %s", apiErr.Kind, apiErr.Message)
		}
		g.logger.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: escrowctl [global flags] <command> [flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(os.Stderr, "\nGlobal flags:\n")
	flag.PrintDefaults()
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// keypair loads the signing keypair named by -keypair.
func (g *globals) keypair() (*keys.Keypair, error) {
	if g.keyfile == "" {
		return nil, errors.New("-keypair or ESCROW_KEYPAIR is required")
	}
	return keys.LoadFile(g.keyfile)
}

// client returns an API client, signing with the keypair when sign is set.
func (g *globals) client(sign bool) (*api.Client, *keys.Keypair, error) {
	opts := []api.ClientOption{api.WithTimeout(g.timeout)}
	if !sign {
		return api.NewClient(g.server, opts...), nil, nil
	}
	kp, err := g.keypair()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, api.WithKeypair(kp))
	return api.NewClient(g.server, opts...), kp, nil
}

// print writes v as indented JSON.
func (g *globals) print(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseMint accepts a base58 mint or "native" for lamports.
func parseMint(s string) (domain.Pubkey, error) {
	if s == "native" {
		return domain.NativeMint, nil
	}
	return domain.ParsePubkey(s)
}

// oneAddress parses the single positional escrow address of a command.
func oneAddress(fs *flag.FlagSet, args []string) (domain.Pubkey, error) {
	if err := fs.Parse(args); err != nil {
		return domain.Pubkey{}, err
	}
	if fs.NArg() != 1 {
		return domain.Pubkey{}, fmt.Errorf("%s: expected one escrow address", fs.Name())
	}
	return domain.ParsePubkey(fs.Arg(0))
}

func runKeygen(_ context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "Keypair file to write (required)")
	mnemonic := fs.String("mnemonic", "", "Recover from this BIP-39 phrase instead of generating one")
	passphrase := fs.String("passphrase", "", "BIP-39 passphrase")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("keygen: -out is required")
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("keygen: %s exists, use -force to overwrite", *out)
	}

	phrase := *mnemonic
	if phrase == "" {
		var err error
		if phrase, err = keys.NewMnemonic(); err != nil {
			return err
		}
	}
	kp, err := keys.FromMnemonic(phrase, *passphrase)
	if err != nil {
		return err
	}
	if err := kp.SaveFile(*out); err != nil {
		return err
	}

	if g.json {
		return g.print(map[string]string{"pubkey": kp.Public().String(), "mnemonic": phrase})
	}
	fmt.Printf("Wrote keypair to %s\n", *out)
	fmt.Printf("pubkey: %s\n", kp.Public())
	if *mnemonic == "" {
		fmt.Printf("Save this seed phrase to recover the keypair:\n%s\n", phrase)
	}
	return nil
}

func runPubkey(_ context.Context, g *globals, _ []string) error {
	kp, err := g.keypair()
	if err != nil {
		return err
	}
	fmt.Println(kp.Public())
	return nil
}

func runDerive(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	maker := fs.String("maker", "", "Maker address (defaults to -keypair)")
	seed := fs.Uint64("seed", 0, "Escrow seed")
	mintA := fs.String("mint-a", "", "Deposited mint (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	makerKey, err := g.makerOr(*maker)
	if err != nil {
		return err
	}
	mint, err := parseMint(*mintA)
	if err != nil {
		return fmt.Errorf("mint-a: %w", err)
	}

	c, _, err := g.client(false)
	if err != nil {
		return err
	}
	resp, err := c.Derive(ctx, makerKey, *seed, mint)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(resp)
	}
	fmt.Printf("escrow: %s\nbump:   %d\nvault:  %s\n", resp.Escrow, resp.Bump, resp.Vault)
	return nil
}

// makerOr parses s, falling back to the -keypair identity.
func (g *globals) makerOr(s string) (domain.Pubkey, error) {
	if s != "" {
		return domain.ParsePubkey(s)
	}
	kp, err := g.keypair()
	if err != nil {
		return domain.Pubkey{}, err
	}
	return kp.Public(), nil
}

func runMake(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("make", flag.ContinueOnError)
	seed := fs.Uint64("seed", 0, "Escrow seed, unique per maker")
	mintA := fs.String("mint-a", "", "Deposited mint (required)")
	mintB := fs.String("mint-b", "", "Requested mint (required)")
	deposit := fs.Uint64("deposit", 0, "Amount of mint A to lock")
	receive := fs.Uint64("receive", 0, "Amount of mint B requested")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := parseMint(*mintA)
	if err != nil {
		return fmt.Errorf("mint-a: %w", err)
	}
	b, err := parseMint(*mintB)
	if err != nil {
		return fmt.Errorf("mint-b: %w", err)
	}

	c, kp, err := g.client(true)
	if err != nil {
		return err
	}
	resp, err := c.Make(ctx, api.MakeRequest{
		Maker:   kp.Public(),
		Seed:    *seed,
		MintA:   a,
		MintB:   b,
		Deposit: *deposit,
		Receive: *receive,
	})
	if err != nil {
		return err
	}
	if g.json {
		return g.print(resp)
	}
	printEscrow(resp)
	return nil
}

func runTake(ctx context.Context, g *globals, args []string) error {
	addr, err := oneAddress(flag.NewFlagSet("take", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	c, _, err := g.client(true)
	if err != nil {
		return err
	}
	resp, err := c.Take(ctx, addr)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(resp)
	}
	fmt.Printf("Took %s: paid %d, received %d, maker reclaimed %d lamports\n",
		resp.Escrow, resp.Paid, resp.Received, resp.RentReclaimed)
	return nil
}

func runRefund(ctx context.Context, g *globals, args []string) error {
	addr, err := oneAddress(flag.NewFlagSet("refund", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	c, _, err := g.client(true)
	if err != nil {
		return err
	}
	resp, err := c.Refund(ctx, addr)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(resp)
	}
	fmt.Printf("Refunded %s: %d returned, %d lamports reclaimed\n", resp.Escrow, resp.Refunded, resp.RentReclaimed)
	return nil
}

func runShow(ctx context.Context, g *globals, args []string) error {
	addr, err := oneAddress(flag.NewFlagSet("show", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	c, _, err := g.client(false)
	if err != nil {
		return err
	}
	resp, err := c.Get(ctx, addr)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(resp)
	}
	printEscrow(resp)
	return nil
}

func runList(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	maker := fs.String("maker", "", "Maker address (defaults to -keypair)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	makerKey, err := g.makerOr(*maker)
	if err != nil {
		return err
	}

	c, _, err := g.client(false)
	if err != nil {
		return err
	}
	list, err := c.ListByMaker(ctx, makerKey)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(list)
	}
	if len(list) == 0 {
		fmt.Println("No open escrows")
		return nil
	}
	for _, e := range list {
		printEscrow(e)
		fmt.Println()
	}
	return nil
}

func runBalance(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	mintFlag := fs.String("mint", "", "Mint, or native (required)")
	owner := fs.String("owner", "", "Owner address (defaults to -keypair)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mint, err := parseMint(*mintFlag)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	ownerKey, err := g.makerOr(*owner)
	if err != nil {
		return err
	}

	c, _, err := g.client(false)
	if err != nil {
		return err
	}
	amount, err := c.Balance(ctx, mint, ownerKey)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(api.BalanceResponse{Mint: mint, Owner: ownerKey, Amount: amount})
	}
	fmt.Println(strconv.FormatUint(amount, 10))
	return nil
}

func runEvents(ctx context.Context, g *globals, args []string) error {
	addr, err := oneAddress(flag.NewFlagSet("events", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	c, _, err := g.client(false)
	if err != nil {
		return err
	}
	list, err := c.Events(ctx, addr)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(list)
	}
	for _, e := range list {
		fmt.Printf("%s  %-6s %-6s a=%d b=%d counterparty=%s\n",
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Source, e.Kind, e.AmountA, e.AmountB, e.Counterparty)
	}
	return nil
}

// runVerify audits one escrow, or every open order and recent history, against settlement events.
func runVerify(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	since := fs.Duration("since", 0, "Audit history of this window (0 covers all history)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := g.client(false)
	if err != nil {
		return err
	}

	var results []verification.VerificationResult
	switch fs.NArg() {
	case 1:
		addr, err := domain.ParsePubkey(fs.Arg(0))
		if err != nil {
			return err
		}
		res, err := c.Verify(ctx, addr)
		if err != nil {
			return err
		}
		if g.json {
			return g.print(res)
		}
		results = append(results, *res)
	case 0:
		var from int64
		if *since > 0 {
			from = time.Now().Add(-*since).UnixMilli()
		}
		report, err := c.VerifyAll(ctx, from, 0)
		if err != nil {
			return err
		}
		if g.json {
			return g.print(report)
		}
		fmt.Printf("%d escrows: %d matched, %d divergent\n", report.TotalEscrows, report.MatchedEscrows, report.DivergentEscrows)
		results = report.Results
	default:
		return errors.New("verify: expected at most one escrow address")
	}

	divergent := 0
	for _, r := range results {
		if r.Match {
			continue
		}
		divergent++
		fmt.Printf("%s (open=%t, %d events)\n", r.Escrow, r.Open, r.Events)
		for _, d := range r.Divergences {
			fmt.Printf("  %-16s expected %v, found %v\n", d.Field, d.Expected, d.Actual)
		}
	}
	if divergent > 0 {
		return fmt.Errorf("%d escrow(s) diverge from settlement history", divergent)
	}
	if fs.NArg() == 1 {
		fmt.Println("ok")
	}
	return nil
}

// runInspect reads an escrow account straight from a cluster, bypassing escrowd.
func runInspect(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	rpcURL := fs.String("rpc", envOr("SOLANA_RPC_ENDPOINT", ""), "Solana RPC endpoint (required)")
	program := fs.String("program", domain.EscrowProgramID.String(), "Escrow program ID")
	addr, err := oneAddress(fs, args)
	if err != nil {
		return err
	}
	if *rpcURL == "" {
		return errors.New("inspect: -rpc is required")
	}
	programID, err := domain.ParsePubkey(*program)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}

	rpc := solana.NewHTTPClient(*rpcURL, solana.WithTimeout(g.timeout))
	acc, err := chainwatch.FetchAccount(ctx, rpc, programID, addr)
	if err != nil {
		return err
	}
	if g.json {
		return g.print(acc)
	}
	e := acc.Escrow
	fmt.Printf("escrow:  %s\nmaker:   %s\nseed:    %d\nmint a:  %s\nmint b:  %s\nreceive: %d\nbump:    %d\n",
		e.Address, e.Maker, e.Seed, e.MintA, e.MintB, e.Receive, e.Bump)
	if acc.Vault != nil {
		fmt.Printf("vault:   %s (%d)\n", acc.Vault.Address, acc.Vault.Amount)
	}
	return nil
}

func printEscrow(e *api.EscrowResponse) {
	fmt.Printf("escrow:  %s\nmaker:   %s\nseed:    %d\nmint a:  %s\nmint b:  %s\nreceive: %d\n",
		e.Address, e.Maker, e.Seed, e.MintA, e.MintB, e.Receive)
	if e.Vault != nil {
		fmt.Printf("vault:   %s (%d locked)\n", e.Vault.Address, e.Vault.Amount)
	}
}
