package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/datachain/internal/api"
	"github.com/zmlAEQ/datachain/internal/audit"
	"github.com/zmlAEQ/datachain/internal/config"
	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/monitoring"
	"github.com/zmlAEQ/datachain/internal/proof"
	"github.com/zmlAEQ/datachain/internal/relayer"
	"github.com/zmlAEQ/datachain/internal/scheme"
	"github.com/zmlAEQ/datachain/pkg/bus"
	"github.com/zmlAEQ/datachain/pkg/httpx"
	"github.com/zmlAEQ/datachain/pkg/lifecycle"
	"github.com/zmlAEQ/datachain/pkg/logger"
	"github.com/zmlAEQ/datachain/pkg/metrics"
)

func main() {
	var (
		cfgPath      string
		program      string
		addr         string
		monAddr      string
		ledgerURL    string
		oracleURL    string
		serveOracle  bool
		logLevel     string
		auditWebhook string
		probeEvery   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&program, "program", "", "Program id (64 hex chars)")
	flag.StringVar(&addr, "listen", "", "Relayer listen address")
	flag.StringVar(&monAddr, "monitoring", "", "Monitoring listen address")
	flag.StringVar(&ledgerURL, "ledger", "", "Ledger node API base URL")
	flag.StringVar(&oracleURL, "oracle", "", "Remote decryption oracle base URL")
	flag.BoolVar(&serveOracle, "serve-oracle", false, "Run the decryption oracle and input endpoint in-process")
	flag.StringVar(&logLevel, "log-level", "", "Log level")
	flag.StringVar(&auditWebhook, "audit-webhook", "", "Optional URL receiving decrypt audit records")
	flag.DurationVar(&probeEvery, "probe-interval", 15*time.Second, "Remote oracle probe interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil { fail("config", err) }
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "program":
			cfg.ProgramID = program
		case "listen":
			cfg.Relayer.Addr = addr
		case "monitoring":
			cfg.Relayer.MonitoringAddr = monAddr
		case "ledger":
			cfg.Relayer.LedgerURL = ledgerURL
		case "oracle":
			cfg.Oracle.URL = oracleURL
		case "serve-oracle":
			cfg.Oracle.Serve = serveOracle
		case "log-level":
			cfg.LogLevel = logLevel
		}
	})
	if err := cfg.Validate(); err != nil { fail("config", err) }
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()
	pid, _ := cfg.Program()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := lifecycle.New()
	var oracle relayer.DecryptionOracle
	var remote *scheme.HTTPOracle
	if cfg.Oracle.Serve {
		local, srv, err := localOracle(ctx, cfg, pid)
		if err != nil { fail("oracle", err) }
		oracle = local
		m.Add(srv)
	} else {
		remote = &scheme.HTTPOracle{BaseURL: cfg.Oracle.URL, Token: cfg.Oracle.Token, Timeout: cfg.Oracle.Timeout}
		oracle = remote
	}

	reader := &api.Client{BaseURL: cfg.Relayer.LedgerURL, Timeout: cfg.Relayer.OracleTimeout}
	c, err := relayer.New(relayer.Config{
		Program:       pid,
		OracleTimeout: cfg.Relayer.OracleTimeout,
		MaxInFlight:   cfg.Relayer.MaxInFlight,
		RatePerSecond: cfg.Relayer.RatePerSecond,
		Burst:         cfg.Relayer.Burst,
		MaxRequesters: cfg.Relayer.MaxRequesters,
		MaxTTL:        cfg.Relayer.MaxTTL,
	}, reader, oracle)
	if err != nil { fail("relayer", err) }

	if auditWebhook != "" {
		b := bus.New(1024)
		c.SetBus(b)
		m.Add(audit.NewExporter(b, nil, nil, audit.WebhookSink{URL: auditWebhook}))
	}
	m.Add(relayer.NewService(cfg.Relayer.Addr, c))
	mon := monitoring.New(cfg.Relayer.MonitoringAddr)
	mon.AddCheck("ledger", func(ctx context.Context) error {
		_, err := reader.Stats(ctx)
		return err
	})
	if remote != nil {
		mon.AddCheck("oracle", func(ctx context.Context) error {
			_, err := remote.Info(ctx)
			return err
		})
	}
	m.Add(mon)

	if err := m.StartAll(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.InfoJ("relayer_start", map[string]any{"program": pid.String(), "addr": cfg.Relayer.Addr, "ledger": cfg.Relayer.LedgerURL, "local_oracle": cfg.Oracle.Serve})

	g, gctx := errgroup.WithContext(ctx)
	if remote != nil && probeEvery > 0 {
		g.Go(func() error { return probeOracle(gctx, remote, pid, probeEvery) })
	}
	<-ctx.Done()
	_ = g.Wait()
	_ = m.StopAll(context.Background())
}

// localOracle wires the file-backed vault, the engine key and the input
// verifier signer, and returns the oracle plus its HTTP server.
func localOracle(ctx context.Context, cfg *config.Config, pid domain.ProgramID) (*scheme.LocalOracle, *httpx.Server, error) {
	key, err := scheme.NewKeyStoreFromEnv(cfg.Oracle.KeyStorePath).LoadOrCreate(ctx)
	if err != nil { return nil, nil, fmt.Errorf("engine key: %w", err) }
	ikm, err := scheme.NewKeyStoreFromEnv(cfg.Oracle.SignerSeed).LoadOrCreate(ctx)
	if err != nil { return nil, nil, fmt.Errorf("signer seed: %w", err) }
	signer, err := proof.NewSigner(ikm)
	if err != nil { return nil, nil, err }
	engine := scheme.NewEngine(key)
	vault := scheme.NewFileVault(cfg.Oracle.VaultDir)
	o := scheme.NewLocalOracle(vault, engine)
	in := scheme.NewInputService(pid, engine, signer, vault)
	info := scheme.Info{Program: pid, InputVerifier: hex.EncodeToString(signer.PublicKey())}
	logger.InfoJ("oracle_local", map[string]any{"program": pid.String(), "input_verifier": info.InputVerifier, "addr": cfg.Oracle.Addr})
	h := scheme.NewOracleHandler(o, in, info, cfg.Oracle.Token)
	return o, httpx.NewServer("oracle-http", cfg.Oracle.Addr, h.Routes()), nil
}

func probeOracle(ctx context.Context, o *scheme.HTTPOracle, pid domain.ProgramID, every time.Duration) error {
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		up := int64(1)
		info, err := o.Info(ctx)
		switch {
		case err != nil:
			up = 0
			logger.WarnJ("oracle_probe", map[string]any{"result": "unavailable", "err": err.Error()})
		case info.Program != pid:
			up = 0
			logger.ErrorJ("oracle_probe", map[string]any{"result": "wrong_program", "program": info.Program.String()})
		}
		metrics.SetGauge("relayer_oracle_up", nil, up)
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
		}
	}
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "datachain-relayer: %s: %v\n", stage, err)
	os.Exit(1)
}
