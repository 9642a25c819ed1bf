package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/datachain/internal/api"
	"github.com/zmlAEQ/datachain/internal/audit"
	"github.com/zmlAEQ/datachain/internal/config"
	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/ledger"
	"github.com/zmlAEQ/datachain/internal/monitoring"
	"github.com/zmlAEQ/datachain/internal/p2p"
	"github.com/zmlAEQ/datachain/internal/proof"
	"github.com/zmlAEQ/datachain/internal/scheme"
	"github.com/zmlAEQ/datachain/internal/state"
	"github.com/zmlAEQ/datachain/pkg/bus"
	"github.com/zmlAEQ/datachain/pkg/lifecycle"
	"github.com/zmlAEQ/datachain/pkg/logger"
)

func main() {
	var (
		cfgPath    string
		program    string
		apiAddr    string
		monAddr    string
		store      string
		sqlitePath string
		logLevel   string
		p2pEnable  bool
		p2pListen  string
		p2pBoot    string
		p2pNAT     bool
		auditEvery time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&program, "program", "", "Program id (64 hex chars)")
	flag.StringVar(&apiAddr, "api", "", "Ledger API listen address")
	flag.StringVar(&monAddr, "monitoring", "", "Monitoring listen address")
	flag.StringVar(&store, "store", "", "State store: sqlite or memory")
	flag.StringVar(&sqlitePath, "sqlite", "", "SQLite database path")
	flag.StringVar(&logLevel, "log-level", "", "Log level")
	flag.BoolVar(&p2pEnable, "p2p.enable", false, "Enable P2P event gossip (libp2p+gossipsub, behind 'p2p' build tag)")
	flag.StringVar(&p2pListen, "p2p.listen", "", "P2P listen multiaddr (e.g. /ip4/0.0.0.0/tcp/31000)")
	flag.StringVar(&p2pBoot, "p2p.bootnodes", "", "Comma-separated bootnode multiaddrs or path to file")
	flag.BoolVar(&p2pNAT, "p2p.nat", false, "Enable NAT port mapping")
	flag.DurationVar(&auditEvery, "audit-interval", time.Minute, "Journal self-audit interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil { fail("config", err) }
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "program":
			cfg.ProgramID = program
		case "api":
			cfg.Node.APIAddr = apiAddr
		case "monitoring":
			cfg.Node.MonitoringAddr = monAddr
		case "store":
			cfg.Node.Store = store
		case "sqlite":
			cfg.Node.SQLitePath = sqlitePath
		case "log-level":
			cfg.LogLevel = logLevel
		case "p2p.enable":
			cfg.P2P.Enable = p2pEnable
		case "p2p.listen":
			cfg.P2P.Listen = []string{p2pListen}
		case "p2p.bootnodes":
			cfg.P2P.Bootnodes = p2p.ParseBootnodes(p2pBoot)
		case "p2p.nat":
			cfg.P2P.NAT = p2pNAT
		}
	})
	if err := cfg.Validate(); err != nil { fail("config", err) }
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()
	pid, _ := cfg.Program()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	verifier, err := inputVerifier(ctx, cfg, pid)
	if err != nil { fail("input_verifier", err) }
	st, err := openStore(cfg)
	if err != nil { fail("store", err) }

	b := bus.New(1024)
	var payout ledger.Transferer = ledger.LogTransferer{}
	if cfg.Node.PayoutWebhook != "" { payout = ledger.PayoutWebhook{URL: cfg.Node.PayoutWebhook} }
	l, err := ledger.Open(ctx, ledger.Config{Store: st, Admitter: verifier, Transferer: payout, Bus: b})
	if err != nil { fail("ledger", err) }
	defer l.Close()

	m := lifecycle.New()
	var sinks []audit.Sink
	if cfg.Node.EventWebhook != "" { sinks = append(sinks, audit.WebhookSink{URL: cfg.Node.EventWebhook}) }

	if cfg.P2P.Enable {
		key, err := config.LoadOrCreateKey(cfg.Node.NodeKeyPath)
		if err != nil { fail("node_key", err) }
		t, err := p2p.NewTransport(cfg.P2P)
		if err != nil { fail("p2p", err) }
		if cfg.Node.MirrorJournal != "" {
			var trusted []domain.Principal
			for _, s := range cfg.Node.TrustedNodes {
				p, _ := domain.ParsePrincipal(s)
				trusted = append(trusted, p)
			}
			t.OnEnvelope(p2p.NewMirror(audit.NewJournal(cfg.Node.MirrorJournal), trusted...).Ingest)
		}
		m.Add(p2p.NewNetService(t))
		sinks = append(sinks, p2p.NewGossipSink(t, key))
		logger.InfoJ("p2p_identity", map[string]any{"node": string(domain.PrincipalOf(key.Public().(ed25519.PublicKey)))})
	}

	journal := audit.NewJournal(cfg.Node.JournalPath)
	m.Add(audit.NewExporter(b, journal, l, sinks...))
	m.Add(api.NewService(cfg.Node.APIAddr, l, cfg.Node.Skew))
	mon := monitoring.New(cfg.Node.MonitoringAddr)
	mon.AddCheck("store", func(ctx context.Context) error {
		_, err := l.Events(ctx, l.Seq(), 1)
		return err
	})
	m.Add(mon)

	if err := m.StartAll(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.InfoJ("node_start", map[string]any{"program": pid.String(), "api": cfg.Node.APIAddr, "store": cfg.Node.Store, "seq": l.Seq()})

	g, gctx := errgroup.WithContext(ctx)
	if auditEvery > 0 {
		g.Go(func() error { return selfAudit(gctx, journal, l, auditEvery) })
	}
	<-ctx.Done()
	if err := g.Wait(); err != nil { logger.ErrorJ("node_stop", map[string]any{"err": err.Error()}) }
	_ = m.StopAll(context.Background())
}

// inputVerifier builds the proof verifier from the configured key, or from
// the oracle's published key when none is configured.
func inputVerifier(ctx context.Context, cfg *config.Config, pid domain.ProgramID) (*proof.Verifier, error) {
	if cfg.Node.InputVerifier != "" {
		pk, err := hex.DecodeString(cfg.Node.InputVerifier)
		if err != nil { return nil, fmt.Errorf("input_verifier: %w", err) }
		return proof.NewVerifier(pid, pk)
	}
	o := &scheme.HTTPOracle{BaseURL: cfg.Oracle.URL, Token: cfg.Oracle.Token, Timeout: cfg.Oracle.Timeout}
	info, err := o.Info(ctx)
	if err != nil { return nil, fmt.Errorf("oracle info from %s: %w", cfg.Oracle.URL, err) }
	if info.Program != pid { return nil, fmt.Errorf("oracle serves program %s, node runs %s", info.Program, pid) }
	pk, err := hex.DecodeString(info.InputVerifier)
	if err != nil { return nil, err }
	return proof.NewVerifier(pid, pk)
}

func openStore(cfg *config.Config) (state.Store, error) {
	if cfg.Node.Store == "memory" {
		logger.Warn("memory store selected; ledger state is lost on exit")
		return state.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Node.SQLitePath), 0o755); err != nil { return nil, err }
	return state.OpenSQLite(cfg.Node.SQLitePath)
}

// selfAudit periodically replays the local journal and compares it with the
// live ledger. Mismatches are logged and exported as a gauge; it never stops
// the node.
func selfAudit(ctx context.Context, j *audit.Journal, l *ledger.Ledger, every time.Duration) error {
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
		}
		d, err := audit.Verify(j, l)
		switch {
		case errors.Is(err, audit.ErrLagging):
		case err != nil:
			logger.ErrorJ("audit_verify", map[string]any{"result": "error", "err": err.Error()})
		case len(d) == 0:
			logger.InfoJ("audit_verify", map[string]any{"result": "ok", "seq": l.Seq()})
		}
	}
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "datachain-node: %s: %v\n", stage, err)
	os.Exit(1)
}
