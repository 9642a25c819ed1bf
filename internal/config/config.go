// Package config loads process configuration from an optional YAML file with
// DATACHAIN_* environment overrides. Command-line flags are applied last by
// each binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/p2p"
)

// Config covers the node, relayer and oracle processes.
type Config struct {
	ProgramID string        `yaml:"program_id"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	Node      NodeConfig    `yaml:"node"`
	Relayer   RelayerConfig `yaml:"relayer"`
	Oracle    OracleConfig  `yaml:"oracle"`
	P2P       p2p.NetConfig `yaml:"p2p"`
}

// NodeConfig configures cmd/datachain-node.
type NodeConfig struct {
	APIAddr        string        `yaml:"api_addr"`
	MonitoringAddr string        `yaml:"monitoring_addr"`
	Store          string        `yaml:"store"` // "sqlite" or "memory"
	SQLitePath     string        `yaml:"sqlite_path"`
	JournalPath    string        `yaml:"journal_path"`
	EventWebhook   string        `yaml:"event_webhook"`
	PayoutWebhook  string        `yaml:"payout_webhook"`
	InputVerifier  string        `yaml:"input_verifier"` // hex BLS public key; empty => fetched from oracle.url
	NodeKeyPath    string        `yaml:"node_key_path"`
	MirrorJournal  string        `yaml:"mirror_journal"`
	TrustedNodes   []string      `yaml:"trusted_nodes"`
	Skew           time.Duration `yaml:"skew"`
}

// RelayerConfig configures cmd/datachain-relayer.
type RelayerConfig struct {
	Addr           string        `yaml:"addr"`
	MonitoringAddr string        `yaml:"monitoring_addr"`
	LedgerURL      string        `yaml:"ledger_url"`
	OracleTimeout  time.Duration `yaml:"oracle_timeout"`
	MaxInFlight    int64         `yaml:"max_in_flight"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	MaxRequesters  int           `yaml:"max_requesters"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
}

// OracleConfig points at a remote oracle, or runs one in-process when Serve
// is set.
type OracleConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	Serve        bool          `yaml:"serve"`
	Addr         string        `yaml:"addr"`
	KeyStorePath string        `yaml:"keystore_path"`
	VaultDir     string        `yaml:"vault_dir"`
	SignerSeed   string        `yaml:"signer_seed_path"`
}

// Default returns a default configuration rooted at ./data.
func Default() *Config {
	dir := "data"
	return &Config{
		DataDir:  dir,
		LogLevel: "info",
		Node: NodeConfig{
			APIAddr:        "127.0.0.1:4700",
			MonitoringAddr: "127.0.0.1:4720",
			Store:          "sqlite",
			SQLitePath:     filepath.Join(dir, "ledger.db"),
			JournalPath:    filepath.Join(dir, "events.jsonl"),
			NodeKeyPath:    filepath.Join(dir, "node.key"),
			Skew:           5 * time.Minute,
		},
		Relayer: RelayerConfig{
			Addr:           "127.0.0.1:4710",
			MonitoringAddr: "127.0.0.1:4721",
			LedgerURL:      "http://127.0.0.1:4700",
			OracleTimeout:  5 * time.Second,
			MaxInFlight:    64,
			RatePerSecond:  5,
			Burst:          10,
			MaxRequesters:  4096,
			MaxTTL:         10 * time.Minute,
		},
		Oracle: OracleConfig{
			URL:          "http://127.0.0.1:4730",
			Timeout:      5 * time.Second,
			Addr:         "127.0.0.1:4730",
			KeyStorePath: filepath.Join(dir, "oracle.key"),
			VaultDir:     filepath.Join(dir, "vault"),
			SignerSeed:   filepath.Join(dir, "input-verifier.seed"),
		},
	}
}

// Load reads path (missing file => defaults) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil { return nil, fmt.Errorf("config %s: %w", path, err) }
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil { return nil, err }
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { return err }
	data, err := yaml.Marshal(cfg)
	if err != nil { return err }
	return os.WriteFile(path, data, 0o644)
}

// Program parses ProgramID.
func (c *Config) Program() (domain.ProgramID, error) {
	if strings.TrimSpace(c.ProgramID) == "" { return domain.ProgramID{}, errors.New("config: program_id is required") }
	return domain.ParseProgramID(c.ProgramID)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" { *dst = v }
	}
	var errs error
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil { errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err)); return }
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil { errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err)); return }
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
			}
			*dst = out
		}
	}

	str("DATACHAIN_PROGRAM_ID", &c.ProgramID)
	str("DATACHAIN_DATA_DIR", &c.DataDir)
	str("DATACHAIN_LOG_LEVEL", &c.LogLevel)
	str("DATACHAIN_API_ADDR", &c.Node.APIAddr)
	str("DATACHAIN_MONITORING_ADDR", &c.Node.MonitoringAddr)
	str("DATACHAIN_STORE", &c.Node.Store)
	str("DATACHAIN_SQLITE_PATH", &c.Node.SQLitePath)
	str("DATACHAIN_JOURNAL_PATH", &c.Node.JournalPath)
	str("DATACHAIN_EVENT_WEBHOOK", &c.Node.EventWebhook)
	str("DATACHAIN_PAYOUT_WEBHOOK", &c.Node.PayoutWebhook)
	str("DATACHAIN_INPUT_VERIFIER", &c.Node.InputVerifier)
	list("DATACHAIN_TRUSTED_NODES", &c.Node.TrustedNodes)
	str("DATACHAIN_RELAYER_ADDR", &c.Relayer.Addr)
	str("DATACHAIN_LEDGER_URL", &c.Relayer.LedgerURL)
	dur("DATACHAIN_ORACLE_TIMEOUT", &c.Relayer.OracleTimeout)
	str("DATACHAIN_ORACLE_URL", &c.Oracle.URL)
	str("DATACHAIN_ORACLE_TOKEN", &c.Oracle.Token)
	boolean("DATACHAIN_ORACLE_SERVE", &c.Oracle.Serve)
	boolean("DATACHAIN_P2P_ENABLE", &c.P2P.Enable)
	list("DATACHAIN_P2P_LISTEN", &c.P2P.Listen)
	list("DATACHAIN_P2P_BOOTNODES", &c.P2P.Bootnodes)
	return errs
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs error
	if _, err := c.Program(); err != nil { errs = multierr.Append(errs, err) }
	switch c.Node.Store {
	case "sqlite", "memory":
	default:
		errs = multierr.Append(errs, fmt.Errorf("config: unknown store %q", c.Node.Store))
	}
	for _, p := range c.Node.TrustedNodes {
		if _, err := domain.ParsePrincipal(p); err != nil { errs = multierr.Append(errs, fmt.Errorf("config: trusted node %q: %w", p, err)) }
	}
	if c.Relayer.OracleTimeout <= 0 { errs = multierr.Append(errs, errors.New("config: relayer.oracle_timeout must be positive")) }
	return errs
}
