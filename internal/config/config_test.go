package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const prog = "0xda7a000000000000000000000000000000000000000000000000000000000001"

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Node.Store != "sqlite" || cfg.Relayer.OracleTimeout != 5*time.Second { t.Fatalf("defaults: %+v", cfg) }
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datachain.yaml")
	yml := `
program_id: ` + prog + `
node:
  store: memory
  trusted_nodes: ["` + strings.Repeat("ab", 32) + `"]
relayer:
  oracle_timeout: 750ms
p2p:
  enable: true
  listen: ["/ip4/0.0.0.0/tcp/31000"]
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil { t.Fatalf("write: %v", err) }
	t.Setenv("DATACHAIN_API_ADDR", "0.0.0.0:9000")
	t.Setenv("DATACHAIN_P2P_BOOTNODES", " /ip4/1.2.3.4/tcp/1/p2p/x , ")
	cfg, err := Load(path)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Node.Store != "memory" || cfg.Relayer.OracleTimeout != 750*time.Millisecond || !cfg.P2P.Enable { t.Fatalf("yaml: %+v", cfg) }
	if cfg.Node.APIAddr != "0.0.0.0:9000" || len(cfg.P2P.Bootnodes) != 1 { t.Fatalf("env: %+v", cfg) }
	if cfg.Node.SQLitePath == "" { t.Fatalf("unset keys must keep defaults") }
	if err := cfg.Validate(); err != nil { t.Fatalf("validate: %v", err) }
	if p, err := cfg.Program(); err != nil || p[0] != 0xda { t.Fatalf("program: %v %v", p, err) }
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("DATACHAIN_ORACLE_TIMEOUT", "soon")
	t.Setenv("DATACHAIN_ORACLE_SERVE", "maybe")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "DATACHAIN_ORACLE_TIMEOUT") || !strings.Contains(err.Error(), "DATACHAIN_ORACLE_SERVE") {
		t.Fatalf("want both env errors, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Node.Store = "postgres"
	cfg.Node.TrustedNodes = []string{"nope"}
	err := cfg.Validate()
	for _, want := range []string{"program_id", "postgres", "trusted node"} {
		if err == nil || !strings.Contains(err.Error(), want) { t.Fatalf("want %q in %v", want, err) }
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "datachain.yaml")
	cfg := Default()
	cfg.ProgramID = prog
	if err := Save(path, cfg); err != nil { t.Fatalf("save: %v", err) }
	got, err := Load(path)
	if err != nil || got.ProgramID != prog || got.Relayer.MaxTTL != cfg.Relayer.MaxTTL { t.Fatalf("reload: %+v %v", got, err) }
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	k1, err := LoadOrCreateKey(path)
	if err != nil { t.Fatalf("create: %v", err) }
	k2, err := LoadOrCreateKey(path)
	if err != nil || !k1.Equal(k2) { t.Fatalf("reload differs: %v", err) }
	_ = os.WriteFile(path, []byte("garbage"), 0o600)
	if _, err := LoadOrCreateKey(path); err == nil { t.Fatalf("garbage key accepted") }
	if b, _ := os.ReadFile(path); string(b) != "garbage" { t.Fatalf("existing key file overwritten") }
}
