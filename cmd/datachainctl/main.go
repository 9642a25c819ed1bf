// Command datachainctl is the operator and client CLI for a DataChain ledger
// node and relayer.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmlAEQ/datachain/internal/api"
	"github.com/zmlAEQ/datachain/internal/config"
	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/pkg/logger"
)

var (
	nodeURL    string
	relayerURL string
	keyPath    string
	programHex string
	timeout    time.Duration
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "datachainctl",
	Short: "DataChain ledger client",
	Long: `datachainctl talks to a DataChain ledger node and relayer: it submits and
lists encrypted records, buys access, claims earnings, requests decryption
and audits a node against its own event log.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetLevel(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", envOr("DATACHAIN_NODE_URL", "http://127.0.0.1:4700"), "ledger node API base URL")
	rootCmd.PersistentFlags().StringVar(&relayerURL, "relayer", envOr("DATACHAIN_RELAYER_URL", "http://127.0.0.1:4710"), "relayer base URL")
	rootCmd.PersistentFlags().StringVarP(&keyPath, "key", "k", envOr("DATACHAIN_KEY", ""), "ed25519 key file (hex seed)")
	rootCmd.PersistentFlags().StringVar(&programHex, "program", os.Getenv("DATACHAIN_PROGRAM_ID"), "program id (needed by decrypt)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(keygenCmd, whoamiCmd)
	rootCmd.AddCommand(listingsCmd, listingCmd, submitCmd, priceCmd, listCmd, unlistCmd, buyCmd, claimCmd)
	rootCmd.AddCommand(balanceCmd, entitlementsCmd, checkCmd, eventsCmd, statsCmd)
	rootCmd.AddCommand(decryptCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" { return v }
	return def
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// client returns a node client; signed commands need --key.
func client(signed bool) (*api.Client, error) {
	c := &api.Client{BaseURL: nodeURL, Timeout: timeout}
	if !signed { return c, nil }
	k, err := loadKey()
	if err != nil { return nil, err }
	c.Key = k
	return c, nil
}

func loadKey() (ed25519.PrivateKey, error) {
	if keyPath == "" { return nil, fmt.Errorf("--key is required") }
	return config.LoadKey(keyPath)
}

func self() (domain.Principal, error) {
	k, err := loadKey()
	if err != nil { return "", err }
	return domain.PrincipalOf(k.Public().(ed25519.PublicKey)), nil
}

// principalArg returns args[0] as a principal, or the --key principal.
func principalArg(args []string) (domain.Principal, error) {
	if len(args) > 0 { return domain.ParsePrincipal(args[0]) }
	return self()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
