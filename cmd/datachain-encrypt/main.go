package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zmlAEQ/datachain/internal/api"
	"github.com/zmlAEQ/datachain/internal/config"
	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/proof"
	"github.com/zmlAEQ/datachain/internal/scheme"
)

type output struct {
	Program    string           `json:"program"`
	Submitter  domain.Principal `json:"submitter"`
	Handle     domain.Handle    `json:"handle"`
	Proof      string           `json:"proof"`
	Ciphertext int              `json:"ciphertext_bytes"`
	Listing    *domain.Listing  `json:"listing,omitempty"`
}

func main() {
	var (
		keyPath    string
		inPath     string
		oracleURL  string
		token      string
		programHex string
		vaultDir   string
		keystore   string
		signerSeed string
		nodeURL    string
		category   string
		price      string
	)
	flag.StringVar(&keyPath, "key", "", "Submitter ed25519 key file (hex seed)")
	flag.StringVar(&inPath, "in", "", "Plaintext file; default: stdin")
	flag.StringVar(&oracleURL, "oracle", "", "Remote input endpoint base URL")
	flag.StringVar(&token, "token", os.Getenv("DATACHAIN_ORACLE_TOKEN"), "Oracle bearer token")
	flag.StringVar(&programHex, "program", "", "Program id; required for local encryption")
	flag.StringVar(&vaultDir, "vault", "", "Local vault directory (encrypt without an oracle)")
	flag.StringVar(&keystore, "keystore", "", "Local engine key file")
	flag.StringVar(&signerSeed, "signer-seed", "", "Local input verifier seed file")
	flag.StringVar(&nodeURL, "submit", "", "Ledger node URL; when set the record is submitted")
	flag.StringVar(&category, "category", "health", "Category for -submit")
	flag.StringVar(&price, "price", "", "Price for -submit (e.g. 5.00); when set the listing is also listed")
	flag.Parse()

	if keyPath == "" || (oracleURL == "" && vaultDir == "") {
		fmt.Fprintln(os.Stderr, "missing -key, or neither -oracle nor -vault given")
		os.Exit(2)
	}
	key, err := config.LoadKey(keyPath)
	if err != nil { exit(err) }
	submitter := domain.PrincipalOf(key.Public().(ed25519.PublicKey))
	plaintext, err := readAll(inPath)
	if err != nil { exit(err) }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		in  scheme.Input
		pid domain.ProgramID
	)
	if oracleURL != "" {
		o := &scheme.HTTPOracle{BaseURL: oracleURL, Token: token, Timeout: 10 * time.Second}
		info, err := o.Info(ctx)
		if err != nil { exit(err) }
		pid = info.Program
		in, err = o.Encrypt(ctx, submitter, plaintext)
		if err != nil { exit(err) }
	} else {
		pid, err = domain.ParseProgramID(programHex)
		if err != nil { exit(err) }
		svc, err := localInputs(ctx, pid, vaultDir, keystore, signerSeed)
		if err != nil { exit(err) }
		in, err = svc.Encrypt(ctx, submitter, plaintext)
		if err != nil { exit(err) }
	}

	out := output{Program: pid.String(), Submitter: submitter, Handle: in.Handle, Proof: hex.EncodeToString(in.Proof), Ciphertext: len(in.Ciphertext)}
	if nodeURL != "" {
		lst, err := publish(ctx, &api.Client{BaseURL: nodeURL, Key: key}, category, price, in)
		if err != nil { exit(err) }
		out.Listing = &lst
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func localInputs(ctx context.Context, pid domain.ProgramID, vaultDir, keystore, signerSeed string) (*scheme.InputService, error) {
	if keystore == "" || signerSeed == "" { return nil, fmt.Errorf("local encryption needs -keystore and -signer-seed") }
	key, err := scheme.NewKeyStoreFromEnv(keystore).Load(ctx)
	if err != nil { return nil, fmt.Errorf("engine key: %w", err) }
	ikm, err := scheme.NewKeyStoreFromEnv(signerSeed).Load(ctx)
	if err != nil { return nil, fmt.Errorf("signer seed: %w", err) }
	s, err := proof.NewSigner(ikm)
	if err != nil { return nil, err }
	e := scheme.NewEngine(key)
	return scheme.NewInputService(pid, e, s, scheme.NewFileVault(vaultDir)), nil
}

func publish(ctx context.Context, c *api.Client, category, price string, in scheme.Input) (domain.Listing, error) {
	cat, err := domain.ParseCategory(category)
	if err != nil { return domain.Listing{}, err }
	lst, err := c.Submit(ctx, cat, in.Handle, in.Proof)
	if err != nil { return domain.Listing{}, err }
	if price == "" { return lst, nil }
	units, err := domain.ParseAmount(price, domain.DefaultDecimals)
	if err != nil { return lst, err }
	if lst, err = c.SetPrice(ctx, lst.ID, units); err != nil { return lst, err }
	return c.List(ctx, lst.ID)
}

func readAll(path string) ([]byte, error) {
	if path == "" { return io.ReadAll(os.Stdin) }
	return os.ReadFile(path)
}

func exit(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
