package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/relayer"
)

var (
	decryptOut string
	decryptTTL time.Duration
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt <handle>",
	Short: "Decrypt a purchased (or owned) record through the relayer",
	Long: `decrypt signs a one-shot request with --key, sends it to the relayer and
opens the sealed answer with a fresh session key that never leaves this process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := domain.ParseHandle(args[0])
		if err != nil { return err }
		pid, err := domain.ParseProgramID(programHex)
		if err != nil { return fmt.Errorf("--program: %w", err) }
		key, err := loadKey()
		if err != nil { return err }
		priv, pub, err := relayer.NewSessionKey()
		if err != nil { return err }
		defer func() {
			for i := range priv { priv[i] = 0 }
		}()

		req := relayer.NewRequest(key, pid, h, pub, time.Now(), decryptTTL)
		c := &relayer.Client{BaseURL: relayerURL, Timeout: timeout}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		resp, err := c.Decrypt(ctx, req)
		if err != nil { return err }
		pt, err := relayer.OpenSealed(priv, resp.Sealed, h)
		if err != nil { return err }
		defer pt.Wipe()
		if decryptOut == "" || decryptOut == "-" {
			_, err = os.Stdout.Write(pt)
			return err
		}
		return os.WriteFile(decryptOut, pt, 0o600)
	},
}

func init() {
	decryptCmd.Flags().StringVarP(&decryptOut, "out", "o", "-", "write plaintext to this file")
	decryptCmd.Flags().DurationVar(&decryptTTL, "ttl", time.Minute, "request validity")
}
