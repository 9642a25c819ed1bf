package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zmlAEQ/datachain/internal/api"
	"github.com/zmlAEQ/datachain/internal/audit"
	"github.com/zmlAEQ/datachain/internal/domain"
)

var auditJournal string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Rebuild balances and entitlements from the event log and compare with the node",
	Long: `audit replays the node's event log (or a journal file given with --journal)
and checks every balance and grant the node reports against the replay. The
command fails when anything differs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _ := client(false)
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var (
			evs []domain.Event
			err error
		)
		if auditJournal != "" {
			evs, err = audit.ReadJournal(auditJournal)
		} else {
			evs, err = c.AllEvents(ctx)
		}
		if err != nil { return err }
		rc, err := audit.Replay(evs)
		if err != nil { return err }

		balances, ents, err := remoteState(ctx, c, evs)
		if err != nil { return err }
		report := struct {
			Seq        uint64           `json:"seq"`
			Purchases  int              `json:"purchases"`
			Sales      string           `json:"sales"`
			Claimed    string           `json:"claimed"`
			Mismatches []audit.Mismatch `json:"mismatches"`
		}{
			Seq:        rc.Seq,
			Purchases:  rc.Purchases,
			Sales:      domain.FormatAmount(rc.Sales, domain.DefaultDecimals),
			Claimed:    domain.FormatAmount(rc.Claimed, domain.DefaultDecimals),
			Mismatches: rc.Compare(balances, ents),
		}
		if err := printJSON(report); err != nil { return err }
		if n := len(report.Mismatches); n > 0 { return fmt.Errorf("%d mismatches", n) }
		return nil
	},
}

// remoteState reads the balance and grants of every principal named in evs.
func remoteState(ctx context.Context, c *api.Client, evs []domain.Event) (map[domain.Principal]uint64, []domain.Entitlement, error) {
	seen := map[domain.Principal]bool{}
	for _, ev := range evs {
		for _, p := range []domain.Principal{ev.Owner, ev.Buyer, ev.Seller} {
			if p != "" { seen[p] = true }
		}
	}
	balances := map[domain.Principal]uint64{}
	var ents []domain.Entitlement
	for p := range seen {
		b, err := c.Balance(ctx, p)
		if err != nil { return nil, nil, fmt.Errorf("balance %s: %w", p, err) }
		if b.Balance > 0 { balances[p] = b.Balance }
		es, err := c.Entitlements(ctx, p)
		if err != nil { return nil, nil, fmt.Errorf("entitlements %s: %w", p, err) }
		ents = append(ents, es...)
	}
	return balances, ents, nil
}

func init() {
	auditCmd.Flags().StringVar(&auditJournal, "journal", "", "replay this journal file instead of the node's log")
}
