package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zmlAEQ/datachain/internal/config"
	"github.com/zmlAEQ/datachain/internal/domain"
	"github.com/zmlAEQ/datachain/internal/ledger"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <path>",
	Short: "Generate an ed25519 identity key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err == nil { return fmt.Errorf("%s already exists", args[0]) }
		k, err := config.LoadOrCreateKey(args[0])
		if err != nil { return err }
		fmt.Println(domain.PrincipalOf(k.Public().(ed25519.PublicKey)))
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the principal of --key",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := self()
		if err != nil { return err }
		fmt.Println(p)
		return nil
	},
}

var (
	filterOwner    string
	filterCategory string
	filterListed   bool
	filterHistory  bool
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Browse listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := ledger.Filter{ListedOnly: filterListed, History: filterHistory}
		if filterOwner != "" {
			p, err := domain.ParsePrincipal(filterOwner)
			if err != nil { return err }
			f.Owner = p
		}
		if filterCategory != "" {
			c, err := domain.ParseCategory(filterCategory)
			if err != nil { return err }
			f.Category = c
		}
		c, _ := client(false)
		ctx, cancel := commandContext(cmd)
		defer cancel()
		out, err := c.Listings(ctx, f)
		if err != nil { return err }
		return printJSON(out)
	},
}

var listingCmd = &cobra.Command{
	Use:   "listing <id>",
	Short: "Show one listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseListingID(args[0])
		if err != nil { return err }
		c, _ := client(false)
		ctx, cancel := commandContext(cmd)
		defer cancel()
		lst, err := c.Listing(ctx, id)
		if err != nil { return err }
		return printJSON(lst)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <category> <handle> <proof-hex>",
	Short: "Submit an encrypted record (as produced by datachain-encrypt)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := domain.ParseCategory(args[0])
		if err != nil { return err }
		h, err := domain.ParseHandle(args[1])
		if err != nil { return err }
		pf, err := hex.DecodeString(args[2])
		if err != nil { return fmt.Errorf("proof: %w", err) }
		c, err := client(true)
		if err != nil { return err }
		ctx, cancel := commandContext(cmd)
		defer cancel()
		lst, err := c.Submit(ctx, cat, h, pf)
		if err != nil { return err }
		return printJSON(lst)
	},
}

var priceCmd = &cobra.Command{
	Use:   "price <id> <amount>",
	Short: "Set a listing's price (e.g. 5.00)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseListingID(args[0])
		if err != nil { return err }
		units, err := domain.ParseAmount(args[1], domain.DefaultDecimals)
		if err != nil { return err }
		c, err := client(true)
		if err != nil { return err }
		ctx, cancel := commandContext(cmd)
		defer cancel()
		lst, err := c.SetPrice(ctx, id, units)
		if err != nil { return err }
		return printJSON(lst)
	},
}

var listCmd = &cobra.Command{
	Use:   "list <id>",
	Short: "Offer a listing for sale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseListingID(args[0])
		if err != nil { return err }
		c, err := client(true)
		if err != nil { return err }
		ctx, cancel := commandContext(cmd)
		defer cancel()
		lst, err := c.List(ctx, id)
		if err != nil { return err }
		return printJSON(lst)
	},
}

var unlistCmd = &cobra.Command{
	Use:   "unlist <id>",
	Short: "Withdraw a listing from sale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseListingID(args[0])
		if err != nil { return err }
		c, err := client(true)
		if err != nil { return err }
		ctx, cancel := commandContext(cmd)
		defer cancel()
		lst, err := c.Unlist(ctx, id)
		if err != nil { return err }
		return printJSON(lst)
	},
}

var (
	buyAmount string
	buyNonce  string
)

var buyCmd = &cobra.Command{
	Use:   "buy <id>",
	Short: "Purchase access to a listing",
	Long: `Purchase access to a listing. Without --amount the current price is paid.
Pass the same --nonce when retrying a purchase whose answer was lost; the node
settles a nonce at most once.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseListingID(args[0])
		if err != nil { return err }
		c, err := client(true)
		if err != nil { return err }
		ctx, cancel := commandContext(cmd)
		defer cancel()
		var payment uint64
		if buyAmount != "" {
			if payment, err = domain.ParseAmount(buyAmount, domain.DefaultDecimals); err != nil { return err }
		} else {
			lst, err := c.Listing(ctx, id)
			if err != nil { return err }
			payment = lst.Price
		}
		if buyNonce == "" { buyNonce = uuid.NewString() }
		rc, err := c.PurchaseOnce(ctx, id, payment, buyNonce)
		if err != nil { return err }
		return printJSON(rc)
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Withdraw accumulated sale proceeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client(true)
		if err != nil { return err }
		ctx, cancel := commandContext(cmd)
		defer cancel()
		amt, err := c.Claim(ctx)
		if err != nil { return err }
		if amt == 0 {
			fmt.Println("nothing to claim")
			return nil
		}
		fmt.Println(domain.FormatAmount(amt, domain.DefaultDecimals))
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [principal]",
	Short: "Show an unclaimed balance",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := principalArg(args)
		if err != nil { return err }
		c, _ := client(false)
		ctx, cancel := commandContext(cmd)
		defer cancel()
		b, err := c.Balance(ctx, p)
		if err != nil { return err }
		return printJSON(b)
	},
}

var entitlementsCmd = &cobra.Command{
	Use:   "entitlements [principal]",
	Short: "List purchased entitlements",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := principalArg(args)
		if err != nil { return err }
		c, _ := client(false)
		ctx, cancel := commandContext(cmd)
		defer cancel()
		out, err := c.Entitlements(ctx, p)
		if err != nil { return err }
		return printJSON(out)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <handle> [principal]",
	Short: "Check whether a principal may decrypt a handle",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := domain.ParseHandle(args[0])
		if err != nil { return err }
		p, err := principalArg(args[1:])
		if err != nil { return err }
		c, _ := client(false)
		ctx, cancel := commandContext(cmd)
		defer cancel()
		e, err := c.Entitlement(ctx, h, p)
		if err != nil { return err }
		return printJSON(e)
	},
}

var (
	eventsAfter uint64
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Page through the ledger event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _ := client(false)
		ctx, cancel := commandContext(cmd)
		defer cancel()
		evs, err := c.Events(ctx, eventsAfter, eventsLimit)
		if err != nil { return err }
		return printJSON(evs)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _ := client(false)
		ctx, cancel := commandContext(cmd)
		defer cancel()
		s, err := c.Stats(ctx)
		if err != nil { return err }
		return printJSON(s)
	},
}

func init() {
	listingsCmd.Flags().StringVar(&filterOwner, "owner", "", "only listings of this owner")
	listingsCmd.Flags().StringVar(&filterCategory, "category", "", "health, financial or identity")
	listingsCmd.Flags().BoolVar(&filterListed, "listed", false, "only listings offered for sale")
	listingsCmd.Flags().BoolVar(&filterHistory, "history", false, "include superseded listings")
	buyCmd.Flags().StringVar(&buyAmount, "amount", "", "payment (defaults to the listing price)")
	buyCmd.Flags().StringVar(&buyNonce, "nonce", "", "purchase nonce (random when empty)")
	eventsCmd.Flags().Uint64Var(&eventsAfter, "after", 0, "return events after this seq")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "page size")
}

func parseListingID(s string) (domain.ListingID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 { return 0, errors.New("listing id must be a positive integer") }
	return domain.ListingID(n), nil
}
