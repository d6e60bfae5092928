package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/ChainLedger/pkg/client"
	"github.com/spf13/cobra"
)

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendType        string
	appendPayload     string
	appendPayloadFile string
	appendUserID      string
	appendRole        string
	appendEmail       string
	appendOccurredAt  int64
	appendLookup      map[string]string
	appendExpectPrev  string
)

var appendCmd = &cobra.Command{
	Use:   "append <chain-key>",
	Short: "Append an event to a chain",
	Long: `append records one event at the tail of a chain.

  ledgerctl append landlord-1 --type RENT_CHARGED \
      --payload '{"amount":1200,"currency":"USD"}' \
      --user u-42 --role landlord --lookup tenant_id=t-7

The actor flags are ignored when ledgerd authenticates writes; the actor
then comes from --token.`,
	Args: cobra.ExactArgs(1),
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appendType, "type", "", "Event type (e.g. RENT_CHARGED)")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "Event payload as inline JSON")
	appendCmd.Flags().StringVar(&appendPayloadFile, "payload-file", "", "Read the payload JSON from a file (- for stdin)")
	appendCmd.Flags().StringVar(&appendUserID, "user", "", "Actor user id")
	appendCmd.Flags().StringVar(&appendRole, "role", "", "Actor role")
	appendCmd.Flags().StringVar(&appendEmail, "email", "", "Actor email (optional)")
	appendCmd.Flags().Int64Var(&appendOccurredAt, "occurred-at", 0, "Occurrence time in epoch milliseconds (default now)")
	appendCmd.Flags().StringToStringVar(&appendLookup, "lookup", nil, "Lookup fields for filtering (key=value, repeatable)")
	appendCmd.Flags().StringVar(&appendExpectPrev, "expect-previous", "", "Fail unless this is the current tail entry hash")

	_ = appendCmd.MarkFlagRequired("type")
}

func runAppend(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(appendPayload, appendPayloadFile)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	req := client.AppendRequest{
		Type:               appendType,
		Payload:            payload,
		OccurredAt:         appendOccurredAt,
		Lookup:             appendLookup,
		ExpectPreviousHash: appendExpectPrev,
	}
	if req.OccurredAt == 0 {
		req.OccurredAt = time.Now().UnixMilli()
	}
	if appendUserID != "" || appendRole != "" {
		req.Actor = &client.Actor{UserID: appendUserID, Role: appendRole, Email: appendEmail}
	}

	entry, err := c.Append(context.Background(), args[0], req)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if outputFormat == "json" {
		return printJSON(entry)
	}
	fmt.Printf("Appended %s #%d\n", entry.ChainKey, entry.Sequence)
	fmt.Printf("  Entry hash: %s\n", entry.EntryHash)
	return nil
}

// ── list ─────────────────────────────────────────────────────────────────────

var listOpts client.ListOptions

var listCmd = &cobra.Command{
	Use:   "list <chain-key>",
	Short: "List entries of a chain in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.List(context.Background(), args[0], listOpts)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(entries)
		}
		return printEntries(os.Stdout, entries)
	},
}

func init() {
	listCmd.Flags().StringVar(&listOpts.Type, "type", "", "Only entries of this type")
	listCmd.Flags().Int64Var(&listOpts.From, "from", 0, "Lowest sequence (inclusive)")
	listCmd.Flags().Int64Var(&listOpts.To, "to", 0, "Highest sequence (inclusive)")
	listCmd.Flags().Int64Var(&listOpts.Since, "since", 0, "Earliest occurred_at, epoch millis")
	listCmd.Flags().Int64Var(&listOpts.Until, "until", 0, "Latest occurred_at, epoch millis")
	listCmd.Flags().IntVar(&listOpts.Limit, "limit", 0, "Maximum entries to return")
	listCmd.Flags().StringToStringVar(&listOpts.Lookup, "lookup", nil, "Lookup field filters (key=value)")
}

func printEntries(out io.Writer, entries []client.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tACTOR\tOCCURRED\tSTATUS\tHASH")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s/%s\t%s\t%s\t%s\n",
			e.Sequence, e.Type, e.Actor.Role, e.Actor.UserID,
			time.UnixMilli(e.OccurredAt).UTC().Format(time.RFC3339),
			e.IntegrityStatus, shortHash(e.EntryHash))
	}
	return w.Flush()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <chain-key> <sequence>",
	Short: "Show a single entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || seq < 1 {
			return fmt.Errorf("invalid sequence %q", args[1])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.Get(context.Background(), args[0], seq)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(e)
		}
		prev := "(none)"
		if e.PreviousHash != nil {
			prev = *e.PreviousHash
		}
		fmt.Printf("Chain:         %s\n", e.ChainKey)
		fmt.Printf("Sequence:      %d\n", e.Sequence)
		fmt.Printf("Type:          %s\n", e.Type)
		fmt.Printf("Actor:         %s (%s)\n", e.Actor.UserID, e.Actor.Role)
		fmt.Printf("Occurred at:   %s\n", time.UnixMilli(e.OccurredAt).UTC().Format(time.RFC3339Nano))
		fmt.Printf("Payload:       %s\n", string(e.Payload))
		fmt.Printf("Payload hash:  %s\n", e.PayloadHash)
		fmt.Printf("Previous hash: %s\n", prev)
		fmt.Printf("Entry hash:    %s\n", e.EntryHash)
		fmt.Printf("Integrity:     %s\n", e.IntegrityStatus)
		return nil
	},
}

// ── overview ─────────────────────────────────────────────────────────────────

var overviewCmd = &cobra.Command{
	Use:     "tail <chain-key>",
	Aliases: []string{"overview"},
	Short:   "Show the entry count and current tail hash of a chain",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ov, err := c.Overview(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("overview: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(ov)
		}
		fmt.Printf("Chain:   %s\n", ov.ChainKey)
		fmt.Printf("Entries: %d\n", ov.Entries)
		fmt.Printf("Root:    %s\n", ov.Root)
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom  int64
	verifyLimit int
)

var verifyCmd = &cobra.Command{
	Use:   "verify <chain-key>",
	Short: "Replay a chain and report the first integrity break",
	Long: `verify recomputes every payload and entry hash and checks the linkage
between neighbours. It exits non-zero when the chain is broken.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		report, err := c.Verify(context.Background(), args[0], verifyFrom, verifyLimit)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		return printReport(report)
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 0, "Start verification at this sequence")
	verifyCmd.Flags().IntVar(&verifyLimit, "limit", 0, "Maximum entries to check (server default when 0)")
}

var errChainBroken = errors.New("chain integrity check failed")

func printReport(r *client.Report) error {
	if outputFormat == "json" {
		if err := printJSON(r); err != nil {
			return err
		}
	} else if r.OK {
		fmt.Printf("✓ %s intact (%d entries checked)\n", r.ChainKey, r.Checked)
	} else {
		fmt.Printf("✗ %s broken at sequence %d (%s)\n", r.ChainKey, r.BrokenSequence, r.Reason)
		fmt.Printf("  Entry:    %s\n", r.BrokenAt)
		fmt.Printf("  Expected: %s\n", r.Expected)
		fmt.Printf("  Actual:   %s\n", r.Actual)
		fmt.Printf("  Checked:  %d\n", r.Checked)
	}
	if !r.OK {
		return errChainBroken
	}
	return nil
}
