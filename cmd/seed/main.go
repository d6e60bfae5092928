// cmd/seed populates a running ledgerd with realistic rental ledgers for
// development.
//
// Running twice is safe: a chain that already has entries is skipped, and
// every append pins the expected previous hash so a concurrent writer makes
// the seed fail rather than interleave.
//
// Usage:
//
//	go run ./cmd/seed
//	LEDGER_URL=http://localhost:8080 LEDGER_TOKEN=... go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/ChainLedger/pkg/client"
)

const defaultURL = "http://localhost:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	baseURL := os.Getenv("LEDGER_URL")
	if baseURL == "" {
		baseURL = defaultURL
	}
	var opts []client.Option
	if tok := os.Getenv("LEDGER_TOKEN"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	}
	c, err := client.New(baseURL, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, ch := range chains {
		if err := seedChain(ctx, c, ch); err != nil {
			return fmt.Errorf("seed %s: %w", ch.Key, err)
		}
	}
	for _, st := range streams {
		if err := seedStream(ctx, c, st); err != nil {
			return fmt.Errorf("seed stream %s/%s: %w", st.Type, st.ID, err)
		}
	}

	fmt.Println("\nseed complete")
	return nil
}

// ── Chains ───────────────────────────────────────────────────────────────────

type seedEvent struct {
	Type    string
	Actor   client.Actor
	Payload map[string]any
	Lookup  map[string]string
}

type seedChainDef struct {
	Key    string
	Events []seedEvent
}

var (
	alice = client.Actor{UserID: "u-alice", Role: "landlord", Email: "alice@example.com"}
	bob   = client.Actor{UserID: "u-bob", Role: "tenant"}
	carol = client.Actor{UserID: "u-carol", Role: "property_manager", Email: "carol@example.com"}
)

var chains = []seedChainDef{
	{
		Key: "landlord-1",
		Events: []seedEvent{
			{"LEASE_SIGNED", alice, map[string]any{"unit": "4B", "rent": 1450, "currency": "USD", "term_months": 12}, map[string]string{"tenant_id": "t-7", "unit_id": "4B"}},
			{"RENT_CHARGED", alice, map[string]any{"amount": 1450, "currency": "USD", "period": "2026-01"}, map[string]string{"tenant_id": "t-7"}},
			{"PAYMENT_RECEIVED", bob, map[string]any{"amount": 1450, "currency": "USD", "method": "ach"}, map[string]string{"tenant_id": "t-7"}},
			{"RENT_CHARGED", alice, map[string]any{"amount": 1450, "currency": "USD", "period": "2026-02"}, map[string]string{"tenant_id": "t-7"}},
			{"LATE_FEE_APPLIED", carol, map[string]any{"amount": 75, "currency": "USD", "days_late": 6}, map[string]string{"tenant_id": "t-7"}},
			{"PAYMENT_RECEIVED", bob, map[string]any{"amount": 1525, "currency": "USD", "method": "card"}, map[string]string{"tenant_id": "t-7"}},
		},
	},
	{
		Key: "landlord-2",
		Events: []seedEvent{
			{"LEASE_SIGNED", carol, map[string]any{"unit": "12", "rent": 2100, "currency": "USD", "term_months": 6}, map[string]string{"tenant_id": "t-9", "unit_id": "12"}},
			{"DEPOSIT_HELD", carol, map[string]any{"amount": 2100, "currency": "USD"}, map[string]string{"tenant_id": "t-9"}},
			{"MAINTENANCE_REQUESTED", bob, map[string]any{"category": "plumbing", "priority": "high"}, map[string]string{"tenant_id": "t-9"}},
		},
	},
}

func seedChain(ctx context.Context, c *client.Client, def seedChainDef) error {
	ov, err := c.Overview(ctx, def.Key)
	if err != nil {
		return err
	}
	if ov.Entries > 0 {
		fmt.Printf("  skip  %s (%d entries already)\n", def.Key, ov.Entries)
		return nil
	}

	// Thirty days between events, ending now.
	at := time.Now().Add(-time.Duration(len(def.Events)) * 30 * 24 * time.Hour)
	prev := ""
	for _, ev := range def.Events {
		actor := ev.Actor
		e, err := c.Append(ctx, def.Key, client.AppendRequest{
			Type:               ev.Type,
			Payload:            ev.Payload,
			Actor:              &actor,
			OccurredAt:         at.UnixMilli(),
			Lookup:             ev.Lookup,
			ExpectPreviousHash: prev,
		})
		if err != nil {
			return fmt.Errorf("append %s: %w", ev.Type, err)
		}
		prev = e.EntryHash
		at = at.Add(30 * 24 * time.Hour)
	}

	report, err := c.Verify(ctx, def.Key, 0, 0)
	if err != nil {
		return err
	}
	if !report.OK {
		return errors.New("chain does not verify after seeding")
	}
	fmt.Printf("  seed  %s (%d entries, tail %s)\n", def.Key, len(def.Events), prev[:12])
	return nil
}

// ── Streams ──────────────────────────────────────────────────────────────────

type seedStreamDef struct {
	Type   string
	ID     string
	Events []client.EnvelopeRequest
}

var streams = []seedStreamDef{
	{
		Type: "tenant",
		ID:   "t-7",
		Events: []client.EnvelopeRequest{
			{EventType: "PROFILE_CREATED", Payload: map[string]any{"name": "Bob"}, Metadata: map[string]any{"source": "seed"}, Actor: &bob},
			{EventType: "CONTACT_UPDATED", Payload: map[string]any{"phone": "+1-555-0100"}, Metadata: map[string]any{"source": "seed"}, Actor: &bob},
			{EventType: "SCREENING_PASSED", Payload: map[string]any{"score": 712}, Metadata: map[string]any{"source": "seed", "provider": "acme-screening"}, Actor: &carol},
		},
	},
}

func seedStream(ctx context.Context, c *client.Client, def seedStreamDef) error {
	latest, err := c.LatestHash(ctx, def.Type, def.ID)
	if err != nil {
		return err
	}
	if latest != "" {
		fmt.Printf("  skip  %s/%s (already has envelopes)\n", def.Type, def.ID)
		return nil
	}

	prev := ""
	for _, req := range def.Events {
		req.PrevHash = prev
		env, err := c.CreateEnvelope(ctx, def.Type, def.ID, req)
		if err != nil {
			return fmt.Errorf("envelope %s: %w", req.EventType, err)
		}
		prev = env.Hash.ContentHash
	}
	fmt.Printf("  seed  %s/%s (%d envelopes)\n", def.Type, def.ID, len(def.Events))
	return nil
}
