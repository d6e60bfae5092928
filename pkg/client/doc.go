// Package client is the Go SDK for the ledger HTTP API.
//
// Appending an event:
//
//	c, err := client.New("http://localhost:8080", client.WithBearerToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	entry, err := c.Append(ctx, "landlord-1", client.AppendRequest{
//	    Type:       "RENT_CHARGED",
//	    Payload:    map[string]any{"amount": 1450},
//	    OccurredAt: time.Now().UnixMilli(),
//	})
//
// Verifying a chain:
//
//	report, err := c.Verify(ctx, "landlord-1", 0, 0)
//	if err == nil && !report.OK {
//	    log.Printf("chain broken at sequence %d: %s", report.BrokenSequence, report.Reason)
//	}
//
// Non-2xx responses are returned as *APIError and match the package
// sentinels with errors.Is, for example errors.Is(err, client.ErrConflict).
package client
