package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jmerrifield20/ChainLedger/pkg/client"
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Work with typed event streams (<type>/<id>)",
}

func init() {
	streamCmd.AddCommand(streamAppendCmd)
	streamCmd.AddCommand(streamListCmd)
	streamCmd.AddCommand(streamLatestCmd)
	streamCmd.AddCommand(streamVerifyCmd)
}

var (
	envEventType   string
	envPayload     string
	envPayloadFile string
	envMetadata    string
	envUserID      string
	envRole        string
	envPrevHash    string
	envLimit       int
)

var streamAppendCmd = &cobra.Command{
	Use:   "append <stream-type> <stream-id>",
	Short: "Record an envelope on a stream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(envPayload, envPayloadFile)
		if err != nil {
			return err
		}
		req := client.EnvelopeRequest{
			EventType: envEventType,
			Payload:   payload,
			PrevHash:  envPrevHash,
		}
		if envMetadata != "" {
			if err := json.Unmarshal([]byte(envMetadata), &req.Metadata); err != nil {
				return fmt.Errorf("--metadata must be a JSON object: %w", err)
			}
		}
		if envUserID != "" || envRole != "" {
			req.Actor = &client.Actor{UserID: envUserID, Role: envRole}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		env, err := c.CreateEnvelope(context.Background(), args[0], args[1], req)
		if err != nil {
			return fmt.Errorf("create envelope: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(env)
		}
		fmt.Printf("Recorded %s/%s #%d\n", env.StreamType, env.StreamID, env.Sequence)
		fmt.Printf("  Content hash: %s\n", env.Hash.ContentHash)
		return nil
	},
}

func init() {
	streamAppendCmd.Flags().StringVar(&envEventType, "type", "", "Event type")
	streamAppendCmd.Flags().StringVar(&envPayload, "payload", "", "Payload as inline JSON")
	streamAppendCmd.Flags().StringVar(&envPayloadFile, "payload-file", "", "Read the payload JSON from a file (- for stdin)")
	streamAppendCmd.Flags().StringVar(&envMetadata, "metadata", "", "Metadata as an inline JSON object")
	streamAppendCmd.Flags().StringVar(&envUserID, "user", "", "Actor user id")
	streamAppendCmd.Flags().StringVar(&envRole, "role", "", "Actor role")
	streamAppendCmd.Flags().StringVar(&envPrevHash, "prev-hash", "", "Fail unless this is the stream's current tail hash")

	_ = streamAppendCmd.MarkFlagRequired("type")
}

var streamListCmd = &cobra.Command{
	Use:   "list <stream-type> <stream-id>",
	Short: "List the envelopes of a stream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		envs, err := c.Envelopes(context.Background(), args[0], args[1], envLimit)
		if err != nil {
			return fmt.Errorf("list envelopes: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(envs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tEVENT\tACTOR\tHASH")
		for _, e := range envs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Sequence, e.EventType, e.Actor.UserID, shortHash(e.Hash.ContentHash))
		}
		return w.Flush()
	},
}

func init() {
	streamListCmd.Flags().IntVar(&envLimit, "limit", 0, "Maximum envelopes to return")
}

var streamLatestCmd = &cobra.Command{
	Use:   "latest <stream-type> <stream-id>",
	Short: "Print the stream's current tail hash (empty for a new stream)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.LatestHash(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("latest hash: %w", err)
		}
		fmt.Println(h)
		return nil
	},
}

var streamVerifyCmd = &cobra.Command{
	Use:   "verify <stream-type> <stream-id>",
	Short: "Verify a stream's hash chain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		report, err := c.VerifyStream(context.Background(), args[0], args[1], envLimit)
		if err != nil {
			return fmt.Errorf("verify stream: %w", err)
		}
		return printReport(report)
	},
}
