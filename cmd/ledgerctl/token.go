package main

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/auth"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	tokenUserID string
	tokenRole   string
	tokenEmail  string
	tokenIssuer string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an actor token signed with the server's JWT secret",
	Long: `token mints a bearer token that ledgerd accepts for writes when
auth.jwt_secret is set. The secret is read from LEDGER_JWT_SECRET or the
jwt_secret config key; it is never taken from a flag.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("jwt_secret")
		if secret == "" {
			return fmt.Errorf("LEDGER_JWT_SECRET is not set")
		}
		issuer := auth.NewTokenIssuer(secret, tokenIssuer, tokenTTL)
		tok, err := issuer.Issue(ledger.Actor{UserID: tokenUserID, Role: tokenRole, Email: tokenEmail})
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "", "Actor user id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Actor role")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Actor email (optional)")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "ledgerd", "Token issuer; must match the server's auth.issuer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")

	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("role")
}
