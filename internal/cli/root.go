// Package cli implements the tallyd command-line interface using Cobra.
// The serve command runs the daemon; the remaining commands operate the
// ledger directly as the local admin operator.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tally-network/tallyd/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "tallyd",
	Short: "tallyd — credit ledger for metered AI inference",
	Long: `tallyd tracks credits spent against metered AI operations.
It keeps per-user credit allocations with independent expiry, performs
atomic check-and-deduct for synchronous calls, and reconciles streaming
sessions through a reserve-then-settle hold.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cliOperator is the synthetic caller CLI admin commands act as. The role
// gate still runs; local shell access is the authentication.
func cliOperator() *domain.UserAccount {
	return &domain.UserAccount{UserID: "cli-operator", Username: "cli-operator", Role: domain.RoleAdmin}
}
