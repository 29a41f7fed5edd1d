package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tally-network/tallyd/internal/daemon"
)

func init() {
	allocateCmd.Flags().IntVar(&creditExpiryDays, "expiry-days", 0, "Grant expiry in days (0 = default policy, negative = never)")
	allocateCmd.Flags().StringVar(&creditNotes, "notes", "", "Free-form note stored on the allocation")
	adjustCmd.Flags().IntVar(&creditExpiryDays, "expiry-days", 0, "Grant expiry in days for positive deltas")
	adjustCmd.Flags().StringVar(&creditNotes, "notes", "", "Free-form note stored on the allocation")
	setCmd.Flags().IntVar(&creditExpiryDays, "expiry-days", 0, "Grant expiry in days for any top-up created")
	setCmd.Flags().StringVar(&creditNotes, "notes", "", "Free-form note stored on the allocation")

	rootCmd.AddCommand(balanceCmd, allocateCmd, adjustCmd, setCmd, removeCmd)
}

var (
	creditExpiryDays int
	creditNotes      string
)

var balanceCmd = &cobra.Command{
	Use:   "balance <user>",
	Short: "Show a user's spendable credit balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	target, bal, err := d.Admin.Balance(cliOperator(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tBALANCE\tACTIVE ALLOCATIONS")
	fmt.Fprintf(w, "%s\t%d\t%d\n", target.UserID, bal.TotalCredits, bal.ActiveAllocations)
	return w.Flush()
}

var allocateCmd = &cobra.Command{
	Use:   "allocate <user> <credits>",
	Short: "Grant credits to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runAllocate,
}

func runAllocate(cmd *cobra.Command, args []string) error {
	credits, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("credits must be an integer: %w", err)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	alloc, err := d.Admin.Allocate(cliOperator(), args[0], credits, creditExpiryDays, creditNotes)
	if err != nil {
		return err
	}

	expiry := "never"
	if !alloc.ExpiresAt.IsZero() {
		expiry = alloc.ExpiresAt.Format("2006-01-02")
	}
	fmt.Printf("Allocated %d credits to %s (allocation %s, expires %s)\n",
		alloc.TotalCredits, alloc.UserID, alloc.ID, expiry)
	return nil
}

var adjustCmd = &cobra.Command{
	Use:   "adjust <user> <delta>",
	Short: "Apply a signed credit adjustment to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runAdjust,
}

func runAdjust(cmd *cobra.Command, args []string) error {
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("delta must be an integer: %w", err)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	change, err := d.Admin.Adjust(cliOperator(), args[0], delta, creditExpiryDays, creditNotes)
	if err != nil {
		return err
	}

	fmt.Printf("Adjusted %s: %d -> %d credits\n", change.UserID, change.Previous, change.New)
	return nil
}

var setCmd = &cobra.Command{
	Use:   "set <user> <credits>",
	Short: "Force a user's balance to an absolute value",
	Args:  cobra.ExactArgs(2),
	RunE:  runSet,
}

func runSet(cmd *cobra.Command, args []string) error {
	credits, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("credits must be an integer: %w", err)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	change, err := d.Admin.SetBalance(cliOperator(), args[0], credits, creditExpiryDays, creditNotes)
	if err != nil {
		return err
	}

	fmt.Printf("Set %s: %d -> %d credits\n", change.UserID, change.Previous, change.New)
	return nil
}

var removeCmd = &cobra.Command{
	Use:   "remove <user> <credits>",
	Short: "Remove credits from a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemove,
}

func runRemove(cmd *cobra.Command, args []string) error {
	credits, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("credits must be an integer: %w", err)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	change, err := d.Admin.Remove(cliOperator(), args[0], credits)
	if err != nil {
		return err
	}

	fmt.Printf("Removed %d credits from %s: %d -> %d\n", credits, change.UserID, change.Previous, change.New)
	return nil
}
