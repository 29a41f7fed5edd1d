package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tally-network/tallyd/internal/app/usage"
	"github.com/tally-network/tallyd/internal/daemon"
)

func init() {
	rootCmd.AddCommand(usageCmd)
}

var usageCmd = &cobra.Command{
	Use:   "usage [user]",
	Short: "Show aggregated usage statistics",
	Long:  `Show usage aggregated by service, operation, and day. Without a user, shows system-wide totals.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	q := usage.StatsQuery{}
	if len(args) == 1 {
		target, err := d.Admin.Resolve(cliOperator(), args[0])
		if err != nil {
			return err
		}
		q.UserID = target.UserID
	}

	stats, err := d.Usage.Stats(q)
	if err != nil {
		return err
	}

	fmt.Printf("Records: %d   Credits: %d\n\n", stats.TotalRecords, stats.TotalCredits)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	printGroup(w, "SERVICE", stats.ByService)
	printGroup(w, "OPERATION", stats.ByOperation)
	printGroup(w, "DAY", stats.ByDay)
	return w.Flush()
}

func printGroup(w *tabwriter.Writer, label string, group map[string]int64) {
	if len(group) == 0 {
		return
	}
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "%s\tCREDITS\n", label)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, group[k])
	}
	fmt.Fprintln(w)
}
