package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tally-network/tallyd/internal/daemon"
	"github.com/tally-network/tallyd/internal/domain"
)

func init() {
	sessionsCmd.Flags().IntVar(&sessionsMinutes, "minutes", 0, "Show all sessions from the last N minutes instead of active ones")
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsMinutes int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List streaming sessions",
	Long:  `List all active streaming sessions, or recent sessions of any status with --minutes.`,
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	var sessions []domain.StreamingSession
	if sessionsMinutes > 0 {
		sessions, err = d.Sessions.RecentSessions(time.Duration(sessionsMinutes) * time.Minute)
	} else {
		sessions, err = d.Sessions.AllActiveSessions()
	}
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tUSER\tMODEL\tHOLD\tSTATUS\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.SessionID, s.UserID, s.ModelID, s.AllocatedCredits,
			s.Status, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
