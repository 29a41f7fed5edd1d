package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tally-network/tallyd/internal/daemon"
	"github.com/tally-network/tallyd/internal/domain"
)

func init() {
	usersEnsureCmd.Flags().StringVar(&userName, "name", "", "Username")
	usersEnsureCmd.Flags().StringVar(&userEmail, "email", "", "Email")
	usersEnsureCmd.Flags().StringVar(&userRole, "role", string(domain.RoleEndUser), "Role (enduser, supervisor, admin)")

	usersCmd.AddCommand(usersResolveCmd, usersEnsureCmd)
	rootCmd.AddCommand(usersCmd)
}

var (
	userName  string
	userEmail string
	userRole  string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect and bootstrap mirrored user accounts",
}

var usersResolveCmd = &cobra.Command{
	Use:   "resolve <id|email|username>",
	Short: "Resolve a user reference to a mirrored account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersResolve,
}

func runUsersResolve(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	u, err := d.Admin.Resolve(cliOperator(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tCREATED")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		u.UserID, u.Username, u.Email, u.Role, u.CreatedAt.Format("2006-01-02"))
	return w.Flush()
}

var usersEnsureCmd = &cobra.Command{
	Use:   "ensure <id>",
	Short: "Create or refresh a mirrored account by canonical id",
	Long:  `Upsert a user mirror row. Useful to bootstrap accounts before the identity provider has routed a request through the API.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersEnsure,
}

func runUsersEnsure(cmd *cobra.Command, args []string) error {
	role, err := domain.ParseRole(userRole)
	if err != nil {
		return err
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	u, err := d.Identity.EnsureUser(args[0], userName, userEmail, role)
	if err != nil {
		return err
	}

	fmt.Printf("Ensured user %s (%s)\n", u.UserID, u.Role)
	return nil
}
