package cli

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HoeenCoder/iron-manager/internal/app"
	"github.com/HoeenCoder/iron-manager/internal/application/store"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
)

func (c *cli) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and recover the attendance session",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether a session is active and who is in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var st store.SessionStatus
				err := locked(ctx, a.Session.Acquire, a.Session.Release, func(tok lock.Token) (err error) {
					st, err = a.Session.Status(tok)
					return err
				})
				if err != nil {
					return err
				}
				return c.print(cmd, st, func(w io.Writer) {
					if !st.Active {
						printf(w, "No active session\n")
						return
					}
					printf(w, "Session: %s\n", st.Label)
					printf(w, "  Journal: %s\n", st.Started)
					printf(w, "  Known members: %d\n", st.Known)
					printf(w, "  Present: %s\n", orDash(st.Open))
				})
			})
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Reconcile the active session with who is present now",
		Long: `Reconcile the stored session with the presence roster. Members present
but not recorded are opened now; members recorded but gone are closed now.
Both are approximations and are journalled as RECOVERY lines.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Session.Recover(ctx)
				if err != nil {
					return err
				}
				return c.print(cmd, rec, func(w io.Writer) {
					if !rec.Changed() {
						printf(w, "Nothing to reconcile\n")
						return
					}
					printf(w, "Opened: %s\n", orDash(rec.Opened))
					printf(w, "Closed: %s\n", orDash(rec.Closed))
				})
			})
		},
	}

	cmd.AddCommand(status, recoverCmd)
	return cmd
}

func orDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
