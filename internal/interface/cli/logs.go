package cli

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/HoeenCoder/iron-manager/internal/app"
)

func (c *cli) logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Browse session journals",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List session journals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(_ context.Context, a *app.App) error {
				logs, err := a.Journal.List()
				if err != nil {
					return err
				}
				return c.print(cmd, logs, func(w io.Writer) {
					if len(logs) == 0 {
						printf(w, "No session journals\n")
						return
					}
					for _, l := range logs {
						printf(w, "%s  %s  %d bytes\n", l.Name, l.Started.Format(time.RFC3339), l.Size)
					}
				})
			})
		},
	}

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a session journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(_ context.Context, a *app.App) error {
				text, err := a.Journal.Read(args[0])
				if err != nil {
					return err
				}
				return c.print(cmd, map[string]string{"name": args[0], "text": text}, func(w io.Writer) {
					printf(w, "%s", text)
				})
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
