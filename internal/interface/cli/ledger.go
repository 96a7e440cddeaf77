package cli

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/HoeenCoder/iron-manager/internal/app"
	"github.com/HoeenCoder/iron-manager/internal/domain/ledger"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
)

func (c *cli) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the weekly achievement ledger",
	}

	var member string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show this week's ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var doc *ledger.Document
				err := locked(ctx, a.Ledger.Acquire, a.Ledger.Release, func(tok lock.Token) (err error) {
					doc, err = a.Ledger.Snapshot(ctx, tok)
					return err
				})
				if err != nil {
					return err
				}
				if member != "" {
					rec := doc.Get(member)
					return c.print(cmd, map[string]any{"member_id": member, "record": rec}, func(w io.Writer) {
						printRecord(w, member, rec)
					})
				}
				return c.print(cmd, doc, func(w io.Writer) {
					printf(w, "Week starting: %s\n", doc.WeekStart.Format(time.RFC3339))
					printf(w, "Members: %d\n", len(doc.Members))
					for _, id := range shared.SortedKeys(doc.Members) {
						printRecord(w, id, *doc.Members[id])
					}
				})
			})
		},
	}
	show.Flags().StringVar(&member, "member", "", "show a single member")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the whole ledger (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				err := locked(ctx, a.Ledger.Acquire, a.Ledger.Release, func(tok lock.Token) error {
					return a.Ledger.HardReset(ctx, tok)
				})
				if err != nil {
					return err
				}
				return c.print(cmd, map[string]bool{"reset": true}, func(w io.Writer) {
					printf(w, "Ledger cleared\n")
				})
			})
		},
	}

	cmd.AddCommand(show, reset)
	return cmd
}

func printRecord(w io.Writer, id string, rec ledger.Record) {
	achieved := make([]string, 0, len(ledger.Categories))
	for _, cat := range rec.Achieved() {
		achieved = append(achieved, string(cat))
	}
	if len(achieved) == 0 {
		achieved = append(achieved, "-")
	}
	printf(w, "  %-20s %-26s participation %d\n", id, strings.Join(achieved, ","), rec.ParticipationCount)
}
