// Package cli implements ironctl, the operator command line for the
// persisted state: ledger inspection, session status and recovery, session
// journals, and the identity codec.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/HoeenCoder/iron-manager/internal/app"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
)

// Loader builds the App a command operates on. Commands close it when done.
type Loader func(ctx context.Context) (*app.App, error)

type cli struct {
	load       Loader
	jsonOutput bool
}

// NewRootCmd returns the ironctl command tree.
func NewRootCmd(load Loader) *cobra.Command {
	c := &cli{load: load}

	root := &cobra.Command{
		Use:   "ironctl",
		Short: "Inspect and repair the bot's persisted state",
		Long: `ironctl reads and repairs the weekly achievement ledger and the
attendance session of a running or stopped bot. It uses the same
configuration as the bot. Every command that touches a document first
takes that document's lease on the shared backend (a lease file next to
the documents, a Redis key, or a Postgres row) and reloads it, so it
waits for the bot's critical section to finish instead of racing it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		c.ledgerCmd(),
		c.sessionCmd(),
		c.logsCmd(),
		c.identityCmd(),
	)
	return root
}

// withApp loads the App, runs fn and closes the App.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.load(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// locked runs fn while holding a store lock.
func locked(ctx context.Context, acquire func(context.Context) (lock.Token, error), release func(lock.Token) error, fn func(lock.Token) error) (err error) {
	tok, err := acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := release(tok); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(tok)
}

// print writes v as indented JSON when --json is set, otherwise calls text.
func (c *cli) print(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if c.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
