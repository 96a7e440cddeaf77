// Command ironctl is the operator CLI for the bot's persisted state.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/HoeenCoder/iron-manager/config"
	"github.com/HoeenCoder/iron-manager/internal/app"
	"github.com/HoeenCoder/iron-manager/internal/interface/cli"
)

func main() {
	root := cli.NewRootCmd(func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// Keep stdout clean for command output.
		return app.New(ctx, cfg, app.Deps{LogOutput: os.Stderr})
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
