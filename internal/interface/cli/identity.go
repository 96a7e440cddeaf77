package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HoeenCoder/iron-manager/internal/domain/identity"
)

func (c *cli) identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Encode and decode display-name identities",
	}

	encode := &cobra.Command{
		Use:   "encode COUNT NAME...",
		Short: "Render a count and name as a display name",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("count must be an integer: %w", err)
			}
			name := strings.Join(args[1:], " ")
			display, err := identity.Encode(count, name)
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]any{"count": count, "name": name, "display": display}, func(w io.Writer) {
				printf(w, "%s\n", display)
			})
		},
	}

	decode := &cobra.Command{
		Use:   "decode DISPLAY...",
		Short: "Parse a display name into its count and name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Decode(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]any{"count": id.Count, "name": id.Name, "envoy": id.IsEnvoy()}, func(w io.Writer) {
				if id.IsEnvoy() {
					printf(w, "envoy  %s\n", id.Name)
					return
				}
				printf(w, "%d  %s\n", id.Count, id.Name)
			})
		},
	}

	cmd.AddCommand(encode, decode)
	return cmd
}
