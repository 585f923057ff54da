// Command odai-mcp serves Love Live! drawing themes (odai) over the Model Context Protocol,
// either on stdin/stdout or over HTTP with Server-Sent Events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := newRootCommand(env.ToMap(os.Environ()))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand(environ map[string]string) (*cobra.Command, error) {
	cfg, err := parseEnv(environ)
	if err != nil {
		return nil, err
	}

	cmd := &cobra.Command{
		Use:          "odai-mcp <dataset.json>",
		Short:        "Serve Love Live! drawing themes over MCP",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DataPath = args[0]
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cfg.bindFlags(cmd.Flags())

	return cmd, nil
}
