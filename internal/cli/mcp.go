package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/engine"
	"github.com/nickcecere/imgrep/internal/mcp"
	"github.com/nickcecere/imgrep/internal/ui"
	"github.com/nickcecere/imgrep/internal/watcher"
)

var (
	mcpNoWatch bool
)

// mcpCmd represents the MCP server command.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server for AI agents.

The server communicates via stdin/stdout using JSON-RPC 2.0 and provides:
  - imgrep_search: find images by description or example image
  - imgrep_status: image count, dimensions and model
  - imgrep_reload: rescan the image directory

The embedding cache is brought up to date before the server starts. By
default the image directory is also watched and reloaded on change; use
--no-watch to disable this.

This command is typically launched by an agent, not run directly.`,
	Args: cobra.NoArgs,
	RunE: runMcpCmd,
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpNoWatch, "no-watch", false, "disable reloading on image directory changes")
}

func runMcpCmd(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol
	log.SetOutput(os.Stderr)

	cfg := config.Get()

	ctx, cancel := interruptContext()
	defer cancel()

	eng, err := openEngine(ctx, cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	if !mcpNoWatch {
		w, err := watcher.New(eng.ImageDir(), eng.Accepts, eng.Reload,
			watcher.WithDebounceTime(time.Second),
			watcher.WithEventCallback(func(event, name string) {
				log.Debug("Background watcher event", "event", event, "name", name)
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		go func() {
			if err := w.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("Watcher error", "error", err)
			}
		}()
	}

	server := mcp.NewServer(eng, cfg, ui.NewServiceLogger(os.Stderr, "mcp"))
	return server.Run(ctx)
}
