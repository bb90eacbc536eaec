package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/install"
	"github.com/nickcecere/imgrep/internal/ui"
)

// installCmd registers the MCP server with an agent.
var installCmd = &cobra.Command{
	Use:   "install <agent>",
	Short: "Register the imgrep MCP server with an AI agent",
	Long: `Register 'imgrep mcp' as an MCP server in an agent's configuration.

Supported agents: ` + strings.Join(install.Names(), ", ") + `

The entry launches this binary with the active config file, so the agent
searches the same image directory regardless of where the session starts.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: install.Names(),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := install.Lookup(args[0])
		if err != nil {
			return err
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		command, err := mcpLaunchCommand()
		if err != nil {
			return err
		}

		path, err := install.Install(agent, home, command)
		if err != nil {
			return err
		}

		fmt.Println(ui.Success.Render("Installed imgrep into " + agent.Title))
		fmt.Printf("Config updated: %s\n", path)
		fmt.Printf("Command:        %s\n", strings.Join(command, " "))
		return nil
	},
}

// uninstallCmd removes the MCP server from an agent.
var uninstallCmd = &cobra.Command{
	Use:       "uninstall <agent>",
	Short:     "Remove the imgrep MCP server from an AI agent",
	Args:      cobra.ExactArgs(1),
	ValidArgs: install.Names(),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := install.Lookup(args[0])
		if err != nil {
			return err
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		path, removed, err := install.Uninstall(agent, home)
		if err != nil {
			return err
		}

		if !removed {
			fmt.Printf("imgrep is not registered in %s, nothing to uninstall\n", path)
			return nil
		}

		fmt.Println(ui.Success.Render("Uninstalled imgrep from " + agent.Title))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}

// mcpLaunchCommand returns the command an agent runs to start the server.
func mcpLaunchCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate imgrep binary: %w", err)
	}

	command := []string{exe, "mcp"}

	if path := config.ConfigFilePath(); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		command = append(command, "--config", abs)
	}

	return command, nil
}
