// Package cli implements the command-line interface for imgrep.
package cli

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/mcp"
	"github.com/nickcecere/imgrep/internal/ui"
)

var (
	// Version information set at build time
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile string
	debug   bool
)

// SetVersionInfo sets the version information from build flags.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	mcp.ServerVersion = v
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "imgrep [query]",
	Short: "Search a folder of images by text or by example",
	Long: `imgrep finds images in a directory using CLIP embeddings.

Every image is embedded once and cached on disk; queries (a sentence or
another image) are embedded on the fly and ranked by similarity.

Examples:
  # Build the embedding cache for ./images
  imgrep index

  # Search by description
  imgrep "a dog playing in the snow"

  # Search by example
  imgrep search --image ./query.jpg

  # Serve the web UI and JSON API
  imgrep serve --port 8080`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}

		return runSearch(cmd, args)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			ui.SetDebug(true)
			log.Debug("Debug logging enabled")
		}

		if err := config.Load(cfgFile); err != nil {
			return err
		}

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	ui.InitLogger()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/imgrep/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("imgrep %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

// runSearch is a convenience wrapper that delegates to the search command
func runSearch(cmd *cobra.Command, args []string) error {
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		searchLimit = limit
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		searchJSON = true
	}

	return runSearchCmd(cmd, args)
}

func init() {
	// Add search flags to root command for convenience
	rootCmd.Flags().IntP("limit", "m", 0, "maximum number of results (default search.top_k)")
	rootCmd.Flags().Bool("json", false, "output results as JSON")
}
