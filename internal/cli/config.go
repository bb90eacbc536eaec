package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/ui"
)

var configShowPath bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display current configuration settings and config file locations.

Examples:
  # Show current configuration
  imgrep config

  # Show config file paths
  imgrep config --path`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if configShowPath {
		fmt.Println(ui.SectionTitle.Render("Configuration Paths"))
		fmt.Println()
		fmt.Printf("Global config: %s\n", config.GlobalConfigPath())
		fmt.Printf("Local config:  .imgreprc.yaml (searched from cwd upward)\n")
		fmt.Printf("Active config: %s\n", config.ConfigFilePath())
		fmt.Printf("Images:        %s\n", cfg.Images.Dir)
		fmt.Printf("Cache:         %s\n", cfg.Cache.Dir)
		return nil
	}

	fmt.Println(ui.SectionTitle.Render("Current Configuration"))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Embeddings:"))
	fmt.Printf("  Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Printf("  Timeout: %ds\n", cfg.Embeddings.Timeout)
	switch cfg.Embeddings.Provider {
	case "clipserver":
		fmt.Printf("  Server URL: %s\n", cfg.Embeddings.ClipServer.URL)
		fmt.Printf("  Model: %s\n", cfg.Embeddings.ClipServer.Model)
	case "openai":
		fmt.Printf("  Model: %s\n", cfg.Embeddings.OpenAI.Model)
		if cfg.Embeddings.OpenAI.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
		}
		fmt.Printf("  API key: %s\n", maskKey(cfg.Embeddings.OpenAI.APIKey))
	case "onnx":
		fmt.Printf("  Models dir: %s\n", cfg.Embeddings.ONNX.ModelsDir)
		if cfg.Embeddings.ONNX.LibraryPath != "" {
			fmt.Printf("  Runtime library: %s\n", cfg.Embeddings.ONNX.LibraryPath)
		}
	}
	fmt.Println()

	fmt.Println(ui.Bold.Render("Images:"))
	fmt.Printf("  Dir: %s\n", cfg.Images.Dir)
	fmt.Printf("  Extensions: %s\n", strings.Join(cfg.Images.Extensions, ", "))
	fmt.Printf("  Max File Size: %s\n", ui.FormatBytes(cfg.Images.MaxFileSize))
	fmt.Printf("  Max Pixels: %d\n", cfg.Images.MaxPixels)
	fmt.Printf("  Ignore Patterns: %d configured\n", len(cfg.Images.Ignore))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Cache:"))
	fmt.Printf("  Dir: %s\n", cfg.Cache.Dir)
	fmt.Printf("  Name Index: %s\n", cfg.Cache.NameIndex)
	fmt.Printf("  Refresh Stale: %t\n", cfg.Cache.RefreshStale)
	fmt.Printf("  Workers: %d\n", cfg.Indexing.Workers)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Search:"))
	fmt.Printf("  Top K: %d (max %d)\n", cfg.Search.TopK, cfg.Search.MaxTopK)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Server:"))
	fmt.Printf("  Listen: %s\n", cfg.Addr())
	fmt.Printf("  Max Upload: %d MB\n", cfg.Server.MaxUploadSize)

	return nil
}

// maskKey hides all but the last four characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
