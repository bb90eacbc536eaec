package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/imgrep/internal/cache"
	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/fs"
	"github.com/nickcecere/imgrep/internal/ui"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedding cache status",
	Long: `Display information about the embedding cache:
- Number of cached images and their size on disk
- Embedding provider, model and dimensions that built it
- Last build time
- Images on disk that are not cached yet, or too large to be indexed

No embedding model is loaded.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	log.Debug("Showing status", "cache", cfg.Cache.Dir)

	if _, err := os.Stat(cfg.Cache.Dir); os.IsNotExist(err) {
		fmt.Println("No embedding cache found.")
		fmt.Println()
		fmt.Println("Run 'imgrep index' to create one.")
		return nil
	}

	c, err := cache.New(cache.Options{
		Dir:       cfg.Cache.Dir,
		NameIndex: cfg.Cache.NameIndex,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return fmt.Errorf("failed to read cache stats: %w", err)
	}

	fmt.Println(ui.Header.Render("Cache Status"))
	fmt.Println()

	fmt.Printf("  %s %s\n", ui.Dim.Render("Cache:"), stats.Dir)
	fmt.Printf("  %s %d images, %s\n", ui.Dim.Render("Cached:"), stats.Entries, ui.FormatBytes(stats.TotalBytes))

	if stats.Model != "" {
		fmt.Printf("  %s %s (%s)\n", ui.Dim.Render("Model:"), stats.Model, stats.Provider)
		fmt.Printf("  %s %d\n", ui.Dim.Render("Dimensions:"), stats.Dimensions)
	}
	fmt.Printf("  %s %s\n", ui.Dim.Render("Last build:"), formatTime(stats.LastBuild))

	pending := -1
	if onDisk, oversized, err := countImages(cfg); err != nil {
		fmt.Printf("  %s %s\n", ui.Dim.Render("Images:"), ui.Warning.Render(err.Error()))
	} else {
		fmt.Printf("  %s %d in %s\n", ui.Dim.Render("Images:"), onDisk, cfg.Images.Dir)
		if len(oversized) > 0 {
			fmt.Printf("  %s %s\n", ui.Dim.Render("Oversized:"), ui.Warning.Render(oversizedSummary(oversized, cfg.Images.MaxFileSize)))
		}
		pending = max(onDisk-stats.Entries, 0)
	}

	fmt.Printf("  %s %s\n", ui.Dim.Render("Health:"), healthStatus(stats, cfg, pending))

	return nil
}

// countImages counts the images a build would consider and names those
// skipped for exceeding images.max_file_size.
func countImages(cfg *config.Config) (int, []string, error) {
	scanner, err := fs.NewScanner(fs.ScanOptions{
		Root:           cfg.Images.Dir,
		Extensions:     cfg.Images.Extensions,
		MaxFileSize:    cfg.Images.MaxFileSize,
		IgnorePatterns: cfg.Images.Ignore,
	})
	if err != nil {
		return 0, nil, err
	}

	images, err := scanner.Scan()
	if err != nil {
		return 0, nil, err
	}
	return len(images), scanner.Stats().Oversized, nil
}

// oversizedSummary describes images left out for their size.
func oversizedSummary(names []string, limit int64) string {
	shown := names
	if len(shown) > 3 {
		shown = shown[:3]
	}

	summary := fmt.Sprintf("%d not indexed, over %s: %s", len(names), ui.FormatBytes(limit), strings.Join(shown, ", "))
	if len(names) > len(shown) {
		summary += fmt.Sprintf(" and %d more", len(names)-len(shown))
	}
	return summary
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return "today at " + t.Format("15:04")
	}

	if t.Year() == now.Year() {
		return t.Format("Jan 2 at 15:04")
	}

	return t.Format("Jan 2, 2006 at 15:04")
}

// healthStatus summarizes whether the cache can serve the configured model.
// pending is negative when the image directory could not be scanned.
func healthStatus(stats *cache.Stats, cfg *config.Config, pending int) string {
	if stats.Entries == 0 {
		return ui.Warning.Render("empty (run 'imgrep index')")
	}

	if stats.Provider != "" && stats.Provider != cfg.Embeddings.Provider {
		return ui.Warning.Render(fmt.Sprintf("built with %s, configured %s (run 'imgrep index --force')",
			stats.Provider, cfg.Embeddings.Provider))
	}

	if pending > 0 {
		return ui.Warning.Render(fmt.Sprintf("%d images not cached yet", pending))
	}

	return ui.Success.Render("healthy")
}
