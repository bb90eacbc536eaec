package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/engine"
	"github.com/nickcecere/imgrep/internal/fs"
	"github.com/nickcecere/imgrep/internal/ui"
)

var (
	indexForce        bool
	indexRefreshStale bool
	indexDryRun       bool
)

// indexCmd represents the index command
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the embedding cache for the image directory",
	Long: `Embed every image in the image directory that has no cache entry yet.

Existing entries are reused. An entry whose image changed since it was
cached is reported as stale and kept, unless --refresh-stale is given.
--force discards the cache and embeds everything again, which is also the
way to switch to a different model.

Examples:
  # Embed new images
  imgrep index

  # Re-embed images that changed on disk
  imgrep index --refresh-stale

  # Rebuild everything
  imgrep index --force

  # Show what would be indexed
  imgrep index --dry-run`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexForce, "force", "f", false, "re-embed every image")
	indexCmd.Flags().BoolVar(&indexRefreshStale, "refresh-stale", false, "re-embed images that changed since they were cached")
	indexCmd.Flags().BoolVarP(&indexDryRun, "dry-run", "d", false, "list images without embedding")
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	log.Debug("Starting index",
		"dir", cfg.Images.Dir,
		"cache", cfg.Cache.Dir,
		"force", indexForce,
		"refresh-stale", indexRefreshStale,
	)

	if indexDryRun {
		return runDryRun(cfg)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	fmt.Println(ui.Header.Render("Indexing " + cfg.Images.Dir))
	fmt.Printf("Cache:    %s\n", cfg.Cache.Dir)
	fmt.Printf("Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Println()

	startTime := time.Now()

	eng, err := openEngine(ctx, cfg, engine.Options{
		Force:        indexForce,
		RefreshStale: indexRefreshStale,
		OnProgress:   progressPrinter(),
	})
	clearProgress()

	if err != nil {
		if ctx.Err() != nil {
			fmt.Println(ui.Warning.Render("Indexing cancelled"))
			return nil
		}
		return fmt.Errorf("indexing failed: %w", err)
	}
	defer eng.Close()

	st := eng.Status()
	b := st.LastBuild

	fmt.Println(ui.Success.Render("Indexing complete!"))
	fmt.Println()
	fmt.Printf("  Images:     %d\n", st.Images)
	fmt.Printf("  Embedded:   %d\n", b.Embedded)
	fmt.Printf("  Reused:     %d\n", b.Cached)
	if b.Stale > 0 {
		fmt.Printf("  Stale:      %s\n", ui.Warning.Render(fmt.Sprintf("%d (run with --refresh-stale)", b.Stale)))
	}
	if b.Collisions > 0 {
		fmt.Printf("  Collisions: %s\n", ui.Warning.Render(fmt.Sprintf("%d skipped", b.Collisions)))
	}
	if len(st.Oversized) > 0 {
		fmt.Printf("  Oversized:  %s\n", ui.Warning.Render(oversizedSummary(st.Oversized, cfg.Images.MaxFileSize)))
	}
	fmt.Printf("  Model:      %s (%d dimensions)\n", st.Model, st.Dimensions)
	fmt.Printf("  Duration:   %s\n", time.Since(startTime).Round(time.Millisecond))

	return nil
}

// runDryRun lists the images a build would consider.
func runDryRun(cfg *config.Config) error {
	scanner, err := fs.NewScanner(fs.ScanOptions{
		Root:           cfg.Images.Dir,
		Extensions:     cfg.Images.Extensions,
		MaxFileSize:    cfg.Images.MaxFileSize,
		IgnorePatterns: cfg.Images.Ignore,
	})
	if err != nil {
		return fmt.Errorf("failed to open image directory: %w", err)
	}

	images, err := scanner.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan image directory: %w", err)
	}

	stats := scanner.Stats()

	fmt.Println(ui.Header.Render("Dry Run - Preview"))
	fmt.Printf("Directory: %s\n\n", scanner.Root())

	fmt.Printf("Images:    %d\n", len(images))
	fmt.Printf("Size:      %s\n", ui.FormatBytes(stats.TotalBytes))
	fmt.Printf("Skipped:   %d files, %d directories\n", stats.FilesSkipped, stats.DirsSkipped)
	if len(stats.Oversized) > 0 {
		fmt.Printf("Oversized: %s\n", oversizedSummary(stats.Oversized, cfg.Images.MaxFileSize))
	}

	if len(images) > 0 {
		fmt.Println("\nFirst 10 images:")
		for i, img := range images {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(images)-10)
				break
			}
			fmt.Printf("  %s (%s)\n", img.Name, ui.FormatBytes(img.Size))
		}
	}

	return nil
}
