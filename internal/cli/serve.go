package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/engine"
	"github.com/nickcecere/imgrep/internal/server"
	"github.com/nickcecere/imgrep/internal/ui"
	"github.com/nickcecere/imgrep/internal/watcher"
)

var (
	serveHost  string
	servePort  int
	serveWatch bool
)

// serveCmd runs the HTTP service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search page and JSON API",
	Long: `Build the embedding cache for the image directory, load it and serve:

  GET  /               search page
  GET  /images/<name>  images from the corpus
  GET|POST /api        {"search_text": "...", "image": "<base64>", "top_k": 5}
  GET  /healthz        liveness and index size

Send SIGHUP to rescan the image directory without restarting, or use
--watch to rescan whenever images are added, changed or removed.

Examples:
  # Serve on all interfaces, port 8080
  imgrep serve

  # Serve on localhost with a custom port
  imgrep serve --host 127.0.0.1 --port 9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default server.port)")
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "reload when the image directory changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	logger := ui.NewServiceLogger(os.Stderr, "http")

	log.Info("Loading image index", "dir", cfg.Images.Dir, "cache", cfg.Cache.Dir)

	eng, err := openEngine(ctx, cfg, engine.Options{OnProgress: progressPrinter()})
	clearProgress()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer eng.Close()

	go reloadOnHangup(ctx, eng)

	if serveWatch {
		w, err := watcher.New(eng.ImageDir(), eng.Accepts, eng.Reload)
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		go func() {
			if err := w.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("Watcher stopped", "error", err)
			}
		}()
	}

	srv, err := server.New(eng, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	st := eng.Status()
	fmt.Println(ui.Header.Render("imgrep"))
	fmt.Printf("  Images:  %d (%s)\n", st.Images, st.ImageDir)
	fmt.Printf("  Model:   %s (%s)\n", st.Model, st.Provider)
	fmt.Printf("  Listen:  http://%s\n", cfg.Addr())
	fmt.Println()

	return srv.Run(ctx, cfg.Addr())
}

// reloadOnHangup rebuilds the index on each SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, eng *engine.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			start := time.Now()
			if err := eng.Reload(ctx); err != nil {
				log.Error("Reload failed, keeping previous index", "error", err)
				continue
			}
			log.Info("Reload complete", "images", eng.Index().Len(), "duration", time.Since(start).Round(time.Millisecond))
		}
	}
}
