package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/imgrep/internal/cache"
	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/engine"
)

// interruptContext returns a context cancelled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("Received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// openEngine creates the configured embedder and builds the engine.
func openEngine(ctx context.Context, cfg *config.Config, opts engine.Options) (*engine.Engine, error) {
	emb, err := embeddings.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding service: %w", err)
	}

	log.Debug("Embedding service ready",
		"provider", emb.Provider(),
		"model", emb.ModelName(),
		"dimensions", emb.Dimensions(),
	)

	e, err := engine.Open(ctx, cfg, emb, opts)
	if err != nil {
		emb.Close()
		return nil, err
	}

	return e, nil
}

// progressPrinter renders a throttled single-line build progress.
func progressPrinter() cache.ProgressFunc {
	lastUpdate := time.Time{}

	return func(p cache.Progress) {
		if p.Processed < p.Total && time.Since(lastUpdate) < 100*time.Millisecond {
			return
		}
		lastUpdate = time.Now()

		pct := float64(p.Processed) / float64(max(p.Total, 1)) * 100
		fmt.Fprintf(os.Stderr, "\r\033[KProgress: %d/%d images (%.0f%%) | Embedded: %d | %s",
			p.Processed, p.Total, pct, p.Embedded, truncateName(p.Current, 40))
	}
}

// clearProgress erases the progress line.
func clearProgress() {
	fmt.Fprint(os.Stderr, "\r\033[K")
}

// truncateName shortens a file name for display.
func truncateName(name string, maxLen int) string {
	if len(name) <= maxLen {
		return name
	}
	return "..." + name[len(name)-maxLen+3:]
}
