package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/engine"
	"github.com/nickcecere/imgrep/internal/search"
	"github.com/nickcecere/imgrep/internal/ui"
)

var (
	searchImage    string
	searchLimit    int
	searchMinScore float64
	searchJSON     bool
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Find images matching a description or an example image",
	Long: `Rank the images in the image directory against a text query or, with
--image, against an example image. Scores are 100 times the inner product of
the embeddings, so higher is more similar.

New images are embedded before searching, exactly as 'imgrep index' would.

Examples:
  # Search by description
  imgrep search "a red car parked at night"

  # Search by example
  imgrep search --image ./query.jpg

  # Top 20 as JSON
  imgrep search "mountains" -m 20 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearchCmd,
}

func init() {
	searchCmd.Flags().StringVarP(&searchImage, "image", "i", "", "search by example image file")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "m", 0, "maximum number of results (default search.top_k)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results scoring below this")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
}

// jsonResult is one line of --json output.
type jsonResult struct {
	Name  string  `json:"image_name"`
	Path  string  `json:"path"`
	Score float64 `json:"similarity"`
}

func runSearchCmd(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	q := search.Query{
		TopK:     cfg.Search.TopK,
		MinScore: searchMinScore,
	}
	if len(args) > 0 {
		q.Text = args[0]
	}
	if searchLimit != 0 {
		q.TopK = searchLimit
	}

	if searchImage != "" {
		img, err := embeddings.DecodeImageFile(searchImage, cfg.Images.MaxPixels)
		if err != nil {
			return fmt.Errorf("failed to read query image: %w", err)
		}
		q.Image = img
	} else if strings.TrimSpace(q.Text) == "" {
		return errors.New("a query or --image is required")
	}

	log.Debug("Starting search",
		"query", q.Text,
		"image", searchImage,
		"limit", q.TopK,
	)

	ctx, cancel := interruptContext()
	defer cancel()

	eng, err := openEngine(ctx, cfg, engine.Options{OnProgress: progressPrinter()})
	clearProgress()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer eng.Close()

	resp, err := eng.Search(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if searchJSON {
		return outputJSON(resp, eng.ImageDir())
	}

	if len(resp.Results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	displayResults(resp, eng.ImageDir())
	return nil
}

// displayResults prints ranked matches with their full paths.
func displayResults(resp *search.Response, dir string) {
	fmt.Printf("Found %d images (%s search):\n\n", len(resp.Results), resp.Mode)

	for i, r := range resp.Results {
		fmt.Println(ui.FormatResult(i+1, r.Name, r.Score))
		fmt.Printf("    %s\n", ui.Dim.Render(filepath.Join(dir, r.Name)))
	}
}

// outputJSON writes results as a JSON array.
func outputJSON(resp *search.Response, dir string) error {
	out := make([]jsonResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = jsonResult{
			Name:  r.Name,
			Path:  filepath.Join(dir, r.Name),
			Score: r.Score,
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
