//go:build onnx

package embeddings

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/charmbracelet/log"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXService runs the CLIP visual and text encoders in-process through
// ONNX Runtime. The sessions share bound tensors, so runs are serialized.
type ONNXService struct {
	tok *Tokenizer

	visSess  *ort.AdvancedSession
	textSess *ort.AdvancedSession

	visIn   *ort.Tensor[float32] // [1,3,224,224]
	visOut  *ort.Tensor[float32] // [1,512]
	textIDs *ort.Tensor[int64]   // [1,77]
	textAtt *ort.Tensor[int64]   // [1,77]
	textOut *ort.Tensor[float32] // [1,512]

	mu sync.Mutex
}

// NewONNXService loads clip_visual.onnx, clip_text.onnx and the tokenizer
// from modelsDir. libraryPath overrides the onnxruntime shared library.
func NewONNXService(modelsDir, libraryPath string) (Service, error) {
	if libraryPath == "" {
		libraryPath = defaultLibraryPath(filepath.Dir(modelsDir))
	}

	tok, err := LoadTokenizer(filepath.Join(modelsDir, "clip_tokenizer"))
	if err != nil {
		return nil, err
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	s := &ONNXService{tok: tok}
	if err := s.init(modelsDir); err != nil {
		s.destroy()
		ort.DestroyEnvironment()
		return nil, err
	}

	log.Debug("Loaded CLIP ONNX models", "dir", modelsDir, "library", libraryPath)

	return s, nil
}

func (s *ONNXService) init(modelsDir string) error {
	var err error

	s.visIn, err = ort.NewTensor(ort.NewShape(1, 3, clipImageSize, clipImageSize), make([]float32, 3*clipImageSize*clipImageSize))
	if err != nil {
		return fmt.Errorf("create visual input: %w", err)
	}

	s.visOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, clipDim))
	if err != nil {
		return fmt.Errorf("create visual output: %w", err)
	}

	s.textIDs, err = ort.NewTensor(ort.NewShape(1, clipMaxTokens), make([]int64, clipMaxTokens))
	if err != nil {
		return fmt.Errorf("create text ids: %w", err)
	}

	s.textAtt, err = ort.NewTensor(ort.NewShape(1, clipMaxTokens), make([]int64, clipMaxTokens))
	if err != nil {
		return fmt.Errorf("create text mask: %w", err)
	}

	s.textOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, clipDim))
	if err != nil {
		return fmt.Errorf("create text output: %w", err)
	}

	s.visSess, err = ort.NewAdvancedSession(
		filepath.Join(modelsDir, "clip_visual.onnx"),
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{s.visIn},
		[]ort.ArbitraryTensor{s.visOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("create visual session: %w", err)
	}

	s.textSess, err = ort.NewAdvancedSession(
		filepath.Join(modelsDir, "clip_text.onnx"),
		[]string{"input_ids", "attention_mask"},
		[]string{"text_embeds"},
		[]ort.ArbitraryTensor{s.textIDs, s.textAtt},
		[]ort.ArbitraryTensor{s.textOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("create text session: %w", err)
	}

	return nil
}

// EmbedImage runs the visual encoder on a preprocessed image.
func (s *ONNXService) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tensor := ToNCHW(Preprocess(img))

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.visIn.GetData(), tensor)

	if err := s.visSess.Run(); err != nil {
		return nil, fmt.Errorf("run visual encoder: %w", err)
	}

	emb := make([]float32, clipDim)
	copy(emb, s.visOut.GetData()[:clipDim])

	return emb, nil
}

// EmbedText runs the text encoder on normalized query text.
func (s *ONNXService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, att := s.tok.Encode(NormalizeText(text))

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.textIDs.GetData(), ids)
	copy(s.textAtt.GetData(), att)

	if err := s.textSess.Run(); err != nil {
		return nil, fmt.Errorf("run text encoder: %w", err)
	}

	emb := make([]float32, clipDim)
	copy(emb, s.textOut.GetData()[:clipDim])

	return emb, nil
}

// Dimensions returns the embedding dimensions.
func (s *ONNXService) Dimensions() int {
	return clipDim
}

// Provider returns the provider name.
func (s *ONNXService) Provider() Provider {
	return ProviderONNX
}

// ModelName returns the model name.
func (s *ONNXService) ModelName() string {
	return "clip-vit-b-32"
}

// Close destroys the sessions and the runtime environment.
func (s *ONNXService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroy()
	return ort.DestroyEnvironment()
}

func (s *ONNXService) destroy() {
	if s.visSess != nil {
		s.visSess.Destroy()
		s.visSess = nil
	}
	if s.textSess != nil {
		s.textSess.Destroy()
		s.textSess = nil
	}
	if s.visIn != nil {
		s.visIn.Destroy()
	}
	if s.visOut != nil {
		s.visOut.Destroy()
	}
	if s.textIDs != nil {
		s.textIDs.Destroy()
	}
	if s.textAtt != nil {
		s.textAtt.Destroy()
	}
	if s.textOut != nil {
		s.textOut.Destroy()
	}
}

// defaultLibraryPath returns the bundled onnxruntime library under root, or
// empty to let the loader search the system path.
func defaultLibraryPath(root string) string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(root, "lib", "windows-amd64", "onnxruntime.dll")
	case "linux":
		return filepath.Join(root, "lib", "linux-amd64", "libonnxruntime.so")
	default:
		return ""
	}
}
