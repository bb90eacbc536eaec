//go:build !onnx

package embeddings

// NewONNXService reports that local inference is not available in this build.
func NewONNXService(modelsDir, libraryPath string) (Service, error) {
	return nil, ErrONNXDisabled
}
