package config

import (
	"os"
	"path/filepath"
)

// Default configuration values
const (
	// Embedding defaults
	DefaultEmbeddingProvider = "clipserver"
	DefaultClipServerURL     = "http://localhost:51000"
	DefaultClipServerModel   = "ViT-B-32::openai"
	DefaultOpenAIEmbedModel  = "openai/clip-vit-base-patch32"
	DefaultONNXModelsDir     = "onnx/models"
	DefaultEmbeddingTimeout  = 60 // seconds

	// Image corpus defaults
	DefaultImageDir     = "images"
	DefaultMaxImageSize = 50 << 20   // 50MB
	DefaultMaxPixels    = 50_000_000 // decoded width x height

	// Cache defaults
	DefaultCacheDir  = "embedding"
	DefaultNameIndex = "image_name.csv"

	// Indexing defaults
	DefaultWorkers = 1

	// Search defaults
	DefaultTopK    = 5
	DefaultMaxTopK = 100

	// Server defaults
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8080
	DefaultMaxUploadSize = 20 // MB
)

// DefaultImageExtensions returns the image extensions accepted by default.
func DefaultImageExtensions() []string {
	return []string{"jpg", "jpeg", "png"}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/imgrep"
	}
	return filepath.Join(home, ".config", "imgrep")
}
