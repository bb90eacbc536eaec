// Package config handles configuration loading and validation for imgrep.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config represents the complete imgrep configuration.
type Config struct {
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Images     ImagesConfig     `mapstructure:"images"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Indexing   IndexingConfig   `mapstructure:"indexing"`
	Search     SearchConfig     `mapstructure:"search"`
	Server     ServerConfig     `mapstructure:"server"`
}

// EmbeddingsConfig configures the embedding model.
type EmbeddingsConfig struct {
	Provider   string           `mapstructure:"provider"`
	Timeout    int              `mapstructure:"timeout"`
	ClipServer ClipServerConfig `mapstructure:"clipserver"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	ONNX       ONNXConfig       `mapstructure:"onnx"`
}

// ClipServerConfig configures a clip-as-service HTTP endpoint.
type ClipServerConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// OpenAIConfig configures an OpenAI-compatible multimodal embeddings endpoint.
type OpenAIConfig struct {
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// ONNXConfig configures local CLIP inference through ONNX Runtime.
type ONNXConfig struct {
	ModelsDir   string `mapstructure:"models_dir"`
	LibraryPath string `mapstructure:"library_path"`
}

// ImagesConfig configures the source image directory.
type ImagesConfig struct {
	Dir         string   `mapstructure:"dir"`
	Extensions  []string `mapstructure:"extensions"`
	MaxFileSize int64    `mapstructure:"max_file_size"`
	MaxPixels   int64    `mapstructure:"max_pixels"`
	Ignore      []string `mapstructure:"ignore"`
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	Dir          string `mapstructure:"dir"`
	NameIndex    string `mapstructure:"name_index"`
	RefreshStale bool   `mapstructure:"refresh_stale"`
}

// IndexingConfig configures cache builds.
type IndexingConfig struct {
	Workers int `mapstructure:"workers"`
}

// SearchConfig configures query defaults.
type SearchConfig struct {
	TopK    int `mapstructure:"top_k"`
	MaxTopK int `mapstructure:"max_top_k"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	MaxUploadSize int    `mapstructure:"max_upload_size"`
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Embeddings: EmbeddingsConfig{
			Provider: DefaultEmbeddingProvider,
			Timeout:  DefaultEmbeddingTimeout,
			ClipServer: ClipServerConfig{
				URL:   DefaultClipServerURL,
				Model: DefaultClipServerModel,
			},
			OpenAI: OpenAIConfig{
				Model: DefaultOpenAIEmbedModel,
			},
			ONNX: ONNXConfig{
				ModelsDir: DefaultONNXModelsDir,
			},
		},
		Images: ImagesConfig{
			Dir:         DefaultImageDir,
			Extensions:  DefaultImageExtensions(),
			MaxFileSize: DefaultMaxImageSize,
			MaxPixels:   DefaultMaxPixels,
			Ignore:      []string{},
		},
		Cache: CacheConfig{
			Dir:       DefaultCacheDir,
			NameIndex: DefaultNameIndex,
		},
		Indexing: IndexingConfig{
			Workers: DefaultWorkers,
		},
		Search: SearchConfig{
			TopK:    DefaultTopK,
			MaxTopK: DefaultMaxTopK,
		},
		Server: ServerConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			MaxUploadSize: DefaultMaxUploadSize,
		},
	}
}

// Load reads configuration from file and environment variables.
func Load(configFile string) error {
	// Set defaults
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")

		// .imgreprc.yaml in the current directory or a parent wins
		if rcPath := findRCFile(); rcPath != "" {
			viper.SetConfigFile(rcPath)
		}
	}

	// Environment variables
	viper.SetEnvPrefix("IMGREP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	loadAPIKeysFromEnv(loaded)

	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cfg = loaded
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Embeddings.Provider {
	case "clipserver", "openai", "onnx":
	default:
		return fmt.Errorf("embeddings.provider must be one of (clipserver, openai, onnx), got %q", c.Embeddings.Provider)
	}

	if c.Embeddings.Timeout < 1 {
		return fmt.Errorf("embeddings.timeout must be >= 1, got %d", c.Embeddings.Timeout)
	}

	if c.Images.Dir == "" {
		return fmt.Errorf("images.dir is empty")
	}

	if len(c.Images.Extensions) == 0 {
		return fmt.Errorf("images.extensions is empty")
	}

	if c.Images.MaxPixels < 1 {
		return fmt.Errorf("images.max_pixels must be >= 1, got %d", c.Images.MaxPixels)
	}

	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is empty")
	}

	if c.Indexing.Workers < 1 {
		return fmt.Errorf("indexing.workers must be >= 1, got %d", c.Indexing.Workers)
	}

	if c.Search.TopK < 1 {
		return fmt.Errorf("search.top_k must be >= 1, got %d", c.Search.TopK)
	}

	if c.Search.MaxTopK < c.Search.TopK {
		return fmt.Errorf("search.max_top_k must be >= search.top_k (%d), got %d", c.Search.TopK, c.Search.MaxTopK)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	if c.Server.MaxUploadSize < 1 {
		return fmt.Errorf("server.max_upload_size must be >= 1, got %d", c.Server.MaxUploadSize)
	}

	return nil
}

// Addr returns the listen address of the HTTP service.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxUploadBytes returns the request body limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadSize) << 20
}

// setDefaults sets default values in viper.
func setDefaults() {
	def := DefaultConfig()

	// Embeddings
	viper.SetDefault("embeddings.provider", def.Embeddings.Provider)
	viper.SetDefault("embeddings.timeout", def.Embeddings.Timeout)
	viper.SetDefault("embeddings.clipserver.url", def.Embeddings.ClipServer.URL)
	viper.SetDefault("embeddings.clipserver.model", def.Embeddings.ClipServer.Model)
	viper.SetDefault("embeddings.openai.model", def.Embeddings.OpenAI.Model)
	viper.SetDefault("embeddings.openai.base_url", "")
	viper.SetDefault("embeddings.openai.api_key", "")
	viper.SetDefault("embeddings.openai.dimensions", 0)
	viper.SetDefault("embeddings.onnx.models_dir", def.Embeddings.ONNX.ModelsDir)
	viper.SetDefault("embeddings.onnx.library_path", "")

	// Images
	viper.SetDefault("images.dir", def.Images.Dir)
	viper.SetDefault("images.extensions", def.Images.Extensions)
	viper.SetDefault("images.max_file_size", def.Images.MaxFileSize)
	viper.SetDefault("images.max_pixels", def.Images.MaxPixels)
	viper.SetDefault("images.ignore", def.Images.Ignore)

	// Cache
	viper.SetDefault("cache.dir", def.Cache.Dir)
	viper.SetDefault("cache.name_index", def.Cache.NameIndex)
	viper.SetDefault("cache.refresh_stale", def.Cache.RefreshStale)

	// Indexing
	viper.SetDefault("indexing.workers", def.Indexing.Workers)

	// Search
	viper.SetDefault("search.top_k", def.Search.TopK)
	viper.SetDefault("search.max_top_k", def.Search.MaxTopK)

	// Server
	viper.SetDefault("server.host", def.Server.Host)
	viper.SetDefault("server.port", def.Server.Port)
	viper.SetDefault("server.max_upload_size", def.Server.MaxUploadSize)
}

// findRCFile searches for .imgreprc.yaml starting from current directory.
func findRCFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		rcPath := filepath.Join(dir, ".imgreprc.yaml")
		if _, err := os.Stat(rcPath); err == nil {
			return rcPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// loadAPIKeysFromEnv loads API keys from environment variables if not already set.
func loadAPIKeysFromEnv(c *Config) {
	if c.Embeddings.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.Embeddings.OpenAI.APIKey = key
		}
	}
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
