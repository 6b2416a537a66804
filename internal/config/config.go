// Package config loads knowbase configuration from YAML files with
// environment variable overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete knowbase configuration.
type Config struct {
	Version     int              `yaml:"version" json:"version"`
	Storage     StorageConfig    `yaml:"storage" json:"storage"`
	Embeddings  EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Chunking    ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Retrieval   RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Cache       CacheConfig      `yaml:"cache" json:"cache"`
	ObjectStore ObjectStoreConfig `yaml:"object_store" json:"object_store"`
	Queue       QueueConfig      `yaml:"queue" json:"queue"`
	LogLevel    string           `yaml:"log_level" json:"log_level"`
}

// StorageConfig configures the catalog database and vector index locations.
type StorageConfig struct {
	// DataDir holds the catalog database and persisted vector collections.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// CatalogPath overrides the default DataDir/catalog.db location.
	CatalogPath string `yaml:"catalog_path" json:"catalog_path"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "openai" or "azure".
	Provider string `yaml:"provider" json:"provider"`
	// BaseURL is the API base (e.g. https://api.openai.com/v1 or the Azure resource endpoint).
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
	// Deployment is the Azure deployment name (azure provider only).
	Deployment string `yaml:"deployment" json:"deployment"`
	// APIVersion is the Azure api-version query parameter.
	APIVersion string `yaml:"api_version" json:"api_version"`
	// Dimensions is the expected embedding dimension. 0 means accept whatever
	// the provider returns.
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	// CacheSize is the query-embedding LRU capacity. 0 disables the cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// ChunkingConfig configures default chunking behavior.
type ChunkingConfig struct {
	// Strategy is "fixed", "recursive", or "semantic".
	Strategy     string `yaml:"strategy" json:"strategy"`
	ChunkSize    int    `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap" json:"chunk_overlap"`
}

// RetrievalConfig configures search defaults.
type RetrievalConfig struct {
	// Mode is "semantic", "keyword", or "hybrid".
	Mode           string  `yaml:"mode" json:"mode"`
	TopK           int     `yaml:"top_k" json:"top_k"`
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`

	// FusionMethod is "rrf", "weighted", or "linear".
	FusionMethod   string  `yaml:"fusion_method" json:"fusion_method"`
	SemanticWeight float64 `yaml:"semantic_weight" json:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight" json:"keyword_weight"`
	// RRFConstant is the RRF smoothing parameter (k). Default: 60.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// AdaptiveWeights adjusts fusion weights per query shape.
	AdaptiveWeights bool `yaml:"adaptive_weights" json:"adaptive_weights"`

	// Rerank settings. RerankProvider is "http" (Cohere/Jina style API),
	// "local" (cross-encoder server on this machine), or "llm".
	RerankEnabled  bool   `yaml:"rerank_enabled" json:"rerank_enabled"`
	RerankProvider string `yaml:"rerank_provider" json:"rerank_provider"`
	RerankURL      string `yaml:"rerank_url" json:"rerank_url"`
	RerankAPIKey   string `yaml:"rerank_api_key" json:"rerank_api_key"`
	RerankModel    string `yaml:"rerank_model" json:"rerank_model"`
	// RerankMaxInputLength truncates document text sent to the reranker.
	RerankMaxInputLength int `yaml:"rerank_max_input_length" json:"rerank_max_input_length"`
}

// CacheConfig configures the Redis search cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	// CacheEmpty stores empty result sets too.
	CacheEmpty bool `yaml:"cache_empty" json:"cache_empty"`
	// MaxResults caps how many results a cache entry stores.
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// ObjectStoreConfig configures the MinIO blob store.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
	Region    string `yaml:"region" json:"region"`
}

// QueueConfig configures task queue workers.
type QueueConfig struct {
	Workers int `yaml:"workers" json:"workers"`
	// VisibilityTimeout is the task lease duration before a lost worker's
	// task is requeued.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	// SoftTimeLimit aborts document processing gracefully.
	SoftTimeLimit time.Duration `yaml:"soft_time_limit" json:"soft_time_limit"`
	// HardTimeLimit is the absolute processing deadline.
	HardTimeLimit time.Duration `yaml:"hard_time_limit" json:"hard_time_limit"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "openai",
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			APIVersion: "2024-02-01",
			Dimensions: 0,
			BatchSize:  100,
			MaxRetries: 3,
			Timeout:    60 * time.Second,
			CacheSize:  1000,
		},
		Chunking: ChunkingConfig{
			Strategy:     "recursive",
			ChunkSize:    1000,
			ChunkOverlap: 200,
		},
		Retrieval: RetrievalConfig{
			Mode:           "hybrid",
			TopK:           10,
			ScoreThreshold: 0.0,
			FusionMethod:   "rrf",
			SemanticWeight: 0.7,
			KeywordWeight:  0.3,
			// k=60 is the industry standard (Azure AI Search, OpenSearch)
			RRFConstant:          60,
			AdaptiveWeights:      false,
			RerankEnabled:        false,
			RerankProvider:       "http",
			RerankMaxInputLength: 512,
		},
		Cache: CacheConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			TTL:        time.Hour,
			CacheEmpty: false,
			MaxResults: 100,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "localhost:9000",
			Bucket:   "knowbase",
			UseSSL:   false,
		},
		Queue: QueueConfig{
			Workers:           4,
			VisibilityTimeout: 5 * time.Minute,
			MaxRetries:        3,
			SoftTimeLimit:     25 * time.Minute,
			HardTimeLimit:     30 * time.Minute,
			PollInterval:      time.Second,
		},
		LogLevel: "info",
	}
}

// defaultDataDir returns the default data directory (~/.knowbase).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".knowbase")
	}
	return filepath.Join(home, ".knowbase")
}

// CatalogPath returns the effective catalog database path.
func (c *Config) CatalogPath() string {
	if c.Storage.CatalogPath != "" {
		return c.Storage.CatalogPath
	}
	return filepath.Join(c.Storage.DataDir, "catalog.db")
}

// VectorDir returns the directory holding persisted vector collections.
func (c *Config) VectorDir() string {
	return filepath.Join(c.Storage.DataDir, "vectors")
}

// Load loads configuration from the specified directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. knowbase.yaml in dir (or knowbase.yml)
//  3. Environment variables (KNOWBASE_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from knowbase.yaml or knowbase.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, "knowbase.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, "knowbase.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	// No config file is fine, use defaults
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Storage.DataDir != "" {
		c.Storage.DataDir = other.Storage.DataDir
	}
	if other.Storage.CatalogPath != "" {
		c.Storage.CatalogPath = other.Storage.CatalogPath
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.BaseURL != "" {
		c.Embeddings.BaseURL = other.Embeddings.BaseURL
	}
	if other.Embeddings.APIKey != "" {
		c.Embeddings.APIKey = other.Embeddings.APIKey
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Deployment != "" {
		c.Embeddings.Deployment = other.Embeddings.Deployment
	}
	if other.Embeddings.APIVersion != "" {
		c.Embeddings.APIVersion = other.Embeddings.APIVersion
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.MaxRetries != 0 {
		c.Embeddings.MaxRetries = other.Embeddings.MaxRetries
	}
	if other.Embeddings.Timeout != 0 {
		c.Embeddings.Timeout = other.Embeddings.Timeout
	}
	if other.Embeddings.CacheSize != 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}

	if other.Chunking.Strategy != "" {
		c.Chunking.Strategy = other.Chunking.Strategy
	}
	if other.Chunking.ChunkSize != 0 {
		c.Chunking.ChunkSize = other.Chunking.ChunkSize
	}
	if other.Chunking.ChunkOverlap != 0 {
		c.Chunking.ChunkOverlap = other.Chunking.ChunkOverlap
	}

	if other.Retrieval.Mode != "" {
		c.Retrieval.Mode = other.Retrieval.Mode
	}
	if other.Retrieval.TopK != 0 {
		c.Retrieval.TopK = other.Retrieval.TopK
	}
	if other.Retrieval.ScoreThreshold != 0 {
		c.Retrieval.ScoreThreshold = other.Retrieval.ScoreThreshold
	}
	if other.Retrieval.FusionMethod != "" {
		c.Retrieval.FusionMethod = other.Retrieval.FusionMethod
	}
	if other.Retrieval.SemanticWeight != 0 {
		c.Retrieval.SemanticWeight = other.Retrieval.SemanticWeight
	}
	if other.Retrieval.KeywordWeight != 0 {
		c.Retrieval.KeywordWeight = other.Retrieval.KeywordWeight
	}
	if other.Retrieval.RRFConstant != 0 {
		c.Retrieval.RRFConstant = other.Retrieval.RRFConstant
	}
	if other.Retrieval.AdaptiveWeights {
		c.Retrieval.AdaptiveWeights = true
	}
	if other.Retrieval.RerankEnabled {
		c.Retrieval.RerankEnabled = true
	}
	if other.Retrieval.RerankProvider != "" {
		c.Retrieval.RerankProvider = other.Retrieval.RerankProvider
	}
	if other.Retrieval.RerankURL != "" {
		c.Retrieval.RerankURL = other.Retrieval.RerankURL
	}
	if other.Retrieval.RerankAPIKey != "" {
		c.Retrieval.RerankAPIKey = other.Retrieval.RerankAPIKey
	}
	if other.Retrieval.RerankModel != "" {
		c.Retrieval.RerankModel = other.Retrieval.RerankModel
	}
	if other.Retrieval.RerankMaxInputLength != 0 {
		c.Retrieval.RerankMaxInputLength = other.Retrieval.RerankMaxInputLength
	}

	if other.Cache.Enabled {
		c.Cache.Enabled = true
	}
	if other.Cache.Addr != "" {
		c.Cache.Addr = other.Cache.Addr
	}
	if other.Cache.Password != "" {
		c.Cache.Password = other.Cache.Password
	}
	if other.Cache.DB != 0 {
		c.Cache.DB = other.Cache.DB
	}
	if other.Cache.TTL != 0 {
		c.Cache.TTL = other.Cache.TTL
	}
	if other.Cache.CacheEmpty {
		c.Cache.CacheEmpty = true
	}
	if other.Cache.MaxResults != 0 {
		c.Cache.MaxResults = other.Cache.MaxResults
	}

	if other.ObjectStore.Endpoint != "" {
		c.ObjectStore.Endpoint = other.ObjectStore.Endpoint
	}
	if other.ObjectStore.AccessKey != "" {
		c.ObjectStore.AccessKey = other.ObjectStore.AccessKey
	}
	if other.ObjectStore.SecretKey != "" {
		c.ObjectStore.SecretKey = other.ObjectStore.SecretKey
	}
	if other.ObjectStore.Bucket != "" {
		c.ObjectStore.Bucket = other.ObjectStore.Bucket
	}
	if other.ObjectStore.UseSSL {
		c.ObjectStore.UseSSL = true
	}
	if other.ObjectStore.Region != "" {
		c.ObjectStore.Region = other.ObjectStore.Region
	}

	if other.Queue.Workers != 0 {
		c.Queue.Workers = other.Queue.Workers
	}
	if other.Queue.VisibilityTimeout != 0 {
		c.Queue.VisibilityTimeout = other.Queue.VisibilityTimeout
	}
	if other.Queue.MaxRetries != 0 {
		c.Queue.MaxRetries = other.Queue.MaxRetries
	}
	if other.Queue.SoftTimeLimit != 0 {
		c.Queue.SoftTimeLimit = other.Queue.SoftTimeLimit
	}
	if other.Queue.HardTimeLimit != 0 {
		c.Queue.HardTimeLimit = other.Queue.HardTimeLimit
	}
	if other.Queue.PollInterval != 0 {
		c.Queue.PollInterval = other.Queue.PollInterval
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// applyEnvOverrides applies KNOWBASE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KNOWBASE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("KNOWBASE_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("KNOWBASE_EMBEDDINGS_BASE_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
	if v := os.Getenv("KNOWBASE_EMBEDDINGS_API_KEY"); v != "" {
		c.Embeddings.APIKey = v
	}
	if v := os.Getenv("KNOWBASE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("KNOWBASE_EMBEDDINGS_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embeddings.Dimensions = n
		}
	}
	if v := os.Getenv("KNOWBASE_SEMANTIC_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Retrieval.SemanticWeight = w
		}
	}
	if v := os.Getenv("KNOWBASE_KEYWORD_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Retrieval.KeywordWeight = w
		}
	}
	if v := os.Getenv("KNOWBASE_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.RRFConstant = k
		}
	}
	if v := os.Getenv("KNOWBASE_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
		c.Cache.Enabled = true
	}
	if v := os.Getenv("KNOWBASE_REDIS_PASSWORD"); v != "" {
		c.Cache.Password = v
	}
	if v := os.Getenv("KNOWBASE_MINIO_ENDPOINT"); v != "" {
		c.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("KNOWBASE_MINIO_ACCESS_KEY"); v != "" {
		c.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("KNOWBASE_MINIO_SECRET_KEY"); v != "" {
		c.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("KNOWBASE_MINIO_BUCKET"); v != "" {
		c.ObjectStore.Bucket = v
	}
	if v := os.Getenv("KNOWBASE_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.Workers = n
		}
	}
	if v := os.Getenv("KNOWBASE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// parseFloat64 parses a string to float64, used for config parsing.
func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	validProviders := map[string]bool{"openai": true, "azure": true}
	if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
		return fmt.Errorf("embeddings.provider must be 'openai' or 'azure', got %s", c.Embeddings.Provider)
	}
	if strings.ToLower(c.Embeddings.Provider) == "azure" && c.Embeddings.Deployment == "" {
		return fmt.Errorf("embeddings.deployment is required for the azure provider")
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}

	validStrategies := map[string]bool{"fixed": true, "recursive": true, "semantic": true}
	if !validStrategies[strings.ToLower(c.Chunking.Strategy)] {
		return fmt.Errorf("chunking.strategy must be 'fixed', 'recursive', or 'semantic', got %s", c.Chunking.Strategy)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size), got %d", c.Chunking.ChunkOverlap)
	}

	validModes := map[string]bool{"semantic": true, "keyword": true, "hybrid": true}
	if !validModes[strings.ToLower(c.Retrieval.Mode)] {
		return fmt.Errorf("retrieval.mode must be 'semantic', 'keyword', or 'hybrid', got %s", c.Retrieval.Mode)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SemanticWeight < 0 || c.Retrieval.SemanticWeight > 1 {
		return fmt.Errorf("retrieval.semantic_weight must be between 0 and 1, got %f", c.Retrieval.SemanticWeight)
	}
	if c.Retrieval.KeywordWeight < 0 || c.Retrieval.KeywordWeight > 1 {
		return fmt.Errorf("retrieval.keyword_weight must be between 0 and 1, got %f", c.Retrieval.KeywordWeight)
	}
	sum := c.Retrieval.SemanticWeight + c.Retrieval.KeywordWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("retrieval weights must sum to 1.0, got %.2f", sum)
	}

	validFusion := map[string]bool{"rrf": true, "weighted": true, "linear": true}
	if !validFusion[strings.ToLower(c.Retrieval.FusionMethod)] {
		return fmt.Errorf("retrieval.fusion_method must be 'rrf', 'weighted', or 'linear', got %s", c.Retrieval.FusionMethod)
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.SoftTimeLimit > c.Queue.HardTimeLimit {
		return fmt.Errorf("queue.soft_time_limit must not exceed hard_time_limit")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
