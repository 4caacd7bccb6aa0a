package harvest

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the harvest pipelines.
type Config struct {
	// Environment selects the interaction shard ("test" or "prod").
	Environment string `json:"environment" yaml:"environment"`

	// StorePath is the full path to the vector index SQLite file.
	// If empty, defaults to <DataDir>/vectors.db.
	StorePath string `json:"store_path" yaml:"store_path"`

	// DataDir is the root directory for persisted state (vector index,
	// interaction shards). Defaults to ~/.harvest.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// LLM providers
	Generation LLMConfig `json:"generation" yaml:"generation"`
	Embedding  LLMConfig `json:"embedding" yaml:"embedding"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Chunking
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Extraction
	BatchSize int `json:"batch_size" yaml:"batch_size"` // rows per extraction batch
	Workers   int `json:"workers" yaml:"workers"`       // bounded worker pool size

	// Mapping service
	Mapping MappingConfig `json:"mapping" yaml:"mapping"`

	// Blob storage
	Blob BlobConfig `json:"blob" yaml:"blob"`

	// RecordSourceDSN is the SQLite DSN for the relational source tables.
	RecordSourceDSN string `json:"record_source_dsn" yaml:"record_source_dsn"`

	// NotifyWebhookURL receives negative-feedback fan-out payloads.
	// Empty disables notification.
	NotifyWebhookURL string `json:"notify_webhook_url" yaml:"notify_webhook_url"`

	// Auth
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// RequestTimeoutSeconds bounds one pipeline request end to end.
	RequestTimeoutSeconds int `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // openai, ollama, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// MappingConfig configures the lexical name-resolution service.
type MappingConfig struct {
	BaseURL          string  `json:"base_url" yaml:"base_url"`
	StaffIndex       string  `json:"staff_index" yaml:"staff_index"`
	InstitutionIndex string  `json:"institution_index" yaml:"institution_index"`
	MaxRetries       int     `json:"max_retries" yaml:"max_retries"`
	RetryDelaySecs   float64 `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
}

// BlobConfig selects the object storage backend.
type BlobConfig struct {
	Backend string `json:"backend" yaml:"backend"` // s3, fs, memory
	Region  string `json:"region" yaml:"region"`
	RootDir string `json:"root_dir" yaml:"root_dir"` // fs backend only
}

// AuthConfig configures project token validation.
type AuthConfig struct {
	// ValidatorURL is the remote token validation endpoint. When set, the
	// remote validator is used; otherwise tokens are verified locally
	// against JWTSecret.
	ValidatorURL string `json:"validator_url" yaml:"validator_url"`
	JWTSecret    string `json:"jwt_secret" yaml:"jwt_secret"`
}

// DefaultConfig returns a Config with sensible defaults for local use.
func DefaultConfig() Config {
	return Config{
		Environment: "test",
		Generation: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			BaseURL:  "https://api.openai.com",
		},
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			BaseURL:  "https://api.openai.com",
		},
		EmbeddingDim: 1536,
		ChunkSize:    8000,
		ChunkOverlap: 1500,
		BatchSize:    5,
		Workers:      20,
		Mapping: MappingConfig{
			StaffIndex:       "staff",
			InstitutionIndex: "institutions",
			MaxRetries:       10,
			RetryDelaySecs:   1,
		},
		Blob:                  BlobConfig{Backend: "fs"},
		RequestTimeoutSeconds: 600,
	}
}

// ResolveStorePath computes the vector index path from config fields.
func (c *Config) ResolveStorePath() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	return filepath.Join(c.resolveDataDir(), "vectors.db")
}

// ResolveTrackerPath computes the interaction shard path for the configured
// environment. Interactions are sharded per environment so test traffic
// never mixes with production records.
func (c *Config) ResolveTrackerPath() string {
	env := c.Environment
	if env == "" {
		env = "test"
	}
	return filepath.Join(c.resolveDataDir(), "interactions_"+env+".db")
}

func (c *Config) resolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".harvest")
}
