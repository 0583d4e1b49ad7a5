package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Provider selectors.
const (
	EmbeddingAPI   = "api"
	EmbeddingLocal = "local"
	ChatAPIA       = "api-a"
	ChatAPIB       = "api-b"
)

// APIEmbedderConfig configures the remote embedding backend.
type APIEmbedderConfig struct {
	// Backend is "openai" (OpenAI-compatible, also Ollama) or "gemini".
	Backend           string  `yaml:"backend" toml:"backend"`
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env" toml:"api_key_env"`
	TimeoutSecs       int     `yaml:"timeout_secs" toml:"timeout_secs"`
	BatchSize         int     `yaml:"batch_size" toml:"batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries" toml:"max_retries"`
	Dimensions        int     `yaml:"dimensions,omitempty" toml:"dimensions,omitempty"`
}

// LocalEmbedderConfig configures the in-process embedding backend.
type LocalEmbedderConfig struct {
	// Backend is "hugot" (ONNX sentence transformer) or "tfidf".
	Backend   string `yaml:"backend" toml:"backend"`
	ModelDir  string `yaml:"model_dir" toml:"model_dir"`
	BatchSize int    `yaml:"batch_size" toml:"batch_size"`
}

// EmbeddingConfig groups the backend-specific embedding settings.
type EmbeddingConfig struct {
	API   APIEmbedderConfig   `yaml:"api" toml:"api"`
	Local LocalEmbedderConfig `yaml:"local" toml:"local"`
}

// ChatBackendConfig configures one chat provider.
type ChatBackendConfig struct {
	BaseURL     string  `yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env" toml:"api_key_env"`
	TimeoutSecs int     `yaml:"timeout_secs" toml:"timeout_secs"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	MaxRetries  int     `yaml:"max_retries" toml:"max_retries"`
}

// ChatConfig holds settings for both chat providers; chat_provider picks one.
type ChatConfig struct {
	APIA ChatBackendConfig `yaml:"api_a" toml:"api_a"`
	APIB ChatBackendConfig `yaml:"api_b" toml:"api_b"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url" toml:"url"`
	APIKeyEnv   string `yaml:"api_key_env" toml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs" toml:"timeout_secs"`
}

// ChromaConfig contains connection details for a Chroma server.
type ChromaConfig struct {
	URL string `yaml:"url" toml:"url"`
}

// PgvectorConfig contains connection details for Postgres with the vector extension.
type PgvectorConfig struct {
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
	Table  string `yaml:"table" toml:"table"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type     string          `yaml:"type" toml:"type"`
	Qdrant   *QdrantConfig   `yaml:"qdrant,omitempty" toml:"qdrant,omitempty"`
	Chroma   *ChromaConfig   `yaml:"chroma,omitempty" toml:"chroma,omitempty"`
	Pgvector *PgvectorConfig `yaml:"pgvector,omitempty" toml:"pgvector,omitempty"`
}

// SpreadsheetConfig controls how CSV/TSV/XLSX rows become documents.
type SpreadsheetConfig struct {
	TextColumns      []string `yaml:"text_columns" toml:"text_columns"`
	Delimiter        string   `yaml:"delimiter" toml:"delimiter"`
	CompanyColumn    string   `yaml:"company_column,omitempty" toml:"company_column,omitempty"`
	LeadStatusColumn string   `yaml:"lead_status_column,omitempty" toml:"lead_status_column,omitempty"`
	// MergedColumns is an inclusive column span ("H:L") whose blank cells inherit the value on their left.
	MergedColumns string `yaml:"merged_columns" toml:"merged_columns"`
}

// ServerConfig configures the HTTP server and the data directory.
type ServerConfig struct {
	Addr              string `yaml:"addr" toml:"addr"`
	DataDir           string `yaml:"data_dir" toml:"data_dir"`
	Watch             bool   `yaml:"watch" toml:"watch"`
	IngestTimeoutSecs int    `yaml:"ingest_timeout_secs" toml:"ingest_timeout_secs"`
	QueryTimeoutSecs  int    `yaml:"query_timeout_secs" toml:"query_timeout_secs"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	EmbeddingProvider string          `yaml:"embedding_provider" toml:"embedding_provider"`
	EmbeddingModel    string          `yaml:"embedding_model" toml:"embedding_model"`
	Embedding         EmbeddingConfig `yaml:"embedding" toml:"embedding"`

	ChatProvider string     `yaml:"chat_provider" toml:"chat_provider"`
	ChatModel    string     `yaml:"chat_model" toml:"chat_model"`
	Chat         ChatConfig `yaml:"chat" toml:"chat"`

	Chunker      string `yaml:"chunker" toml:"chunker"`
	ChunkSize    int    `yaml:"chunk_size" toml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap" toml:"chunk_overlap"`

	TopK            int     `yaml:"top_k" toml:"top_k"`
	FinalK          int     `yaml:"final_k" toml:"final_k"`
	ScoreThreshold  float64 `yaml:"score_threshold" toml:"score_threshold"`
	MMRLambda       float64 `yaml:"mmr_lambda" toml:"mmr_lambda"`
	MaxContextChars int     `yaml:"max_context_chars" toml:"max_context_chars"`
	// LexicalFallback answers from token overlap when no vector candidate clears the threshold.
	LexicalFallback bool `yaml:"lexical_fallback" toml:"lexical_fallback"`

	Collection  string            `yaml:"collection" toml:"collection"`
	VectorStore VectorStoreConfig `yaml:"vector_store" toml:"vector_store"`
	Spreadsheet SpreadsheetConfig `yaml:"spreadsheet" toml:"spreadsheet"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	LogLevel    string            `yaml:"log_level" toml:"log_level"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			applyConfigDefaults(cfg)
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}
	cfg := defaultConfig()
	if isTOML(path) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyConfigDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/leadrag/config.yaml.
// If neither exists, it writes defaults to ~/.config/leadrag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	for _, cwdPath := range []string{"config.yaml", "config.toml"} {
		if _, err := os.Stat(cwdPath); err == nil {
			cfg, err := Load(cwdPath)
			return cfg, cwdPath, err
		}
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	applyConfigDefaults(cfg)
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	applyEnvOverrides(cfg)
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects settings the pipeline cannot honour.
func (c *AppConfig) Validate() error {
	switch c.EmbeddingProvider {
	case EmbeddingAPI, EmbeddingLocal:
	default:
		return fmt.Errorf("embedding_provider must be %q or %q, got %q", EmbeddingAPI, EmbeddingLocal, c.EmbeddingProvider)
	}
	switch c.ChatProvider {
	case ChatAPIA, ChatAPIB:
	default:
		return fmt.Errorf("chat_provider must be %q or %q, got %q", ChatAPIA, ChatAPIB, c.ChatProvider)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap)
	}
	if c.TopK <= 0 || c.FinalK <= 0 {
		return fmt.Errorf("top_k and final_k must be positive")
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("mmr_lambda must be in [0, 1], got %g", c.MMRLambda)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "leadrag", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		EmbeddingProvider: EmbeddingLocal,
		ChatProvider:      ChatAPIB,
		Chunker:           "fixed",
		ChunkSize:         800,
		ChunkOverlap:      100,
		TopK:              4,
		FinalK:            3,
		ScoreThreshold:    0.3,
		MMRLambda:         0.5,
		MaxContextChars:   4000,
		LexicalFallback:   true,
		Collection:        "leads",
		VectorStore:       VectorStoreConfig{Type: "memory"},
		Spreadsheet:       SpreadsheetConfig{Delimiter: ",", MergedColumns: "H:L"},
		Server: ServerConfig{
			Addr:              ":8000",
			DataDir:           "./data/docs",
			IngestTimeoutSecs: 600,
			QueryTimeoutSecs:  120,
		},
		LogLevel: "info",
	}
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Chunker == "" {
		cfg.Chunker = "fixed"
	}
	if cfg.Collection == "" {
		cfg.Collection = "leads"
	}
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = 4000
	}
	if cfg.FinalK > cfg.TopK {
		cfg.TopK = cfg.FinalK
	}

	api := &cfg.Embedding.API
	if api.Backend == "" {
		api.Backend = "openai"
	}
	if api.Backend == "openai" {
		if api.BaseURL == "" {
			api.BaseURL = "https://api.openai.com/v1"
		}
		if api.APIKeyEnv == "" {
			api.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if api.Backend == "gemini" && api.APIKeyEnv == "" {
		api.APIKeyEnv = "GEMINI_API_KEY"
	}
	if api.TimeoutSecs == 0 {
		api.TimeoutSecs = 30
	}
	if api.BatchSize == 0 {
		api.BatchSize = 32
	}
	if api.RequestsPerSecond == 0 {
		api.RequestsPerSecond = 5
	}
	if api.MaxRetries == 0 {
		api.MaxRetries = 5
	}

	local := &cfg.Embedding.Local
	if local.Backend == "" {
		local.Backend = "tfidf"
	}
	if local.ModelDir == "" {
		local.ModelDir = "./models"
	}
	if local.BatchSize == 0 {
		local.BatchSize = 16
	}

	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel(cfg)
	}

	a := &cfg.Chat.APIA
	if a.BaseURL == "" {
		a.BaseURL = "https://api.anthropic.com"
	}
	if a.APIKeyEnv == "" {
		a.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	b := &cfg.Chat.APIB
	if b.APIKeyEnv == "" {
		b.APIKeyEnv = "GEMINI_API_KEY"
	}
	for _, c := range []*ChatBackendConfig{a, b} {
		if c.TimeoutSecs == 0 {
			c.TimeoutSecs = 120
		}
		if c.MaxTokens == 0 {
			c.MaxTokens = 1024
		}
		if c.Temperature == 0 {
			c.Temperature = 0.05
		}
		if c.MaxRetries == 0 {
			c.MaxRetries = 3
		}
	}
	if cfg.ChatModel == "" {
		if cfg.ChatProvider == ChatAPIA {
			cfg.ChatModel = "claude-3-5-haiku-latest"
		} else {
			cfg.ChatModel = "gemini-2.5-flash"
		}
	}

	if cfg.Spreadsheet.Delimiter == "" {
		cfg.Spreadsheet.Delimiter = ","
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "./data/docs"
	}
	if cfg.Server.IngestTimeoutSecs == 0 {
		cfg.Server.IngestTimeoutSecs = 600
	}
	if cfg.Server.QueryTimeoutSecs == 0 {
		cfg.Server.QueryTimeoutSecs = 120
	}
	if q := cfg.VectorStore.Qdrant; q != nil && q.TimeoutSecs == 0 {
		q.TimeoutSecs = 15
	}
	if p := cfg.VectorStore.Pgvector; p != nil {
		if p.DSNEnv == "" {
			p.DSNEnv = "DATABASE_URL"
		}
		if p.Table == "" {
			p.Table = "rag_entries"
		}
	}
}

func defaultEmbeddingModel(cfg *AppConfig) string {
	if cfg.EmbeddingProvider == EmbeddingAPI {
		if cfg.Embedding.API.Backend == "gemini" {
			return "text-embedding-004"
		}
		return "text-embedding-3-small"
	}
	if cfg.Embedding.Local.Backend == "hugot" {
		return "sentence-transformers/all-MiniLM-L6-v2"
	}
	return "tfidf"
}

// applyEnvOverrides lets the flat RAG_* variables from a .env file win over the file.
func applyEnvOverrides(cfg *AppConfig) {
	if v, ok := envInt("RAG_TOP_K"); ok {
		cfg.TopK = v
	}
	if v, ok := envInt("RAG_CHUNK_SIZE"); ok {
		cfg.ChunkSize = v
	}
	if v, ok := envInt("RAG_CHUNK_OVERLAP"); ok {
		cfg.ChunkOverlap = v
	}
	if v := os.Getenv("RAG_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("RAG_CHAT_MODEL"); v != "" {
		cfg.ChatModel = v
	}
	if v := os.Getenv("SPREADSHEET_TEXT_COLUMNS"); v != "" {
		var cols []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cols = append(cols, c)
			}
		}
		cfg.Spreadsheet.TextColumns = cols
	}
	if v := os.Getenv("SPREADSHEET_DELIMITER"); v != "" {
		cfg.Spreadsheet.Delimiter = v
	}
	if cfg.FinalK > cfg.TopK {
		cfg.TopK = cfg.FinalK
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
