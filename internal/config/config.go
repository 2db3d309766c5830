package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModel            = "gpt-4o-mini"
	DefaultMaxTokens        = 1024
	DefaultTemperature      = 0.7
	DefaultProviderTimeout  = 60000
	DefaultEmbeddingModel   = "text-embedding-3-small"
	DefaultEmbeddingDim     = 384
	DefaultEmbeddingTimeout = 15000
	DefaultEmbeddingMaxChar = 8000
	DefaultEmbeddingBatch   = 64

	VectorBackendQdrant       = "qdrant"
	VectorBackendSQLite       = "sqlite"
	DefaultQdrantURL          = "http://127.0.0.1:6333"
	DefaultVectorStoreTimeout = 10000

	DefaultRetentionDays     = 30
	DefaultMinTextLength     = 3
	DefaultSummaryEvery      = 40
	DefaultSummaryWindow     = 40
	DefaultDailyDigestTokens = 200

	DefaultRecentLimit      = 30
	DefaultSimilarLimit     = 5
	DefaultSimilarThreshold = 0.5
	DefaultSummaryLimit     = 3
	DefaultFallbackDays     = 7

	DefaultStageTimeout      = 45000
	DefaultWriterTemperature = 0.8
	DefaultCriticTemperature = 0.3
	DefaultRecentHistory     = 20

	DefaultSuggestCacheSize = 50
	DefaultSuggestCacheTTL  = "5m"

	DefaultSweepExpr   = "0 0 * * * *"
	DefaultSummaryExpr = "0 30 3 * * *"

	DefaultBufSize = 100
)

type Config struct {
	Provider    ProviderConfig    `json:"provider" yaml:"provider"`
	Embedding   EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	VectorStore VectorStoreConfig `json:"vectorStore" yaml:"vectorStore"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory"`
	Assembler   AssemblerConfig   `json:"assembler" yaml:"assembler"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Suggest     SuggestConfig     `json:"suggest" yaml:"suggest"`
	Channels    ChannelsConfig    `json:"channels" yaml:"channels"`
	Cron        CronConfig        `json:"cron" yaml:"cron"`
	Log         LogConfig         `json:"log" yaml:"log"`
}

type ProviderConfig struct {
	Type        string  `json:"type,omitempty" yaml:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey      string  `json:"apiKey" yaml:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"maxTokens" yaml:"maxTokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TimeoutMs   int     `json:"timeoutMs" yaml:"timeoutMs"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty" yaml:"provider,omitempty"` // api, openai, ollama or hash
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Dimension int    `json:"dimension" yaml:"dimension"`
	TimeoutMs int    `json:"timeoutMs" yaml:"timeoutMs"`
	MaxChars  int    `json:"maxChars" yaml:"maxChars"`
	BatchSize int    `json:"batchSize" yaml:"batchSize"`
}

type VectorStoreConfig struct {
	Backend          string `json:"backend" yaml:"backend"`
	URL              string `json:"url,omitempty" yaml:"url,omitempty"`
	APIKey           string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	CollectionPrefix string `json:"collectionPrefix,omitempty" yaml:"collectionPrefix,omitempty"`
	DBPath           string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	TimeoutMs        int    `json:"timeoutMs" yaml:"timeoutMs"`
}

type MemoryConfig struct {
	RetentionDays     int  `json:"retentionDays" yaml:"retentionDays"`
	MinTextLength     int  `json:"minTextLength" yaml:"minTextLength"`
	StoreRawText      bool `json:"storeRawText" yaml:"storeRawText"`
	SummaryEvery      int  `json:"summaryEvery" yaml:"summaryEvery"`
	SummaryWindow     int  `json:"summaryWindow" yaml:"summaryWindow"`
	DailyDigestTokens int  `json:"dailyDigestTokens" yaml:"dailyDigestTokens"`
}

type AssemblerConfig struct {
	RecentLimit      int     `json:"recentLimit" yaml:"recentLimit"`
	SimilarLimit     int     `json:"similarLimit" yaml:"similarLimit"`
	SimilarThreshold float64 `json:"similarThreshold" yaml:"similarThreshold"`
	SummaryLimit     int     `json:"summaryLimit" yaml:"summaryLimit"`
	FallbackDays     int     `json:"fallbackDays" yaml:"fallbackDays"`
}

type PipelineConfig struct {
	Stages            []string `json:"stages,omitempty" yaml:"stages,omitempty"`
	Relevance         bool     `json:"relevance" yaml:"relevance"`
	StageTimeoutMs    int      `json:"stageTimeoutMs" yaml:"stageTimeoutMs"`
	WriterTemperature float64  `json:"writerTemperature" yaml:"writerTemperature"`
	CriticTemperature float64  `json:"criticTemperature" yaml:"criticTemperature"`
	RecentHistory     int      `json:"recentHistory" yaml:"recentHistory"`
}

type SuggestConfig struct {
	CacheSize    int    `json:"cacheSize" yaml:"cacheSize"`
	CacheTTL     string `json:"cacheTtl" yaml:"cacheTtl"`
	AutoReply    bool   `json:"autoReply" yaml:"autoReply"`
	NotifyChatID string `json:"notifyChatId,omitempty" yaml:"notifyChatId,omitempty"`
	SessionID    string `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	StorePath string   `json:"storePath,omitempty" yaml:"storePath,omitempty"`
	JID       string   `json:"jid,omitempty" yaml:"jid,omitempty"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
}

type CronConfig struct {
	SweepExpr   string `json:"sweepExpr" yaml:"sweepExpr"`
	SummaryExpr string `json:"summaryExpr" yaml:"summaryExpr"`
}

type LogConfig struct {
	Mode     string `json:"mode" yaml:"mode"`
	Level    string `json:"level" yaml:"level"`
	Redact   bool   `json:"redact" yaml:"redact"`
	HashSalt string `json:"hashSalt,omitempty" yaml:"hashSalt,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			TimeoutMs:   DefaultProviderTimeout,
		},
		Embedding: EmbeddingConfig{
			Model:     DefaultEmbeddingModel,
			Dimension: DefaultEmbeddingDim,
			TimeoutMs: DefaultEmbeddingTimeout,
			MaxChars:  DefaultEmbeddingMaxChar,
			BatchSize: DefaultEmbeddingBatch,
		},
		VectorStore: VectorStoreConfig{
			Backend:   VectorBackendSQLite,
			URL:       DefaultQdrantURL,
			TimeoutMs: DefaultVectorStoreTimeout,
		},
		Memory: MemoryConfig{
			RetentionDays:     DefaultRetentionDays,
			MinTextLength:     DefaultMinTextLength,
			SummaryEvery:      DefaultSummaryEvery,
			SummaryWindow:     DefaultSummaryWindow,
			DailyDigestTokens: DefaultDailyDigestTokens,
		},
		Assembler: AssemblerConfig{
			RecentLimit:      DefaultRecentLimit,
			SimilarLimit:     DefaultSimilarLimit,
			SimilarThreshold: DefaultSimilarThreshold,
			SummaryLimit:     DefaultSummaryLimit,
			FallbackDays:     DefaultFallbackDays,
		},
		Pipeline: PipelineConfig{
			Relevance:         true,
			StageTimeoutMs:    DefaultStageTimeout,
			WriterTemperature: DefaultWriterTemperature,
			CriticTemperature: DefaultCriticTemperature,
			RecentHistory:     DefaultRecentHistory,
		},
		Suggest: SuggestConfig{
			CacheSize: DefaultSuggestCacheSize,
			CacheTTL:  DefaultSuggestCacheTTL,
		},
		Cron: CronConfig{
			SweepExpr:   DefaultSweepExpr,
			SummaryExpr: DefaultSummaryExpr,
		},
		Log: LogConfig{
			Mode:   "development",
			Level:  "info",
			Redact: true,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mimic")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// resolveConfigPath picks MIMIC_CONFIG, then config.json, then config.yaml/.yml.
func resolveConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("MIMIC_CONFIG")); p != "" {
		return p
	}
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		p := filepath.Join(ConfigDir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ConfigPath()
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	path := resolveConfigPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decodeConfig(path, data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func decodeConfig(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("MIMIC_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "anthropic"
		}
	}
	if url := os.Getenv("MIMIC_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("MIMIC_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if provider := os.Getenv("MIMIC_EMBEDDING_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = provider
	}
	if model := os.Getenv("MIMIC_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if url := os.Getenv("MIMIC_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if dim := os.Getenv("MIMIC_EMBEDDING_DIM"); dim != "" {
		if parsed, err := strconv.Atoi(dim); err == nil {
			cfg.Embedding.Dimension = parsed
		}
	}
	if backend := os.Getenv("MIMIC_VECTOR_BACKEND"); backend != "" {
		cfg.VectorStore.Backend = backend
	}
	if url := os.Getenv("QDRANT_URL"); url != "" {
		cfg.VectorStore.URL = url
		if os.Getenv("MIMIC_VECTOR_BACKEND") == "" {
			cfg.VectorStore.Backend = VectorBackendQdrant
		}
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		cfg.VectorStore.APIKey = key
	}
	if days := os.Getenv("DATA_RETENTION_DAYS"); days != "" {
		if parsed, err := strconv.Atoi(days); err == nil {
			cfg.Memory.RetentionDays = parsed
		}
	}
	if raw := os.Getenv("MIMIC_STORE_RAW_TEXT"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.Memory.StoreRawText = parsed
		}
	}
	if raw := os.Getenv("MIMIC_PIPELINE_RELEVANCE"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.Pipeline.Relevance = parsed
		}
	}
	if token := os.Getenv("MIMIC_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if mode := os.Getenv("MIMIC_LOG_MODE"); mode != "" {
		cfg.Log.Mode = mode
	}
	if level := os.Getenv("MIMIC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func normalize(cfg *Config) {
	d := DefaultConfig()
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = d.Provider.MaxTokens
	}
	if cfg.Provider.TimeoutMs <= 0 {
		cfg.Provider.TimeoutMs = d.Provider.TimeoutMs
	}
	if cfg.Embedding.TimeoutMs <= 0 {
		cfg.Embedding.TimeoutMs = d.Embedding.TimeoutMs
	}
	if cfg.Embedding.MaxChars <= 0 {
		cfg.Embedding.MaxChars = d.Embedding.MaxChars
	}
	if cfg.Embedding.Dimension <= 0 {
		cfg.Embedding.Dimension = d.Embedding.Dimension
	}
	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = d.VectorStore.Backend
	}
	if cfg.VectorStore.TimeoutMs <= 0 {
		cfg.VectorStore.TimeoutMs = d.VectorStore.TimeoutMs
	}
	if cfg.Memory.RetentionDays <= 0 {
		cfg.Memory.RetentionDays = d.Memory.RetentionDays
	}
	if cfg.Memory.MinTextLength <= 0 {
		cfg.Memory.MinTextLength = d.Memory.MinTextLength
	}
	if cfg.Memory.SummaryEvery <= 0 {
		cfg.Memory.SummaryEvery = d.Memory.SummaryEvery
	}
	if cfg.Memory.SummaryWindow <= 0 {
		cfg.Memory.SummaryWindow = d.Memory.SummaryWindow
	}
	if cfg.Memory.DailyDigestTokens <= 0 {
		cfg.Memory.DailyDigestTokens = d.Memory.DailyDigestTokens
	}
	if cfg.Assembler.RecentLimit <= 0 {
		cfg.Assembler.RecentLimit = d.Assembler.RecentLimit
	}
	if cfg.Assembler.SimilarLimit <= 0 {
		cfg.Assembler.SimilarLimit = d.Assembler.SimilarLimit
	}
	if cfg.Assembler.SummaryLimit <= 0 {
		cfg.Assembler.SummaryLimit = d.Assembler.SummaryLimit
	}
	if cfg.Assembler.FallbackDays <= 0 {
		cfg.Assembler.FallbackDays = d.Assembler.FallbackDays
	}
	if cfg.Pipeline.StageTimeoutMs <= 0 {
		cfg.Pipeline.StageTimeoutMs = d.Pipeline.StageTimeoutMs
	}
	if cfg.Pipeline.RecentHistory <= 0 {
		cfg.Pipeline.RecentHistory = d.Pipeline.RecentHistory
	}
	if cfg.Suggest.CacheSize <= 0 {
		cfg.Suggest.CacheSize = d.Suggest.CacheSize
	}
	if cfg.Suggest.CacheTTL == "" {
		cfg.Suggest.CacheTTL = d.Suggest.CacheTTL
	}
	if cfg.Cron.SweepExpr == "" {
		cfg.Cron.SweepExpr = d.Cron.SweepExpr
	}
	if cfg.Cron.SummaryExpr == "" {
		cfg.Cron.SummaryExpr = d.Cron.SummaryExpr
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
