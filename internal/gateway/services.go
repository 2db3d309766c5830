package gateway

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/stellarlinkco/mimic/internal/agents"
	"github.com/stellarlinkco/mimic/internal/config"
	"github.com/stellarlinkco/mimic/internal/llm"
	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/memory"
	"github.com/stellarlinkco/mimic/internal/suggest"
	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

// ServiceOptions overrides the providers built from config. Nil fields are
// created from cfg.
type ServiceOptions struct {
	Logger    *logger.Logger
	Vectors   vectorstore.Store
	Embedder  memory.Embedder
	Completer llm.Completer
	Clock     memory.Clock
}

// Services holds the memory and suggestion stack shared by the gateway and
// the CLI commands.
type Services struct {
	Config     *config.Config
	Logger     *logger.Logger
	Vectors    vectorstore.Store
	Embedder   memory.Embedder
	Completer  llm.Completer
	Store      *memory.Store
	Summarizer *memory.Summarizer
	Assembler  *memory.Assembler
	Chief      *agents.Chief
	Suggest    *suggest.Service

	ownsVectors bool
}

// NewServices wires the store, summarizer, assembler, pipeline and
// suggestion service. Close releases the vector store when NewServices
// opened it.
func NewServices(cfg *config.Config, opts ServiceOptions) (*Services, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	svc := &Services{Config: cfg, Logger: log}

	svc.Vectors = opts.Vectors
	if svc.Vectors == nil {
		vectors, err := OpenVectorStore(cfg.VectorStore, log)
		if err != nil {
			return nil, err
		}
		svc.Vectors = vectors
		svc.ownsVectors = true
	}

	svc.Embedder = opts.Embedder
	if svc.Embedder == nil {
		embedder, err := memory.NewEmbedder(cfg)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		svc.Embedder = embedder
	}

	svc.Completer = opts.Completer
	if svc.Completer == nil {
		completer, err := llm.NewFromConfig(cfg.Provider)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("create completer: %w", err)
		}
		svc.Completer = completer
	}

	svc.Store = memory.NewStore(memory.StoreOptions{
		Vectors:       svc.Vectors,
		Embedder:      svc.Embedder,
		Logger:        log,
		Clock:         opts.Clock,
		RetentionDays: cfg.Memory.RetentionDays,
		MinTextLength: cfg.Memory.MinTextLength,
		MaxChars:      cfg.Embedding.MaxChars,
		StoreRawText:  cfg.Memory.StoreRawText,
		CallTimeout:   time.Duration(cfg.VectorStore.TimeoutMs) * time.Millisecond,
	})
	svc.Summarizer = memory.NewSummarizer(memory.SummarizerOptions{
		Store:           svc.Store,
		Completer:       svc.Completer,
		Logger:          log,
		DigestMaxTokens: cfg.Memory.DailyDigestTokens,
		RollingEvery:    cfg.Memory.SummaryEvery,
		RollingWindow:   cfg.Memory.SummaryWindow,
	})
	svc.Assembler = memory.NewAssembler(svc.Store, svc.Summarizer, log, memory.AssemblerOptions{
		RecentLimit:      cfg.Assembler.RecentLimit,
		SimilarLimit:     cfg.Assembler.SimilarLimit,
		SimilarThreshold: cfg.Assembler.SimilarThreshold,
		SummaryLimit:     cfg.Assembler.SummaryLimit,
		FallbackDays:     cfg.Assembler.FallbackDays,
	})

	stages, err := agents.StagesFor(cfg.Pipeline.Stages, agents.Deps{
		Completer:         svc.Completer,
		Context:           svc.Assembler,
		Similar:           svc.Store,
		Logger:            log,
		WriterTemperature: cfg.Pipeline.WriterTemperature,
		CriticTemperature: cfg.Pipeline.CriticTemperature,
		MaxTokens:         cfg.Provider.MaxTokens,
	}, cfg.Pipeline.Relevance)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Chief = agents.NewChief(stages, time.Duration(cfg.Pipeline.StageTimeoutMs)*time.Millisecond, log)

	ttl, err := parseTTL(cfg.Suggest.CacheTTL)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Suggest = suggest.NewService(suggest.Options{
		Pipeline:      svc.Chief,
		History:       svc.Store,
		Logger:        log,
		CacheSize:     cfg.Suggest.CacheSize,
		CacheTTL:      ttl,
		RecentHistory: cfg.Pipeline.RecentHistory,
	})
	return svc, nil
}

// OpenVectorStore builds the configured backend. The SQLite file defaults to
// ~/.mimic/data/vectors.db.
func OpenVectorStore(cfg config.VectorStoreConfig, log *logger.Logger) (vectorstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.VectorBackendQdrant:
		q, err := vectorstore.NewQdrant(log, vectorstore.QdrantConfig{
			URL:              cfg.URL,
			APIKey:           cfg.APIKey,
			CollectionPrefix: cfg.CollectionPrefix,
			Timeout:          time.Duration(cfg.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("create qdrant store: %w", err)
		}
		return q, nil
	case "", config.VectorBackendSQLite:
		dbPath := strings.TrimSpace(cfg.DBPath)
		if dbPath == "" {
			dbPath = filepath.Join(config.ConfigDir(), "data", "vectors.db")
		}
		s, err := vectorstore.NewSQLite(log, dbPath)
		if err != nil {
			return nil, fmt.Errorf("create sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}

// Scope resolves the memory scope for a chat. The session is the configured
// suggest.sessionId, falling back to the given default.
func (s *Services) Scope(defaultSession, chatID string) (memory.Scope, error) {
	session := strings.TrimSpace(s.Config.Suggest.SessionID)
	if session == "" {
		session = defaultSession
	}
	return memory.NewScope(session, chatID)
}

// Close waits for background summaries and closes the vector store if it
// was opened here.
func (s *Services) Close() {
	if s.Summarizer != nil {
		s.Summarizer.Wait()
	}
	if s.ownsVectors && s.Vectors != nil {
		if err := s.Vectors.Close(); err != nil {
			s.Logger.Warn("close vector store failed", "error", err)
		}
	}
}

func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse suggest.cacheTtl %q: %w", raw, err)
	}
	return d, nil
}
