// Package suggest runs the reply pipeline for a conversation and remembers
// recent answers so that repeated requests for the same message do not pay
// for another pipeline run.
package suggest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/stellarlinkco/mimic/internal/agents"
	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/memory"
)

const (
	defaultCacheSize     = 50
	defaultCacheTTL      = 5 * time.Minute
	defaultRecentHistory = 20
	keyHistoryTexts      = 2
)

// Pipeline is the part of agents.Chief the service needs.
type Pipeline interface {
	Suggest(ctx context.Context, scope memory.Scope, query string, history []memory.StoredMessage) (agents.State, error)
}

// History returns the latest messages of a conversation, newest first.
type History interface {
	GetRecent(ctx context.Context, scope memory.Scope, limit int) []memory.StoredMessage
}

type Options struct {
	Pipeline      Pipeline
	History       History
	Logger        *logger.Logger
	CacheSize     int
	CacheTTL      time.Duration
	RecentHistory int
}

// Result is one suggestion. Cached is true when it came from the recent
// suggestion cache instead of a fresh pipeline run.
type Result struct {
	Reply   string
	Persona agents.Persona
	Similar []memory.SimilarMessage
	Stages  []string
	Cached  bool
}

type Service struct {
	pipeline Pipeline
	history  History
	log      *logger.Logger
	cache    *expirable.LRU[string, Result]
	recent   int

	textlessOnce sync.Once
}

func NewService(opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.RecentHistory <= 0 {
		opts.RecentHistory = defaultRecentHistory
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Service{
		pipeline: opts.Pipeline,
		history:  opts.History,
		log:      opts.Logger.Named("suggest"),
		cache:    expirable.NewLRU[string, Result](opts.CacheSize, nil, opts.CacheTTL),
		recent:   opts.RecentHistory,
	}
}

// Suggest drafts a reply to query. recent is the conversation as the chat
// transport saw it, oldest first; when it carries no text the stored history
// is used instead. Pipeline errors are returned unchanged.
func (s *Service) Suggest(ctx context.Context, scope memory.Scope, query string, recent []memory.StoredMessage) (Result, error) {
	history := s.loadHistory(ctx, scope, recent)
	key := cacheKey(scope, history, query)

	if res, ok := s.cache.Get(key); ok {
		s.log.Debug("suggestion served from cache", "session_id", scope.SessionID, "chat_id", scope.ChatID)
		res.Cached = true
		return res, nil
	}

	st, err := s.pipeline.Suggest(ctx, scope, query, history)
	if err != nil {
		return Result{}, err
	}
	res := Result{Reply: st.Final, Persona: st.Persona, Similar: st.Similar, Stages: st.Stages}
	s.cache.Add(key, res)
	return res, nil
}

// Forget drops the cached suggestions of one scope.
func (s *Service) Forget(scope memory.Scope) {
	prefix := scope.String() + ":"
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
}

func (s *Service) loadHistory(ctx context.Context, scope memory.Scope, recent []memory.StoredMessage) []memory.StoredMessage {
	if hasText(recent) {
		if len(recent) > s.recent {
			recent = recent[len(recent)-s.recent:]
		}
		return recent
	}
	if s.history == nil {
		return nil
	}
	stored := s.history.GetRecent(ctx, scope, s.recent)
	history := make([]memory.StoredMessage, len(stored))
	for i, m := range stored {
		history[len(stored)-1-i] = m
	}
	if len(history) > 0 && !hasText(history) {
		s.textlessOnce.Do(func() {
			s.log.Warn("stored messages carry no text, the pipeline sees no history; enable memory.storeRawText or suggest from a chat transport")
		})
	}
	return history
}

func hasText(msgs []memory.StoredMessage) bool {
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) != "" {
			return true
		}
	}
	return false
}

// cacheKey ties a suggestion to the scope, the last history texts and the
// query, so a new message in the chat invalidates it.
func cacheKey(scope memory.Scope, history []memory.StoredMessage, query string) string {
	tail := history
	if len(tail) > keyHistoryTexts {
		tail = tail[len(tail)-keyHistoryTexts:]
	}
	parts := make([]string, 0, len(tail)+1)
	for _, m := range tail {
		parts = append(parts, m.MessageID+":"+m.Text)
	}
	parts = append(parts, strings.TrimSpace(query))
	sum := md5.Sum([]byte(strings.Join(parts, "\x1f")))
	return scope.String() + ":" + hex.EncodeToString(sum[:])
}
