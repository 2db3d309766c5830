package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

// StoreSummary persists a summary chunk. The vector is the embedding of the
// summary text, so chunks are retrievable by similarity.
func (s *Store) StoreSummary(ctx context.Context, scope Scope, chunk SummaryChunk) bool {
	scope.mustValid()
	if strings.TrimSpace(chunk.Summary) == "" || !s.available("store_summary") {
		return false
	}
	vector, ok := s.embed(ctx, chunk.Summary)
	if !ok {
		return false
	}
	now := s.clock.Now()
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = now
	}
	if chunk.ID == "" {
		chunk.ID = summaryPointID(scope, chunk.StartDay, chunk.EndDay, chunk.Rolling)
	}
	point := vectorstore.Point{
		ID:     chunk.ID,
		Vector: vector,
		Payload: map[string]any{
			keyKind:             kindSummary,
			keySessionID:        scope.SessionID,
			keyChatID:           scope.ChatID,
			keySummary:          chunk.Summary,
			keyStartDay:         chunk.StartDay,
			keyEndDay:           chunk.EndDay,
			keyDays:             append([]string(nil), chunk.Days...),
			keyMessageCount:     chunk.MessageCount,
			keyCreatedAt:        unixSeconds(chunk.CreatedAt),
			keyRolling:          chunk.Rolling,
			keyRetentionExpires: unixSeconds(now.AddDate(0, 0, s.retentionDays)),
		},
	}
	return s.upsert(ctx, s.summaries, []vectorstore.Point{point})
}

// DayDigests returns the stored single-day digests among days, keyed by day.
// The newest chunk wins when a day was digested more than once.
func (s *Store) DayDigests(ctx context.Context, scope Scope, days []string) map[string]SummaryChunk {
	filter := scope.filter().And(vectorstore.Eq(keyRolling, false))
	out := make(map[string]SummaryChunk)
	if len(days) == 0 || !s.available("day_digests") {
		return out
	}
	chunks, err := s.scrollSummaries(ctx, filter.And(vectorstore.In(keyStartDay, days...)))
	if err != nil {
		s.log.Warn("summary lookup failed", "error", err)
		return out
	}
	wanted := make(map[string]struct{}, len(days))
	for _, d := range days {
		wanted[d] = struct{}{}
	}
	for _, chunk := range chunks {
		if chunk.StartDay != chunk.EndDay {
			continue
		}
		if _, ok := wanted[chunk.StartDay]; !ok {
			continue
		}
		if prev, ok := out[chunk.StartDay]; ok && prev.CreatedAt.After(chunk.CreatedAt) {
			continue
		}
		out[chunk.StartDay] = chunk
	}
	return out
}

// SearchSummaries returns the scope's summary chunks nearest to query.
func (s *Store) SearchSummaries(ctx context.Context, scope Scope, query string, limit int) []SummaryChunk {
	filter := scope.filter()
	if strings.TrimSpace(query) == "" || !s.available("search_summaries") {
		return nil
	}
	if limit <= 0 {
		limit = 3
	}
	vector, ok := s.embed(ctx, query)
	if !ok {
		return nil
	}
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	hits, err := s.vectors.Search(cctx, s.summaries, vector, filter, limit, 0)
	if err != nil {
		s.log.Warn("summary search failed", "error", err)
		return nil
	}
	out := make([]SummaryChunk, 0, len(hits))
	for _, hit := range hits {
		if !scope.owns(hit.Payload) {
			continue
		}
		out = append(out, summaryFromPayload(hit.ID, hit.Payload))
	}
	return out
}

// RecentSummaries returns the newest chunks of the scope.
func (s *Store) RecentSummaries(ctx context.Context, scope Scope, limit int) []SummaryChunk {
	filter := scope.filter()
	if !s.available("recent_summaries") {
		return nil
	}
	chunks, err := s.scrollSummaries(ctx, filter)
	if err != nil {
		s.log.Warn("summary scroll failed", "error", err)
		return nil
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].CreatedAt.After(chunks[j].CreatedAt)
	})
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

func (s *Store) scrollSummaries(ctx context.Context, filter vectorstore.Filter) ([]SummaryChunk, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	points, err := s.vectors.Scroll(cctx, s.summaries, filter, maxScopeScan)
	if err != nil {
		return nil, err
	}
	out := make([]SummaryChunk, 0, len(points))
	for _, p := range points {
		out = append(out, summaryFromPayload(p.ID, p.Payload))
	}
	return out, nil
}
