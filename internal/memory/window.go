package memory

import (
	"context"
	"time"

	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

// Scrolls return at most maxScopeScan points in backend order, which is not
// time order. Scopes larger than that are narrowed to a timestamp window
// first, found by bisecting on Count.

const cutHorizon = 100 * 365 * 24 * time.Hour

func (s *Store) count(ctx context.Context, collection string, filter vectorstore.Filter) (int, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.vectors.Count(cctx, collection, filter)
}

// newestWindow narrows filter to the newest messages that fit in one scroll.
func (s *Store) newestWindow(ctx context.Context, filter vectorstore.Filter) (vectorstore.Filter, error) {
	total, err := s.count(ctx, s.messages, filter)
	if err != nil || total <= maxScopeScan {
		return filter, err
	}
	cut, err := s.searchCut(func(ms int64) (bool, error) {
		n, err := s.count(ctx, s.messages, filter.And(vectorstore.AtLeast(keyTimestamp, millisToSeconds(ms))))
		return n <= maxScopeScan, err
	})
	if err != nil {
		return filter, err
	}
	s.log.Debug("scope exceeds scan cap, using newest window", "messages", total)
	return filter.And(vectorstore.AtLeast(keyTimestamp, millisToSeconds(cut))), nil
}

// oldestWindow narrows filter to the oldest messages that fit in one scroll.
func (s *Store) oldestWindow(ctx context.Context, filter vectorstore.Filter) (vectorstore.Filter, error) {
	total, err := s.count(ctx, s.messages, filter)
	if err != nil || total <= maxScopeScan {
		return filter, err
	}
	cut, err := s.searchCut(func(ms int64) (bool, error) {
		n, err := s.count(ctx, s.messages, filter.And(vectorstore.LessThan(keyTimestamp, millisToSeconds(ms))))
		return n > maxScopeScan, err
	})
	if err != nil {
		return filter, err
	}
	return filter.And(vectorstore.LessThan(keyTimestamp, millisToSeconds(cut-1))), nil
}

// searchCut returns the smallest millisecond timestamp at which past turns
// true. past must be monotone.
func (s *Store) searchCut(past func(ms int64) (bool, error)) (int64, error) {
	lo, hi := int64(0), s.clock.Now().Add(cutHorizon).UnixMilli()
	for lo < hi {
		mid := lo + (hi-lo)/2
		ok, err := past(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func millisToSeconds(ms int64) float64 {
	return float64(ms) / 1e3
}
