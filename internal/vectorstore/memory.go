package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store with the same semantics as SQLite.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dim    int
	points map[string]Point
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memoryCollection)}
}

func (m *Memory) EnsureCollection(_ context.Context, collection string, dim int) error {
	if dim <= 0 {
		return opErr("ensure_collection", OperationErrorValidation, "vector dimension must be positive", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[collection]; ok {
		if c.dim != dim {
			return opErr("ensure_collection", OperationErrorValidation,
				fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d", collection, dim, c.dim), nil)
		}
		return nil
	}
	m.collections[collection] = &memoryCollection{dim: dim, points: make(map[string]Point)}
	return nil
}

func (m *Memory) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return opErr("upsert", OperationErrorValidation, fmt.Sprintf("collection %q does not exist", collection), nil)
	}
	for _, p := range points {
		if p.ID == "" || len(p.Vector) != c.dim {
			return opErr("upsert", OperationErrorValidation, fmt.Sprintf("invalid point %q", p.ID), nil)
		}
		vector := append([]float32(nil), p.Vector...)
		c.points[p.ID] = Point{ID: p.ID, Vector: vector, Payload: clonePayload(p.Payload)}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, collection string, vector []float32, filter Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	if len(vector) == 0 {
		return nil, opErr("search", OperationErrorValidation, "query vector required", nil)
	}
	if limit <= 0 {
		limit = 10
	}
	matched, err := m.matching("search", collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredPoint, 0, len(matched))
	for _, p := range matched {
		score, err := CosineSimilarity(vector, p.Vector)
		if err != nil || score < scoreThreshold {
			continue
		}
		out = append(out, ScoredPoint{Point: Point{ID: p.ID, Payload: p.Payload}, Score: score})
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Scroll(_ context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	matched, err := m.matching("scroll", collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(matched))
	for _, p := range matched {
		out = append(out, Point{ID: p.ID, Payload: p.Payload})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, collection string, filter Filter) error {
	if len(filter.Must) == 0 {
		return opErr("delete", OperationErrorValidation, "refusing to delete without a filter", nil)
	}
	matched, err := m.matching("delete", collection, filter)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(matched))
	for _, p := range matched {
		ids = append(ids, p.ID)
	}
	return m.DeleteIDs(ctx, collection, ids)
}

func (m *Memory) DeleteIDs(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[collection]; ok {
		for _, id := range ids {
			delete(c.points, id)
		}
	}
	return nil
}

func (m *Memory) Count(_ context.Context, collection string, filter Filter) (int, error) {
	matched, err := m.matching("count", collection, filter)
	return len(matched), err
}

func (m *Memory) Close() error { return nil }

func (m *Memory) matching(op, collection string, filter Filter) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}
	out := make([]Point, 0, len(c.points))
	for _, p := range c.points {
		ok, err := filter.Match(p.Payload)
		if err != nil {
			return nil, opErr(op, OperationErrorUnsupportedFilter, err.Error(), err)
		}
		if ok {
			out = append(out, Point{ID: p.ID, Vector: p.Vector, Payload: clonePayload(p.Payload)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
