// Package vectorstore defines the point/collection contract the message store
// depends on, together with a Qdrant REST adapter and an embedded SQLite
// backend that performs exact cosine scans.
package vectorstore

import (
	"context"
	"sort"
)

// Point is one stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit. Score is cosine similarity in [-1, 1].
type ScoredPoint struct {
	Point
	Score float64
}

// Store is the nearest-neighbour index consumed by the message store.
// Every method is a network (or disk) suspension point; callers bound them
// with a context deadline.
type Store interface {
	EnsureCollection(ctx context.Context, collection string, dim int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error)
	Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error)
	Delete(ctx context.Context, collection string, filter Filter) error
	DeleteIDs(ctx context.Context, collection string, ids []string) error
	Count(ctx context.Context, collection string, filter Filter) (int, error)
	Close() error
}

func sortScored(points []ScoredPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Score == points[j].Score {
			return points[i].ID < points[j].ID
		}
		return points[i].Score > points[j].Score
	})
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
