package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(nil, filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureCollection(context.Background(), "messages", 2))
	return s
}

func TestSQLiteEnsureCollectionDimensionMismatch(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "messages", 2))
	err := s.EnsureCollection(ctx, "messages", 3)
	require.Error(t, err)
	assert.True(t, HasCode(err, OperationErrorValidation))
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := Point{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"session_id": "s1", "text": "v1"}}
	require.NoError(t, s.Upsert(ctx, "messages", []Point{p}))
	p.Payload = map[string]any{"session_id": "s1", "text": "v2"}
	require.NoError(t, s.Upsert(ctx, "messages", []Point{p}))

	n, err := s.Count(ctx, "messages", Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	points, err := s.Scroll(ctx, "messages", Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "v2", points[0].Payload["text"])
}

func TestSQLiteUpsertRejectsWrongDimension(t *testing.T) {
	s := newTestSQLite(t)
	err := s.Upsert(context.Background(), "messages", []Point{{ID: "a", Vector: []float32{1, 0, 0}}})
	require.Error(t, err)
	assert.True(t, HasCode(err, OperationErrorValidation))
}

func TestSQLiteSearchFiltersAndRanks(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "messages", []Point{
		{ID: "exact", Vector: []float32{1, 0}, Payload: map[string]any{"session_id": "s1", "timestamp": 10}},
		{ID: "near", Vector: []float32{1, 1}, Payload: map[string]any{"session_id": "s1", "timestamp": 20}},
		{ID: "orthogonal", Vector: []float32{0, 1}, Payload: map[string]any{"session_id": "s1", "timestamp": 30}},
		{ID: "other-session", Vector: []float32{1, 0}, Payload: map[string]any{"session_id": "s2", "timestamp": 40}},
	}))

	hits, err := s.Search(ctx, "messages", []float32{1, 0}, Filter{}.And(Eq("session_id", "s1")), 10, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "near", hits[1].ID)

	hits, err = s.Search(ctx, "messages", []float32{1, 0}, Filter{}.And(Eq("session_id", "s1")), 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "exact", hits[0].ID)

	hits, err = s.Search(ctx, "messages", []float32{1, 0}, Filter{}.And(AtLeast("timestamp", 15)), 10, -1)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "other-session", hits[0].ID)
}

func TestSQLiteDeleteByFilter(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "messages", []Point{
		{ID: "old", Vector: []float32{1, 0}, Payload: map[string]any{"timestamp": 10}},
		{ID: "new", Vector: []float32{1, 0}, Payload: map[string]any{"timestamp": 100}},
	}))

	require.Error(t, s.Delete(ctx, "messages", Filter{}))
	require.NoError(t, s.Delete(ctx, "messages", Filter{}.And(LessThan("timestamp", 50))))

	points, err := s.Scroll(ctx, "messages", Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "new", points[0].ID)

	require.NoError(t, s.DeleteIDs(ctx, "messages", []string{"new"}))
	n, err := s.Count(ctx, "messages", Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteCollectionsAreIsolated(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "summaries", 2))
	require.NoError(t, s.Upsert(ctx, "summaries", []Point{{ID: "a", Vector: []float32{1, 0}}}))

	n, err := s.Count(ctx, "messages", Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Count(ctx, "summaries", Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
