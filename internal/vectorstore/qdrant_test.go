package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return fn(r) }

func newTestQdrant(t *testing.T, fn roundTripFunc) *Qdrant {
	t.Helper()
	q, err := NewQdrant(nil, QdrantConfig{URL: "http://qdrant.local:6333", APIKey: "secret", CollectionPrefix: "mimic"})
	require.NoError(t, err)
	q.http = &http.Client{Transport: fn}
	return q
}

func jsonResponse(t *testing.T, status int, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

func okResponse(t *testing.T, result any) *http.Response {
	return jsonResponse(t, http.StatusOK, map[string]any{"result": result, "status": "ok", "time": 0.001})
}

func TestNewQdrantRejectsBadURL(t *testing.T) {
	_, err := NewQdrant(nil, QdrantConfig{URL: "not a url"})
	require.Error(t, err)
	assert.True(t, HasCode(err, OperationErrorValidation))
}

func TestQdrantUpsertRequestShape(t *testing.T) {
	var captured map[string]any
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/collections/mimic_messages/points", r.URL.Path)
		assert.Equal(t, "wait=true", r.URL.RawQuery)
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		return okResponse(t, map[string]any{"status": "acknowledged"}), nil
	})

	payload := map[string]any{"session_id": "s1"}
	err := q.Upsert(context.Background(), "messages", []Point{{ID: "p1", Vector: []float32{1, 2}, Payload: payload}})
	require.NoError(t, err)

	points, ok := captured["points"].([]any)
	require.True(t, ok)
	require.Len(t, points, 1)
	first := points[0].(map[string]any)
	assert.Equal(t, "p1", first["id"])
	assert.Equal(t, []any{float64(1), float64(2)}, first["vector"])
	assert.Equal(t, map[string]any{"session_id": "s1"}, first["payload"])
}

func TestQdrantSearchSendsFilterAndThreshold(t *testing.T) {
	var captured map[string]any
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/collections/mimic_messages/points/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		return okResponse(t, []map[string]any{
			{"id": "b", "score": 0.6, "payload": map[string]any{"text": "second"}},
			{"id": "a", "score": 0.9, "payload": map[string]any{"text": "first"}},
		}), nil
	})

	hits, err := q.Search(context.Background(), "messages", []float32{1, 0}, Filter{}.And(Eq("chat_id", "c1")), 5, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "first", hits[0].Payload["text"])

	assert.Equal(t, float64(5), captured["limit"])
	assert.Equal(t, 0.5, captured["score_threshold"])
	filter := captured["filter"].(map[string]any)
	must := filter["must"].([]any)
	assert.Equal(t, map[string]any{"key": "chat_id", "match": map[string]any{"value": "c1"}}, must[0])
}

func TestQdrantScrollFollowsPagination(t *testing.T) {
	calls := 0
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		calls++
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if calls == 1 {
			assert.Nil(t, req["offset"])
			return okResponse(t, map[string]any{
				"points":           []map[string]any{{"id": "a", "payload": map[string]any{}}},
				"next_page_offset": "b",
			}), nil
		}
		assert.Equal(t, "b", req["offset"])
		return okResponse(t, map[string]any{
			"points":           []map[string]any{{"id": "b", "payload": map[string]any{}}},
			"next_page_offset": nil,
		}), nil
	})

	points, err := q.Scroll(context.Background(), "messages", Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "b", points[1].ID)
}

func TestQdrantEnsureCollectionCreatesOnNotFound(t *testing.T) {
	var paths []string
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodGet {
			return jsonResponse(t, http.StatusNotFound, map[string]any{"status": map[string]any{"error": "Not found"}}), nil
		}
		return okResponse(t, true), nil
	})

	require.NoError(t, q.EnsureCollection(context.Background(), "messages", 384))
	require.GreaterOrEqual(t, len(paths), 2)
	assert.Equal(t, "GET /collections/mimic_messages", paths[0])
	assert.Equal(t, "PUT /collections/mimic_messages", paths[1])
	assert.Contains(t, paths, "PUT /collections/mimic_messages/index")
}

func TestQdrantEnsureCollectionDimensionMismatch(t *testing.T) {
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		return okResponse(t, map[string]any{
			"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 128}}},
		}), nil
	})
	err := q.EnsureCollection(context.Background(), "messages", 384)
	require.Error(t, err)
	assert.True(t, HasCode(err, OperationErrorValidation))
}

func TestQdrantDeleteRequiresFilter(t *testing.T) {
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request %s", r.URL.Path)
		return nil, nil
	})
	err := q.Delete(context.Background(), "messages", Filter{})
	require.Error(t, err)
}

func TestQdrantCount(t *testing.T) {
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["exact"])
		return okResponse(t, map[string]any{"count": 7}), nil
	})
	n, err := q.Count(context.Background(), "messages", Filter{}.And(Eq("session_id", "s1")))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestQdrantErrorStatusIsQueryFailed(t *testing.T) {
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusInternalServerError, map[string]any{"status": map[string]any{"error": "boom"}}), nil
	})
	_, err := q.Count(context.Background(), "messages", Filter{})
	require.Error(t, err)
	assert.True(t, HasCode(err, OperationErrorQueryFailed))
}

func TestQdrantTimeoutIsClassified(t *testing.T) {
	q := newTestQdrant(t, func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Search(ctx, "messages", []float32{1}, Filter{}, 1, 0)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
