package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	payload := map[string]any{
		"session_id": "s1",
		"chat_id":    "c1",
		"timestamp":  float64(1700000000),
		"is_summary": true,
		"day":        "2024-03-01",
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"string eq", Filter{}.And(Eq("session_id", "s1")), true},
		{"string mismatch", Filter{}.And(Eq("session_id", "s2")), false},
		{"int eq against float payload", Filter{}.And(Eq("timestamp", 1700000000)), true},
		{"bool eq", Filter{}.And(Eq("is_summary", true)), true},
		{"missing key", Filter{}.And(Eq("other", "x")), false},
		{"in hit", Filter{}.And(In("day", "2024-02-29", "2024-03-01")), true},
		{"in miss", Filter{}.And(In("day", "2024-02-29")), false},
		{"less than", Filter{}.And(LessThan("timestamp", 1700000001)), true},
		{"less than boundary", Filter{}.And(LessThan("timestamp", 1700000000)), false},
		{"at least boundary", Filter{}.And(AtLeast("timestamp", 1700000000)), true},
		{"conjunction", Filter{}.And(Eq("session_id", "s1"), Eq("chat_id", "c2")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.Match(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterAndDoesNotAlias(t *testing.T) {
	base := Filter{}.And(Eq("session_id", "s1"))
	a := base.And(Eq("chat_id", "a"))
	b := base.And(Eq("chat_id", "b"))
	assert.Len(t, base.Must, 1)
	assert.Equal(t, "a", a.Must[1].Value)
	assert.Equal(t, "b", b.Must[1].Value)
}

func TestFilterInvalidCondition(t *testing.T) {
	_, err := Filter{Must: []Condition{{Key: "x"}}}.Match(map[string]any{})
	require.Error(t, err)

	_, err = Filter{Must: []Condition{{Value: "x"}}}.qdrantFilter()
	require.Error(t, err)
}

func TestQdrantFilterShape(t *testing.T) {
	got, err := Filter{}.And(
		Eq("session_id", "s1"),
		In("day", "2024-03-01"),
		LessThan("timestamp", 10),
	).qdrantFilter()
	require.NoError(t, err)

	must, ok := got["must"].([]any)
	require.True(t, ok)
	require.Len(t, must, 3)
	assert.Equal(t, map[string]any{"key": "session_id", "match": map[string]any{"value": "s1"}}, must[0])
	assert.Equal(t, map[string]any{"key": "day", "match": map[string]any{"any": []any{"2024-03-01"}}}, must[1])
	assert.Equal(t, map[string]any{"key": "timestamp", "range": map[string]any{"lt": float64(10)}}, must[2])

	empty, err := Filter{}.qdrantFilter()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestQdrantFilterRejectsUnsupportedMembership(t *testing.T) {
	_, err := Filter{}.And(In("flag", true)).qdrantFilter()
	require.Error(t, err)
}
