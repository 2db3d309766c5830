package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/mimic/internal/config"
	"github.com/stellarlinkco/mimic/internal/gateway"
	"github.com/stellarlinkco/mimic/internal/llm"
	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/memory"
	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

type testEnv struct {
	app     *App
	out     *bytes.Buffer
	vectors *vectorstore.Memory
	cfg     *config.Config
}

func newTestEnv(t *testing.T, reply string) *testEnv {
	t.Helper()
	env := &testEnv{out: &bytes.Buffer{}, vectors: vectorstore.NewMemory()}
	env.cfg = config.DefaultConfig()
	env.cfg.Memory.StoreRawText = true
	env.cfg.Memory.MinTextLength = 1
	env.cfg.Log.Level = "error"

	completer := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		if reply == "" {
			return "", errors.New("provider down")
		}
		return reply, nil
	})
	env.app = &App{
		Stdout:     env.out,
		LoadConfig: func() (*config.Config, error) { return env.cfg, nil },
		Services: func(cfg *config.Config, log *logger.Logger) (*gateway.Services, error) {
			return gateway.NewServices(cfg, gateway.ServiceOptions{
				Logger:    log,
				Vectors:   env.vectors,
				Embedder:  memory.NewHashEmbedder(4096),
				Completer: completer,
			})
		},
	}
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	e.out.Reset()
	cmd := newRootCmd(e.app)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return e.out.String(), err
}

func writeMessages(t *testing.T, msgs []memory.Message) string {
	t.Helper()
	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "messages.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

var projectChat = []memory.Message{
	{ID: "1", Text: "The project is on track for Friday", Timestamp: "2024-03-05T10:00:00Z"},
	{ID: "2", Text: "Great, send me the status report", Timestamp: "2024-03-05T10:05:00Z", IsOutgoing: true},
	{ID: "3", Text: "Will do after lunch", Timestamp: "2024-03-05T10:06:00Z"},
}

func TestIngestAndAskPromptOnly(t *testing.T) {
	env := newTestEnv(t, "ok")
	file := writeMessages(t, projectChat)

	out, err := env.run(t, "ingest", "--session", "s1", "--chat", "42", "--file", file)
	require.NoError(t, err)
	assert.Equal(t, "Stored 3 of 3 messages in s1/42\n", out)

	// ingesting twice is idempotent
	_, err = env.run(t, "ingest", "--session", "s1", "--chat", "42", "--file", file)
	require.NoError(t, err)

	out, err = env.run(t, "ask", "--session", "s1", "--chat", "42", "--prompt-only", "what's", "the", "project", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "RECENT MESSAGES")
	assert.Contains(t, out, "QUESTION: what's the project status")
	assert.Contains(t, out, "recent=3")

	out, err = env.run(t, "stats", "--session", "s1", "--chat", "42")
	require.NoError(t, err)
	var stats memory.ChatStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.Messages)
	assert.Equal(t, 1, stats.Outgoing)
}

func TestAskRequiresChat(t *testing.T) {
	env := newTestEnv(t, "ok")
	_, err := env.run(t, "ask", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrScopeRequired)
}

func TestSuggestPrintsReply(t *testing.T) {
	env := newTestEnv(t, "Sounds good, talk soon")
	file := writeMessages(t, projectChat)
	_, err := env.run(t, "ingest", "--chat", "42", "--file", file)
	require.NoError(t, err)

	out, err := env.run(t, "suggest", "--chat", "42", "any", "news?")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "Sounds good, talk soon", lines[0])
	assert.Contains(t, out, "-- stages: Analyst > ContextRetrieval > Relevance > Writer > Critic")

	out, err = env.run(t, "ask", "--chat", "42", "any", "news?")
	require.NoError(t, err)
	assert.Equal(t, "Sounds good, talk soon\n", out)
}

func TestSuggestReturnsPipelineError(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, "suggest", "--chat", "42", "hello?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
}

func TestSummarize(t *testing.T) {
	env := newTestEnv(t, "They agreed on a Friday deadline.")
	file := writeMessages(t, projectChat)
	_, err := env.run(t, "ingest", "--chat", "42", "--file", file)
	require.NoError(t, err)

	out, err := env.run(t, "summarize", "--chat", "42", "--days", "2024-03-05")
	require.NoError(t, err)
	assert.Contains(t, out, "=== 2024-03-05 ===")
	assert.Contains(t, out, "They agreed on a Friday deadline.")

	out, err = env.run(t, "summarize", "--chat", "42", "--days", "2023-01-01")
	require.NoError(t, err)
	assert.Equal(t, "No messages to summarize for that period.\n", out)

	_, err = env.run(t, "summarize", "--chat", "42")
	assert.Error(t, err)
}

func TestSweepAndGlobalStats(t *testing.T) {
	env := newTestEnv(t, "ok")

	out, err := env.run(t, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "Removed 0 expired points\n", out)

	out, err = env.run(t, "stats")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "{"), out)
}

func TestIngestBadFile(t *testing.T) {
	env := newTestEnv(t, "ok")
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := env.run(t, "ingest", "--chat", "42", "--file", path)
	assert.Error(t, err)
	_, err = env.run(t, "ingest", "--chat", "42", "--file", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestServicesFactoryError(t *testing.T) {
	env := newTestEnv(t, "ok")
	env.app.Services = func(*config.Config, *logger.Logger) (*gateway.Services, error) {
		return nil, errors.New("boom")
	}
	_, err := env.run(t, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create services: boom")
}

func TestOnboard(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer

	require.NoError(t, runOnboard(&out))
	assert.Contains(t, out.String(), "Created config:")
	_, err := os.Stat(config.ConfigPath())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(config.ConfigDir(), "data"))
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, runOnboard(&out))
	assert.Contains(t, out.String(), "Config already exists:")
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, "ok")
	env.cfg.Provider.APIKey = "sk-1234567890abcdef"
	env.cfg.Channels.Telegram.Enabled = true

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "API Key: sk-1...cdef")
	assert.Contains(t, out, "Telegram: enabled=true")
	assert.Contains(t, out, "WhatsApp: enabled=false")
	assert.Contains(t, out, "Vector store: sqlite")

	env.app.LoadConfig = func() (*config.Config, error) { return nil, errors.New("bad yaml") }
	out, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Config: error (bad yaml)")
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-1234567890", "sk-a...7890"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskKey(tt.key), tt.key)
	}
}

func TestProviderDisplay(t *testing.T) {
	assert.Equal(t, "openai (default)", providerDisplay(""))
	assert.Equal(t, "anthropic", providerDisplay("anthropic"))
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "recent=2 similar=1", formatCounts(map[string]int{"similar": 1, "recent": 2}))
	assert.Equal(t, "", formatCounts(nil))
}
