package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer answers Chat Completions requests with a reply that counts the
// messages it received.
func chatServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []json.RawMessage `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": fmt.Sprintf("seen %d", len(req.Messages))},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeChatConfig(t *testing.T, apiBase, backend string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	cfg := map[string]any{
		"data_dir": dataDir,
		"agents": []map[string]any{{
			"id": "main", "name": "Main", "model": "test", "default": true, "max_iterations": 4,
		}},
		"model_list": []map[string]any{{
			"model_name": "test", "model": "gpt-test", "protocol": "openai",
			"api_key": "sk-test", "api_base": apiBase,
		}},
		"session":     map[string]any{"backend": backend, "cleanup_schedule": ""},
		"credentials": map[string]any{"watch": false},
		"logging":     map[string]any{"level": "error", "console": false},
		"tools":       map[string]any{"web_fetch": false},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, dataDir
}

func TestChatCommand(t *testing.T) {
	isolateHome(t)
	srv, calls := chatServer(t)
	path, _ := writeChatConfig(t, srv.URL+"/v1/", "memory")

	out, _, err := runCLI(t, "--config", path, "chat", "hello", "there")
	require.NoError(t, err)

	// system prompt plus the user message
	assert.Equal(t, "seen 2\n", out)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatCommandKeepsHistory(t *testing.T) {
	// CLAWLOOP_DATA_DIR overrides the file's data_dir
	dataDir := isolateHome(t)
	srv, _ := chatServer(t)
	path, fileDataDir := writeChatConfig(t, srv.URL+"/v1/", "file")

	out, _, err := runCLI(t, "--config", path, "chat", "-s", "cli:test", "-m", "first")
	require.NoError(t, err)
	assert.Equal(t, "seen 2\n", out)

	out, _, err = runCLI(t, "--config", path, "chat", "-s", "cli:test", "-m", "second")
	require.NoError(t, err)
	// system, first, reply, second
	assert.Equal(t, "seen 4\n", out)

	entries, err := os.ReadDir(filepath.Join(dataDir, "sessions"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	_, err = os.Stat(filepath.Join(fileDataDir, "sessions"))
	assert.True(t, os.IsNotExist(err))
}

func TestChatCommandRequiresMessage(t *testing.T) {
	isolateHome(t)

	_, _, err := runCLI(t, "chat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a message is required")
}

func TestStatusStopped(t *testing.T) {
	isolateHome(t)

	out, _, err := runCLI(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: stopped")

	out, _, err = runCLI(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon is not running")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h3m4s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}
