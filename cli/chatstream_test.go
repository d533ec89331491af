package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypernetix/chatstream-go/pkg/chatstream"
)

// cliBinary is built once by TestCLI
var cliBinary string

// TestCLI builds the CLI and runs it against an in-process completions endpoint
func TestCLI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	buildCLI(t)
	server := newFakeEndpoint(t)

	t.Run("TestVersion", testVersion)
	t.Run("TestNoParams", testNoParams)
	t.Run("TestHelp", testHelp)
	t.Run("TestInvalidFlag", testInvalidFlag)
	t.Run("TestStatus", func(t *testing.T) { testStatus(t, server) })
	t.Run("TestListModels", func(t *testing.T) { testListModels(t, server) })
	t.Run("TestPrompt", func(t *testing.T) { testPrompt(t, server) })
	t.Run("TestPromptJSON", func(t *testing.T) { testPromptJSON(t, server) })
	t.Run("TestPromptMissingKey", func(t *testing.T) { testPromptMissingKey(t, server) })
}

// buildCLI builds the binary into a temporary directory
func buildCLI(t *testing.T) {
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get current directory: %v", err)
	}
	cliBinary = filepath.Join(t.TempDir(), "chatstream")

	cmd := exec.Command("go", "build", "-o", cliBinary, ".")
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Failed to build CLI: %v\nOutput: %s", err, output)
	}
}

// runCLI runs the CLI with an isolated config file and returns stdout, stderr and the exit error
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	config := filepath.Join(t.TempDir(), "chatstream.toml")
	cmd := exec.Command(cliBinary, append([]string{"--config", config}, args...)...)
	cmd.Env = append(os.Environ(), "CHATSTREAM_BASE_URL=", "CHATSTREAM_MODEL=", "CHATSTREAM_API_KEY=")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// newFakeEndpoint serves /v1/models and a two-frame reasoning stream
func newFakeEndpoint(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"fake-model","object":"model","owned_by":"tests"}]}`)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"c1","created":1,"choices":[{"index":0,"delta":{"reasoning_content":"hmm"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"c1","created":1,"choices":[{"index":0,"delta":{"content":"Hi there"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testVersion(t *testing.T) {
	stdout, stderr, err := runCLI(t, "--version")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "Chatstream CLI version:")
}

func testNoParams(t *testing.T) {
	cmd := exec.Command(cliBinary)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "Examples")
}

func testHelp(t *testing.T) {
	stdout, stderr, _ := runCLI(t, "--help")
	output := stdout + stderr
	for _, term := range []string{"Usage", "-base-url", "-dialect", "-relay", "-serve"} {
		assert.Contains(t, output, term)
	}
}

func testInvalidFlag(t *testing.T) {
	_, stderr, err := runCLI(t, "--invalid-flag")
	assert.Error(t, err)
	assert.Contains(t, stderr, "flag provided but not defined")
}

func testStatus(t *testing.T, server *httptest.Server) {
	stdout, stderr, err := runCLI(t, "--base-url", server.URL+"/v1", "--status")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "RUNNING @ "+server.URL+"/v1")

	stdout, _, err = runCLI(t, "--base-url", "http://127.0.0.1:1/v1", "--status")
	assert.Error(t, err)
	assert.Contains(t, stdout, "ERROR")
}

func testListModels(t *testing.T, server *httptest.Server) {
	stdout, stderr, err := runCLI(t, "--base-url", server.URL+"/v1", "--list-models")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "fake-model")
	assert.Contains(t, stdout, "tests")
}

func testPrompt(t *testing.T, server *httptest.Server) {
	stdout, stderr, err := runCLI(t,
		"--base-url", server.URL+"/v1", "--key", "test-key", "--model", "fake-model",
		"--prompt", "Hello", "--temp", "0.69")
	require.NoError(t, err, stderr)

	assert.Contains(t, stdout, "Prompt: Hello")
	assert.Contains(t, stdout, "Thinking: hmm")
	parts := strings.Split(stdout, "Response: ")
	require.GreaterOrEqual(t, len(parts), 2)
	assert.Contains(t, parts[len(parts)-1], "Hi there")
}

func testPromptJSON(t *testing.T, server *httptest.Server) {
	stdout, stderr, err := runCLI(t,
		"--base-url", server.URL+"/v1", "--key", "test-key", "--prompt", "Hello", "--json")
	require.NoError(t, err, stderr)

	var snap struct {
		Messages []struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &snap), stdout)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "system", snap.Messages[0].Role)
	assert.Equal(t, "Hi there", snap.Messages[2].Content)
	assert.Equal(t, "hmm", snap.Messages[2].ReasoningContent)
}

func testPromptMissingKey(t *testing.T, server *httptest.Server) {
	_, stderr, err := runCLI(t, "--base-url", server.URL+"/v1", "--prompt", "Hello")
	assert.Error(t, err)
	assert.Contains(t, stderr, "Missing API key")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
}

func TestFormatCreated(t *testing.T) {
	assert.Equal(t, "N/A", formatCreated(0))
	assert.Equal(t, "2023-11-14", formatCreated(1700000000))
}

func TestSettingsOverridesSurviveReload(t *testing.T) {
	overrides := settingsOverrides{
		baseURL:      "http://localhost:1234/v1",
		model:        "flag-model",
		apiKey:       "flag-key",
		systemPrompt: "flag prompt",
		temperature:  0.3,
		dialect:      "deepseek",
	}

	// What WatchSettings hands over after the file changed on disk
	reloaded := chatstream.DefaultSettings()
	reloaded.Model = "file-model"
	reloaded.APIKey = "file-key"
	reloaded.Chat.MaxTokens = 256

	overrides.apply(&reloaded)
	assert.Equal(t, "http://localhost:1234/v1", reloaded.BaseURL)
	assert.Equal(t, "flag-model", reloaded.Model)
	assert.Equal(t, "flag-key", reloaded.APIKey)
	assert.Equal(t, "flag prompt", reloaded.SystemPrompt)
	assert.Equal(t, "deepseek", reloaded.Dialect)
	require.NotNil(t, reloaded.Chat.Temperature)
	assert.InDelta(t, 0.3, *reloaded.Chat.Temperature, 1e-9)
	assert.Equal(t, 256, reloaded.Chat.MaxTokens, "values without a flag come from the file")
}

func TestSettingsOverridesUnsetKeepFile(t *testing.T) {
	overrides := settingsOverrides{temperature: -1}
	s := chatstream.DefaultSettings()
	s.Model = "file-model"
	overrides.apply(&s)
	assert.Equal(t, "file-model", s.Model)
	assert.Nil(t, s.Chat.Temperature)
	assert.Equal(t, "", s.APIKey)
}

func TestSettingsOverridesDiscoveredServer(t *testing.T) {
	overrides := settingsOverrides{temperature: -1, baseURL: "http://192.168.1.5:1234/v1", discovered: true}

	s := chatstream.DefaultSettings()
	overrides.apply(&s)
	assert.Equal(t, "http://192.168.1.5:1234/v1", s.BaseURL)
	assert.Equal(t, "local", s.APIKey)

	s = chatstream.DefaultSettings()
	s.APIKey = "real-key"
	overrides.apply(&s)
	assert.Equal(t, "real-key", s.APIKey)
}
