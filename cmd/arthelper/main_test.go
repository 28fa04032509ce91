package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arttherapy/arthelper/internal/config"
	"github.com/arttherapy/arthelper/internal/conversation"
	"github.com/arttherapy/arthelper/internal/llm/openai"
	"github.com/arttherapy/arthelper/internal/notice"
	"github.com/arttherapy/arthelper/internal/session"
	"github.com/arttherapy/arthelper/internal/testutil"
)

// setupHome points HOME at a temp dir holding a config for chatURL.
func setupHome(t *testing.T, chatURL string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{config.EnvChatURL, config.EnvAPIKey, config.EnvGatewayKey} {
		t.Setenv(key, "")
	}
	dir := filepath.Join(home, ".arthelper")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	raw := `{"chat_url":"` + chatURL + `","api_key":"anon","locale":"ru"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(raw), 0o600))
	return home
}

// execute runs the root command and returns stdout, stderr and the error.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestPrintModeTextStreamsAndPersists(t *testing.T) {
	// Arrange.
	server := testutil.NewChatServer(t, testutil.Script{
		Chunks: []string{testutil.DeltaLine("Какое"), testutil.DeltaLine(" яркое солнце!"), testutil.DoneLine},
	})
	home := setupHome(t, server.URL+"/chat")

	// Act.
	stdout, stderr, err := execute(t, "", "-p", "я", "нарисовал", "солнце")

	// Assert.
	require.NoError(t, err)
	assert.Equal(t, "Какое яркое солнце!\n", stdout)
	assert.Empty(t, stderr)

	store := &session.Store{BaseDir: filepath.Join(home, ".arthelper")}
	lastID, err := store.LoadLastSession(session.ProfileKey(""))
	require.NoError(t, err)
	history, err := store.LoadHistory(lastID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "я нарисовал солнце", history[0].Content)
	assert.Equal(t, "Какое яркое солнце!", history[1].Content)
}

func TestPrintModeContinueSendsHistory(t *testing.T) {
	server := testutil.NewChatServer(t, testutil.Script{
		Chunks: []string{testutil.DeltaLine("Да!"), testutil.DoneLine},
	})
	setupHome(t, server.URL+"/chat")

	_, _, err := execute(t, "", "-p", "--profile", "Маша", "первый")
	require.NoError(t, err)
	_, _, err = execute(t, "", "-p", "--profile", "Маша", "-c", "второй")
	require.NoError(t, err)

	var sent struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server.DecodeRequest(t, 1, &sent)
	require.Len(t, sent.Messages, 3)
	assert.Equal(t, "первый", sent.Messages[0].Content)
	assert.Equal(t, "assistant", sent.Messages[1].Role)
	assert.Equal(t, "второй", sent.Messages[2].Content)
}

func TestResumeRejectsInvalidSessionID(t *testing.T) {
	server := testutil.NewChatServer(t, testutil.Script{Chunks: []string{testutil.DoneLine}})
	setupHome(t, server.URL+"/chat")

	_, _, err := execute(t, "", "-p", "--resume", "../../config", "привет")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid session id")
	assert.Empty(t, server.Requests())
}

func TestContinueIgnoresCorruptLastSession(t *testing.T) {
	// Arrange a last_session file that does not hold a session id.
	server := testutil.NewChatServer(t, testutil.Script{
		Chunks: []string{testutil.DeltaLine("Привет!"), testutil.DoneLine},
	})
	home := setupHome(t, server.URL+"/chat")
	lastPath := filepath.Join(home, ".arthelper", "profiles", session.ProfileKey("Маша"), "last_session")
	require.NoError(t, os.MkdirAll(filepath.Dir(lastPath), 0o700))
	require.NoError(t, os.WriteFile(lastPath, []byte("../../config"), 0o600))

	// Act.
	_, _, err := execute(t, "", "-p", "--profile", "Маша", "-c", "привет")

	// Assert: a fresh session is started and remembered.
	require.NoError(t, err)
	var sent openai.ChatRequest
	server.DecodeRequest(t, 0, &sent)
	require.Len(t, sent.Messages, 1)
	raw, err := os.ReadFile(lastPath)
	require.NoError(t, err)
	assert.True(t, session.ValidSessionID(string(raw)))
}

func TestPrintModeReadsPromptFromStdin(t *testing.T) {
	server := testutil.NewChatServer(t, testutil.Script{Chunks: []string{testutil.DeltaLine("ok"), testutil.DoneLine}})
	setupHome(t, server.URL+"/chat")

	stdout, _, err := execute(t, "мне грустно\n", "-p", "--no-session-persistence")

	require.NoError(t, err)
	assert.Equal(t, "ok\n", stdout)
	var sent struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	server.DecodeRequest(t, 0, &sent)
	assert.Equal(t, "мне грустно", sent.Messages[0].Content)
}

func TestPrintModeRateLimitedShowsNotice(t *testing.T) {
	server := testutil.NewChatServer(t, testutil.Script{Status: http.StatusTooManyRequests, Body: `{"error":"slow down"}`})
	setupHome(t, server.URL+"/chat")

	stdout, stderr, err := execute(t, "", "-p", "привет")

	require.ErrorIs(t, err, errReported)
	assert.Empty(t, stdout)
	assert.Equal(t, notice.Default().Lookup("ru", notice.RateLimited)+"\n", stderr)
}

func TestPrintModeJSONError(t *testing.T) {
	server := testutil.NewChatServer(t, testutil.Script{Status: http.StatusPaymentRequired, Body: `{"error":"pay"}`})
	setupHome(t, server.URL+"/chat")

	stdout, _, err := execute(t, "", "-p", "--output-format", "json", "--locale", "en", "hi")

	require.ErrorIs(t, err, errReported)
	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &event))
	assert.Equal(t, "error", event["type"])
	assert.Equal(t, "quota_exceeded", event["kind"])
	assert.Equal(t, notice.Default().Lookup("en", notice.QuotaExceeded), event["message"])
}

func TestPrintModeStreamJSON(t *testing.T) {
	server := testutil.NewChatServer(t, testutil.Script{
		Chunks: []string{testutil.DeltaLine("При"), testutil.DeltaLine("вет"), testutil.DoneLine},
	})
	setupHome(t, server.URL+"/chat")

	stdout, _, err := execute(t, "", "-p", "--output-format", "stream-json", "hi")

	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4)
	var types []string
	var result map[string]any
	for _, line := range lines {
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		types = append(types, event["type"].(string))
		result = event
	}
	assert.Equal(t, []string{"system", "delta", "delta", "result"}, types)
	assert.Equal(t, "Привет", result["result"])
	assert.Equal(t, true, result["done_sentinel"])
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	setupHome(t, "http://127.0.0.1:1/chat")

	_, _, err := execute(t, "", "-p", "--output-format", "xml", "hi")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}

func TestMissingConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvChatURL, "")
	t.Setenv(config.EnvGatewayKey, "")

	_, _, err := execute(t, "", "-p", "hi")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "config missing")
}

func TestVersionFlag(t *testing.T) {
	stdout, _, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", stdout)
}

func TestSessionsCommand(t *testing.T) {
	home := setupHome(t, "http://127.0.0.1:1/chat")

	stdout, _, err := execute(t, "", "sessions")
	require.NoError(t, err)
	assert.Equal(t, "No sessions yet.\n", stdout)

	store := &session.Store{BaseDir: filepath.Join(home, ".arthelper")}
	id := session.NewSessionID()
	require.NoError(t, store.AppendTurns(id, []conversation.Turn{{Role: conversation.RoleUser, Content: "hi"}}))
	stdout, _, err = execute(t, "", "sessions", "--limit", "5")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, id), stdout)
}

func TestDoctorCommand(t *testing.T) {
	home := setupHome(t, "http://127.0.0.1:1/chat")

	stdout, _, err := execute(t, "", "doctor")
	require.NoError(t, err)
	assert.Contains(t, stdout, "OK: chat endpoint")

	require.NoError(t, os.Chmod(filepath.Join(home, ".arthelper", "config.json"), 0o644))
	_, _, err = execute(t, "", "doctor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too open")
}
