package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arttherapy/arthelper/internal/chatstream"
)

// writeFile creates parent directories and writes content.
func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// clearEnv unsets the overrides for the duration of a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvChatURL, EnvAPIKey, EnvGatewayKey} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	// Arrange.
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"chat_url":"https://fn.example/functions/v1/chat","api_key":"anon"}`)

	// Act.
	cfg, err := LoadConfig(path)

	// Assert.
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTimeoutMS, cfg.TimeoutMS)
	assert.Equal(t, "ru", cfg.Locale)
	assert.Equal(t, chatstream.DefaultMaxPayloadRetries, cfg.PayloadRetries())
	assert.Equal(t, ":8787", cfg.Relay.Listen)
	assert.Equal(t, "*", cfg.Relay.AllowedOrigin)
}

func TestLoadConfigExplicitRetryBound(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"chat_url":"http://localhost:8787/chat","max_payload_retries":2}`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, 2, cfg.PayloadRetries())
}

func TestLoadConfigMissing(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))

	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvChatURL, "http://localhost:8787/chat")
	t.Setenv(EnvAPIKey, "anon")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))

	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787/chat", cfg.ChatURL)
	assert.Equal(t, "anon", cfg.APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"chat_url":"http://file/chat","relay":{"gateway_key":"file-key"}}`)
	t.Setenv(EnvGatewayKey, "env-key")

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, "http://file/chat", cfg.ChatURL)
	assert.Equal(t, "env-key", cfg.Relay.GatewayKey)
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"chat_url":`)

	_, err := LoadConfig(path)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfigMissing)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, (&Config{}).Validate(), ErrConfigInvalid)
	assert.ErrorIs(t, (&Config{ChatURL: "ftp://x"}).Validate(), ErrConfigInvalid)
	assert.NoError(t, (&Config{ChatURL: "https://x/chat"}).Validate())

	relay := &Config{Relay: RelayConfig{GatewayURL: "https://gw", GatewayKey: "k"}}
	assert.ErrorIs(t, relay.ValidateRelay(), ErrConfigInvalid)
	relay.Relay.Model = "m"
	assert.NoError(t, relay.ValidateRelay())
}

func TestLoadSettingsPrecedence(t *testing.T) {
	// Arrange a temporary HOME and a working directory with layered settings.
	tempDir := t.TempDir()
	homeDir := filepath.Join(tempDir, "home")
	workDir := filepath.Join(tempDir, "work")
	writeFile(t, filepath.Join(homeDir, ".arthelper", "settings.json"), `{"model":"user","locale":"en","profile":"Маша"}`)
	writeFile(t, filepath.Join(workDir, ".arthelper", "settings.json"), `{"model":"local"}`)
	t.Setenv("HOME", homeDir)

	// Act.
	settings, err := LoadSettings(workDir, `{"profile":"Петя"}`)

	// Assert.
	require.NoError(t, err)
	assert.Equal(t, "local", settings.Model)
	assert.Equal(t, "en", settings.Locale)
	assert.Equal(t, "Петя", settings.Profile)
}

func TestLoadSettingsFromPathFlag(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "extra.json")
	writeFile(t, path, `{"locale":"en"}`)

	settings, err := LoadSettings(t.TempDir(), path)

	require.NoError(t, err)
	assert.Equal(t, "en", settings.Locale)
}

func TestLoadSettingsEmpty(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	settings, err := LoadSettings(t.TempDir(), "")

	require.NoError(t, err)
	assert.Empty(t, settings.Model)
	assert.NotNil(t, settings.Raw)
}

func TestResolveModelAliases(t *testing.T) {
	// Arrange a config with an alias.
	cfg := &Config{
		Model:        "base-model",
		ModelAliases: map[string]string{"kind": "alias-model"},
	}

	// Assert.
	assert.Equal(t, "alias-model", ResolveModel(cfg, "", "kind"))
	assert.Equal(t, "custom", ResolveModel(cfg, "custom", "kind"))
	assert.Equal(t, "base-model", ResolveModel(cfg, "", ""))
	assert.Equal(t, "", ResolveModel(nil, "", ""))
}

func TestResolveLocale(t *testing.T) {
	cfg := &Config{Locale: "ru"}
	assert.Equal(t, "en", ResolveLocale(cfg, "en", "ru"))
	assert.Equal(t, "en", ResolveLocale(cfg, "", "en"))
	assert.Equal(t, "ru", ResolveLocale(cfg, "", ""))
	assert.Equal(t, DefaultLocale, ResolveLocale(nil, "", ""))
}
