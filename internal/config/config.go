package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arttherapy/arthelper/internal/chatstream"
)

const (
	// DefaultTimeoutMS bounds a whole streamed turn.
	DefaultTimeoutMS = 600000
	// DefaultLocale is used for notifications when nothing else is set.
	DefaultLocale = "ru"
	// DefaultRelayListen is the relay listen address.
	DefaultRelayListen = ":8787"
)

// Environment overrides applied after the file is read.
const (
	EnvChatURL    = "ARTHELPER_CHAT_URL"
	EnvAPIKey     = "ARTHELPER_API_KEY"
	EnvGatewayKey = "ARTHELPER_GATEWAY_KEY"
)

// Config defines how arthelper reaches the chat function and how the relay runs.
type Config struct {
	// ChatURL is the streaming chat endpoint, usually the relay /chat route.
	ChatURL string `json:"chat_url"`
	// APIKey is sent as a bearer token, if provided.
	APIKey string `json:"api_key"`
	// Model is requested when no CLI or settings override is provided.
	Model string `json:"model"`
	// ModelAliases maps friendly names to gateway model ids.
	ModelAliases map[string]string `json:"model_aliases"`
	// TimeoutMS configures the request timeout in milliseconds.
	TimeoutMS int `json:"timeout_ms"`
	// Locale selects notification language.
	Locale string `json:"locale"`
	// MaxPayloadRetries bounds re-buffering of malformed lines; 0 means unbounded.
	MaxPayloadRetries *int `json:"max_payload_retries"`
	// Relay configures the serve subcommand.
	Relay RelayConfig `json:"relay"`
}

// RelayConfig configures the chat and feedback relay.
type RelayConfig struct {
	// Listen is the HTTP listen address.
	Listen string `json:"listen"`
	// GatewayURL is the upstream OpenAI-compatible gateway.
	GatewayURL string `json:"gateway_url"`
	// GatewayKey authorizes relay calls to the gateway.
	GatewayKey string `json:"gateway_key"`
	// Model is the gateway model used for chat and feedback.
	Model string `json:"model"`
	// SystemPrompt replaces the built-in art-therapy prompt when set.
	SystemPrompt string `json:"system_prompt"`
	// AccessKey, when set, must be presented as a bearer token by clients.
	AccessKey string `json:"access_key"`
	// AllowedOrigin is returned in CORS headers.
	AllowedOrigin string `json:"allowed_origin"`
}

var (
	// ErrConfigMissing is returned when no config file exists and the environment supplies no endpoint.
	ErrConfigMissing = errors.New("config missing")
	// ErrConfigInvalid is returned when required fields are missing.
	ErrConfigInvalid = errors.New("config invalid")
)

// ConfigPath returns the default config path.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".arthelper", "config.json"), nil
}

// LoadConfig reads the config file, applies environment overrides and defaults.
// It does not validate; callers pick Validate or ValidateRelay for their mode.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		if os.Getenv(EnvChatURL) == "" && os.Getenv(EnvGatewayKey) == "" {
			return nil, ErrConfigMissing
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnv overlays non-empty environment variables.
func applyEnv(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv(EnvChatURL)); value != "" {
		cfg.ChatURL = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvAPIKey)); value != "" {
		cfg.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvGatewayKey)); value != "" {
		cfg.Relay.GatewayKey = value
	}
}

// applyDefaults fills optional fields.
func applyDefaults(cfg *Config) {
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = DefaultTimeoutMS
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	if cfg.ModelAliases == nil {
		cfg.ModelAliases = make(map[string]string)
	}
	if cfg.Relay.Listen == "" {
		cfg.Relay.Listen = DefaultRelayListen
	}
	if cfg.Relay.AllowedOrigin == "" {
		cfg.Relay.AllowedOrigin = "*"
	}
}

// PayloadRetries returns the effective retry bound for malformed stream lines.
func (c *Config) PayloadRetries() int {
	if c.MaxPayloadRetries == nil || *c.MaxPayloadRetries < 0 {
		return chatstream.DefaultMaxPayloadRetries
	}
	return *c.MaxPayloadRetries
}

// Validate checks the fields a chat client needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ChatURL) == "" {
		return fmt.Errorf("%w: chat_url is required", ErrConfigInvalid)
	}
	if !strings.HasPrefix(c.ChatURL, "http://") && !strings.HasPrefix(c.ChatURL, "https://") {
		return fmt.Errorf("%w: chat_url must be an http(s) URL", ErrConfigInvalid)
	}
	return nil
}

// ValidateRelay checks the fields the relay needs.
func (c *Config) ValidateRelay() error {
	if strings.TrimSpace(c.Relay.GatewayURL) == "" {
		return fmt.Errorf("%w: relay.gateway_url is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(c.Relay.GatewayKey) == "" {
		return fmt.Errorf("%w: relay.gateway_key is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(c.Relay.Model) == "" {
		return fmt.Errorf("%w: relay.model is required", ErrConfigInvalid)
	}
	return nil
}

// ResolveModel returns the model to request. CLI input beats settings, which beat the config.
func ResolveModel(cfg *Config, cliModel string, settingsModel string) string {
	if cliModel != "" {
		return aliasModel(cfg, cliModel)
	}
	if settingsModel != "" {
		return aliasModel(cfg, settingsModel)
	}
	if cfg == nil {
		return ""
	}
	return aliasModel(cfg, cfg.Model)
}

// ResolveLocale returns the notification locale with the same precedence as ResolveModel.
func ResolveLocale(cfg *Config, cliLocale string, settingsLocale string) string {
	switch {
	case cliLocale != "":
		return cliLocale
	case settingsLocale != "":
		return settingsLocale
	case cfg != nil && cfg.Locale != "":
		return cfg.Locale
	default:
		return DefaultLocale
	}
}

// aliasModel resolves an alias to a gateway model name.
func aliasModel(cfg *Config, name string) string {
	if cfg == nil {
		return name
	}
	if aliased, ok := cfg.ModelAliases[name]; ok {
		return aliased
	}
	return name
}
