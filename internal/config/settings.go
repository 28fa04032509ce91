package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Settings are per-user and per-directory preferences layered over Config.
type Settings struct {
	// Model is a model alias or gateway model name.
	Model string
	// Locale selects notification language.
	Locale string
	// Profile names the child whose sessions are continued.
	Profile string
	// Raw retains the full JSON map.
	Raw map[string]any
}

// LoadSettings merges ~/.arthelper/settings.json, then <cwd>/.arthelper/settings.json,
// then extraSettings (a path or inline JSON). Later layers win.
func LoadSettings(cwd string, extraSettings string) (*Settings, error) {
	paths, err := settingsPaths(cwd)
	if err != nil {
		return nil, err
	}

	var merged *Settings
	for _, path := range paths {
		settings, err := loadSettingsFromFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		merged = mergeSettings(merged, settings)
	}

	if extraSettings != "" {
		override, err := loadSettingsFlag(extraSettings)
		if err != nil {
			return nil, err
		}
		merged = mergeSettings(merged, override)
	}

	if merged == nil {
		return &Settings{Raw: map[string]any{}}, nil
	}
	return merged, nil
}

// settingsPaths resolves user and local settings files in merge order.
func settingsPaths(cwd string) ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	user := filepath.Join(home, ".arthelper", "settings.json")
	local := filepath.Join(cwd, ".arthelper", "settings.json")
	if filepath.Clean(user) == filepath.Clean(local) {
		return []string{user}, nil
	}
	return []string{user, local}, nil
}

// loadSettingsFromFile reads settings JSON from disk.
func loadSettingsFromFile(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSettings(raw)
}

// loadSettingsFlag resolves a settings override from a path or inline JSON.
func loadSettingsFlag(value string) (*Settings, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		return parseSettings([]byte(trimmed))
	}
	return loadSettingsFromFile(trimmed)
}

// parseSettings parses settings JSON; unknown keys stay in Raw.
func parseSettings(raw []byte) (*Settings, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	settings := &Settings{Raw: data}
	if model, ok := data["model"].(string); ok {
		settings.Model = model
	}
	if locale, ok := data["locale"].(string); ok {
		settings.Locale = locale
	}
	if profile, ok := data["profile"].(string); ok {
		settings.Profile = profile
	}
	return settings, nil
}

// mergeSettings applies overlay values on top of the base settings.
func mergeSettings(base *Settings, overlay *Settings) *Settings {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}

	merged := &Settings{
		Model:   base.Model,
		Locale:  base.Locale,
		Profile: base.Profile,
		Raw:     map[string]any{},
	}
	for key, value := range base.Raw {
		merged.Raw[key] = value
	}
	for key, value := range overlay.Raw {
		merged.Raw[key] = value
	}
	if overlay.Model != "" {
		merged.Model = overlay.Model
	}
	if overlay.Locale != "" {
		merged.Locale = overlay.Locale
	}
	if overlay.Profile != "" {
		merged.Profile = overlay.Profile
	}
	return merged
}
