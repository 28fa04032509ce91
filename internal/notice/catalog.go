// Package notice holds the localized messages shown to the child or parent.
package notice

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arttherapy/arthelper/internal/assistant"
)

// Message keys.
const (
	Thinking       = "thinking"
	Ready          = "ready"
	RateLimited    = "rate_limited"
	QuotaExceeded  = "quota_exceeded"
	GenericFailure = "generic_failure"
	Cancelled      = "cancelled"
	EmptyReply     = "empty_reply"
)

// fallbackLocale is consulted when a locale lacks a key.
const fallbackLocale = "en"

//go:embed messages.yaml
var builtin []byte

// Catalog maps locale -> key -> text.
type Catalog struct {
	messages map[string]map[string]string
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var messages map[string]map[string]string
	if err := yaml.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("parse notice catalog: %w", err)
	}
	normalized := make(map[string]map[string]string, len(messages))
	for locale, entries := range messages {
		normalized[strings.ToLower(locale)] = entries
	}
	return &Catalog{messages: normalized}, nil
}

// Default returns the embedded ru/en catalog.
func Default() *Catalog {
	catalog, err := Parse(builtin)
	if err != nil {
		panic(err)
	}
	return catalog
}

// Lookup returns the text for key, falling back to English and then to the key itself.
func (c *Catalog) Lookup(locale string, key string) string {
	for _, candidate := range []string{normalizeLocale(locale), fallbackLocale} {
		if text, ok := c.messages[candidate][key]; ok && text != "" {
			return text
		}
	}
	return key
}

// ForError maps a failed turn to one notification.
func (c *Catalog) ForError(locale string, err error) string {
	return c.Lookup(locale, KeyForError(err))
}

// KeyForError returns the message key for a failed turn.
func KeyForError(err error) string {
	switch assistant.Classify(err) {
	case assistant.KindRateLimited:
		return RateLimited
	case assistant.KindQuotaExceeded:
		return QuotaExceeded
	case assistant.KindCancelled:
		return Cancelled
	default:
		return GenericFailure
	}
}

// normalizeLocale reduces tags like "ru-RU" to "ru".
func normalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if idx := strings.IndexAny(locale, "-_"); idx > 0 {
		locale = locale[:idx]
	}
	return locale
}
