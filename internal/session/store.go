package session

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arttherapy/arthelper/internal/conversation"
)

// Store manages conversation persistence under ~/.arthelper.
type Store struct {
	// BaseDir is the root for all persisted data.
	BaseDir string
}

// turnRecordType marks conversation turns stored in session JSONL.
const turnRecordType = "turn"

// TurnRecord is one persisted conversation entry.
type TurnRecord struct {
	// Type tags the record so loaders can filter it.
	Type string `json:"type"`
	// Role is user or assistant.
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Timestamp records when the turn was written.
	Timestamp time.Time `json:"timestamp"`
}

// NewStore constructs a Store using the default base directory.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return &Store{BaseDir: filepath.Join(home, ".arthelper")}, nil
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id looks like a session id.
func ValidSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ProfileKey returns a stable hash for a child profile name.
func ProfileKey(name string) string {
	clean := strings.ToLower(strings.TrimSpace(name))
	if clean == "" {
		clean = "default"
	}
	sum := sha256.Sum256([]byte(clean))
	return hex.EncodeToString(sum[:8])
}

// SessionPath returns the JSONL path for a session.
func (s *Store) SessionPath(sessionID string) string {
	return filepath.Join(s.BaseDir, "sessions", sessionID+".jsonl")
}

// AppendTurns writes turns to the session file in order.
func (s *Store) AppendTurns(sessionID string, turns []conversation.Turn) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	if len(turns) == 0 {
		return nil
	}
	path := s.SessionPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer file.Close()

	now := time.Now().UTC()
	var buffer []byte
	for _, turn := range turns {
		data, err := json.Marshal(TurnRecord{
			Type:      turnRecordType,
			Role:      turn.Role,
			Content:   turn.Content,
			Timestamp: now,
		})
		if err != nil {
			return fmt.Errorf("marshal session turn: %w", err)
		}
		buffer = append(buffer, data...)
		buffer = append(buffer, '\n')
	}
	if _, err := file.Write(buffer); err != nil {
		return fmt.Errorf("write session turns: %w", err)
	}
	return nil
}

// LoadHistory reads a session back into a conversation history.
// Malformed lines are skipped so a torn write does not lose the session.
func (s *Store) LoadHistory(sessionID string) (conversation.History, error) {
	file, err := os.Open(s.SessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var history conversation.History
	scanner := bufio.NewScanner(file)
	const maxRecordSize = 4 * 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record TurnRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		if record.Type != turnRecordType || record.Role == "" {
			continue
		}
		history = append(history, conversation.Turn{Role: record.Role, Content: record.Content})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return history, nil
}

// SaveLastSession stores the last session id for a profile key.
func (s *Store) SaveLastSession(profileKey string, sessionID string) error {
	path := filepath.Join(s.BaseDir, "profiles", profileKey, "last_session")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(sessionID), 0o600); err != nil {
		return fmt.Errorf("write last session: %w", err)
	}
	return nil
}

// LoadLastSession returns the last session id for a profile key.
func (s *Store) LoadLastSession(profileKey string) (string, error) {
	path := filepath.Join(s.BaseDir, "profiles", profileKey, "last_session")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// Summary describes a stored session.
type Summary struct {
	// ID is the session id.
	ID string
	// UpdatedAt is the last write time.
	UpdatedAt time.Time
}

// ListSessions returns recent sessions sorted by modification time desc.
func (s *Store) ListSessions(limit int) ([]Summary, error) {
	entries, err := os.ReadDir(filepath.Join(s.BaseDir, "sessions"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var list []Summary
	for _, item := range entries {
		if item.IsDir() || filepath.Ext(item.Name()) != ".jsonl" {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		list = append(list, Summary{
			ID:        strings.TrimSuffix(item.Name(), ".jsonl"),
			UpdatedAt: info.ModTime(),
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}
