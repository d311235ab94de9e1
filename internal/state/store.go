// Package state owns durable on-disk state: the configuration document and
// one checkpoint file per watched session, all written with the
// tempfile-plus-rename pattern so a crash never leaves a torn file behind.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joestump/claude-watch/internal/config"
)

// tmpPrefix marks in-flight atomic writes. Files with this prefix in the
// state directory are crash debris and are removed on startup.
const tmpPrefix = ".claude-watch-tmp-"

// Checkpoint records how far a session's transcript has been consumed and the
// transformer state needed to resume. FilePosition always sits just past a
// terminating newline (or at byte 0), never inside a record.
type Checkpoint struct {
	FilePosition       int64           `json:"file_position"`
	LineNumber         uint64          `json:"line_number"`
	NextEventID        uint64          `json:"next_event_id,omitempty"`
	TransformerContext json.RawMessage `json:"transformer_context,omitempty"`
	LastModified       time.Time       `json:"last_modified"`
}

// Store reads and writes durable state under a single directory.
type Store struct {
	dir        string
	configPath string
	logger     *slog.Logger
}

// New creates a Store rooted at dir, creating the directory if needed.
// configPath is the configuration document location (it may live outside dir).
func New(dir, configPath string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		dir:        dir,
		configPath: configPath,
		logger:     slog.Default().With("component", "state"),
	}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// CleanDebris removes leftover temp files from interrupted atomic writes.
func (s *Store) CleanDebris() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err == nil {
				s.logger.Warn("removed stale temp file", "path", path)
			}
		}
	}
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers only ever observe complete files.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// SaveConfig persists the configuration document atomically.
func (s *Store) SaveConfig(cfg *config.Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := writeAtomic(s.configPath, data, 0o600); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (s *Store) checkpointPath(sessionID string) string {
	return filepath.Join(s.dir, SanitizeSessionID(sessionID)+".checkpoint.json")
}

// SaveCheckpoint persists a session checkpoint atomically.
func (s *Store) SaveCheckpoint(sessionID string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data = append(data, '\n')
	if err := writeAtomic(s.checkpointPath(sessionID), data, 0o644); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// LoadCheckpoint reads a session checkpoint. A missing or corrupt file is not
// an error: it returns nil and the session starts fresh.
func (s *Store) LoadCheckpoint(sessionID string) *Checkpoint {
	path := s.checkpointPath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("checkpoint corrupt, starting fresh", "session", sessionID, "error", err)
		return nil
	}
	if cp.FilePosition < 0 {
		s.logger.Warn("checkpoint has negative position, starting fresh", "session", sessionID)
		return nil
	}
	return &cp
}

// DeleteCheckpoint removes a session checkpoint. Removing an absent
// checkpoint is not an error.
func (s *Store) DeleteCheckpoint(sessionID string) error {
	err := os.Remove(s.checkpointPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// HasCheckpoint reports whether a checkpoint file exists for the session.
func (s *Store) HasCheckpoint(sessionID string) bool {
	_, err := os.Stat(s.checkpointPath(sessionID))
	return err == nil
}
