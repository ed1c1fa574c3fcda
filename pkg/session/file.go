package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/clawloop/pkg/llm"
	"github.com/rs/zerolog"
)

const fileExt = ".jsonl"

// fileLine is one JSONL record. The first line of a file is the "meta"
// record; every following line is a "message" record.
type fileLine struct {
	Type    string       `json:"type"`
	Key     string       `json:"key,omitempty"`
	Summary string       `json:"summary,omitempty"`
	Created *time.Time   `json:"created,omitempty"`
	Updated *time.Time   `json:"updated,omitempty"`
	Message *llm.Message `json:"message,omitempty"`
}

// FileBackend stores one JSONL file per session under a directory.
type FileBackend struct {
	dir    string
	logger zerolog.Logger
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string, logger zerolog.Logger) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

func (b *FileBackend) Name() string { return "file" }

// Dir returns the directory holding session files.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+fileExt)
}

// Load reads a session file. Lines that fail to parse are skipped.
func (b *FileBackend) Load(_ context.Context, key string) (*Session, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	file, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	s := &Session{Key: key}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line fileLine
		if err := json.Unmarshal(raw, &line); err != nil {
			b.logger.Warn().
				Str("session_key", key).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse session line, skipping")
			continue
		}

		switch line.Type {
		case "meta":
			s.Summary = line.Summary
			if line.Created != nil {
				s.Created = *line.Created
			}
			if line.Updated != nil {
				s.Updated = *line.Updated
			}
		case "message":
			if line.Message == nil || line.Message.Role == "" {
				b.logger.Warn().Str("session_key", key).Int("line", lineNum).Msg("Invalid session entry, skipping")
				continue
			}
			s.Messages = append(s.Messages, *line.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return s, nil
}

// Persist rewrites the session file through a temp file and rename.
func (b *FileBackend) Persist(_ context.Context, s *Session) error {
	if err := ValidateKey(s.Key); err != nil {
		return err
	}
	path := b.path(s.Key)
	tmp, err := os.CreateTemp(b.dir, "."+s.Key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	created, updated := s.Created, s.Updated
	if err := enc.Encode(fileLine{Type: "meta", Key: s.Key, Summary: s.Summary, Created: &created, Updated: &updated}); err != nil {
		cleanup()
		return fmt.Errorf("failed to write session meta: %w", err)
	}
	for i := range s.Messages {
		if err := enc.Encode(fileLine{Type: "message", Message: &s.Messages[i]}); err != nil {
			cleanup()
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("failed to flush session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// List reports sessions by file name; Updated is the file's mtime.
func (b *FileBackend) List(_ context.Context) ([]Info, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Key: strings.TrimSuffix(name, fileExt), Updated: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
