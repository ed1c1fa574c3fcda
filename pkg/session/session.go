package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/clawloop/pkg/llm"
)

// ErrNotFound is returned by backends when a session has never been persisted.
var ErrNotFound = errors.New("session not found")

// Session is the persisted state of one conversation.
type Session struct {
	Key      string        `json:"key"`
	Messages []llm.Message `json:"messages"`
	Summary  string        `json:"summary,omitempty"`
	Created  time.Time     `json:"created"`
	Updated  time.Time     `json:"updated"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	out := *s
	out.Messages = llm.CloneMessages(s.Messages)
	return &out
}

// Info describes a stored session without its messages.
type Info struct {
	Key     string
	Updated time.Time
}

// Backend persists whole sessions. Implementations must be safe for
// concurrent use across different keys.
type Backend interface {
	Name() string
	Load(ctx context.Context, key string) (*Session, error)
	Persist(ctx context.Context, s *Session) error
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ValidateKey rejects keys that are empty or could escape a storage directory.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}
