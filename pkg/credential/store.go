package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/rs/zerolog"
)

const (
	// FileName is the credential file inside the store directory.
	FileName = "credentials.json"

	// DefaultRefreshBuffer is how long before expiry an OAuth token is refreshed.
	DefaultRefreshBuffer = 300 * time.Second
)

// ErrNotFound is returned when no credential is stored for a provider.
var ErrNotFound = errors.New("credential not found")

// AuthType distinguishes static keys from refreshable OAuth tokens.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthOAuth  AuthType = "oauth"
)

// Credential is one stored provider credential.
type Credential struct {
	AuthType     AuthType `json:"auth_type"`
	Provider     string   `json:"provider"`
	APIKey       string   `json:"api_key"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	// ExpiresAt is epoch seconds.
	ExpiresAt float64 `json:"expires_at"`
	AccountID string  `json:"account_id"`
}

// IsExpired reports whether an OAuth credential is within buffer of expiry.
// API keys never expire.
func (c Credential) IsExpired(now time.Time, buffer time.Duration) bool {
	if c.AuthType != AuthOAuth {
		return false
	}
	deadline := c.ExpiresAt - buffer.Seconds()
	return float64(now.UnixNano())/1e9 >= deadline
}

// Token returns the bearer value for the credential.
func (c Credential) Token() string {
	if c.AuthType == AuthAPIKey {
		return c.APIKey
	}
	return c.AccessToken
}

// OAuthTokens is the result of a successful token grant.
type OAuthTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
}

// Refresher exchanges a refresh token for new tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*OAuthTokens, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir           string
	RefreshBuffer time.Duration
	Refresher     Refresher
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Store keeps provider credentials in a JSON file readable only by the owner.
type Store struct {
	path      string
	buffer    time.Duration
	refresher Refresher
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	creds map[string]Credential

	locksMu      sync.Mutex
	refreshLocks map[string]*sync.Mutex
}

// NewStore opens (or lazily creates) the credential file in cfg.Dir.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("credential directory is required")
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		path:         filepath.Join(cfg.Dir, FileName),
		buffer:       cfg.RefreshBuffer,
		refresher:    cfg.Refresher,
		logger:       cfg.Logger,
		now:          cfg.Now,
		creds:        make(map[string]Credential),
		refreshLocks: make(map[string]*sync.Mutex),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the credential file. A missing file yields an empty store;
// an unreadable one is logged and also yields an empty store.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.creds = make(map[string]Credential)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	creds := make(map[string]Credential)
	if err := json.Unmarshal(data, &creds); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to parse credentials, starting fresh")
		creds = make(map[string]Credential)
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// StoreAPIKey saves a static API key for provider.
func (s *Store) StoreAPIKey(provider, apiKey string) error {
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	return s.put(Credential{
		AuthType: AuthAPIKey,
		Provider: provider,
		APIKey:   apiKey,
	})
}

// StoreOAuth saves OAuth tokens for provider.
func (s *Store) StoreOAuth(provider string, tokens OAuthTokens) error {
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	return s.put(Credential{
		AuthType:     AuthOAuth,
		Provider:     provider,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    float64(tokens.ExpiresAt.Unix()),
		AccountID:    tokens.AccountID,
	})
}

// Get returns the stored credential for provider.
func (s *Store) Get(provider string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[provider]
	return c, ok
}

// Remove deletes the credential for provider. It reports whether one existed.
func (s *Store) Remove(provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[provider]; !ok {
		return false, nil
	}
	delete(s.creds, provider)
	return true, s.saveLocked()
}

// ListProviders returns stored provider names in sorted order.
func (s *Store) ListProviders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.creds))
	for name := range s.creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OAuthAccount returns the account id of an OAuth credential.
func (s *Store) OAuthAccount(provider string) (string, bool) {
	c, ok := s.Get(provider)
	if !ok || c.AuthType != AuthOAuth {
		return "", false
	}
	return c.AccountID, true
}

// GetValidToken returns a usable bearer token for provider, refreshing an
// OAuth credential that is within the refresh buffer of expiry.
func (s *Store) GetValidToken(ctx context.Context, provider string) (string, error) {
	cred, ok := s.Get(provider)
	if !ok {
		return "", fmt.Errorf("%s: %w", provider, ErrNotFound)
	}
	if !cred.IsExpired(s.now(), s.buffer) {
		return cred.Token(), nil
	}

	lock := s.refreshLock(provider)
	lock.Lock()
	defer lock.Unlock()

	// another caller may have refreshed while we waited
	cred, ok = s.Get(provider)
	if !ok {
		return "", fmt.Errorf("%s: %w", provider, ErrNotFound)
	}
	if !cred.IsExpired(s.now(), s.buffer) {
		return cred.Token(), nil
	}

	if s.refresher == nil {
		return "", fmt.Errorf("token for %s expired and no refresher is configured", provider)
	}
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("token for %s expired and has no refresh token", provider)
	}

	s.logger.Info().Str("provider", provider).Msg("Refreshing OAuth token")
	tokens, err := s.refresher.Refresh(ctx, cred.RefreshToken)
	observability.RecordCredentialRefresh(provider, err == nil)
	observability.RecordCredentialAudit(ctx, "refresh", provider, err == nil)
	if err != nil {
		s.logger.Error().Err(err).Str("provider", provider).Msg("Failed to refresh OAuth token")
		return "", fmt.Errorf("failed to refresh token for %s: %w", provider, err)
	}

	if tokens.AccountID == "" {
		tokens.AccountID = cred.AccountID
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = cred.RefreshToken
	}
	if err := s.StoreOAuth(provider, *tokens); err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

func (s *Store) refreshLock(provider string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.refreshLocks[provider]
	if !ok {
		lock = &sync.Mutex{}
		s.refreshLocks[provider] = lock
	}
	return lock
}

func (s *Store) put(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.Provider] = c
	return s.saveLocked()
}

// saveLocked writes the whole file through a temp file and rename.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to restrict credential file permissions")
	}
	return nil
}
