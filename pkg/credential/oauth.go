package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	OpenAITokenURL = "https://auth.openai.com/oauth/token"
	OpenAIClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	accountClaim     = "https://api.openai.com/auth"
	defaultExpiresIn = time.Hour
)

// RefresherConfig configures an OAuthRefresher. Empty fields default to the
// OpenAI (ChatGPT) token endpoint.
type RefresherConfig struct {
	TokenURL   string
	ClientID   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// OAuthRefresher performs refresh_token grants.
type OAuthRefresher struct {
	config *oauth2.Config
	client *http.Client
	now    func() time.Time
}

// NewOAuthRefresher creates a refresher for the configured token endpoint.
func NewOAuthRefresher(cfg RefresherConfig) *OAuthRefresher {
	if cfg.TokenURL == "" {
		cfg.TokenURL = OpenAITokenURL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = OpenAIClientID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: cfg.HTTPClient,
		now:    cfg.Now,
	}
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*OAuthTokens, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = r.now().Add(defaultExpiresIn)
	}
	accountID, _ := AccountIDFromToken(tok.AccessToken)

	return &OAuthTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		AccountID:    accountID,
	}, nil
}

// AccountIDFromToken reads the ChatGPT account id from an access token's
// claims. The signature is not verified.
func AccountIDFromToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", fmt.Errorf("failed to decode token payload: %w", err)
	}

	var claims map[string]json.RawMessage
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("failed to parse token claims: %w", err)
	}
	raw, ok := claims[accountClaim]
	if !ok {
		return "", fmt.Errorf("token has no %s claim", accountClaim)
	}
	var auth struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil || auth.ChatGPTAccountID == "" {
		return "", fmt.Errorf("token has no chatgpt_account_id")
	}
	return auth.ChatGPTAccountID, nil
}
