package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryMargin keeps a cached token from being used right before it expires.
const tokenExpiryMargin = 30 * time.Second

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = 5 * time.Minute

const DefaultAuthorityURL = "https://login.microsoftonline.com"

// TokenSource supplies bearer tokens for provider requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type ClientCredentialsConfig struct {
	AuthorityURL string
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// ClientCredentialsTokenSource fetches app-only tokens with the OAuth2 client
// credentials grant and caches the latest one. Concurrent callers that miss
// the cache may each refresh; the last stored token wins.
type ClientCredentialsTokenSource struct {
	oauth  clientcredentials.Config
	client *http.Client
	cache  atomic.Pointer[cachedToken]
	now    func() time.Time
}

func NewClientCredentialsTokenSource(cfg ClientCredentialsConfig, client *http.Client) *ClientCredentialsTokenSource {
	authority := strings.TrimRight(cfg.AuthorityURL, "/")
	if authority == "" {
		authority = DefaultAuthorityURL
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &ClientCredentialsTokenSource{
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, cfg.TenantID),
			Scopes:       []string{cfg.Scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
		now:    time.Now,
	}
}

// Token returns the cached token while it is outside the expiry margin and
// fetches a new one otherwise.
func (s *ClientCredentialsTokenSource) Token(ctx context.Context) (string, error) {
	if cached := s.cache.Load(); cached != nil && cached.expiresAt.After(s.now().Add(tokenExpiryMargin)) {
		return cached.accessToken, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.oauth.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialAcquisition, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrCredentialAcquisition)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(defaultTokenLifetime)
	}
	s.cache.Store(&cachedToken{accessToken: tok.AccessToken, expiresAt: expiresAt})
	return tok.AccessToken, nil
}
