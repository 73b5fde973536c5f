package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// AuthType selects how outbound requests are authenticated.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2"
)

// OAuthConfig holds the client-credentials settings for AuthOAuth2.
type OAuthConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// tokenResponse is the token endpoint's reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenRefreshMargin refreshes a cached token this long before its declared
// expiry so a token never goes stale mid-request.
const tokenRefreshMargin = 30 * time.Second

// tokenSource caches an OAuth2 client-credentials access token until close
// to expiry.
type tokenSource struct {
	config     OAuthConfig
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenSource(config OAuthConfig, httpClient *http.Client, logger *zap.Logger) *tokenSource {
	return &tokenSource{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Token returns a valid access token, refreshing through the token endpoint
// when the cached one is absent or within the refresh margin of expiry.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expiresAt.Add(-tokenRefreshMargin)) {
		return ts.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ts.config.ClientID)
	form.Set("client_secret", ts.config.ClientSecret)
	if ts.config.Scope != "" {
		form.Set("scope", ts.config.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.config.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewError(types.ErrCodeTransientIO, "failed to build token request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrCodeTransientIO, "token endpoint unreachable").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.NewError(types.ErrCodeTransientIO,
			"token endpoint returned status "+resp.Status).WithRetryable(resp.StatusCode >= 500)
	}

	var tr tokenResponse
	if err := decodeJSON(resp.Body, &tr); err != nil {
		return "", types.NewError(types.ErrCodeTransientIO, "undecodable token response").WithCause(err)
	}
	if tr.AccessToken == "" {
		return "", types.NewError(types.ErrCodeTransientIO, "token response missing access_token")
	}

	ts.token = tr.AccessToken
	if tr.ExpiresIn > 0 {
		ts.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		ts.expiresAt = time.Now().Add(time.Hour)
	}

	ts.logger.Debug("oauth2 token refreshed",
		zap.Time("expires_at", ts.expiresAt),
	)
	return ts.token, nil
}

// decodeJSON decodes r into v.
func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// invalidate drops the cached token so the next call refreshes.
func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
	ts.expiresAt = time.Time{}
}
