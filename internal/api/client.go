package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/mailsession/internal/credentials"
	"github.com/teemow/mailsession/internal/logging"
)

// DefaultRefreshPath is the refresh endpoint path on the mail API.
const DefaultRefreshPath = "/auth/refresh"

// ClientConfig holds the client's endpoint and identification settings.
type ClientConfig struct {
	// BaseURL is the default API host, used whenever no proxy route is
	// active for the target account.
	BaseURL string
	// RefreshPath is the refresh endpoint path, relative to the host.
	RefreshPath string
	AppVersion  string
	UserAgent   string
	Locale      string
	Timeout     time.Duration
}

// DefaultClientConfig returns a config populated from the environment.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:     getEnvOrDefault("MAILSESSION_API_URL", "https://api.mail.example.com"),
		RefreshPath: getEnvOrDefault("MAILSESSION_REFRESH_PATH", DefaultRefreshPath),
		AppVersion:  getEnvOrDefault("MAILSESSION_APP_VERSION", "0.0.0-dev"),
		UserAgent:   getEnvOrDefault("MAILSESSION_USER_AGENT", "mailsession"),
		Locale:      getEnvOrDefault("MAILSESSION_LOCALE", "en_US"),
		Timeout:     30 * time.Second,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Client issues requests against the mail API. Authenticated traffic runs
// through the full Transport pipeline; the refresh endpoint is called with a
// plain client so a refresh can never recurse into re-authentication.
type Client struct {
	config   ClientConfig
	http     *http.Client
	plain    *http.Client
	fallback *ProxyFallback
	logger   *slog.Logger
}

// NewClient assembles a client around the given pipeline transport.
func NewClient(config ClientConfig, transport *Transport, fallback *ProxyFallback) *Client {
	return &Client{
		config:   config,
		http:     &http.Client{Transport: transport, Timeout: config.Timeout},
		plain:    &http.Client{Timeout: config.Timeout},
		fallback: fallback,
		logger:   slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// baseFor returns the host the tagged account routes through.
func (c *Client) baseFor(tag Tag) string {
	if c.fallback == nil {
		return c.config.BaseURL
	}
	id, ok := tag.AccountID()
	if !ok {
		return c.config.BaseURL
	}
	if proxy := c.fallback.ActiveProxy(id); proxy != "" {
		return proxy
	}
	return c.config.BaseURL
}

// NewRequest builds a request for the given path, routed and tagged for the
// account the tag names. Bodies are buffered so retries and auth replays can
// re-materialize them.
func (c *Client) NewRequest(ctx context.Context, method, path string, tag Tag, body io.Reader) (*http.Request, error) {
	url := strings.TrimRight(c.baseFor(tag), "/") + "/" + strings.TrimLeft(path, "/")

	var payload []byte
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
		req.Header.Set("Content-Type", "application/json")
	}

	return WithTag(req, tag), nil
}

// Do executes the request through the pipeline.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// DefaultLoginPath is the login endpoint path on the mail API.
const DefaultLoginPath = "/auth/login"

// loginRequest is the login endpoint's request body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a username/password pair and returns the session's
// credential set. The request runs through the pipeline with the no-auth
// tag, so no stored session can leak into it.
func (c *Client) Login(ctx context.Context, username, password string) (*credentials.Set, error) {
	payload, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("encoding login body: %w", err)
	}

	req, err := c.NewRequest(ctx, http.MethodPost, DefaultLoginPath, NoAuthTag(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling login endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{Op: "login", Status: resp.StatusCode, Message: "login rejected"}
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		}
		return nil, apiErr
	}

	var result refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}

	set := &credentials.Set{
		UID: result.UID,
		Token: oauth2.Token{
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
			TokenType:    "Bearer",
		},
		Scope: result.Scope,
	}
	if result.ExpiresIn > 0 {
		set.Token.Expiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}

	c.logger.Info("login succeeded", logging.UserHash(username))
	return set, nil
}

// refreshRequest is the refresh endpoint's request body.
type refreshRequest struct {
	UID          string `json:"uid"`
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the refresh endpoint's success payload.
type refreshResponse struct {
	UID          string `json:"uid"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshSession exchanges a refresh token for a fresh credential set. A
// blank refresh token is rejected locally with a 401-class error: it can
// never succeed and the account's session is conclusively dead.
func (c *Client) RefreshSession(ctx context.Context, uid, refreshToken string) (*credentials.Set, error) {
	if refreshToken == "" {
		return nil, &Error{Op: "refresh", Status: http.StatusUnauthorized, Message: "blank refresh token"}
	}

	payload, err := json.Marshal(refreshRequest{UID: uid, RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encoding refresh body: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + c.config.RefreshPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set(HeaderAppVersion, c.config.AppVersion)

	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling refresh endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{Op: "refresh", Status: resp.StatusCode, Message: "refresh rejected"}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.Err = ErrRateLimited
		}
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		}
		c.logger.Warn("refresh endpoint rejected request",
			logging.Operation("refresh"),
			slog.Int("status_code", resp.StatusCode))
		return nil, apiErr
	}

	var result refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}

	set := &credentials.Set{
		UID: result.UID,
		Token: oauth2.Token{
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
			TokenType:    "Bearer",
		},
		Scope: result.Scope,
	}
	if result.ExpiresIn > 0 {
		set.Token.Expiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	if set.UID == "" {
		set.UID = uid
	}

	c.logger.Debug("refresh succeeded",
		logging.Operation("refresh"),
		slog.String("token", logging.SanitizeToken(set.Token.AccessToken)))
	return set, nil
}

var _ RefreshClient = (*Client)(nil)
