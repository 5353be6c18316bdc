// Package identity implements the IdentityProvider contract against an HTTP
// auth backend. It also remembers the last issued credential so a restarted
// process can adopt it through CurrentSession.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/careplane/careplane/internal/apierrors"
	"github.com/careplane/careplane/internal/domain"
)

const maxAuthBody = 64 * 1024

// Config carries the connection parameters of the auth backend.
type Config struct {
	BaseURL string
	AnonKey string
	Timeout time.Duration

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client

	Clock clockwork.Clock
}

// Client talks to the /auth/v1 endpoints of the backend.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	clock   clockwork.Clock

	mu   sync.Mutex
	last *domain.Credential
}

var _ domain.IdentityProvider = (*Client)(nil)

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		anonKey: cfg.AnonKey,
		http:    httpClient,
		clock:   clock,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// SignIn exchanges primary credentials for a token pair.
func (c *Client) SignIn(ctx context.Context, identifier, secret string) (*domain.Credential, error) {
	body := map[string]string{"email": identifier, "password": secret}
	cred, err := c.tokenGrant(ctx, "password", body)
	if err != nil {
		return nil, err
	}
	c.remember(cred)
	return cred, nil
}

// RefreshCredential exchanges a refresh token for a fresh token pair. A 400
// or 401 response means the refresh token is revoked or consumed; callers
// must treat that as terminal.
func (c *Client) RefreshCredential(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	body := map[string]string{"refresh_token": refreshToken}
	cred, err := c.tokenGrant(ctx, "refresh_token", body)
	if err != nil {
		return nil, err
	}
	c.remember(cred)
	return cred, nil
}

// SignOut revokes the access token server-side and forgets the remembered
// credential.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	c.remember(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	c.setHeaders(req, accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return apierrors.Network(fmt.Errorf("sign-out request: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAuthBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return c.classify(resp.StatusCode, "sign-out rejected")
}

// CurrentSession returns the credential most recently issued to this client,
// refreshing it first when it is already expired. Returns (nil, nil) when no
// credential exists to adopt.
func (c *Client) CurrentSession(ctx context.Context) (*domain.Credential, error) {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()

	if last == nil {
		return nil, nil
	}
	if !last.ExpiresAt.After(c.clock.Now()) {
		return c.RefreshCredential(ctx, last.RefreshToken)
	}

	// Credential still looks live; confirm the backend agrees before
	// handing it out for adoption.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("build user request: %w", err)
	}
	c.setHeaders(req, last.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierrors.Network(fmt.Errorf("session lookup: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAuthBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return last, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return c.RefreshCredential(ctx, last.RefreshToken)
	default:
		return nil, c.classify(resp.StatusCode, "session lookup rejected")
	}
}

func (c *Client) tokenGrant(ctx context.Context, grantType string, body map[string]string) (*domain.Credential, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode token request: %w", err)
	}

	url := fmt.Sprintf("%s/auth/v1/token?grant_type=%s", c.baseURL, grantType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierrors.Network(fmt.Errorf("token request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthBody))
	if err != nil {
		return nil, apierrors.Network(fmt.Errorf("read token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		if grantType == "refresh_token" &&
			(resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized) {
			return nil, apierrors.AuthUnrecoverable(
				fmt.Sprintf("refresh token rejected with status %d", resp.StatusCode), nil)
		}
		return nil, c.classify(resp.StatusCode, errorMessage(raw))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, apierrors.Parse(err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, apierrors.Parse(errors.New("token response missing access or refresh token"))
	}

	return &domain.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		SubjectID:    tr.User.ID,
	}, nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

func (c *Client) remember(cred *domain.Credential) {
	c.mu.Lock()
	c.last = cred
	c.mu.Unlock()
}

func (c *Client) classify(status int, message string) error {
	switch {
	case status == http.StatusUnauthorized:
		return apierrors.AuthExpired(message)
	case status == http.StatusForbidden:
		return apierrors.PermissionDenied(message)
	case status >= 500:
		return apierrors.Server(status, message)
	default:
		return apierrors.Client(status, message)
	}
}

func errorMessage(raw []byte) string {
	var parsed struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			return parsed.Message
		case parsed.ErrorDescription != "":
			return parsed.ErrorDescription
		case parsed.Error != "":
			return parsed.Error
		}
	}
	return "authentication request failed"
}
