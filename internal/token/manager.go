package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"logship-agent/internal/credentials"
	"logship-agent/internal/model"
)

const (
	grantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	writeScope   = "https://www.googleapis.com/auth/logging.write"
	assertionTTL = time.Hour
)

// RequestError describes a token exchange the endpoint refused or answered
// in an unusable form.
type RequestError struct {
	Reason     string
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("token: %s (status %d): %s", e.Reason, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("token: %s (status %d)", e.Reason, e.StatusCode)
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	Assertion string `json:"assertion"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	// Error fields the endpoint embeds on rejection.
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Manager exchanges the service-account credential for short-lived bearer
// tokens and caches the latest one. Refresh is single-flight: concurrent
// callers with no valid cached token share one network exchange and all
// receive its outcome.
type Manager struct {
	creds  *credentials.ServiceAccount
	client *http.Client
	now    func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cached *model.AccessToken
}

func NewManager(creds *credentials.ServiceAccount) *Manager {
	return &Manager{
		creds: creds,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// Token returns the cached token when it is still valid, otherwise
// refreshes it. At most one refresh request is in flight at a time; every
// caller waiting on it receives the same token or the same error.
func (m *Manager) Token(ctx context.Context) (model.AccessToken, error) {
	if tok, ok := m.cachedValid(); ok {
		return tok, nil
	}

	v, err, shared := m.group.Do("refresh", func() (interface{}, error) {
		// A refresh may have completed between the cache miss and
		// joining the flight.
		if tok, ok := m.cachedValid(); ok {
			return tok, nil
		}
		tok, err := m.refresh(ctx)
		if err != nil {
			return model.AccessToken{}, err
		}
		m.mu.Lock()
		m.cached = &tok
		m.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		log.Error().Err(err).Bool("shared", shared).Msg("Token refresh failed")
		return model.AccessToken{}, err
	}
	return v.(model.AccessToken), nil
}

func (m *Manager) cachedValid() (model.AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && !m.cached.Expired(m.now()) {
		return *m.cached, true
	}
	return model.AccessToken{}, false
}

func (m *Manager) refresh(ctx context.Context) (model.AccessToken, error) {
	issued := m.now()
	assertion, err := m.signAssertion(issued)
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("token: sign assertion: %w", err)
	}

	body, err := json.Marshal(tokenRequest{GrantType: grantType, Assertion: assertion})
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("token: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.creds.TokenURI, bytes.NewReader(body))
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("token: endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.AccessToken{}, fmt.Errorf("token: read response: %w", err)
	}
	if len(respBody) == 0 {
		return model.AccessToken{}, &RequestError{Reason: "empty response body", StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return model.AccessToken{}, &RequestError{Reason: "unparseable response", StatusCode: resp.StatusCode, Detail: err.Error()}
	}
	if tr.ErrorCode != "" {
		return model.AccessToken{}, &RequestError{Reason: tr.ErrorCode, StatusCode: resp.StatusCode, Detail: tr.ErrorDescription}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.AccessToken{}, &RequestError{Reason: "non-2xx response", StatusCode: resp.StatusCode, Detail: string(respBody)}
	}
	if tr.TokenType != "Bearer" {
		return model.AccessToken{}, &RequestError{Reason: fmt.Sprintf("unexpected token type %q", tr.TokenType), StatusCode: resp.StatusCode}
	}
	if tr.AccessToken == "" {
		return model.AccessToken{}, &RequestError{Reason: "response missing access_token", StatusCode: resp.StatusCode}
	}

	tok := model.AccessToken{
		Value:     tr.AccessToken,
		ExpiresIn: time.Duration(tr.ExpiresIn) * time.Second,
		IssuedAt:  issued,
	}
	log.Debug().Dur("expires_in", tok.ExpiresIn).Msg("Obtained access token")
	return tok, nil
}

func (m *Manager) signAssertion(issued time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   m.creds.ClientEmail,
		"scope": writeScope,
		"aud":   m.creds.TokenURI,
		"iat":   issued.Unix(),
		"exp":   issued.Add(assertionTTL).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if m.creds.PrivateKeyID != "" {
		t.Header["kid"] = m.creds.PrivateKeyID
	}
	return t.SignedString(m.creds.PrivateKey)
}
