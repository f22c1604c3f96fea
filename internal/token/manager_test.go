package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logship-agent/internal/credentials"
)

func testManager(t *testing.T, endpoint string) (*Manager, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	creds := &credentials.ServiceAccount{
		Type:         "service_account",
		ProjectID:    "test-project",
		PrivateKeyID: "key-1",
		ClientEmail:  "agent@test-project.iam.gserviceaccount.com",
		TokenURI:     endpoint,
		PrivateKey:   key,
	}
	return NewManager(creds), key
}

func tokenHandler(t *testing.T, key *rsa.PrivateKey, calls *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req tokenRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, grantType, req.GrantType)

		parsed, err := jwt.Parse(req.Assertion, func(tok *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if assert.NoError(t, err) {
			claims := parsed.Claims.(jwt.MapClaims)
			assert.Equal(t, "agent@test-project.iam.gserviceaccount.com", claims["iss"])
			assert.Equal(t, writeScope, claims["scope"])
		}

		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "tok-abc",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	}
}

func TestTokenRefreshAndCache(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var calls atomic.Int64
	srv := httptest.NewServer(tokenHandler(t, key, &calls))
	defer srv.Close()

	m := NewManager(&credentials.ServiceAccount{
		Type:        "service_account",
		ClientEmail: "agent@test-project.iam.gserviceaccount.com",
		TokenURI:    srv.URL,
		PrivateKey:  key,
	})

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", tok.Value)
	assert.Equal(t, time.Hour, tok.ExpiresIn)

	// Second call is served from cache with no further I/O.
	tok2, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.Value, tok2.Value)
	assert.Equal(t, int64(1), calls.Load())
}

func TestTokenSingleFlightUnderConcurrentDemand(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-shared", ExpiresIn: 3600, TokenType: "Bearer"})
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)

	const n = 16
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			results[i], errs[i] = tok.Value, err
		}(i)
	}
	// Let every caller reach the manager before the endpoint answers.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-shared", results[i])
	}
}

func TestTokenRefreshAfterExpiry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok", ExpiresIn: 60, TokenType: "Bearer"})
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	// Still valid: cache hit.
	now = now.Add(30 * time.Second)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// Past expiry: one more exchange.
	now = now.Add(2 * time.Minute)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestTokenRejectsNonBearerType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok", ExpiresIn: 60, TokenType: "MAC"})
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	_, err := m.Token(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Reason, "MAC")
}

func TestTokenEmbeddedErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "assertion expired",
		})
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	_, err := m.Token(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "invalid_grant", reqErr.Reason)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)

	// A failed refresh leaves no cached token; the next call retries.
	_, err = m.Token(context.Background())
	require.Error(t, err)
}

func TestTokenEmptyResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	_, err := m.Token(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "empty response body", reqErr.Reason)
}
