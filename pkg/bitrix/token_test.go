package bitrix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenStore struct {
	portal       string
	authToken    string
	refreshToken string
	refreshedAt  time.Time
	active       bool
	saves        int
}

func (s *fakeTokenStore) SavePortalToken(ctx context.Context, portal, authToken, refreshToken string, refreshedAt time.Time, active bool) error {
	s.portal = portal
	s.authToken = authToken
	s.refreshToken = refreshToken
	s.refreshedAt = refreshedAt
	s.active = active
	s.saves++
	return nil
}

func oauthTestToken(t *testing.T, handler http.Handler, store TokenStore) *Token {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	token := NewOAuthToken("portal.bitrix24.ru", "old-access", "old-refresh", "app", "secret", store)
	token.OAuthHost = strings.TrimPrefix(srv.URL, "https://")
	token.HTTPClient = srv.Client()
	return token
}

func TestRefreshSuccessPersistsNewTokens(t *testing.T) {
	store := &fakeTokenStore{}
	token := oauthTestToken(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "old-refresh", r.URL.Query().Get("refresh_token"))
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh"}`))
	}), store)

	ok, err := token.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "new-access", token.AuthToken)
	assert.Equal(t, "new-refresh", token.RefreshToken)
	assert.Equal(t, "portal.bitrix24.ru", store.portal)
	assert.True(t, store.active)
	assert.WithinDuration(t, time.Now().UTC(), store.refreshedAt, time.Minute)
}

func TestRefreshInvalidGrantDeactivates(t *testing.T) {
	store := &fakeTokenStore{}
	token := oauthTestToken(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}), store)

	ok, err := token.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.active)
	assert.Equal(t, 1, store.saves)
}

func TestRefreshServerErrorLeavesTokenAlone(t *testing.T) {
	store := &fakeTokenStore{}
	token := oauthTestToken(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), store)

	ok, err := token.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.saves)
	assert.Equal(t, "old-access", token.AuthToken)
}

func TestRefreshWithoutCredentials(t *testing.T) {
	token := NewWebhookToken("portal.bitrix24.ru", "1/hook")
	_, err := token.Refresh(context.Background())
	assert.Error(t, err)
}

func TestCallAPIMethodWithRefreshRetriesOnce(t *testing.T) {
	store := &fakeTokenStore{}

	var apiCalls, refreshCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/user.current.json", func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		if apiCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"expired_token"}`))
			return
		}
		w.Write([]byte(`{"result":{"ID":"1"}}`))
	})
	mux.HandleFunc("/oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		w.Write([]byte(`{"access_token":"fresh","refresh_token":"fresher"}`))
	})

	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	token := NewOAuthToken(host, "stale", "old-refresh", "app", "secret", store)
	token.OAuthHost = host
	token.HTTPClient = srv.Client()
	token.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := token.CallAPIMethodWithRefresh(context.Background(), "user.current", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":"1"}`, string(resp.Result))
	assert.Equal(t, 2, apiCalls)
	assert.Equal(t, 1, refreshCalls)
	assert.Equal(t, "fresh", token.AuthToken)
}
