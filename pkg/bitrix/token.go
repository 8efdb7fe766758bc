package bitrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbkchat/relay/pkg/logger"
	"github.com/pkg/errors"
)

// Refresh error codes persisted alongside a deactivated token.
const (
	RefreshOK              = 0
	RefreshWrongClient     = 1
	RefreshExpiredToken    = 2
	RefreshInvalidGrant    = 3
	RefreshNotInstalled    = 4
	RefreshPaymentRequired = 5
	RefreshPortalDeleted   = 6
	RefreshOther           = 9
)

// Refresh exchanges the refresh token for a new access token pair through the
// OAuth endpoint. On success the new tokens are persisted with a UTC stamp
// and the token stays active; on an authoritative OAuth error the token is
// persisted as inactive. Returns whether the token is usable afterwards.
func (t *Token) Refresh(ctx context.Context) (bool, error) {
	if t.RefreshToken == "" || t.ClientID == "" {
		return false, errors.New("token has no OAuth credentials to refresh")
	}

	host := t.OAuthHost
	if host == "" {
		host = "oauth.bitrix.info"
	}

	query := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {t.ClientID},
		"client_secret": {t.ClientSecret},
		"refresh_token": {t.RefreshToken},
	}
	refreshURL := "https://" + host + "/oauth/token/?" + query.Encode()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, refreshURL, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to build refresh request")
	}

	client := t.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, classifyTransportError(err, timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, classifyTransportError(err, timeout)
	}

	// Upstream hiccups are not authoritative: leave the token as is.
	if resp.StatusCode >= 500 {
		return false, nil
	}

	var data struct {
		Error        string `json:"error"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		if resp.StatusCode >= 403 && strings.Contains(string(body), "portal404") {
			return false, t.deactivate(ctx, RefreshPortalDeleted)
		}
		return false, nil
	}

	if data.Error != "" {
		code := RefreshOther
		switch data.Error {
		case "invalid_grant":
			code = RefreshInvalidGrant
		case "wrong_client":
			code = RefreshWrongClient
		case "expired_token":
			code = RefreshExpiredToken
		case "NOT_INSTALLED":
			code = RefreshNotInstalled
		case "PAYMENT_REQUIRED":
			code = RefreshPaymentRequired
		}
		logger.G(ctx).WithField("portal", t.Domain).WithField("oauth_error", data.Error).
			Warn("OAuth token refresh rejected")
		return false, t.deactivate(ctx, code)
	}

	if data.AccessToken != "" {
		t.AuthToken = data.AccessToken
	}
	if data.RefreshToken != "" {
		t.RefreshToken = data.RefreshToken
	}

	if t.Store != nil {
		if err := t.Store.SavePortalToken(ctx, t.Domain, t.AuthToken, t.RefreshToken, time.Now().UTC(), true); err != nil {
			return false, errors.Wrap(err, "failed to persist refreshed token")
		}
	}
	return true, nil
}

func (t *Token) deactivate(ctx context.Context, code int) error {
	if t.Store == nil {
		return nil
	}
	err := t.Store.SavePortalToken(ctx, t.Domain, t.AuthToken, t.RefreshToken, time.Now().UTC(), false)
	return errors.Wrapf(err, "failed to deactivate token (refresh error %d)", code)
}
