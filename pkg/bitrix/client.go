// Package bitrix implements a typed, retry-aware REST client for a
// Bitrix24-style CRM: bracketed form encoding, a status-code retry ladder,
// batch fan-out for list methods, and OAuth token refresh.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbkchat/relay/pkg/logger"
	"github.com/pkg/errors"
)

const (
	// DefaultTimeout bounds a single CRM request attempt.
	DefaultTimeout = 120 * time.Second

	maxRetries503  = 20
	maxRetries429  = 8
	initialBackoff = 500 * time.Millisecond
	backoffFactor  = 1.5
	maxBackoff     = 15 * time.Second
	backoffJitter  = 200 * time.Millisecond
)

// TokenStore persists refreshed OAuth credentials.
type TokenStore interface {
	SavePortalToken(ctx context.Context, portal, authToken, refreshToken string, refreshedAt time.Time, active bool) error
}

// Token is a credential-bound CRM client. Exactly one of WebhookAuth or
// AuthToken is used: webhook tokens go into the URL path, OAuth tokens into
// the form field "auth".
type Token struct {
	Domain       string
	AuthToken    string
	WebhookAuth  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	OAuthHost    string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Store        TokenStore

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWebhookToken builds a client authenticated by an inbound webhook key.
func NewWebhookToken(domain, webhookAuth string) *Token {
	return &Token{
		Domain:      domain,
		WebhookAuth: webhookAuth,
		Timeout:     DefaultTimeout,
		HTTPClient:  newHTTPClient(),
		sleep:       sleepCtx,
	}
}

// NewOAuthToken builds a client authenticated by OAuth application tokens.
func NewOAuthToken(domain, authToken, refreshToken, clientID, clientSecret string, store TokenStore) *Token {
	return &Token{
		Domain:       domain,
		AuthToken:    authToken,
		RefreshToken: refreshToken,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		OAuthHost:    "oauth.bitrix.info",
		Timeout:      DefaultTimeout,
		HTTPClient:   newHTTPClient(),
		Store:        store,
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		// Redirects are handled by the retry loop so counters survive a
		// portal domain change.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Response is the decoded JSON envelope of a CRM call.
type Response struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next"`
	Total            int             `json:"total"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// CallAPIMethod issues a single REST call and decodes the response envelope.
func (t *Token) CallAPIMethod(ctx context.Context, method string, params Params) (*Response, error) {
	var form any = params
	if params == nil {
		form = Params{}
	}
	return t.call(ctx, method, form)
}

// CallAPIMethodWithRefresh behaves like CallAPIMethod but refreshes the OAuth
// token and retries exactly once when the CRM reports it expired.
func (t *Token) CallAPIMethodWithRefresh(ctx context.Context, method string, params Params) (*Response, error) {
	resp, err := t.CallAPIMethod(ctx, method, params)
	if !errors.Is(err, ErrExpiredToken) {
		return resp, err
	}
	ok, refreshErr := t.Refresh(ctx)
	if refreshErr != nil || !ok {
		if refreshErr != nil {
			return nil, errors.Wrap(refreshErr, "token refresh failed")
		}
		return nil, err
	}
	return t.CallAPIMethod(ctx, method, params)
}

func (t *Token) call(ctx context.Context, method string, form any) (*Response, error) {
	encoded := ConvertParams(form)

	hookKey := ""
	if t.WebhookAuth != "" {
		hookKey = t.WebhookAuth + "/"
	} else {
		auth := "auth=" + quote(t.AuthToken)
		if encoded == "" {
			encoded = auth
		} else {
			encoded += "&" + auth
		}
	}

	url := "https://" + t.Domain + "/rest/" + hookKey + method + ".json"

	status, body, err := t.callWithRetries(ctx, url, encoded)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{StatusCode: 601, ErrorCode: "json ValueError", Description: err.Error()}
	}

	if (status == http.StatusOK || status == http.StatusCreated) && resp.Error == "" {
		return &resp, nil
	}

	if status == http.StatusUnauthorized && resp.Error == "expired_token" {
		return nil, ErrExpiredToken
	}

	return nil, &APIError{StatusCode: status, ErrorCode: resp.Error, Description: resp.ErrorDescription}
}

// callWithRetries posts the form body, walking the retry ladder: 503 backs
// off exponentially (cap 15s, jittered), 429 honors Retry-After, redirects
// are followed without resetting the counters.
func (t *Token) callWithRetries(ctx context.Context, url, body string) (int, []byte, error) {
	log := logger.G(ctx)

	sleep := t.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	retries503 := maxRetries503
	retries429 := maxRetries429
	backoff := initialBackoff

	for {
		status, respBody, header, err := t.doOnce(ctx, url, body)
		if err != nil {
			return 0, nil, err
		}

		if status == http.StatusForbidden && strings.Contains(strings.ToLower(string(respBody)), "nginx") {
			return 0, nil, &APIError{StatusCode: status, ErrorCode: "Nginx 403 Forbidden", Description: "Nginx 403 Forbidden"}
		}

		if status == http.StatusInternalServerError && strings.TrimSpace(string(respBody)) == "Internal Server Error" {
			return 0, nil, &APIError{StatusCode: status, ErrorCode: "Bitrix 500 Internal Server Error", Description: "Bitrix 500 Internal Server Error"}
		}

		if status == http.StatusServiceUnavailable && retries503 > 0 {
			log.WithField("retries_left", retries503).Debug("503 from CRM, retrying")
			if err := sleep(ctx, backoff+time.Duration(rand.Int63n(int64(backoffJitter)))); err != nil {
				return 0, nil, &TimeoutError{Err: err, Timeout: t.Timeout}
			}
			retries503--
			backoff = nextBackoff(backoff)
			continue
		}

		if status == http.StatusTooManyRequests && retries429 > 0 {
			delay, ok := parseRetryAfter(header.Get("Retry-After"))
			if !ok {
				delay = backoff
				backoff = nextBackoff(backoff)
			}
			log.WithField("delay", delay).WithField("retries_left", retries429).Debug("429 from CRM, rate limited")
			if err := sleep(ctx, delay); err != nil {
				return 0, nil, &TimeoutError{Err: err, Timeout: t.Timeout}
			}
			retries429--
			continue
		}

		if status == http.StatusMovedPermanently || status == http.StatusFound {
			if location := header.Get("Location"); location != "" {
				log.WithField("location", location).Debug("following CRM redirect")
				url = location
				continue
			}
			log.Warn("redirect without Location header")
		}

		return status, respBody, nil
	}
}

func (t *Token) doOnce(ctx context.Context, url, body string) (int, []byte, http.Header, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "failed to build CRM request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := t.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, classifyTransportError(err, timeout)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, classifyTransportError(err, timeout)
	}

	return resp.StatusCode, respBody, resp.Header, nil
}

func classifyTransportError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Err: err, Timeout: timeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Err: err, Timeout: timeout}
	}
	return &ConnectionError{Err: err}
}

func nextBackoff(backoff time.Duration) time.Duration {
	next := time.Duration(float64(backoff) * backoffFactor)
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}
