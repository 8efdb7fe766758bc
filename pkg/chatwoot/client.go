// Package chatwoot implements the helpdesk API client: contacts,
// conversations, messages, status toggles, and custom attributes. The
// helpdesk is the source of truth for chat content; this service only reads
// and appends.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/pkg/errors"
)

// DefaultTimeout bounds a single helpdesk request.
const DefaultTimeout = 15 * time.Second

// Notifier receives marker hits on outgoing messages. The deal sync engine
// implements it; the indirection keeps this package free of a CRM dependency.
type Notifier interface {
	NotifyResponsibleByConversation(ctx context.Context, conversationID int, marker string) error
}

// Error is a non-2xx helpdesk response.
type Error struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("chatwoot: HTTP %d for %s %s: %s", e.StatusCode, e.Method, e.URL, e.Body)
}

// Client is the helpdesk API client.
type Client struct {
	baseURL    string
	token      string
	accountID  int
	httpClient *http.Client
	notifier   Notifier
}

// New creates a helpdesk client.
func New(baseURL, token string, accountID int) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		accountID:  accountID,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// SetNotifier wires the marker notifier. Called once by the composition root.
func (c *Client) SetNotifier(n Notifier) {
	c.notifier = n
}

// SetHTTPClient overrides the HTTP client (tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

func (c *Client) accountPath(suffix string) string {
	return fmt.Sprintf("%s/api/v1/accounts/%d%s", c.baseURL, c.accountID, suffix)
}

// request issues one API call and decodes the JSON response into out.
// Read-only calls are retried on transient failures; writes go out once.
func (c *Client) request(ctx context.Context, method, rawURL string, query url.Values, payload any, out any) error {
	do := func() error {
		return c.doRequest(ctx, method, rawURL, query, payload, out)
	}

	if method != http.MethodGet {
		return do()
	}

	return retry.Do(do,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
}

func isTransient(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Network-level failures are worth one more try.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) doRequest(ctx context.Context, method, rawURL string, query url.Values, payload any, out any) error {
	fullURL := rawURL
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("api_access_token", c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "helpdesk request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read helpdesk response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &Error{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        fullURL,
			Body:       string(respBody),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "failed to decode helpdesk response")
	}
	return nil
}

func (c *Client) logWarn(ctx context.Context, format string, args ...any) {
	logger.G(ctx).Warnf(format, args...)
}
