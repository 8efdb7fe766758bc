package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/phone"
	"github.com/pkg/errors"
)

const wappiBaseURL = "https://wappi.pro"

// Async file sends are tracked through the task API until delivery.
const (
	taskPollInterval = 5 * time.Second
	taskPollTimeout  = 10 * time.Minute
)

var dataURIPrefix = regexp.MustCompile(`(?is)^data:[^;]+;base64,`)

// Wappi is the Telegram gateway client. Every call goes to
// https://wappi.pro/tapi/... with the profile id as a query parameter and
// the token in the Authorization header.
type Wappi struct {
	baseURL    string
	token      string
	profileID  string
	httpClient *http.Client

	pollInterval time.Duration
	pollTimeout  time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewWappi creates a Telegram sender.
func NewWappi(token, profileID string) *Wappi {
	return &Wappi{
		baseURL:      wappiBaseURL,
		token:        token,
		profileID:    profileID,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: taskPollInterval,
		pollTimeout:  taskPollTimeout,
		sleep:        sleepCtx,
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

// SetHTTPClient overrides the HTTP client (tests).
func (w *Wappi) SetHTTPClient(hc *http.Client) { w.httpClient = hc }

// SetBaseURL overrides the gateway URL (tests).
func (w *Wappi) SetBaseURL(base string) { w.baseURL = strings.TrimRight(base, "/") }

// Kind reports the Telegram transport kind.
func (w *Wappi) Kind() config.TransportKind { return config.KindTG }

func (w *Wappi) request(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if query.Get("profile_id") == "" {
		query.Set("profile_id", w.profileID)
	}
	fullURL := w.baseURL + "/tapi" + path + "?" + query.Encode()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to encode gateway payload")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return errors.Wrap(err, "failed to build gateway request")
	}
	req.Header.Set("Authorization", w.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "gateway %s request failed", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read gateway response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("gateway %s returned HTTP %d: %s", path, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrapf(err, "failed to decode gateway %s response", path)
		}
	}
	return nil
}

// SendText delivers a plain text message.
func (w *Wappi) SendText(ctx context.Context, rawPhone, text string) error {
	if text == "" {
		return errors.New("message text must not be empty")
	}
	return w.request(ctx, http.MethodPost, "/sync/message/send", nil, map[string]string{
		"recipient": phone.Identifier(rawPhone),
		"body":      text,
	}, nil)
}

// SendContact delivers a contact card.
func (w *Wappi) SendContact(ctx context.Context, clientPhone, contactPhone, firstName, lastName string) error {
	name := strings.TrimSpace(firstName + " " + lastName)
	payload := map[string]string{
		"recipient": phone.Identifier(clientPhone),
		"phone":     phone.Identifier(contactPhone),
	}
	if name != "" {
		payload["name"] = name
	}
	return w.request(ctx, http.MethodPost, "/sync/contact/send", nil, payload, nil)
}

// GetContact looks a contact up by phone digits, returning nil when unknown.
func (w *Wappi) GetContact(ctx context.Context, recipient string) (map[string]any, error) {
	var resp struct {
		Contact map[string]any `json:"contact"`
	}
	query := url.Values{"recipient": {recipient}}
	if err := w.request(ctx, http.MethodGet, "/sync/contact/get", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contact, nil
}

// CreateContact registers the phone in the gateway address book; the
// gateway cannot message a Telegram user it has never seen.
func (w *Wappi) CreateContact(ctx context.Context, recipient, name string) (map[string]any, error) {
	var resp struct {
		Contact map[string]any `json:"contact"`
	}
	payload := map[string]string{"recipient": recipient, "name": name}
	if err := w.request(ctx, http.MethodPost, "/sync/contact/add", nil, payload, &resp); err != nil {
		return nil, err
	}
	return resp.Contact, nil
}

// GetOrCreateContact resolves the address book entry, creating it when
// missing. Returns whether it was created.
func (w *Wappi) GetOrCreateContact(ctx context.Context, rawPhone, name string) (map[string]any, bool, error) {
	recipient := phone.Identifier(rawPhone)

	contact, err := w.GetContact(ctx, recipient)
	if err == nil && contact != nil {
		return contact, false, nil
	}
	if err != nil {
		logger.G(ctx).WithError(err).Debugf("gateway contact lookup failed for %s, creating", recipient)
	}

	contact, err = w.CreateContact(ctx, recipient, name)
	if err != nil {
		return nil, false, err
	}
	return contact, contact != nil, nil
}

// SendMediaByURL queues an async file send and returns the task id.
func (w *Wappi) SendMediaByURL(ctx context.Context, recipient, fileURL, caption, fileName string) (string, error) {
	payload := map[string]string{"recipient": recipient, "url": fileURL}
	if caption != "" {
		payload["caption"] = caption
	}
	if fileName != "" {
		payload["file_name"] = fileName
	}

	var resp map[string]any
	if err := w.request(ctx, http.MethodPost, "/async/message/file/url/send", nil, payload, &resp); err != nil {
		return "", err
	}
	taskID := extractTaskID(resp)
	if taskID == "" {
		return "", errors.Errorf("gateway async send returned no task id: %v", resp)
	}
	return taskID, nil
}

func extractTaskID(resp map[string]any) string {
	keys := []string{"task_id", "id", "queue_id", "job_id"}
	for _, key := range keys {
		if val, ok := resp[key].(string); ok && strings.TrimSpace(val) != "" {
			return val
		}
	}
	if task, ok := resp["task"].(map[string]any); ok {
		for _, key := range keys {
			if val, ok := task[key].(string); ok && strings.TrimSpace(val) != "" {
				return val
			}
		}
	}
	return ""
}

type wappiTask struct {
	Status string `json:"status"`
	Task   struct {
		Response struct {
			Status string `json:"status"`
		} `json:"response"`
	} `json:"task"`
}

func (t *wappiTask) status() string {
	if t.Status != "" {
		return strings.ToLower(t.Status)
	}
	return strings.ToLower(t.Task.Response.Status)
}

// WaitTaskDone polls the task API until the send is delivered, failed, or
// the timeout elapses.
func (w *Wappi) WaitTaskDone(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(w.pollTimeout)
	for {
		var task wappiTask
		query := url.Values{"task_id": {taskID}}
		if err := w.request(ctx, http.MethodGet, "/task/get", query, nil, &task); err != nil {
			return err
		}

		switch status := task.status(); status {
		case "delivered":
			return nil
		case "error", "undelivered", "temporary ban":
			return errors.Errorf("gateway task %s finished with status %q", taskID, status)
		}

		if time.Now().After(deadline) {
			return errors.Errorf("timed out waiting for gateway task %s", taskID)
		}
		if err := w.sleep(ctx, w.pollInterval); err != nil {
			return err
		}
	}
}

// DownloadAsBase64 fetches a file and returns its base64 content.
func (w *Wappi) DownloadAsBase64(ctx context.Context, fileURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build download request")
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to download %s", fileURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("download of %s returned HTTP %d", fileURL, resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read file content")
	}
	return base64.StdEncoding.EncodeToString(content), nil
}

// SendDocumentB64 delivers a document from base64 content synchronously.
func (w *Wappi) SendDocumentB64(ctx context.Context, recipient, b64File, fileName, caption string) error {
	if b64File == "" {
		return errors.New("document content must not be empty")
	}
	b64File = dataURIPrefix.ReplaceAllString(b64File, "")

	payload := map[string]string{"recipient": recipient, "b64_file": b64File}
	if fileName != "" {
		payload["file_name"] = fileName
	}
	if caption != "" {
		payload["caption"] = caption
	}
	return w.request(ctx, http.MethodPost, "/sync/message/document/send", nil, payload, nil)
}

// SendFile delivers a file by URL, falling back to a base64 document upload
// when the async URL send fails.
func (w *Wappi) SendFile(ctx context.Context, rawPhone, fileURL, fileName, caption string) error {
	recipient := phone.Identifier(rawPhone)

	taskID, err := w.SendMediaByURL(ctx, recipient, fileURL, caption, fileName)
	if err == nil {
		if err = w.WaitTaskDone(ctx, taskID); err == nil {
			return nil
		}
	}
	logger.G(ctx).WithError(err).Warnf("async file send to %s failed, retrying as base64 document", recipient)

	b64, dlErr := w.DownloadAsBase64(ctx, fileURL)
	if dlErr != nil {
		return errors.Wrap(dlErr, "base64 fallback download failed")
	}
	if fileName == "" {
		fileName = msgtext.FileNameFromURL(fileURL)
	}
	return w.SendDocumentB64(ctx, recipient, b64, fileName, caption)
}

// SendSplit splits the message around file links and sends each segment.
// A failed segment is logged and skipped so the rest still goes out.
func (w *Wappi) SendSplit(ctx context.Context, rawPhone, message string) error {
	for _, seg := range msgtext.SplitByLinks(message) {
		value := strings.TrimSpace(strings.TrimLeft(seg.Value, ".,!? \t;:-"))
		if len([]rune(value)) < 2 {
			continue
		}

		var err error
		switch seg.Kind {
		case msgtext.SegmentFile:
			fileName := ""
			if strings.HasSuffix(strings.ToLower(value), ".pdf") {
				fileName = msgtext.FileNameFromURL(value)
			}
			err = w.SendFile(ctx, rawPhone, value, fileName, "")
		default:
			err = w.SendText(ctx, rawPhone, value)
		}
		if err != nil {
			logger.G(ctx).WithError(err).Warnf("failed to deliver message segment to %s", rawPhone)
		}
	}
	return nil
}

// SendAttachments forwards helpdesk attachments as files by URL.
func (w *Wappi) SendAttachments(ctx context.Context, rawPhone string, attachments []Attachment, caption string) error {
	for _, att := range attachments {
		name := att.FileName
		if name == "" {
			name = msgtext.FileNameFromURL(att.DataURL)
		}
		if err := w.SendFile(ctx, rawPhone, att.DataURL, name, caption); err != nil {
			return err
		}
	}
	return nil
}

// InstancePhone returns the phone number bound to the gateway profile.
func (w *Wappi) InstancePhone(ctx context.Context) (string, error) {
	var resp struct {
		Phone string `json:"phone"`
	}
	if err := w.request(ctx, http.MethodGet, "/sync/get/status", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Phone, nil
}
