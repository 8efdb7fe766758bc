package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/phone"
	"github.com/pkg/errors"
)

// GreenAPI is the WhatsApp gateway client. Every call hits
// {base}/waInstance{instance}/{method}/{token}.
type GreenAPI struct {
	baseURL    string
	instanceID string
	apiToken   string
	httpClient *http.Client
}

// NewGreenAPI creates a WhatsApp sender.
func NewGreenAPI(baseURL, instanceID, apiToken string) *GreenAPI {
	return &GreenAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		instanceID: instanceID,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient overrides the HTTP client (tests).
func (g *GreenAPI) SetHTTPClient(hc *http.Client) { g.httpClient = hc }

// Kind reports the WhatsApp transport kind.
func (g *GreenAPI) Kind() config.TransportKind { return config.KindWA }

func (g *GreenAPI) endpoint(method string) string {
	return fmt.Sprintf("%s/waInstance%s/%s/%s", g.baseURL, g.instanceID, method, g.apiToken)
}

func chatID(rawPhone string) string {
	return phone.Identifier(rawPhone) + "@c.us"
}

func (g *GreenAPI) post(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode gateway payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "gateway %s request failed", method)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read gateway response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("gateway %s returned HTTP %d: %s", method, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrapf(err, "failed to decode gateway %s response", method)
		}
	}
	return nil
}

// SendText delivers a plain text message via sendMessage.
func (g *GreenAPI) SendText(ctx context.Context, rawPhone, text string) error {
	return g.post(ctx, "sendMessage", map[string]string{
		"chatId":  chatID(rawPhone),
		"message": text,
	}, nil)
}

// SendFile delivers a file by URL via sendFileByUrl.
func (g *GreenAPI) SendFile(ctx context.Context, rawPhone, url, fileName, caption string) error {
	payload := map[string]string{
		"chatId":   chatID(rawPhone),
		"urlFile":  url,
		"fileName": fileName,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	return g.post(ctx, "sendFileByUrl", payload, nil)
}

// SendContact delivers a contact card via sendContact.
func (g *GreenAPI) SendContact(ctx context.Context, clientPhone, contactPhone, firstName, lastName string) error {
	contact := map[string]string{"phoneContact": phone.Identifier(contactPhone)}
	if firstName != "" {
		contact["firstName"] = firstName
	}
	if lastName != "" {
		contact["lastName"] = lastName
	}
	return g.post(ctx, "sendContact", map[string]any{
		"chatId":  chatID(clientPhone),
		"contact": contact,
	}, nil)
}

// SendSplit splits the message around file links and sends each segment.
// A failed segment is logged and skipped so the rest still goes out.
func (g *GreenAPI) SendSplit(ctx context.Context, rawPhone, message string) error {
	for _, seg := range msgtext.SplitByLinks(message) {
		value := strings.TrimSpace(strings.TrimLeft(seg.Value, ".,!? \t;:-"))
		if len([]rune(value)) < 2 {
			continue
		}

		var err error
		switch seg.Kind {
		case msgtext.SegmentFile:
			err = g.SendFile(ctx, rawPhone, value, msgtext.FileNameFromURL(value), "")
		default:
			err = g.SendText(ctx, rawPhone, value)
		}
		if err != nil {
			logger.G(ctx).WithError(err).Warnf("failed to deliver message segment to %s", rawPhone)
		}
	}
	return nil
}

// SendAttachments forwards helpdesk attachments as files by URL.
func (g *GreenAPI) SendAttachments(ctx context.Context, rawPhone string, attachments []Attachment, caption string) error {
	for _, att := range attachments {
		name := att.FileName
		if name == "" {
			name = "file"
		}
		if err := g.SendFile(ctx, rawPhone, att.DataURL, name, caption); err != nil {
			return err
		}
	}
	return nil
}

// InstancePhone returns the phone number bound to the gateway instance.
func (g *GreenAPI) InstancePhone(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint("getSettings"), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build gateway request")
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "gateway getSettings request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read gateway response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("gateway getSettings returned HTTP %d: %s", resp.StatusCode, body)
	}
	var settings struct {
		WID string `json:"wid"`
	}
	if err := json.Unmarshal(body, &settings); err != nil {
		return "", errors.Wrap(err, "failed to decode gateway settings")
	}
	if settings.WID == "" {
		return "", errors.New("gateway settings carry no instance wid")
	}
	return strings.TrimSuffix(settings.WID, "@c.us"), nil
}

// DownloadFile asks the gateway for a direct download URL of a received
// media message. Returns the URL and the gateway's file name.
func (g *GreenAPI) DownloadFile(ctx context.Context, senderChatID, messageID string) (string, string, error) {
	var resp struct {
		DownloadURL string `json:"downloadUrl"`
		FileName    string `json:"fileName"`
	}
	err := g.post(ctx, "downloadFile", map[string]string{
		"chatId":    senderChatID,
		"idMessage": messageID,
	}, &resp)
	if err != nil {
		return "", "", err
	}
	if resp.DownloadURL == "" {
		return "", "", errors.Errorf("gateway downloadFile returned no URL for message %s", messageID)
	}
	fileName := resp.FileName
	if fileName == "" {
		fileName = "audio.oga"
	}
	return resp.DownloadURL, fileName, nil
}
