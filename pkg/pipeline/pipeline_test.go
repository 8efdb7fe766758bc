package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/db"
	"github.com/mbkchat/relay/pkg/db/migrations"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/routing"
	"github.com/mbkchat/relay/pkg/store"
	"github.com/mbkchat/relay/pkg/transport"
)

const (
	waInboxID = 3
	tgInboxID = 4
)

type sentMessage struct {
	ConversationID int
	Content        string
	MessageType    string
	Private        bool
}

// fakeHelpdesk is a minimal in-memory Chatwoot: contact search and creation,
// conversation lookup and creation, and message posting.
type fakeHelpdesk struct {
	srv *httptest.Server

	mu            sync.Mutex
	contacts      map[string]int           // identifier → contact id
	conversations map[int][]map[string]any // contact id → conversations
	sent          []sentMessage
	nextContactID int
	nextConvID    int
	nextMessageID int
}

func newFakeHelpdesk(t *testing.T) *fakeHelpdesk {
	t.Helper()
	hd := &fakeHelpdesk{
		contacts:      make(map[string]int),
		conversations: make(map[int][]map[string]any),
		nextContactID: 100,
		nextConvID:    500,
		nextMessageID: 1000,
	}
	hd.srv = httptest.NewServer(http.HandlerFunc(hd.handle))
	t.Cleanup(hd.srv.Close)
	return hd
}

func (hd *fakeHelpdesk) handle(w http.ResponseWriter, r *http.Request) {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/1")
	switch {
	case path == "/contacts/search":
		id := hd.contacts[r.URL.Query().Get("q")]
		payload := []map[string]any{}
		if id != 0 {
			payload = append(payload, map[string]any{"id": id})
		}
		json.NewEncoder(w).Encode(map[string]any{"payload": payload})

	case path == "/contacts" && r.Method == http.MethodPost:
		var body struct {
			Identifier string `json:"identifier"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		hd.nextContactID++
		hd.contacts[body.Identifier] = hd.nextContactID
		json.NewEncoder(w).Encode(map[string]any{
			"payload": map[string]any{"contact": map[string]any{"id": hd.nextContactID}},
		})

	case strings.HasPrefix(path, "/contacts/") && strings.HasSuffix(path, "/conversations"):
		var contactID int
		fmt.Sscanf(path, "/contacts/%d/conversations", &contactID)
		json.NewEncoder(w).Encode(map[string]any{"payload": hd.conversations[contactID]})

	case path == "/conversations" && r.Method == http.MethodPost:
		var body struct {
			InboxID   int `json:"inbox_id"`
			ContactID int `json:"contact_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		hd.nextConvID++
		hd.conversations[body.ContactID] = append(hd.conversations[body.ContactID],
			map[string]any{"id": hd.nextConvID, "inbox_id": body.InboxID})
		json.NewEncoder(w).Encode(map[string]any{"id": hd.nextConvID})

	case strings.HasSuffix(path, "/toggle_status"):
		json.NewEncoder(w).Encode(map[string]any{
			"payload": map[string]any{"current_status": "open"},
		})

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]any{"payload": []any{}})

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodPost:
		var convID int
		fmt.Sscanf(path, "/conversations/%d/messages", &convID)
		var body struct {
			Content     string `json:"content"`
			MessageType string `json:"message_type"`
			Private     bool   `json:"private"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		hd.nextMessageID++
		hd.sent = append(hd.sent, sentMessage{convID, body.Content, body.MessageType, body.Private})
		json.NewEncoder(w).Encode(map[string]any{"id": hd.nextMessageID})

	default:
		http.NotFound(w, r)
	}
}

func (hd *fakeHelpdesk) sentMessages() []sentMessage {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	return append([]sentMessage(nil), hd.sent...)
}

func (hd *fakeHelpdesk) seedContact(identifier string, contactID int, convs ...map[string]any) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.contacts[identifier] = contactID
	hd.conversations[contactID] = convs
}

// fakeEnricher returns canned enrichment results.
type fakeEnricher struct {
	imageSummary  string
	imageErr      error
	docSummary    string
	docErr        error
	transcript    string
	transcribeErr error
	leadMessage   string
	leadErr       error

	mu        sync.Mutex
	leadCalls []map[string]any
}

func (f *fakeEnricher) AnalyzeImage(ctx context.Context, imageURL string) (string, error) {
	return f.imageSummary, f.imageErr
}

func (f *fakeEnricher) AnalyzeDocument(ctx context.Context, documentURL string) (string, error) {
	return f.docSummary, f.docErr
}

func (f *fakeEnricher) TranscribeURL(ctx context.Context, audioURL, fileName string) (string, error) {
	return f.transcript, f.transcribeErr
}

func (f *fakeEnricher) LeadMessage(ctx context.Context, lead map[string]any) (string, error) {
	f.mu.Lock()
	f.leadCalls = append(f.leadCalls, lead)
	f.mu.Unlock()
	return f.leadMessage, f.leadErr
}

// fakeSender records outbound deliveries.
type fakeSender struct {
	kind          config.TransportKind
	instancePhone string

	mu          sync.Mutex
	texts       []string
	splits      []string
	contacts    [][4]string // client, contact, first, last
	attachments []transport.Attachment
	captions    []string
}

func (f *fakeSender) Kind() config.TransportKind { return f.kind }

func (f *fakeSender) SendText(ctx context.Context, phone, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendSplit(ctx context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splits = append(f.splits, message)
	return nil
}

func (f *fakeSender) SendFile(ctx context.Context, phone, url, fileName, caption string) error {
	return nil
}

func (f *fakeSender) SendContact(ctx context.Context, clientPhone, contactPhone, firstName, lastName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, [4]string{clientPhone, contactPhone, firstName, lastName})
	return nil
}

func (f *fakeSender) SendAttachments(ctx context.Context, phone string, attachments []transport.Attachment, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, attachments...)
	f.captions = append(f.captions, caption)
	return nil
}

func (f *fakeSender) InstancePhone(ctx context.Context) (string, error) {
	if f.instancePhone == "" {
		return "", errors.New("no instance phone")
	}
	return f.instancePhone, nil
}

// fakeGreenGateway serves downloadFile for inbound media resolution.
type fakeGreenGateway struct {
	srv         *httptest.Server
	downloadURL string
	fileName    string
}

func newFakeGreenGateway(t *testing.T) *fakeGreenGateway {
	t.Helper()
	g := &fakeGreenGateway{downloadURL: "https://media.example/file.bin", fileName: "file.bin"}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/downloadFile/") {
			json.NewEncoder(w).Encode(map[string]string{
				"downloadUrl": g.downloadURL,
				"fileName":    g.fileName,
			})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

// fakeWappiGateway serves the address book lookups of the Telegram path.
type fakeWappiGateway struct {
	srv     *httptest.Server
	mu      sync.Mutex
	numbers map[string]string // recipient → phone
	added   []string
}

func newFakeWappiGateway(t *testing.T) *fakeWappiGateway {
	t.Helper()
	g := &fakeWappiGateway{numbers: make(map[string]string)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/sync/contact/get"):
			recipient := r.URL.Query().Get("recipient")
			if number, ok := g.numbers[recipient]; ok {
				json.NewEncoder(w).Encode(map[string]any{"contact": map[string]any{"number": number}})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"contact": nil})
		case strings.HasSuffix(r.URL.Path, "/sync/contact/add"):
			var body struct {
				Recipient string `json:"recipient"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			g.added = append(g.added, body.Recipient)
			g.numbers[body.Recipient] = body.Recipient
			json.NewEncoder(w).Encode(map[string]any{"contact": map[string]any{"number": body.Recipient}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

type harness struct {
	p     *Pipeline
	st    *store.Store
	hd    *fakeHelpdesk
	ai    *fakeEnricher
	green *fakeGreenGateway
	wappi *fakeWappiGateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "relay.db")
	require.NoError(t, db.RunMigrations(ctx, dbPath, migrations.All()))
	sqlDB, err := db.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	st := store.New(sqlDB)

	hd := newFakeHelpdesk(t)
	green := newFakeGreenGateway(t)
	wappi := newFakeWappiGateway(t)

	v := viper.New()
	config.SetDefaults(v)
	v.Set("chatwoot.host", hd.srv.URL)
	v.Set("chatwoot.api_token", "test-token")
	v.Set("chatwoot.account_id", 1)
	v.Set("lead_region_agents", map[string]string{"Московская область": "pavel"})
	v.Set("agents", []map[string]any{
		{
			"code":         "maksim",
			"display_name": "Максим",
			"transports": []map[string]any{
				{"kind": "wa", "inbox_id": waInboxID, "assignee_id": 7, "instance_id": "1101", "api_token": "gt", "base_url": green.srv.URL},
				{"kind": "tg", "inbox_id": tgInboxID, "assignee_id": 7, "instance_id": "prof1", "api_token": "wt"},
			},
		},
		{
			"code":         "pavel",
			"display_name": "Павел",
			"transports": []map[string]any{
				{"kind": "wa", "inbox_id": 8, "assignee_id": 9, "instance_id": "1102", "api_token": "gt2", "base_url": green.srv.URL},
			},
		},
	})
	cfg, err := config.Load(v)
	require.NoError(t, err)

	cw := chatwoot.New(hd.srv.URL, "test-token", 1)
	enricher := &fakeEnricher{}
	p := New(cfg, st, cw, enricher, routing.New(cfg, st))
	p.SetWappiFactory(func(tr *config.Transport) *transport.Wappi {
		w := transport.NewWappi(tr.APIToken, tr.InstanceID)
		w.SetBaseURL(wappi.srv.URL)
		return w
	})

	return &harness{p: p, st: st, hd: hd, ai: enricher, green: green, wappi: wappi}
}

func greenMessageBody(typeMessage string, messageData map[string]any) []byte {
	messageData["typeMessage"] = typeMessage
	body, _ := json.Marshal(map[string]any{
		"typeWebhook": "incomingMessageReceived",
		"idMessage":   "MSG1",
		"senderData": map[string]any{
			"chatId":     "79001234567@c.us",
			"sender":     "79001234567@c.us",
			"senderName": "Пётр",
		},
		"messageData": messageData,
	})
	return body
}

func TestGreenTextMessageCreatesConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := greenMessageBody("textMessage", map[string]any{
		"textMessageData": map[string]any{"textMessage": "Здравствуйте, интересует дом"},
	})
	status, err := h.p.HandleGreenWebhook(ctx, waInboxID, body)
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Здравствуйте, интересует дом", sent[0].Content)
	assert.Equal(t, "incoming", sent[0].MessageType)
	assert.False(t, sent[0].Private)

	// The contact is findable by phone digits afterwards.
	assert.NotZero(t, h.hd.contacts["79001234567"])
}

func TestGreenQuotedMessage(t *testing.T) {
	h := newHarness(t)

	body := greenMessageBody("quotedMessage", map[string]any{
		"extendedTextMessageData": map[string]any{"text": "Да, подходит"},
		"quotedMessage":           map[string]any{"textMessage": "Этот проект?"},
	})
	_, err := h.p.HandleGreenWebhook(context.Background(), waInboxID, body)
	require.NoError(t, err)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Ответ на сообщение:\n«Этот проект?»\n\nДа, подходит", sent[0].Content)
}

func TestGreenVoiceMessageTranscribed(t *testing.T) {
	h := newHarness(t)
	h.green.downloadURL = "https://media.example/voice.oga"
	h.green.fileName = "voice.oga"
	h.ai.transcript = "Добрый день, перезвоните мне"

	body := greenMessageBody("audioMessage", map[string]any{})
	_, err := h.p.HandleGreenWebhook(context.Background(), waInboxID, body)
	require.NoError(t, err)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t,
		"🎤 Голосовое сообщение:\nСсылка на файл c аудио: https://media.example/voice.oga\n\n[Транскрибация]:\nДобрый день, перезвоните мне",
		sent[0].Content)
}

func TestGreenImageFallsBackToLink(t *testing.T) {
	h := newHarness(t)
	h.green.downloadURL = "https://media.example/photo.jpg"
	h.green.fileName = "photo.jpg"
	h.ai.imageErr = errors.New("vision is down")

	body := greenMessageBody("imageMessage", map[string]any{
		"fileMessageData": map[string]any{"caption": "наш участок"},
	})
	_, err := h.p.HandleGreenWebhook(context.Background(), waInboxID, body)
	require.NoError(t, err)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "photo.jpg: https://media.example/photo.jpg", sent[0].Content)
}

func TestGreenImageEnriched(t *testing.T) {
	h := newHarness(t)
	h.green.downloadURL = "https://media.example/photo.jpg"
	h.ai.imageSummary = "На фото участок с лесом."

	body := greenMessageBody("imageMessage", map[string]any{
		"fileMessageData": map[string]any{"caption": "наш участок"},
	})
	_, err := h.p.HandleGreenWebhook(context.Background(), waInboxID, body)
	require.NoError(t, err)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t,
		"[СООБЩЕНИЕ С ИЗОБРАЖЕНИЕМ]\n\nТекст сообщения:\nнаш участок\nСсылка на изображение: https://media.example/photo.jpg\n\n[Summary прикрепленной картинки]:\n\nНа фото участок с лесом.",
		sent[0].Content)
}

func TestGreenIncomingCallLeavesPrivateNote(t *testing.T) {
	h := newHarness(t)

	body, _ := json.Marshal(map[string]any{
		"typeWebhook": "incomingCall",
		"status":      "offer",
		"from":        "79001234567@c.us",
	})
	status, err := h.p.HandleGreenWebhook(context.Background(), waInboxID, body)
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "[Входящий звонок!]", sent[0].Content)
	assert.True(t, sent[0].Private)
}

func TestGreenStateTogglesInbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	down, _ := json.Marshal(map[string]any{"typeWebhook": "stateInstanceChanged", "stateInstance": "notAuthorized"})
	status, err := h.p.HandleGreenWebhook(ctx, waInboxID, down)
	require.NoError(t, err)
	assert.Equal(t, "inbox deactivated", status)

	active, err := h.st.ActiveInboxes(ctx, []int{waInboxID})
	require.NoError(t, err)
	assert.Empty(t, active)

	up, _ := json.Marshal(map[string]any{"typeWebhook": "stateInstanceChanged", "stateInstance": "authorized"})
	_, err = h.p.HandleGreenWebhook(ctx, waInboxID, up)
	require.NoError(t, err)

	active, err = h.st.ActiveInboxes(ctx, []int{waInboxID})
	require.NoError(t, err)
	assert.Equal(t, []int{waInboxID}, active)
}

func TestWappiIncomingMessage(t *testing.T) {
	h := newHarness(t)
	h.wappi.numbers["10442"] = "79001234567"
	h.hd.seedContact("79001234567", 42, map[string]any{"id": 9, "inbox_id": tgInboxID})

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]any{
			{"wh_type": "incoming_message", "type": "text", "from": "10442", "body": "Добрый день"},
		},
	})
	status, err := h.p.HandleWappiWebhook(context.Background(), tgInboxID, body)
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{9, "Добрый день", "incoming", false}, sent[0])
}

func TestWappiDropsUnknownContact(t *testing.T) {
	h := newHarness(t)

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]any{
			{"wh_type": "incoming_message", "type": "text", "from": "999", "body": "привет"},
		},
	})
	status, err := h.p.HandleWappiWebhook(context.Background(), tgInboxID, body)
	require.NoError(t, err)
	assert.Equal(t, "ignored", status)
	assert.Empty(t, h.hd.sentMessages())
}

func outboundBody(content string, private bool, extra map[string]any) []byte {
	payload := map[string]any{
		"event":        "message_created",
		"message_type": "outgoing",
		"private":      private,
		"content":      content,
		"conversation": map[string]any{
			"id": 9,
			"meta": map[string]any{
				"sender": map[string]any{"phone_number": "+79001234567"},
			},
		},
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestFromChatwootSplitsAndForwardsAttachments(t *testing.T) {
	h := newHarness(t)
	sender := &fakeSender{kind: config.KindWA}
	h.p.SetSenderFactory(func(*config.Transport) (transport.Sender, error) { return sender, nil })

	body := outboundBody("Высылаю проект", false, map[string]any{
		"attachments": []map[string]any{
			{"data_url": "https://cw.example/file.pdf", "file_type": "file"},
		},
	})
	status, err := h.p.HandleFromChatwoot(context.Background(), waInboxID, body)
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	require.Len(t, sender.splits, 1)
	assert.Equal(t, "Высылаю проект", sender.splits[0])
	require.Len(t, sender.attachments, 1)
	assert.Equal(t, "https://cw.example/file.pdf", sender.attachments[0].DataURL)
	assert.Equal(t, "file", sender.attachments[0].FileName)
	assert.Equal(t, []string{"Высылаю проект"}, sender.captions)
}

func TestFromChatwootSkipsPrivateAndIncoming(t *testing.T) {
	h := newHarness(t)
	sender := &fakeSender{kind: config.KindWA}
	h.p.SetSenderFactory(func(*config.Transport) (transport.Sender, error) { return sender, nil })
	ctx := context.Background()

	status, err := h.p.HandleFromChatwoot(ctx, waInboxID, outboundBody("заметка", true, nil))
	require.NoError(t, err)
	assert.Equal(t, "skipped private note", status)

	incoming := outboundBody("от клиента", false, map[string]any{"message_type": "incoming"})
	status, err = h.p.HandleFromChatwoot(ctx, waInboxID, incoming)
	require.NoError(t, err)
	assert.Equal(t, "ignored", status)

	assert.Empty(t, sender.splits)
}

func TestFromChatwootManagerCard(t *testing.T) {
	h := newHarness(t)
	sender := &fakeSender{kind: config.KindWA}
	h.p.SetSenderFactory(func(*config.Transport) (transport.Sender, error) { return sender, nil })

	content := msgtext.BuildContactInfo("Игорь", "Петров", "+79219876543")
	status, err := h.p.HandleFromChatwoot(context.Background(), waInboxID, outboundBody(content, false, nil))
	require.NoError(t, err)
	assert.Equal(t, "manager card sent", status)

	require.Len(t, sender.texts, 1)
	assert.Equal(t, "Ваш менеджер по строительству Петров Игорь.\nТелефон: +79219876543", sender.texts[0])
	require.Len(t, sender.contacts, 1)
	assert.Equal(t, [4]string{"79001234567", "+79219876543", "Игорь", "Петров"}, sender.contacts[0])
}

func TestFromChatwootAgentCard(t *testing.T) {
	h := newHarness(t)
	sender := &fakeSender{kind: config.KindWA, instancePhone: "79995554433"}
	h.p.SetSenderFactory(func(*config.Transport) (transport.Sender, error) { return sender, nil })
	ctx := context.Background()

	status, err := h.p.HandleFromChatwoot(ctx, waInboxID, outboundBody(msgtext.AgentCardMarker, false, nil))
	require.NoError(t, err)
	assert.Equal(t, "agent card sent", status)

	require.Len(t, sender.texts, 1)
	assert.Equal(t, msgtext.AgentCardIntro, sender.texts[0])
	require.Len(t, sender.contacts, 1)
	assert.Equal(t, [4]string{"79001234567", "79995554433", "Максим", ""}, sender.contacts[0])

	state, err := h.st.GetConversationState(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.AgentContactSent)
}

func TestWebsiteFormQuizLead(t *testing.T) {
	h := newHarness(t)
	h.ai.leadMessage = "Здравствуйте, вы хотели получить расчёт дома из клееного бруса?"
	ctx := context.Background()

	comment := "Имя: Егор\nФорма: quiz\nСколько этажей вы хотите в доме?: 2\nКакой площади хотели бы дом?: 150"
	formData := `{"form_title":"Получить расчет","form_quiz_construction_region":"Вологодская область"}`

	status, err := h.p.HandleWebsiteForm(ctx, WebsiteLead{
		Title:         "Получить расчет/Дом из клееного бруса",
		Comment:       comment,
		Phone:         "8 (900) 123-45-67",
		AgentName:     "maksim",
		ContactMethod: "WhatsApp",
		FormData:      formData,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, comment, sent[0].Content)
	assert.True(t, sent[0].Private)
	assert.Equal(t, "Здравствуйте, вы хотели получить расчёт дома из клееного бруса?", sent[1].Content)
	assert.Equal(t, "outgoing", sent[1].MessageType)
	assert.False(t, sent[1].Private)

	require.Len(t, h.ai.leadCalls, 1)
	assert.Equal(t, "Егор", h.ai.leadCalls[0]["name"])
	assert.Equal(t, "+79001234567", h.ai.leadCalls[0]["phone"])
}

func TestWebsiteFormFallsBackWhenGenerationFails(t *testing.T) {
	h := newHarness(t)
	h.ai.leadErr = errors.New("model is down")

	status, err := h.p.HandleWebsiteForm(context.Background(), WebsiteLead{
		Comment:   "Имя: Егор\nФорма: quiz",
		Phone:     "79001234567",
		AgentName: "maksim",
		FormData:  `{"form_title":"Получить расчет"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, defaultLeadMessage, sent[1].Content)
}

func TestWebsiteFormRegionOverridesAgent(t *testing.T) {
	h := newHarness(t)
	h.ai.leadMessage = "Здравствуйте!"
	ctx := context.Background()

	_, err := h.p.HandleWebsiteForm(ctx, WebsiteLead{
		Comment:   "Имя: Егор",
		Phone:     "79001234567",
		AgentName: "maksim",
		FormData:  `{"form_quiz_construction_region":"Московская область"}`,
	})
	require.NoError(t, err)

	// The Moscow region reroutes to pavel's bucket.
	inboxID, found, err := h.st.GetContactInbox(ctx, "79001234567", "pavel", "wa")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 8, inboxID)
}

func TestWebsiteFormTelegramRegistersGatewayContact(t *testing.T) {
	h := newHarness(t)

	status, err := h.p.HandleWebsiteForm(context.Background(), WebsiteLead{
		Comment:       "Имя: Егор\nФорма: quiz",
		Phone:         "79001234567",
		AgentName:     "maksim",
		ContactMethod: "Telegram",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
	assert.Equal(t, []string{"79001234567"}, h.wappi.added)
}

func TestWebsiteFormCompetitorSkipped(t *testing.T) {
	h := newHarness(t)

	status, err := h.p.HandleWebsiteForm(context.Background(), WebsiteLead{
		Title:     competitorFormTitle,
		Phone:     "79001234567",
		AgentName: "maksim",
	})
	require.NoError(t, err)
	assert.Equal(t, "На эту форму не реагируем", status)
	assert.Empty(t, h.hd.sentMessages())
}

func TestWebsiteFormRequiresAgent(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.HandleWebsiteForm(context.Background(), WebsiteLead{Phone: "79001234567"})
	assert.ErrorIs(t, err, ErrLeadWithoutAgent)
}

func TestLeadOnSendsCatalogOpener(t *testing.T) {
	h := newHarness(t)

	status, err := h.p.HandleLeadOn(context.Background(), "maksim", "8 (900) 123-45-67")
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	sent := h.hd.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, leadOnMessage, sent[0].Content)
	assert.Equal(t, "outgoing", sent[0].MessageType)
}

func TestLeadOnRequiresAgent(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.HandleLeadOn(context.Background(), "", "79001234567")
	assert.ErrorIs(t, err, ErrLeadWithoutAgent)
}
