// Package pipeline moves messages between the messenger gateways and the
// helpdesk: inbound webhooks are decoded, media is enriched through the LLM,
// and the result lands in the right helpdesk conversation; outbound helpdesk
// messages are split, card markers are expanded, and attachments are
// forwarded to the client.
package pipeline

import (
	"context"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/routing"
	"github.com/mbkchat/relay/pkg/store"
	"github.com/mbkchat/relay/pkg/transport"
)

// Enricher turns media into text for the helpdesk transcript. *ai.Client
// satisfies it.
type Enricher interface {
	AnalyzeImage(ctx context.Context, imageURL string) (string, error)
	AnalyzeDocument(ctx context.Context, documentURL string) (string, error)
	TranscribeURL(ctx context.Context, audioURL, fileName string) (string, error)
	LeadMessage(ctx context.Context, lead map[string]any) (string, error)
}

// Pipeline relays messages between the gateways and the helpdesk.
type Pipeline struct {
	cfg     *config.Config
	store   *store.Store
	cw      *chatwoot.Client
	ai      Enricher
	routing *routing.Engine

	newSender func(t *config.Transport) (transport.Sender, error)
	newGreen  func(t *config.Transport) *transport.GreenAPI
	newWappi  func(t *config.Transport) *transport.Wappi
}

// New creates the pipeline over the configured gateways.
func New(cfg *config.Config, st *store.Store, cw *chatwoot.Client, enricher Enricher, router *routing.Engine) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		cw:      cw,
		ai:      enricher,
		routing: router,
		newSender: func(t *config.Transport) (transport.Sender, error) {
			return transport.New(*t)
		},
		newGreen: func(t *config.Transport) *transport.GreenAPI {
			return transport.NewGreenAPI(t.BaseURL, t.InstanceID, t.APIToken)
		},
		newWappi: func(t *config.Transport) *transport.Wappi {
			return transport.NewWappi(t.APIToken, t.InstanceID)
		},
	}
}

// SetSenderFactory overrides outbound sender construction (tests).
func (p *Pipeline) SetSenderFactory(f func(t *config.Transport) (transport.Sender, error)) {
	p.newSender = f
}

// SetGreenFactory overrides the WhatsApp gateway construction (tests).
func (p *Pipeline) SetGreenFactory(f func(t *config.Transport) *transport.GreenAPI) {
	p.newGreen = f
}

// SetWappiFactory overrides the Telegram gateway construction (tests).
func (p *Pipeline) SetWappiFactory(f func(t *config.Transport) *transport.Wappi) {
	p.newWappi = f
}
