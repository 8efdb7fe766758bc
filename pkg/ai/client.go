// Package ai wraps the LLM vendor API for the enrichment paths: image
// descriptions, document summaries, and voice-to-text.
package ai

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/mbkchat/relay/pkg/config"
)

// Client is the enrichment LLM client.
type Client struct {
	api             *openai.Client
	model           string
	visionModel     string
	transcribeModel string
}

// New creates an enrichment client from the OpenAI configuration.
func New(cfg config.OpenAI) *Client {
	return NewWithBaseURL(cfg, "")
}

// NewWithBaseURL creates a client against a custom API endpoint (tests,
// proxies).
func NewWithBaseURL(cfg config.OpenAI, baseURL string) *Client {
	apiCfg := openai.DefaultConfig(cfg.Token)
	if baseURL != "" {
		apiCfg.BaseURL = baseURL
	}
	return &Client{
		api:             openai.NewClientWithConfig(apiCfg),
		model:           cfg.Model,
		visionModel:     cfg.VisionModel,
		transcribeModel: cfg.TranscribeModel,
	}
}
