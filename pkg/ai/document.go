package ai

import (
	"context"
	"io"
	"net/http"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"
)

const documentPrompt = `Ты — эксперт по сжатому изложению документов. Твоя задача — внимательно ПРОЧИТАТЬ ВЕСЬ документ и выдать краткое описание на русском языке.

Цель ответа: 3–4 абзаца связного текста (без пунктов/списков), передающих суть документа.

Не добавляй сведений, которых нет в документе. Не фантазируй.
Если текст нечитаем/пуст/сильно повреждён — верни: «Документ недоступен для осмысленного суммирования.»
Если документ на другом языке — всё равно выдай саммари на русском. Названия собственные сохраняй в оригинале.`

// ErrUnsupportedDocument marks binary formats the summarizer cannot read;
// the caller forwards the bare link instead of a summary.
var ErrUnsupportedDocument = errors.New("document format is not text-extractable")

// Binary documents past this size are not worth downloading at all.
const maxDocumentBytes = 8 << 20

// AnalyzeDocument downloads the document and returns a Russian summary.
// Only text-decodable payloads (txt, csv, markup) are summarized; binary
// office formats surface ErrUnsupportedDocument.
func (c *Client) AnalyzeDocument(ctx context.Context, documentURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, documentURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build document request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to download document %s", documentURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("document download returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", errors.Wrap(err, "failed to read document content")
	}
	if len(raw) == 0 || !utf8.Valid(raw) {
		return "", ErrUnsupportedDocument
	}

	return c.SummarizeText(ctx, string(raw))
}

// SummarizeText produces the document summary for already-extracted text.
func (c *Client) SummarizeText(ctx context.Context, text string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: documentPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "document summarization failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("document summarization returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
