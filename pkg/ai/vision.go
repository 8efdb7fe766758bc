package ai

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"
)

const imagePrompt = `Ты — эксперт по зрительному пониманию. Твоя задача — генерировать точные и лаконичные русскоязычные описания изображений из входных данных.
Правила:
- Не выдумывай фактов, которых нельзя надёжно увидеть.
- Если не уверен, используй «возможно»/«неопределимо».
- Не делай чувствительных предположений (раса, национальность, возраст, здоровье, беременность и т.п.), если это не явно и недвусмысленно видно.
- Если на изображении есть текст — извлеки его без интерпретаций.
- Будь конкретен: количества, относительные позиции, ключевые цвета, тип освещения, ракурс.
- Пиши по-русски, просто и естественно.`

// AnalyzeImage returns a Russian description of the image behind the URL.
func (c *Client) AnalyzeImage(ctx context.Context, imageURL string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: imagePrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "image analysis failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("image analysis returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
