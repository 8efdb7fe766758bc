package ai

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"
)

const leadPrompt = `Ты — ассистент отдела продаж деревянных домов. Генерируешь одно короткое уточняющее сообщение для лида на РУССКОМ языке.

ВХОДНЫЕ ДАННЫЕ я присылаю как JSON: {title, comment, agent_name, contact_method, name, phone, form_data(как объект)}.
Данные могут дублироваться.

ПРАВИЛА И ПРИОРИТЕТЫ
1) НИКОГДА не используй телефон, ссылки и канал связи в тексте сообщения!
2) Материал стен: Можно взять из title/form_data.
3) Источники по приоритету: form_data → токены из title (title делится по "/") → прочее.
4) Нормализация:
   - Название проекта — в кавычках «ёлочках». Пример: Дом из клееного бруса VZ-423 «Лотос».
   - Формулировки: «в комплектации тёплый контур», «с круглогодичным проживанием», «в <Регионе>».
5) Стиль: вежливо, на «вы», 1 (максимум 2) предложения, без эмодзи, без лишних обещаний/оценок.
6) Если известен тип действия (из form_title или первого токена title):
   - «Получить расчет» → «получить расчёт»
   - «Презентация проекта» → «получить презентацию проекта»
   - «Каталог проектов»/«Подборка проектов» → «посмотреть каталог/подборку проектов»
7) Если есть конкретный проект — упоминай «Дом ... «Название»».
   Если нет — говори об общей категории/материале: «каталог проектов {материал}» или «расчёт дома {материал}».
8) Если есть этажность/площадь — добавь кратко: «этажей: N, площадь: M м²» (без кавычек). Только если это точно распознано.
9) Не дублируй «из клееного бруса/бревна», если уже содержится в названии объекта.
10) Выход ДОЛЖЕН быть строго в JSON-формате по схеме: {"message": "строка"} — без дополнительного текста.

ЗАДАЧА
На основе входных данных сформируй одно вежливое уточняющее сообщение, соответствующее правилам.`

var leadMessageSchema = json.RawMessage(`{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"message": {
			"type": "string",
			"description": "Короткое вежливое уточняющее сообщение на русском языке."
		}
	},
	"required": ["message"]
}`)

// LeadMessage generates the clarifying opener for a website lead. The lead
// payload is forwarded to the model as-is.
func (c *Client) LeadMessage(ctx context.Context, lead map[string]any) (string, error) {
	payload, err := json.Marshal(lead)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode lead payload")
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: leadPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "lead_message",
				Strict: true,
				Schema: leadMessageSchema,
			},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "lead message generation failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("lead message generation returned no choices")
	}

	var out struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return "", errors.Wrap(err, "failed to decode lead message")
	}
	if out.Message == "" {
		return "", errors.New("lead message generation returned an empty message")
	}
	return out.Message, nil
}
