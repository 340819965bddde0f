package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI sends completions to the Chat Completions API, or any endpoint that speaks it
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)
	return &OpenAI{client: &client}
}

func (o *OpenAI) Complete(ctx context.Context, c Completion) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if c.System != "" {
		messages = append(messages, openai.SystemMessage(c.System))
	}
	messages = append(messages, openai.UserMessage(c.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.Model,
		MaxCompletionTokens: openai.Int(c.MaxTokens),
	}
	if c.Temperature != nil {
		params.Temperature = openai.Float(*c.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices for %s", c.Model)
	}
	return resp.Choices[0].Message.Content, nil
}
