package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configure the OpenAI adapter. Zero values fall back to the
// defaults below.
type OpenAIOptions struct {
	APIKey      string // empty uses OPENAI_API_KEY from the environment
	BaseURL     string // empty uses the SDK default; set for compatible gateways
	Model       string
	Temperature float64
	MaxTokens   int64
}

// OpenAIModel wraps the OpenAI Chat Completions API behind the Model
// interface.
type OpenAIModel struct {
	client openai.Client
	opts   OpenAIOptions
}

// NewOpenAI creates an OpenAI-backed model.
func NewOpenAI(opts OpenAIOptions) *OpenAIModel {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.7
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &OpenAIModel{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
	}
}

// Complete issues one non-streaming chat completion.
func (m *OpenAIModel) Complete(ctx context.Context, req Request) (*Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = m.opts.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.opts.MaxTokens
	}

	completion, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty response")
	}

	return &Response{
		Text:         completion.Choices[0].Message.Content,
		Model:        completion.Model,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}
