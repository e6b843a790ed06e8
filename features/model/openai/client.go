// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API via github.com/openai/openai-go, translating forge's
// provider-agnostic model.Request/model.Response into Chat Completions calls.
package openai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/goforge/forge/runtime/agent/model"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so tests can substitute a fake without a live API key.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type liveChatClient struct{ client openai.Client }

func (l liveChatClient) CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return l.client.Chat.Completions.New(ctx, params)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: liveChatClient{client: client}, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("messages are required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = c.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		text := messageText(msg)
		switch msg.Role {
		case model.ConversationRoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case model.ConversationRoleAssistant:
			messages = append(messages, openai.AssistantMessage(text))
		default:
			messages = append(messages, openai.UserMessage(text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}

	resp, err := c.chat.CreateChatCompletion(ctx, params)
	if err != nil {
		return model.Response{}, err
	}
	return translateResponse(resp), nil
}

// Stream reports that OpenAI Chat Completions streaming is not yet supported
// by this adapter. Callers should fall back to Complete.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func messageText(msg *model.Message) string {
	var out strings.Builder
	for _, part := range msg.Parts {
		if tp, ok := part.(model.TextPart); ok {
			out.WriteString(tp.Text)
		}
	}
	return out.String()
}

func translateResponse(resp *openai.ChatCompletion) model.Response {
	var messages []model.Message
	var finish string
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if content := choice.Message.Content; content != "" {
			messages = append(messages, model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: content}},
			})
		}
		finish = string(choice.FinishReason)
	}
	return model.Response{
		Content: messages,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: finish,
	}
}
