package router

import (
	"context"
	"fmt"

	"github.com/goforge/forge/features/model/openai"
	"github.com/goforge/forge/runtime/agent/model"
)

// OpenAIAdapter wires an openai-go-backed model.Client as a
// router.ProviderAdapter.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter constructs an adapter from a raw API key.
func NewOpenAIAdapter(apiKey, defaultModel string) (*OpenAIAdapter, error) {
	c, err := openai.NewFromAPIKey(apiKey, defaultModel)
	if err != nil {
		return nil, fmt.Errorf("router: construct openai adapter: %w", err)
	}
	return &OpenAIAdapter{client: c}, nil
}

func (a *OpenAIAdapter) Complete(ctx context.Context, cred Credential, tier WorkloadTier, messages []Message, estimatedTokens int) (Response, error) {
	req := model.Request{
		Model:      cred.ModelTag,
		ModelClass: tierToModelClass(tier),
		Messages:   toModelMessages(messages),
		MaxTokens:  estimatedTokens,
	}
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return Response{}, classifyProviderError(err)
	}
	return fromModelResponse(&resp), nil
}
