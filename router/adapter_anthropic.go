package router

import (
	"context"
	"fmt"

	"github.com/goforge/forge/features/model/anthropic"
	"github.com/goforge/forge/forgeerrors"
	"github.com/goforge/forge/runtime/agent/model"
)

// AnthropicAdapter wires an anthropic-sdk-go-backed model.Client
// as a router.ProviderAdapter, translating router.Message history into
// model.Request/model.Response.
type AnthropicAdapter struct {
	client *anthropic.Client
}

// NewAnthropicAdapter constructs an adapter from a raw API key, resolved by
// the caller through secret.Source before wiring it in (the router never
// holds the secret beyond this call).
func NewAnthropicAdapter(apiKey, defaultModel string) (*AnthropicAdapter, error) {
	c, err := anthropic.NewFromAPIKey(apiKey, defaultModel)
	if err != nil {
		return nil, fmt.Errorf("router: construct anthropic adapter: %w", err)
	}
	return &AnthropicAdapter{client: c}, nil
}

func (a *AnthropicAdapter) Complete(ctx context.Context, cred Credential, tier WorkloadTier, messages []Message, estimatedTokens int) (Response, error) {
	req := &model.Request{
		Model:      cred.ModelTag,
		ModelClass: tierToModelClass(tier),
		Messages:   toModelMessages(messages),
		MaxTokens:  estimatedTokens,
	}
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return Response{}, classifyProviderError(err)
	}
	return fromModelResponse(resp), nil
}

func tierToModelClass(tier WorkloadTier) model.ModelClass {
	switch tier {
	case TierHeavy:
		return model.ModelClassHighReasoning
	case TierMedium:
		return model.ModelClassDefault
	default:
		return model.ModelClassSmall
	}
}

func toModelMessages(messages []Message) []*model.Message {
	out := make([]*model.Message, 0, len(messages))
	for _, m := range messages {
		role := model.ConversationRole(m.Role)
		out = append(out, &model.Message{
			Role:  role,
			Parts: []model.Part{model.TextPart{Text: m.Text}},
		})
	}
	return out
}

func fromModelResponse(resp *model.Response) Response {
	var content string
	for _, msg := range resp.Content {
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok {
				content += tp.Text
			}
		}
	}
	return Response{Content: content, Tokens: resp.Usage.TotalTokens}
}

// classifyProviderError maps a provider client error into forge's error
// taxonomy. Providers already distinguish rate-limit/content-safety/
// transient/non-recoverable in their own error types in the full
// implementation; this seam is where that mapping lives per provider.
func classifyProviderError(err error) error {
	return forgeerrors.NewWithCause(forgeerrors.KindTransientProvider, "provider call failed", err)
}
