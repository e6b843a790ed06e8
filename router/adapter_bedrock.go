package router

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/goforge/forge/features/model/bedrock"
	"github.com/goforge/forge/runtime/agent/model"
)

// BedrockAdapter wires an aws-sdk-go-v2/bedrockruntime-backed
// model.Client as a router.ProviderAdapter. Unlike the anthropic/openai
// adapters, construction requires a live AWS bedrockruntime.Client (the AWS
// SDK's own credential chain resolves the actual secret, which is why the
// router's secret.Source is not consulted here — AWS already abstracts it).
type BedrockAdapter struct {
	client *bedrock.Client
}

// NewBedrockAdapter constructs an adapter over an existing bedrockruntime
// client and default model identifier.
func NewBedrockAdapter(runtimeClient *bedrockruntime.Client, defaultModel string, maxTokens int) (*BedrockAdapter, error) {
	c, err := bedrock.New(runtimeClient, bedrock.Options{
		DefaultModel: defaultModel,
		MaxTokens:    maxTokens,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("router: construct bedrock adapter: %w", err)
	}
	return &BedrockAdapter{client: c}, nil
}

func (a *BedrockAdapter) Complete(ctx context.Context, cred Credential, tier WorkloadTier, messages []Message, estimatedTokens int) (Response, error) {
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
