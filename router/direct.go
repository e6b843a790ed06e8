package router

import (
	"context"
)

// DirectClient is the router-disabled fallback path (router.enabled=false):
// callers dispatch straight to a single provider adapter with an explicit
// key, and own their own conversation history. Preserves a
// "planners just take a model.Client" rollback surface for when the
// router is disabled.
type DirectClient struct {
	Adapter    ProviderAdapter
	Credential Credential
}

// NewDirectClient constructs the router-disabled fallback path.
func NewDirectClient(adapter ProviderAdapter, cred Credential) *DirectClient {
	return &DirectClient{Adapter: adapter, Credential: cred}
}

// Complete dispatches directly to the configured adapter/credential; the
// caller supplies the full message history since there is no router-owned
// Conversation in this path.
func (d *DirectClient) Complete(ctx context.Context, tier WorkloadTier, history []Message, estimatedTokens int) (Response, error) {
	resp, err := d.Adapter.Complete(ctx, d.Credential, tier, history, estimatedTokens)
	if err != nil {
		return Response{}, err
	}
	resp.KeyUsed = d.Credential.KeyID
	return resp, nil
}
