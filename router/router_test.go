package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goforge/forge/forgeerrors"
	"github.com/goforge/forge/ratelimit"
	"github.com/goforge/forge/secret"
)

type scriptedAdapter struct {
	calls     int
	responses []Response
	errs      []error
}

func (a *scriptedAdapter) Complete(ctx context.Context, cred Credential, tier WorkloadTier, messages []Message, estimatedTokens int) (Response, error) {
	i := a.calls
	a.calls++
	var resp Response
	var err error
	if i < len(a.responses) {
		resp = a.responses[i]
	}
	if i < len(a.errs) {
		err = a.errs[i]
	}
	return resp, err
}

func newRouter(opts ...Option) *Router {
	return New(ratelimit.NewMemoryStore(), secret.NewEnvSource(""), opts...)
}

func TestCompleteReturnsResponseOnFirstTry(t *testing.T) {
	r := newRouter()
	r.RegisterCredential(Credential{KeyID: "k1", ProviderTag: "fake", Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{responses: []Response{{Content: "hi", ModelUsed: "m1", Tokens: 5}}}
	r.RegisterAdapter("fake", adapter)

	resp, err := r.Complete(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "k1", resp.KeyUsed)
	assert.Equal(t, 1, adapter.calls)
}

func TestCompleteReturnsNoKeyAvailableWhenNoCredentials(t *testing.T) {
	r := newRouter()
	_, err := r.Complete(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)
	fe := forgeerrors.FromError(err)
	assert.Equal(t, forgeerrors.KindNoKeyAvailable, fe.Kind)
}

func TestCompleteFiltersByModelAndTier(t *testing.T) {
	r := newRouter()
	r.RegisterCredential(Credential{KeyID: "light", ProviderTag: "fake", ModelTag: "gpt", WorkloadTag: TierLight, Active: true, RPMLimit: 10, TPMLimit: 10000})
	r.RegisterCredential(Credential{KeyID: "heavy", ProviderTag: "fake", ModelTag: "gpt", WorkloadTag: TierHeavy, Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{responses: []Response{{Content: "ok"}}}
	r.RegisterAdapter("fake", adapter)

	resp, err := r.Complete(context.Background(), Request{Prompt: "x", WorkloadTier: TierHeavy, ModelPreference: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, "heavy", resp.KeyUsed)
}

func TestCompleteRetriesAnotherKeyOnRateLimitedError(t *testing.T) {
	r := newRouter(WithBaseBackoff(0))
	r.RegisterCredential(Credential{KeyID: "k1", ProviderTag: "fake", Active: true, RPMLimit: 10, TPMLimit: 10000})
	r.RegisterCredential(Credential{KeyID: "k2", ProviderTag: "fake", Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{
		errs:      []error{forgeerrors.New(forgeerrors.KindRateLimited, "rate limited")},
		responses: []Response{{}, {Content: "recovered"}},
	}
	r.RegisterAdapter("fake", adapter)

	resp, err := r.Complete(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, adapter.calls)
}

func TestCompleteEscalatesTierOnSafetyBlock(t *testing.T) {
	r := newRouter(WithBaseBackoff(0))
	r.RegisterCredential(Credential{KeyID: "light", ProviderTag: "fake", WorkloadTag: TierLight, Active: true, RPMLimit: 10, TPMLimit: 10000})
	r.RegisterCredential(Credential{KeyID: "medium", ProviderTag: "fake", WorkloadTag: TierMedium, Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{
		errs:      []error{forgeerrors.New(forgeerrors.KindSafetyBlock, "blocked")},
		responses: []Response{{}, {Content: "ok at medium tier"}},
	}
	r.RegisterAdapter("fake", adapter)

	resp, err := r.Complete(context.Background(), Request{Prompt: "x", WorkloadTier: TierLight})
	require.NoError(t, err)
	assert.Equal(t, "ok at medium tier", resp.Content)
	assert.Equal(t, "medium", resp.KeyUsed)
}

func TestCompleteReturnsLastSeenKindOnRetryExhaustion(t *testing.T) {
	r := newRouter(WithBaseBackoff(0), WithMaxRetries(2))
	r.RegisterCredential(Credential{KeyID: "k1", ProviderTag: "fake", Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{
		errs: []error{
			forgeerrors.New(forgeerrors.KindRateLimited, "rate limited 1"),
			forgeerrors.New(forgeerrors.KindTransientProvider, "provider hiccup"),
		},
	}
	r.RegisterAdapter("fake", adapter)

	_, err := r.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	fe := forgeerrors.FromError(err)
	assert.Equal(t, forgeerrors.KindTransientProvider, fe.Kind)
}

func TestCompleteReturnsSafetyBlockWhenExhaustedOnSafetyBlock(t *testing.T) {
	r := newRouter(WithBaseBackoff(0), WithMaxRetries(3))
	r.RegisterCredential(Credential{KeyID: "light", ProviderTag: "fake", WorkloadTag: TierLight, Active: true, RPMLimit: 10, TPMLimit: 10000})
	r.RegisterCredential(Credential{KeyID: "medium", ProviderTag: "fake", WorkloadTag: TierMedium, Active: true, RPMLimit: 10, TPMLimit: 10000})
	r.RegisterCredential(Credential{KeyID: "heavy", ProviderTag: "fake", WorkloadTag: TierHeavy, Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{
		errs: []error{
			forgeerrors.New(forgeerrors.KindSafetyBlock, "blocked at light"),
			forgeerrors.New(forgeerrors.KindSafetyBlock, "blocked at medium"),
			forgeerrors.New(forgeerrors.KindSafetyBlock, "blocked at heavy"),
		},
	}
	r.RegisterAdapter("fake", adapter)

	_, err := r.Complete(context.Background(), Request{Prompt: "x", WorkloadTier: TierLight})
	require.Error(t, err)
	fe := forgeerrors.FromError(err)
	assert.Equal(t, forgeerrors.KindSafetyBlock, fe.Kind)
}

func TestCompletePropagatesNonRecoverableError(t *testing.T) {
	r := newRouter()
	r.RegisterCredential(Credential{KeyID: "k1", ProviderTag: "fake", Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{errs: []error{forgeerrors.New(forgeerrors.KindNonRecoverable, "boom")}}
	r.RegisterAdapter("fake", adapter)

	_, err := r.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	fe := forgeerrors.FromError(err)
	assert.Equal(t, forgeerrors.KindNonRecoverable, fe.Kind)
	assert.Equal(t, 1, adapter.calls)
}

func TestCompleteSkipsInactiveCredentials(t *testing.T) {
	r := newRouter()
	r.RegisterCredential(Credential{KeyID: "dead", ProviderTag: "fake", Active: false, RPMLimit: 10, TPMLimit: 10000})
	_, err := r.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	fe := forgeerrors.FromError(err)
	assert.Equal(t, forgeerrors.KindNoKeyAvailable, fe.Kind)
}

func TestConversationHistoryAccumulatesAcrossCalls(t *testing.T) {
	r := newRouter()
	r.RegisterCredential(Credential{KeyID: "k1", ProviderTag: "fake", Active: true, RPMLimit: 10, TPMLimit: 10000})
	adapter := &scriptedAdapter{responses: []Response{{Content: "first"}, {Content: "second"}}}
	r.RegisterAdapter("fake", adapter)

	_, err := r.Complete(context.Background(), Request{Prompt: "hi", ConversationID: "conv1"})
	require.NoError(t, err)
	_, err = r.Complete(context.Background(), Request{Prompt: "again", ConversationID: "conv1"})
	require.NoError(t, err)

	r.conversationsMu.Lock()
	conv := r.conversations["conv1"]
	r.conversationsMu.Unlock()
	require.NotNil(t, conv)
	assert.Equal(t, 4, conv.MessageCount)
}

func TestDeleteConversationEvicts(t *testing.T) {
	r := newRouter()
	r.RegisterCredential(Credential{KeyID: "k1", ProviderTag: "fake", Active: true, RPMLimit: 10, TPMLimit: 10000})
	r.RegisterAdapter("fake", &scriptedAdapter{responses: []Response{{Content: "hi"}}})

	_, err := r.Complete(context.Background(), Request{Prompt: "hi", ConversationID: "conv1"})
	require.NoError(t, err)

	r.DeleteConversation("conv1")
	r.conversationsMu.Lock()
	_, ok := r.conversations["conv1"]
	r.conversationsMu.Unlock()
	assert.False(t, ok)
}
