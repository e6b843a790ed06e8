// Package router implements the multi-key credential router: selection,
// reservation, dispatch, and classify-and-recover retry loop, built over
// a gateway-style middleware composition and the provider-agnostic
// contract in runtime/agent/model.
package router

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/goforge/forge/forgeerrors"
	"github.com/goforge/forge/ratelimit"
	"github.com/goforge/forge/secret"
	"github.com/goforge/forge/telemetry"
)

// WorkloadTier classifies request demand and doubles as the content-safety
// escalation axis.
type WorkloadTier string

const (
	TierLight  WorkloadTier = "light"
	TierMedium WorkloadTier = "medium"
	TierHeavy  WorkloadTier = "heavy"
)

var tierLadder = []WorkloadTier{TierLight, TierMedium, TierHeavy}

func nextTier(t WorkloadTier) WorkloadTier {
	for i, tier := range tierLadder {
		if tier == t && i+1 < len(tierLadder) {
			return tierLadder[i+1]
		}
	}
	return TierHeavy
}

// Credential is a single API key's routing metadata. The secret value
// itself is never held here; it is resolved on demand through a
// secret.Source keyed by KeyID.
type Credential struct {
	KeyID       string
	ProviderTag string
	ModelTag    string
	WorkloadTag WorkloadTier
	RPMLimit    int
	TPMLimit    int
	DailyLimit  int
	Active      bool
}

// Conversation is the router-owned message history for a conversation ID.
type Conversation struct {
	ConversationID      string
	CreatedAt           time.Time
	MessageCount        int
	TotalTokensEstimate int
	History             []Message
}

// Message is a single (role, text) turn.
type Message struct {
	Role string
	Text string
}

// Request describes a single completion call.
type Request struct {
	ModelPreference           string
	WorkloadTier              WorkloadTier
	ConversationID            string
	EstimatedCompletionTokens int
	Prompt                    string
}

// Response is the successful result of a completion call.
type Response struct {
	Content   string
	ModelUsed string
	KeyUsed   string
	Tokens    int
}

// ProviderAdapter dispatches a prompt to a single provider/key, returning a
// structured error (via forgeerrors) on rate-limit, content-safety,
// transient, or non-recoverable failure so Router.Complete can classify and
// recover. The wire format is kept pluggable: anthropic/bedrock/openai
// clients are wired as concrete adapters exercising anthropic-sdk-go,
// aws-sdk-go-v2/bedrockruntime, and openai-go respectively.
type ProviderAdapter interface {
	Complete(ctx context.Context, cred Credential, tier WorkloadTier, messages []Message, estimatedTokens int) (Response, error)
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l telemetry.Logger) Option   { return func(r *Router) { r.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(r *Router) { r.metrics = m } }
func WithMaxRetries(n int) Option            { return func(r *Router) { r.maxRetries = n } }
func WithBaseBackoff(d time.Duration) Option { return func(r *Router) { r.baseBackoff = d } }
func WithDefaultCooldown(d time.Duration) Option {
	return func(r *Router) { r.defaultCooldown = d }
}
func WithConversationRetention(n int) Option {
	return func(r *Router) { r.conversationRetention = n }
}

// Router implements the credential selection → reserve → dispatch →
// classify-and-recover loop.
type Router struct {
	mu          sync.RWMutex
	credentials map[string]Credential
	adapters    map[string]ProviderAdapter // keyed by provider_tag

	limiter ratelimit.Store
	secrets secret.Source

	conversationsMu sync.Mutex
	conversations   map[string]*Conversation

	logger  telemetry.Logger
	metrics telemetry.Metrics

	maxRetries            int
	baseBackoff           time.Duration
	defaultCooldown       time.Duration
	conversationRetention int

	rand *rand.Rand
}

// New constructs a Router over the given rate-limiter store and secret
// source.
func New(limiter ratelimit.Store, secrets secret.Source, opts ...Option) *Router {
	r := &Router{
		credentials:           make(map[string]Credential),
		adapters:              make(map[string]ProviderAdapter),
		limiter:               limiter,
		secrets:               secrets,
		conversations:         make(map[string]*Conversation),
		logger:                telemetry.NewNoopLogger(),
		metrics:               telemetry.NewNoopMetrics(),
		maxRetries:            3,
		baseBackoff:           200 * time.Millisecond,
		defaultCooldown:       30 * time.Second,
		conversationRetention: 50,
		rand:                  rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterCredential adds or updates a routable credential.
func (r *Router) RegisterCredential(c Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[c.KeyID] = c
}

// RegisterAdapter wires a ProviderAdapter for the given provider_tag.
func (r *Router) RegisterAdapter(providerTag string, adapter ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[providerTag] = adapter
}

// candidate is a credential paired with its derived remaining-capacity score.
type candidate struct {
	cred      Credential
	remaining float64
}

// selectCandidates filters by active/not-in-cooldown/model/workload match and
// ranks by tightest matching workload, then highest remaining capacity,
// then key_id tie-break.
func (r *Router) selectCandidates(modelPreference string, tier WorkloadTier) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cands []candidate
	for _, c := range r.credentials {
		if !c.Active {
			continue
		}
		health := r.limiter.HealthOf(c.KeyID)
		if !health.Healthy() {
			continue
		}
		if modelPreference != "" && c.ModelTag != modelPreference {
			continue
		}
		if tier != "" && c.WorkloadTag != tier {
			continue
		}
		cands = append(cands, candidate{cred: c, remaining: 1.0})
	}

	sort.Slice(cands, func(i, j int) bool {
		ti, tj := tierRank(cands[i].cred.WorkloadTag), tierRank(cands[j].cred.WorkloadTag)
		if ti != tj {
			return ti < tj
		}
		if cands[i].remaining != cands[j].remaining {
			return cands[i].remaining > cands[j].remaining
		}
		return cands[i].cred.KeyID < cands[j].cred.KeyID
	})
	return cands
}

func tierRank(t WorkloadTier) int {
	for i, tier := range tierLadder {
		if tier == t {
			return i
		}
	}
	return len(tierLadder)
}

// earliestCooldown returns the minimum cooldown-expiry time across all
// registered credentials, for the no-key-available error.
func (r *Router) earliestCooldown() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var earliest time.Time
	for _, c := range r.credentials {
		health := r.limiter.HealthOf(c.KeyID)
		if health.CooldownUntil.IsZero() {
			continue
		}
		if earliest.IsZero() || health.CooldownUntil.Before(earliest) {
			earliest = health.CooldownUntil
		}
	}
	return earliest
}

// Complete runs the full select → reserve → dispatch → classify-and-recover
// request lifecycle.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	tier := req.WorkloadTier
	if tier == "" {
		tier = TierLight
	}
	prompt := req.Prompt
	attemptedKeys := make(map[string]bool)
	var lastErr *forgeerrors.Error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		cands := r.selectCandidates(req.ModelPreference, tier)
		var chosen *candidate
		for i := range cands {
			if !attemptedKeys[cands[i].cred.KeyID] {
				chosen = &cands[i]
				break
			}
		}
		if chosen == nil {
			earliest := r.earliestCooldown()
			return Response{}, forgeerrors.Newf(forgeerrors.KindNoKeyAvailable,
				"no credential available; earliest cooldown expiry %s", earliest)
		}

		ok, limitHit, retryAfter, err := r.limiter.Reserve(chosen.cred.KeyID,
			ratelimit.Limits{RPMLimit: chosen.cred.RPMLimit, TPMLimit: chosen.cred.TPMLimit},
			req.EstimatedCompletionTokens)
		if err != nil {
			return Response{}, forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "rate limiter reservation failed", err)
		}
		if !ok {
			attemptedKeys[chosen.cred.KeyID] = true
			lastErr = forgeerrors.Newf(forgeerrors.KindRateLimited,
				"reservation denied for key %q on %s dimension, retry after %s",
				chosen.cred.KeyID, limitHit, retryAfter)
			r.logger.Warn(ctx, "router: reservation denied", "key_id", chosen.cred.KeyID, "dimension", string(limitHit), "retry_after", retryAfter.String())
			continue
		}

		messages := r.conversationMessages(req.ConversationID, prompt)

		r.mu.RLock()
		adapter := r.adapters[chosen.cred.ProviderTag]
		r.mu.RUnlock()
		if adapter == nil {
			return Response{}, forgeerrors.Newf(forgeerrors.KindNonRecoverable, "no provider adapter registered for %q", chosen.cred.ProviderTag)
		}

		resp, err := adapter.Complete(ctx, chosen.cred, tier, messages, req.EstimatedCompletionTokens)
		attemptedKeys[chosen.cred.KeyID] = true
		if err == nil {
			_ = r.limiter.Correct(chosen.cred.KeyID, resp.Tokens)
			r.appendConversation(req.ConversationID, prompt, resp.Content)
			resp.KeyUsed = chosen.cred.KeyID
			return resp, nil
		}

		fe := forgeerrors.FromError(err)
		lastErr = fe
		switch fe.Kind {
		case forgeerrors.KindRateLimited:
			cooldown := r.defaultCooldown
			_ = r.limiter.Cooldown(chosen.cred.KeyID, time.Now().Add(cooldown))
			r.backoff(attempt)
			continue
		case forgeerrors.KindSafetyBlock:
			tier = nextTier(tier)
			if tier == TierHeavy {
				prompt = softenPrompt(prompt)
			}
			continue
		case forgeerrors.KindTransientProvider:
			_ = r.limiter.Cooldown(chosen.cred.KeyID, time.Now().Add(r.defaultCooldown/4))
			r.backoff(attempt)
			continue
		default:
			return Response{}, fe
		}
	}
	// Surface the last attempt's own error class rather than a fixed one: a
	// run exhausted entirely on rate-limited/transient-provider failures
	// must not be mistaken for a content-safety rejection by callers
	// branching on Kind, and a run that exhausted on safety-block failures
	// (every tier escalation still rejected) should still read as one.
	if lastErr != nil {
		return Response{}, lastErr
	}
	return Response{}, forgeerrors.New(forgeerrors.KindExhausted, "exhausted retries without making an attempt")
}

func (r *Router) backoff(attempt int) {
	base := r.baseBackoff * time.Duration(1<<uint(attempt))
	jitter := time.Duration(r.rand.Int63n(int64(base) + 1))
	time.Sleep(base/2 + jitter/2)
}

// softenPrompt strips code fences and aggressive vocabulary as the
// last-resort content-safety transform before a final retry.
func softenPrompt(prompt string) string {
	out := prompt
	for _, fence := range []string{"```"} {
		out = removeAll(out, fence)
	}
	return out
}

func removeAll(s, substr string) string {
	for {
		idx := indexOf(s, substr)
		if idx < 0 {
			return s
		}
		s = s[:idx] + s[idx+len(substr):]
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func (r *Router) conversationMessages(conversationID, prompt string) []Message {
	if conversationID == "" {
		return []Message{{Role: "user", Text: prompt}}
	}
	r.conversationsMu.Lock()
	defer r.conversationsMu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		conv = &Conversation{ConversationID: conversationID, CreatedAt: time.Now()}
		r.conversations[conversationID] = conv
	}
	out := append([]Message(nil), conv.History...)
	out = append(out, Message{Role: "user", Text: prompt})
	return out
}

func (r *Router) appendConversation(conversationID, prompt, reply string) {
	if conversationID == "" {
		return
	}
	r.conversationsMu.Lock()
	defer r.conversationsMu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		conv = &Conversation{ConversationID: conversationID, CreatedAt: time.Now()}
		r.conversations[conversationID] = conv
	}
	conv.History = append(conv.History, Message{Role: "user", Text: prompt}, Message{Role: "assistant", Text: reply})
	conv.MessageCount += 2
	if r.conversationRetention > 0 && len(conv.History) > r.conversationRetention {
		conv.History = conv.History[len(conv.History)-r.conversationRetention:]
	}
}

// DeleteConversation evicts a conversation on demand.
func (r *Router) DeleteConversation(conversationID string) {
	r.conversationsMu.Lock()
	defer r.conversationsMu.Unlock()
	delete(r.conversations, conversationID)
}
