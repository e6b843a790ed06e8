package workerrole

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goforge/forge/artifact"
	"github.com/goforge/forge/forgeerrors"
	"github.com/goforge/forge/router"
	"github.com/goforge/forge/sandbox"
	"github.com/goforge/forge/scheduler"
)

// LLMAdapter drives an LLM-backed role (design, implement, repair) through
// router.Router: it shapes the task's description plus any failure/fix
// hints into a completion request and, if an artifact.Store is configured,
// commits the response as a single staged file.
type LLMAdapter struct {
	Router    *router.Router
	Artifacts *artifact.Store
	Tier      router.WorkloadTier
	// OutputPath names the file a completion is committed to. Defaults to
	// tasks/<task-id>/output.md when nil.
	OutputPath func(TaskRef) string
}

// HandleDispatch implements Adapter.
func (a *LLMAdapter) HandleDispatch(ctx context.Context, ref TaskRef, payload scheduler.DispatchPayload) (scheduler.ResultPayload, error) {
	tier := a.Tier
	if tier == "" {
		tier = router.TierMedium
	}
	resp, err := a.Router.Complete(ctx, router.Request{
		Prompt:         buildPrompt(payload),
		WorkloadTier:   tier,
		ConversationID: ref.TaskID,
	})
	if err != nil {
		fe := forgeerrors.FromError(err)
		return scheduler.ResultPayload{Failures: []string{fe.Error()}}, err
	}

	result := scheduler.ResultPayload{
		Metrics: map[string]any{"tokens": resp.Tokens, "model_used": resp.ModelUsed, "key_used": resp.KeyUsed},
	}
	if a.Artifacts == nil {
		return result, nil
	}

	path := a.outputPath(ref)
	commit, err := a.Artifacts.Commit(ctx, artifact.Commit{
		WorkflowID:    ref.WorkflowID,
		TaskID:        ref.TaskID,
		CorrelationID: ref.CorrelationID,
		Files:         []artifact.File{{Path: path, Content: []byte(resp.Content)}},
	})
	if err != nil {
		return scheduler.ResultPayload{Failures: []string{err.Error()}}, err
	}
	result.Artifacts = []string{path}
	result.Metrics["revision_id"] = commit.RevisionID
	return result, nil
}

func (a *LLMAdapter) outputPath(ref TaskRef) string {
	if a.OutputPath != nil {
		return a.OutputPath(ref)
	}
	return fmt.Sprintf("tasks/%s/output.md", ref.TaskID)
}

func buildPrompt(payload scheduler.DispatchPayload) string {
	var b strings.Builder
	b.WriteString(payload.Description)
	if payload.FailureClassHint != "" {
		fmt.Fprintf(&b, "\n\nThe previous attempt failed and was classified as %s.", payload.FailureClassHint)
	}
	if payload.FixStrategyHint != "" {
		fmt.Fprintf(&b, " Suggested fix: %s", payload.FixStrategyHint)
	}
	return b.String()
}

// SandboxAdapter drives the validate role through sandbox.Gateway: it runs
// the dispatched task's fixtures against its input artifacts in an
// isolated sandbox and translates the classified result into a dispatch
// outcome.
type SandboxAdapter struct {
	Gateway *sandbox.Gateway
	Timeout time.Duration
	// OutputDir names the sandbox's working directory. Defaults to
	// /tmp/forge-sandbox/<task-id> when nil.
	OutputDir func(TaskRef) string
}

// HandleDispatch implements Adapter.
func (a *SandboxAdapter) HandleDispatch(ctx context.Context, ref TaskRef, payload scheduler.DispatchPayload) (scheduler.ResultPayload, error) {
	var strategyFile string
	if len(payload.InputArtifacts) > 0 {
		strategyFile = payload.InputArtifacts[0]
	}

	bundle := sandbox.Bundle{
		StrategyFile: strategyFile,
		TestFiles:    payload.InputArtifacts,
		Fixtures:     payload.Fixtures,
		OutputDir:    a.outputDir(ref),
		Timeout:      a.Timeout,
	}

	res, err := a.Gateway.Run(ctx, bundle)
	if err != nil {
		return scheduler.ResultPayload{Failures: []string{err.Error()}}, err
	}

	result := scheduler.ResultPayload{
		Artifacts: res.Artifacts,
		Metrics:   map[string]any{"duration_s": res.DurationS, "exit_code": res.ExitCode, "status": string(res.Status)},
	}
	for _, f := range res.Failures {
		result.Failures = append(result.Failures, fmt.Sprintf("%s: %s", f.Name, f.Message))
	}
	if res.Status != sandbox.StatusPassed {
		if res.LastLine != "" {
			result.Failures = append(result.Failures, "last executed line: "+res.LastLine)
		}
		return result, fmt.Errorf("sandbox run ended in status %s", res.Status)
	}
	return result, nil
}

func (a *SandboxAdapter) outputDir(ref TaskRef) string {
	if a.OutputDir != nil {
		return a.OutputDir(ref)
	}
	return fmt.Sprintf("/tmp/forge-sandbox/%s", ref.TaskID)
}

// NewDefaultRegistry wires the built-in design/implement/repair/validate
// adapters: the LLM roles share one router-backed adapter instance (they
// differ only by the prompt the task description carries), and validate is
// backed by the sandbox gateway.
func NewDefaultRegistry(r *router.Router, gw *sandbox.Gateway, artifacts *artifact.Store) *Registry {
	registry := NewRegistry()
	llm := &LLMAdapter{Router: r, Artifacts: artifacts, Tier: router.TierMedium}
	registry.Register("design", llm)
	registry.Register("implement", llm)
	registry.Register("repair", llm)
	registry.Register("validate", &SandboxAdapter{Gateway: gw})
	return registry
}
