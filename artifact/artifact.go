// Package artifact implements the versioned output store: a secret-scan
// gate in front of a pluggable branch/revision/tag backend, keyed by
// (workflow_id, task_id) pairs.
package artifact

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/goforge/forge/forgeerrors"
	"github.com/goforge/forge/telemetry"
)

// File is a single staged file: a repo-relative path and its content.
type File struct {
	Path    string
	Content []byte
}

// Commit describes a request to version a set of produced files.
type Commit struct {
	WorkflowID    string
	TaskID        string
	CorrelationID string
	PromptHash    string
	Files         []File
	Metadata      map[string]any
}

// Metadata is the sidecar record written alongside every commit, and is
// the source of truth for List/FindByCorrelation (never the commit
// message).
type Metadata struct {
	WorkflowID    string         `json:"workflow_id"`
	TaskID        string         `json:"task_id"`
	CorrelationID string         `json:"correlation_id"`
	PromptHash    string         `json:"prompt_hash,omitempty"`
	Branch        string         `json:"branch"`
	RevisionID    string         `json:"revision_id"`
	Tags          []string       `json:"tags"`
	Files         []string       `json:"files"`
	Fields        map[string]any `json:"fields,omitempty"`
	CommittedAt   time.Time      `json:"committed_at"`
	Pushed        bool           `json:"pushed"`
	PushError     string         `json:"push_error,omitempty"`
}

// Result is returned by Store.Commit.
type Result struct {
	Branch     string
	RevisionID string
	Tags       []string
	Pushed     bool
}

// Backend is the pluggable version-control boundary. The core only ever
// needs these seven operations against it.
type Backend interface {
	EnsureBranch(ctx context.Context, branch string) error
	StageFiles(ctx context.Context, branch string, files []File) error
	Commit(ctx context.Context, branch, author, message string) (revisionID string, err error)
	Tag(ctx context.Context, revisionID string, tags []string) error
	Push(ctx context.Context, branch string, tags []string) error
	RevisionByTag(ctx context.Context, tag string) (revisionID string, err error)
	MoveBranch(ctx context.Context, branch, revisionID string) (newRevisionID string, err error)
}

const commitAuthor = "forge-bot <forge-bot@users.noreply>"

// Store implements spec's secret-scan-then-commit pipeline over a Backend.
type Store struct {
	backend  Backend
	patterns []*regexp.Regexp
	push     bool
	logger   telemetry.Logger

	mu    sync.RWMutex
	index map[string]Metadata // revision_id -> metadata
}

// Option configures a Store.
type Option func(*Store)

// WithPush enables pushing branches/tags to the backend's configured
// remote after every commit.
func WithPush(enabled bool) Option {
	return func(s *Store) { s.push = enabled }
}

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSecretPatterns replaces the default secret-scan pattern set.
func WithSecretPatterns(patterns []*regexp.Regexp) Option {
	return func(s *Store) { s.patterns = patterns }
}

// New constructs a Store over the given backend using the default
// provider-key secret patterns unless overridden.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		patterns: DefaultSecretPatterns(),
		logger:   telemetry.NewNoopLogger(),
		index:    make(map[string]Metadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// branchName is a pure function of (workflow_id, task_id), per invariant.
func branchName(workflowID, taskID string) string {
	return fmt.Sprintf("forge/%s/%s", workflowID, taskID)
}

// commitMessage is likewise a pure function of (workflow_id, task_id).
func commitMessage(workflowID, taskID string) string {
	return fmt.Sprintf("forge: %s/%s", workflowID, taskID)
}

// Commit runs the secret-scan gate, then stages, commits, and tags the
// produced files.
func (s *Store) Commit(ctx context.Context, c Commit) (Result, error) {
	for _, f := range c.Files {
		if m := scanFile(f, s.patterns); m != "" {
			return Result{}, forgeerrors.New(forgeerrors.KindSecretDetected,
				fmt.Sprintf("secret-detected: %s matched %s", f.Path, m))
		}
	}

	branch := branchName(c.WorkflowID, c.TaskID)
	if err := s.backend.EnsureBranch(ctx, branch); err != nil {
		return Result{}, forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "ensure branch failed", err)
	}
	if err := s.backend.StageFiles(ctx, branch, c.Files); err != nil {
		return Result{}, forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "stage files failed", err)
	}
	revisionID, err := s.backend.Commit(ctx, branch, commitAuthor, commitMessage(c.WorkflowID, c.TaskID))
	if err != nil {
		return Result{}, forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "commit failed", err)
	}

	tags := []string{"corr_" + c.CorrelationID}
	if c.PromptHash != "" {
		tags = append(tags, "prompt_"+c.PromptHash)
	}
	if err := s.backend.Tag(ctx, revisionID, tags); err != nil {
		return Result{}, forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "tag failed", err)
	}

	files := make([]string, len(c.Files))
	for i, f := range c.Files {
		files[i] = f.Path
	}
	meta := Metadata{
		WorkflowID:    c.WorkflowID,
		TaskID:        c.TaskID,
		CorrelationID: c.CorrelationID,
		PromptHash:    c.PromptHash,
		Branch:        branch,
		RevisionID:    revisionID,
		Tags:          tags,
		Files:         files,
		Fields:        c.Metadata,
		CommittedAt:   time.Now(),
	}

	pushed := false
	if s.push {
		if err := s.backend.Push(ctx, branch, tags); err != nil {
			meta.PushError = err.Error()
			s.logger.Warn(ctx, "artifact: push failed", "branch", branch, "error", err.Error())
		} else {
			pushed = true
		}
	}
	meta.Pushed = pushed

	s.mu.Lock()
	s.index[revisionID] = meta
	s.mu.Unlock()

	return Result{Branch: branch, RevisionID: revisionID, Tags: tags, Pushed: pushed}, nil
}

// Revert locates the revision tagged tag and moves targetBranch to point
// at it, producing a new revision matching the tagged tree.
func (s *Store) Revert(ctx context.Context, tag, targetBranch string) (string, error) {
	revisionID, err := s.backend.RevisionByTag(ctx, tag)
	if err != nil {
		return "", forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "revert: tag not found", err)
	}
	newRevisionID, err := s.backend.MoveBranch(ctx, targetBranch, revisionID)
	if err != nil {
		return "", forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "revert: move branch failed", err)
	}
	return newRevisionID, nil
}

// List returns sidecar metadata, optionally filtered by workflow_id, newest
// first, capped at limit (0 means unlimited).
func (s *Store) List(workflowID string, limit int) []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Metadata, 0, len(s.index))
	for _, m := range s.index {
		if workflowID != "" && m.WorkflowID != workflowID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedAt.After(out[j].CommittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FindByCorrelation returns the metadata record for a correlation ID, if any.
func (s *Store) FindByCorrelation(correlationID string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.index {
		if m.CorrelationID == correlationID {
			return m, true
		}
	}
	return Metadata{}, false
}

func scanFile(f File, patterns []*regexp.Regexp) string {
	for _, p := range patterns {
		if p.Match(f.Content) {
			return p.String()
		}
	}
	return ""
}

// DefaultSecretPatterns returns a conservative set of provider-key and
// generic-secret patterns.
func DefaultSecretPatterns() []*regexp.Regexp {
	raw := []string{
		`AKIA[0-9A-Z]{16}`,             // AWS access key ID
		`sk-[A-Za-z0-9]{20,}`,          // OpenAI/Anthropic-style secret key
		`xox[baprs]-[0-9A-Za-z-]{10,}`, // Slack token
		`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
		`(?i)api[_-]?key["':= ]{1,4}[A-Za-z0-9/+=_-]{16,}`,
		`(?i)secret["':= ]{1,4}[A-Za-z0-9/+=_-]{16,}`,
	}
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, r := range raw {
		out = append(out, regexp.MustCompile(r))
	}
	return out
}
