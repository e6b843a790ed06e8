// Package failureanalysis implements the regex-driven anti-pattern classifier
// shared by the sandbox gateway and the scheduler's failure classifier.
package failureanalysis

import "regexp"

// Class mirrors taskgraph.BranchReason's values to keep this package free of
// a dependency on taskgraph while still speaking the same vocabulary.
type Class string

const (
	ClassImplementationBug Class = "implementation_bug"
	ClassSpecMismatch      Class = "spec_mismatch"
	ClassTimeout           Class = "timeout"
	ClassMissingDependency Class = "missing_dependency"
	ClassFlakyTest         Class = "flaky_test"
	ClassUnknown           Class = "unknown"
)

// pattern pairs a detector regex with its class and fix-strategy hint.
type pattern struct {
	name  string
	re    *regexp.Regexp
	class Class
	hint  string
}

// patterns is the fix-strategy hints table consulted by Analyze.
var patterns = []pattern{
	{
		name:  "unbounded-loop",
		re:    regexp.MustCompile(`(?m)^\s*while\s+True\s*:`),
		class: ClassTimeout,
		hint:  "Bound loops with MAX_ITERATIONS; add break on condition.",
	},
	{
		name:  "row-wise-iteration",
		re:    regexp.MustCompile(`\.iterrows\(\)|\.itertuples\(\)|for\s+\w+\s+in\s+range\(len\(`),
		class: ClassTimeout,
		hint:  "Vectorize; cap dataset size; avoid nested row loops.",
	},
	{
		name:  "blocking-io",
		re:    regexp.MustCompile(`\b(requests\.(get|post)|socket\.socket|urllib\.request|http\.client)\b`),
		class: ClassTimeout,
		hint:  "Sandbox has no network; use injected data source.",
	},
	{
		name:  "missing-timeout",
		re:    regexp.MustCompile(`\.(get|post|connect|request)\([^)]*\)`),
		class: ClassTimeout,
		hint:  "Pass explicit timeout to all I/O.",
	},
}

// Finding is a single classifier match.
type Finding struct {
	Pattern string
	Class   Class
	Hint    string
}

// Analyze scans the given stderr/trace excerpt for known anti-patterns and
// returns every match found. An empty slice means no anti-pattern was
// detected; callers should fall back to the broader structured/heuristic
// classification in ClassifyFailure.
func Analyze(excerpt string) []Finding {
	var findings []Finding
	for _, p := range patterns {
		if p.re.MatchString(excerpt) {
			findings = append(findings, Finding{Pattern: p.name, Class: p.class, Hint: p.hint})
		}
	}
	return findings
}

var (
	importErrorRe    = regexp.MustCompile(`ImportError|ModuleNotFoundError`)
	assertionErrorRe = regexp.MustCompile(`AssertionError`)
	signatureRe      = regexp.MustCompile(`(?i)signature|argument|TypeError:.*positional`)
	timeoutExitRe    = regexp.MustCompile(`(?i)timed? ?out|TimeoutExpired|SIGKILL`)
)

// ClassifyFailure applies fallback pattern heuristics on stderr when no
// structured `failures` list from the sandbox is available: ImportError →
// missing_dependency; AssertionError →
// implementation_bug unless signature-related, in which case spec_mismatch;
// an explicit timeout exit → timeout.
func ClassifyFailure(stderr string, timedOut bool) Class {
	if timedOut || timeoutExitRe.MatchString(stderr) {
		return ClassTimeout
	}
	if importErrorRe.MatchString(stderr) {
		return ClassMissingDependency
	}
	if assertionErrorRe.MatchString(stderr) {
		if signatureRe.MatchString(stderr) {
			return ClassSpecMismatch
		}
		return ClassImplementationBug
	}
	return ClassUnknown
}

// RouteClass resolves a failure class to a worker role using the task's
// failure_routing override map if present, otherwise the default:
// implementation bugs → implement, spec mismatches → design,
// timeouts → implement (never validate — slow code must be fixed), others →
// repair.
func RouteClass(class Class, override map[string]string) string {
	if override != nil {
		if role, ok := override[string(class)]; ok && role != "" {
			return role
		}
	}
	switch class {
	case ClassImplementationBug:
		return "implement"
	case ClassSpecMismatch:
		return "design"
	case ClassTimeout:
		return "implement"
	default:
		return "repair"
	}
}
