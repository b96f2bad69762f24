package isolation

import (
	"regexp"
	"time"

	"github.com/t77yq/parallel-runner/internal/model"
)

// ErrorPattern maps a message shape to a taxonomy type, severity and default
// recovery strategy. Patterns are matched in registration order.
type ErrorPattern struct {
	Name     string
	Matcher  *regexp.Regexp
	Type     model.ErrorType
	Severity model.ErrorSeverity
	Recovery *model.RecoveryStrategy
}

// BuiltinPatterns returns the default pattern table.
func BuiltinPatterns() []ErrorPattern {
	return []ErrorPattern{
		{
			Name:     "timeout",
			Matcher:  regexp.MustCompile(`(?i)timed out|timeout|exceeded.*timeout`),
			Type:     model.ErrorTypeTimeout,
			Severity: model.SeverityHigh,
			Recovery: &model.RecoveryStrategy{Action: model.RecoveryRetry, MaxAttempts: 2, Backoff: 1000 * time.Millisecond},
		},
		{
			Name:     "memory",
			Matcher:  regexp.MustCompile(`(?i)out of memory|heap exceeded|memory limit`),
			Type:     model.ErrorTypeMemory,
			Severity: model.SeverityCritical,
			Recovery: &model.RecoveryStrategy{Action: model.RecoveryRestart, MaxAttempts: 1, Backoff: 5000 * time.Millisecond},
		},
		{
			Name:     "network",
			Matcher:  regexp.MustCompile(`(?i)network error|connection refused|dns error`),
			Type:     model.ErrorTypeNetwork,
			Severity: model.SeverityMedium,
			Recovery: &model.RecoveryStrategy{Action: model.RecoveryRetry, MaxAttempts: 3, Backoff: 2000 * time.Millisecond},
		},
		{
			Name:     "assertion",
			Matcher:  regexp.MustCompile(`(?i)assertion failed|expect.*received|test failed`),
			Type:     model.ErrorTypeAssertion,
			Severity: model.SeverityLow,
			Recovery: &model.RecoveryStrategy{Action: model.RecoverySkip, MaxAttempts: 1},
		},
		{
			Name:     "setup",
			Matcher:  regexp.MustCompile(`(?i)setup failed|beforeAll error|initialization error`),
			Type:     model.ErrorTypeSetup,
			Severity: model.SeverityHigh,
			Recovery: &model.RecoveryStrategy{Action: model.RecoveryIsolate, MaxAttempts: 2, Backoff: 3000 * time.Millisecond},
		},
	}
}

// DefaultStrategies returns the type-keyed fallback table used when no
// pattern matches.
func DefaultStrategies() map[model.ErrorType]model.RecoveryStrategy {
	return map[model.ErrorType]model.RecoveryStrategy{
		model.ErrorTypeTimeout:   {Action: model.RecoveryRetry, MaxAttempts: 2, Backoff: 1000 * time.Millisecond},
		model.ErrorTypeMemory:    {Action: model.RecoveryRestart, MaxAttempts: 1, Backoff: 5000 * time.Millisecond},
		model.ErrorTypeNetwork:   {Action: model.RecoveryRetry, MaxAttempts: 3, Backoff: 2000 * time.Millisecond},
		model.ErrorTypeAssertion: {Action: model.RecoverySkip, MaxAttempts: 1},
		model.ErrorTypeSetup:     {Action: model.RecoveryIsolate, MaxAttempts: 2, Backoff: 3000 * time.Millisecond},
		model.ErrorTypeRuntime:   {Action: model.RecoveryIsolate, MaxAttempts: 1, Backoff: 10000 * time.Millisecond},
	}
}

// ultimateFallback applies when neither a pattern nor the type table has an
// entry.
var ultimateFallback = model.RecoveryStrategy{Action: model.RecoverySkip, MaxAttempts: 1}

// Classifier turns raw failures into classified errors with a recovery
// strategy attached.
type Classifier struct {
	patterns []ErrorPattern
	defaults map[model.ErrorType]model.RecoveryStrategy
}

// NewClassifier creates a classifier with the builtin pattern and fallback
// tables.
func NewClassifier() *Classifier {
	return &Classifier{
		patterns: BuiltinPatterns(),
		defaults: DefaultStrategies(),
	}
}

// NewClassifierWithTables creates a classifier with custom tables. Used by
// embedders that need project-specific failure shapes.
func NewClassifierWithTables(patterns []ErrorPattern, defaults map[model.ErrorType]model.RecoveryStrategy) *Classifier {
	return &Classifier{patterns: patterns, defaults: defaults}
}

// Classify matches the error message against the pattern table in order,
// stamping type and severity on the first hit. Unmatched errors keep a type
// already inferred by the runtime or default to runtime/medium. The returned
// strategy comes from the matched pattern, the type table, or the ultimate
// skip fallback, in that order.
func (c *Classifier) Classify(raw *model.TestError) model.RecoveryStrategy {
	for _, p := range c.patterns {
		if p.Matcher.MatchString(raw.Message) {
			raw.Type = p.Type
			raw.Severity = p.Severity
			if p.Recovery != nil {
				return *p.Recovery
			}
			break
		}
	}

	if raw.Type == "" {
		raw.Type = model.ErrorTypeRuntime
	}
	if raw.Severity == "" {
		raw.Severity = model.SeverityMedium
	}

	if strategy, ok := c.defaults[raw.Type]; ok {
		return strategy
	}
	return ultimateFallback
}
