package risk

import (
	"context"
	"fmt"
	"strings"
)

const (
	// MaxScore is the score of a submission that triggers nothing.
	MaxScore = 100
	// DefaultBlockThreshold rejects scores strictly below it.
	DefaultBlockThreshold = 60
)

// Assessment is the scored verdict for one submission.
type Assessment struct {
	Score   int      `json:"score"`
	Flags   []string `json:"flags"`
	Blocked bool     `json:"blocked"`
	Reason  string   `json:"reason,omitempty"`
}

// Collector gathers the evidence for a submission.
type Collector interface {
	Collect(ctx context.Context, sub Submission) (Evidence, error)
}

// Engine aggregates analyzer penalties into an Assessment.
type Engine struct {
	collector Collector
	threshold int
	analyzers []Analyzer
}

// NewEngine builds an engine over the given analyzers, which are evaluated
// in the order supplied. A non-positive threshold selects the default.
func NewEngine(collector Collector, threshold int, analyzers ...Analyzer) *Engine {
	if threshold <= 0 {
		threshold = DefaultBlockThreshold
	}
	return &Engine{collector: collector, threshold: threshold, analyzers: analyzers}
}

// Threshold returns the block threshold in use.
func (e *Engine) Threshold() int { return e.threshold }

// Score collects evidence for sub and assesses it.
func (e *Engine) Score(ctx context.Context, sub Submission) (Assessment, error) {
	ev, err := e.collector.Collect(ctx, sub)
	if err != nil {
		return Assessment{}, fmt.Errorf("collect evidence: %w", err)
	}
	return e.Assess(sub, ev), nil
}

// Assess is the pure aggregation step: 100 minus every penalty, clamped to [0, 100].
func (e *Engine) Assess(sub Submission, ev Evidence) Assessment {
	score := MaxScore
	flags := []string{}
	for _, a := range e.analyzers {
		res := a.Evaluate(sub, ev)
		score -= res.Penalty
		flags = append(flags, res.Flags...)
	}
	if score < 0 {
		score = 0
	}
	out := Assessment{Score: score, Flags: flags, Blocked: score < e.threshold}
	if out.Blocked {
		out.Reason = fmt.Sprintf("Security score too low: %d%%. Flags: %s", score, strings.Join(flags, ", "))
	}
	return out
}
