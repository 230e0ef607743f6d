package risk

import (
	"time"

	"attendguard/internal/geo"
	"attendguard/internal/reputation"
)

// Submission carries the signals of one admission attempt.
type Submission struct {
	SessionID          string
	StudentID          string
	DeviceFingerprint  string
	NetworkIdentity    string
	BrowserFingerprint string
	Location           *geo.Point
	At                 time.Time
}

// Evidence is the history snapshot analyzers evaluate a submission against.
// Histories are newest first.
type Evidence struct {
	DeviceBlocked  bool
	NetworkBlocked bool
	// DeviceHistory is the device's tracked history: its most recent
	// associations within the behavioral window.
	DeviceHistory []reputation.Association
	// DeviceRecent and NetworkRecent cover the rate window.
	DeviceRecent  []reputation.Association
	NetworkRecent []reputation.Association
	// StudentHistory holds the student's accepted attempts in the behavioral window.
	StudentHistory  []reputation.Association
	Network         geo.Info
	SessionLocation *geo.Point
	// PriorFrequency is the student's attempt count in the current
	// hour-of-day bucket before this one.
	PriorFrequency int
}

// Rule is one declarative (predicate, penalty, flag) check.
type Rule struct {
	Flag    string
	Penalty int
	// Terminal stops the analyzer's remaining rules when this one fires.
	Terminal bool
	Match    func(Submission, Evidence) bool
}

// Analyzer is a named, ordered list of rules.
type Analyzer struct {
	Name string
	// Applies gates the whole analyzer; nil means always.
	Applies func(Submission, Evidence) bool
	Rules   []Rule
}

// Result is an analyzer's contribution.
type Result struct {
	Penalty int
	Flags   []string
}

// Evaluate runs the analyzer's rules. Negative penalties count as zero.
func (a Analyzer) Evaluate(sub Submission, ev Evidence) Result {
	var res Result
	if a.Applies != nil && !a.Applies(sub, ev) {
		return res
	}
	for _, r := range a.Rules {
		if !r.Match(sub, ev) {
			continue
		}
		if r.Penalty > 0 {
			res.Penalty += r.Penalty
		}
		res.Flags = append(res.Flags, r.Flag)
		if r.Terminal {
			break
		}
	}
	return res
}
