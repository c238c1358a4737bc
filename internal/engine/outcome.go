package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/msageha/concierge/internal/model"
)

// OutcomeClassifier decides, from the backend's final report text, whether a
// normally-returned execution actually succeeded and whether the agent is
// asking for more input. The thresholds and phrase tables are tunable config,
// not contracts, so the classifier is injectable and hot-reloadable.
type OutcomeClassifier struct {
	mu                sync.RWMutex
	literals          []string
	patterns          []*regexp.Regexp
	tailRunes         int
	questionThreshold int
}

const regexPrefix = "re:"

func NewOutcomeClassifier(cfg model.HeuristicsConfig) (*OutcomeClassifier, error) {
	o := &OutcomeClassifier{}
	if err := o.Reload(cfg); err != nil {
		return nil, err
	}
	return o, nil
}

// Reload swaps in a new heuristics table. Safe to call while classifications
// are in flight.
func (o *OutcomeClassifier) Reload(cfg model.HeuristicsConfig) error {
	var literals []string
	var patterns []*regexp.Regexp
	for _, phrase := range cfg.FailurePhrases {
		if p, ok := strings.CutPrefix(phrase, regexPrefix); ok {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("compile failure phrase %q: %w", phrase, err)
			}
			patterns = append(patterns, re)
			continue
		}
		literals = append(literals, phrase)
	}

	tail := cfg.FailureTailRunes
	if tail <= 0 {
		tail = 500
	}
	threshold := cfg.QuestionThreshold
	if threshold <= 0 {
		threshold = 3
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.literals = literals
	o.patterns = patterns
	o.tailRunes = tail
	o.questionThreshold = threshold
	return nil
}

// IndicatesFailure scans only the conclusion of the result text — the
// trailing window — for failure phrases. Failure talk in intermediate
// reasoning further up must not flip the verdict.
func (o *OutcomeClassifier) IndicatesFailure(text string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	runes := []rune(text)
	if len(runes) > o.tailRunes {
		runes = runes[len(runes)-o.tailRunes:]
	}
	tail := string(runes)

	for _, lit := range o.literals {
		if strings.Contains(tail, lit) {
			return true
		}
	}
	for _, re := range o.patterns {
		if re.MatchString(tail) {
			return true
		}
	}
	return false
}

// NeedsInput counts question marks anywhere in the text; at or above the
// threshold the agent is asking clarifying questions rather than concluding.
func (o *OutcomeClassifier) NeedsInput(text string) bool {
	o.mu.RLock()
	threshold := o.questionThreshold
	o.mu.RUnlock()

	count := 0
	for _, r := range text {
		if r == '?' || r == '？' {
			count++
			if count >= threshold {
				return true
			}
		}
	}
	return false
}
