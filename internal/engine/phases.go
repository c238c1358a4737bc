package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/msageha/concierge/internal/agent"
)

// ProgressSink receives short human-readable status strings. Best-effort
// cosmetic signaling, not correctness-critical; nil sinks are skipped.
type ProgressSink func(message string)

const maxPhase = 3

// phaseTracker advances a 0→3 phase counter by keyword-matching tool
// arguments, emitting a status line on each recognized tool call and each
// phase advance.
type phaseTracker struct {
	mu       sync.Mutex
	keywords map[string]int
	phase    int
	sink     ProgressSink
}

func newPhaseTracker(keywords map[string]int, sink ProgressSink) *phaseTracker {
	return &phaseTracker{
		keywords: keywords,
		sink:     sink,
	}
}

func (p *phaseTracker) Observe(call agent.ToolCall) {
	p.mu.Lock()
	defer p.mu.Unlock()

	haystack := strings.ToLower(call.Name + " " + call.Arguments)
	advanced := false
	for keyword, phase := range p.keywords {
		if phase > p.phase && phase <= maxPhase && strings.Contains(haystack, keyword) {
			p.phase = phase
			advanced = true
		}
	}

	if p.sink == nil {
		return
	}
	if advanced {
		p.sink(fmt.Sprintf("作業フェーズが進みました (%d/%d)", p.phase, maxPhase))
	}
	p.sink(fmt.Sprintf("ツール %s を実行中です", call.Name))
}

func (p *phaseTracker) Phase() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}
