package flood

import (
	"sync"
	"time"
)

// LoopParams configures repeated-message suppression.
type LoopParams struct {
	Threshold   int
	Window      time.Duration
	RepeatText  string
	SilentAfter int
}

func DefaultLoopParams() LoopParams {
	return LoopParams{Threshold: 5, Window: 60 * time.Second, RepeatText: "...", SilentAfter: 3}
}

// LoopGuard stops the bot from repeating itself to one recipient. Once a
// text was sent Threshold times within Window it is replaced by RepeatText,
// and once RepeatText itself went out SilentAfter times, messages are dropped.
type LoopGuard struct {
	mu      sync.Mutex
	params  LoopParams
	history map[string][]sent
	now     func() time.Time
}

type sent struct {
	at   time.Time
	text string
}

const maxHistory = 32

func NewLoopGuard(p LoopParams) *LoopGuard {
	return &LoopGuard{params: p, history: make(map[string][]sent), now: time.Now}
}

// Filter returns the text to send to recipient, or false when the message
// must be dropped. Accepted texts are recorded.
func (g *LoopGuard) Filter(recipient, text string) (string, bool) {
	if g == nil || g.params.Threshold <= 0 {
		return text, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	recent := g.history[recipient][:0:0]
	for _, s := range g.history[recipient] {
		if now.Sub(s.at) < g.params.Window {
			recent = append(recent, s)
		}
	}

	if count(recent, text) >= g.params.Threshold {
		text = g.params.RepeatText
		if g.params.SilentAfter > 0 && count(recent, text) >= g.params.SilentAfter {
			g.history[recipient] = recent
			return "", false
		}
	}

	recent = append(recent, sent{at: now, text: text})
	if len(recent) > maxHistory {
		recent = recent[len(recent)-maxHistory:]
	}
	g.history[recipient] = recent
	return text, true
}

// Forget drops the history for a recipient.
func (g *LoopGuard) Forget(recipient string) {
	g.mu.Lock()
	delete(g.history, recipient)
	g.mu.Unlock()
}

func count(list []sent, text string) int {
	n := 0
	for _, s := range list {
		if s.text == text {
			n++
		}
	}
	return n
}
