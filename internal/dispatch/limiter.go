package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/dalnet/rulebot/internal/rules"
)

type scope int

const (
	scopeUser scope = iota
	scopeChannel
	scopeGlobal
)

func (s scope) String() string {
	switch s {
	case scopeUser:
		return "user"
	case scopeChannel:
		return "channel"
	default:
		return "global"
	}
}

type limitKey struct {
	rule  *rules.Rule
	scope scope
	id    string
}

type usage struct {
	started time.Time
	ended   time.Time
}

// last is the end of the previous run, or its start while it is running.
func (u usage) last() time.Time {
	if !u.ended.IsZero() {
		return u.ended
	}
	return u.started
}

// limiter tracks when each rule last ran per user, per channel and
// globally. Slots are reserved when a trigger is found eligible so that
// concurrent triggers cannot slip past a limit before the first finishes.
type limiter struct {
	mu      sync.Mutex
	entries map[limitKey]usage
}

type reservation struct {
	keys     []limitKey
	previous []*usage
}

// blocked describes the scope that refused a trigger.
type blocked struct {
	scope    scope
	limit    time.Duration
	timeLeft time.Duration
}

func newLimiter() *limiter {
	return &limiter{entries: make(map[limitKey]usage)}
}

func limitFor(opts rules.Options, s scope) time.Duration {
	switch s {
	case scopeUser:
		return opts.UserRate
	case scopeChannel:
		return opts.ChannelRate
	default:
		return opts.GlobalRate
	}
}

// reserve checks every configured scope and, when none is exceeded, marks
// the rule as started at now.
func (l *limiter) reserve(rule *rules.Rule, nick, channel string, now time.Time) (*reservation, *blocked) {
	opts := rule.Options()
	var keys []limitKey
	for _, s := range []scope{scopeUser, scopeChannel, scopeGlobal} {
		limit := limitFor(opts, s)
		if limit <= 0 {
			continue
		}
		key := limitKey{rule: rule, scope: s}
		switch s {
		case scopeUser:
			key.id = nick
		case scopeChannel:
			if channel == "" {
				continue
			}
			key.id = channel
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		prev, ok := l.entries[key]
		if !ok {
			continue
		}
		limit := limitFor(opts, key.scope)
		if elapsed := now.Sub(prev.last()); elapsed < limit {
			return nil, &blocked{scope: key.scope, limit: limit, timeLeft: limit - elapsed}
		}
	}

	res := &reservation{keys: keys, previous: make([]*usage, len(keys))}
	for i, key := range keys {
		if prev, ok := l.entries[key]; ok {
			p := prev
			res.previous[i] = &p
		}
		l.entries[key] = usage{started: now}
	}
	return res, nil
}

// complete records the end of a run. A handler returning rules.ErrNoLimit
// gets its reservation rolled back.
func (l *limiter) complete(res *reservation, err error, now time.Time) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, key := range res.keys {
		if errors.Is(err, rules.ErrNoLimit) {
			if res.previous[i] == nil {
				delete(l.entries, key)
			} else {
				l.entries[key] = *res.previous[i]
			}
			continue
		}
		u := l.entries[key]
		u.ended = now
		l.entries[key] = u
	}
}
