package rules

import (
	"regexp"
	"strings"
	"time"

	"github.com/dalnet/rulebot/internal/wire"
)

// Env is the connection state a PreTrigger is computed against.
type Env interface {
	Nick() string
	Fold(s string) string
	IsChannel(name string) bool
	StatusPrefixes() string
}

// PreTrigger is the part of a trigger that does not depend on which rule
// matched. It is computed once per inbound message.
type PreTrigger struct {
	Message *wire.Message
	Event   string
	// Text is the last parameter with any CTCP framing removed.
	Text string
	CTCP string
	// Sender is the channel for channel messages and the source nick for
	// private ones.
	Sender       string
	StatusPrefix string
	IsPrivate    bool
	Account      string
	URLs         []string
	Time         time.Time
}

// NewPreTrigger derives match context from m. urlPattern may be nil to skip
// URL discovery.
func NewPreTrigger(m *wire.Message, env Env, urlPattern *regexp.Regexp) *PreTrigger {
	pre := &PreTrigger{
		Message: m,
		Event:   m.Command,
		Text:    m.Trailing(),
		Time:    m.Time(),
	}
	if acct, ok := m.Tag("account"); ok {
		pre.Account = acct
	}
	if m.Command == "JOIN" && len(m.Params) >= 3 && m.Params[1] != "*" {
		pre.Account = m.Params[1]
	}

	if len(m.Params) > 0 && hasContext(m.Command) {
		target := m.Params[0]
		if (m.Command == "PRIVMSG" || m.Command == "NOTICE") && target != "" {
			if sp := env.StatusPrefixes(); sp != "" && len(target) > 1 && strings.IndexByte(sp, target[0]) >= 0 {
				pre.StatusPrefix = target[:1]
				target = target[1:]
			}
		}
		if env.Fold(target) == env.Fold(env.Nick()) {
			target = m.Nick
		}
		pre.Sender = target
		pre.IsPrivate = target != "" && !env.IsChannel(target)
	}

	if m.Command == "PRIVMSG" || m.Command == "NOTICE" {
		if cmd, params, ok := wire.ParseCTCP(pre.Text); ok {
			pre.CTCP = cmd
			pre.Text = params
		}
		if urlPattern != nil && (pre.CTCP == "" || pre.CTCP == "ACTION") {
			pre.URLs = wire.FindURLs(urlPattern, pre.Text)
		}
	}
	return pre
}

func hasContext(command string) bool {
	switch command {
	case "PRIVMSG", "NOTICE", "JOIN", "PART", "KICK", "MODE", "TOPIC", "INVITE":
		return true
	}
	return false
}

// Trigger is passed to a handler for one (message, rule match) pair.
type Trigger struct {
	*PreTrigger
	Rule     *Rule
	Nick     string
	User     string
	Host     string
	Hostmask string
	Admin    bool
	Owner    bool

	groups  []string
	present []bool
	names   []string
}

// NewTrigger binds a match to its pre-trigger.
func NewTrigger(pre *PreTrigger, m Match) *Trigger {
	t := &Trigger{
		PreTrigger: pre,
		Rule:       m.Rule,
		Nick:       pre.Message.Nick,
		User:       pre.Message.User,
		Host:       pre.Message.Host,
		Hostmask:   pre.Message.Hostmask(),
		names:      m.names,
	}
	n := len(m.indices) / 2
	t.groups = make([]string, n)
	t.present = make([]bool, n)
	for i := 0; i < n; i++ {
		start, end := m.indices[2*i], m.indices[2*i+1]
		if start >= 0 {
			t.groups[i] = m.text[start:end]
			t.present[i] = true
		}
	}
	return t
}

// Group returns capture group n. Group 0 is the whole match; for named
// rules 1 is the command, 2 the rest of the line and 3 onward the first
// space separated arguments. Absent groups are "".
func (t *Trigger) Group(n int) string {
	if n < 0 || n >= len(t.groups) {
		return ""
	}
	return t.groups[n]
}

// HasGroup reports whether group n took part in the match.
func (t *Trigger) HasGroup(n int) bool {
	return n >= 0 && n < len(t.present) && t.present[n]
}

// Groups returns groups 1..N.
func (t *Trigger) Groups() []string {
	if len(t.groups) < 2 {
		return nil
	}
	return append([]string(nil), t.groups[1:]...)
}

// NamedGroup returns a (?P<name>...) group.
func (t *Trigger) NamedGroup(name string) string {
	for i, n := range t.names {
		if n == name && n != "" {
			return t.Group(i)
		}
	}
	return ""
}

// Args returns the positional arguments of a named rule.
func (t *Trigger) Args() []string {
	var args []string
	for i := 3; i < len(t.groups) && i <= 6; i++ {
		if t.present[i] {
			args = append(args, t.groups[i])
		}
	}
	return args
}

// Rest is everything after the command of a named rule.
func (t *Trigger) Rest() string {
	return t.Group(2)
}

// IsChannel reports whether the trigger came from a channel.
func (t *Trigger) IsChannel() bool {
	return t.Sender != "" && !t.IsPrivate
}
