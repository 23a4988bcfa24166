// Package rules holds plugin rules and decides which of them an inbound
// message triggers.
package rules

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/dalnet/rulebot/internal/state"
)

// ErrNoLimit may be returned by a handler to keep the invocation from
// counting against the rule's rate limits.
var ErrNoLimit = errors.New("rules: invocation not rate limited")

// Priority orders rules matched by the same message. The zero value is
// PriorityMedium.
type Priority int

const (
	PriorityMedium Priority = iota
	PriorityHigh
	PriorityLow
)

// Tiers lists priorities in execution order.
var Tiers = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// Kind selects how a rule matches.
type Kind int

const (
	// KindMatch anchors each pattern at the start of the text.
	KindMatch Kind = iota
	// KindSearch accepts the first match anywhere in the text.
	KindSearch
	// KindFind triggers once per non-overlapping match.
	KindFind
	// KindCommand matches "<prefix><name> args".
	KindCommand
	// KindNickCommand matches "<nick>: <name> args".
	KindNickCommand
	// KindActionCommand matches "/me <name> args".
	KindActionCommand
	// KindURL searches every URL found in the text.
	KindURL
)

func (k Kind) String() string {
	switch k {
	case KindMatch:
		return "match"
	case KindSearch:
		return "search"
	case KindFind:
		return "find"
	case KindCommand:
		return "command"
	case KindNickCommand:
		return "nick_command"
	case KindActionCommand:
		return "action_command"
	case KindURL:
		return "url"
	}
	return "unknown"
}

// namespace groups kinds whose labels must not collide within a plugin.
func (k Kind) namespace() string {
	switch k {
	case KindMatch, KindSearch, KindFind:
		return "rule"
	default:
		return k.String()
	}
}

func (k Kind) named() bool {
	return k == KindCommand || k == KindNickCommand || k == KindActionCommand
}

// Handler runs when a rule triggers.
type Handler func(ctx context.Context, bot Bot, t *Trigger) error

// Bot is what a handler may do in response to a trigger. Say, Action and
// Reply target the trigger's sender.
type Bot interface {
	Nick() string
	State() state.Reader
	Say(ctx context.Context, text string) error
	SayTo(ctx context.Context, target, text string) error
	Reply(ctx context.Context, text string) error
	Action(ctx context.Context, text string) error
	Notice(ctx context.Context, target, text string) error
	Send(ctx context.Context, command string, args ...string) error
	Quit(reason string)
}

// Requirements restrict who and where a rule may trigger. When Message is
// set it is sent as a reply on failure; otherwise the rule is skipped
// silently.
type Requirements struct {
	ChanMsg      bool
	PrivMsg      bool
	Privilege    state.Privilege
	BotPrivilege state.Privilege
	Account      bool
	Admin        bool
	Owner        bool
	Message      string
}

// Options are the declared attributes of a rule.
type Options struct {
	Label    string
	Priority Priority
	Threaded bool
	Events   []string
	CTCP     []string

	AllowBots   bool
	EchoSelf    bool
	Unblockable bool

	UserRate           time.Duration
	ChannelRate        time.Duration
	GlobalRate         time.Duration
	UserRateMessage    string
	ChannelRateMessage string
	GlobalRateMessage  string
	RateLimitAdmins    bool

	Require      Requirements
	OutputPrefix string
	Doc          string
	Examples     []string
}

// Declaration describes a rule before it is compiled.
type Declaration struct {
	Kind Kind
	// Patterns for generic and URL rules. $nickname expands to the bot's
	// nick and aliases; "$nick " to the nick followed by [,:] and spaces.
	Patterns []string
	// LazyPatterns supplies compiled patterns at registration time.
	LazyPatterns func(Settings) ([]*regexp.Regexp, error)
	// Commands for named rules: the name followed by aliases.
	Commands []string
	Options
	Handler Handler
}

// Settings are the configuration values rule compilation depends on.
type Settings struct {
	Nick       string
	AliasNicks []string
	Prefix     string
	HelpPrefix string
	URLSchemes []string
}

// Rule is an immutable compiled rule.
type Rule struct {
	plugin   string
	label    string
	kind     Kind
	commands []string
	opts     Options
	events   map[string]bool
	ctcp     map[string]bool
	matcher  matcher
	handler  Handler
}

func (r *Rule) Plugin() string     { return r.plugin }
func (r *Rule) Label() string      { return r.label }
func (r *Rule) Kind() Kind         { return r.kind }
func (r *Rule) Priority() Priority { return r.opts.Priority }
func (r *Rule) Threaded() bool     { return r.opts.Threaded }
func (r *Rule) Options() Options   { return r.opts }
func (r *Rule) Handler() Handler   { return r.handler }
func (r *Rule) Commands() []string { return append([]string(nil), r.commands...) }
func (r *Rule) String() string     { return r.plugin + "." + r.label }

// Name returns the primary command name, or "" for non-named rules.
func (r *Rule) Name() string {
	if len(r.commands) == 0 {
		return ""
	}
	return r.commands[0]
}

// HasRateLimit reports whether any scope is limited.
func (r *Rule) HasRateLimit() bool {
	return r.opts.UserRate > 0 || r.opts.ChannelRate > 0 || r.opts.GlobalRate > 0
}

// Build compiles a declaration for plugin.
func Build(plugin string, d Declaration, s Settings) (*Rule, error) {
	if d.Handler == nil {
		return nil, fmt.Errorf("%s: rule has no handler", plugin)
	}

	switch d.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return nil, fmt.Errorf("%s: unknown priority %d", plugin, d.Priority)
	}

	r := &Rule{
		plugin:  plugin,
		kind:    d.Kind,
		opts:    d.Options,
		handler: d.Handler,
		events:  map[string]bool{},
		ctcp:    map[string]bool{},
	}
	events := d.Events
	if len(events) == 0 {
		events = []string{"PRIVMSG"}
	}
	for _, e := range events {
		r.events[strings.ToUpper(e)] = true
	}
	for _, c := range d.CTCP {
		r.ctcp[strings.ToUpper(c)] = true
	}

	var err error
	switch {
	case d.Kind.named():
		if len(d.Commands) == 0 {
			return nil, fmt.Errorf("%s: %s rule needs at least one name", plugin, d.Kind)
		}
		r.commands = append([]string(nil), d.Commands...)
		r.label = d.Label
		if r.label == "" {
			r.label = d.Commands[0]
		}
		r.matcher, err = newNamedMatcher(d.Kind, d.Commands, s)
	case d.Kind == KindURL:
		r.label = labelOf(d)
		r.matcher, err = newURLMatcher(d, s)
	case d.Kind == KindMatch || d.Kind == KindSearch || d.Kind == KindFind:
		r.label = labelOf(d)
		r.matcher, err = newGenericMatcher(d, s)
	default:
		err = fmt.Errorf("unknown rule kind %d", d.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", plugin, r.label, err)
	}
	return r, nil
}

func labelOf(d Declaration) string {
	if d.Label != "" {
		return d.Label
	}
	name := runtime.FuncForPC(reflect.ValueOf(d.Handler).Pointer()).Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}

// accepts checks the event and CTCP preconditions shared by all kinds.
func (r *Rule) accepts(pre *PreTrigger) bool {
	if !r.events[pre.Event] {
		return false
	}
	switch r.kind {
	case KindActionCommand:
		return pre.CTCP == "ACTION"
	case KindCommand, KindNickCommand:
		return pre.CTCP == ""
	}
	if len(r.ctcp) > 0 {
		return r.ctcp[pre.CTCP]
	}
	return true
}
