package dispatch

import (
	"context"
	"errors"

	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/state"
)

// Client is the connection replies are sent through.
type Client interface {
	Nick() string
	Say(ctx context.Context, target, text string) error
	Notice(ctx context.Context, target, text string) error
	Action(ctx context.Context, target, text string) error
	Send(ctx context.Context, command string, args ...string) error
	Quit(reason string)
	CapEnabled(name string) bool
}

var errNoDestination = errors.New("trigger has no sender to reply to")

// triggerBot binds a Client to one trigger so handlers can answer without
// naming the destination.
type triggerBot struct {
	client  Client
	tracker state.Reader
	trigger *rules.Trigger
	prefix  string
}

var _ rules.Bot = (*triggerBot)(nil)

func newTriggerBot(c Client, tracker state.Reader, t *rules.Trigger) *triggerBot {
	return &triggerBot{client: c, tracker: tracker, trigger: t, prefix: t.Rule.Options().OutputPrefix}
}

func (b *triggerBot) Nick() string        { return b.client.Nick() }
func (b *triggerBot) State() state.Reader { return b.tracker }
func (b *triggerBot) Quit(reason string)  { b.client.Quit(reason) }

func (b *triggerBot) Say(ctx context.Context, text string) error {
	if b.trigger.Sender == "" {
		return errNoDestination
	}
	return b.SayTo(ctx, b.trigger.Sender, text)
}

func (b *triggerBot) SayTo(ctx context.Context, target, text string) error {
	return b.client.Say(ctx, target, b.prefix+text)
}

// Reply addresses the triggering nick in channels.
func (b *triggerBot) Reply(ctx context.Context, text string) error {
	if b.trigger.IsChannel() {
		text = b.trigger.Nick + ": " + text
	}
	return b.Say(ctx, text)
}

func (b *triggerBot) Action(ctx context.Context, text string) error {
	if b.trigger.Sender == "" {
		return errNoDestination
	}
	return b.client.Action(ctx, b.trigger.Sender, text)
}

func (b *triggerBot) Notice(ctx context.Context, target, text string) error {
	return b.client.Notice(ctx, target, b.prefix+text)
}

func (b *triggerBot) Send(ctx context.Context, command string, args ...string) error {
	return b.client.Send(ctx, command, args...)
}
