package plugins

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/storage"
	"github.com/dalnet/rulebot/internal/wire"
)

const urlTTL = 7 * 24 * time.Hour

// lastURL remembers the most recent URL posted in each channel.
func lastURL(d Deps) rules.Plugin {
	store := func() *storage.Store { return d.Memory.Scope("url") }

	return rules.Plugin{
		Name:  "url",
		Setup: needMemory(d),
		Rules: []rules.Declaration{
			{
				Kind: rules.KindURL,
				LazyPatterns: func(s rules.Settings) ([]*regexp.Regexp, error) {
					return []*regexp.Regexp{wire.URLPattern(s.URLSchemes)}, nil
				},
				Options: rules.Options{
					Label:    "remember",
					Priority: rules.PriorityLow,
					Require:  rules.Requirements{ChanMsg: true},
				},
				Handler: func(_ context.Context, bot rules.Bot, t *rules.Trigger) error {
					return store().Set(bot.State().Fold(t.Sender), t.Group(0), urlTTL)
				},
			},
			{
				Kind:     rules.KindCommand,
				Commands: []string{"lasturl"},
				Options: rules.Options{
					ChannelRate: 5 * time.Second,
					Require:     rules.Requirements{ChanMsg: true, Message: "That only works in a channel."},
					Doc:         "Repeats the last URL posted in this channel.",
					Examples:    []string{".lasturl"},
				},
				Handler: func(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
					u, err := store().Get(bot.State().Fold(t.Sender))
					if errors.Is(err, storage.ErrNotFound) {
						return bot.Reply(ctx, "I haven't seen any URLs here yet.")
					}
					if err != nil {
						return err
					}
					return bot.Reply(ctx, u)
				},
			},
		},
	}
}
