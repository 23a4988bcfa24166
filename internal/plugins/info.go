package plugins

import (
	"context"
	"time"

	"github.com/dalnet/rulebot/internal/rules"
)

func info(d Deps) rules.Plugin {
	started := d.Now()
	return rules.Plugin{
		Name: "info",
		Rules: []rules.Declaration{
			{
				Kind:     rules.KindCommand,
				Commands: []string{"version"},
				Options:  rules.Options{Doc: "Shows the version I'm running.", Examples: []string{".version"}},
				Handler: func(ctx context.Context, bot rules.Bot, _ *rules.Trigger) error {
					return bot.Reply(ctx, versionString())
				},
			},
			{
				Kind:     rules.KindCommand,
				Commands: []string{"uptime"},
				Options:  rules.Options{Doc: "Shows how long I've been running.", Examples: []string{".uptime"}},
				Handler: func(ctx context.Context, bot rules.Bot, _ *rules.Trigger) error {
					return bot.Reply(ctx, "I've been up for "+d.Now().Sub(started).Round(time.Second).String())
				},
			},
			{
				Kind:     rules.KindNickCommand,
				Commands: []string{"ping"},
				Options:  rules.Options{UserRate: 5 * time.Second, Doc: "Checks that I'm listening.", Examples: []string{"$nickname: ping"}},
				Handler: func(ctx context.Context, bot rules.Bot, _ *rules.Trigger) error {
					return bot.Reply(ctx, "Pong!")
				},
			},
		},
	}
}
