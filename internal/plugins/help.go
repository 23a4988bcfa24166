package plugins

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dalnet/rulebot/internal/rules"
)

func help(d Deps) rules.Plugin {
	return rules.Plugin{
		Name: "help",
		Rules: []rules.Declaration{{
			Kind:     rules.KindCommand,
			Commands: []string{"help", "commands"},
			Options: rules.Options{
				Priority: rules.PriorityLow,
				UserRate: 3 * time.Second,
				Doc:      "Lists my commands, or explains one of them.",
				Examples: []string{".help", ".help seen"},
			},
			Handler: func(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
				return cmdHelp(ctx, d.Registry, bot, t)
			},
		}},
	}
}

func cmdHelp(ctx context.Context, reg *rules.Registry, bot rules.Bot, t *rules.Trigger) error {
	prefix := reg.Settings().HelpPrefix
	args := t.Args()
	if len(args) == 0 {
		seen := make(map[string]bool)
		var names []string
		for _, r := range reg.Commands() {
			if !seen[r.Name()] {
				seen[r.Name()] = true
				names = append(names, r.Name())
			}
		}
		sort.Strings(names)
		return bot.Reply(ctx, "Available commands: "+strings.Join(names, ", ")+
			". Use "+prefix+"help <command> for details.")
	}

	name := strings.TrimPrefix(strings.ToLower(args[0]), prefix)
	r, ok := reg.FindCommand(name)
	if !ok {
		return bot.Reply(ctx, "No such command: "+name)
	}
	opts := r.Options()
	doc := opts.Doc
	if doc == "" {
		doc = "No documentation for " + prefix + r.Name() + "."
	}
	if aliases := r.Commands()[1:]; len(aliases) > 0 {
		doc += " Aliases: " + strings.Join(aliases, ", ") + "."
	}
	if err := bot.Reply(ctx, doc); err != nil {
		return err
	}
	if len(opts.Examples) > 0 {
		return bot.Reply(ctx, "e.g. "+opts.Examples[0])
	}
	return nil
}
