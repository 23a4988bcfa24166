package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dalnet/rulebot/internal/dispatch"
	"github.com/dalnet/rulebot/internal/irc"
	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/state"
	"github.com/dalnet/rulebot/internal/wire"
)

var ctcpCommands = []string{"CLIENTINFO", "PING", "TIME", "VERSION"}

const (
	whoCheckEvery = 30 * time.Second
	whoRefreshAge = 120 * time.Second
)

func versionString() string {
	return fmt.Sprintf("rulebot %s (built %s, commit %s)", irc.Version, irc.BuildDate, irc.GitCommit)
}

// whoRefresher sends WHO for the channel whose member details are the
// oldest, so away flags stay current on servers without away-notify.
type whoRefresher struct {
	now  func() time.Time
	last map[string]time.Time // folded channel name
}

func (w *whoRefresher) run(ctx context.Context, bot rules.JobBot) error {
	if bot.CapEnabled("away-notify") {
		return nil
	}
	st := bot.State()
	now := w.now()

	seen := map[string]bool{}
	oldest, pick := now.Add(-whoRefreshAge), ""
	for _, name := range st.Channels() {
		key := st.Fold(name)
		seen[key] = true
		at, ok := w.last[key]
		if !ok {
			// joining sent a WHO already
			w.last[key] = now
			continue
		}
		if at.Before(oldest) {
			oldest, pick = at, name
		}
	}
	for key := range w.last {
		if !seen[key] {
			delete(w.last, key)
		}
	}
	if pick == "" {
		return nil
	}

	w.last[st.Fold(pick)] = now
	if _, whox := st.ISupport("WHOX"); whox {
		return bot.Send(ctx, "WHO", pick, "%tcuhnfar,"+state.WhoxToken)
	}
	return bot.Send(ctx, "WHO", pick)
}

// coreTasks answers CTCP queries and keeps channel member details fresh.
func coreTasks(d Deps) rules.Plugin {
	ctcp := func(command string, reply func(t *rules.Trigger) string) rules.Declaration {
		return rules.Declaration{
			Kind: rules.KindMatch,
			Options: rules.Options{
				Label:    "ctcp_" + strings.ToLower(command),
				Priority: rules.PriorityHigh,
				CTCP:     []string{command},
			},
			Handler: func(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
				return bot.Notice(ctx, t.Nick, wire.FormatCTCP(command, reply(t)))
			},
		}
	}

	who := &whoRefresher{now: d.Now, last: map[string]time.Time{}}

	return rules.Plugin{
		Name: dispatch.CorePlugin,
		Jobs: []rules.Job{{
			Label:     "who_refresh",
			Intervals: []time.Duration{whoCheckEvery},
			Handler:   who.run,
			Doc:       "Re-sends WHO for the stalest channel when away-notify is not available.",
		}},
		Rules: []rules.Declaration{
			ctcp("VERSION", func(*rules.Trigger) string { return versionString() }),
			ctcp("PING", func(t *rules.Trigger) string { return t.Text }),
			ctcp("TIME", func(*rules.Trigger) string { return d.Now().UTC().Format(time.RFC1123) }),
			ctcp("CLIENTINFO", func(*rules.Trigger) string { return strings.Join(ctcpCommands, " ") }),
		},
	}
}
