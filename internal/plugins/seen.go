package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/storage"
)

const seenTTL = 90 * 24 * time.Hour

// sighting is the last thing a nick said in a channel.
type sighting struct {
	Nick    string    `json:"nick"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	Action  bool      `json:"action,omitempty"`
	Time    time.Time `json:"time"`
}

func seen(d Deps) rules.Plugin {
	store := func() *storage.Store { return d.Memory.Scope("seen") }

	return rules.Plugin{
		Name:  "seen",
		Setup: needMemory(d),
		Rules: []rules.Declaration{
			{
				Kind: rules.KindMatch,
				Options: rules.Options{
					Label:    "record",
					Priority: rules.PriorityLow,
					Require:  rules.Requirements{ChanMsg: true},
				},
				Handler: func(_ context.Context, bot rules.Bot, t *rules.Trigger) error {
					if t.CTCP != "" && t.CTCP != "ACTION" {
						return nil
					}
					s := sighting{Nick: t.Nick, Channel: t.Sender, Text: t.Text, Action: t.CTCP == "ACTION", Time: t.Time}
					return store().SetJSON(bot.State().Fold(t.Nick), s, seenTTL)
				},
			},
			{
				Kind:     rules.KindCommand,
				Commands: []string{"seen", "lastseen"},
				Options: rules.Options{
					UserRate: 5 * time.Second,
					Doc:      "Tells when a nick last spoke in a channel I'm in.",
					Examples: []string{".seen alice"},
				},
				Handler: func(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
					return cmdSeen(ctx, d, store(), bot, t)
				},
			},
		},
	}
}

func cmdSeen(ctx context.Context, d Deps, store *storage.Store, bot rules.Bot, t *rules.Trigger) error {
	args := t.Args()
	if len(args) == 0 {
		return bot.Reply(ctx, "Seen whom?")
	}
	nick := args[0]
	st := bot.State()
	switch st.Fold(nick) {
	case st.Fold(bot.Nick()):
		return bot.Reply(ctx, "I'm right here!")
	case st.Fold(t.Nick):
		return bot.Reply(ctx, "You're right here!")
	}

	var s sighting
	if err := store.GetJSON(st.Fold(nick), &s); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return bot.Reply(ctx, fmt.Sprintf("Sorry, I haven't seen %s around.", nick))
		}
		return err
	}
	ago := d.Now().Sub(s.Time).Round(time.Second)
	said := "saying: " + s.Text
	if s.Action {
		said = "doing: * " + s.Nick + " " + s.Text
	}
	return bot.Reply(ctx, fmt.Sprintf("I last saw %s %s ago in %s, %s", s.Nick, ago, s.Channel, said))
}
