package plugins

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dalnet/rulebot/internal/rules"
)

var regexChars = regexp.MustCompile(`[+|*()[\]]`)

const defaultAuditCount = 10

// admin is the privileged command set. Every use is written to the audit log.
func admin(d Deps) rules.Plugin {
	adminOnly := rules.Requirements{PrivMsg: true, Admin: true, Message: "Sorry, only my admins can do that, in a private message"}
	ownerOnly := rules.Requirements{PrivMsg: true, Owner: true, Message: "Sorry, only my owner can do that, in a private message"}

	cmd := func(names []string, req rules.Requirements, doc, example string, h rules.Handler) rules.Declaration {
		return rules.Declaration{
			Kind:     rules.KindCommand,
			Commands: names,
			Options: rules.Options{
				Require:  req,
				Doc:      doc,
				Examples: []string{example},
			},
			Handler: func(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
				d.logCommand(t)
				return h(ctx, bot, t)
			},
		}
	}

	return rules.Plugin{
		Name: "admin",
		Rules: []rules.Declaration{
			cmd([]string{"join"}, adminOnly, "Joins a channel.", ".join #channel [key]", cmdJoin),
			cmd([]string{"part"}, adminOnly, "Leaves a channel.", ".part #channel [reason]", cmdPart),
			cmd([]string{"say", "msg"}, adminOnly, "Sends a message to a channel or nick.", ".say #channel hello", cmdSay),
			cmd([]string{"nick"}, ownerOnly, "Changes my nick.", ".nick newnick", cmdNick),
			cmd([]string{"quit"}, ownerOnly, "Disconnects me from the server.", ".quit [reason]", cmdQuit),
			cmd([]string{"audit"}, ownerOnly, "Shows recent admin command usage.", ".audit 5", d.cmdAudit),
			cmd([]string{"auditsearch"}, ownerOnly, "Searches the admin audit log.", ".auditsearch join", d.cmdAuditSearch),
		},
	}
}

func (d Deps) logCommand(t *rules.Trigger) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Record(t.Hostmask, t.Text); err != nil {
		d.Logger.Error("Error saving audit entry", "error", err)
	}
}

func cmdJoin(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
	args := t.Args()
	if len(args) == 0 {
		return bot.Reply(ctx, "Usage: join <#channel> [key]")
	}
	if len(args) > 1 {
		return bot.Send(ctx, "JOIN", args[0], args[1])
	}
	return bot.Send(ctx, "JOIN", args[0])
}

func cmdPart(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
	channel, reason, _ := strings.Cut(t.Rest(), " ")
	if channel == "" {
		return bot.Reply(ctx, "Usage: part <#channel> [reason]")
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		return bot.Send(ctx, "PART", channel, reason)
	}
	return bot.Send(ctx, "PART", channel)
}

func cmdSay(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
	target, text, _ := strings.Cut(t.Rest(), " ")
	text = strings.TrimSpace(text)
	if target == "" || text == "" {
		return bot.Reply(ctx, "Usage: say <target> <message>")
	}
	return bot.SayTo(ctx, target, text)
}

func cmdNick(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
	args := t.Args()
	if len(args) == 0 {
		return bot.Reply(ctx, "Usage: nick <newnick>")
	}
	if err := bot.Send(ctx, "NICK", args[0]); err != nil {
		return err
	}
	return bot.Reply(ctx, fmt.Sprintf("Changing nick to %s", args[0]))
}

func cmdQuit(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
	reason := strings.TrimSpace(t.Rest())
	if reason == "" {
		reason = "Quitting on request from " + t.Nick
	}
	if err := bot.Reply(ctx, "Shutting down"); err != nil {
		return err
	}
	bot.Quit(reason)
	return nil
}

func (d Deps) cmdAudit(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
	if d.Audit == nil {
		return bot.Reply(ctx, "The audit log is not enabled.")
	}
	count := defaultAuditCount
	if args := t.Args(); len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			count = n
		}
	}
	entries := d.Audit.Recent(count)
	if err := bot.Reply(ctx, fmt.Sprintf("The last \x02%d\x02 audit entries:", len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := bot.Reply(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) cmdAuditSearch(ctx context.Context, bot rules.Bot, t *rules.Trigger) error {
	if d.Audit == nil {
		return bot.Reply(ctx, "The audit log is not enabled.")
	}
	term := strings.TrimSpace(t.Rest())
	if term == "" {
		return bot.Reply(ctx, "Please specify a string to search for")
	}
	if regexChars.MatchString(term) {
		return bot.Reply(ctx, "Please try searching without regular expression characters - *+()|[]")
	}

	if err := bot.Reply(ctx, fmt.Sprintf("Displaying search results for \"%s\":", term)); err != nil {
		return err
	}
	lower := strings.ToLower(term)
	for _, e := range d.Audit.Recent(-1) {
		if strings.Contains(strings.ToLower(e), lower) {
			if err := bot.Reply(ctx, "    "+e); err != nil {
				return err
			}
		}
	}
	return bot.Reply(ctx, "End of matches")
}
