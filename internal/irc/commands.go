package irc

import (
	"context"
	"strings"

	"github.com/dalnet/rulebot/internal/dispatch"
	"github.com/dalnet/rulebot/internal/wire"
)

var _ dispatch.Client = (*Client)(nil)

// SayOptions controls how long text is split into PRIVMSG lines.
type SayOptions struct {
	// MaxMessages caps the number of lines; extra text is dropped.
	MaxMessages int
	// Trailing is appended to the last line when text was dropped.
	Trailing string
}

// assumed lengths for the parts of our hostmask the server has not shown us
const (
	assumedUserLen = 10
	assumedHostLen = 63
)

// Send serializes one line and waits until the flood writer has written it.
func (c *Client) Send(ctx context.Context, command string, args ...string) error {
	line, err := wire.Serialize(command, args...)
	if err != nil {
		return err
	}
	c.mu.RLock()
	w := c.writer
	c.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}
	if c.cfg.LogRaw {
		c.log.Debug(">>", "line", strings.TrimRight(string(line), "\r\n"))
	}
	return w.Send(ctx, line)
}

// Say sends text to target as a single PRIVMSG, cut to fit.
func (c *Client) Say(ctx context.Context, target, text string) error {
	return c.SayWith(ctx, target, text, SayOptions{MaxMessages: 1})
}

// SayWith splits text over up to opts.MaxMessages lines. Repeated text to
// the same target passes through the antiloop guard first.
func (c *Client) SayWith(ctx context.Context, target, text string, opts SayOptions) error {
	text, ok := c.loop.Filter(target, text)
	if !ok {
		c.log.Debug("Dropped repeated message", "target", target)
		return nil
	}
	if opts.MaxMessages < 1 {
		opts.MaxMessages = 1
	}
	safe := c.safeLength("PRIVMSG", target)
	for i := 0; i < opts.MaxMessages; i++ {
		chunk, rest := wire.SplitText(text, safe)
		if rest != "" && i == opts.MaxMessages-1 && opts.Trailing != "" {
			chunk, _ = wire.SplitText(text, safe-len(opts.Trailing))
			chunk += opts.Trailing
		}
		if err := c.Send(ctx, "PRIVMSG", target, chunk); err != nil {
			return err
		}
		if rest == "" {
			break
		}
		text = rest
	}
	return nil
}

// Notice sends a single NOTICE, cut to fit.
func (c *Client) Notice(ctx context.Context, target, text string) error {
	chunk, _ := wire.SplitText(text, c.safeLength("NOTICE", target))
	return c.Send(ctx, "NOTICE", target, chunk)
}

// Action sends a CTCP ACTION.
func (c *Client) Action(ctx context.Context, target, text string) error {
	chunk, _ := wire.SplitText(text, c.safeLength("PRIVMSG", target)-len("\x01ACTION \x01"))
	return c.Send(ctx, "PRIVMSG", target, wire.FormatCTCP("ACTION", chunk))
}

func (c *Client) Join(ctx context.Context, channel, key string) error {
	if key != "" {
		return c.Send(ctx, "JOIN", channel, key)
	}
	return c.Send(ctx, "JOIN", channel)
}

func (c *Client) Part(ctx context.Context, channel, reason string) error {
	if reason != "" {
		return c.Send(ctx, "PART", channel, reason)
	}
	return c.Send(ctx, "PART", channel)
}

// ChangeNick asks the server for a new nick. The client follows the change
// once the server confirms it.
func (c *Client) ChangeNick(ctx context.Context, nick string) error {
	return c.Send(ctx, "NICK", nick)
}

// Hostmask is our nick!user@host as other clients see it. Parts not yet
// learned from the server are padded to their usual maximum.
func (c *Client) Hostmask() string {
	nick := c.Nick()
	if u, ok := c.tracker.User(nick); ok && u.Host != "" {
		return nick + "!" + u.User + "@" + u.Host
	}
	return nick + "!" + strings.Repeat("u", assumedUserLen) + "@" + strings.Repeat("h", assumedHostLen)
}

// safeLength is the room left for text once the server has prefixed our
// hostmask to the line it relays.
func (c *Client) safeLength(command, target string) int {
	overhead := len(":" + c.Hostmask() + " " + command + " " + target + " :")
	return wire.MaxBodyLength - overhead
}
