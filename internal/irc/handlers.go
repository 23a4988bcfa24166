package irc

import (
	"context"
	"strings"
	"time"

	"github.com/dalnet/rulebot/internal/state"
	"github.com/dalnet/rulebot/internal/wire"
)

/*
Handler Summary:

These run on the read goroutine before the line reaches the dispatcher.

Keepalive:
- PING (onPing): answered with PONG through the flood writer
- ERROR (onError): logged, the server closes the socket next

Registration:
- CAP (onCap): LS/ACK/NAK/NEW/DEL, see caps.go
- AUTHENTICATE, 902-908: SASL PLAIN exchange, see caps.go
- 001 (onWelcome): registration accepted
  - Sets user modes
  - Identifies to NickServ unless SASL already did
  - OPERs up
  - Joins configured channels, throttled

Nick Issues:
- 432 (onNickHeld), 433 (onNickInUse): only while registering
  - Switches to alternate nick, then appends "_"
  - Schedules GHOST/RELEASE and nick change when a NickServ password is set
- NICK (onNick): follows our own nick changes

Channels:
- JOIN (onJoin): our own join triggers WHO (WHOX when the server has it)
- MODE: after dispatch, channels the tracker could not update fully get WHO
*/

const (
	recoverDelay = 15 * time.Second
	reclaimDelay = 2 * time.Second
)

func (c *Client) registerHandlers() {
	// Keepalive
	c.on("PING", c.onPing)
	c.on("ERROR", c.onError)

	// Capability negotiation and SASL
	c.on("CAP", c.onCap)
	c.on("AUTHENTICATE", c.onAuthenticate)
	c.on("903", c.onSASLSuccess) // RPL_SASLSUCCESS
	for _, code := range []string{"902", "904", "905", "906", "907", "908"} {
		c.on(code, c.onSASLFailure)
	}

	// Registered
	c.on("001", c.onWelcome)

	// Nick issues
	c.on("432", c.onNickHeld)  // ERR_ERRONEUSNICKNAME
	c.on("433", c.onNickInUse) // ERR_NICKNAMEINUSE
	c.on("NICK", c.onNick)

	c.on("JOIN", c.onJoin)
}

func (c *Client) onPing(ctx context.Context, m *wire.Message) {
	if err := c.Send(ctx, "PONG", m.Params...); err != nil {
		c.log.Warn("Could not answer PING", "error", err)
	}
}

func (c *Client) onError(_ context.Context, m *wire.Message) {
	c.log.Error("Server closed the link", "reason", m.Trailing())
}

func (c *Client) onWelcome(ctx context.Context, m *wire.Message) {
	if nick := m.Param(0); nick != "" {
		c.setNick(nick)
	}
	c.mu.Lock()
	if c.caps != nil {
		c.caps.ended = true
	}
	c.welcomed = true
	sasl, verb := c.saslDone, c.recoverVerb
	c.mu.Unlock()
	c.setState(Registered)
	c.log.Info("Registered with server", "nick", c.Nick())

	nick := c.Nick()
	if modes := strings.TrimSpace(c.cfg.Modes); modes != "" {
		if !strings.HasPrefix(modes, "+") && !strings.HasPrefix(modes, "-") {
			modes = "+" + modes
		}
		c.send(ctx, "MODE", nick, modes)
	}

	// Identify to NickServ
	if c.cfg.NickPass != "" && !sasl {
		c.send(ctx, "PRIVMSG", "NickServ", "IDENTIFY "+c.cfg.Nick+" "+c.cfg.NickPass)
	}

	// OPER up
	if c.cfg.OperNick != "" && c.cfg.OperPass != "" {
		c.send(ctx, "OPER", c.cfg.OperNick, c.cfg.OperPass)
	}

	if verb != "" && c.cfg.NickPass != "" {
		go c.recoverNick(ctx, verb)
	}

	go c.joinChannels(ctx)

	if c.OnRegistered != nil {
		c.OnRegistered()
	}
}

// joinChannels joins the configured channels, pausing ThrottleWait after
// every ThrottleJoin joins.
func (c *Client) joinChannels(ctx context.Context) {
	for i, entry := range c.cfg.Channels {
		if c.cfg.ThrottleJoin > 0 && i > 0 && i%c.cfg.ThrottleJoin == 0 {
			select {
			case <-time.After(c.cfg.ThrottleWait):
			case <-ctx.Done():
				return
			}
		}
		channel, key, _ := strings.Cut(strings.TrimSpace(entry), " ")
		if err := c.Join(ctx, channel, key); err != nil {
			c.log.Warn("Could not join channel", "channel", channel, "error", err)
			return
		}
	}
}

func (c *Client) onNickHeld(ctx context.Context, m *wire.Message) {
	c.nickUnavailable(ctx, m, "RELEASE")
}

func (c *Client) onNickInUse(ctx context.Context, m *wire.Message) {
	c.nickUnavailable(ctx, m, "GHOST")
}

func (c *Client) nickUnavailable(ctx context.Context, m *wire.Message, verb string) {
	c.mu.RLock()
	welcomed := c.welcomed
	c.mu.RUnlock()
	if welcomed {
		c.log.Warn("Nick change refused", "nick", m.Param(1), "reason", m.Trailing())
		return
	}
	current := c.Nick()
	next := current + "_"
	if strings.EqualFold(current, c.cfg.Nick) && c.cfg.Alternate != "" && !strings.EqualFold(c.cfg.Alternate, current) {
		next = c.cfg.Alternate
	}
	c.log.Info("Nick unavailable, switching", "nick", current, "next", next)
	c.mu.Lock()
	c.recoverVerb = verb
	c.mu.Unlock()
	c.setNick(next)
	c.send(ctx, "NICK", next)
}

// recoverNick frees the configured nick through NickServ and takes it back.
func (c *Client) recoverNick(ctx context.Context, verb string) {
	select {
	case <-time.After(recoverDelay):
	case <-ctx.Done():
		return
	}
	c.send(ctx, "PRIVMSG", "NickServ", verb+" "+c.cfg.Nick+" "+c.cfg.NickPass)
	select {
	case <-time.After(reclaimDelay):
	case <-ctx.Done():
		return
	}
	c.send(ctx, "NICK", c.cfg.Nick)
}

func (c *Client) onNick(_ context.Context, m *wire.Message) {
	if c.tracker.IsSelf(m.Nick) {
		c.mu.Lock()
		c.nick = m.Param(0)
		c.mu.Unlock()
	}
}

// onJoin asks for the member list details of a channel we just joined.
func (c *Client) onJoin(ctx context.Context, m *wire.Message) {
	if !c.tracker.IsSelf(m.Nick) {
		return
	}
	c.who(ctx, m.Param(0))
}

func (c *Client) who(ctx context.Context, channel string) {
	if c.tracker.SupportsWHOX() {
		c.send(ctx, "WHO", channel, "%tcuhnfar,"+state.WhoxToken)
		return
	}
	c.send(ctx, "WHO", channel)
}

// send is Send for the client's own bookkeeping lines: failures are logged.
func (c *Client) send(ctx context.Context, command string, args ...string) {
	if err := c.Send(ctx, command, args...); err != nil {
		c.log.Warn("Could not send", "command", command, "error", err)
	}
}
