package irc

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"strings"

	"github.com/dalnet/rulebot/internal/dispatch"
	"github.com/dalnet/rulebot/internal/wire"
)

// CapResult tells negotiation whether a request handler is finished.
type CapResult int

const (
	// CapDone lets negotiation end once nothing else is pending.
	CapDone CapResult = iota
	// CapContinue holds CAP END until ResumeCapabilityNegotiation is called
	// with the same plugin and capabilities.
	CapContinue
)

// CapRequest asks the server for capabilities on behalf of a plugin. The
// request is only sent when the server advertises every capability in Caps.
type CapRequest struct {
	Plugin  string
	Caps    []string
	Handler func(ctx context.Context, ack bool) CapResult
}

// coreCaps are requested whenever the server offers them.
var coreCaps = []string{
	"multi-prefix",
	"away-notify",
	"cap-notify",
	"server-time",
	"chghost",
	"account-notify",
	"extended-join",
	"account-tag",
	"message-tags",
	"userhost-in-names",
}

const saslChunk = 400

var (
	errCapNoPlugin = errors.New("capability request needs a plugin name")
	errCapNoCaps   = errors.New("capability request names no capabilities")
)

type capState struct {
	available     map[string]string
	enabled       map[string]bool
	pending       map[string]CapRequest
	continuations map[string]bool
	ended         bool
}

func newCapState() *capState {
	return &capState{
		available:     make(map[string]string),
		enabled:       make(map[string]bool),
		pending:       make(map[string]CapRequest),
		continuations: make(map[string]bool),
	}
}

func capKey(plugin string, caps []string) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = strings.ToLower(capName(c))
	}
	sort.Strings(names)
	return plugin + "/" + strings.Join(names, " ")
}

// capName strips the modifiers a server may put in front of a name.
func capName(c string) string {
	return strings.TrimLeft(c, "-~=")
}

// RequestCapability registers a request sent on every connection.
func (c *Client) RequestCapability(req CapRequest) error {
	if req.Plugin == "" {
		return errCapNoPlugin
	}
	if len(req.Caps) == 0 {
		return errCapNoCaps
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return nil
}

// ResumeCapabilityNegotiation releases a request that returned CapContinue.
// CAP END goes out once nothing else is outstanding.
func (c *Client) ResumeCapabilityNegotiation(ctx context.Context, caps []string, plugin string) {
	key := capKey(plugin, caps)
	c.mu.Lock()
	if c.caps != nil {
		delete(c.caps.continuations, key)
	}
	c.mu.Unlock()
	c.maybeEndCaps(ctx)
}

// CapEnabled reports whether the server acknowledged a capability.
func (c *Client) CapEnabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps != nil && c.caps.enabled[strings.ToLower(name)]
}

func (c *Client) onCap(ctx context.Context, m *wire.Message) {
	switch strings.ToUpper(m.Param(1)) {
	case "LS":
		c.onCapLS(ctx, m)
	case "ACK":
		c.onCapReply(ctx, m, true)
	case "NAK":
		c.onCapReply(ctx, m, false)
	case "NEW":
		c.onCapNew(ctx, m)
	case "DEL":
		c.mu.Lock()
		for _, name := range strings.Fields(m.Trailing()) {
			delete(c.caps.available, strings.ToLower(name))
			delete(c.caps.enabled, strings.ToLower(name))
		}
		c.mu.Unlock()
	}
}

// onCapLS collects the advertised capabilities. A "*" before the list means
// more lines follow.
func (c *Client) onCapLS(ctx context.Context, m *wire.Message) {
	more := len(m.Params) > 3 && m.Param(2) == "*"
	c.mu.Lock()
	for _, tok := range strings.Fields(m.Trailing()) {
		name, value, _ := strings.Cut(tok, "=")
		c.caps.available[strings.ToLower(name)] = value
	}
	ended := c.caps.ended
	c.mu.Unlock()
	if more || ended {
		return
	}
	c.requestCaps(ctx)
}

func (c *Client) requestCaps(ctx context.Context) {
	c.mu.Lock()
	cs := c.caps
	var reqs []CapRequest

	var core []string
	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, coreCaps...), c.cfg.Capabilities...) {
		name = strings.ToLower(name)
		if _, ok := cs.available[name]; ok && !seen[name] {
			seen[name] = true
			core = append(core, name)
		}
	}
	if len(core) > 0 {
		reqs = append(reqs, CapRequest{Plugin: dispatch.CorePlugin, Caps: core})
	}
	if c.saslWanted(cs) {
		reqs = append(reqs, CapRequest{Plugin: dispatch.CorePlugin, Caps: []string{"sasl"}, Handler: c.startSASL})
	}
	for _, r := range c.requests {
		if missing := missingCaps(cs, r.Caps); len(missing) > 0 {
			c.log.Info("Server lacks requested capabilities", "plugin", r.Plugin, "missing", missing)
			continue
		}
		reqs = append(reqs, r)
	}

	for _, r := range reqs {
		cs.pending[capKey(r.Plugin, r.Caps)] = r
	}
	if len(reqs) == 0 {
		cs.ended = true
	}
	c.mu.Unlock()

	if len(reqs) == 0 {
		c.send(ctx, "CAP", "END")
		return
	}
	c.setState(CapNegotiating)
	for _, r := range reqs {
		c.send(ctx, "CAP", "REQ", strings.Join(r.Caps, " "))
	}
}

func missingCaps(cs *capState, caps []string) []string {
	var missing []string
	for _, name := range caps {
		if _, ok := cs.available[strings.ToLower(name)]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// onCapReply matches an ACK or NAK to the request it answers. Servers echo
// the requested list, so the sorted names identify the request.
func (c *Client) onCapReply(ctx context.Context, m *wire.Message, ack bool) {
	list := strings.Fields(m.Trailing())

	c.mu.Lock()
	cs := c.caps
	if ack {
		for _, tok := range list {
			name := strings.ToLower(capName(tok))
			if strings.HasPrefix(tok, "-") {
				delete(cs.enabled, name)
			} else {
				cs.enabled[name] = true
			}
		}
	}
	var (
		req   CapRequest
		key   string
		found bool
	)
	for k, r := range cs.pending {
		if capKey(r.Plugin, list) == k {
			req, key, found = r, k, true
			break
		}
	}
	if found {
		delete(cs.pending, key)
	}
	c.mu.Unlock()

	if !found {
		c.log.Debug("Unsolicited capability reply", "ack", ack, "caps", list)
		return
	}
	if !ack {
		c.log.Warn("Server refused capabilities", "plugin", req.Plugin, "caps", req.Caps)
	}

	result := CapDone
	if req.Handler != nil {
		result = req.Handler(ctx, ack)
	}
	if result == CapContinue {
		c.mu.Lock()
		cs.continuations[key] = true
		c.mu.Unlock()
	}
	c.maybeEndCaps(ctx)
}

// onCapNew requests core capabilities the server starts offering later.
func (c *Client) onCapNew(ctx context.Context, m *wire.Message) {
	var want []string
	c.mu.Lock()
	for _, tok := range strings.Fields(m.Trailing()) {
		name, value, _ := strings.Cut(tok, "=")
		name = strings.ToLower(name)
		c.caps.available[name] = value
		for _, core := range coreCaps {
			if core == name && !c.caps.enabled[name] {
				want = append(want, name)
			}
		}
	}
	c.mu.Unlock()
	if len(want) > 0 {
		c.send(ctx, "CAP", "REQ", strings.Join(want, " "))
	}
}

func (c *Client) maybeEndCaps(ctx context.Context) {
	c.mu.Lock()
	cs := c.caps
	end := cs != nil && !cs.ended && len(cs.pending) == 0 && len(cs.continuations) == 0
	if end {
		cs.ended = true
	}
	c.mu.Unlock()
	if end {
		c.send(ctx, "CAP", "END")
		c.setState(Registered)
	}
}

func (c *Client) saslWanted(cs *capState) bool {
	if c.cfg.SASLUsername == "" || c.cfg.SASLPassword == "" {
		return false
	}
	mechs, ok := cs.available["sasl"]
	if !ok {
		return false
	}
	if mechs == "" {
		return true
	}
	for _, mech := range strings.Split(mechs, ",") {
		if strings.EqualFold(mech, "PLAIN") {
			return true
		}
	}
	c.log.Warn("Server does not offer SASL PLAIN", "mechanisms", mechs)
	return false
}

func (c *Client) startSASL(ctx context.Context, ack bool) CapResult {
	if !ack {
		return CapDone
	}
	c.send(ctx, "AUTHENTICATE", "PLAIN")
	return CapContinue
}

// onAuthenticate answers the server's empty challenge with the PLAIN
// credentials, 400 bytes per line. A final "+" marks the end when the last
// chunk was exactly 400 bytes long.
func (c *Client) onAuthenticate(ctx context.Context, m *wire.Message) {
	if m.Param(0) != "+" {
		return
	}
	user := c.cfg.SASLUsername
	token := base64.StdEncoding.EncodeToString([]byte(user + "\x00" + user + "\x00" + c.cfg.SASLPassword))
	for len(token) >= saslChunk {
		c.send(ctx, "AUTHENTICATE", token[:saslChunk])
		token = token[saslChunk:]
	}
	if token == "" {
		token = "+"
	}
	c.send(ctx, "AUTHENTICATE", token)
}

func (c *Client) onSASLSuccess(ctx context.Context, _ *wire.Message) {
	c.log.Info("SASL authentication succeeded")
	c.mu.Lock()
	c.saslDone = true
	c.mu.Unlock()
	c.ResumeCapabilityNegotiation(ctx, []string{"sasl"}, dispatch.CorePlugin)
}

func (c *Client) onSASLFailure(ctx context.Context, m *wire.Message) {
	c.log.Error("SASL authentication failed", "numeric", m.Command, "reason", m.Trailing())
	c.ResumeCapabilityNegotiation(ctx, []string{"sasl"}, dispatch.CorePlugin)
}
