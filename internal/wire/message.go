// Package wire converts between raw IRC lines and structured messages.
package wire

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"
	"golang.org/x/text/encoding/charmap"

	"github.com/dalnet/rulebot/internal/errs"
)

// ErrEmptyLine is returned for blank inbound lines.
var ErrEmptyLine = errors.New("empty line")

// ServerTimeLayout is the IRCv3 server-time tag format.
const ServerTimeLayout = "2006-01-02T15:04:05.000Z"

// Message is one parsed inbound line. It is never modified after Parse.
type Message struct {
	Raw      string
	Tags     map[string]string
	Source   string
	Nick     string
	User     string
	Host     string
	Command  string
	Params   []string
	Received time.Time
}

// Decode turns raw bytes into text. Invalid UTF-8 is decoded as CP1252 and
// anything that still fails is replaced, so Decode never fails.
func Decode(line []byte) string {
	if utf8.Valid(line) {
		return string(line)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(line)
	if err != nil {
		return strings.ToValidUTF8(string(line), "�")
	}
	return string(out)
}

// Parse decodes and parses one line. Trailing CR/LF is tolerated.
func Parse(line []byte, received time.Time) (*Message, error) {
	text := strings.TrimRight(Decode(line), "\r\n")
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyLine
	}

	parsed, err := ircmsg.ParseLine(text)
	if err != nil {
		return nil, errs.WrapProtocol(err, "wire", "Parse", "parse line")
	}

	m := &Message{
		Raw:      text,
		Tags:     parsed.AllTags(),
		Source:   parsed.Source,
		Command:  strings.ToUpper(parsed.Command),
		Params:   parsed.Params,
		Received: received,
	}
	if m.Tags == nil {
		m.Tags = map[string]string{}
	}
	if m.Source != "" {
		if nuh, err := ircmsg.ParseNUH(m.Source); err == nil && nuh.Name != "" {
			m.Nick, m.User, m.Host = nuh.Name, nuh.User, nuh.Host
		} else {
			m.Nick = m.Source
		}
	}
	return m, nil
}

// Tag returns a tag value and whether the tag is present.
func (m *Message) Tag(name string) (string, bool) {
	v, ok := m.Tags[name]
	return v, ok
}

// Param returns the i-th parameter or "".
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Trailing returns the last parameter, which carries the text of
// PRIVMSG, NOTICE and most numerics.
func (m *Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Hostmask returns nick!user@host, or the bare source for servers.
func (m *Message) Hostmask() string {
	if m.User == "" && m.Host == "" {
		return m.Source
	}
	return m.Nick + "!" + m.User + "@" + m.Host
}

// Time is the server-time tag when present and valid, otherwise the
// receive time.
func (m *Message) Time() time.Time {
	if v, ok := m.Tags["time"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return m.Received
}

// HasServerTime reports whether the message carried a valid time tag.
func (m *Message) HasServerTime() bool {
	v, ok := m.Tags["time"]
	if !ok {
		return false
	}
	_, err := time.Parse(time.RFC3339Nano, v)
	return err == nil
}
