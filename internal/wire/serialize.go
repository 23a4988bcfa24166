package wire

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/dalnet/rulebot/internal/errs"
)

const (
	// MaxLineLength is the wire budget including CRLF.
	MaxLineLength = 512
	// MaxBodyLength is the budget without CRLF.
	MaxBodyLength = MaxLineLength - 2
)

var controlStripper = strings.NewReplacer("\r", "", "\n", "", "\x00", "")

// Serialize builds an outbound line ending in CRLF. Embedded CR, LF and NUL
// are removed from every argument and the result never exceeds MaxLineLength.
func Serialize(command string, args ...string) ([]byte, error) {
	clean := make([]string, len(args))
	for i, a := range args {
		clean[i] = controlStripper.Replace(a)
	}
	msg := ircmsg.MakeMessage(nil, "", command, clean...)
	line, err := msg.LineBytes()
	if err != nil {
		return nil, errs.WrapProtocol(err, "wire", "Serialize", "build "+command)
	}
	return Truncate(line), nil
}

// Truncate limits a line to MaxLineLength bytes including CRLF. When the body
// is too long it is cut at the last space inside the last parameter that
// falls before byte 510, otherwise at the last UTF-8 boundary before it.
func Truncate(line []byte) []byte {
	body := bytes.TrimRight(line, "\r\n")
	if len(body) <= MaxBodyLength {
		return append(body[:len(body):len(body)], '\r', '\n')
	}

	floor := textStart(body)
	cut := -1
	if sp := bytes.LastIndexByte(body[:MaxBodyLength], ' '); sp > floor {
		cut = sp
	}
	if cut < 0 {
		cut = MaxBodyLength
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
	}

	out := make([]byte, 0, cut+2)
	out = append(out, body[:cut]...)
	return append(out, '\r', '\n')
}

// textStart returns the index of the first byte of the last parameter, or
// the end of the command when there are no parameters. The last parameter
// carries a ':' only when it needs one, so both forms are handled.
func textStart(body []byte) int {
	i := 0
	skip := func() {
		for i < len(body) && body[i] != ' ' {
			i++
		}
		for i < len(body) && body[i] == ' ' {
			i++
		}
	}
	if i < len(body) && body[i] == '@' {
		skip()
	}
	if i < len(body) && body[i] == ':' {
		skip()
	}
	skip()
	if idx := bytes.Index(body[i:], []byte(" :")); idx >= 0 {
		return i + idx + 2
	}
	if i < len(body) && body[i] == ':' {
		return i + 1
	}
	if sp := bytes.LastIndexByte(body[i:], ' '); sp >= 0 {
		return i + sp + 1
	}
	return i
}

// SplitText splits text so the first part fits in max bytes, preferring the
// last space before the limit. The remainder has leading spaces removed.
func SplitText(text string, max int) (string, string) {
	if max <= 0 || len(text) <= max {
		return text, ""
	}
	if sp := strings.LastIndexByte(text[:max], ' '); sp > 0 {
		return text[:sp], strings.TrimLeft(text[sp:], " ")
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], strings.TrimLeft(text[cut:], " ")
}
