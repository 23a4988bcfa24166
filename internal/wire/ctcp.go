package wire

import "strings"

const ctcpDelim = "\x01"

// ParseCTCP splits a CTCP-framed text into its upper-cased command and
// parameters. A missing closing delimiter is tolerated.
func ParseCTCP(text string) (command, params string, ok bool) {
	if !strings.HasPrefix(text, ctcpDelim) {
		return "", "", false
	}
	body := strings.TrimPrefix(text, ctcpDelim)
	if i := strings.Index(body, ctcpDelim); i >= 0 {
		body = body[:i]
	}
	command, params, _ = strings.Cut(body, " ")
	if command == "" {
		return "", "", false
	}
	return strings.ToUpper(command), params, true
}

// FormatCTCP frames a CTCP command.
func FormatCTCP(command, params string) string {
	if params == "" {
		return ctcpDelim + command + ctcpDelim
	}
	return ctcpDelim + command + " " + params + ctcpDelim
}
