package state

import "strings"

// Casemapping is the server's nick and channel folding rule.
type Casemapping int

const (
	RFC1459 Casemapping = iota
	StrictRFC1459
	ASCII
)

// ParseCasemapping reads an ISUPPORT CASEMAPPING value. Unknown values fall
// back to rfc1459.
func ParseCasemapping(s string) Casemapping {
	switch strings.ToLower(s) {
	case "ascii":
		return ASCII
	case "strict-rfc1459":
		return StrictRFC1459
	default:
		return RFC1459
	}
}

func (c Casemapping) String() string {
	switch c {
	case ASCII:
		return "ascii"
	case StrictRFC1459:
		return "strict-rfc1459"
	default:
		return "rfc1459"
	}
}

// Fold returns the canonical form of a nick or channel name.
func (c Casemapping) Fold(s string) string {
	b := []byte(s)
	for i, ch := range b {
		switch {
		case ch >= 'A' && ch <= 'Z':
			b[i] = ch + ('a' - 'A')
		case c == ASCII:
		case ch == '[':
			b[i] = '{'
		case ch == ']':
			b[i] = '}'
		case ch == '\\':
			b[i] = '|'
		case ch == '~' && c == RFC1459:
			b[i] = '^'
		}
	}
	return string(b)
}
