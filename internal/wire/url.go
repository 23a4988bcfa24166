package wire

import (
	"regexp"
	"strings"
)

// DefaultURLSchemes are recognized when no schemes are configured.
var DefaultURLSchemes = []string{"http", "https", "ftp"}

// URLPattern compiles the URL finder for the given schemes.
func URLPattern(schemes []string) *regexp.Regexp {
	if len(schemes) == 0 {
		schemes = DefaultURLSchemes
	}
	quoted := make([]string, len(schemes))
	for i, s := range schemes {
		quoted[i] = regexp.QuoteMeta(s)
	}
	return regexp.MustCompile(`(?i)((?:` + strings.Join(quoted, "|") + `)://\S+)`)
}

// FindURLs returns every distinct URL in text, in order of appearance.
func FindURLs(pattern *regexp.Regexp, text string) []string {
	var (
		urls []string
		seen = map[string]bool{}
	)
	for _, raw := range pattern.FindAllString(text, -1) {
		u := trimURL(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

var closers = map[byte]byte{')': '(', ']': '[', '>': '<'}

// trimURL drops trailing punctuation and unbalanced closing brackets.
func trimURL(u string) string {
	for len(u) > 0 {
		last := u[len(u)-1]
		switch {
		case strings.IndexByte(".,;:!?'\"", last) >= 0:
			u = u[:len(u)-1]
		case closers[last] != 0 && strings.Count(u, string(closers[last])) < strings.Count(u, string(last)):
			u = u[:len(u)-1]
		default:
			return u
		}
	}
	return u
}
