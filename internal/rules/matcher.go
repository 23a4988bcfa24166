package rules

import (
	"errors"
	"regexp"
	"strings"
)

// matcher is implemented by each rule kind.
type matcher interface {
	match(pre *PreTrigger) []*regexpResult
}

type regexpResult struct {
	re      *regexp.Regexp
	text    string
	indices []int
}

const argsTail = `(?:\s+((?:(\S+))?(?:\s+(\S+))?(?:\s+(\S+))?(?:\s+(\S+))?.*))?$`

// nickPattern matches the bot's nick or any alias.
func nickPattern(s Settings) string {
	nicks := append([]string{s.Nick}, s.AliasNicks...)
	quoted := make([]string, 0, len(nicks))
	for _, n := range nicks {
		if n != "" {
			quoted = append(quoted, regexp.QuoteMeta(n))
		}
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return "(?:" + strings.Join(quoted, "|") + ")"
}

// compilePattern expands $nickname and "$nick " and compiles
// case-insensitively.
func compilePattern(pattern string, s Settings, anchored bool) (*regexp.Regexp, error) {
	nick := nickPattern(s)
	pattern = strings.ReplaceAll(pattern, "$nickname", nick)
	pattern = strings.ReplaceAll(pattern, "$nick ", nick+`[,:]\s*`)
	if anchored {
		pattern = "^(?:" + pattern + ")"
	}
	return regexp.Compile("(?i)" + pattern)
}

type genericMatcher struct {
	kind     Kind
	patterns []*regexp.Regexp
}

func newGenericMatcher(d Declaration, s Settings) (*genericMatcher, error) {
	m := &genericMatcher{kind: d.Kind}
	anchored := d.Kind == KindMatch
	for _, p := range d.Patterns {
		re, err := compilePattern(p, s, anchored)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, re)
	}
	if d.LazyPatterns != nil {
		lazy, err := d.LazyPatterns(s)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, lazy...)
	}
	if len(m.patterns) == 0 {
		m.patterns = []*regexp.Regexp{regexp.MustCompile(`^(.*)`)}
	}
	return m, nil
}

func (m *genericMatcher) match(pre *PreTrigger) []*regexpResult {
	var out []*regexpResult
	for _, re := range m.patterns {
		switch m.kind {
		case KindFind:
			for _, idx := range re.FindAllStringSubmatchIndex(pre.Text, -1) {
				out = append(out, &regexpResult{re: re, text: pre.Text, indices: idx})
			}
		default:
			// KindMatch patterns carry their own ^ anchor.
			if idx := re.FindStringSubmatchIndex(pre.Text); idx != nil {
				out = append(out, &regexpResult{re: re, text: pre.Text, indices: idx})
			}
		}
	}
	return out
}

type namedMatcher struct {
	re *regexp.Regexp
}

func newNamedMatcher(kind Kind, commands []string, s Settings) (*namedMatcher, error) {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = regexp.QuoteMeta(c)
	}
	alts := "(" + strings.Join(names, "|") + ")"

	var pattern string
	switch kind {
	case KindCommand:
		prefix := s.Prefix
		if prefix == "" {
			prefix = `\.`
		}
		pattern = `^(?:` + prefix + `)` + alts + argsTail
	case KindNickCommand:
		pattern = `^` + nickPattern(s) + `[:,]?\s+` + alts + argsTail
	default:
		pattern = `^` + alts + argsTail
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	return &namedMatcher{re: re}, nil
}

func (m *namedMatcher) match(pre *PreTrigger) []*regexpResult {
	idx := m.re.FindStringSubmatchIndex(pre.Text)
	if idx == nil {
		return nil
	}
	return []*regexpResult{{re: m.re, text: pre.Text, indices: idx}}
}

type urlMatcher struct {
	patterns []*regexp.Regexp
}

func newURLMatcher(d Declaration, s Settings) (*urlMatcher, error) {
	m := &urlMatcher{}
	for _, p := range d.Patterns {
		re, err := compilePattern(p, s, false)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, re)
	}
	if d.LazyPatterns != nil {
		lazy, err := d.LazyPatterns(s)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, lazy...)
	}
	if len(m.patterns) == 0 {
		return nil, errors.New("url rule needs at least one pattern")
	}
	return m, nil
}

func (m *urlMatcher) match(pre *PreTrigger) []*regexpResult {
	var out []*regexpResult
	for _, u := range pre.URLs {
		for _, re := range m.patterns {
			if idx := re.FindStringSubmatchIndex(u); idx != nil {
				out = append(out, &regexpResult{re: re, text: u, indices: idx})
			}
		}
	}
	return out
}
