package state

import (
	"strconv"
	"strings"
)

// ISupport holds the RPL_ISUPPORT tokens the tracker depends on.
type ISupport struct {
	raw         map[string]string
	prefixModes string // membership mode letters, highest first
	prefixChars string // matching status symbols
	ChanTypes   string
	StatusMsg   string
	ChanModes   [4]string
	Casemapping Casemapping
	BotMode     string
	WHOX        bool
}

func defaultISupport() ISupport {
	return ISupport{
		raw:         map[string]string{},
		prefixModes: "ohv",
		prefixChars: "@%+",
		ChanTypes:   "#&",
		ChanModes:   [4]string{"beI", "k", "l", "imnpst"},
		Casemapping: RFC1459,
	}
}

// Get returns a raw token value.
func (s ISupport) Get(key string) (string, bool) {
	v, ok := s.raw[strings.ToUpper(key)]
	return v, ok
}

// apply consumes the tokens of one 005 line and reports whether the
// casemapping changed.
func (s *ISupport) apply(tokens []string) (casemapChanged bool) {
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "-") {
			key := strings.ToUpper(tok[1:])
			delete(s.raw, key)
			continue
		}
		key, value, _ := strings.Cut(tok, "=")
		key = strings.ToUpper(key)
		value = unescapeISupport(value)
		s.raw[key] = value

		switch key {
		case "PREFIX":
			if modes, chars, ok := parsePrefix(value); ok {
				s.prefixModes, s.prefixChars = modes, chars
			}
		case "CHANTYPES":
			s.ChanTypes = value
		case "STATUSMSG":
			s.StatusMsg = value
		case "CHANMODES":
			parts := strings.SplitN(value, ",", 4)
			var cm [4]string
			copy(cm[:], parts)
			s.ChanModes = cm
		case "CASEMAPPING":
			cm := ParseCasemapping(value)
			if cm != s.Casemapping {
				s.Casemapping = cm
				casemapChanged = true
			}
		case "BOT":
			s.BotMode = value
		case "WHOX":
			s.WHOX = true
		}
	}
	return casemapChanged
}

// parsePrefix reads "(ohv)@%+".
func parsePrefix(v string) (modes, chars string, ok bool) {
	if !strings.HasPrefix(v, "(") {
		return "", "", false
	}
	modes, chars, ok = strings.Cut(v[1:], ")")
	if !ok || len(modes) != len(chars) {
		return "", "", false
	}
	return modes, chars, true
}

// privilegeForSymbol maps a status symbol like '@' to its privilege.
func (s ISupport) privilegeForSymbol(sym byte) (Privilege, bool) {
	i := strings.IndexByte(s.prefixChars, sym)
	if i < 0 {
		return None, false
	}
	p, ok := modePrivileges[s.prefixModes[i]]
	return p, ok
}

// isPrefixMode reports whether a mode letter grants channel membership status.
func (s ISupport) isPrefixMode(mode byte) bool {
	return strings.IndexByte(s.prefixModes, mode) >= 0
}

// splitPrefixes separates leading status symbols from a NAMES or WHO entry.
func (s ISupport) splitPrefixes(entry string) (Privilege, string) {
	priv := None
	i := 0
	for i < len(entry) {
		p, ok := s.privilegeForSymbol(entry[i])
		if !ok {
			break
		}
		priv |= p
		i++
	}
	return priv, entry[i:]
}

func unescapeISupport(v string) string {
	if !strings.Contains(v, `\x`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+3 < len(v) && v[i+1] == 'x' {
			if n, err := strconv.ParseUint(v[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}
