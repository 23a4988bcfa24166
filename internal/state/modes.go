package state

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownMode  = errors.New("unknown channel mode")
	ErrMissingParam = errors.New("missing mode parameter")
)

// ModeChange is one letter of a parsed modestring.
type ModeChange struct {
	Add   bool
	Mode  byte
	Param string
}

// ParseModes splits a channel modestring and its arguments into changes.
// Membership modes and list/setting modes (CHANMODES A and B) always take a
// parameter, C modes only when added, D modes never. Parsing stops at the
// first unknown letter or missing parameter; the changes read up to that
// point are returned along with the error.
func ParseModes(is ISupport, modestring string, args []string) ([]ModeChange, error) {
	var (
		changes []ModeChange
		add     = true
	)
	for i := 0; i < len(modestring); i++ {
		ch := modestring[i]
		switch ch {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}

		needsParam, err := modeTakesParam(is, ch, add)
		if err != nil {
			return changes, err
		}
		change := ModeChange{Add: add, Mode: ch}
		if needsParam {
			if len(args) == 0 {
				return changes, fmt.Errorf("%w for %c", ErrMissingParam, ch)
			}
			change.Param, args = args[0], args[1:]
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func modeTakesParam(is ISupport, mode byte, add bool) (bool, error) {
	if is.isPrefixMode(mode) {
		return true, nil
	}
	switch {
	case strings.IndexByte(is.ChanModes[0], mode) >= 0, strings.IndexByte(is.ChanModes[1], mode) >= 0:
		return true, nil
	case strings.IndexByte(is.ChanModes[2], mode) >= 0:
		return add, nil
	case strings.IndexByte(is.ChanModes[3], mode) >= 0:
		return false, nil
	}
	return false, fmt.Errorf("%w %c", ErrUnknownMode, mode)
}
