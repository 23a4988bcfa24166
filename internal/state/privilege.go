// Package state tracks channels, users and privileges as the server reports
// them.
package state

import "strings"

// Privilege is a channel rank bitmask. Higher bits outrank lower ones, so
// plain integer comparison answers "at least" questions.
type Privilege uint8

const (
	Voice Privilege = 1 << iota
	HalfOp
	Op
	Admin
	Owner
	Oper

	None Privilege = 0
)

var privilegeNames = []struct {
	p    Privilege
	name string
}{
	{Oper, "oper"}, {Owner, "owner"}, {Admin, "admin"}, {Op, "op"}, {HalfOp, "halfop"}, {Voice, "voice"},
}

func (p Privilege) String() string {
	if p == None {
		return "none"
	}
	var parts []string
	for _, n := range privilegeNames {
		if p&n.p != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of q is set in p.
func (p Privilege) Has(q Privilege) bool {
	return p&q == q
}

// AtLeast reports whether p ranks at or above q.
func (p Privilege) AtLeast(q Privilege) bool {
	return p >= q
}

// ParsePrivilege maps a name like "op" to its Privilege.
func ParsePrivilege(name string) (Privilege, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return None, true
	}
	for _, n := range privilegeNames {
		if n.name == name {
			return n.p, true
		}
	}
	return None, false
}

// modePrivileges maps channel membership mode letters to privileges.
var modePrivileges = map[byte]Privilege{
	'v': Voice,
	'h': HalfOp,
	'o': Op,
	'a': Admin,
	'q': Owner,
	'y': Oper,
	'Y': Oper,
}
