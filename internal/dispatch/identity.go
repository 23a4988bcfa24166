package dispatch

import (
	"regexp"
	"strings"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/rules"
)

// identity decides who is the owner or an admin.
type identity struct {
	owner         *regexp.Regexp
	ownerAccount  string
	admins        []*regexp.Regexp
	adminAccounts []string
}

// globPattern turns a nick or hostmask glob into an anchored,
// case-insensitive pattern.
func globPattern(glob string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(glob)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	return regexp.MustCompile(`(?i)^` + quoted + `$`)
}

func newIdentity(cfg *config.Config) *identity {
	id := &identity{ownerAccount: cfg.OwnerAccount, adminAccounts: cfg.AdminAccounts}
	if cfg.Owner != "" {
		id.owner = globPattern(cfg.Owner)
	}
	for _, a := range cfg.Admins {
		if a != "" {
			id.admins = append(id.admins, globPattern(a))
		}
	}
	return id
}

func matchesMask(re *regexp.Regexp, t *rules.Trigger) bool {
	return re.MatchString(t.Nick) || re.MatchString(t.Hostmask)
}

func (id *identity) isOwner(t *rules.Trigger) bool {
	if id.ownerAccount != "" && t.Account != "" && strings.EqualFold(id.ownerAccount, t.Account) {
		return true
	}
	return id.owner != nil && matchesMask(id.owner, t)
}

func (id *identity) isAdmin(t *rules.Trigger) bool {
	if id.isOwner(t) {
		return true
	}
	for _, re := range id.admins {
		if matchesMask(re, t) {
			return true
		}
	}
	if t.Account == "" {
		return false
	}
	for _, acct := range id.adminAccounts {
		if strings.EqualFold(acct, t.Account) {
			return true
		}
	}
	return false
}

// blockList holds the nick and host patterns whose messages are ignored.
type blockList struct {
	nicks []*regexp.Regexp
	hosts []*regexp.Regexp
}

func compileBlocks(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// Validate already rejected patterns that do not compile.
		if re, err := regexp.Compile(`(?i)^(?:` + p + `)$`); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func newBlockList(cfg *config.Config) *blockList {
	return &blockList{nicks: compileBlocks(cfg.NickBlocks), hosts: compileBlocks(cfg.HostBlocks)}
}

func (b *blockList) blocks(t *rules.Trigger) bool {
	for _, re := range b.nicks {
		if re.MatchString(t.Nick) {
			return true
		}
	}
	if t.Host == "" {
		return false
	}
	for _, re := range b.hosts {
		if re.MatchString(t.Host) {
			return true
		}
	}
	return false
}
