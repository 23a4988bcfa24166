package state

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dalnet/rulebot/internal/wire"
)

// User is one known nick. It is shared by every channel it is in.
type User struct {
	Nick     string
	User     string
	Host     string
	Account  string
	Realname string
	Away     bool
	IsBot    bool
	channels map[string]struct{}
}

// Channel is one channel the bot is in.
type Channel struct {
	Name       string
	Topic      string
	JoinedAt   time.Time
	Modes      map[byte]string
	users      map[string]*User
	privileges map[string]Privilege
}

// UserInfo is a copy of a User safe to hold outside the tracker.
type UserInfo struct {
	Nick     string
	User     string
	Host     string
	Account  string
	Realname string
	Away     bool
	IsBot    bool
	Channels []string
}

// Member is one entry of ChannelInfo.Members.
type Member struct {
	Nick      string
	Privilege Privilege
}

// ChannelInfo is a copy of a Channel safe to hold outside the tracker.
type ChannelInfo struct {
	Name     string
	Topic    string
	JoinedAt time.Time
	Members  map[string]Member // keyed by folded nick
}

// Reader is the read-only view handed to rule handlers.
type Reader interface {
	Nick() string
	Fold(s string) string
	IsChannel(name string) bool
	Channel(name string) (ChannelInfo, bool)
	Channels() []string
	User(nick string) (UserInfo, bool)
	Privilege(channel, nick string) Privilege
	ISupport(key string) (string, bool)
}

// Tracker owns all channel and user state. Apply is called only from the
// connection's read loop; readers may run on other goroutines.
type Tracker struct {
	mu       sync.RWMutex
	log      *slog.Logger
	nick     string
	isupport ISupport
	channels map[string]*Channel
	users    map[string]*User
	// channels whose membership is out of sync and needs a WHO
	resync []string
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{log: logger.With("component", "state")}
	t.Reset()
	return t
}

// Reset forgets everything learned from the current connection.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.isupport = defaultISupport()
	t.channels = make(map[string]*Channel)
	t.users = make(map[string]*User)
	t.resync = nil
}

func (t *Tracker) SetNick(nick string) {
	t.mu.Lock()
	t.nick = nick
	t.mu.Unlock()
}

func (t *Tracker) Nick() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nick
}

func (t *Tracker) Fold(s string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isupport.Casemapping.Fold(s)
}

// IsSelf reports whether nick is the bot's current nick.
func (t *Tracker) IsSelf(nick string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isSelf(nick)
}

func (t *Tracker) isSelf(nick string) bool {
	return t.nick != "" && t.fold(nick) == t.fold(t.nick)
}

func (t *Tracker) fold(s string) string {
	return t.isupport.Casemapping.Fold(s)
}

func (t *Tracker) IsChannel(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return name != "" && strings.IndexByte(t.isupport.ChanTypes, name[0]) >= 0
}

// StatusPrefixes returns the STATUSMSG symbols a PRIVMSG target may carry.
func (t *Tracker) StatusPrefixes() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isupport.StatusMsg
}

func (t *Tracker) ISupport(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isupport.Get(key)
}

// SupportsWHOX reports whether the server advertised WHOX.
func (t *Tracker) SupportsWHOX() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isupport.WHOX
}

func (t *Tracker) Channel(name string) (ChannelInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.channels[t.fold(name)]
	if !ok {
		return ChannelInfo{}, false
	}
	info := ChannelInfo{
		Name:     ch.Name,
		Topic:    ch.Topic,
		JoinedAt: ch.JoinedAt,
		Members:  make(map[string]Member, len(ch.users)),
	}
	for key, u := range ch.users {
		info.Members[key] = Member{Nick: u.Nick, Privilege: ch.privileges[key]}
	}
	return info, true
}

// Channels lists the names of joined channels, sorted.
func (t *Tracker) Channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.channels))
	for _, ch := range t.channels {
		names = append(names, ch.Name)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) User(nick string) (UserInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.users[t.fold(nick)]
	if !ok {
		return UserInfo{}, false
	}
	info := UserInfo{
		Nick: u.Nick, User: u.User, Host: u.Host, Account: u.Account,
		Realname: u.Realname, Away: u.Away, IsBot: u.IsBot,
	}
	for key := range u.channels {
		if ch, ok := t.channels[key]; ok {
			info.Channels = append(info.Channels, ch.Name)
		}
	}
	sort.Strings(info.Channels)
	return info, true
}

func (t *Tracker) Privilege(channel, nick string) Privilege {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.channels[t.fold(channel)]
	if !ok {
		return None
	}
	return ch.privileges[t.fold(nick)]
}

// JoinedAt returns when the bot joined channel.
func (t *Tracker) JoinedAt(channel string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.channels[t.fold(channel)]
	if !ok {
		return time.Time{}, false
	}
	return ch.JoinedAt, true
}

// TakeResyncs returns the channels whose state could not be fully updated
// since the last call. The caller is expected to send WHO for each.
func (t *Tracker) TakeResyncs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.resync
	t.resync = nil
	return out
}

// Apply updates state from one inbound message.
func (t *Tracker) Apply(m *wire.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch m.Command {
	case "001":
		if nick := m.Param(0); nick != "" {
			t.nick = nick
		}
	case "005":
		if len(m.Params) > 2 && t.isupport.apply(m.Params[1:len(m.Params)-1]) {
			t.rekey()
		}
	case "JOIN":
		t.onJoin(m)
	case "PART":
		for _, name := range strings.Split(m.Param(0), ",") {
			t.removeMember(name, m.Nick)
		}
	case "KICK":
		t.removeMember(m.Param(0), m.Param(1))
	case "QUIT":
		t.removeUser(m.Nick)
	case "NICK":
		t.onNick(m.Nick, m.Param(0))
	case "MODE":
		t.onMode(m)
	case "353":
		t.onNames(m)
	case "352":
		t.onWho(m)
	case "354":
		t.onWhox(m)
	case "332":
		if ch, ok := t.channels[t.fold(m.Param(1))]; ok {
			ch.Topic = m.Param(2)
		}
	case "331":
		if ch, ok := t.channels[t.fold(m.Param(1))]; ok {
			ch.Topic = ""
		}
	case "TOPIC":
		if ch, ok := t.channels[t.fold(m.Param(0))]; ok {
			ch.Topic = m.Param(1)
		}
	case "ACCOUNT":
		if u, ok := t.users[t.fold(m.Nick)]; ok {
			u.Account = accountValue(m.Param(0))
		}
	case "AWAY":
		if u, ok := t.users[t.fold(m.Nick)]; ok {
			u.Away = len(m.Params) > 0
		}
	case "CHGHOST":
		if u, ok := t.users[t.fold(m.Nick)]; ok {
			u.User, u.Host = m.Param(0), m.Param(1)
		}
	}

	if account, ok := m.Tag("account"); ok && m.Nick != "" {
		if u, ok := t.users[t.fold(m.Nick)]; ok {
			u.Account = account
		}
	}
}

func accountValue(v string) string {
	if v == "*" || v == "0" {
		return ""
	}
	return v
}

func (t *Tracker) ensureChannel(name string) *Channel {
	key := t.fold(name)
	ch, ok := t.channels[key]
	if !ok {
		ch = &Channel{
			Name:       name,
			Modes:      map[byte]string{},
			users:      map[string]*User{},
			privileges: map[string]Privilege{},
		}
		t.channels[key] = ch
	}
	return ch
}

func (t *Tracker) ensureUser(nick string) *User {
	key := t.fold(nick)
	u, ok := t.users[key]
	if !ok {
		u = &User{Nick: nick, channels: map[string]struct{}{}}
		t.users[key] = u
	}
	return u
}

func (t *Tracker) addMember(ch *Channel, u *User, priv Privilege) {
	chKey, nickKey := t.fold(ch.Name), t.fold(u.Nick)
	ch.users[nickKey] = u
	if _, ok := ch.privileges[nickKey]; !ok || priv != None {
		ch.privileges[nickKey] = priv
	}
	u.channels[chKey] = struct{}{}
}

func (t *Tracker) onJoin(m *wire.Message) {
	name := m.Param(0)
	if name == "" || m.Nick == "" {
		return
	}
	self := t.isSelf(m.Nick)
	if !self {
		if _, ok := t.channels[t.fold(name)]; !ok {
			return
		}
	}

	ch := t.ensureChannel(name)
	if self {
		ch.JoinedAt = m.Time()
	}
	u := t.ensureUser(m.Nick)
	if m.User != "" {
		u.User, u.Host = m.User, m.Host
	}
	if len(m.Params) >= 3 {
		u.Account = accountValue(m.Param(1))
		u.Realname = m.Param(2)
	}
	t.addMember(ch, u, None)
}

// removeMember drops nick from channel. When nick is the bot, the whole
// channel goes.
func (t *Tracker) removeMember(channel, nick string) {
	chKey, nickKey := t.fold(channel), t.fold(nick)
	ch, ok := t.channels[chKey]
	if !ok {
		return
	}
	if t.isSelf(nick) {
		for key, u := range ch.users {
			delete(u.channels, chKey)
			t.prune(key, u)
		}
		delete(t.channels, chKey)
		return
	}

	u, ok := ch.users[nickKey]
	delete(ch.users, nickKey)
	delete(ch.privileges, nickKey)
	if ok {
		delete(u.channels, chKey)
		t.prune(nickKey, u)
	}
}

// prune forgets users that share no channel with the bot.
func (t *Tracker) prune(key string, u *User) {
	if len(u.channels) == 0 && !t.isSelf(u.Nick) {
		delete(t.users, key)
	}
}

func (t *Tracker) removeUser(nick string) {
	key := t.fold(nick)
	u, ok := t.users[key]
	if !ok {
		return
	}
	for chKey := range u.channels {
		if ch, ok := t.channels[chKey]; ok {
			delete(ch.users, key)
			delete(ch.privileges, key)
		}
	}
	delete(t.users, key)
}

func (t *Tracker) onNick(old, nick string) {
	if nick == "" {
		return
	}
	oldKey, newKey := t.fold(old), t.fold(nick)
	if t.isSelf(old) {
		t.nick = nick
	}
	u, ok := t.users[oldKey]
	if !ok {
		return
	}
	u.Nick = nick
	delete(t.users, oldKey)
	t.users[newKey] = u

	for chKey := range u.channels {
		ch, ok := t.channels[chKey]
		if !ok {
			continue
		}
		priv := ch.privileges[oldKey]
		delete(ch.users, oldKey)
		delete(ch.privileges, oldKey)
		ch.users[newKey] = u
		ch.privileges[newKey] = priv
	}
}

func (t *Tracker) onMode(m *wire.Message) {
	target := m.Param(0)
	if target == "" || strings.IndexByte(t.isupport.ChanTypes, target[0]) < 0 {
		return
	}
	ch, ok := t.channels[t.fold(target)]
	if !ok || len(m.Params) < 2 {
		return
	}

	changes, err := ParseModes(t.isupport, m.Params[1], m.Params[2:])
	if err != nil {
		t.log.Warn("Unknown mode change, resyncing channel", "channel", target, "line", m.Raw, "error", err)
		t.resync = append(t.resync, ch.Name)
	}
	for _, c := range changes {
		if t.isupport.isPrefixMode(c.Mode) {
			priv, known := modePrivileges[c.Mode]
			key := t.fold(c.Param)
			if _, member := ch.users[key]; !known || !member {
				continue
			}
			if c.Add {
				ch.privileges[key] |= priv
			} else {
				ch.privileges[key] &^= priv
			}
			continue
		}
		if strings.IndexByte(t.isupport.ChanModes[0], c.Mode) >= 0 {
			continue
		}
		if c.Add {
			ch.Modes[c.Mode] = c.Param
		} else {
			delete(ch.Modes, c.Mode)
		}
	}
}

// onNames handles "353 me = #chan :@nick +other!u@h".
func (t *Tracker) onNames(m *wire.Message) {
	if len(m.Params) < 4 {
		return
	}
	ch := t.ensureChannel(m.Param(2))
	for _, entry := range strings.Fields(m.Param(3)) {
		priv, rest := t.isupport.splitPrefixes(entry)
		nick, user, host := rest, "", ""
		if n, uh, ok := strings.Cut(rest, "!"); ok {
			nick = n
			user, host, _ = strings.Cut(uh, "@")
		}
		if nick == "" {
			continue
		}
		u := t.ensureUser(nick)
		if user != "" {
			u.User, u.Host = user, host
		}
		t.addMember(ch, u, priv)
		ch.privileges[t.fold(nick)] = priv
	}
}

// onWho handles "352 me #chan user host server nick flags :hops realname".
func (t *Tracker) onWho(m *wire.Message) {
	if len(m.Params) < 8 {
		return
	}
	_, realname, _ := strings.Cut(m.Param(7), " ")
	t.applyWho(m.Param(1), m.Param(2), m.Param(3), m.Param(5), m.Param(6), "", realname, false)
}

// onWhox handles our "%tcuhnfar,999" WHOX query.
func (t *Tracker) onWhox(m *wire.Message) {
	if len(m.Params) < 9 || m.Param(1) != WhoxToken {
		return
	}
	t.applyWho(m.Param(2), m.Param(3), m.Param(4), m.Param(5), m.Param(6), accountValue(m.Param(7)), m.Param(8), true)
}

// WhoxToken tags WHOX queries sent by the client.
const WhoxToken = "999"

func (t *Tracker) applyWho(channel, user, host, nick, flags, account, realname string, hasAccount bool) {
	u := t.ensureUser(nick)
	u.User, u.Host, u.Realname = user, host, realname
	if hasAccount {
		u.Account = account
	}
	u.Away = strings.HasPrefix(flags, "G")
	if t.isupport.BotMode != "" {
		u.IsBot = strings.Contains(flags, t.isupport.BotMode)
	}

	ch, ok := t.channels[t.fold(channel)]
	if !ok {
		t.prune(t.fold(nick), u)
		return
	}
	priv := None
	for i := 0; i < len(flags); i++ {
		if p, ok := t.isupport.privilegeForSymbol(flags[i]); ok {
			priv |= p
		}
	}
	t.addMember(ch, u, priv)
	ch.privileges[t.fold(nick)] = priv
}

// rekey rebuilds every map after a casemapping change.
func (t *Tracker) rekey() {
	users := make(map[string]*User, len(t.users))
	for _, u := range t.users {
		u.channels = map[string]struct{}{}
		users[t.fold(u.Nick)] = u
	}
	channels := make(map[string]*Channel, len(t.channels))
	for _, ch := range t.channels {
		chKey := t.fold(ch.Name)
		members := make(map[string]*User, len(ch.users))
		privs := make(map[string]Privilege, len(ch.privileges))
		for oldKey, u := range ch.users {
			key := t.fold(u.Nick)
			members[key] = u
			privs[key] = ch.privileges[oldKey]
			u.channels[chKey] = struct{}{}
		}
		ch.users, ch.privileges = members, privs
		channels[chKey] = ch
	}
	t.users, t.channels = users, channels
}
