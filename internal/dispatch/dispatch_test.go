package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/state"
	"github.com/dalnet/rulebot/internal/wire"
)

type fakeClient struct {
	mu    sync.Mutex
	nick  string
	lines []string
}

func (c *fakeClient) record(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *fakeClient) Nick() string { return c.nick }
func (c *fakeClient) Say(_ context.Context, target, text string) error {
	return c.record("PRIVMSG " + target + " :" + text)
}
func (c *fakeClient) Notice(_ context.Context, target, text string) error {
	return c.record("NOTICE " + target + " :" + text)
}
func (c *fakeClient) Action(_ context.Context, target, text string) error {
	return c.record("PRIVMSG " + target + " :\x01ACTION " + text + "\x01")
}
func (c *fakeClient) Send(_ context.Context, command string, args ...string) error {
	return c.record(strings.Join(append([]string{command}, args...), " "))
}
func (c *fakeClient) Quit(reason string)     { _ = c.record("QUIT :" + reason) }
func (c *fakeClient) CapEnabled(string) bool { return false }

func (c *fakeClient) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

type harness struct {
	t       *testing.T
	cfg     *config.Config
	reg     *rules.Registry
	tracker *state.Tracker
	client  *fakeClient
	d       *Dispatcher
	now     time.Time
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Nick = "bot"
	cfg.Server = "irc.example.net"
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		t:       t,
		cfg:     cfg,
		reg:     rules.NewRegistry(cfg.RuleSettings(), nil),
		tracker: state.NewTracker(nil),
		client:  &fakeClient{nick: "bot"},
		now:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.d = New(h.reg, h.tracker, cfg, WithClock(func() time.Time { return h.now }), WithJobResolution(0))
	require.NoError(t, h.d.Start(context.Background()))
	t.Cleanup(func() { _ = h.d.Stop(time.Second) })

	h.feed(":srv 001 bot :Welcome", ":bot!b@bot.host JOIN #chan")
	return h
}

func (h *harness) feed(lines ...string) {
	h.t.Helper()
	for _, line := range lines {
		m, err := wire.Parse([]byte(line), h.now)
		require.NoError(h.t, err, line)
		h.d.Dispatch(context.Background(), m, h.client)
	}
}

func (h *harness) register(decls ...rules.Declaration) {
	h.t.Helper()
	_, err := h.reg.RegisterPlugin("test", decls...)
	require.NoError(h.t, err)
}

func counter(n *atomic.Int32) rules.Handler {
	return func(context.Context, rules.Bot, *rules.Trigger) error {
		n.Add(1)
		return nil
	}
}

func TestUserRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	var runs atomic.Int32
	h.register(rules.Declaration{
		Kind:     rules.KindCommand,
		Commands: []string{"hello"},
		Options:  rules.Options{UserRate: 10 * time.Second},
		Handler:  counter(&runs),
	})

	h.feed(":Alice!a@h PRIVMSG #chan :.hello")
	h.now = h.now.Add(5 * time.Second)
	h.feed(":Alice!a@h PRIVMSG #chan :.hello")
	assert.Equal(t, int32(1), runs.Load())

	h.feed(":Bob!b@h PRIVMSG #chan :.hello")
	assert.Equal(t, int32(2), runs.Load(), "other users have their own limit")

	h.now = h.now.Add(10 * time.Second)
	h.feed(":Alice!a@h PRIVMSG #chan :.hello")
	assert.Equal(t, int32(3), runs.Load())
}

func TestChannelAndGlobalRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.feed(":bot!b@bot.host JOIN #other")
	var chanRuns, globalRuns atomic.Int32
	h.register(
		rules.Declaration{Kind: rules.KindCommand, Commands: []string{"c"}, Options: rules.Options{ChannelRate: time.Minute}, Handler: counter(&chanRuns)},
		rules.Declaration{Kind: rules.KindCommand, Commands: []string{"g"}, Options: rules.Options{GlobalRate: time.Minute}, Handler: counter(&globalRuns)},
	)

	h.feed(
		":A!a@h PRIVMSG #chan :.c",
		":B!b@h PRIVMSG #CHAN :.c",
		":B!b@h PRIVMSG #other :.c",
		":A!a@h PRIVMSG #chan :.g",
		":B!b@h PRIVMSG #other :.g",
	)
	assert.Equal(t, int32(2), chanRuns.Load())
	assert.Equal(t, int32(1), globalRuns.Load())
}

func TestNoLimitAllowsImmediateRetry(t *testing.T) {
	h := newHarness(t, nil)
	var runs atomic.Int32
	h.register(rules.Declaration{
		Kind:     rules.KindCommand,
		Commands: []string{"try"},
		Options:  rules.Options{UserRate: time.Hour},
		Handler: func(context.Context, rules.Bot, *rules.Trigger) error {
			if runs.Add(1) == 1 {
				return rules.ErrNoLimit
			}
			return nil
		},
	})

	h.feed(":A!a@h PRIVMSG #chan :.try", ":A!a@h PRIVMSG #chan :.try", ":A!a@h PRIVMSG #chan :.try")
	assert.Equal(t, int32(2), runs.Load())
	assert.Empty(t, h.client.Lines(), "ErrNoLimit is not reported as an error")
}

func TestRateLimitNotice(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.DefaultTimeRateMessage = "{nick}: wait {time_left_sec}s ({rate_limit_type} limit on {label})"
	})
	h.register(rules.Declaration{
		Kind:     rules.KindCommand,
		Commands: []string{"hello"},
		Options:  rules.Options{UserRate: 10 * time.Second},
		Handler:  counter(new(atomic.Int32)),
	})

	h.feed(":Alice!a@h PRIVMSG #chan :.hello")
	h.now = h.now.Add(4 * time.Second)
	h.feed(":Alice!a@h PRIVMSG #chan :.hello")
	assert.Equal(t, []string{"NOTICE Alice :Alice: wait 6s (user limit on hello)"}, h.client.Lines())
}

func TestAdminsBypassRateLimits(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Admins = []string{"*!*@admin.host"} })
	var plain, strict atomic.Int32
	h.register(
		rules.Declaration{Kind: rules.KindCommand, Commands: []string{"plain"}, Options: rules.Options{UserRate: time.Hour}, Handler: counter(&plain)},
		rules.Declaration{Kind: rules.KindCommand, Commands: []string{"strict"}, Options: rules.Options{UserRate: time.Hour, RateLimitAdmins: true}, Handler: counter(&strict)},
	)

	for i := 0; i < 3; i++ {
		h.feed(":Boss!b@admin.host PRIVMSG #chan :.plain", ":Boss!b@admin.host PRIVMSG #chan :.strict")
	}
	assert.Equal(t, int32(3), plain.Load())
	assert.Equal(t, int32(1), strict.Load())
}

func TestPriorityTiersAroundTrackerUpdate(t *testing.T) {
	h := newHarness(t, nil)
	var marker atomic.Bool
	var highSawAlice, lowSawAlice, lowSawMarker atomic.Bool

	inChannel := func(bot rules.Bot) bool {
		ch, ok := bot.State().Channel("#chan")
		if !ok {
			return false
		}
		_, ok = ch.Members["alice"]
		return ok
	}
	h.register(
		rules.Declaration{
			Kind:    rules.KindMatch,
			Options: rules.Options{Label: "after", Priority: rules.PriorityLow, Events: []string{"JOIN"}},
			Handler: func(_ context.Context, bot rules.Bot, _ *rules.Trigger) error {
				lowSawAlice.Store(inChannel(bot))
				lowSawMarker.Store(marker.Load())
				return nil
			},
		},
		rules.Declaration{
			Kind:    rules.KindMatch,
			Options: rules.Options{Label: "before", Priority: rules.PriorityHigh, Events: []string{"JOIN"}},
			Handler: func(_ context.Context, bot rules.Bot, _ *rules.Trigger) error {
				highSawAlice.Store(inChannel(bot))
				marker.Store(true)
				return nil
			},
		},
	)

	h.feed(":Alice!a@h JOIN #chan")
	assert.False(t, highSawAlice.Load(), "HIGH rules see state before the update")
	assert.True(t, lowSawAlice.Load(), "LOW rules see state after the update")
	assert.True(t, lowSawMarker.Load())
}

func TestFindRuleRunsOncePerMatchInOrder(t *testing.T) {
	h := newHarness(t, nil)
	var mu sync.Mutex
	var seen []string
	h.register(rules.Declaration{
		Kind:     rules.KindFind,
		Patterns: []string{`#\d+`},
		Options:  rules.Options{Label: "issues", Threaded: true},
		Handler: func(_ context.Context, _ rules.Bot, t *rules.Trigger) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, t.Group(0))
			return nil
		},
	})

	h.feed(":A!a@h PRIVMSG #chan :see #1, #22 and #333")
	require.NoError(t, h.d.Drain(time.Second))
	assert.Equal(t, []string{"#1", "#22", "#333"}, seen)
}

func TestEligibility(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.NickBlocks = []string{"spam.*"}
		c.HostBlocks = []string{`.*\.bad\.example`}
		c.Admins = []string{"Root"}
	})
	h.feed(
		":Op!o@h JOIN #chan",
		":srv MODE #chan +o Op",
		":Helper!h@h JOIN #chan",
		"@account=acct :Acct!a@h JOIN #chan",
		":Robo!r@h JOIN #chan",
		":srv 005 bot BOT=B :are supported",
		":srv 352 bot #chan r h srv Robo HB :0 Robot",
	)

	ran := map[string]*atomic.Int32{}
	decl := func(name string, opts rules.Options) rules.Declaration {
		n := new(atomic.Int32)
		ran[name] = n
		return rules.Declaration{Kind: rules.KindCommand, Commands: []string{name}, Options: opts, Handler: counter(n)}
	}
	h.register(
		decl("any", rules.Options{}),
		decl("echo", rules.Options{EchoSelf: true}),
		decl("bots", rules.Options{AllowBots: true}),
		decl("anyone", rules.Options{Unblockable: true}),
		decl("chan", rules.Options{Require: rules.Requirements{ChanMsg: true}}),
		decl("priv", rules.Options{Require: rules.Requirements{PrivMsg: true}}),
		decl("op", rules.Options{Require: rules.Requirements{Privilege: state.Op, Message: "ops only"}}),
		decl("botop", rules.Options{Require: rules.Requirements{BotPrivilege: state.Op}}),
		decl("acct", rules.Options{Require: rules.Requirements{Account: true}}),
		decl("admin", rules.Options{Require: rules.Requirements{Admin: true}}),
	)
	count := func(name string) int32 { return ran[name].Load() }

	h.feed(":bot!b@bot.host PRIVMSG #chan :.any", ":bot!b@bot.host PRIVMSG #chan :.echo")
	assert.Zero(t, count("any"))
	assert.Equal(t, int32(1), count("echo"))

	h.feed(":Robo!r@h PRIVMSG #chan :.any", ":Robo!r@h PRIVMSG #chan :.bots")
	h.feed("@bot :Tagged!t@h PRIVMSG #chan :.any")
	assert.Zero(t, count("any"))
	assert.Equal(t, int32(1), count("bots"))

	h.feed(":spammer!s@h PRIVMSG #chan :.any", ":x!x@host.bad.example PRIVMSG #chan :.any", ":spammer!s@h PRIVMSG #chan :.anyone")
	assert.Zero(t, count("any"))
	assert.Equal(t, int32(1), count("anyone"))

	h.feed(":Helper!h@h PRIVMSG #chan :.chan", ":Helper!h@h PRIVMSG bot :.chan")
	h.feed(":Helper!h@h PRIVMSG #chan :.priv", ":Helper!h@h PRIVMSG bot :.priv")
	assert.Equal(t, int32(1), count("chan"))
	assert.Equal(t, int32(1), count("priv"))

	h.feed(":Helper!h@h PRIVMSG #chan :.op", ":Op!o@h PRIVMSG #chan :.op")
	assert.Equal(t, int32(1), count("op"))
	assert.Contains(t, h.client.Lines(), "PRIVMSG #chan :Helper: ops only")

	h.feed(":Op!o@h PRIVMSG #chan :.botop")
	assert.Zero(t, count("botop"))
	h.feed(":srv MODE #chan +o bot", ":Op!o@h PRIVMSG #chan :.botop")
	assert.Equal(t, int32(1), count("botop"))

	h.feed(":Helper!h@h PRIVMSG #chan :.acct", ":Acct!a@h PRIVMSG #chan :.acct")
	assert.Equal(t, int32(1), count("acct"), "account comes from the tracker when the message has no tag")

	h.feed(":Helper!h@h PRIVMSG #chan :.admin", ":root!r@h PRIVMSG #chan :.admin")
	assert.Equal(t, int32(1), count("admin"))
}

func TestAdminsAreNotBlocked(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.NickBlocks = []string{"boss"}
		c.OwnerAccount = "bossacct"
	})
	var runs atomic.Int32
	var owner atomic.Bool
	h.register(rules.Declaration{Kind: rules.KindCommand, Commands: []string{"x"}, Handler: func(_ context.Context, _ rules.Bot, t *rules.Trigger) error {
		runs.Add(1)
		owner.Store(t.Owner && t.Admin)
		return nil
	}})

	h.feed(":boss!b@h PRIVMSG #chan :.x")
	assert.Zero(t, runs.Load())
	h.feed("@account=BossAcct :boss!b@h PRIVMSG #chan :.x")
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, owner.Load())
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	var after atomic.Int32
	h.register(
		rules.Declaration{Kind: rules.KindSearch, Patterns: []string{"boom"}, Options: rules.Options{Label: "panics", Priority: rules.PriorityHigh},
			Handler: func(context.Context, rules.Bot, *rules.Trigger) error { panic("kaboom") }},
		rules.Declaration{Kind: rules.KindSearch, Patterns: []string{"boom"}, Options: rules.Options{Label: "fails"},
			Handler: func(context.Context, rules.Bot, *rules.Trigger) error { return errors.New("bad input") }},
		rules.Declaration{Kind: rules.KindSearch, Patterns: []string{"boom"}, Options: rules.Options{Label: "survivor", Priority: rules.PriorityLow},
			Handler: counter(&after)},
	)

	h.feed(":A!a@h PRIVMSG #chan :boom")
	assert.Equal(t, int32(1), after.Load())
	assert.Equal(t, []string{
		"PRIVMSG #chan :Unexpected error in panics. Please let a bot admin know.",
		"PRIVMSG #chan :Unexpected error in fails. Please let a bot admin know.",
	}, h.client.Lines())
}

func TestReplyErrorsOff(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ReplyErrors = false })
	h.register(rules.Declaration{Kind: rules.KindSearch, Patterns: []string{"x"}, Options: rules.Options{Label: "fails"},
		Handler: func(context.Context, rules.Bot, *rules.Trigger) error { return errors.New("nope") }})
	h.feed(":A!a@h PRIVMSG #chan :x")
	assert.Empty(t, h.client.Lines())
}

func TestReplayedMessagesSkipRules(t *testing.T) {
	h := newHarness(t, nil)
	var runs atomic.Int32
	h.register(rules.Declaration{Kind: rules.KindSearch, Patterns: []string{"hi"}, Options: rules.Options{Label: "hi"}, Handler: counter(&runs)})

	h.feed("@time=2024-01-01T12:00:00.000Z :bot!b@h JOIN #replay")
	h.feed("@time=2024-01-01T11:00:00.000Z :A!a@h PRIVMSG #replay :hi")
	assert.Zero(t, runs.Load())
	h.feed("@time=2024-01-01T12:00:01.000Z :A!a@h PRIVMSG #replay :hi")
	assert.Equal(t, int32(1), runs.Load())
}

func TestChannelSettingsDisable(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.ChannelSettings = map[string]config.ChannelSettings{
			"#Quiet": {DisablePlugins: []string{"*"}},
			"#chan":  {DisableCommands: map[string][]string{"test": {"off"}}},
		}
	})
	h.feed(":bot!b@h JOIN #quiet")
	var on, off atomic.Int32
	h.register(
		rules.Declaration{Kind: rules.KindCommand, Commands: []string{"on"}, Handler: counter(&on)},
		rules.Declaration{Kind: rules.KindCommand, Commands: []string{"off"}, Handler: counter(&off)},
	)
	var core atomic.Int32
	_, err := h.reg.RegisterPlugin(CorePlugin, rules.Declaration{Kind: rules.KindCommand, Commands: []string{"core"}, Handler: counter(&core)})
	require.NoError(t, err)

	h.feed(":A!a@h PRIVMSG #quiet :.on", ":A!a@h PRIVMSG #quiet :.core")
	h.feed(":A!a@h PRIVMSG #chan :.on", ":A!a@h PRIVMSG #chan :.off", ":A!a@h PRIVMSG bot :.off")
	assert.Equal(t, int32(1), on.Load())
	assert.Equal(t, int32(1), off.Load())
	assert.Equal(t, int32(1), core.Load())
}

func TestDrainStopsNewTriggers(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	var started, runs atomic.Int32
	h.register(rules.Declaration{
		Kind:     rules.KindCommand,
		Commands: []string{"slow"},
		Options:  rules.Options{Threaded: true},
		Handler: func(ctx context.Context, _ rules.Bot, _ *rules.Trigger) error {
			started.Add(1)
			<-release
			runs.Add(1)
			return nil
		},
	})

	h.feed(":A!a@h PRIVMSG #chan :.slow")
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.d.Drain(20*time.Millisecond), ErrDrainTimeout)
	close(release)
	require.NoError(t, h.d.Drain(time.Second))
	assert.Equal(t, int32(1), runs.Load())

	h.feed(":A!a@h PRIVMSG #chan :.slow", ":Late!l@h JOIN #chan")
	assert.Equal(t, int32(1), started.Load())
	_, tracked := h.tracker.User("Late")
	assert.True(t, tracked, "the tracker still follows the connection while draining")

	h.d.Resume(h.client)
	h.feed(":A!a@h PRIVMSG #chan :.slow")
	require.NoError(t, h.d.Drain(time.Second))
	assert.Equal(t, int32(2), runs.Load())
}

func TestCancelledPoolReleasesQueuedTriggers(t *testing.T) {
	cfg := config.Default()
	cfg.Nick = "bot"
	cfg.Server = "irc.example.net"
	cfg.DispatchWorkers = 1
	tracker := state.NewTracker(nil)
	d := New(rules.NewRegistry(cfg.RuleSettings(), nil), tracker, cfg, WithJobResolution(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { _ = d.Stop(time.Second) })

	var runs atomic.Int32
	started, release := make(chan struct{}, 4), make(chan struct{})
	_, err := d.reg.RegisterPlugin("test", rules.Declaration{
		Kind:     rules.KindCommand,
		Commands: []string{"slow"},
		Options:  rules.Options{Threaded: true, UserRate: time.Hour},
		Handler: func(context.Context, rules.Bot, *rules.Trigger) error {
			started <- struct{}{}
			<-release
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	client := &fakeClient{nick: "bot"}
	feed := func(line string) {
		m, err := wire.Parse([]byte(line), time.Now())
		require.NoError(t, err)
		d.Dispatch(context.Background(), m, client)
	}
	feed(":srv 001 bot :Welcome")
	feed(":bot!b@bot.host JOIN #chan")
	feed(":A!a@h PRIVMSG #chan :.slow")
	<-started
	feed(":B!b@h PRIVMSG #chan :.slow")
	feed(":C!c@h PRIVMSG #chan :.slow")

	cancel()
	close(release)
	require.NoError(t, d.Drain(time.Second), "queued triggers do not hold up draining")
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int64(2), d.pool.Stats().Dropped)

	// Without a pool triggers run on their own goroutines. B's rate limit
	// was rolled back with the dropped trigger.
	require.NoError(t, d.Stop(time.Second))
	d.Resume(client)
	feed(":B!b@h PRIVMSG #chan :.slow")
	require.NoError(t, d.Drain(time.Second))
	assert.Equal(t, int32(2), runs.Load())
}

func TestBotHelpers(t *testing.T) {
	h := newHarness(t, nil)
	h.register(rules.Declaration{
		Kind:     rules.KindCommand,
		Commands: []string{"talk"},
		Options:  rules.Options{OutputPrefix: "[t] "},
		Handler: func(ctx context.Context, bot rules.Bot, _ *rules.Trigger) error {
			require.NoError(t, bot.Say(ctx, "said"))
			require.NoError(t, bot.Reply(ctx, "replied"))
			require.NoError(t, bot.Action(ctx, "waves"))
			require.NoError(t, bot.Notice(ctx, "Alice", "psst"))
			return nil
		},
	})

	h.feed(":Alice!a@h PRIVMSG #chan :.talk", ":Alice!a@h PRIVMSG bot :.talk")
	assert.Equal(t, []string{
		"PRIVMSG #chan :[t] said",
		"PRIVMSG #chan :[t] Alice: replied",
		"PRIVMSG #chan :\x01ACTION waves\x01",
		"NOTICE Alice :[t] psst",
		"PRIVMSG Alice :[t] said",
		"PRIVMSG Alice :[t] replied",
		"PRIVMSG Alice :\x01ACTION waves\x01",
		"NOTICE Alice :[t] psst",
	}, h.client.Lines())
}

func TestPeriodicJobs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	runs := make(chan string, 16)
	_, err := h.reg.Load(rules.Plugin{
		Name: "clock",
		Jobs: []rules.Job{{
			Label:     "announce",
			Intervals: []time.Duration{time.Minute},
			Handler: func(ctx context.Context, bot rules.JobBot) error {
				runs <- bot.Nick()
				return bot.SayTo(ctx, "#chan", "tick")
			},
		}},
	})
	require.NoError(t, err)

	// Nothing runs before a connection is attached.
	h.now = h.now.Add(2 * time.Minute)
	h.d.runDueJobs(ctx)
	require.NoError(t, h.d.Drain(time.Second))
	assert.Empty(t, runs)

	h.d.Resume(h.client)
	h.d.runDueJobs(ctx)
	assert.Empty(t, runs, "the first run comes one interval after scheduling")

	h.now = h.now.Add(time.Minute)
	h.d.runDueJobs(ctx)
	require.NoError(t, h.d.Drain(time.Second))
	assert.Equal(t, "bot", <-runs)
	assert.Equal(t, []string{"PRIVMSG #chan :tick"}, h.client.Lines())

	// Draining holds the job back even when it is due.
	h.now = h.now.Add(time.Minute)
	h.d.runDueJobs(ctx)
	require.NoError(t, h.d.Drain(time.Second))
	assert.Empty(t, runs)

	h.d.Resume(h.client)
	h.d.runDueJobs(ctx)
	require.NoError(t, h.d.Drain(time.Second))
	assert.Len(t, runs, 1)
	<-runs

	h.d.Resume(h.client)
	require.True(t, h.reg.UnregisterPlugin("clock"))
	h.now = h.now.Add(10 * time.Minute)
	h.d.runDueJobs(ctx)
	require.NoError(t, h.d.Drain(time.Second))
	assert.Empty(t, runs)
}

func TestPeriodicJobSkipsWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	release := make(chan struct{})
	var started atomic.Int32
	_, err := h.reg.Load(rules.Plugin{
		Name: "slow",
		Jobs: []rules.Job{{
			Label:     "crawl",
			Intervals: []time.Duration{time.Second},
			Handler: func(ctx context.Context, _ rules.JobBot) error {
				started.Add(1)
				<-release
				return errors.New("crawl failed")
			},
		}},
	})
	require.NoError(t, err)
	h.d.Resume(h.client)

	h.d.runDueJobs(ctx)
	h.now = h.now.Add(time.Second)
	h.d.runDueJobs(ctx)
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.now = h.now.Add(time.Second)
	h.d.runDueJobs(ctx)
	close(release)
	require.NoError(t, h.d.Drain(time.Second))
	assert.Equal(t, int32(1), started.Load())
}

func TestPeriodicJobCatchesUp(t *testing.T) {
	sj := &scheduledJob{
		PluginJob: rules.PluginJob{Plugin: "p", Job: rules.Job{Label: "j", Intervals: []time.Duration{time.Minute, time.Hour}}},
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sj.next = []time.Time{base.Add(time.Minute), base.Add(time.Hour)}

	now := base.Add(5 * time.Minute)
	require.True(t, sj.due(now))
	sj.advance(now)
	assert.Equal(t, []time.Time{now, base.Add(time.Hour)}, sj.next)

	sj.advance(now.Add(time.Second))
	assert.Equal(t, []time.Time{now.Add(time.Minute), base.Add(time.Hour)}, sj.next)
	assert.False(t, sj.due(now.Add(30*time.Second)))
}
