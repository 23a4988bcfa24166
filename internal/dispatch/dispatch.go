// Package dispatch runs the rules an inbound message matched, applying
// eligibility checks, rate limits and priority ordering around the state
// tracker update.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/errs"
	"github.com/dalnet/rulebot/internal/metric"
	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/state"
	"github.com/dalnet/rulebot/internal/wire"
	"github.com/dalnet/rulebot/internal/worker"
)

// ErrDrainTimeout is returned by Drain when handlers were still running
// at the deadline.
var ErrDrainTimeout = errors.New("dispatch: drain timed out")

// CorePlugin is exempt from per-channel disables.
const CorePlugin = "coretasks"

// Tracker is the state the dispatcher reads and updates.
type Tracker interface {
	state.Reader
	StatusPrefixes() string
	JoinedAt(channel string) (time.Time, bool)
	Apply(m *wire.Message)
}

type dispatchMetrics struct {
	messages    prometheus.Counter
	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
}

// Dispatcher executes matched rules.
type Dispatcher struct {
	reg      *rules.Registry
	tracker  Tracker
	cfg      *config.Config
	log      *slog.Logger
	now      func() time.Time
	identity *identity
	blocks   *blockList
	limiter  *limiter
	pool     *worker.Pool[*job]
	metrics  *dispatchMetrics
	metricRg *metric.Registry

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	inflight  inflight
	closing   atomic.Bool
	sometimes rate.Sometimes

	sched         scheduler
	jobResolution time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock replaces time.Now for rate limits.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithMetrics(reg *metric.Registry) Option {
	return func(d *Dispatcher) { d.metricRg = reg }
}

// WithJobResolution sets how often due jobs are looked for. Zero leaves
// job checks to the caller.
func WithJobResolution(every time.Duration) Option {
	return func(d *Dispatcher) { d.jobResolution = every }
}

// inflight counts threaded and periodic jobs that have not finished yet.
type inflight struct {
	mu     sync.Mutex
	n      int
	idleCh chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idleCh = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idleCh)
	}
}

// idle is closed once no job is running.
func (f *inflight) idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		c := make(chan struct{})
		close(c)
		return c
	}
	return f.idleCh
}

// job is one rule with every trigger it gets from a message, or one run of
// a periodic job. Triggers of one job run in order.
type job struct {
	ctx   context.Context
	id    string
	rule  *rules.Rule
	items []item

	periodic *scheduledJob
	jobBot   jobBot
}

type item struct {
	trigger *rules.Trigger
	bot     *triggerBot
	res     *reservation
}

func New(reg *rules.Registry, tracker Tracker, cfg *config.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:       reg,
		tracker:   tracker,
		cfg:       cfg,
		log:       slog.Default(),
		now:       time.Now,
		identity:  newIdentity(cfg),
		blocks:    newBlockList(cfg),
		limiter:   newLimiter(),
		sometimes: rate.Sometimes{Interval: 10 * time.Second},
		stopped:   make(chan struct{}),
		sched:     scheduler{jobs: make(map[string]*scheduledJob)},

		jobResolution: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "dispatch")

	mr := d.metricRg
	d.metrics = &dispatchMetrics{
		messages: mr.Counter("dispatch", "messages_total", "Inbound messages dispatched."),
		executions: mr.CounterVec("dispatch", "rule_executions_total", "Rule executions by outcome.",
			"plugin", "rule", "status"),
		duration: mr.HistogramVec("dispatch", "rule_duration_seconds", "Time spent in rule handlers.",
			[]float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30}, "plugin", "rule"),
		rateLimited: mr.CounterVec("dispatch", "rate_limited_total", "Triggers skipped by rate limits.", "scope"),
	}
	d.pool = worker.NewPool(cfg.DispatchWorkers, cfg.DispatchQueue, d.process,
		worker.WithMetrics[*job](d.metricRg, "dispatch_pool"),
		worker.WithDropHook(d.abandon))
	return d
}

// Start launches the worker pool for threaded rules and the job scheduler.
// It may be called more than once; only the first call has an effect.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		if err = d.pool.Start(ctx); err != nil {
			return
		}
		if d.jobResolution > 0 {
			go d.runScheduler(ctx)
		}
	})
	return err
}

// Stop shuts the worker pool and the job scheduler down for good.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.closing.Store(true)
	d.stopOnce.Do(func() { close(d.stopped) })
	return d.pool.Stop(timeout)
}

// Drain stops new triggers and job runs and waits up to timeout for
// running handlers.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	d.closing.Store(true)
	d.sched.mu.Lock()
	d.sched.client = nil
	d.sched.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.inflight.idle():
		return nil
	case <-timer.C:
		d.log.Warn("Handlers still running after drain timeout", "timeout", timeout)
		return ErrDrainTimeout
	}
}

// Resume accepts triggers again after Drain. Periodic jobs talk to c
// until the next Drain.
func (d *Dispatcher) Resume(c Client) {
	d.sched.mu.Lock()
	d.sched.client = c
	d.sched.mu.Unlock()
	d.closing.Store(false)
}

// Dispatch handles one inbound message: HIGH priority rules run against the
// state before the tracker applies m, MEDIUM and LOW rules after it.
func (d *Dispatcher) Dispatch(ctx context.Context, m *wire.Message, c Client) {
	d.metrics.messages.Inc()
	if d.closing.Load() {
		d.tracker.Apply(m)
		return
	}

	id := uuid.NewString()
	pre := rules.NewPreTrigger(m, d.tracker, d.reg.URLPattern())
	if pre.Account == "" && m.Nick != "" {
		if u, ok := d.tracker.User(m.Nick); ok {
			pre.Account = u.Account
		}
	}

	var matches []rules.Match
	if d.isReplay(pre) {
		d.log.Debug("Skipping replayed message", "id", id, "sender", pre.Sender)
	} else {
		matches = d.reg.Matches(pre)
	}

	tiers := make(map[rules.Priority][]rules.Match, len(rules.Tiers))
	for _, match := range matches {
		p := match.Rule.Priority()
		tiers[p] = append(tiers[p], match)
	}

	d.runTier(ctx, id, pre, tiers[rules.PriorityHigh], c)
	d.tracker.Apply(m)
	d.runTier(ctx, id, pre, tiers[rules.PriorityMedium], c)
	d.runTier(ctx, id, pre, tiers[rules.PriorityLow], c)
}

// isReplay reports whether a channel message predates the bot's join, as
// happens with history playback.
func (d *Dispatcher) isReplay(pre *rules.PreTrigger) bool {
	if pre.Event != "PRIVMSG" && pre.Event != "NOTICE" {
		return false
	}
	if pre.IsPrivate || pre.Sender == "" || !pre.Message.HasServerTime() {
		return false
	}
	joined, ok := d.tracker.JoinedAt(pre.Sender)
	return ok && pre.Time.Before(joined)
}

func (d *Dispatcher) runTier(ctx context.Context, id string, pre *rules.PreTrigger, matches []rules.Match, c Client) {
	var jobs []*job
	byRule := map[*rules.Rule]*job{}
	for _, match := range matches {
		t := rules.NewTrigger(pre, match)
		t.Owner = d.identity.isOwner(t)
		t.Admin = t.Owner || d.identity.isAdmin(t)
		bot := newTriggerBot(c, d.tracker, t)

		res, ok := d.eligible(ctx, id, t, bot)
		if !ok {
			continue
		}
		j := byRule[match.Rule]
		if j == nil {
			j = &job{ctx: ctx, id: id, rule: match.Rule}
			byRule[match.Rule] = j
			jobs = append(jobs, j)
		}
		j.items = append(j.items, item{trigger: t, bot: bot, res: res})
	}

	for _, j := range jobs {
		if !j.rule.Threaded() {
			d.execute(j)
			continue
		}
		d.inflight.add()
		if err := d.pool.Submit(j); err != nil {
			d.sometimes.Do(func() {
				d.log.Warn("Worker pool unavailable, running rule on its own goroutine",
					"rule", j.rule.String(), "error", err)
			})
			go d.execute(j)
		}
	}
}

func (d *Dispatcher) process(_ context.Context, j *job) error {
	d.execute(j)
	return nil
}

// abandon settles a job the pool dropped after its context ended.
func (d *Dispatcher) abandon(j *job) {
	d.log.Debug("Dropping queued job", "job", j.id)
	if j.periodic != nil {
		j.periodic.running.Store(false)
		d.inflight.done()
		return
	}
	for _, it := range j.items {
		// the handler never ran, so its rate limit usage is rolled back
		d.limiter.complete(it.res, rules.ErrNoLimit, d.now())
	}
	if j.rule.Threaded() {
		d.inflight.done()
	}
}

// execute runs each trigger of j. Threaded jobs were counted in inflight
// before they were handed off.
func (d *Dispatcher) execute(j *job) {
	if j.periodic != nil {
		defer d.inflight.done()
		d.runJob(j)
		return
	}
	if j.rule.Threaded() {
		defer d.inflight.done()
	}
	for _, it := range j.items {
		d.runOne(j, it)
	}
}

func (d *Dispatcher) runOne(j *job, it item) {
	rule := j.rule
	start := d.now()
	err := d.call(j.ctx, rule, it)
	d.limiter.complete(it.res, err, d.now())

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, rules.ErrNoLimit):
		status = "nolimit"
	default:
		status = "error"
		d.log.Error("Rule failed",
			"id", j.id,
			"rule", rule.String(),
			"nick", it.trigger.Nick,
			"sender", it.trigger.Sender,
			"line", it.trigger.Message.Raw,
			"error", err)
		if d.cfg.ReplyErrors && it.trigger.Sender != "" {
			msg := fmt.Sprintf("Unexpected error in %s. Please let a bot admin know.", rule.Label())
			if sayErr := it.bot.Say(j.ctx, msg); sayErr != nil {
				d.log.Debug("Could not report rule error", "id", j.id, "error", sayErr)
			}
		}
	}
	d.metrics.executions.WithLabelValues(rule.Plugin(), rule.Label(), status).Inc()
	d.metrics.duration.WithLabelValues(rule.Plugin(), rule.Label()).Observe(d.now().Sub(start).Seconds())
}

// call runs the handler, turning a panic into an execution error.
func (d *Dispatcher) call(ctx context.Context, rule *rules.Rule, it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Rule panicked", "rule", rule.String(), "panic", r, "stack", string(debug.Stack()))
			err = errs.WrapExecution(fmt.Errorf("panic: %v", r), "dispatch", "call", rule.String())
		}
	}()
	if err := rule.Handler()(ctx, it.bot, it.trigger); err != nil {
		if errors.Is(err, rules.ErrNoLimit) {
			return err
		}
		return errs.WrapExecution(err, "dispatch", "call", rule.String())
	}
	return nil
}

// eligible applies the checks that decide whether a trigger runs, in order,
// and reserves its rate limit slots.
func (d *Dispatcher) eligible(ctx context.Context, id string, t *rules.Trigger, bot *triggerBot) (*reservation, bool) {
	rule := t.Rule
	opts := rule.Options()
	log := d.log.With("id", id, "rule", rule.String(), "nick", t.Nick)

	if t.Nick != "" && d.tracker.Fold(t.Nick) == d.tracker.Fold(d.tracker.Nick()) && !opts.EchoSelf {
		return nil, false
	}
	if !opts.AllowBots && d.isBot(t) {
		log.Debug("Ignoring bot")
		return nil, false
	}
	if !opts.Unblockable && !t.Admin && d.blocks.blocks(t) {
		log.Debug("Ignoring blocked sender")
		return nil, false
	}
	if d.disabledIn(t) {
		return nil, false
	}
	if !d.meetsRequirements(ctx, t, bot) {
		return nil, false
	}

	if opts.Unblockable || (t.Admin && !opts.RateLimitAdmins) || !rule.HasRateLimit() {
		return nil, true
	}
	channel := ""
	if t.IsChannel() {
		channel = d.tracker.Fold(t.Sender)
	}
	res, b := d.limiter.reserve(rule, d.tracker.Fold(t.Nick), channel, d.now())
	if b != nil {
		d.metrics.rateLimited.WithLabelValues(b.scope.String()).Inc()
		d.sometimes.Do(func() {
			log.Info("Rate limited", "scope", b.scope, "time_left", b.timeLeft)
		})
		d.notifyRateLimit(ctx, t, bot, b)
		return nil, false
	}
	return res, true
}

func (d *Dispatcher) isBot(t *rules.Trigger) bool {
	if _, ok := t.Message.Tag("bot"); ok {
		return true
	}
	u, ok := d.tracker.User(t.Nick)
	return ok && u.IsBot
}

// disabledIn applies channel_settings for the trigger's channel.
func (d *Dispatcher) disabledIn(t *rules.Trigger) bool {
	rule := t.Rule
	if !t.IsChannel() || rule.Plugin() == CorePlugin || len(d.cfg.ChannelSettings) == 0 {
		return false
	}
	folded := d.tracker.Fold(t.Sender)
	for name, cs := range d.cfg.ChannelSettings {
		if d.tracker.Fold(name) != folded {
			continue
		}
		for _, p := range cs.DisablePlugins {
			if p == "*" || p == rule.Plugin() {
				return true
			}
		}
		for _, cmd := range cs.DisableCommands[rule.Plugin()] {
			for _, c := range rule.Commands() {
				if strings.EqualFold(cmd, c) {
					return true
				}
			}
		}
	}
	return false
}

func (d *Dispatcher) meetsRequirements(ctx context.Context, t *rules.Trigger, bot *triggerBot) bool {
	req := t.Rule.Options().Require
	ok := true
	switch {
	case req.ChanMsg && !t.IsChannel():
		ok = false
	case req.PrivMsg && !t.IsPrivate:
		ok = false
	case req.Privilege > state.None && (!t.IsChannel() || !d.tracker.Privilege(t.Sender, t.Nick).AtLeast(req.Privilege)):
		ok = false
	case req.BotPrivilege > state.None && (!t.IsChannel() || !d.tracker.Privilege(t.Sender, d.tracker.Nick()).AtLeast(req.BotPrivilege)):
		ok = false
	case req.Account && t.Account == "":
		ok = false
	case req.Owner && !t.Owner:
		ok = false
	case req.Admin && !t.Admin:
		ok = false
	}
	if !ok && req.Message != "" {
		if err := bot.Reply(ctx, req.Message); err != nil {
			d.log.Debug("Could not send requirement message", "rule", t.Rule.String(), "error", err)
		}
	}
	return ok
}

// notifyRateLimit sends the rule's (or the configured default) rate limit
// notice to the triggering nick.
func (d *Dispatcher) notifyRateLimit(ctx context.Context, t *rules.Trigger, bot *triggerBot, b *blocked) {
	opts := t.Rule.Options()
	var template string
	switch b.scope {
	case scopeUser:
		template = firstNonEmpty(opts.UserRateMessage, d.cfg.DefaultTimeRateMessage)
	case scopeChannel:
		template = firstNonEmpty(opts.ChannelRateMessage, d.cfg.DefaultChannelRateMessage)
	default:
		template = firstNonEmpty(opts.GlobalRateMessage, d.cfg.DefaultGlobalRateMessage)
	}
	if template == "" || t.Nick == "" {
		return
	}
	channel := ""
	if t.IsChannel() {
		channel = t.Sender
	}
	text := strings.NewReplacer(
		"{nick}", t.Nick,
		"{channel}", channel,
		"{sender}", t.Sender,
		"{plugin}", t.Rule.Plugin(),
		"{label}", t.Rule.Label(),
		"{time_left}", b.timeLeft.Round(time.Second).String(),
		"{time_left_sec}", strconv.Itoa(int(b.timeLeft.Round(time.Second).Seconds())),
		"{rate_limit}", b.limit.String(),
		"{rate_limit_sec}", strconv.Itoa(int(b.limit.Seconds())),
		"{rate_limit_type}", b.scope.String(),
	).Replace(template)
	if err := bot.client.Notice(ctx, t.Nick, text); err != nil {
		d.log.Debug("Could not send rate limit notice", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
