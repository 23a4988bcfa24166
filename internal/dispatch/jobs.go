package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalnet/rulebot/internal/errs"
	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/state"
)

// scheduledJob is one registered job with its next due times, one per
// interval.
type scheduledJob struct {
	rules.PluginJob
	next    []time.Time
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *scheduledJob) due(now time.Time) bool {
	if s.running.Load() {
		return false
	}
	for _, t := range s.next {
		if !t.After(now) {
			return true
		}
	}
	return false
}

// advance moves every elapsed interval forward, catching up to now
// without running the missed slots.
func (s *scheduledJob) advance(now time.Time) {
	for i, t := range s.next {
		if t.After(now) {
			continue
		}
		next := t.Add(s.Job.Intervals[i])
		if next.Before(now) {
			next = now
		}
		s.next[i] = next
	}
}

// scheduler keeps the registry's jobs and the connection they talk to.
type scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*scheduledJob
	client Client
}

// jobBot lets a job talk to the current connection.
type jobBot struct {
	client  Client
	tracker state.Reader
}

var _ rules.JobBot = jobBot{}

func (b jobBot) Nick() string                { return b.client.Nick() }
func (b jobBot) State() state.Reader         { return b.tracker }
func (b jobBot) CapEnabled(name string) bool { return b.client.CapEnabled(name) }

func (b jobBot) SayTo(ctx context.Context, target, text string) error {
	return b.client.Say(ctx, target, text)
}

func (b jobBot) Notice(ctx context.Context, target, text string) error {
	return b.client.Notice(ctx, target, text)
}

func (b jobBot) Send(ctx context.Context, command string, args ...string) error {
	return b.client.Send(ctx, command, args...)
}

// runScheduler checks for due jobs every resolution until ctx ends or the
// dispatcher stops.
func (d *Dispatcher) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(d.jobResolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case <-ticker.C:
			d.runDueJobs(ctx)
		}
	}
}

// syncJobs picks up jobs of newly registered plugins and drops those of
// unregistered ones, cancelling any run in progress.
func (d *Dispatcher) syncJobs(ctx context.Context, now time.Time) {
	current := map[string]rules.PluginJob{}
	for _, pj := range d.reg.Jobs() {
		current[pj.Key()] = pj
	}

	d.sched.mu.Lock()
	defer d.sched.mu.Unlock()
	for key, sj := range d.sched.jobs {
		if _, ok := current[key]; !ok {
			sj.cancel()
			delete(d.sched.jobs, key)
			d.log.Debug("Job removed", "job", key)
		}
	}
	for key, pj := range current {
		if _, ok := d.sched.jobs[key]; ok {
			continue
		}
		sj := &scheduledJob{PluginJob: pj, next: make([]time.Time, len(pj.Job.Intervals))}
		for i, iv := range pj.Job.Intervals {
			sj.next[i] = now.Add(iv)
		}
		sj.ctx, sj.cancel = context.WithCancel(ctx)
		d.sched.jobs[key] = sj
		d.log.Debug("Job scheduled", "job", key, "intervals", pj.Job.Intervals)
	}
}

// runDueJobs hands every due job to the worker pool. Nothing runs while
// the dispatcher is draining or no connection is attached.
func (d *Dispatcher) runDueJobs(ctx context.Context) {
	now := d.now()
	d.syncJobs(ctx, now)
	if d.closing.Load() {
		return
	}

	d.sched.mu.Lock()
	client := d.sched.client
	var due []*scheduledJob
	if client != nil {
		for _, sj := range d.sched.jobs {
			if sj.due(now) {
				sj.advance(now)
				sj.running.Store(true)
				due = append(due, sj)
			}
		}
	}
	d.sched.mu.Unlock()

	bot := jobBot{client: client, tracker: d.tracker}
	for _, sj := range due {
		j := &job{ctx: sj.ctx, id: "job:" + sj.Key(), periodic: sj, jobBot: bot}
		d.inflight.add()
		if err := d.pool.Submit(j); err != nil {
			d.sometimes.Do(func() {
				d.log.Warn("Worker pool unavailable, running job on its own goroutine", "job", sj.Key(), "error", err)
			})
			go d.execute(j)
		}
	}
}

func (d *Dispatcher) runJob(j *job) {
	sj := j.periodic
	defer sj.running.Store(false)

	start := d.now()
	status := "ok"
	if err := d.callJob(j); err != nil {
		status = "error"
		d.log.Error("Job failed", "job", sj.Key(), "error", err)
	}
	d.metrics.executions.WithLabelValues(sj.Plugin, sj.Job.Label, status).Inc()
	d.metrics.duration.WithLabelValues(sj.Plugin, sj.Job.Label).Observe(d.now().Sub(start).Seconds())
}

func (d *Dispatcher) callJob(j *job) (err error) {
	key := j.periodic.Key()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Job panicked", "job", key, "panic", r, "stack", string(debug.Stack()))
			err = errs.WrapExecution(fmt.Errorf("panic: %v", r), "dispatch", "callJob", key)
		}
	}()
	if err := j.periodic.Job.Handler(j.ctx, j.jobBot); err != nil {
		return errs.WrapExecution(err, "dispatch", "callJob", key)
	}
	return nil
}
