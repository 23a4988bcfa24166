package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dalnet/rulebot/internal/state"
)

// JobBot is what a periodic job may do. There is no trigger, so every
// message needs an explicit target.
type JobBot interface {
	Nick() string
	State() state.Reader
	SayTo(ctx context.Context, target, text string) error
	Notice(ctx context.Context, target, text string) error
	Send(ctx context.Context, command string, args ...string) error
	CapEnabled(name string) bool
}

// JobHandler runs each time a job is due.
type JobHandler func(ctx context.Context, bot JobBot) error

// Job is a plugin callable run periodically. The first run comes one
// interval after the job is scheduled; with several intervals it runs
// whenever any of them is due.
type Job struct {
	Label     string
	Intervals []time.Duration
	Handler   JobHandler
	Doc       string
}

// PluginJob is a registered job with its owning plugin.
type PluginJob struct {
	Plugin string
	Job    Job
}

// Key identifies the job within the registry.
func (j PluginJob) Key() string {
	return j.Plugin + "/" + strings.ToLower(j.Job.Label)
}

func validateJobs(plugin string, jobs []Job) error {
	seen := map[string]bool{}
	for _, j := range jobs {
		if j.Label == "" {
			return fmt.Errorf("%s: job without a label", plugin)
		}
		if j.Handler == nil {
			return fmt.Errorf("%s: job %q has no handler", plugin, j.Label)
		}
		if len(j.Intervals) == 0 {
			return fmt.Errorf("%s: job %q has no interval", plugin, j.Label)
		}
		for _, iv := range j.Intervals {
			if iv <= 0 {
				return fmt.Errorf("%s: job %q has a non-positive interval %s", plugin, j.Label, iv)
			}
		}
		key := strings.ToLower(j.Label)
		if seen[key] {
			return fmt.Errorf("%s: duplicate job label %q", plugin, j.Label)
		}
		seen[key] = true
	}
	return nil
}
