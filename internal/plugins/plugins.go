// Package plugins holds the plugins that ship with the bot.
package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/dispatch"
	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/storage"
)

var errNoMemory = errors.New("plugin needs the memory store")

// Deps are the services built-in plugins use.
type Deps struct {
	Registry *rules.Registry
	Memory   *storage.Memory
	Audit    *storage.AuditLog
	Logger   *slog.Logger
	Now      func() time.Time
}

// Builtin returns every built-in plugin.
func Builtin(d Deps) []rules.Plugin {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return []rules.Plugin{
		coreTasks(d),
		help(d),
		info(d),
		seen(d),
		lastURL(d),
		admin(d),
	}
}

// Load registers the built-in plugins the configuration enables; coretasks
// is always loaded. A plugin that fails to load does not stop the others.
func Load(reg *rules.Registry, cfg *config.Config, d Deps, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var failed []error
	for _, p := range Builtin(d) {
		if p.Name != dispatch.CorePlugin && !cfg.PluginEnabled(p.Name) {
			logger.Info("Plugin disabled by config", "plugin", p.Name)
			continue
		}
		loaded, err := reg.Load(p)
		if err != nil {
			failed = append(failed, fmt.Errorf("failed to load plugin %s: %w", p.Name, err))
			continue
		}
		logger.Debug("Plugin loaded", "plugin", p.Name, "rules", len(loaded))
	}
	return errors.Join(failed...)
}

func needMemory(d Deps) func() error {
	return func() error {
		if d.Memory == nil {
			return errNoMemory
		}
		return nil
	}
}
