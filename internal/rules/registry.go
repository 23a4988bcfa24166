package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/dalnet/rulebot/internal/errs"
	"github.com/dalnet/rulebot/internal/wire"
)

// Plugin is a named set of rule declarations and periodic jobs with
// optional lifecycle hooks. A Setup error keeps the plugin out of the
// registry.
type Plugin struct {
	Name     string
	Setup    func() error
	Shutdown func()
	Rules    []Declaration
	Jobs     []Job
}

// Match is one rule match against a PreTrigger.
type Match struct {
	Rule    *Rule
	text    string
	indices []int
	names   []string
}

type ruleKey struct {
	plugin string
	label  string
}

// Registry maps plugin names to their compiled rules.
type Registry struct {
	mu         sync.RWMutex
	log        *slog.Logger
	settings   Settings
	urlPattern *regexp.Regexp
	order      []string
	plugins    map[string][]*Rule
	shutdown   map[string]func()
	jobs       map[string][]Job
	disabled   map[ruleKey]bool
}

func NewRegistry(s Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:        logger.With("component", "rules"),
		settings:   s,
		urlPattern: wire.URLPattern(s.URLSchemes),
		plugins:    make(map[string][]*Rule),
		shutdown:   make(map[string]func()),
		jobs:       make(map[string][]Job),
		disabled:   make(map[ruleKey]bool),
	}
}

func (r *Registry) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// URLPattern finds URLs with the configured schemes.
func (r *Registry) URLPattern() *regexp.Regexp {
	return r.urlPattern
}

// Load runs p.Setup and registers its rules and jobs. Failures are returned
// as configuration errors and leave the registry unchanged.
func (r *Registry) Load(p Plugin) ([]*Rule, error) {
	if err := validateJobs(p.Name, p.Jobs); err != nil {
		return nil, errs.WrapConfig(err, "rules", "Load", "jobs of "+p.Name)
	}
	if p.Setup != nil {
		if err := p.Setup(); err != nil {
			return nil, errs.WrapConfig(err, "rules", "Load", "setup of "+p.Name)
		}
	}
	rules, err := r.RegisterPlugin(p.Name, p.Rules...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if p.Shutdown != nil {
		r.shutdown[p.Name] = p.Shutdown
	}
	if len(p.Jobs) > 0 {
		r.jobs[p.Name] = append([]Job(nil), p.Jobs...)
	}
	r.mu.Unlock()
	return rules, nil
}

// RegisterPlugin compiles every declaration and inserts them under name.
// Either all rules are registered or none.
func (r *Registry) RegisterPlugin(name string, decls ...Declaration) ([]*Rule, error) {
	if name == "" {
		return nil, errs.WrapConfig(fmt.Errorf("empty plugin name"), "rules", "RegisterPlugin", "register")
	}
	s := r.Settings()

	built := make([]*Rule, 0, len(decls))
	labels := map[string]bool{}
	for _, d := range decls {
		rule, err := Build(name, d, s)
		if err != nil {
			return nil, errs.WrapConfig(err, "rules", "RegisterPlugin", "build rule")
		}
		key := rule.kind.namespace() + "/" + strings.ToLower(rule.label)
		if labels[key] {
			return nil, errs.WrapConfig(fmt.Errorf("%s: duplicate %s label %q", name, rule.kind.namespace(), rule.label),
				"rules", "RegisterPlugin", "register")
		}
		labels[key] = true
		built = append(built, rule)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		return nil, errs.WrapConfig(fmt.Errorf("plugin %q already registered", name), "rules", "RegisterPlugin", "register")
	}
	r.plugins[name] = built
	r.order = append(r.order, name)
	r.log.Info("Registered plugin", "plugin", name, "rules", len(built))
	return append([]*Rule(nil), built...), nil
}

// UnregisterPlugin removes every rule of name and runs its shutdown hook.
func (r *Registry) UnregisterPlugin(name string) bool {
	r.mu.Lock()
	if _, ok := r.plugins[name]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.plugins, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for k := range r.disabled {
		if k.plugin == name {
			delete(r.disabled, k)
		}
	}
	hook := r.shutdown[name]
	delete(r.shutdown, name)
	delete(r.jobs, name)
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	r.log.Info("Unregistered plugin", "plugin", name)
	return true
}

// Shutdown unregisters every plugin in reverse load order.
func (r *Registry) Shutdown() {
	for _, name := range r.Plugins() {
		defer r.UnregisterPlugin(name)
	}
}

// Plugins returns plugin names in load order.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Jobs returns every registered job in plugin load order.
func (r *Registry) Jobs() []PluginJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PluginJob
	for _, name := range r.order {
		for _, j := range r.jobs[name] {
			out = append(out, PluginJob{Plugin: name, Job: j})
		}
	}
	return out
}

// Rules returns the rules of one plugin.
func (r *Registry) Rules(plugin string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Rule(nil), r.plugins[plugin]...)
}

// Disable stops a rule from matching until Enable is called.
func (r *Registry) Disable(plugin, label string) error {
	return r.setDisabled(plugin, label, true)
}

func (r *Registry) Enable(plugin, label string) error {
	return r.setDisabled(plugin, label, false)
}

func (r *Registry) setDisabled(plugin, label string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, rule := range r.plugins[plugin] {
		if strings.EqualFold(rule.label, label) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no rule %q in plugin %q", label, plugin)
	}
	key := ruleKey{plugin, strings.ToLower(label)}
	if disabled {
		r.disabled[key] = true
	} else {
		delete(r.disabled, key)
	}
	return nil
}

// Commands returns every named rule, ordered by plugin and name.
func (r *Registry) Commands() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Rule
	for _, name := range r.order {
		for _, rule := range r.plugins[name] {
			if rule.kind.named() {
				out = append(out, rule)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].plugin != out[j].plugin {
			return out[i].plugin < out[j].plugin
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// FindCommand looks a command up by name or alias.
func (r *Registry) FindCommand(name string) (*Rule, bool) {
	for _, rule := range r.Commands() {
		for _, c := range rule.commands {
			if strings.EqualFold(c, name) {
				return rule, true
			}
		}
	}
	return nil, false
}

// Matches returns every enabled rule matching pre, highest priority first.
// Order within a priority is not part of the contract.
func (r *Registry) Matches(pre *PreTrigger) []Match {
	r.mu.RLock()
	var candidates []*Rule
	for _, name := range r.order {
		for _, rule := range r.plugins[name] {
			if !r.disabled[ruleKey{rule.plugin, strings.ToLower(rule.label)}] {
				candidates = append(candidates, rule)
			}
		}
	}
	r.mu.RUnlock()

	var out []Match
	for _, rule := range candidates {
		if !rule.accepts(pre) {
			continue
		}
		for _, res := range rule.matcher.match(pre) {
			out = append(out, Match{
				Rule:    rule,
				text:    res.text,
				indices: res.indices,
				names:   res.re.SubexpNames(),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rule.opts.Priority.rank() < out[j].Rule.opts.Priority.rank()
	})
	return out
}
