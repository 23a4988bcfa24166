package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dalnet/rulebot/internal/flood"
	"github.com/dalnet/rulebot/internal/rules"
)

// Environment variables that override secrets from the config file.
const (
	EnvServerPass   = "RULEBOT_SERVER_PASS"
	EnvNickPass     = "RULEBOT_NICK_PASS"
	EnvOperPass     = "RULEBOT_OPER_PASS"
	EnvSASLPassword = "RULEBOT_SASL_PASSWORD"
)

// ChannelSettings turns plugins or single commands off in one channel.
type ChannelSettings struct {
	// DisablePlugins lists plugin names; "*" disables every plugin.
	DisablePlugins []string `yaml:"disable_plugins"`
	// DisableCommands maps a plugin name to command names.
	DisableCommands map[string][]string `yaml:"disable_commands"`
}

// Config holds all bot configuration
type Config struct {
	Nick       string `yaml:"nick"`
	Alternate  string `yaml:"alternate"`
	Username   string `yaml:"username"`
	IRCName    string `yaml:"irc_name"`
	Server     string `yaml:"server"`
	Port       int    `yaml:"port"`
	ServerPass string `yaml:"server_pass"`
	UseTLS     bool   `yaml:"use_tls"`
	VerifyTLS  bool   `yaml:"verify_tls"`
	CACerts    string `yaml:"ca_certs"`
	Proxy      string `yaml:"proxy"`
	BindHost   string `yaml:"bind_host"`

	Channels []string `yaml:"channels"`
	Modes    string   `yaml:"modes"`
	NickPass string   `yaml:"nick_pass"`
	OperNick string   `yaml:"oper_nick"`
	OperPass string   `yaml:"oper_pass"`

	Prefix         string   `yaml:"prefix"`
	HelpPrefix     string   `yaml:"help_prefix"`
	AliasNicknames []string `yaml:"alias_nicknames"`

	Owner         string   `yaml:"owner"`
	OwnerAccount  string   `yaml:"owner_account"`
	Admins        []string `yaml:"admins"`
	AdminAccounts []string `yaml:"admin_accounts"`
	NickBlocks    []string `yaml:"nick_blocks"`
	HostBlocks    []string `yaml:"host_blocks"`

	Timeout             time.Duration `yaml:"timeout"`
	TimeoutPingInterval time.Duration `yaml:"timeout_ping_interval"`

	FloodBurstLines   int           `yaml:"flood_burst_lines"`
	FloodRefillRate   time.Duration `yaml:"flood_refill_rate"`
	FloodEmptyWait    time.Duration `yaml:"flood_empty_wait"`
	FloodMaxWait      time.Duration `yaml:"flood_max_wait"`
	FloodTextLength   int           `yaml:"flood_text_length"`
	FloodPenaltyRatio float64       `yaml:"flood_penalty_ratio"`

	AntiloopThreshold   int           `yaml:"antiloop_threshold"`
	AntiloopWindow      time.Duration `yaml:"antiloop_window"`
	AntiloopRepeatText  string        `yaml:"antiloop_repeat_text"`
	AntiloopSilentAfter int           `yaml:"antiloop_silent_after"`

	AutoURLSchemes []string      `yaml:"auto_url_schemes"`
	ReplyErrors    bool          `yaml:"reply_errors"`
	ThrottleJoin   int           `yaml:"throttle_join"`
	ThrottleWait   time.Duration `yaml:"throttle_wait"`

	Capabilities  []string `yaml:"capabilities"`
	SASLMechanism string   `yaml:"sasl_mechanism"`
	SASLUsername  string   `yaml:"sasl_username"`
	SASLPassword  string   `yaml:"sasl_password"`

	DefaultTimeRateMessage    string `yaml:"default_time_rate_message"`
	DefaultChannelRateMessage string `yaml:"default_channel_rate_message"`
	DefaultGlobalRateMessage  string `yaml:"default_global_rate_message"`

	ChannelSettings map[string]ChannelSettings `yaml:"channel_settings"`

	DispatchWorkers int           `yaml:"dispatch_workers"`
	DispatchQueue   int           `yaml:"dispatch_queue"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`

	DataDir     string   `yaml:"data_dir"`
	MetricsAddr string   `yaml:"metrics_addr"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`
	LogRaw      bool     `yaml:"log_raw"`
	Enable      []string `yaml:"enable"`
	Exclude     []string `yaml:"exclude"`
}

// Default returns a configuration with every optional setting filled in.
func Default() *Config {
	fp := flood.DefaultParams()
	lp := flood.DefaultLoopParams()
	return &Config{
		Port:                6667,
		VerifyTLS:           true,
		Modes:               "B",
		Prefix:              `\.`,
		HelpPrefix:          ".",
		Timeout:             120 * time.Second,
		FloodBurstLines:     fp.BurstLines,
		FloodRefillRate:     fp.RefillRate,
		FloodEmptyWait:      fp.EmptyWait,
		FloodMaxWait:        fp.MaxWait,
		FloodTextLength:     fp.TextLength,
		FloodPenaltyRatio:   fp.PenaltyRatio,
		AntiloopThreshold:   lp.Threshold,
		AntiloopWindow:      lp.Window,
		AntiloopRepeatText:  lp.RepeatText,
		AntiloopSilentAfter: lp.SilentAfter,
		AutoURLSchemes:      []string{"http", "https", "ftp"},
		ReplyErrors:         true,
		ThrottleWait:        time.Second,
		DispatchWorkers:     8,
		DispatchQueue:       256,
		ShutdownGrace:       5 * time.Second,
		DataDir:             "./data",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads and parses a YAML configuration file. A .env file next to it
// is loaded first; secrets set in the environment override the file.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()

	if cfg.Username == "" {
		cfg.Username = cfg.Nick
	}
	if cfg.IRCName == "" {
		cfg.IRCName = cfg.Nick
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	for env, field := range map[string]*string{
		EnvServerPass:   &c.ServerPass,
		EnvNickPass:     &c.NickPass,
		EnvOperPass:     &c.OperPass,
		EnvSASLPassword: &c.SASLPassword,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.Nick == "" {
		fail("nick is required")
	}
	if c.Server == "" {
		fail("server is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		fail("port %d out of range", c.Port)
	}
	if _, err := regexp.Compile(c.Prefix); err != nil {
		fail("prefix: %v", err)
	}
	for _, list := range [][]string{c.NickBlocks, c.HostBlocks} {
		for _, p := range list {
			if _, err := regexp.Compile(p); err != nil {
				fail("block %q: %v", p, err)
			}
		}
	}
	if c.Timeout <= 0 {
		fail("timeout must be positive")
	}
	if c.TimeoutPingInterval < 0 || (c.TimeoutPingInterval > 0 && c.TimeoutPingInterval >= c.Timeout) {
		fail("timeout_ping_interval must be shorter than timeout")
	}
	if c.FloodBurstLines < 1 {
		fail("flood_burst_lines must be at least 1")
	}
	if c.FloodRefillRate <= 0 {
		fail("flood_refill_rate must be positive")
	}
	if c.FloodEmptyWait < 0 || c.FloodMaxWait < 0 {
		fail("flood waits must not be negative")
	}
	if c.FloodPenaltyRatio < 0 {
		fail("flood_penalty_ratio must not be negative")
	}
	if c.FloodTextLength < 1 {
		fail("flood_text_length must be at least 1")
	}
	if c.SASLMechanism != "" && !strings.EqualFold(c.SASLMechanism, "PLAIN") {
		fail("sasl_mechanism %q is not supported", c.SASLMechanism)
	}
	if (c.SASLUsername == "") != (c.SASLPassword == "") {
		fail("sasl_username and sasl_password must be set together")
	}
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil || (u.Scheme != "socks5" && u.Scheme != "socks5h") {
			fail("proxy must be a socks5:// URL")
		}
	}
	if c.DispatchWorkers < 1 || c.DispatchQueue < 1 {
		fail("dispatch_workers and dispatch_queue must be at least 1")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		fail("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		fail("log_format %q is not one of text, json", c.LogFormat)
	}
	return errors.Join(problems...)
}

// Address is the host:port to dial.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// PingInterval is how long the connection may stay silent before the bot
// sends its own PING.
func (c *Config) PingInterval() time.Duration {
	if c.TimeoutPingInterval > 0 {
		return c.TimeoutPingInterval
	}
	return time.Duration(float64(c.Timeout) * 0.45)
}

func (c *Config) FloodParams() flood.Params {
	return flood.Params{
		BurstLines:   c.FloodBurstLines,
		RefillRate:   c.FloodRefillRate,
		EmptyWait:    c.FloodEmptyWait,
		MaxWait:      c.FloodMaxWait,
		TextLength:   c.FloodTextLength,
		PenaltyRatio: c.FloodPenaltyRatio,
	}
}

func (c *Config) LoopParams() flood.LoopParams {
	return flood.LoopParams{
		Threshold:   c.AntiloopThreshold,
		Window:      c.AntiloopWindow,
		RepeatText:  c.AntiloopRepeatText,
		SilentAfter: c.AntiloopSilentAfter,
	}
}

// RuleSettings are the values rule patterns are compiled against.
func (c *Config) RuleSettings() rules.Settings {
	return rules.Settings{
		Nick:       c.Nick,
		AliasNicks: c.AliasNicknames,
		Prefix:     c.Prefix,
		HelpPrefix: c.HelpPrefix,
		URLSchemes: c.AutoURLSchemes,
	}
}

// PluginEnabled applies the enable and exclude lists.
func (c *Config) PluginEnabled(name string) bool {
	for _, n := range c.Exclude {
		if n == name {
			return false
		}
	}
	if len(c.Enable) == 0 {
		return true
	}
	for _, n := range c.Enable {
		if n == name {
			return true
		}
	}
	return false
}
