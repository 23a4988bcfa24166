// Package irc owns the connection to the server: dialing, registration,
// capability negotiation, keepalive and the shutdown sequence.
package irc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/dispatch"
	"github.com/dalnet/rulebot/internal/errs"
	"github.com/dalnet/rulebot/internal/flood"
	"github.com/dalnet/rulebot/internal/metric"
	"github.com/dalnet/rulebot/internal/state"
	"github.com/dalnet/rulebot/internal/wire"
)

// Version information (set at build time or here)
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// ErrNotConnected is returned by outbound helpers while there is no
// connection.
var ErrNotConnected = errors.New("not connected")

// errTimeout ends a connection that stayed silent for the configured timeout.
var errTimeout = errors.New("no data from server within timeout")

const maxLineBuffer = 8192 + 512

// ConnState is the registration state of the connection. Registered is
// entered when CAP END is sent or, without capability negotiation, on 001.
// Welcome tasks wait for 001 either way.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Registering
	CapNegotiating
	Registered
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registering:
		return "registering"
	case CapNegotiating:
		return "cap_negotiating"
	case Registered:
		return "registered"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// Dispatcher receives every inbound message after the client's own handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, m *wire.Message, c dispatch.Client)
	Drain(timeout time.Duration) error
	Resume(c dispatch.Client)
}

type handler func(ctx context.Context, m *wire.Message)

type clientMetrics struct {
	linesIn     prometheus.Counter
	parseErrors prometheus.Counter
	state       prometheus.Gauge
}

// Client represents the IRC bot client
type Client struct {
	cfg      *config.Config
	log      *slog.Logger
	tracker  *state.Tracker
	dispatch Dispatcher
	dial     func(ctx context.Context) (net.Conn, error)
	metrics  *clientMetrics
	metricRg *metric.Registry
	loop     *flood.LoopGuard
	handlers map[string][]handler

	// OnRegistered runs once the server accepted the registration.
	OnRegistered func()

	mu       sync.RWMutex
	state    ConnState
	nick     string
	writer   *flood.Writer
	caps     *capState
	requests []CapRequest
	saslDone bool
	welcomed bool

	// recoverVerb is the NickServ command that frees our nick, set when
	// registration had to fall back to another one.
	recoverVerb string

	quit          chan string
	quitRequested atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDialer replaces the network dialer, mostly for tests.
func WithDialer(dial func(ctx context.Context) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

func WithMetrics(reg *metric.Registry) Option {
	return func(c *Client) { c.metricRg = reg }
}

// NewClient creates a new IRC client
func NewClient(cfg *config.Config, tracker *state.Tracker, d Dispatcher, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		log:      slog.Default(),
		tracker:  tracker,
		dispatch: d,
		loop:     flood.NewLoopGuard(cfg.LoopParams()),
		handlers: make(map[string][]handler),
		nick:     cfg.Nick,
		quit:     make(chan string, 1),
	}
	c.dial = c.dialServer
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "irc")
	c.metrics = &clientMetrics{
		linesIn:     c.metricRg.Counter("irc", "lines_received_total", "Lines read from the server."),
		parseErrors: c.metricRg.Counter("irc", "parse_errors_total", "Inbound lines that could not be parsed."),
		state:       c.metricRg.Gauge("irc", "connection_state", "Current connection state."),
	}
	c.registerHandlers()
	return c
}

func (c *Client) on(command string, h handler) {
	c.handlers[command] = append(c.handlers[command], h)
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.metrics.state.Set(float64(s))
	if prev != s {
		c.log.Info("Connection state changed", "from", prev, "to", s)
	}
}

// Nick returns the nick the bot currently uses.
func (c *Client) Nick() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nick
}

func (c *Client) setNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
	c.tracker.SetNick(nick)
}

// Tracker exposes the channel and user state.
func (c *Client) Tracker() *state.Tracker {
	return c.tracker
}

// Quit asks Run to leave the server with reason. It does not wait.
func (c *Client) Quit(reason string) {
	c.quitRequested.Store(true)
	select {
	case c.quit <- reason:
	default:
	}
}

// QuitRequested reports whether Quit was called, as opposed to the
// connection failing.
func (c *Client) QuitRequested() bool {
	return c.quitRequested.Load()
}

// Run connects, registers and processes lines until the connection ends.
// It returns nil after a requested quit and a transport error otherwise.
func (c *Client) Run(ctx context.Context) error {
	c.setState(Connecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		return errs.WrapTransport(err, "Client", "Run", "dial "+c.cfg.Address())
	}
	c.log.Info("Connected to IRC server", "server", c.cfg.Address())

	// The connection outlives ctx long enough to send QUIT.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	writer := flood.NewWriter(conn, c.cfg.FloodParams(),
		flood.WithLogger(c.log), flood.WithMetrics(c.metricRg))
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run(runCtx) }()

	c.mu.Lock()
	c.writer = writer
	c.caps = newCapState()
	c.saslDone = false
	c.welcomed = false
	c.recoverVerb = ""
	c.mu.Unlock()
	c.tracker.Reset()
	c.setNick(c.cfg.Nick)
	c.dispatch.Resume(c)

	lines := make(chan struct{}, 1)
	readDone := make(chan error, 1)
	go func() { readDone <- c.readLoop(runCtx, conn, lines) }()

	c.setState(Registering)
	if err := c.register(runCtx); err != nil {
		return c.fail(cancel, conn, readDone, err)
	}

	pingEvery, timeout := c.cfg.PingInterval(), c.cfg.Timeout
	pingTimer := time.NewTimer(pingEvery)
	timeoutTimer := time.NewTimer(timeout)
	defer pingTimer.Stop()
	defer timeoutTimer.Stop()

	for {
		select {
		case <-lines:
			resetTimer(pingTimer, pingEvery)
			resetTimer(timeoutTimer, timeout)
		case <-pingTimer.C:
			go func() {
				if err := c.Send(runCtx, "PING", fmt.Sprintf("%d", time.Now().Unix())); err != nil {
					c.log.Debug("Could not send keepalive", "error", err)
				}
			}()
		case <-timeoutTimer.C:
			return c.fail(cancel, conn, readDone, errs.WrapTransport(errTimeout, "Client", "Run", "keepalive"))
		case err := <-readDone:
			readDone <- err
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return c.fail(cancel, conn, readDone, errs.WrapTransport(err, "Client", "Run", "read"))
		case err := <-writerDone:
			if err == nil {
				err = flood.ErrWriterClosed
			}
			return c.fail(cancel, conn, readDone, err)
		case reason := <-c.quit:
			return c.leave(cancel, conn, readDone, reason)
		case <-ctx.Done():
			c.quitRequested.Store(true)
			return c.leave(cancel, conn, readDone, "Shutting down")
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// leave drains running handlers, sends QUIT and closes the socket.
func (c *Client) leave(cancel context.CancelFunc, conn net.Conn, readDone <-chan error, reason string) error {
	c.setState(Closing)
	grace := c.cfg.ShutdownGrace
	if err := c.dispatch.Drain(grace); err != nil {
		c.log.Warn("Closing with handlers still running", "error", err)
	}

	ctx, stop := context.WithTimeout(context.Background(), grace)
	defer stop()
	if err := c.Send(ctx, "QUIT", reason); err != nil {
		c.log.Warn("Could not send QUIT", "error", err)
	}
	c.mu.RLock()
	w := c.writer
	c.mu.RUnlock()
	if err := w.Close(ctx); err != nil {
		c.log.Warn("Abandoned queued lines", "error", err)
	}

	c.teardown(cancel, conn, readDone)
	c.log.Info("Disconnected", "reason", reason)
	return nil
}

// fail handles a fatal connection error.
func (c *Client) fail(cancel context.CancelFunc, conn net.Conn, readDone <-chan error, err error) error {
	c.setState(Closing)
	c.log.Error("Connection lost", "error", err)
	cancel()
	conn.Close()
	if drainErr := c.dispatch.Drain(c.cfg.ShutdownGrace); drainErr != nil {
		c.log.Warn("Closing with handlers still running", "error", drainErr)
	}
	c.teardown(cancel, conn, readDone)
	return err
}

func (c *Client) teardown(cancel context.CancelFunc, conn net.Conn, readDone <-chan error) {
	cancel()
	conn.Close()
	select {
	case <-readDone:
	case <-time.After(c.cfg.ShutdownGrace):
		c.log.Warn("Read loop did not stop in time")
	}
	c.mu.Lock()
	c.writer = nil
	c.mu.Unlock()
	c.setState(Disconnected)
}

// readLoop parses lines and runs them through the handlers and the
// dispatcher, strictly in arrival order.
func (c *Client) readLoop(ctx context.Context, conn net.Conn, lines chan<- struct{}) error {
	var reader ircreader.Reader
	reader.Initialize(conn, 512, maxLineBuffer)
	// set while the rest of an oversized line is still to come
	skipping := false
	for {
		raw, err := reader.ReadLine()
		if errors.Is(err, ircreader.ErrReadQ) {
			if !skipping {
				c.metrics.parseErrors.Inc()
				c.log.Warn("Dropping oversized line", "limit", maxLineBuffer)
			}
			// the reader keeps its full buffer; start over past it
			reader.Initialize(conn, 512, maxLineBuffer)
			skipping = true
			continue
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if skipping {
			skipping = false
			continue
		}
		select {
		case lines <- struct{}{}:
		default:
		}
		c.metrics.linesIn.Inc()
		if c.cfg.LogRaw {
			c.log.Debug("<<", "line", string(raw))
		}

		m, err := wire.Parse(raw, time.Now())
		if err != nil {
			if !errors.Is(err, wire.ErrEmptyLine) {
				c.metrics.parseErrors.Inc()
				c.log.Warn("Dropping malformed line", "error", err)
			}
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *Client) handle(ctx context.Context, m *wire.Message) {
	for _, h := range c.handlers[m.Command] {
		h(ctx, m)
	}
	c.dispatch.Dispatch(ctx, m, c)
	for _, channel := range c.tracker.TakeResyncs() {
		c.who(ctx, channel)
	}
}

// register opens the handshake. CAP LS goes first so the server holds
// registration until CAP END.
func (c *Client) register(ctx context.Context) error {
	if err := c.Send(ctx, "CAP", "LS", "302"); err != nil {
		return err
	}
	if c.cfg.ServerPass != "" {
		if err := c.Send(ctx, "PASS", c.cfg.ServerPass); err != nil {
			return err
		}
	}
	if err := c.Send(ctx, "NICK", c.cfg.Nick); err != nil {
		return err
	}
	return c.Send(ctx, "USER", c.cfg.Username, "0", "*", c.cfg.IRCName)
}
