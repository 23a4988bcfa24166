package irc

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/dispatch"
	"github.com/dalnet/rulebot/internal/errs"
	"github.com/dalnet/rulebot/internal/state"
	"github.com/dalnet/rulebot/internal/wire"
)

const waitFor = 2 * time.Second

// fakeDispatcher feeds the tracker the way the real dispatcher does and
// records what it saw.
type fakeDispatcher struct {
	tracker *state.Tracker

	mu       sync.Mutex
	commands []string
	drained  int
}

func (d *fakeDispatcher) Dispatch(_ context.Context, m *wire.Message, _ dispatch.Client) {
	d.tracker.Apply(m)
	d.mu.Lock()
	d.commands = append(d.commands, m.Command)
	d.mu.Unlock()
}

func (d *fakeDispatcher) Drain(time.Duration) error {
	d.mu.Lock()
	d.drained++
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) Resume(dispatch.Client) {}

type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	lines chan *wire.Message
}

func (s *fakeServer) read() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		m, err := wire.Parse(scanner.Bytes(), time.Now())
		if err != nil {
			continue
		}
		s.lines <- m
	}
}

func (s *fakeServer) send(lines ...string) {
	s.t.Helper()
	for _, line := range lines {
		_, err := s.conn.Write([]byte(line + "\r\n"))
		require.NoError(s.t, err)
	}
}

// expect reads the next line the client wrote and checks it.
func (s *fakeServer) expect(command string, params ...string) *wire.Message {
	s.t.Helper()
	select {
	case m, ok := <-s.lines:
		require.True(s.t, ok, "connection closed while waiting for %s", command)
		require.Equal(s.t, command, m.Command, m.Raw)
		if len(params) > 0 {
			require.Equal(s.t, params, m.Params, m.Raw)
		}
		return m
	case <-time.After(waitFor):
		s.t.Fatalf("timed out waiting for %s", command)
		return nil
	}
}

func (s *fakeServer) expectNothing(d time.Duration) {
	s.t.Helper()
	select {
	case m, ok := <-s.lines:
		if ok {
			s.t.Fatalf("unexpected line %q", m.Raw)
		}
	case <-time.After(d):
	}
}

type harness struct {
	client     *Client
	server     *fakeServer
	dispatcher *fakeDispatcher
	errc       chan error
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Nick = "bot"
	cfg.Username = "bot"
	cfg.IRCName = "Rule Bot"
	cfg.Server = "irc.test"
	cfg.Channels = []string{"#chan"}
	cfg.FloodBurstLines = 100
	cfg.ShutdownGrace = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	serverConn, clientConn := net.Pipe()
	s := &fakeServer{t: t, conn: serverConn, lines: make(chan *wire.Message, 100)}
	go s.read()

	tracker := state.NewTracker(nil)
	d := &fakeDispatcher{tracker: tracker}
	c := NewClient(cfg, tracker, d, WithDialer(func(context.Context) (net.Conn, error) {
		return clientConn, nil
	}))
	h := &harness{client: c, server: s, dispatcher: d, errc: make(chan error, 1)}
	t.Cleanup(func() {
		if h.cancel != nil {
			h.cancel()
		}
		serverConn.Close()
	})
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.client.Run(ctx) }()
}

func (h *harness) expectRegistration() {
	h.server.expect("CAP", "LS", "302")
	h.server.expect("NICK", "bot")
	h.server.expect("USER", "bot", "0", "*", "Rule Bot")
}

func (h *harness) welcome(t *testing.T) {
	h.server.send(":srv 001 bot :Welcome")
	h.server.expect("MODE", "bot", "+B")
	h.server.expect("JOIN", "#chan")
	require.Eventually(t, func() bool { return h.client.State() == Registered }, waitFor, 10*time.Millisecond)
}

func (h *harness) runResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(3 * waitFor):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRegistrationWithoutCapabilities(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	h.server.send("PING :abc123")
	h.server.expect("PONG", "abc123")
	assert.Equal(t, "bot", h.client.Nick())
}

func TestOversizedLineDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	h.server.send(":a!a@h PRIVMSG #chan :" + strings.Repeat("x", 3*maxLineBuffer))
	h.server.send("PING :still-here")
	h.server.expect("PONG", "still-here")
	assert.Equal(t, Registered, h.client.State())
}

func TestServerPassAndWelcomeTasks(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.ServerPass = "hunter2"
		c.NickPass = "nspass"
		c.OperNick = "botoper"
		c.OperPass = "operpass"
		c.Modes = "+iB"
	})
	h.start()
	h.server.expect("CAP", "LS", "302")
	h.server.expect("PASS", "hunter2")
	h.server.expect("NICK", "bot")
	h.server.expect("USER")

	h.server.send(":srv 001 bot :Welcome")
	h.server.expect("MODE", "bot", "+iB")
	h.server.expect("PRIVMSG", "NickServ", "IDENTIFY bot nspass")
	h.server.expect("OPER", "botoper", "operpass")
	h.server.expect("JOIN", "#chan")
}

func TestCapabilityContinuationHoldsCapEnd(t *testing.T) {
	h := newHarness(t, nil)
	acked := make(chan bool, 1)
	require.NoError(t, h.client.RequestCapability(CapRequest{
		Plugin: "example",
		Caps:   []string{"example.org/cap"},
		Handler: func(_ context.Context, ack bool) CapResult {
			acked <- ack
			return CapContinue
		},
	}))
	require.NoError(t, h.client.RequestCapability(CapRequest{Plugin: "absent", Caps: []string{"not-offered"}}))

	h.start()
	h.expectRegistration()
	h.server.send(
		":srv CAP * LS * :multi-prefix sasl",
		":srv CAP * LS :server-time example.org/cap",
	)
	h.server.expect("CAP", "REQ", "multi-prefix server-time")
	h.server.expect("CAP", "REQ", "example.org/cap")
	assert.Equal(t, CapNegotiating, h.client.State())

	h.server.send(
		":srv CAP bot ACK :multi-prefix server-time",
		":srv CAP bot ACK :example.org/cap",
	)
	select {
	case ack := <-acked:
		assert.True(t, ack)
	case <-time.After(waitFor):
		t.Fatal("capability handler not called")
	}
	h.server.expectNothing(200 * time.Millisecond)
	assert.True(t, h.client.CapEnabled("server-time"))
	assert.False(t, h.client.CapEnabled("sasl"))

	h.client.ResumeCapabilityNegotiation(context.Background(), []string{"example.org/cap"}, "example")
	h.server.expect("CAP", "END")
	assert.Eventually(t, func() bool { return h.client.State() == Registered }, waitFor, 10*time.Millisecond)
	h.welcome(t)
}

func TestCapNakStillEnds(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.server.send(":srv CAP * LS :away-notify")
	h.server.expect("CAP", "REQ", "away-notify")
	h.server.send(":srv CAP bot NAK :away-notify")
	h.server.expect("CAP", "END")
	assert.False(t, h.client.CapEnabled("away-notify"))
}

func TestNoUsableCapabilitiesEndsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.server.send(":srv CAP * LS :some-vendor/thing")
	h.server.expect("CAP", "END")
}

func TestSASLPlain(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.SASLUsername = "bot"
		c.SASLPassword = "secret"
		c.NickPass = "nspass"
	})
	h.start()
	h.expectRegistration()

	h.server.send(":srv CAP * LS :sasl=PLAIN,EXTERNAL")
	h.server.expect("CAP", "REQ", "sasl")
	h.server.send(":srv CAP bot ACK :sasl")
	h.server.expect("AUTHENTICATE", "PLAIN")
	h.server.send("AUTHENTICATE +")
	want := base64.StdEncoding.EncodeToString([]byte("bot\x00bot\x00secret"))
	h.server.expect("AUTHENTICATE", want)
	h.server.expectNothing(100 * time.Millisecond)

	h.server.send(":srv 903 bot :SASL authentication successful")
	h.server.expect("CAP", "END")

	// SASL already identified us, so no NickServ IDENTIFY.
	h.welcome(t)
}

func TestSASLFailureResumes(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.SASLUsername = "bot"
		c.SASLPassword = "wrong"
	})
	h.start()
	h.expectRegistration()
	h.server.send(":srv CAP * LS :sasl")
	h.server.expect("CAP", "REQ", "sasl")
	h.server.send(":srv CAP bot ACK :sasl")
	h.server.expect("AUTHENTICATE", "PLAIN")
	h.server.send("AUTHENTICATE +")
	h.server.expect("AUTHENTICATE")
	h.server.send(":srv 904 bot :SASL authentication failed")
	h.server.expect("CAP", "END")
}

func TestNickInUseFallsBack(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Alternate = "bot2" })
	h.start()
	h.expectRegistration()

	h.server.send(":srv 433 * bot :Nickname is already in use")
	h.server.expect("NICK", "bot2")
	h.server.send(":srv 433 * bot2 :Nickname is already in use")
	h.server.expect("NICK", "bot2_")

	h.server.send(":srv 001 bot2_ :Welcome")
	h.server.expect("MODE", "bot2_", "+B")
	assert.Eventually(t, func() bool { return h.client.Nick() == "bot2_" }, waitFor, 10*time.Millisecond)
}

func TestNickInUseAfterCapEndFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.server.send(":srv CAP * LS :some-vendor/thing")
	h.server.expect("CAP", "END")
	require.Eventually(t, func() bool { return h.client.State() == Registered }, waitFor, 10*time.Millisecond)

	h.server.send(":srv 433 * bot :Nickname is already in use")
	h.server.expect("NICK", "bot_")
}

func TestNickInUseAfterRegistrationIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	h.server.send(":srv 433 bot taken :Nickname is already in use")
	h.server.expectNothing(150 * time.Millisecond)
	assert.Equal(t, "bot", h.client.Nick())
}

func TestSelfJoinRequestsWho(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	h.server.send(":bot!u@h JOIN #chan")
	h.server.expect("WHO", "#chan")

	h.server.send(":srv 005 bot WHOX :are supported", ":bot!u@h JOIN #other")
	h.server.expect("WHO", "#other", "%tcuhnfar,"+state.WhoxToken)

	h.server.send(":someone!u@h JOIN #chan")
	h.server.expectNothing(100 * time.Millisecond)
}

func TestUnknownModeResyncsChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	h.server.send(":bot!u@h JOIN #chan")
	h.server.expect("WHO", "#chan")
	h.server.send(":a!a@h JOIN #chan", ":srv MODE #chan +oZ a")
	h.server.expect("WHO", "#chan")
	assert.Equal(t, state.Op, h.client.Tracker().Privilege("#chan", "a"))
}

func TestKeepaliveTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Timeout = 400 * time.Millisecond
		c.TimeoutPingInterval = 100 * time.Millisecond
	})
	h.start()
	h.expectRegistration()
	h.server.expect("PING")

	err := h.runResult(t)
	require.Error(t, err)
	assert.True(t, errs.IsTransport(err))
	assert.ErrorIs(t, err, errTimeout)
	assert.Equal(t, Disconnected, h.client.State())
	assert.False(t, h.client.QuitRequested())
}

func TestQuitDrainsAndSendsQuit(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	h.client.Quit("see you")
	h.server.expect("QUIT", "see you")
	require.NoError(t, h.runResult(t))
	assert.Equal(t, Disconnected, h.client.State())
	assert.True(t, h.client.QuitRequested())

	h.dispatcher.mu.Lock()
	defer h.dispatcher.mu.Unlock()
	assert.Equal(t, 1, h.dispatcher.drained)
	assert.Contains(t, h.dispatcher.commands, "001")
}

func TestServerCloseIsTransportError(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.server.send("ERROR :Closing link")
	h.server.conn.Close()

	err := h.runResult(t)
	require.Error(t, err)
	assert.True(t, errs.IsTransport(err))
}

func TestSayWithSplitsAndMarksTruncation(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	text := strings.Repeat("word ", 300)
	require.NoError(t, h.client.SayWith(context.Background(), "#chan", text, SayOptions{MaxMessages: 2, Trailing: " [...]"}))

	safe := h.client.safeLength("PRIVMSG", "#chan")
	first := h.server.expect("PRIVMSG")
	second := h.server.expect("PRIVMSG")
	assert.LessOrEqual(t, len(first.Param(1)), safe)
	assert.LessOrEqual(t, len(second.Param(1)), safe)
	assert.True(t, strings.HasPrefix(first.Param(1), "word word"))
	assert.True(t, strings.HasSuffix(second.Param(1), " [...]"))
	h.server.expectNothing(100 * time.Millisecond)
}

func TestSayAntiloop(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.AntiloopThreshold = 2
		c.AntiloopSilentAfter = 1
	})
	h.start()
	h.expectRegistration()
	h.welcome(t)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, h.client.Say(ctx, "#chan", "hello"))
	}
	h.server.expect("PRIVMSG", "#chan", "hello")
	h.server.expect("PRIVMSG", "#chan", "hello")
	h.server.expect("PRIVMSG", "#chan", "...")
	h.server.expectNothing(100 * time.Millisecond)
}

func TestActionAndNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)

	ctx := context.Background()
	require.NoError(t, h.client.Action(ctx, "#chan", "waves"))
	h.server.expect("PRIVMSG", "#chan", "\x01ACTION waves\x01")
	require.NoError(t, h.client.Notice(ctx, "alice", "psst"))
	h.server.expect("NOTICE", "alice", "psst")
	require.NoError(t, h.client.Part(ctx, "#chan", "bye"))
	h.server.expect("PART", "#chan", "bye")
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.client.Send(context.Background(), "PRIVMSG", "#c", "x"), ErrNotConnected)
	assert.Equal(t, Disconnected, h.client.State())
}

func TestHostmaskLearnedFromJoin(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.expectRegistration()
	h.welcome(t)
	assert.Contains(t, h.client.Hostmask(), "bot!uuuuuuuuuu@")

	h.server.send(":bot!ident@host.example JOIN #chan")
	h.server.expect("WHO", "#chan")
	assert.Eventually(t, func() bool { return h.client.Hostmask() == "bot!ident@host.example" }, waitFor, 10*time.Millisecond)
}

func TestRequestCapabilityValidation(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.client.RequestCapability(CapRequest{Caps: []string{"x"}}))
	assert.Error(t, h.client.RequestCapability(CapRequest{Plugin: "p"}))
}
