// Package channel keeps one reconnecting duplex connection per chat session.
//
// States move Disconnected -> Connecting -> Connected. A local Disconnect or
// a normal server closure returns to Disconnected. Any other close, including
// a failed dial, schedules a redial after BaseDelay*2^(attempt-1) until
// MaxAttempts redials have failed, at which point the channel settles in
// Disconnected with a ReconnectExhausted error.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"tasksync/cli/internal/syncerr"
	"tasksync/cli/internal/wire"
)

const (
	DefaultURL         = "ws://localhost:8000/api/chat/ws"
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	defaultDialTimeout = 10 * time.Second
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

type Status struct {
	State     State
	SessionID string
	Attempts  int
	LastError error
	LastPong  time.Time
}

// Handlers receive inbound frames. Echo and response frames only reach
// OnUserMessage and OnAIResponse when they carry a server id and content.
type Handlers struct {
	OnUserMessage func(wire.Inbound)
	OnAIResponse  func(wire.Inbound)
	OnError       func(message string)
	OnPong        func(at time.Time)
}

type Timer interface {
	Stop() bool
}

type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type Options struct {
	// URL is the endpoint prefix; the session id is appended as the last
	// path segment.
	URL         string
	Dialer      Dialer
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Scheduler   Scheduler
	// OnStatus observes every state change. It runs without the channel
	// lock held and must not block.
	OnStatus func(Status)
	Logger   *slog.Logger
	NowFunc  func() time.Time
}

type Channel struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	attempts  int
	lastErr   error
	lastPong  time.Time
	pinging   bool
	handlers  Handlers
	sock      Socket
	stopRead  context.CancelFunc
	timer     Timer
	// gen changes whenever the current connection is abandoned so late
	// callbacks from an old socket or timer are ignored.
	gen uint64
}

func New(opts Options) *Channel {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = DefaultURL
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	if opts.Dialer == nil {
		opts.Dialer = RealDialer{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Channel{
		opts:   opts,
		logger: logger.With("module", "channel"),
		state:  StateDisconnected,
	}
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Channel) statusLocked() Status {
	return Status{
		State:     c.state,
		SessionID: c.sessionID,
		Attempts:  c.attempts,
		LastError: c.lastErr,
		LastPong:  c.lastPong,
	}
}

func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Channel) notify(st Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(st)
	}
}

// Connect attaches to sessionID and installs h as the only handlers. It is a
// no-op when already connected to the same session. Otherwise the previous
// connection, its handlers, and any scheduled redial are dropped and the
// attempt counter starts over. A failed dial is returned and a redial is
// already scheduled when it comes back.
func (c *Channel) Connect(ctx context.Context, sessionID string, h Handlers) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	c.mu.Lock()
	if c.state == StateConnected && c.sessionID == sessionID {
		c.mu.Unlock()
		return nil
	}
	old := c.abandonLocked()
	c.sessionID = sessionID
	c.handlers = h
	c.attempts = 0
	c.lastErr = nil
	c.state = StateConnecting
	gen := c.gen
	st := c.statusLocked()
	c.mu.Unlock()

	closeQuietly(old)
	c.notify(st)
	c.logger.Info("channel connecting", "session_id", sessionID)
	return c.dial(ctx, gen)
}

// SetHandlers replaces the handlers of the current session.
func (c *Channel) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Disconnect closes the connection without scheduling a redial.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	old := c.abandonLocked()
	wasIdle := c.state == StateDisconnected && c.sessionID == ""
	c.sessionID = ""
	c.handlers = Handlers{}
	c.attempts = 0
	c.state = StateDisconnected
	st := c.statusLocked()
	c.mu.Unlock()

	closeQuietly(old)
	if !wasIdle {
		c.logger.Info("channel disconnected")
		c.notify(st)
	}
}

// abandonLocked cancels the timer and detaches the socket, returning it for
// closing outside the lock.
func (c *Channel) abandonLocked() Socket {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopRead != nil {
		c.stopRead()
		c.stopRead = nil
	}
	old := c.sock
	c.sock = nil
	c.pinging = false
	return old
}

func closeQuietly(s Socket) {
	if s != nil {
		_ = s.Close()
	}
}

func (c *Channel) endpoint(sessionID string) string {
	return c.opts.URL + "/" + url.PathEscape(sessionID)
}

func (c *Channel) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	target := c.endpoint(c.sessionID)
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	sock, err := c.opts.Dialer.Dial(dctx, target)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		closeQuietly(sock)
		return nil
	}
	if err != nil {
		c.logger.Warn("channel dial failed", "url", target, "err", err)
		st := c.dropLocked(err)
		c.mu.Unlock()
		c.notify(st)
		return fmt.Errorf("dial %s: %w", target, err)
	}
	readCtx, stop := context.WithCancel(context.Background())
	c.sock = sock
	c.stopRead = stop
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.pinging = false
	st := c.statusLocked()
	c.mu.Unlock()

	c.logger.Info("channel connected", "url", target)
	c.notify(st)
	go c.readLoop(readCtx, gen, sock)
	return nil
}

// dropLocked handles an unexpected close or failed dial for the current
// generation: schedule the next redial or give up.
func (c *Channel) dropLocked(cause error) Status {
	c.sock = nil
	if c.stopRead != nil {
		c.stopRead()
		c.stopRead = nil
	}
	c.pinging = false
	c.lastErr = cause
	if c.sessionID == "" {
		c.state = StateDisconnected
		return c.statusLocked()
	}
	if c.attempts >= c.opts.MaxAttempts {
		c.state = StateDisconnected
		c.lastErr = syncerr.New(syncerr.ReconnectExhausted, "channel.reconnect",
			fmt.Errorf("gave up after %d attempts: %w", c.attempts, cause))
		c.logger.Error("channel reconnect exhausted", "session_id", c.sessionID, "attempts", c.attempts)
		return c.statusLocked()
	}
	c.attempts++
	delay := c.opts.BaseDelay * time.Duration(1<<(c.attempts-1))
	c.state = StateConnecting
	gen := c.gen
	c.timer = c.opts.Scheduler.AfterFunc(delay, func() { c.redial(gen) })
	c.logger.Info("channel reconnect scheduled", "session_id", c.sessionID, "attempt", c.attempts, "delay_ms", delay.Milliseconds())
	return c.statusLocked()
}

// redial keeps the attempt counter, unlike Connect.
func (c *Channel) redial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	_ = c.dial(context.Background(), gen)
}

func (c *Channel) readLoop(ctx context.Context, gen uint64, sock Socket) {
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			c.closed(gen, sock, err)
			return
		}
		c.dispatch(gen, text)
	}
}

func (c *Channel) closed(gen uint64, sock Socket, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	var st Status
	if errors.Is(err, io.EOF) {
		c.logger.Info("channel closed by server", "session_id", c.sessionID)
		c.sock = nil
		if c.stopRead != nil {
			c.stopRead()
			c.stopRead = nil
		}
		c.pinging = false
		c.state = StateDisconnected
		st = c.statusLocked()
	} else {
		c.logger.Warn("channel closed unexpectedly", "session_id", c.sessionID, "err", err)
		st = c.dropLocked(err)
	}
	c.mu.Unlock()
	closeQuietly(sock)
	c.notify(st)
}

// Send writes one message frame. It is never queued: when the channel is not
// connected it fails with ChannelNotConnected.
func (c *Channel) Send(ctx context.Context, content string) error {
	return c.write(ctx, "channel.send", wire.MessageFrame(content))
}

// Ping sends a liveness check unless one is already outstanding.
func (c *Channel) Ping(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected && c.pinging {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.write(ctx, "channel.ping", wire.PingFrame()); err != nil {
		return err
	}
	c.mu.Lock()
	c.pinging = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) write(ctx context.Context, op string, frame wire.Outbound) error {
	raw, err := frame.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	s := c.sock
	connected := c.state == StateConnected
	if !connected || s == nil {
		err := syncerr.New(syncerr.ChannelNotConnected, op, nil)
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if werr := s.WriteText(ctx, raw); werr != nil {
		err := syncerr.New(syncerr.ChannelNotConnected, op, werr)
		c.mu.Lock()
		if c.sock == s {
			c.lastErr = err
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Channel) dispatch(gen uint64, text string) {
	in, err := wire.DecodeInbound(text)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	h := c.handlers
	if err == nil && !in.Known() {
		c.mu.Unlock()
		c.logger.Debug("unknown frame type ignored", "type", in.Type)
		return
	}
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("malformed frame ignored", "err", err)
		return
	}
	now := c.opts.NowFunc()
	if in.Type == wire.TypePong {
		c.lastPong = now
		c.pinging = false
	}
	c.mu.Unlock()

	switch in.Type {
	case wire.TypePong:
		if h.OnPong != nil {
			h.OnPong(now)
		}
	case wire.TypeUserMessage, wire.TypeAIResponse:
		if !in.Reconcilable() {
			c.logger.Warn("frame without payload id discarded", "type", in.Type)
			return
		}
		fn := h.OnUserMessage
		if in.Type == wire.TypeAIResponse {
			fn = h.OnAIResponse
		}
		if fn != nil {
			fn(in)
		}
	case wire.TypeError:
		msg := in.Message
		if msg == "" {
			msg = in.Content
		}
		if h.OnError != nil {
			h.OnError(msg)
		}
	}
}
