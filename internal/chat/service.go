// Package chat runs chat sessions over the reconnecting channel and keeps the
// session's message log reconciled with what the server confirms.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tasksync/cli/internal/channel"
	"tasksync/cli/internal/remote"
	"tasksync/cli/internal/syncerr"
	"tasksync/cli/internal/wire"
)

const DefaultRecentLimit = 10

type Backend interface {
	CreateSession(ctx context.Context, in remote.SessionCreate) (remote.Session, error)
	GetSession(ctx context.Context, id string) (remote.Session, error)
	RecentSessions(ctx context.Context, limit int) ([]remote.Session, error)
	SessionPayloads(ctx context.Context, sessionID string) ([]remote.Payload, error)
	PostMessage(ctx context.Context, sessionID, content string) (remote.Exchange, error)
}

type Transport interface {
	Connect(ctx context.Context, sessionID string, h channel.Handlers) error
	Disconnect()
	Send(ctx context.Context, content string) error
	Ping(ctx context.Context) error
	Status() channel.Status
}

type Options struct {
	Backend   Backend
	Transport Transport
	Logger    *slog.Logger
	NowFunc   func() time.Time
}

type Service struct {
	backend   Backend
	transport Transport
	log       *Log
	logger    *slog.Logger

	// sendMu keeps placeholder order equal to wire order.
	sendMu sync.Mutex

	mu      sync.Mutex
	session *remote.Session
	// exhausted is set once the channel stops redialing and cleared on the
	// next attach.
	exhausted error
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		backend:   opts.Backend,
		transport: opts.Transport,
		log:       NewLog(opts.NowFunc),
		logger:    logger.With("module", "chat"),
	}
}

func (s *Service) Messages() []Message {
	return s.log.Messages()
}

func (s *Service) Changes() <-chan struct{} {
	return s.log.Changes()
}

func (s *Service) Err() string {
	return s.log.Err()
}

func (s *Service) Session() (remote.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return remote.Session{}, false
	}
	return *s.session, true
}

func (s *Service) ConnectionStatus() channel.Status {
	return s.transport.Status()
}

// ObserveStatus takes the channel's status reports. A channel that gave up
// redialing is recorded so callers can stop waiting for replies.
func (s *Service) ObserveStatus(st channel.Status) {
	if st.State != channel.StateDisconnected || !errors.Is(st.LastError, syncerr.ReconnectExhausted) {
		return
	}
	s.mu.Lock()
	if s.exhausted != nil {
		s.mu.Unlock()
		return
	}
	s.exhausted = st.LastError
	s.mu.Unlock()
	s.logger.Error("channel gave up reconnecting", "err", st.LastError)
	s.log.Fail(st.LastError.Error())
}

// Exhausted is the error the channel gave up with, or nil.
func (s *Service) Exhausted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Ping asks the server for a pong on the attached channel.
func (s *Service) Ping(ctx context.Context) error {
	return s.transport.Ping(ctx)
}

// CreateSession starts a fresh session on the backend, empties the log, and
// attaches the channel to it.
func (s *Service) CreateSession(ctx context.Context, title string) (remote.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Chat"
	}
	sess, err := s.backend.CreateSession(ctx, remote.SessionCreate{Title: title})
	if err != nil {
		return remote.Session{}, err
	}
	s.transport.Disconnect()
	s.setSession(&sess)
	s.log.Reset(nil)
	s.logger.Info("session created", "session_id", sess.ID)
	return sess, s.attach(ctx, sess.ID)
}

// LoadSession switches to an existing session: the channel is detached, the
// stored history replaces the log, then the channel attaches again.
func (s *Service) LoadSession(ctx context.Context, id string) (remote.Session, error) {
	s.transport.Disconnect()
	sess, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return remote.Session{}, err
	}
	payloads, err := s.backend.SessionPayloads(ctx, id)
	if err != nil {
		return remote.Session{}, err
	}
	history := make([]Message, 0, len(payloads))
	for _, p := range payloads {
		history = append(history, messageFromPayload(p))
	}
	s.setSession(&sess)
	s.log.Reset(history)
	s.logger.Info("session loaded", "session_id", sess.ID, "messages", len(history))
	return sess, s.attach(ctx, sess.ID)
}

// Select makes an existing session current for HTTP sends. The channel is
// left detached and the log starts empty.
func (s *Service) Select(ctx context.Context, id string) (remote.Session, error) {
	sess, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return remote.Session{}, err
	}
	s.transport.Disconnect()
	s.setSession(&sess)
	s.log.Reset(nil)
	return sess, nil
}

// History returns the stored payloads of a session without switching to it.
func (s *Service) History(ctx context.Context, id string) ([]Message, error) {
	payloads, err := s.backend.SessionPayloads(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, messageFromPayload(p))
	}
	return out, nil
}

func (s *Service) RecentSessions(ctx context.Context, limit int) ([]remote.Session, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.backend.RecentSessions(ctx, limit)
}

// StartNewSession forgets the current session without creating one.
func (s *Service) StartNewSession() {
	s.transport.Disconnect()
	s.setSession(nil)
	s.log.Reset(nil)
}

func (s *Service) Close() {
	s.transport.Disconnect()
}

// Send appends the echo and loading placeholders and writes the message to
// the channel. When the write fails the placeholders are resolved as failed
// and the error is returned.
func (s *Service) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("message is empty")
	}
	if _, ok := s.Session(); !ok {
		return errors.New("no active session")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	echoID, loadingID := s.log.AddPlaceholders(content)
	if err := s.transport.Send(ctx, content); err != nil {
		s.log.FailSend(echoID, loadingID, err)
		s.logger.Warn("send failed", "err", err)
		return err
	}
	return nil
}

// SendHTTP posts one message through the request/response endpoint instead
// of the channel. The exchange reconciles the same placeholders.
func (s *Service) SendHTTP(ctx context.Context, content string) (remote.Exchange, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return remote.Exchange{}, errors.New("message is empty")
	}
	sess, ok := s.Session()
	if !ok {
		return remote.Exchange{}, errors.New("no active session")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	echoID, loadingID := s.log.AddPlaceholders(content)
	ex, err := s.backend.PostMessage(ctx, sess.ID, content)
	if err != nil {
		s.log.FailSend(echoID, loadingID, err)
		return remote.Exchange{}, err
	}
	s.log.ApplyEcho(messageFromPayload(ex.UserMessage))
	s.log.ApplyResponse(messageFromPayload(ex.AIResponse))
	return ex, nil
}

func (s *Service) setSession(sess *remote.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

func (s *Service) attach(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	s.exhausted = nil
	s.mu.Unlock()
	return s.transport.Connect(ctx, sessionID, channel.Handlers{
		OnUserMessage: func(in wire.Inbound) {
			s.log.ApplyEcho(messageFromInbound(in, FromUser))
		},
		OnAIResponse: func(in wire.Inbound) {
			s.log.ApplyResponse(messageFromInbound(in, FromModel))
		},
		OnError: func(msg string) {
			s.logger.Warn("server reported error", "message", msg)
			s.log.ApplyError(msg)
		},
	})
}
