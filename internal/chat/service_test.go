package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"tasksync/cli/internal/channel"
	"tasksync/cli/internal/remote"
	"tasksync/cli/internal/syncerr"
)

type fakeBackend struct {
	created  []remote.SessionCreate
	payloads map[string][]remote.Payload
	postErr  error
}

func (f *fakeBackend) CreateSession(_ context.Context, in remote.SessionCreate) (remote.Session, error) {
	f.created = append(f.created, in)
	return remote.Session{ID: "new-1", Title: in.Title}, nil
}

func (f *fakeBackend) GetSession(_ context.Context, id string) (remote.Session, error) {
	if _, ok := f.payloads[id]; !ok {
		return remote.Session{}, syncerr.New(syncerr.RemoteRejected, "remote.get_session", errors.New("404"))
	}
	return remote.Session{ID: id, Title: "Loaded"}, nil
}

func (f *fakeBackend) RecentSessions(_ context.Context, limit int) ([]remote.Session, error) {
	out := []remote.Session{}
	for id := range f.payloads {
		out = append(out, remote.Session{ID: id})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBackend) SessionPayloads(_ context.Context, id string) ([]remote.Payload, error) {
	return f.payloads[id], nil
}

func (f *fakeBackend) PostMessage(_ context.Context, _ string, content string) (remote.Exchange, error) {
	if f.postErr != nil {
		return remote.Exchange{}, f.postErr
	}
	return remote.Exchange{
		UserMessage: remote.Payload{ID: 11, Content: content, From: "user", OK: true},
		AIResponse:  remote.Payload{ID: 12, Content: "ok", From: "model", OK: true},
	}, nil
}

func newService(t *testing.T, fb *fakeBackend) (*Service, *channel.FakeDialer) {
	t.Helper()
	d := &channel.FakeDialer{}
	ch := channel.New(channel.Options{URL: "ws://example.test/api/chat/ws", Dialer: d, Scheduler: &channel.FakeScheduler{}})
	return NewService(Options{Backend: fb, Transport: ch, NowFunc: fixedNow}), d
}

func waitForLog(t *testing.T, s *Service, cond func([]Message) bool) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := s.Messages(); cond(msgs) {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log never reached expected state: %#v", s.Messages())
	return nil
}

func TestService_SendReconcilesThroughChannel(t *testing.T) {
	s, d := newService(t, &fakeBackend{})
	if _, err := s.CreateSession(context.Background(), ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Send(context.Background(), "A"); err != nil {
		t.Fatalf("send A failed: %v", err)
	}
	if err := s.Send(context.Background(), "B"); err != nil {
		t.Fatalf("send B failed: %v", err)
	}
	sock := d.Last()
	if w := sock.Writes(); len(w) != 2 || w[0] != `{"type":"message","content":"A"}` {
		t.Fatalf("unexpected wire order: %v", w)
	}

	sock.EmitText(`{"type":"user_message","content":"A","payload_id":1,"timestamp":"2024-05-01T10:00:01"}`)
	sock.EmitText(`{"type":"ai_response","content":"re A","payload_id":2}`)

	msgs := waitForLog(t, s, func(m []Message) bool { return len(m) == 4 && m[1].ID == 2 })
	if msgs[0].ID != 1 || msgs[2].ID != -3 || msgs[3].ID != -4 {
		t.Fatalf("unexpected log: %v", ids(msgs))
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Fatalf("expected timestamp carried over")
	}
}

func TestService_SendWithoutConnectionFlagsEcho(t *testing.T) {
	s, d := newService(t, &fakeBackend{})
	if _, err := s.CreateSession(context.Background(), "t"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	d.Last().CloseNormally()
	deadline := time.Now().Add(2 * time.Second)
	for s.ConnectionStatus().State != channel.StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	err := s.Send(context.Background(), "A")
	if !errors.Is(err, syncerr.ChannelNotConnected) {
		t.Fatalf("expected ChannelNotConnected, got %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].OK || msgs[0].Loading {
		t.Fatalf("unexpected log: %#v", msgs)
	}
}

func TestService_ServerErrorDropsLoading(t *testing.T) {
	s, d := newService(t, &fakeBackend{})
	_, _ = s.CreateSession(context.Background(), "t")
	_ = s.Send(context.Background(), "A")
	d.Last().EmitText(`{"type":"error","message":"Invalid JSON format"}`)

	msgs := waitForLog(t, s, func(m []Message) bool { return len(m) == 1 })
	if msgs[0].ID != -1 {
		t.Fatalf("unexpected log: %v", ids(msgs))
	}
	if s.Err() != "Invalid JSON format" {
		t.Fatalf("unexpected error: %q", s.Err())
	}
}

func TestService_LoadSessionReplacesLogAndConnects(t *testing.T) {
	fb := &fakeBackend{payloads: map[string][]remote.Payload{
		"s1": {
			{ID: 1, Content: "hi", From: "user", OK: true},
			{ID: 2, Content: "hello", From: "model", OK: true},
		},
	}}
	s, d := newService(t, fb)
	_, _ = s.CreateSession(context.Background(), "scratch")
	_ = s.Send(context.Background(), "pending")

	sess, err := s.LoadSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if sess.ID != "s1" {
		t.Fatalf("unexpected session: %#v", sess)
	}
	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].From != FromUser || msgs[1].From != FromModel {
		t.Fatalf("unexpected history: %#v", msgs)
	}
	urls := d.URLs()
	if urls[len(urls)-1] != "ws://example.test/api/chat/ws/s1" {
		t.Fatalf("expected channel attached to s1, got %v", urls)
	}
	if st := s.ConnectionStatus(); st.SessionID != "s1" || st.State != channel.StateConnected {
		t.Fatalf("unexpected status: %#v", st)
	}
}

func TestService_LoadUnknownSessionFails(t *testing.T) {
	s, _ := newService(t, &fakeBackend{payloads: map[string][]remote.Payload{}})
	if _, err := s.LoadSession(context.Background(), "missing"); !errors.Is(err, syncerr.RemoteRejected) {
		t.Fatalf("expected RemoteRejected, got %v", err)
	}
}

func TestService_StartNewSessionClearsState(t *testing.T) {
	s, _ := newService(t, &fakeBackend{})
	_, _ = s.CreateSession(context.Background(), "t")
	_ = s.Send(context.Background(), "A")
	s.StartNewSession()
	if len(s.Messages()) != 0 {
		t.Fatalf("expected empty log")
	}
	if _, ok := s.Session(); ok {
		t.Fatalf("expected no active session")
	}
	if st := s.ConnectionStatus(); st.State != channel.StateDisconnected {
		t.Fatalf("expected disconnected, got %#v", st)
	}
	if err := s.Send(context.Background(), "B"); err == nil {
		t.Fatalf("send without session should fail")
	}
}

func TestService_SendHTTPReconcilesExchange(t *testing.T) {
	s, _ := newService(t, &fakeBackend{})
	_, _ = s.CreateSession(context.Background(), "t")
	if _, err := s.SendHTTP(context.Background(), "hi"); err != nil {
		t.Fatalf("send http failed: %v", err)
	}
	if got := ids(s.Messages()); !equalIDs(got, []int64{11, 12}) {
		t.Fatalf("unexpected log: %v", got)
	}
}

func TestService_SendHTTPFailure(t *testing.T) {
	fb := &fakeBackend{postErr: syncerr.New(syncerr.RemoteUnreachable, "remote.post_message", errors.New("refused"))}
	s, _ := newService(t, fb)
	_, _ = s.CreateSession(context.Background(), "t")
	if _, err := s.SendHTTP(context.Background(), "hi"); !errors.Is(err, syncerr.RemoteUnreachable) {
		t.Fatalf("expected RemoteUnreachable, got %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].OK {
		t.Fatalf("expected failed echo only, got %#v", msgs)
	}
}

func TestService_RecentSessionsDefaultsLimit(t *testing.T) {
	fb := &fakeBackend{payloads: map[string][]remote.Payload{"a": nil, "b": nil}}
	s, _ := newService(t, fb)
	got, err := s.RecentSessions(context.Background(), 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("unexpected sessions: %v err=%v", got, err)
	}
}

func TestService_SelectDoesNotDial(t *testing.T) {
	fb := &fakeBackend{payloads: map[string][]remote.Payload{"s1": nil}}
	s, d := newService(t, fb)
	sess, err := s.Select(context.Background(), "s1")
	if err != nil || sess.ID != "s1" {
		t.Fatalf("select failed: %v %v", sess, err)
	}
	if len(d.URLs()) != 0 {
		t.Fatalf("expected no dial, got %v", d.URLs())
	}
	if _, err := s.SendHTTP(context.Background(), "hi"); err != nil {
		t.Fatalf("send http failed: %v", err)
	}
}

func TestService_ObserveStatusRecordsExhaustionOnce(t *testing.T) {
	s, _ := newService(t, &fakeBackend{})
	gaveUp := syncerr.New(syncerr.ReconnectExhausted, "channel.reconnect", errors.New("dial refused"))

	s.ObserveStatus(channel.Status{State: channel.StateConnecting, LastError: errors.New("dial refused")})
	if s.Exhausted() != nil || s.Err() != "" {
		t.Fatalf("reconnecting must not count as exhausted")
	}

	s.ObserveStatus(channel.Status{State: channel.StateDisconnected, LastError: gaveUp})
	if !errors.Is(s.Exhausted(), syncerr.ReconnectExhausted) {
		t.Fatalf("expected exhaustion recorded, got %v", s.Exhausted())
	}
	if s.Err() != gaveUp.Error() {
		t.Fatalf("expected log error %q, got %q", gaveUp.Error(), s.Err())
	}
	select {
	case <-s.Changes():
	default:
		t.Fatalf("expected a change signal")
	}

	s.ObserveStatus(channel.Status{State: channel.StateDisconnected, LastError: gaveUp})
	select {
	case <-s.Changes():
		t.Fatalf("second report must not signal again")
	default:
	}
}

func TestService_AttachClearsExhaustion(t *testing.T) {
	s, _ := newService(t, &fakeBackend{})
	s.ObserveStatus(channel.Status{
		State:     channel.StateDisconnected,
		LastError: syncerr.New(syncerr.ReconnectExhausted, "channel.reconnect", nil),
	})
	if _, err := s.CreateSession(context.Background(), "again"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if s.Exhausted() != nil {
		t.Fatalf("expected exhaustion cleared by a fresh attach")
	}
}

func TestService_PingWritesOneFrameUntilPong(t *testing.T) {
	s, d := newService(t, &fakeBackend{})
	if _, err := s.CreateSession(context.Background(), "t"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("ping %d failed: %v", i, err)
		}
	}
	if w := d.Last().Writes(); len(w) != 1 || w[0] != `{"type":"ping"}` {
		t.Fatalf("expected one ping frame, got %v", w)
	}
}
