package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

type FakeSocket struct {
	readCh chan string

	mu       sync.Mutex
	closeErr error
	writeErr error
	writes   []string
	once     sync.Once
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{readCh: make(chan string, 16), closeErr: io.EOF}
}

func (f *FakeSocket) EmitText(text string) {
	f.readCh <- text
}

// Drop ends the connection as if the network failed.
func (f *FakeSocket) Drop(err error) {
	if err == nil {
		err = errors.New("connection reset")
	}
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
	f.shut()
}

// CloseNormally ends the connection as if the server closed it cleanly.
func (f *FakeSocket) CloseNormally() {
	f.shut()
}

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text, ok := <-f.readCh:
		if !ok {
			f.mu.Lock()
			defer f.mu.Unlock()
			return "", f.closeErr
		}
		return text, nil
	}
}

// FailWrites makes every later write fail with err.
func (f *FakeSocket) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, text)
	return nil
}

func (f *FakeSocket) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *FakeSocket) Close() error {
	f.shut()
	return nil
}

func (f *FakeSocket) shut() {
	f.once.Do(func() { close(f.readCh) })
}

// FakeDialer hands out queued results in order, then fresh FakeSockets.
type FakeDialer struct {
	mu      sync.Mutex
	queue   []dialResult
	urls    []string
	sockets []*FakeSocket
}

type dialResult struct {
	sock *FakeSocket
	err  error
}

func (d *FakeDialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dialResult{err: err})
}

func (d *FakeDialer) Succeed(sock *FakeSocket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dialResult{sock: sock})
}

func (d *FakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	res := dialResult{sock: NewFakeSocket()}
	if len(d.queue) > 0 {
		res = d.queue[0]
		d.queue = d.queue[1:]
	}
	if res.err != nil {
		return nil, res.err
	}
	d.sockets = append(d.sockets, res.sock)
	return res.sock, nil
}

func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Last returns the most recently handed out socket.
func (d *FakeDialer) Last() *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// FakeScheduler records timers instead of running them; tests fire them
// explicitly.
type FakeScheduler struct {
	mu     sync.Mutex
	timers []*FakeTimer
}

type FakeTimer struct {
	Delay time.Duration

	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func (t *FakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *FakeTimer) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (s *FakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &FakeTimer{Delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Delays lists every delay ever scheduled, in order.
func (s *FakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.Delay)
	}
	return out
}

// Pending counts timers that are neither stopped nor fired.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if t.live() {
			n++
		}
	}
	return n
}

// FireNext runs the oldest live timer on the calling goroutine.
func (s *FakeScheduler) FireNext() bool {
	s.mu.Lock()
	var next *FakeTimer
	for _, t := range s.timers {
		if t.live() {
			next = t
			break
		}
	}
	s.mu.Unlock()
	if next == nil {
		return false
	}
	next.mu.Lock()
	next.fired = true
	fn := next.fn
	next.mu.Unlock()
	fn()
	return true
}
