package chat

import (
	"sync"
	"time"

	"tasksync/cli/internal/remote"
	"tasksync/cli/internal/wire"
)

type From string

const (
	FromUser  From = "user"
	FromModel From = "model"
)

// Message is one chat log entry. Negative ids are placeholders: Pending for
// an echo awaiting confirmation, Loading for an awaited response.
type Message struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	From      From      `json:"from"`
	OK        bool      `json:"ok"`
	Err       string    `json:"err,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"pending,omitempty"`
	Loading   bool      `json:"loading,omitempty"`
}

func (m Message) Placeholder() bool {
	return m.ID < 0
}

// Log is the reconciling message log of one session. Placeholders are
// replaced in FIFO order per direction, each exactly once.
type Log struct {
	mu        sync.Mutex
	messages  []Message
	nextLocal int64
	lastErr   string
	now       func() time.Time
	changed   chan struct{}
}

func NewLog(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{nextLocal: -1, now: now, changed: make(chan struct{}, 1)}
}

// Changes fires after every modification. Bursts coalesce into one signal.
func (l *Log) Changes() <-chan struct{} {
	return l.changed
}

func (l *Log) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

// Err is the last error surfaced by the server or a failed send.
func (l *Log) Err() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Reset replaces the whole log, as on a session switch.
func (l *Log) Reset(messages []Message) {
	l.mu.Lock()
	l.messages = append([]Message(nil), messages...)
	l.lastErr = ""
	l.mu.Unlock()
	l.signal()
}

// AddPlaceholders appends the echo and loading placeholders for one send.
func (l *Log) AddPlaceholders(content string) (echoID, loadingID int64) {
	l.mu.Lock()
	now := l.now()
	echoID = l.nextLocal
	loadingID = l.nextLocal - 1
	l.nextLocal -= 2
	l.lastErr = ""
	l.messages = append(l.messages,
		Message{ID: echoID, Content: content, From: FromUser, OK: true, CreatedAt: now, Pending: true},
		Message{ID: loadingID, From: FromModel, OK: true, CreatedAt: now, Loading: true},
	)
	l.mu.Unlock()
	l.signal()
	return echoID, loadingID
}

// ApplyEcho replaces the oldest pending echo with equal content, or appends.
func (l *Log) ApplyEcho(m Message) {
	l.mu.Lock()
	idx := -1
	for i, cur := range l.messages {
		if cur.Pending && cur.Content == m.Content {
			idx = i
			break
		}
	}
	l.place(idx, m)
	l.mu.Unlock()
	l.signal()
}

// ApplyResponse replaces the oldest loading placeholder, or appends.
func (l *Log) ApplyResponse(m Message) {
	l.mu.Lock()
	l.place(l.oldestLoading(), m)
	l.mu.Unlock()
	l.signal()
}

// ApplyError drops the oldest loading placeholder and records msg. No entry
// is added for the error itself.
func (l *Log) ApplyError(msg string) {
	l.mu.Lock()
	if idx := l.oldestLoading(); idx >= 0 {
		l.messages = append(l.messages[:idx], l.messages[idx+1:]...)
	}
	l.lastErr = msg
	l.mu.Unlock()
	l.signal()
}

// Fail records msg without touching any entry.
func (l *Log) Fail(msg string) {
	l.mu.Lock()
	l.lastErr = msg
	l.mu.Unlock()
	l.signal()
}

// FailSend undoes the placeholders of a send that never reached the wire:
// the loading entry goes away and the echo is flagged failed.
func (l *Log) FailSend(echoID, loadingID int64, err error) {
	l.mu.Lock()
	out := l.messages[:0]
	for _, m := range l.messages {
		if m.ID == loadingID {
			continue
		}
		if m.ID == echoID {
			m.Pending = false
			m.OK = false
			if err != nil {
				m.Err = err.Error()
			}
		}
		out = append(out, m)
	}
	l.messages = out
	if err != nil {
		l.lastErr = err.Error()
	}
	l.mu.Unlock()
	l.signal()
}

func (l *Log) oldestLoading() int {
	for i, cur := range l.messages {
		if cur.Loading {
			return i
		}
	}
	return -1
}

func (l *Log) place(idx int, m Message) {
	m.Pending = false
	m.Loading = false
	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.now()
	}
	if idx < 0 {
		l.messages = append(l.messages, m)
		return
	}
	l.messages[idx] = m
}

func messageFromInbound(in wire.Inbound, from From) Message {
	m := Message{
		Content:   in.Content,
		From:      from,
		OK:        true,
		CreatedAt: in.Timestamp.Time,
	}
	if in.PayloadID != nil {
		m.ID = *in.PayloadID
	}
	return m
}

func messageFromPayload(p remote.Payload) Message {
	from := FromModel
	if p.From == string(FromUser) {
		from = FromUser
	}
	return Message{
		ID:        p.ID,
		Content:   p.Content,
		From:      from,
		OK:        p.OK,
		Err:       p.Err,
		CreatedAt: p.CreatedAt.Time,
	}
}
