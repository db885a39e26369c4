package global

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const knownSessionsFileName = "sessions.json"

// KnownSession is a chat session this machine has attached to.
type KnownSession struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionsStore struct {
	dir string
}

func NewSessionsStore(dir string) *SessionsStore {
	return &SessionsStore{dir: dir}
}

// ListSessions returns known sessions, most recently used first.
func (s *SessionsStore) ListSessions() ([]KnownSession, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.dir, knownSessionsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return []KnownSession{}, nil
		}
		return nil, err
	}
	var list []KnownSession
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list, nil
}

// Touch records sessionID as the most recently used session.
func (s *SessionsStore) Touch(sessionID, title string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	list, err := s.ListSessions()
	if err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	now := time.Now().UTC()
	updated := false
	for i := range list {
		if list[i].SessionID == sessionID {
			if title != "" {
				list[i].Title = title
			}
			list[i].UpdatedAt = now
			updated = true
			break
		}
	}
	if !updated {
		list = append(list, KnownSession{SessionID: sessionID, Title: title, UpdatedAt: now})
	}
	return s.save(list)
}

// Last returns the most recently used session id, or "".
func (s *SessionsStore) Last() (string, error) {
	list, err := s.ListSessions()
	if err != nil || len(list) == 0 {
		return "", err
	}
	return list[0].SessionID, nil
}

func (s *SessionsStore) Forget(sessionID string) error {
	list, err := s.ListSessions()
	if err != nil {
		return err
	}
	out := make([]KnownSession, 0, len(list))
	for _, k := range list {
		if k.SessionID != sessionID {
			out = append(out, k)
		}
	}
	return s.save(out)
}

func (s *SessionsStore) save(list []KnownSession) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomically(filepath.Join(s.dir, knownSessionsFileName), list)
}
