package bot

import (
	"strings"
	"sync"
	"time"
)

// SessionTTL ends a cookie collection that has seen no message for this long.
const SessionTTL = 15 * time.Minute

// maxCollected bounds one collection so a forgotten session cannot grow without limit.
const maxCollected = 256 << 10

type session struct {
	startedBy string
	buf       strings.Builder
	chunks    int
	touched   time.Time
}

// Sessions tracks per-chat multi-message cookie collection: IDLE -> COLLECTING -> IDLE.
type Sessions struct {
	mu  sync.Mutex
	m   map[int64]*session
	ttl time.Duration
	now func() time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return &Sessions{m: map[int64]*session{}, ttl: ttl, now: time.Now}
}

// Start opens (or restarts) collection for chat.
func (s *Sessions) Start(chat int64, by string) {
	s.mu.Lock()
	s.m[chat] = &session{startedBy: by, touched: s.now()}
	s.mu.Unlock()
}

// Append adds a chunk. ok is false when chat is not collecting or the session expired.
func (s *Sessions) Append(chat int64, text string) (chunks int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.live(chat)
	if ss == nil {
		return 0, false
	}
	if ss.buf.Len()+len(text) > maxCollected {
		return ss.chunks, false
	}
	ss.buf.WriteString(text)
	ss.chunks++
	ss.touched = s.now()
	return ss.chunks, true
}

// End closes collection and returns the concatenated chunks.
func (s *Sessions) End(chat int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.live(chat)
	delete(s.m, chat)
	if ss == nil {
		return "", false
	}
	return ss.buf.String(), true
}

func (s *Sessions) Active(chat int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(chat) != nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for chat := range s.m {
		if s.live(chat) == nil {
			n++
		}
	}
	return n
}

// live returns the session for chat, deleting it when expired. Callers hold mu.
func (s *Sessions) live(chat int64) *session {
	ss, ok := s.m[chat]
	if !ok {
		return nil
	}
	if s.now().Sub(ss.touched) > s.ttl {
		delete(s.m, chat)
		return nil
	}
	return ss
}
