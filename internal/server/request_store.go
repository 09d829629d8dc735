package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/hazardfuse/internal/activation"
	"github.com/straja-ai/hazardfuse/internal/fusion"
)

// requestStore keeps recent fuse results so clients can fetch them again by
// request id until the TTL runs out.
type requestStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]requestEntry
}

type requestEntry struct {
	clientID  string
	result    fusion.Result
	event     *activation.Event
	createdAt time.Time
	expiresAt time.Time
}

func newRequestStore(ttl time.Duration) *requestStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &requestStore{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[string]requestEntry),
	}
}

func (s *requestStore) Put(requestID, clientID string, res fusion.Result, ev *activation.Event) {
	if s == nil || requestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.cleanupLocked(now)
	s.data[requestID] = requestEntry{
		clientID:  clientID,
		result:    res,
		event:     ev,
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	}
}

func (s *requestStore) Get(requestID string) (requestEntry, bool) {
	if s == nil || requestID == "" {
		return requestEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.cleanupLocked(now)
	entry, ok := s.data[requestID]
	return entry, ok
}

func (s *requestStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *requestStore) cleanupLocked(now time.Time) {
	for k, v := range s.data {
		if now.After(v.expiresAt) {
			delete(s.data, k)
		}
	}
}

// requestIDFrom reuses a caller-supplied X-Request-Id when it is a UUID so
// that dashcam logs and server logs line up.
func requestIDFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Request-Id")); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}
