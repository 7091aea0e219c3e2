package remote

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// part is one acknowledged chunk of a multipart session.
type part struct {
	number int32
	etag   string
	size   int64
}

type session struct {
	id       string
	path     string
	key      string
	uploadID string
	parts    []part
	received int64
}

func (s *session) nextPart() int32 {
	return int32(len(s.parts) + 1)
}

func (s *session) add(etag string, size int64) {
	s.parts = append(s.parts, part{number: s.nextPart(), etag: etag, size: size})
	s.received += size
}

// sessionTable maps cursor session ids onto backend multipart uploads.
type sessionTable struct {
	mu sync.Mutex
	m  map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{m: make(map[string]*session)}
}

func (t *sessionTable) open(p, key, uploadID string) *session {
	s := &session{id: uuid.NewString(), path: Clean(p), key: key, uploadID: uploadID}
	t.mu.Lock()
	t.m[s.id] = s
	t.mu.Unlock()
	return s
}

// lookup returns the session behind cur after checking that the caller's offset
// matches what the backend has acknowledged.
func (t *sessionTable) lookup(op string, cur *Cursor) (*session, error) {
	if cur == nil {
		return nil, newError(op, "", ErrSessionNotFound)
	}
	t.mu.Lock()
	s, ok := t.m[cur.SessionID]
	t.mu.Unlock()
	if !ok {
		return nil, newError(op, cur.Path, ErrSessionNotFound)
	}
	if cur.Offset != s.received {
		return nil, newError(op, s.path,
			fmt.Errorf("%w: cursor at %d, store has %d", ErrOffsetMismatch, cur.Offset, s.received))
	}
	return s, nil
}

func (t *sessionTable) drop(id string) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
