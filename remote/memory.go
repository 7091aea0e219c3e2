package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op names a store operation, used for fault injection and call recording.
type Op string

const (
	OpList     Op = "list"
	OpDownload Op = "download"
	OpUpload   Op = "upload"
	OpStart    Op = "start"
	OpAppend   Op = "append"
	OpFinish   Op = "finish"
	OpAbort    Op = "abort"
	OpStat     Op = "stat"
)

// Call records one operation the memory store served (or refused).
type Call struct {
	Op   Op
	Path string
	Size int
	Err  error
}

type memObject struct {
	data    []byte
	modTime time.Time
}

type memSession struct {
	path string
	buf  bytes.Buffer
}

// MemoryStore keeps objects in process memory. It backs dry runs and the tests of
// every component that talks to a Store.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]memObject
	sessions map[string]*memSession
	writing  map[string]int
	calls    []Call
	overlaps int

	// Fault is consulted before every operation; a non-nil return fails it.
	Fault func(op Op, p string) error
	// Delay is slept (outside the lock) before every write operation.
	Delay time.Duration
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]memObject),
		sessions: make(map[string]*memSession),
		writing:  make(map[string]int),
	}
}

// Put seeds an object.
func (m *MemoryStore) Put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[Clean(p)] = memObject{data: append([]byte(nil), data...), modTime: time.Now()}
}

// Get returns a copy of the object at p.
func (m *MemoryStore) Get(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Paths lists every committed object path in sorted order.
func (m *MemoryStore) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CountCalls counts recorded calls of op that succeeded.
func (m *MemoryStore) CountCalls(op Op) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Op == op && c.Err == nil {
			n++
		}
	}
	return n
}

// OpenSessions is the number of chunked uploads started but neither finished nor aborted.
func (m *MemoryStore) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Overlaps counts writes that began while another write to the same path was open.
func (m *MemoryStore) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

// begin records the call and runs fault injection. Must be called without m.mu held.
func (m *MemoryStore) begin(op Op, p string, size int) error {
	var err error
	if m.Fault != nil {
		err = m.Fault(op, p)
	}
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Path: p, Size: size, Err: err})
	m.mu.Unlock()
	if err != nil {
		return newError(string(op), p, err)
	}
	if m.Delay > 0 && op != OpList && op != OpStat && op != OpDownload {
		time.Sleep(m.Delay)
	}
	return nil
}

func (m *MemoryStore) markWriting(p string) {
	if m.writing[p] > 0 {
		m.overlaps++
	}
	m.writing[p]++
}

func (m *MemoryStore) unmarkWriting(p string) {
	if m.writing[p] <= 1 {
		delete(m.writing, p)
		return
	}
	m.writing[p]--
}

func (m *MemoryStore) commit(p string, data []byte, mode WriteMode) (*Object, error) {
	if _, exists := m.objects[p]; exists && mode == Add {
		return nil, ErrConflict
	}
	o := memObject{data: data, modTime: time.Now()}
	m.objects[p] = o
	sum := md5.Sum(data)
	return &Object{Path: p, Size: int64(len(data)), ETag: hex.EncodeToString(sum[:]), ModTime: o.modTime}, nil
}

func (m *MemoryStore) List(ctx context.Context, dir string) ([]Entry, error) {
	dir = Clean(dir)
	if err := m.begin(OpList, dir, 0); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []Entry
	for p, o := range m.objects {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		if nested {
			out = append(out, Entry{Name: name, Path: path.Join(dir, name), Kind: KindFolder})
			continue
		}
		out = append(out, Entry{Name: name, Path: p, Kind: KindFile, Size: int64(len(o.data))})
	}
	if len(out) == 0 {
		return nil, newError(string(OpList), dir, ErrNotFound)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	p = Clean(p)
	if err := m.begin(OpDownload, p, 0); err != nil {
		return 0, err
	}
	data, ok := m.Get(p)
	if !ok {
		return 0, newError(string(OpDownload), p, ErrNotFound)
	}
	n, err := io.Copy(w, bytes.NewReader(data))
	if err != nil {
		return n, newError(string(OpDownload), p, err)
	}
	return n, nil
}

func (m *MemoryStore) Upload(ctx context.Context, p string, r io.Reader, size int64, mode WriteMode) (*Object, error) {
	p = Clean(p)
	m.mu.Lock()
	m.markWriting(p)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.unmarkWriting(p)
		m.mu.Unlock()
	}()

	if err := m.begin(OpUpload, p, int(size)); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, newError(string(OpUpload), p, err)
	}
	if int64(len(data)) != size {
		return nil, newError(string(OpUpload), p, fmt.Errorf("short body: got %d bytes, want %d", len(data), size))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.commit(p, data, mode)
	if err != nil {
		return nil, newError(string(OpUpload), p, err)
	}
	return obj, nil
}

func (m *MemoryStore) StartSession(ctx context.Context, p string, chunk []byte) (*Cursor, error) {
	p = Clean(p)
	if err := m.begin(OpStart, p, len(chunk)); err != nil {
		return nil, err
	}
	s := &memSession{path: p}
	s.buf.Write(chunk)
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.markWriting(p)
	m.sessions[id] = s
	return &Cursor{SessionID: id, Path: p, Offset: int64(len(chunk))}, nil
}

func (m *MemoryStore) session(op Op, cur *Cursor) (*memSession, error) {
	if cur == nil {
		return nil, newError(string(op), "", ErrSessionNotFound)
	}
	s, ok := m.sessions[cur.SessionID]
	if !ok {
		return nil, newError(string(op), cur.Path, ErrSessionNotFound)
	}
	if int64(s.buf.Len()) != cur.Offset {
		return nil, newError(string(op), s.path,
			fmt.Errorf("%w: cursor at %d, store has %d", ErrOffsetMismatch, cur.Offset, s.buf.Len()))
	}
	return s, nil
}

func (m *MemoryStore) AppendSession(ctx context.Context, cur *Cursor, chunk []byte) error {
	if err := m.begin(OpAppend, cursorPath(cur), len(chunk)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(OpAppend, cur)
	if err != nil {
		return err
	}
	s.buf.Write(chunk)
	return nil
}

func (m *MemoryStore) FinishSession(ctx context.Context, cur *Cursor, chunk []byte, commit Commit) (*Object, error) {
	target := Clean(commit.Path)
	if err := m.begin(OpFinish, target, len(chunk)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(OpFinish, cur)
	if err != nil {
		return nil, err
	}
	s.buf.Write(chunk)
	obj, err := m.commit(target, append([]byte(nil), s.buf.Bytes()...), commit.Mode)
	if err != nil {
		return nil, newError(string(OpFinish), target, err)
	}
	delete(m.sessions, cur.SessionID)
	m.unmarkWriting(s.path)
	return obj, nil
}

func (m *MemoryStore) AbortSession(ctx context.Context, cur *Cursor) error {
	if err := m.begin(OpAbort, cursorPath(cur), 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur == nil {
		return nil
	}
	if s, ok := m.sessions[cur.SessionID]; ok {
		delete(m.sessions, cur.SessionID)
		m.unmarkWriting(s.path)
	}
	return nil
}

func (m *MemoryStore) Stat(ctx context.Context, p string) (*Object, error) {
	p = Clean(p)
	if err := m.begin(OpStat, p, 0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[p]
	if !ok {
		return nil, newError(string(OpStat), p, ErrNotFound)
	}
	sum := md5.Sum(o.data)
	return &Object{Path: p, Size: int64(len(o.data)), ETag: hex.EncodeToString(sum[:]), ModTime: o.modTime}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cursorPath(cur *Cursor) string {
	if cur == nil {
		return ""
	}
	return cur.Path
}
