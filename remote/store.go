// Package remote defines the object store the pipeline ships artifacts to and the
// backends that implement it (S3, MinIO and an in-memory store).
//
// Paths are slash separated and rooted ("/results/a.zip"). Object-store backends map
// them onto keys by dropping the leading slash.
package remote

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

type EntryKind int

const (
	KindFile EntryKind = iota
	KindFolder
)

func (k EntryKind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "file"
}

// Entry is one child of a listed folder.
type Entry struct {
	Name string
	Path string
	Kind EntryKind
	Size int64
}

// Object describes a committed remote object.
type Object struct {
	Path    string
	Size    int64
	ETag    string
	ModTime time.Time
}

// WriteMode controls what happens when the target path already holds an object.
type WriteMode int

const (
	Overwrite WriteMode = iota
	// Add refuses to replace an existing object.
	Add
)

func (m WriteMode) String() string {
	if m == Add {
		return "add"
	}
	return "overwrite"
}

// Cursor tracks an open chunked upload. Offset is the number of bytes the store has
// acknowledged so far; callers advance it after every successful append.
type Cursor struct {
	SessionID string
	Path      string
	Offset    int64
}

// Commit is the metadata sent with the final chunk of a session.
type Commit struct {
	Path string
	Mode WriteMode
}

// Store is the capability the pipeline needs from a remote object store. Chunks
// appended to a session are invisible under the target path until FinishSession
// succeeds.
type Store interface {
	// List returns the direct children of dir.
	List(ctx context.Context, dir string) ([]Entry, error)
	Download(ctx context.Context, p string, w io.Writer) (int64, error)
	Upload(ctx context.Context, p string, r io.Reader, size int64, mode WriteMode) (*Object, error)

	StartSession(ctx context.Context, p string, chunk []byte) (*Cursor, error)
	AppendSession(ctx context.Context, cur *Cursor, chunk []byte) error
	FinishSession(ctx context.Context, cur *Cursor, chunk []byte, commit Commit) (*Object, error)
	AbortSession(ctx context.Context, cur *Cursor) error

	Stat(ctx context.Context, p string) (*Object, error)
	Close() error
}

// Clean normalises p into a rooted slash path.
func Clean(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

// Join joins elements into a rooted path.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

func objectKey(p string) string {
	return strings.TrimPrefix(Clean(p), "/")
}

func keyPath(key string) string {
	return Clean(key)
}
