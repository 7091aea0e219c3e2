// Package transfer moves finished artifacts to the remote store and reclaims their
// local disk space.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/humblenginr/forecast_sync/remote"
)

// DefaultChunkSize is both the whole-file threshold and the session chunk size.
const DefaultChunkSize int64 = 100 * 1024 * 1024

var (
	// ErrBusy is returned when another transfer to the same remote path is running.
	ErrBusy = errors.New("transfer to this remote path already in progress")
	// ErrIncomplete means the committed object does not report the local size.
	ErrIncomplete = errors.New("remote object size does not match local file")
)

type Strategy string

const (
	Whole   Strategy = "whole"
	Chunked Strategy = "chunked"
)

// Result describes a completed transfer.
type Result struct {
	LocalPath  string
	RemotePath string
	Size       int64
	Strategy   Strategy
	Chunks     int
	ETag       string
	Duration   time.Duration
}

// Error is returned for any failed transfer. The local file is untouched.
type Error struct {
	Op         string
	LocalPath  string
	RemotePath string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer %s -> %s: %s: %v", e.LocalPath, e.RemotePath, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Engine uploads local files, whole or in chunks, and deletes them once the store
// has confirmed the commit.
type Engine struct {
	store     remote.Store
	chunkSize int64
	mode      remote.WriteMode
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

type EngineOption func(*Engine)

func WithChunkSize(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

func WithWriteMode(m remote.WriteMode) EngineOption {
	return func(e *Engine) { e.mode = m }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(store remote.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		chunkSize: DefaultChunkSize,
		mode:      remote.Overwrite,
		logger:    slog.Default(),
		inFlight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer uploads localPath to remotePath. Files up to the chunk size go up in one
// request; larger ones through a start/append/finish session. The local file is
// removed only after the store reports the full size under remotePath.
func (e *Engine) Transfer(ctx context.Context, localPath, remotePath string) (*Result, error) {
	remotePath = remote.Clean(remotePath)
	if !e.acquire(remotePath) {
		return nil, &Error{Op: "acquire", LocalPath: localPath, RemotePath: remotePath, Err: ErrBusy}
	}
	defer e.release(remotePath)

	start := time.Now()
	res, err := e.upload(ctx, localPath, remotePath)
	if err != nil {
		return nil, err
	}

	obj, err := e.store.Stat(ctx, remotePath)
	if err != nil {
		return nil, &Error{Op: "verify", LocalPath: localPath, RemotePath: remotePath, Err: err}
	}
	if obj.Size != res.Size {
		return nil, &Error{Op: "verify", LocalPath: localPath, RemotePath: remotePath,
			Err: fmt.Errorf("%w: remote %d, local %d", ErrIncomplete, obj.Size, res.Size)}
	}

	if err := os.Remove(localPath); err != nil {
		return nil, &Error{Op: "cleanup", LocalPath: localPath, RemotePath: remotePath, Err: err}
	}
	res.Duration = time.Since(start)
	e.logger.Info("upload complete, local file deleted",
		"stage", "upload", "file", localPath, "remote", remotePath,
		"strategy", res.Strategy, "chunks", res.Chunks, "duration", res.Duration)
	return res, nil
}

func (e *Engine) upload(ctx context.Context, localPath, remotePath string) (*Result, error) {
	wrap := func(op string, err error) error {
		return &Error{Op: op, LocalPath: localPath, RemotePath: remotePath, Err: err}
	}
	fail := func(op string, err error) (*Result, error) {
		return nil, wrap(op, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fail("open", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fail("stat", err)
	}
	size := fi.Size()
	res := &Result{LocalPath: localPath, RemotePath: remotePath, Size: size}

	e.logger.Info("upload start", "stage", "upload", "file", localPath,
		"size_mb", fmt.Sprintf("%.2f", float64(size)/(1024*1024)))

	if size <= e.chunkSize {
		obj, err := e.store.Upload(ctx, remotePath, f, size, e.mode)
		if err != nil {
			return fail("upload", err)
		}
		res.Strategy, res.Chunks, res.ETag = Whole, 1, obj.ETag
		return res, nil
	}

	res.Strategy = Chunked
	total := (size + e.chunkSize - 1) / e.chunkSize
	e.logger.Info("large file, uploading in chunks", "stage", "upload",
		"file", localPath, "chunks", total, "chunk_size", e.chunkSize)

	first, err := readChunk(f, e.chunkSize)
	if err != nil {
		return fail("read", err)
	}
	cur, err := e.store.StartSession(ctx, remotePath, first)
	if err != nil {
		return fail("start", err)
	}
	res.Chunks = 1

	// Hold one chunk back so the last one can be sent as the finish call; the end is
	// found by hitting EOF, not by counting.
	pending, err := readChunk(f, e.chunkSize)
	if err != nil {
		return e.abort(ctx, cur, wrap("read", err))
	}
	for {
		next, err := readChunk(f, e.chunkSize)
		if err != nil {
			return e.abort(ctx, cur, wrap("read", err))
		}
		if len(next) == 0 {
			break
		}
		if err := e.store.AppendSession(ctx, cur, pending); err != nil {
			return e.abort(ctx, cur, wrap("append", err))
		}
		cur.Offset += int64(len(pending))
		res.Chunks++
		e.logger.Debug("chunk appended", "stage", "upload", "file", localPath,
			"chunk", res.Chunks, "of", total, "offset", cur.Offset)
		pending = next
	}

	obj, err := e.store.FinishSession(ctx, cur, pending, remote.Commit{Path: remotePath, Mode: e.mode})
	if err != nil {
		return e.abort(ctx, cur, wrap("finish", err))
	}
	res.Chunks++
	res.ETag = obj.ETag
	return res, nil
}

// abort discards the remote session and hands back the original failure.
func (e *Engine) abort(ctx context.Context, cur *remote.Cursor, err error) (*Result, error) {
	if aerr := e.store.AbortSession(context.WithoutCancel(ctx), cur); aerr != nil {
		e.logger.Warn("abort upload session", "stage", "upload", "remote", cur.Path, "error", aerr)
	}
	return nil, err
}

func (e *Engine) acquire(remotePath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[remotePath] {
		return false
	}
	e.inFlight[remotePath] = true
	return true
}

func (e *Engine) release(remotePath string) {
	e.mu.Lock()
	delete(e.inFlight, remotePath)
	e.mu.Unlock()
}

// readChunk reads up to n bytes; a short or empty result means EOF was reached.
func readChunk(r io.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return buf[:read], nil
	default:
		return nil, err
	}
}
