package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMinio lets each test script the minio calls it cares about.
type mockMinio struct {
	ListObjectsFunc             func(context.Context, string, minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObjectFunc               func(context.Context, string, string, minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	PutObjectFunc               func(context.Context, string, string, io.Reader, int64, minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObjectFunc              func(context.Context, string, string, minio.StatObjectOptions) (minio.ObjectInfo, error)
	NewMultipartUploadFunc      func(context.Context, string, string, minio.PutObjectOptions) (string, error)
	PutObjectPartFunc           func(context.Context, string, string, string, int, io.Reader, int64, minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUploadFunc func(context.Context, string, string, string, []minio.CompletePart, minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUploadFunc    func(context.Context, string, string, string) error
}

var _ MinioAPI = (*mockMinio)(nil)

func (m *mockMinio) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	if m.ListObjectsFunc != nil {
		return m.ListObjectsFunc(ctx, bucket, opts)
	}
	ch := make(chan minio.ObjectInfo)
	close(ch)
	return ch
}

func (m *mockMinio) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error) {
	if m.GetObjectFunc != nil {
		return m.GetObjectFunc(ctx, bucket, key, opts)
	}
	return io.NopCloser(bytes.NewReader(nil)), minio.ObjectInfo{}, nil, nil
}

func (m *mockMinio) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if m.PutObjectFunc != nil {
		return m.PutObjectFunc(ctx, bucket, key, r, size, opts)
	}
	return minio.UploadInfo{Size: size}, nil
}

func (m *mockMinio) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if m.StatObjectFunc != nil {
		return m.StatObjectFunc(ctx, bucket, key, opts)
	}
	return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
}

func (m *mockMinio) NewMultipartUpload(ctx context.Context, bucket, key string, opts minio.PutObjectOptions) (string, error) {
	if m.NewMultipartUploadFunc != nil {
		return m.NewMultipartUploadFunc(ctx, bucket, key, opts)
	}
	return "upload-1", nil
}

func (m *mockMinio) PutObjectPart(ctx context.Context, bucket, key, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	if m.PutObjectPartFunc != nil {
		return m.PutObjectPartFunc(ctx, bucket, key, uploadID, partID, data, size, opts)
	}
	return minio.ObjectPart{PartNumber: partID, ETag: fmt.Sprintf("etag-%d", partID), Size: size}, nil
}

func (m *mockMinio) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, bucket, key, uploadID, parts, opts)
	}
	return minio.UploadInfo{ETag: "final"}, nil
}

func (m *mockMinio) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, bucket, key, uploadID)
	}
	return nil
}

func objectInfos(infos ...minio.ObjectInfo) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo, len(infos))
	for _, info := range infos {
		ch <- info
	}
	close(ch)
	return ch
}

func TestMinioStore_List(t *testing.T) {
	var gotOpts minio.ListObjectsOptions
	mock := &mockMinio{
		ListObjectsFunc: func(_ context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
			assert.Equal(t, "forecasts", bucket)
			gotOpts = opts
			return objectInfos(
				minio.ObjectInfo{Key: "run/assets/"},
				minio.ObjectInfo{Key: "run/assets/pangu_weather_24.onnx", Size: 1200},
				minio.ObjectInfo{Key: "run/assets/aux/"},
			)
		},
	}
	store := NewMinioStore(mock, "forecasts")

	entries, err := store.List(context.Background(), "/run/assets")
	require.NoError(t, err)
	assert.Equal(t, "run/assets/", gotOpts.Prefix)
	assert.False(t, gotOpts.Recursive)
	assert.Equal(t, []Entry{
		{Name: "pangu_weather_24.onnx", Path: "/run/assets/pangu_weather_24.onnx", Kind: KindFile, Size: 1200},
		{Name: "aux", Path: "/run/assets/aux", Kind: KindFolder},
	}, entries)
}

func TestMinioStore_ListErrors(t *testing.T) {
	store := NewMinioStore(&mockMinio{}, "forecasts")
	_, err := store.List(context.Background(), "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	store = NewMinioStore(&mockMinio{
		ListObjectsFunc: func(context.Context, string, minio.ListObjectsOptions) <-chan minio.ObjectInfo {
			return objectInfos(minio.ObjectInfo{Err: minio.ErrorResponse{Code: "NoSuchBucket"}})
		},
	}, "forecasts")
	_, err = store.List(context.Background(), "/run")
	assert.ErrorIs(t, err, ErrNotFound)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "list", rerr.Op)
}

func TestMinioStore_DownloadAndStat(t *testing.T) {
	mock := &mockMinio{
		GetObjectFunc: func(_ context.Context, _, key string, _ minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error) {
			if key != "results/a.grib" {
				return nil, minio.ObjectInfo{}, nil, minio.ErrorResponse{Code: "NoSuchKey"}
			}
			return io.NopCloser(strings.NewReader("GRIB data")), minio.ObjectInfo{}, nil, nil
		},
		StatObjectFunc: func(_ context.Context, _, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
			return minio.ObjectInfo{Key: key, Size: 9, ETag: "abc"}, nil
		},
	}
	store := NewMinioStore(mock, "forecasts")

	var buf bytes.Buffer
	n, err := store.Download(context.Background(), "/results/a.grib", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)
	assert.Equal(t, "GRIB data", buf.String())

	_, err = store.Download(context.Background(), "/results/b.grib", &buf)
	assert.True(t, IsNotFound(err))

	obj, err := store.Stat(context.Background(), "results/a.grib")
	require.NoError(t, err)
	assert.Equal(t, &Object{Path: "/results/a.grib", Size: 9, ETag: "abc"}, obj)
}

func TestMinioStore_Upload(t *testing.T) {
	var gotKey, gotType string
	var body []byte
	mock := &mockMinio{
		PutObjectFunc: func(_ context.Context, _, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
			gotKey, gotType = key, opts.ContentType
			var err error
			body, err = io.ReadAll(r)
			require.NoError(t, err)
			return minio.UploadInfo{Key: key, Size: size, ETag: "etag"}, nil
		},
	}
	store := NewMinioStore(mock, "forecasts")

	data := append([]byte("GRIB"), make([]byte, 600)...)
	obj, err := store.Upload(context.Background(), "/results/a.grib", bytes.NewReader(data), int64(len(data)), Overwrite)
	require.NoError(t, err)
	assert.Equal(t, "results/a.grib", gotKey)
	assert.Equal(t, "application/x-grib", gotType)
	assert.Equal(t, data, body, "content sniffing must not eat the body")
	assert.EqualValues(t, len(data), obj.Size)
}

func TestMinioStore_UploadAddModeConflict(t *testing.T) {
	var puts int
	mock := &mockMinio{
		StatObjectFunc: func(context.Context, string, string, minio.StatObjectOptions) (minio.ObjectInfo, error) {
			return minio.ObjectInfo{Size: 1}, nil
		},
		PutObjectFunc: func(context.Context, string, string, io.Reader, int64, minio.PutObjectOptions) (minio.UploadInfo, error) {
			puts++
			return minio.UploadInfo{}, nil
		},
	}
	store := NewMinioStore(mock, "forecasts")

	_, err := store.Upload(context.Background(), "/a.grib", strings.NewReader("x"), 1, Add)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Zero(t, puts)
}

// minioParts scripts a mock that keeps uploaded parts in memory.
type minioParts struct {
	mu        sync.Mutex
	parts     map[int][]byte
	completed []minio.CompletePart
	aborted   int
	failPart  int
}

func (r *minioParts) mock() *mockMinio {
	r.parts = make(map[int][]byte)
	return &mockMinio{
		PutObjectPartFunc: func(_ context.Context, _, _, uploadID string, partID int, data io.Reader, size int64, _ minio.PutObjectPartOptions) (minio.ObjectPart, error) {
			if partID == r.failPart {
				return minio.ObjectPart{}, errors.New("connection reset by peer")
			}
			body, err := io.ReadAll(data)
			if err != nil {
				return minio.ObjectPart{}, err
			}
			r.mu.Lock()
			r.parts[partID] = body
			r.mu.Unlock()
			return minio.ObjectPart{PartNumber: partID, ETag: fmt.Sprintf("etag-%d", partID), Size: size}, nil
		},
		CompleteMultipartUploadFunc: func(_ context.Context, _, _, _ string, parts []minio.CompletePart, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
			r.completed = parts
			return minio.UploadInfo{ETag: "final"}, nil
		},
		AbortMultipartUploadFunc: func(context.Context, string, string, string) error {
			r.aborted++
			return nil
		},
	}
}

func TestMinioStore_Session(t *testing.T) {
	rec := &minioParts{}
	store := NewMinioStore(rec.mock(), "forecasts")
	ctx := context.Background()

	cur, err := store.StartSession(ctx, "/results/big.grib", []byte("GRIB-one-"))
	require.NoError(t, err)
	assert.EqualValues(t, 9, cur.Offset)

	require.NoError(t, store.AppendSession(ctx, cur, []byte("two-")))
	cur.Offset += 4

	obj, err := store.FinishSession(ctx, cur, []byte("three"), Commit{Path: "/results/big.grib", Mode: Overwrite})
	require.NoError(t, err)
	assert.EqualValues(t, 18, obj.Size)
	assert.Equal(t, "final", obj.ETag)

	assert.Equal(t, []minio.CompletePart{
		{PartNumber: 1, ETag: "etag-1"},
		{PartNumber: 2, ETag: "etag-2"},
		{PartNumber: 3, ETag: "etag-3"},
	}, rec.completed)
	assert.Equal(t, "GRIB-one-two-three", string(rec.parts[1])+string(rec.parts[2])+string(rec.parts[3]))
	assert.Zero(t, store.sessions.len())
}

func TestMinioStore_SessionFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("start part fails and aborts", func(t *testing.T) {
		rec := &minioParts{failPart: 1}
		store := NewMinioStore(rec.mock(), "forecasts")
		_, err := store.StartSession(ctx, "/a.grib", []byte("GRIB"))
		require.Error(t, err)
		assert.Equal(t, 1, rec.aborted)
		assert.Zero(t, store.sessions.len())
	})

	t.Run("append keeps session for abort", func(t *testing.T) {
		rec := &minioParts{failPart: 2}
		store := NewMinioStore(rec.mock(), "forecasts")
		cur, err := store.StartSession(ctx, "/a.grib", []byte("GRIB"))
		require.NoError(t, err)
		err = store.AppendSession(ctx, cur, []byte("more"))
		require.Error(t, err)

		var rerr *Error
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "append", rerr.Op)

		require.NoError(t, store.AbortSession(ctx, cur))
		assert.Equal(t, 1, rec.aborted)
		assert.Zero(t, store.sessions.len())
		require.NoError(t, store.AbortSession(ctx, cur), "aborting twice is a no-op")
	})

	t.Run("finish to another path", func(t *testing.T) {
		rec := &minioParts{}
		store := NewMinioStore(rec.mock(), "forecasts")
		cur, err := store.StartSession(ctx, "/a.grib", []byte("GRIB"))
		require.NoError(t, err)
		_, err = store.FinishSession(ctx, cur, nil, Commit{Path: "/b.grib"})
		assert.ErrorIs(t, err, ErrPathMismatch)
		assert.Nil(t, rec.completed)
	})

	t.Run("unknown upload id", func(t *testing.T) {
		rec := &minioParts{}
		mock := rec.mock()
		mock.CompleteMultipartUploadFunc = func(context.Context, string, string, string, []minio.CompletePart, minio.PutObjectOptions) (minio.UploadInfo, error) {
			return minio.UploadInfo{}, minio.ErrorResponse{Code: "NoSuchUpload"}
		}
		store := NewMinioStore(mock, "forecasts")
		cur, err := store.StartSession(ctx, "/a.grib", []byte("GRIB"))
		require.NoError(t, err)
		_, err = store.FinishSession(ctx, cur, []byte("tail"), Commit{Path: "/a.grib"})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestMinioStore_Translate(t *testing.T) {
	store := NewMinioStore(&mockMinio{}, "forecasts")
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", ErrNotFound},
		{"NoSuchBucket", ErrNotFound},
		{"NotFound", ErrNotFound},
		{"NoSuchUpload", ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := store.translate("stat", "/a", minio.ErrorResponse{Code: tt.code})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	err := store.translate("upload", "/a", minio.ErrorResponse{Code: "AccessDenied"})
	assert.False(t, errors.Is(err, ErrNotFound))
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "upload", rerr.Op)
}
