package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioAPI is the subset of minio-go the store uses: the low level multipart calls of
// minio.Core plus the listing, stat and single-request upload of minio.Client.
type MinioAPI interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	NewMultipartUpload(ctx context.Context, bucket, key string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, key, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// minioCore adapts *minio.Core to MinioAPI. Core shadows a few Client methods with
// lower level signatures, so those calls go to the embedded Client explicitly.
type minioCore struct {
	core *minio.Core
}

var _ MinioAPI = minioCore{}

func (c minioCore) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return c.core.Client.ListObjects(ctx, bucket, opts)
}

func (c minioCore) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error) {
	return c.core.GetObject(ctx, bucket, key, opts)
}

func (c minioCore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.core.Client.PutObject(ctx, bucket, key, r, size, opts)
}

func (c minioCore) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return c.core.Client.StatObject(ctx, bucket, key, opts)
}

func (c minioCore) NewMultipartUpload(ctx context.Context, bucket, key string, opts minio.PutObjectOptions) (string, error) {
	return c.core.NewMultipartUpload(ctx, bucket, key, opts)
}

func (c minioCore) PutObjectPart(ctx context.Context, bucket, key, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	return c.core.PutObjectPart(ctx, bucket, key, uploadID, partID, data, size, opts)
}

func (c minioCore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts, opts)
}

func (c minioCore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return c.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}

// MinioStore talks to MinIO (or any S3-compatible server) through minio-go's low level
// Core API so each session chunk maps onto exactly one multipart part.
type MinioStore struct {
	api      MinioAPI
	bucket   string
	sessions *sessionTable
}

var _ Store = (*MinioStore)(nil)

func OpenMinio(opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("minio: endpoint and bucket are required")
	}
	core, err := minio.NewCore(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewMinioStore(minioCore{core: core}, opts.Bucket), nil
}

// NewMinioStore wraps an existing client.
func NewMinioStore(api MinioAPI, bucket string) *MinioStore {
	return &MinioStore{api: api, bucket: bucket, sessions: newSessionTable()}
}

func (m *MinioStore) List(ctx context.Context, dir string) ([]Entry, error) {
	dir = Clean(dir)
	prefix := objectKey(dir)
	if prefix != "" {
		prefix += "/"
	}

	var out []Entry
	for obj := range m.api.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, m.translate("list", dir, obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			key := strings.TrimSuffix(obj.Key, "/")
			out = append(out, Entry{Name: path.Base(key), Path: keyPath(key), Kind: KindFolder})
			continue
		}
		out = append(out, Entry{Name: path.Base(obj.Key), Path: keyPath(obj.Key), Kind: KindFile, Size: obj.Size})
	}
	if len(out) == 0 {
		return nil, newError("list", dir, ErrNotFound)
	}
	return out, nil
}

func (m *MinioStore) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	obj, _, _, err := m.api.GetObject(ctx, m.bucket, objectKey(p), minio.GetObjectOptions{})
	if err != nil {
		return 0, m.translate("download", p, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		return n, m.translate("download", p, err)
	}
	return n, nil
}

func (m *MinioStore) Upload(ctx context.Context, p string, r io.Reader, size int64, mode WriteMode) (*Object, error) {
	p = Clean(p)
	if err := m.checkMode(ctx, "upload", p, mode); err != nil {
		return nil, err
	}
	body, contentType, err := sniff(r)
	if err != nil {
		return nil, newError("upload", p, err)
	}
	info, err := m.api.PutObject(ctx, m.bucket, objectKey(p), body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, m.translate("upload", p, err)
	}
	return &Object{Path: p, Size: info.Size, ETag: info.ETag, ModTime: info.LastModified}, nil
}

func (m *MinioStore) StartSession(ctx context.Context, p string, chunk []byte) (*Cursor, error) {
	p = Clean(p)
	key := objectKey(p)
	uploadID, err := m.api.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{
		ContentType: detectContentType(chunk),
	})
	if err != nil {
		return nil, m.translate("start", p, err)
	}
	sess := m.sessions.open(p, key, uploadID)
	if err := m.putPart(ctx, sess, chunk); err != nil {
		_ = m.abort(ctx, sess)
		return nil, m.translate("start", p, err)
	}
	return &Cursor{SessionID: sess.id, Path: p, Offset: sess.received}, nil
}

func (m *MinioStore) AppendSession(ctx context.Context, cur *Cursor, chunk []byte) error {
	sess, err := m.sessions.lookup("append", cur)
	if err != nil {
		return err
	}
	if err := m.putPart(ctx, sess, chunk); err != nil {
		return m.translate("append", sess.path, err)
	}
	return nil
}

func (m *MinioStore) FinishSession(ctx context.Context, cur *Cursor, chunk []byte, commit Commit) (*Object, error) {
	sess, err := m.sessions.lookup("finish", cur)
	if err != nil {
		return nil, err
	}
	target := Clean(commit.Path)
	if target != sess.path {
		return nil, newError("finish", target, ErrPathMismatch)
	}
	if err := m.checkMode(ctx, "finish", target, commit.Mode); err != nil {
		return nil, err
	}
	if len(chunk) > 0 || len(sess.parts) == 0 {
		if err := m.putPart(ctx, sess, chunk); err != nil {
			return nil, m.translate("finish", target, err)
		}
	}

	parts := make([]minio.CompletePart, 0, len(sess.parts))
	for _, pt := range sess.parts {
		parts = append(parts, minio.CompletePart{PartNumber: int(pt.number), ETag: pt.etag})
	}
	info, err := m.api.CompleteMultipartUpload(ctx, m.bucket, sess.key, sess.uploadID, parts, minio.PutObjectOptions{})
	if err != nil {
		return nil, m.translate("finish", target, err)
	}
	m.sessions.drop(sess.id)
	return &Object{Path: target, Size: sess.received, ETag: info.ETag, ModTime: info.LastModified}, nil
}

func (m *MinioStore) AbortSession(ctx context.Context, cur *Cursor) error {
	if cur == nil {
		return nil
	}
	m.sessions.mu.Lock()
	sess, ok := m.sessions.m[cur.SessionID]
	m.sessions.mu.Unlock()
	if !ok {
		return nil
	}
	return m.abort(ctx, sess)
}

func (m *MinioStore) Stat(ctx context.Context, p string) (*Object, error) {
	info, err := m.api.StatObject(ctx, m.bucket, objectKey(p), minio.StatObjectOptions{})
	if err != nil {
		return nil, m.translate("stat", p, err)
	}
	return &Object{Path: Clean(p), Size: info.Size, ETag: info.ETag, ModTime: info.LastModified}, nil
}

func (m *MinioStore) Close() error {
	return nil
}

func (m *MinioStore) putPart(ctx context.Context, sess *session, chunk []byte) error {
	pt, err := m.api.PutObjectPart(ctx, m.bucket, sess.key, sess.uploadID, int(sess.nextPart()),
		bytes.NewReader(chunk), int64(len(chunk)), minio.PutObjectPartOptions{})
	if err != nil {
		return err
	}
	sess.add(pt.ETag, int64(len(chunk)))
	return nil
}

func (m *MinioStore) abort(ctx context.Context, sess *session) error {
	defer m.sessions.drop(sess.id)
	if err := m.api.AbortMultipartUpload(ctx, m.bucket, sess.key, sess.uploadID); err != nil {
		return m.translate("abort", sess.path, err)
	}
	return nil
}

func (m *MinioStore) checkMode(ctx context.Context, op, p string, mode WriteMode) error {
	if mode != Add {
		return nil
	}
	_, err := m.Stat(ctx, p)
	switch {
	case err == nil:
		return newError(op, p, ErrConflict)
	case IsNotFound(err):
		return nil
	default:
		return err
	}
}

func (m *MinioStore) translate(op, p string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return newError(op, p, fmt.Errorf("%w: %v", ErrNotFound, err))
	case "NoSuchUpload":
		return newError(op, p, fmt.Errorf("%w: %v", ErrSessionNotFound, err))
	}
	return newError(op, p, err)
}
