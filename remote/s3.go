package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(
		ctx context.Context,
		params *s3.ListObjectsV2Input,
		optFns ...func(*s3.Options),
	) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(
		ctx context.Context,
		params *s3.CreateMultipartUploadInput,
		optFns ...func(*s3.Options),
	) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(
		ctx context.Context,
		params *s3.CompleteMultipartUploadInput,
		optFns ...func(*s3.Options),
	) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(
		ctx context.Context,
		params *s3.AbortMultipartUploadInput,
		optFns ...func(*s3.Options),
	) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Options configures an S3Store built from the default AWS credential chain.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	// PathStyle is needed by most S3-compatible servers (LocalStack, Ceph).
	PathStyle bool
	// AccessKey and SecretKey override the credential chain when both are set.
	AccessKey string
	SecretKey string
}

// S3Store maps the chunked session protocol onto S3 multipart uploads: the session
// start creates the upload and sends part 1, appends send the following parts and
// finish sends the last part and completes the upload.
type S3Store struct {
	client   S3API
	bucket   string
	sessions *sessionTable
}

var _ Store = (*S3Store)(nil)

func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket, sessions: newSessionTable()}
}

// OpenS3 builds an S3 client from opts. It is called once at process start.
func OpenS3(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	var loaders []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewS3Store(client, opts.Bucket), nil
}

func (s *S3Store) List(ctx context.Context, dir string) ([]Entry, error) {
	dir = Clean(dir)
	prefix := objectKey(dir)
	if prefix != "" {
		prefix += "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}

	var out []Entry
	for {
		page, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, s.translate("list", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			key := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			out = append(out, Entry{Name: path.Base(key), Path: keyPath(key), Kind: KindFolder})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			out = append(out, Entry{
				Name: path.Base(key),
				Path: keyPath(key),
				Kind: KindFile,
				Size: aws.ToInt64(obj.Size),
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}
	if len(out) == 0 {
		return nil, newError("list", dir, ErrNotFound)
	}
	return out, nil
}

func (s *S3Store) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(p)),
	})
	if err != nil {
		return 0, s.translate("download", p, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, newError("download", p, err)
	}
	return n, nil
}

func (s *S3Store) Upload(ctx context.Context, p string, r io.Reader, size int64, mode WriteMode) (*Object, error) {
	p = Clean(p)
	if err := s.checkMode(ctx, "upload", p, mode); err != nil {
		return nil, err
	}
	body, contentType, err := sniff(r)
	if err != nil {
		return nil, newError("upload", p, err)
	}
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(p)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, s.translate("upload", p, err)
	}
	return &Object{Path: p, Size: size, ETag: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) StartSession(ctx context.Context, p string, chunk []byte) (*Cursor, error) {
	p = Clean(p)
	key := objectKey(p)
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(detectContentType(chunk)),
	})
	if err != nil {
		return nil, s.translate("start", p, err)
	}
	sess := s.sessions.open(p, key, aws.ToString(out.UploadId))
	cur := &Cursor{SessionID: sess.id, Path: p}

	if err := s.uploadPart(ctx, sess, chunk); err != nil {
		s.abort(ctx, sess)
		return nil, s.translate("start", p, err)
	}
	cur.Offset = sess.received
	return cur, nil
}

func (s *S3Store) AppendSession(ctx context.Context, cur *Cursor, chunk []byte) error {
	sess, err := s.sessions.lookup("append", cur)
	if err != nil {
		return err
	}
	if err := s.uploadPart(ctx, sess, chunk); err != nil {
		return s.translate("append", sess.path, err)
	}
	return nil
}

func (s *S3Store) FinishSession(ctx context.Context, cur *Cursor, chunk []byte, commit Commit) (*Object, error) {
	sess, err := s.sessions.lookup("finish", cur)
	if err != nil {
		return nil, err
	}
	target := Clean(commit.Path)
	if target != sess.path {
		return nil, newError("finish", target, ErrPathMismatch)
	}
	if err := s.checkMode(ctx, "finish", target, commit.Mode); err != nil {
		return nil, err
	}
	if len(chunk) > 0 || len(sess.parts) == 0 {
		if err := s.uploadPart(ctx, sess, chunk); err != nil {
			return nil, s.translate("finish", target, err)
		}
	}

	parts := make([]awstypes.CompletedPart, 0, len(sess.parts))
	for _, pt := range sess.parts {
		parts = append(parts, awstypes.CompletedPart{
			ETag:       aws.String(pt.etag),
			PartNumber: aws.Int32(pt.number),
		})
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(sess.key),
		UploadId:        aws.String(sess.uploadID),
		MultipartUpload: &awstypes.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, s.translate("finish", target, err)
	}
	s.sessions.drop(sess.id)
	return &Object{Path: target, Size: sess.received, ETag: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) AbortSession(ctx context.Context, cur *Cursor) error {
	if cur == nil {
		return nil
	}
	s.sessions.mu.Lock()
	sess, ok := s.sessions.m[cur.SessionID]
	s.sessions.mu.Unlock()
	if !ok {
		return nil
	}
	return s.abort(ctx, sess)
}

func (s *S3Store) Stat(ctx context.Context, p string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(p)),
	})
	if err != nil {
		return nil, s.translate("stat", p, err)
	}
	obj := &Object{Path: Clean(p), Size: aws.ToInt64(out.ContentLength), ETag: aws.ToString(out.ETag)}
	if out.LastModified != nil {
		obj.ModTime = *out.LastModified
	}
	return obj, nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) uploadPart(ctx context.Context, sess *session, chunk []byte) error {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(sess.key),
		UploadId:      aws.String(sess.uploadID),
		PartNumber:    aws.Int32(sess.nextPart()),
		Body:          bytes.NewReader(chunk),
		ContentLength: aws.Int64(int64(len(chunk))),
	})
	if err != nil {
		return err
	}
	sess.add(aws.ToString(out.ETag), int64(len(chunk)))
	return nil
}

// abort is best effort; the session is forgotten either way.
func (s *S3Store) abort(ctx context.Context, sess *session) error {
	defer s.sessions.drop(sess.id)
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(sess.key),
		UploadId: aws.String(sess.uploadID),
	})
	if err != nil {
		return s.translate("abort", sess.path, err)
	}
	return nil
}

func (s *S3Store) checkMode(ctx context.Context, op, p string, mode WriteMode) error {
	if mode != Add {
		return nil
	}
	_, err := s.Stat(ctx, p)
	switch {
	case err == nil:
		return newError(op, p, ErrConflict)
	case IsNotFound(err):
		return nil
	default:
		return err
	}
}

func (s *S3Store) translate(op, p string, err error) error {
	var nsk *awstypes.NoSuchKey
	var nf *awstypes.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return newError(op, p, fmt.Errorf("%w: %v", ErrNotFound, err))
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return newError(op, p, fmt.Errorf("%w: %v", ErrNotFound, err))
		case "NoSuchUpload":
			return newError(op, p, fmt.Errorf("%w: %v", ErrSessionNotFound, err))
		}
	}
	return newError(op, p, err)
}
