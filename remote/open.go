package remote

import (
	"context"
	"fmt"
	"os"
)

const (
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendMemory = "memory"
)

// Options selects and configures a backend. Secrets are read from the environment
// variables named here, once, when the store is opened.
type Options struct {
	Backend      string
	Bucket       string
	Region       string
	Endpoint     string
	PathStyle    bool
	UseSSL       bool
	AccessKeyEnv string
	SecretKeyEnv string
}

// Open constructs the store for opts. The caller owns the returned store and must
// Close it at shutdown.
func Open(ctx context.Context, opts Options) (Store, error) {
	accessKey := envValue(opts.AccessKeyEnv)
	secretKey := envValue(opts.SecretKeyEnv)

	switch opts.Backend {
	case BackendS3, "":
		return OpenS3(ctx, S3Options{
			Bucket:    opts.Bucket,
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			PathStyle: opts.PathStyle,
			AccessKey: accessKey,
			SecretKey: secretKey,
		})
	case BackendMinio:
		return OpenMinio(MinioOptions{
			Endpoint:  opts.Endpoint,
			Bucket:    opts.Bucket,
			Region:    opts.Region,
			AccessKey: accessKey,
			SecretKey: secretKey,
			UseSSL:    opts.UseSSL,
		})
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown remote backend %q", opts.Backend)
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
