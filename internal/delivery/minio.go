package delivery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioTransport uploads to an S3-compatible bucket, the path used for
// cloud and self-hosted object storage backends alike.
type MinioTransport struct {
	client *minio.Client
	bucket string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

func NewMinioTransport(cfg MinioConfig) (*MinioTransport, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}
	return &MinioTransport{client: client, bucket: cfg.Bucket}, nil
}

func (t *MinioTransport) EnsureBucket(ctx context.Context) error {
	exists, err := t.client.BucketExists(ctx, t.bucket)
	if err != nil {
		return fmt.Errorf("minio: check bucket %q: %w", t.bucket, err)
	}
	if exists {
		return nil
	}
	if err := t.client.MakeBucket(ctx, t.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("minio: create bucket %q: %w", t.bucket, err)
	}
	return nil
}

// minioProgress satisfies minio-go's PutObjectOptions.Progress contract: the
// SDK calls Read with the bytes it has already sent, purely so a progress
// bar can observe them, so only the byte count read matters here.
type minioProgress struct {
	total int64
	sent  int64
	cb    func(sent, total int64)
}

func (p *minioProgress) Read(b []byte) (int, error) {
	p.sent += int64(len(b))
	p.cb(p.sent, p.total)
	return len(b), nil
}

func (t *MinioTransport) Upload(ctx context.Context, localPath, remotePath string, onProgress func(sent, total int64)) error {
	key := strings.TrimPrefix(remotePath, "/")

	opts := minio.PutObjectOptions{}
	if onProgress != nil {
		info, err := os.Stat(localPath)
		if err != nil {
			return fmt.Errorf("minio: stat source: %w", err)
		}
		opts.Progress = &minioProgress{total: info.Size(), cb: onProgress}
	}

	if _, err := t.client.FPutObject(ctx, t.bucket, key, localPath, opts); err != nil {
		return fmt.Errorf("minio: upload %q to %s/%s: %w", localPath, t.bucket, key, err)
	}
	return nil
}
