package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalTransport copies a file into another directory on the same
// filesystem, the trivial case used for single-host deployments.
type LocalTransport struct{}

func NewLocalTransport() *LocalTransport { return &LocalTransport{} }

func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string, onProgress func(sent, total int64)) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("localfs: open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("localfs: stat source: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return fmt.Errorf("localfs: mkdir destination: %w", err)
	}

	dst, err := os.Create(remotePath)
	if err != nil {
		return fmt.Errorf("localfs: create destination: %w", err)
	}
	defer dst.Close()

	var reader io.Reader = src
	if onProgress != nil {
		reader = io.TeeReader(src, &progressWriter{total: info.Size(), cb: onProgress})
	}

	if _, err := io.Copy(dst, reader); err != nil {
		os.Remove(remotePath)
		return fmt.Errorf("localfs: copy: %w", err)
	}
	return ctx.Err()
}

// progressWriter adapts an (sent, total int64) callback to an io.Writer so
// it can sit behind io.TeeReader, shared by LocalTransport and
// SFTPTransport (MinioTransport reports through minioProgress instead).
type progressWriter struct {
	total int64
	sent  int64
	cb    func(sent, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.sent += int64(len(b))
	p.cb(p.sent, p.total)
	return len(b), nil
}
