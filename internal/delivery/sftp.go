package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPTransport uploads over SSH, the path used for storage servers that
// expose only a shell account rather than an object store or shared mount.
type SFTPTransport struct {
	client *sftp.Client
	conn   *ssh.Client
}

type SFTPConfig struct {
	Addr     string // host:port
	User     string
	Password string // password authentication is the only method used
	HostKey  ssh.PublicKey
}

func NewSFTPTransport(cfg SFTPConfig) (*SFTPTransport, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.HostKey != nil {
		hostKeyCallback = ssh.FixedHostKey(cfg.HostKey)
	}

	conn, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKeyCallback,
	})
	if err != nil {
		return nil, fmt.Errorf("sftp: dial %s: %w", cfg.Addr, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp: start client: %w", err)
	}

	return &SFTPTransport{client: client, conn: conn}, nil
}

func (t *SFTPTransport) Close() error {
	t.client.Close()
	return t.conn.Close()
}

func (t *SFTPTransport) Upload(ctx context.Context, localPath, remotePath string, onProgress func(sent, total int64)) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("sftp: open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("sftp: stat source: %w", err)
	}

	if err := t.client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("sftp: mkdir destination: %w", err)
	}

	dst, err := t.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp: create destination: %w", err)
	}
	defer dst.Close()

	var reader io.Reader = src
	if onProgress != nil {
		reader = io.TeeReader(src, &progressWriter{total: info.Size(), cb: onProgress})
	}

	if _, err := io.Copy(dst, reader); err != nil {
		t.client.Remove(remotePath)
		return fmt.Errorf("sftp: copy: %w", err)
	}
	return ctx.Err()
}
