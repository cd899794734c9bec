package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

const defaultFileMode = 0o644

func (c *SSHClient) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Host:        c.config.Host,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return client, nil
}

// WriteFile uploads content to a temporary sibling and renames it over
// remotePath, so readers never observe a partial file.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, content []byte, mode uint32) (*FileTransferResult, error) {
	start := time.Now()
	if mode == 0 {
		mode = defaultFileMode
	}

	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	fail := func(format string, err error) error {
		return &TransportError{Op: "upload", Host: c.config.Host, Err: fmt.Errorf(format, err)}
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, fail("failed to create remote directory: %w", err)
	}

	tmpPath := remotePath + ".tmp"
	remoteFile, err := client.Create(tmpPath)
	if err != nil {
		return nil, fail("failed to create remote file: %w", err)
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	if closeErr := remoteFile.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = client.Remove(tmpPath)
		return nil, fail("failed to copy file: %w", err)
	}

	if err := client.Chmod(tmpPath, os.FileMode(mode)); err != nil {
		log.Warn().Err(err).Str("path", remotePath).Msg("failed to set file permissions")
	}

	if err := client.PosixRename(tmpPath, remotePath); err != nil {
		// Servers without the posix-rename extension need the target removed first.
		_ = client.Remove(remotePath)
		if err := client.Rename(tmpPath, remotePath); err != nil {
			_ = client.Remove(tmpPath)
			return nil, fail("failed to replace remote file: %w", err)
		}
	}

	sum := sha256.Sum256(content)
	result := &FileTransferResult{
		BytesTransferred: written,
		Checksum:         hex.EncodeToString(sum[:]),
		Duration:         time.Since(start),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded")

	return result, nil
}

// ReadFile downloads a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Host: c.config.Host, Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "download", Host: c.config.Host, Err: err, IsTemporary: true}
	}
	return buf.Bytes(), nil
}

// copyWithContext copies in chunks and stops when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)
			if err != nil {
				return written, err
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
