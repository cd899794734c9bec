// Package ssh pushes day-2 configuration to VNF machines over SSH and SFTP.
package ssh

import (
	"context"
	"time"
)

// Transport is a connected session to one machine.
type Transport interface {
	// Run executes a command and returns its output. A non-zero exit status
	// is reported in ExecResult.ExitCode together with an error.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile uploads content to remotePath via SFTP, creating parent
	// directories. The file is replaced atomically.
	WriteFile(ctx context.Context, remotePath string, content []byte, mode uint32) (*FileTransferResult, error)

	// ReadFile downloads a remote file via SFTP.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// Close releases the connection.
	Close() error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// FileTransferResult represents the result of a file upload.
type FileTransferResult struct {
	BytesTransferred int64
	// Checksum is the SHA256 of the uploaded content.
	Checksum string
	Duration time.Duration
}

// File is one rendered configuration file.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

// PushRequest describes a configuration push to one machine.
type PushRequest struct {
	Host  string
	Files []File
	// Reload runs after every file is written. Empty skips it.
	Reload string
}

// PushResult summarizes a completed push.
type PushResult struct {
	Host      string            `json:"host"`
	Files     int               `json:"files"`
	Bytes     int64             `json:"bytes"`
	Checksums map[string]string `json:"checksums"`
	Output    string            `json:"output,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op   string
	Host string
	Err  error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Host + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
