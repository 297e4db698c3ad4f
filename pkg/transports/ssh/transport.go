// Package ssh runs commands and copies files on remote hosts over SSH.
//
// Connections are opened lazily by a Pool, one per inventory.Host, and reused
// across commands. Non-zero exit codes are reported in ExecResult; a
// TransportError is returned only when the command could not be run or its
// outcome is unknown.
package ssh

import (
	"errors"
	"time"
)

// ExecResult is what a remote command left behind once it exited.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// FileTransferResult reports a finished upload.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration
}

// TransportError wraps a failure to reach the host or run a session on it.
// Op names the step that failed: connect, session, exec, upload or
// health-check.
type TransportError struct {
	Op  string
	Err error

	// IsTemporary marks failures the pool may retry on a fresh connection.
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a TransportError marked temporary.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
