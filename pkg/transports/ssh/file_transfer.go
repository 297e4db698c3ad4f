package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
)

// Upload copies a local file to remotePath over SFTP, creating parent
// directories and preserving the local permission bits.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) (FileTransferResult, error) {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return FileTransferResult{}, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	fileInfo, err := localFile.Stat()
	if err != nil {
		return FileTransferResult{}, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to stat local file: %w", err),
		}
	}

	client, err := c.getClient()
	if err != nil {
		return FileTransferResult{}, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return FileTransferResult{}, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to start sftp: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return FileTransferResult{}, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return FileTransferResult{}, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return FileTransferResult{}, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: ctx.Err() == nil,
		}
	}

	if err := sftpClient.Chmod(remotePath, fileInfo.Mode().Perm()); err != nil {
		c.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
	}

	result := FileTransferResult{BytesTransferred: written, Duration: time.Since(startTime)}

	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("File uploaded")

	return result, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
