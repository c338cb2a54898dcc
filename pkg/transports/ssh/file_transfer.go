package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// FileTransfer copies files to the remote docker host via SFTP. Build
// contexts, env files, and bind mount sources declared in the topology
// must exist on the machine whose docker CLI runs them, so they are
// staged over before a remote deploy.
type FileTransfer struct {
	client *Client
}

// NewFileTransfer creates a file transfer backed by an established SSH client.
func NewFileTransfer(client *Client) *FileTransfer {
	return &FileTransfer{client: client}
}

// createSFTPClient creates a new SFTP client.
func (f *FileTransfer) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := f.client.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// UploadFile uploads a single file to the remote host via SFTP.
func (f *FileTransfer) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	sftpClient, err := f.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remoteDir := filepath.Dir(remotePath)
	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	bytesWritten, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			return &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to set file mode: %w", err),
			}
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")

	return nil
}

// UploadDirectory recursively uploads a directory to the remote host.
func (f *FileTransfer) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading directory")

	sftpClient, err := f.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	var files, bytes int64

	err = filepath.WalkDir(localPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(localPath, path)
		if err != nil {
			return err
		}
		remote := sftpClient.Join(remotePath, filepath.ToSlash(rel))

		if d.IsDir() {
			return sftpClient.MkdirAll(remote)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		localFile, err := os.Open(path)
		if err != nil {
			return err
		}
		defer localFile.Close()

		remoteFile, err := sftpClient.Create(remote)
		if err != nil {
			return err
		}
		defer remoteFile.Close()

		n, err := copyWithContext(ctx, remoteFile, localFile)
		if err != nil {
			return err
		}

		if err := sftpClient.Chmod(remote, info.Mode().Perm()); err != nil {
			return err
		}

		files++
		bytes += n
		return nil
	})

	if err != nil {
		return &TransportError{
			Op:          "upload-dir",
			Err:         err,
			IsTemporary: true,
		}
	}

	log.Info().
		Str("remote", remotePath).
		Int64("files", files).
		Int64("bytes", bytes).
		Dur("duration", time.Since(startTime)).
		Msg("directory uploaded")

	return nil
}

// copyWithContext copies src to dst, aborting when the context is cancelled.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)

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
			if nw < nr {
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
