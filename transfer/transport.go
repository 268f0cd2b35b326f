package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Job describes one chunk loop. Offset is where the loop starts; FileSize is
// the full size of the file, so FileSize-Offset bytes move.
type Job struct {
	TransferID int64
	Path       string
	FileSize   int64
	Offset     int64

	Conn    net.Conn
	PreRead []byte

	BufferSize    int
	SocketTimeout time.Duration
	StallTimeout  time.Duration
	RetryLimit    int

	// Stalled reports whether the peer asked the sender to stop.
	Stalled func() bool
	// OnChunk is called after each chunk is fully written or stored.
	OnChunk func(n int)
}

func (j *Job) chunkDone(n int) {
	if j.OnChunk != nil && n > 0 {
		j.OnChunk(n)
	}
}

func (j *Job) peerStalled() bool {
	return j.Stalled != nil && j.Stalled()
}

// ChunkTransport moves file bytes over a connection. Implementations must
// return errors wrapping ErrCancelled, ErrStalled or ErrRetryLimitExceeded for
// those conditions; any other error is treated as a local failure.
type ChunkTransport interface {
	SendFile(ctx context.Context, job *Job) error
	ReceiveFile(ctx context.Context, job *Job) error
}

// SocketTransport is the production ChunkTransport over a net.Conn.
type SocketTransport struct{}

var _ ChunkTransport = SocketTransport{}

// SendFile streams the file from job.Offset. Cancellation and a peer stall are
// checked at each chunk boundary.
func (SocketTransport) SendFile(ctx context.Context, job *Job) error {
	file, err := os.Open(job.Path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := file.Seek(job.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek source file: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = job.Conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, bufferSize(job.BufferSize))
	remaining := job.FileSize - job.Offset
	for remaining > 0 {
		if ctx.Err() != nil {
			return fmt.Errorf("send transfer %d: %w", job.TransferID, ErrCancelled)
		}
		if job.peerStalled() {
			return fmt.Errorf("send transfer %d: peer stopped receiving: %w", job.TransferID, ErrStalled)
		}

		chunk := buf[:min(int64(len(buf)), remaining)]
		if _, err := io.ReadFull(file, chunk); err != nil {
			return fmt.Errorf("read source file: %w", err)
		}
		if err := writeChunk(ctx, job, chunk); err != nil {
			return err
		}

		remaining -= int64(len(chunk))
		job.chunkDone(len(chunk))
	}
	return nil
}

// writeChunk flushes one chunk, looping over partial writes. Write timeouts
// are retried up to job.RetryLimit times.
func writeChunk(ctx context.Context, job *Job, chunk []byte) error {
	written := 0
	timeouts := 0
	for written < len(chunk) {
		if job.SocketTimeout > 0 {
			_ = job.Conn.SetWriteDeadline(time.Now().Add(job.SocketTimeout))
		}
		n, err := job.Conn.Write(chunk[written:])
		written += n
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("send transfer %d: %w", job.TransferID, ErrCancelled)
		}
		if !isTimeout(err) {
			return fmt.Errorf("send transfer %d: %w: %v", job.TransferID, ErrStalled, err)
		}
		timeouts++
		if timeouts > job.RetryLimit {
			return fmt.Errorf("send transfer %d: chunk write timed out %d times: %w", job.TransferID, timeouts, ErrRetryLimitExceeded)
		}
	}
	return nil
}

// ReceiveFile stores the incoming stream at job.Offset. Bytes in job.PreRead
// are consumed before the socket is read. No data within job.StallTimeout
// ends the loop with ErrStalled.
func (SocketTransport) ReceiveFile(ctx context.Context, job *Job) error {
	file, err := os.OpenFile(job.Path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open destination file: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = file.Close()
		}
	}()
	if err := file.Truncate(job.Offset); err != nil {
		return fmt.Errorf("truncate destination file: %w", err)
	}
	if _, err := file.Seek(job.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek destination file: %w", err)
	}

	remaining := job.FileSize - job.Offset
	if pre := job.PreRead; len(pre) > 0 && remaining > 0 {
		pre = pre[:min(int64(len(pre)), remaining)]
		if _, err := file.Write(pre); err != nil {
			return fmt.Errorf("write destination file: %w", err)
		}
		remaining -= int64(len(pre))
		job.chunkDone(len(pre))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = job.Conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, bufferSize(job.BufferSize))
	for remaining > 0 {
		if ctx.Err() != nil {
			return fmt.Errorf("receive transfer %d: %w", job.TransferID, ErrCancelled)
		}
		if job.StallTimeout > 0 {
			_ = job.Conn.SetReadDeadline(time.Now().Add(job.StallTimeout))
		}

		n, readErr := job.Conn.Read(buf[:min(int64(len(buf)), remaining)])
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("write destination file: %w", err)
			}
			remaining -= int64(n)
			job.chunkDone(n)
		}
		if readErr == nil || remaining == 0 {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("receive transfer %d: %w", job.TransferID, ErrCancelled)
		}
		if isTimeout(readErr) {
			return fmt.Errorf("receive transfer %d: no data for %s: %w", job.TransferID, job.StallTimeout, ErrStalled)
		}
		return fmt.Errorf("receive transfer %d: %d bytes missing: %w: %v", job.TransferID, remaining, ErrStalled, readErr)
	}

	closed = true
	if err := file.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}
	return nil
}

func bufferSize(size int) int {
	if size <= 0 {
		return DefaultBufferSize
	}
	return size
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
