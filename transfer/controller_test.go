package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcrypto "peerlink/crypto"
	"peerlink/events"
	"peerlink/models"
)

var (
	senderPeer   = models.PeerInfo{SessionIP: "127.0.0.1", Port: 9001, Name: "sender"}
	receiverPeer = models.PeerInfo{SessionIP: "127.0.0.1", Port: 9002, Name: "receiver"}
)

func newTestLog() *events.Log {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return events.NewLog(logger)
}

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/251)
	}
	return data
}

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func eventsOfType(all []events.Event, typ events.Type) []events.Event {
	out := make([]events.Event, 0)
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// scriptedTransport hands each call to a script and records the offsets the
// controller asked for.
type scriptedTransport struct {
	mu      sync.Mutex
	offsets []int64
	send    func(ctx context.Context, job *Job, call int) error
	receive func(ctx context.Context, job *Job, call int) error
}

func (s *scriptedTransport) record(job *Job) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, job.Offset)
	return len(s.offsets) - 1
}

func (s *scriptedTransport) Offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets...)
}

func (s *scriptedTransport) SendFile(ctx context.Context, job *Job) error {
	return s.send(ctx, job, s.record(job))
}

func (s *scriptedTransport) ReceiveFile(ctx context.Context, job *Job) error {
	return s.receive(ctx, job, s.record(job))
}

// moveBytes reports BufferSize chunks from job.Offset up to upTo.
func moveBytes(job *Job, upTo int64) {
	for off := job.Offset; off < upTo; {
		n := min(int64(job.BufferSize), upTo-off)
		job.OnChunk(int(n))
		off += n
	}
}

func alwaysStall(context.Context, *Job, int) error {
	return fmt.Errorf("induced failure: %w", ErrStalled)
}

// countingTransport sums the chunk lengths reported by the wrapped transport.
type countingTransport struct {
	ChunkTransport
	sent   atomic.Int64
	chunks atomic.Int64
}

func (c *countingTransport) SendFile(ctx context.Context, job *Job) error {
	inner := job.OnChunk
	job.OnChunk = func(n int) {
		c.sent.Add(int64(n))
		c.chunks.Add(1)
		inner(n)
	}
	return c.ChunkTransport.SendFile(ctx, job)
}

func newOutbound(t *testing.T, c *Controller, size int) FileTransfer {
	t.Helper()
	path := writeTestFile(t, t.TempDir(), "payload.bin", testPayload(size))
	out, err := c.NewOutbound(OutboundFile{Peer: receiverPeer, LocalPath: path, RemoteFolder: "/inbox"})
	require.NoError(t, err)
	return out
}

func acceptOutbound(t *testing.T, c *Controller, id int64, offset int64) {
	t.Helper()
	snap, err := c.Get(id)
	require.NoError(t, err)
	_, err = c.PeerAccepted(id, 77, snap.ResponseCode, offset)
	require.NoError(t, err)
}

func TestScenarioTenMegabytesOverPipe(t *testing.T) {
	const size = 10 * 1024 * 1024
	const buffer = 64 * 1024

	cfg := Config{
		BufferSize:     buffer,
		SocketTimeout:  10 * time.Second,
		StallTimeout:   10 * time.Second,
		UpdateInterval: 0.01,
		RetryLimit:     3,
	}
	sendLog := newTestLog()
	counter := &countingTransport{ChunkTransport: SocketTransport{}}
	sender := NewController(cfg, counter, sendLog)
	receiver := NewController(cfg, nil, newTestLog())

	data := testPayload(size)
	src := writeTestFile(t, t.TempDir(), "big.bin", data)
	inbox := t.TempDir()

	out, err := sender.NewOutbound(OutboundFile{Peer: receiverPeer, LocalPath: src, RemoteFolder: inbox})
	require.NoError(t, err)
	in, err := receiver.NewInbound(Offer{
		Peer:             senderPeer,
		RemoteTransferID: out.ID,
		FileName:         out.FileName,
		FileSizeBytes:    out.FileSizeBytes,
		LocalFolder:      inbox,
		Checksum:         out.Checksum,
		ResponseCode:     out.ResponseCode,
	})
	require.NoError(t, err)
	accepted, err := receiver.Accept(in.ID)
	require.NoError(t, err)
	_, err = sender.PeerAccepted(out.ID, in.ID, accepted.ResponseCode, accepted.ResumeOffset())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	sconn, rconn := net.Pipe()
	defer sconn.Close()
	defer rconn.Close()

	received := make(chan error, 1)
	go func() {
		received <- receiver.RunReceive(ctx, in.ID, rconn, nil, 0)
	}()
	require.NoError(t, sender.RunSend(ctx, out.ID, sconn))
	require.NoError(t, <-received)

	sent, err := sender.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTransferComplete, sent.Status)
	assert.Equal(t, int64(0), sent.BytesRemaining)
	assert.Equal(t, int64(size), sent.TotalBytesTransferred)
	assert.Equal(t, 1.0, sent.PercentComplete)
	assert.Equal(t, size/buffer, sent.ChunkCount)
	assert.Equal(t, int64(size), counter.sent.Load())
	assert.Equal(t, int64(size/buffer), counter.chunks.Load())

	got, err := receiver.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmedComplete, got.Status)
	assert.Equal(t, 1.0, got.PercentComplete)
	copied, err := os.ReadFile(filepath.Join(inbox, "big.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, copied))

	history := sendLog.ForTransfer(out.ID)
	assert.Empty(t, eventsOfType(history, events.SentFileChunkToRemoteServer))
	assert.Len(t, eventsOfType(history, events.SendFileBytesStarted), 1)
	assert.Len(t, eventsOfType(history, events.SendFileBytesComplete), 1)

	progress := eventsOfType(history, events.UpdateFileTransferProgress)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Percent-progress[i-1].Percent, 0.01-1e-9)
	}
	assert.Equal(t, 1.0, progress[len(progress)-1].Percent)
}

func TestSmallTransferEmitsEveryChunk(t *testing.T) {
	log := newTestLog()
	transport := &scriptedTransport{send: func(_ context.Context, job *Job, _ int) error {
		moveBytes(job, job.FileSize)
		return nil
	}}
	c := NewController(Config{BufferSize: 4}, transport, log)

	out := newOutbound(t, c, 10)
	acceptOutbound(t, c, out.ID, 0)
	require.NoError(t, c.RunSend(context.Background(), out.ID, nil))

	chunks := eventsOfType(log.ForTransfer(out.ID), events.SentFileChunkToRemoteServer)
	require.Len(t, chunks, 3)
	for i, e := range chunks {
		assert.Equal(t, i+1, e.ChunkCount)
		assert.Equal(t, int64(10)-e.BytesRemaining, int64(min(4*(i+1), 10)))
	}
	assert.Equal(t, int64(2), chunks[2].ChunkBytes)
}

func TestScenarioStallResumesFromOffset(t *testing.T) {
	log := newTestLog()
	transport := &scriptedTransport{send: func(_ context.Context, job *Job, call int) error {
		if call == 0 {
			moveBytes(job, job.FileSize/5)
			return fmt.Errorf("receiver stopped: %w", ErrStalled)
		}
		moveBytes(job, job.FileSize)
		return nil
	}}
	c := NewController(Config{BufferSize: 100, RetryLimit: 3, LockoutDuration: time.Hour}, transport, log)
	defer c.Close()

	out := newOutbound(t, c, 1000)
	acceptOutbound(t, c, out.ID, 0)

	err := c.RunSend(context.Background(), out.ID, nil)
	require.ErrorIs(t, err, ErrStalled)

	stalled, err := c.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, stalled.Status)
	assert.True(t, stalled.Stalled)
	assert.Equal(t, 1, stalled.RetryCounter)
	assert.Equal(t, int64(200), stalled.TotalBytesTransferred)
	assert.Equal(t, int64(800), stalled.BytesRemaining)
	assert.Equal(t, []int64{out.ID}, c.StalledIDs())
	assert.Len(t, eventsOfType(log.ForTransfer(out.ID), events.StoppedSendingFileBytes), 1)

	retry, err := c.BeginRetry(out.ID, TriggerAutomatic)
	require.NoError(t, err)
	_, err = c.PeerAccepted(out.ID, 77, retry.ResponseCode, stalled.TotalBytesTransferred)
	require.NoError(t, err)
	require.NoError(t, c.RunSend(context.Background(), out.ID, nil))

	assert.Equal(t, []int64{0, 200}, transport.Offsets())

	done, err := c.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTransferComplete, done.Status)
	assert.Equal(t, int64(1000), done.TotalBytesTransferred)
	assert.Equal(t, 10, done.ChunkCount)
	assert.Empty(t, c.StalledIDs())

	var last float64
	for _, e := range eventsOfType(log.ForTransfer(out.ID), events.UpdateFileTransferProgress) {
		assert.GreaterOrEqual(t, e.Percent, last)
		last = e.Percent
	}
	assert.Equal(t, 1.0, last)
}

func TestPeerStallFlagStopsSocketSender(t *testing.T) {
	const size = 1024 * 1024
	const buffer = 64 * 1024

	log := newTestLog()
	c := NewController(Config{BufferSize: buffer, SocketTimeout: 5 * time.Second, RetryLimit: 3, LockoutDuration: time.Hour}, nil, log)
	defer c.Close()

	out := newOutbound(t, c, size)
	acceptOutbound(t, c, out.ID, 0)

	sconn, rconn := net.Pipe()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, buffer)
		read := 0
		flagged := false
		for {
			n, err := rconn.Read(buf)
			read += n
			if !flagged && read >= size/5 {
				flagged = true
				_ = c.PeerStalled(out.ID)
			}
			if err != nil {
				return
			}
		}
	}()

	err := c.RunSend(context.Background(), out.ID, sconn)
	_ = sconn.Close()
	<-readerDone
	require.ErrorIs(t, err, ErrStalled)

	got, err := c.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, got.Status)
	assert.Less(t, got.TotalBytesTransferred, int64(size))
	assert.Equal(t, got.FileSizeBytes-got.TotalBytesTransferred, got.BytesRemaining)
	assert.Empty(t, eventsOfType(log.ForTransfer(out.ID), events.ErrorOccurred))
}

func TestScenarioRetryLimitLocksOut(t *testing.T) {
	log := newTestLog()
	transport := &scriptedTransport{send: alwaysStall}
	c := NewController(Config{BufferSize: 100, RetryLimit: 3, LockoutDuration: time.Hour}, transport, log)
	defer c.Close()

	out := newOutbound(t, c, 500)
	acceptOutbound(t, c, out.ID, 0)
	require.ErrorIs(t, c.RunSend(context.Background(), out.ID, nil), ErrStalled)

	var err error
	for i := 0; i < 3; i++ {
		retry, beginErr := c.BeginRetry(out.ID, TriggerAutomatic)
		require.NoError(t, beginErr)
		_, acceptErr := c.PeerAccepted(out.ID, 77, retry.ResponseCode, 0)
		require.NoError(t, acceptErr)
		err = c.RunSend(context.Background(), out.ID, nil)

		snap, getErr := c.Get(out.ID)
		require.NoError(t, getErr)
		assert.LessOrEqual(t, snap.RetryCounter, 3)
	}
	require.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.ErrorIs(t, err, ErrStalled)

	got, err := c.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.True(t, got.LockedOut)
	assert.Equal(t, 3, got.RetryCounter)
	assert.True(t, c.Retries().IsScopeLockedOut(receiverPeer, out.ID))
	assert.True(t, c.Retries().IsLockedOut(receiverPeer))
	assert.Positive(t, c.Retries().Remaining(receiverPeer, out.ID))
	assert.Contains(t, c.ActiveIDs(), out.ID)

	_, err = c.BeginRetry(out.ID, TriggerOperator)
	assert.ErrorIs(t, err, ErrLockedOut)
	_, err = c.AcceptRetry(out.ID, 1, 0)
	assert.ErrorIs(t, err, ErrLockedOut)

	history := log.ForTransfer(out.ID)
	assert.Len(t, eventsOfType(history, events.RetryLimitExceeded), 1)
	assert.Len(t, eventsOfType(history, events.RetryLockedOut), 2)
	assert.Len(t, transport.Offsets(), 4)
}

func TestOperatorBreachStaysStalled(t *testing.T) {
	c := NewController(Config{BufferSize: 100, RetryLimit: 1, LockoutDuration: time.Hour}, &scriptedTransport{send: alwaysStall}, nil)
	defer c.Close()

	out := newOutbound(t, c, 300)
	acceptOutbound(t, c, out.ID, 0)
	require.ErrorIs(t, c.RunSend(context.Background(), out.ID, nil), ErrStalled)

	retry, err := c.BeginRetry(out.ID, TriggerOperator)
	require.NoError(t, err)
	_, err = c.PeerAccepted(out.ID, 77, retry.ResponseCode, 0)
	require.NoError(t, err)
	err = c.RunSend(context.Background(), out.ID, nil)
	require.ErrorIs(t, err, ErrRetryLimitExceeded)

	got, err := c.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, got.Status)
	assert.True(t, got.LockedOut)
	assert.Equal(t, 1, got.RetryCounter)

	_, err = c.BeginRetry(out.ID, TriggerOperator)
	assert.ErrorIs(t, err, ErrLockedOut)
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
}

func TestLockoutExpiryReturnsTransferToStalled(t *testing.T) {
	log := newTestLog()
	c := NewController(Config{BufferSize: 100, RetryLimit: 0, LockoutDuration: 200 * time.Millisecond}, &scriptedTransport{send: alwaysStall}, log)
	defer c.Close()

	out := newOutbound(t, c, 300)
	acceptOutbound(t, c, out.ID, 0)
	require.ErrorIs(t, c.RunSend(context.Background(), out.ID, nil), ErrRetryLimitExceeded)

	got, err := c.Get(out.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)

	require.Eventually(t, func() bool {
		snap, err := c.Get(out.ID)
		return err == nil && snap.Status == StatusStalled && !snap.LockedOut
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, c.Retries().IsScopeLockedOut(receiverPeer, out.ID))
	assert.Zero(t, c.Retries().Attempts(receiverPeer, out.ID))
	assert.Len(t, eventsOfType(log.ForTransfer(out.ID), events.RetryLimitLockoutExpired), 1)

	_, err = c.BeginRetry(out.ID, TriggerOperator)
	assert.NoError(t, err)
}

func TestDuplicateRetryLowerCodeWins(t *testing.T) {
	sender := NewController(Config{BufferSize: 100, RetryLimit: 3, LockoutDuration: time.Hour}, &scriptedTransport{send: alwaysStall}, nil)
	defer sender.Close()
	receiver := NewController(Config{BufferSize: 100, RetryLimit: 3, LockoutDuration: time.Hour}, &scriptedTransport{receive: alwaysStall}, nil)
	defer receiver.Close()

	out := newOutbound(t, sender, 500)
	in, err := receiver.NewInbound(Offer{
		Peer:             senderPeer,
		RemoteTransferID: out.ID,
		FileName:         out.FileName,
		FileSizeBytes:    out.FileSizeBytes,
		LocalFolder:      t.TempDir(),
		ResponseCode:     out.ResponseCode,
	})
	require.NoError(t, err)
	_, err = receiver.Accept(in.ID)
	require.NoError(t, err)
	acceptOutbound(t, sender, out.ID, 0)

	require.ErrorIs(t, sender.RunSend(context.Background(), out.ID, nil), ErrStalled)
	require.ErrorIs(t, receiver.RunReceive(context.Background(), in.ID, nil, nil, 0), ErrStalled)

	sendRetry, err := sender.BeginRetry(out.ID, TriggerOperator)
	require.NoError(t, err)
	recvRetry, err := receiver.BeginRetry(in.ID, TriggerOperator)
	require.NoError(t, err)
	if sendRetry.ResponseCode == recvRetry.ResponseCode {
		t.Skip("random response codes collided")
	}

	_, senderErr := sender.AcceptRetry(out.ID, recvRetry.ResponseCode, 0)
	_, receiverErr := receiver.AcceptRetry(in.ID, sendRetry.ResponseCode, 0)

	if sendRetry.ResponseCode < recvRetry.ResponseCode {
		assert.ErrorIs(t, senderErr, ErrDuplicateRetry)
		assert.NoError(t, receiverErr)
	} else {
		assert.NoError(t, senderErr)
		assert.ErrorIs(t, receiverErr, ErrDuplicateRetry)
	}
}

func TestCancelStopsRunningTransfer(t *testing.T) {
	log := newTestLog()
	started := make(chan struct{})
	transport := &scriptedTransport{send: func(ctx context.Context, job *Job, _ int) error {
		job.OnChunk(100)
		close(started)
		<-ctx.Done()
		return fmt.Errorf("chunk boundary: %w", ErrCancelled)
	}}
	c := NewController(Config{BufferSize: 100}, transport, log)

	out := newOutbound(t, c, 1000)
	acceptOutbound(t, c, out.ID, 0)

	result := make(chan error, 1)
	go func() {
		result <- c.RunSend(context.Background(), out.ID, nil)
	}()
	<-started

	_, err := c.Cancel(out.ID)
	require.NoError(t, err)
	require.ErrorIs(t, <-result, ErrCancelled)

	got, err := c.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, int64(100), got.TotalBytesTransferred)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Len(t, eventsOfType(log.ForTransfer(out.ID), events.FileTransferCancelled), 1)

	_, err = c.Cancel(out.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelPendingTransfer(t *testing.T) {
	c := NewController(Config{}, nil, nil)
	out := newOutbound(t, c, 10)

	got, err := c.Cancel(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NoError(t, c.PeerCancelled(out.ID))
}

func TestNewInboundRejectsCollisionsAndMissingFolders(t *testing.T) {
	c := NewController(Config{}, nil, nil)
	inbox := t.TempDir()
	writeTestFile(t, inbox, "taken.txt", []byte("x"))

	got, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 1, FileName: "taken.txt", FileSizeBytes: 4, LocalFolder: inbox})
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, StatusRejected, got.Status)

	got, err = c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 2, FileName: "new.txt", FileSizeBytes: 4, LocalFolder: filepath.Join(inbox, "missing")})
	require.ErrorIs(t, err, ErrFolderNotFound)
	assert.Equal(t, StatusRejected, got.Status)

	assert.Empty(t, c.PendingIDs())
	assert.Len(t, c.IDs(), 2)
}

func TestOfferedNamesStayInsideTheInbox(t *testing.T) {
	data := testPayload(20)
	checksum, err := appcrypto.ReaderChecksum(bytes.NewReader(data))
	require.NoError(t, err)

	root := t.TempDir()
	inbox := filepath.Join(root, "inbox")
	require.NoError(t, os.Mkdir(inbox, 0o700))

	c := NewController(Config{BufferSize: 8, StallTimeout: time.Second}, nil, nil)
	in, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 4, FileName: "../escape.bin", FileSizeBytes: 20, LocalFolder: inbox, Checksum: checksum})
	require.NoError(t, err)
	assert.Equal(t, "escape.bin", in.FileName)
	_, err = c.Accept(in.ID)
	require.NoError(t, err)

	sconn, rconn := net.Pipe()
	defer sconn.Close()
	defer rconn.Close()
	go func() {
		_, _ = sconn.Write(data)
	}()
	require.NoError(t, c.RunReceive(context.Background(), in.ID, rconn, nil, 0))

	_, err = os.Stat(filepath.Join(root, "escape.bin"))
	assert.True(t, os.IsNotExist(err))
	stored, err := os.ReadFile(filepath.Join(inbox, "escape.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestOfferedNamesWithoutBaseAreRejected(t *testing.T) {
	c := NewController(Config{}, nil, nil)
	inbox := t.TempDir()

	for i, name := range []string{"", ".", "..", "/", "a/.."} {
		got, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: int64(i + 1), FileName: name, FileSizeBytes: 1, LocalFolder: inbox})
		require.ErrorIs(t, err, ErrInvalidFileName, "name %q", name)
		assert.Equal(t, StatusRejected, got.Status)
	}
	assert.Empty(t, c.PendingIDs())
}

func TestOfferFillsRequestedPlaceholder(t *testing.T) {
	c := NewController(Config{}, nil, nil)
	inbox := t.TempDir()

	requested, err := c.ExpectInbound(senderPeer, "report.pdf", "/shared", inbox)
	require.NoError(t, err)
	assert.Equal(t, InitiatorSelf, requested.Initiator)

	got, err := c.NewInbound(Offer{
		Peer:             senderPeer,
		RemoteTransferID: 41,
		RequestedID:      requested.ID,
		FileName:         "report.pdf",
		FileSizeBytes:    2048,
		LocalFolder:      inbox,
		ResponseCode:     9,
	})
	require.NoError(t, err)
	assert.Equal(t, requested.ID, got.ID)
	assert.Equal(t, int64(41), got.RemoteTransferID)
	assert.Equal(t, int64(2048), got.BytesRemaining)
	assert.Equal(t, InitiatorSelf, got.Initiator)
	assert.Len(t, c.IDs(), 1)

	found, ok := c.FindByRemote(senderPeer, 41)
	require.True(t, ok)
	assert.Equal(t, requested.ID, found.ID)
}

func TestAcceptRejectTransitions(t *testing.T) {
	c := NewController(Config{}, nil, nil)
	inbox := t.TempDir()

	first, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 1, FileName: "a.txt", FileSizeBytes: 1, LocalFolder: inbox})
	require.NoError(t, err)
	second, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 2, FileName: "b.txt", FileSizeBytes: 1, LocalFolder: inbox})
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID, second.ID}, c.PendingIDs())

	_, err = c.Accept(first.ID)
	require.NoError(t, err)
	_, err = c.Accept(first.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	rejected, err := c.Reject(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	_, err = c.Accept(second.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = c.Get(99)
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestPeerAcceptRequiresEchoedCode(t *testing.T) {
	c := NewController(Config{}, nil, nil)
	out := newOutbound(t, c, 10)

	_, err := c.PeerAccepted(out.ID, 5, out.ResponseCode+1, 0)
	assert.ErrorIs(t, err, ErrResponseCodeMismatch)

	_, err = c.RejectedByPeer(out.ID, "declined")
	require.NoError(t, err)
	got, err := c.Get(out.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "declined", got.ErrorMessage)
}

func TestReceiveStallThenResume(t *testing.T) {
	data := testPayload(1000)
	checksum, err := appcrypto.ReaderChecksum(bytes.NewReader(data))
	require.NoError(t, err)

	log := newTestLog()
	c := NewController(Config{BufferSize: 256, StallTimeout: 100 * time.Millisecond, RetryLimit: 3, LockoutDuration: time.Hour}, nil, log)
	defer c.Close()

	inbox := t.TempDir()
	in, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 3, FileName: "f.bin", FileSizeBytes: 1000, LocalFolder: inbox, Checksum: checksum, ResponseCode: 5})
	require.NoError(t, err)
	_, err = c.Accept(in.ID)
	require.NoError(t, err)

	sconn, rconn := net.Pipe()
	go func() {
		_, _ = sconn.Write(data[:400])
	}()
	err = c.RunReceive(context.Background(), in.ID, rconn, nil, 0)
	_ = sconn.Close()
	_ = rconn.Close()
	require.ErrorIs(t, err, ErrStalled)

	stalled, err := c.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, stalled.Status)
	assert.Equal(t, int64(400), stalled.TotalBytesTransferred)
	assert.Equal(t, int64(600), stalled.BytesRemaining)
	assert.Len(t, eventsOfType(log.ForTransfer(in.ID), events.FileTransferStalled), 1)

	_, err = c.AcceptRetry(in.ID, 11, 0)
	require.NoError(t, err)

	sconn, rconn = net.Pipe()
	defer sconn.Close()
	defer rconn.Close()
	go func() {
		_, _ = sconn.Write(data[400:])
	}()
	require.NoError(t, c.RunReceive(context.Background(), in.ID, rconn, nil, 400))

	done, err := c.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmedComplete, done.Status)
	assert.Equal(t, 1.0, done.PercentComplete)

	stored, err := os.ReadFile(filepath.Join(inbox, "f.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestReceiveUsesPreReadBytes(t *testing.T) {
	data := testPayload(30)
	checksum, err := appcrypto.ReaderChecksum(bytes.NewReader(data))
	require.NoError(t, err)

	c := NewController(Config{BufferSize: 8, StallTimeout: time.Second}, nil, nil)
	inbox := t.TempDir()
	in, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 3, FileName: "f.bin", FileSizeBytes: 30, LocalFolder: inbox, Checksum: checksum})
	require.NoError(t, err)
	_, err = c.Accept(in.ID)
	require.NoError(t, err)

	sconn, rconn := net.Pipe()
	defer sconn.Close()
	defer rconn.Close()
	go func() {
		_, _ = sconn.Write(data[10:])
	}()
	require.NoError(t, c.RunReceive(context.Background(), in.ID, rconn, data[:10], 0))

	stored, err := os.ReadFile(filepath.Join(inbox, "f.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestReceiveChecksumMismatchIsError(t *testing.T) {
	log := newTestLog()
	c := NewController(Config{StallTimeout: time.Second}, nil, log)
	inbox := t.TempDir()

	bogus, err := appcrypto.ReaderChecksum(bytes.NewReader([]byte("something else")))
	require.NoError(t, err)
	in, err := c.NewInbound(Offer{Peer: senderPeer, RemoteTransferID: 3, FileName: "f.bin", FileSizeBytes: 5, LocalFolder: inbox, Checksum: bogus})
	require.NoError(t, err)
	_, err = c.Accept(in.ID)
	require.NoError(t, err)

	sconn, rconn := net.Pipe()
	defer sconn.Close()
	defer rconn.Close()
	go func() {
		_, _ = sconn.Write([]byte("hello"))
	}()
	err = c.RunReceive(context.Background(), in.ID, rconn, nil, 0)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	got, err := c.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Len(t, eventsOfType(log.ForTransfer(in.ID), events.ErrorOccurred), 1)
}

func TestConfirmedByPeer(t *testing.T) {
	log := newTestLog()
	transport := &scriptedTransport{send: func(_ context.Context, job *Job, _ int) error {
		moveBytes(job, job.FileSize)
		return nil
	}}
	c := NewController(Config{BufferSize: 64}, transport, log)

	out := newOutbound(t, c, 10)
	_, err := c.ConfirmedByPeer(out.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	acceptOutbound(t, c, out.ID, 0)
	require.NoError(t, c.RunSend(context.Background(), out.ID, nil))
	_, err = c.ConfirmedByPeer(out.ID)
	require.NoError(t, err)
	assert.Len(t, eventsOfType(log.ForTransfer(out.ID), events.RemoteServerConfirmedFileTransferComplete), 1)
}
