package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appcrypto "peerlink/crypto"
	"peerlink/events"
	"peerlink/models"
)

const (
	// DefaultBufferSize is the chunk size used when none is configured.
	DefaultBufferSize = 64 * 1024
	// MaxChunkEvents is the largest chunk count for which per-chunk events
	// are emitted.
	MaxChunkEvents = 10
)

// Config holds the transfer tuning knobs.
type Config struct {
	BufferSize      int
	SocketTimeout   time.Duration
	StallTimeout    time.Duration
	UpdateInterval  float64
	RetryLimit      int
	LockoutDuration time.Duration
}

// Trigger says who started a retry.
type Trigger int

const (
	TriggerAutomatic Trigger = iota
	TriggerOperator
)

// OutboundFile describes a file this server offers to a peer.
type OutboundFile struct {
	Peer             models.PeerInfo
	LocalPath        string
	RemoteFolder     string
	Initiator        Initiator
	RemoteTransferID int64
}

// Offer describes a file a peer offers to this server.
type Offer struct {
	Peer             models.PeerInfo
	RemoteTransferID int64
	// RequestedID is this server's transfer id when the offer answers a
	// GetFile request.
	RequestedID   int64
	FileName      string
	FileSizeBytes int64
	LocalFolder   string
	RemoteFolder  string
	Checksum      string
	ResponseCode  int64
}

type entry struct {
	t FileTransfer

	accepted        bool
	running         bool
	cancel          context.CancelFunc
	cancelRequested bool
	peerStalled     bool
	retryPending    bool
	operatorRetry   bool
	lastProgress    float64
	totalChunks     int
}

// Controller is the single owner of every FileTransfer on this server.
type Controller struct {
	mu        sync.Mutex
	transfers map[int64]*entry
	nextID    int64

	cfg       Config
	transport ChunkTransport
	retries   *RetryManager
	emit      events.Emitter
	now       func() time.Time
}

// NewController creates a controller moving bytes through transport. A nil
// transport uses SocketTransport.
func NewController(cfg Config, transport ChunkTransport, emit events.Emitter) *Controller {
	if emit == nil {
		emit = events.Discard
	}
	if transport == nil {
		transport = SocketTransport{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}

	c := &Controller{
		transfers: make(map[int64]*entry),
		cfg:       cfg,
		transport: transport,
		retries:   NewRetryManager(cfg.RetryLimit, cfg.LockoutDuration, emit),
		emit:      emit,
		now:       time.Now,
	}
	c.retries.OnExpire(c.lockoutExpired)
	return c
}

// Retries exposes the retry/lockout manager.
func (c *Controller) Retries() *RetryManager {
	return c.retries
}

// Close cancels running chunk loops and pending lockout timers.
func (c *Controller) Close() {
	c.retries.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.transfers {
		if e.cancel != nil {
			e.cancel()
		}
	}
}

// NewOutbound registers a file this server is about to offer.
func (c *Controller) NewOutbound(o OutboundFile) (FileTransfer, error) {
	info, err := os.Stat(o.LocalPath)
	if errors.Is(err, fs.ErrNotExist) {
		return FileTransfer{}, fmt.Errorf("%s: %w", o.LocalPath, ErrFileNotFound)
	}
	if err != nil {
		return FileTransfer{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return FileTransfer{}, fmt.Errorf("%s is a directory: %w", o.LocalPath, ErrFileNotFound)
	}
	checksum, err := appcrypto.FileChecksum(o.LocalPath)
	if err != nil {
		return FileTransfer{}, err
	}
	if o.Initiator == "" {
		o.Initiator = InitiatorSelf
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.addLocked(FileTransfer{
		RemoteTransferID: o.RemoteTransferID,
		FileName:         info.Name(),
		FileSizeBytes:    info.Size(),
		LocalFolderPath:  filepath.Dir(o.LocalPath),
		RemoteFolderPath: o.RemoteFolder,
		Direction:        Outbound,
		Initiator:        o.Initiator,
		Peer:             o.Peer,
		Checksum:         checksum,
		BytesRemaining:   info.Size(),
		ResponseCode:     newResponseCode(),
	})
	c.emitLocked(events.FileTransferRequested, e, fmt.Sprintf("offering %s (%s)", e.t.FileName, humanize.Bytes(uint64(e.t.FileSizeBytes))))
	return e.t, nil
}

// ExpectInbound registers a file this server asked a peer for. The transfer
// stays pending until the peer's offer fills in its size.
func (c *Controller) ExpectInbound(peer models.PeerInfo, fileName, remoteFolder, localFolder string) (FileTransfer, error) {
	t := FileTransfer{
		FileName:         fileName,
		LocalFolderPath:  localFolder,
		RemoteFolderPath: remoteFolder,
		Direction:        Inbound,
		Initiator:        InitiatorSelf,
		Peer:             peer,
	}
	if err := checkDestination(t); err != nil {
		return FileTransfer{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.addLocked(t)
	c.emitLocked(events.FileTransferRequested, e, "requesting "+fileName)
	return e.t, nil
}

// NewInbound registers a peer's offer. An offer answering ExpectInbound fills
// in the pending placeholder. Offers that collide with a local file or target
// a missing folder are recorded as Rejected and returned with the error.
func (c *Controller) NewInbound(o Offer) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.placeholderLocked(o)
	if e == nil {
		e = c.addLocked(FileTransfer{
			FileName:        baseName(o.FileName),
			LocalFolderPath: o.LocalFolder,
			Direction:       Inbound,
			Initiator:       InitiatorRemotePeer,
			Peer:            o.Peer,
		})
	}
	e.t.RemoteTransferID = o.RemoteTransferID
	e.t.RemoteFolderPath = o.RemoteFolder
	e.t.FileSizeBytes = o.FileSizeBytes
	e.t.BytesRemaining = o.FileSizeBytes
	e.t.Checksum = o.Checksum
	e.t.ResponseCode = o.ResponseCode

	c.emitLocked(events.FileTransferRequested, e, fmt.Sprintf("peer offers %s (%s)", e.t.FileName, humanize.Bytes(uint64(e.t.FileSizeBytes))))

	if err := checkDestination(e.t); err != nil {
		e.t.Status = StatusRejected
		e.t.ErrorMessage = err.Error()
		e.t.CompletedAt = c.now()
		c.emitLocked(events.FileTransferRejected, e, err.Error())
		return e.t, err
	}
	return e.t, nil
}

func (c *Controller) placeholderLocked(o Offer) *entry {
	if o.RequestedID == 0 {
		return nil
	}
	e, ok := c.transfers[o.RequestedID]
	if !ok || e.t.Direction != Inbound || e.t.Initiator != InitiatorSelf || e.t.Status != StatusPending {
		return nil
	}
	if !e.t.Peer.Equal(o.Peer) || e.t.RemoteTransferID != 0 {
		return nil
	}
	return e
}

// baseName drops any directory part a peer put into a file name.
func baseName(name string) string {
	return filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
}

func checkDestination(t FileTransfer) error {
	switch t.FileName {
	case "", ".", "..", "/":
		return fmt.Errorf("%q: %w", t.FileName, ErrInvalidFileName)
	}
	if t.FileName != filepath.Base(t.FileName) {
		return fmt.Errorf("%q: %w", t.FileName, ErrInvalidFileName)
	}
	info, err := os.Stat(t.LocalFolderPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s: %w", t.LocalFolderPath, ErrFolderNotFound)
	}
	if _, err := os.Stat(t.LocalPath()); err == nil {
		return fmt.Errorf("%s: %w", t.LocalPath(), ErrAlreadyExists)
	}
	return nil
}

// Accept records this server's decision to receive a pending inbound transfer.
func (c *Controller) Accept(id int64) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if e.t.Direction != Inbound || e.t.Status != StatusPending || e.accepted {
		return e.t, invalidState(e.t, "accept")
	}
	e.accepted = true
	c.emitLocked(events.FileTransferAccepted, e, "accepted "+e.t.FileName)
	return e.t, nil
}

// Reject declines a pending inbound transfer.
func (c *Controller) Reject(id int64) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if e.t.Direction != Inbound || e.t.Status != StatusPending || e.accepted {
		return e.t, invalidState(e.t, "reject")
	}
	e.t.Status = StatusRejected
	e.t.CompletedAt = c.now()
	c.emitLocked(events.FileTransferRejected, e, "rejected "+e.t.FileName)
	return e.t, nil
}

// RejectedByPeer records that the peer declined or could not serve a pending
// transfer.
func (c *Controller) RejectedByPeer(id int64, reason string) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if e.t.Status != StatusPending || e.running {
		return e.t, invalidState(e.t, "mark rejected")
	}
	e.t.Status = StatusRejected
	e.t.ErrorMessage = reason
	e.t.CompletedAt = c.now()
	c.emitLocked(events.FileTransferRejected, e, reason)
	return e.t, nil
}

// PeerAccepted records the peer's acceptance of an outbound offer or of this
// server's retry. offset is how many bytes the peer already holds.
func (c *Controller) PeerAccepted(id, remoteTransferID, responseCode, offset int64) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if e.t.Direction != Outbound || e.running {
		return e.t, invalidState(e.t, "start sending")
	}
	switch {
	case e.t.Status == StatusPending && !e.accepted:
	case e.t.Status == StatusStalled && e.retryPending:
	default:
		return e.t, invalidState(e.t, "start sending")
	}
	if responseCode != e.t.ResponseCode {
		return e.t, fmt.Errorf("transfer %d: got %d, want %d: %w", id, responseCode, e.t.ResponseCode, ErrResponseCodeMismatch)
	}

	e.accepted = true
	e.retryPending = false
	if remoteTransferID != 0 {
		e.t.RemoteTransferID = remoteTransferID
	}
	c.setOffsetLocked(e, offset)
	c.emitLocked(events.FileTransferAccepted, e, "peer accepted "+e.t.FileName)
	return e.t, nil
}

// BeginRetry starts a retry of a stalled transfer. The returned snapshot
// carries the response code to send with the retry request.
func (c *Controller) BeginRetry(id int64, trigger Trigger) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if err := c.checkLockoutLocked(e); err != nil {
		return e.t, err
	}
	if e.t.Status != StatusStalled || e.running {
		return e.t, invalidState(e.t, "retry")
	}
	if !e.retryPending {
		e.t.ResponseCode = newResponseCode()
		e.retryPending = true
	}
	e.operatorRetry = trigger == TriggerOperator
	c.emitLocked(events.RetryFileTransferRequested, e, fmt.Sprintf("retrying from %s", humanize.Bytes(uint64(e.t.TotalBytesTransferred))))
	return e.t, nil
}

// AcceptRetry handles the peer's retry request. When both sides have a retry
// pending the lower response code wins; the loser's request returns
// ErrDuplicateRetry. offset is the peer's resume point and only applies when
// this server is sending.
func (c *Controller) AcceptRetry(id, peerResponseCode, offset int64) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if err := c.checkLockoutLocked(e); err != nil {
		return e.t, err
	}
	if e.t.Status != StatusStalled || e.running {
		return e.t, invalidState(e.t, "accept retry")
	}
	if e.retryPending {
		if c.winsTieLocked(e, peerResponseCode) {
			c.emitLocked(events.DuplicateRetryIgnored, e, "peer retry lost the tie-break")
			return e.t, fmt.Errorf("transfer %d: %w", id, ErrDuplicateRetry)
		}
		e.retryPending = false
	}

	e.accepted = true
	e.operatorRetry = false
	e.t.ResponseCode = peerResponseCode
	if e.t.Direction == Outbound {
		c.setOffsetLocked(e, offset)
	}
	c.emitLocked(events.RetryFileTransferRequested, e, "peer requested retry")
	return e.t, nil
}

func (c *Controller) winsTieLocked(e *entry, peerCode int64) bool {
	if e.t.ResponseCode != peerCode {
		return e.t.ResponseCode < peerCode
	}
	return e.t.Direction == Outbound
}

func (c *Controller) checkLockoutLocked(e *entry) error {
	if !e.t.LockedOut && !c.retries.IsScopeLockedOut(e.t.Peer, e.t.ID) {
		return nil
	}
	remaining := c.retries.Remaining(e.t.Peer, e.t.ID)
	c.emitLocked(events.RetryLockedOut, e, "locked out for "+remaining.Round(time.Millisecond).String())
	return fmt.Errorf("transfer %d locked out for %s: %w (%w)", e.t.ID, remaining.Round(time.Millisecond), ErrLockedOut, ErrRetryLimitExceeded)
}

// RunSend streams an accepted outbound transfer over conn and blocks until
// the chunk loop ends.
func (c *Controller) RunSend(ctx context.Context, id int64, conn net.Conn) error {
	job, runCtx, err := c.start(ctx, id, Outbound, -1)
	if err != nil {
		return err
	}
	job.Conn = conn
	err = c.transport.SendFile(runCtx, job)
	return c.finish(id, err)
}

// RunReceive stores an accepted inbound transfer arriving on conn. offset is
// the resume point announced by the sender; preRead holds stream bytes the
// framing layer already consumed.
func (c *Controller) RunReceive(ctx context.Context, id int64, conn net.Conn, preRead []byte, offset int64) error {
	job, runCtx, err := c.start(ctx, id, Inbound, offset)
	if err != nil {
		return err
	}
	job.Conn = conn
	job.PreRead = preRead
	err = c.transport.ReceiveFile(runCtx, job)
	if err == nil {
		err = verifyReceived(job.Path, job.FileSize, c.checksumOf(id))
	}
	return c.finish(id, err)
}

func (c *Controller) checksumOf(id int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.transfers[id]; ok {
		return e.t.Checksum
	}
	return ""
}

func verifyReceived(path string, size int64, checksum string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat received file: %w", err)
	}
	if info.Size() != size {
		return fmt.Errorf("received %d of %d bytes: %w", info.Size(), size, ErrChecksumMismatch)
	}
	if checksum == "" {
		return nil
	}
	got, err := appcrypto.FileChecksum(path)
	if err != nil {
		return err
	}
	if got != checksum {
		return fmt.Errorf("blake2b %s, want %s: %w", got, checksum, ErrChecksumMismatch)
	}
	return nil
}

func (c *Controller) start(ctx context.Context, id int64, dir Direction, offset int64) (*Job, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return nil, nil, err
	}
	if e.t.Direction != dir || e.running || !e.accepted {
		return nil, nil, invalidState(e.t, "run")
	}
	if e.t.Status != StatusPending && e.t.Status != StatusStalled {
		return nil, nil, invalidState(e.t, "run")
	}
	if offset >= 0 {
		if offset > e.t.TotalBytesTransferred {
			return nil, nil, fmt.Errorf("transfer %d: resume at %d but only %d bytes stored: %w", id, offset, e.t.TotalBytesTransferred, ErrInvalidState)
		}
		c.setOffsetLocked(e, offset)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.peerStalled = false
	e.retryPending = false
	e.lastProgress = e.t.PercentComplete
	e.totalChunks = chunkCount(e.t.FileSizeBytes, c.cfg.BufferSize)
	e.t.Status = StatusInProgress
	e.t.Stalled = false
	if e.t.StartedAt.IsZero() {
		e.t.StartedAt = c.now()
	}

	started := events.ReceiveFileBytesStarted
	if dir == Outbound {
		started = events.SendFileBytesStarted
	}
	c.emitLocked(started, e, fmt.Sprintf("%s of %s remaining", humanize.Bytes(uint64(e.t.BytesRemaining)), humanize.Bytes(uint64(e.t.FileSizeBytes))))

	job := &Job{
		TransferID:    id,
		Path:          e.t.LocalPath(),
		FileSize:      e.t.FileSizeBytes,
		Offset:        e.t.TotalBytesTransferred,
		BufferSize:    c.cfg.BufferSize,
		SocketTimeout: c.cfg.SocketTimeout,
		StallTimeout:  c.cfg.StallTimeout,
		RetryLimit:    c.cfg.RetryLimit,
		Stalled:       func() bool { return c.stalledByPeer(id) },
		OnChunk:       func(n int) { c.recordChunk(id, n) },
	}
	return job, runCtx, nil
}

func (c *Controller) stalledByPeer(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.transfers[id]
	return ok && e.peerStalled
}

func (c *Controller) recordChunk(id int64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.transfers[id]
	if !ok {
		return
	}
	e.t.CurrentChunkBytes = int64(n)
	e.t.ChunkCount++
	c.setProgressLocked(e, e.t.TotalBytesTransferred+int64(n))

	if e.totalChunks <= MaxChunkEvents {
		chunk := events.ReceivedFileChunkFromRemoteServer
		if e.t.Direction == Outbound {
			chunk = events.SentFileChunkToRemoteServer
		}
		c.emitLocked(chunk, e, "")
	}
	c.maybeProgressLocked(e)
}

func (c *Controller) maybeProgressLocked(e *entry) {
	pct := e.t.PercentComplete
	if pct-e.lastProgress >= c.cfg.UpdateInterval && pct > e.lastProgress || pct >= 1 && e.lastProgress < 1 {
		e.lastProgress = pct
		c.emitLocked(events.UpdateFileTransferProgress, e, "")
	}
}

func (c *Controller) finish(id int64, runErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.transfers[id]
	if !ok {
		return fmt.Errorf("transfer %d: %w", id, ErrTransferNotFound)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.running = false
	e.cancel = nil

	switch {
	case runErr == nil:
		e.t.CurrentChunkBytes = 0
		c.setProgressLocked(e, e.t.FileSizeBytes)
		e.t.PercentComplete = 1
		c.maybeProgressLocked(e)
		e.t.CompletedAt = c.now()
		c.retries.Reset(e.t.Peer, e.t.ID)
		if e.t.Direction == Outbound {
			e.t.Status = StatusTransferComplete
			c.emitLocked(events.SendFileBytesComplete, e, fmt.Sprintf("sent %s", humanize.Bytes(uint64(e.t.FileSizeBytes))))
		} else {
			e.t.Status = StatusConfirmedComplete
			c.emitLocked(events.ReceiveFileBytesComplete, e, fmt.Sprintf("received %s", humanize.Bytes(uint64(e.t.FileSizeBytes))))
		}
		return nil

	case e.cancelRequested || errors.Is(runErr, ErrCancelled) || errors.Is(runErr, context.Canceled):
		c.cancelLocked(e, "transfer cancelled")
		if errors.Is(runErr, ErrCancelled) {
			return runErr
		}
		return fmt.Errorf("transfer %d: %w", id, ErrCancelled)

	case errors.Is(runErr, ErrStalled) || errors.Is(runErr, ErrRetryLimitExceeded):
		stopped := events.FileTransferStalled
		if e.t.Direction == Outbound {
			stopped = events.StoppedSendingFileBytes
		}
		return c.stallLocked(e, stopped, runErr)

	default:
		e.t.Status = StatusError
		e.t.ErrorMessage = runErr.Error()
		e.t.CompletedAt = c.now()
		c.emitErrorLocked(events.ErrorOccurred, e, runErr)
		logrus.WithFields(logrus.Fields{
			"function":    "finish",
			"transfer_id": id,
			"error":       runErr.Error(),
		}).Error("File transfer failed")
		return runErr
	}
}

// stallLocked moves a transfer to Stalled and counts the failure. A breach
// of the retry limit locks the scope out; an automatic breach also rejects
// the transfer until the lockout expires.
func (c *Controller) stallLocked(e *entry, evt events.Type, cause error) error {
	e.t.Status = StatusStalled
	e.t.Stalled = true
	e.t.CurrentChunkBytes = 0
	e.t.ErrorMessage = cause.Error()
	c.emitErrorLocked(evt, e, cause)

	decision := c.retries.RecordFailure(e.t.Peer, e.t.ID)
	e.t.RetryCounter = min(decision.Attempts, c.retries.Limit())
	if decision.Allowed {
		return cause
	}

	e.t.LockedOut = true
	e.retryPending = false
	if !e.operatorRetry {
		e.t.Status = StatusRejected
		e.t.CompletedAt = c.now()
	}
	c.emitLocked(events.RetryLimitExceeded, e, fmt.Sprintf("%d failures, locked out for %s", decision.Attempts, c.cfg.LockoutDuration))
	return fmt.Errorf("transfer %d: %w: %w", e.t.ID, ErrRetryLimitExceeded, cause)
}

// PeerStalled records the peer's report that it stopped receiving. A running
// sender observes it before its next chunk.
func (c *Controller) PeerStalled(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	e.peerStalled = true
	if e.running {
		return nil
	}
	switch e.t.Status {
	case StatusInProgress, StatusTransferComplete:
		_ = c.stallLocked(e, events.FileTransferStalled, fmt.Errorf("peer reported stall: %w", ErrStalled))
	}
	return nil
}

// PeerCancelled records the peer's cancellation.
func (c *Controller) PeerCancelled(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if !e.t.Active() {
		return nil
	}
	c.requestCancelLocked(e, "cancelled by peer")
	return nil
}

// Cancel stops a transfer. A running chunk loop stops at its next chunk
// boundary and the transfer ends Cancelled.
func (c *Controller) Cancel(id int64) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if !e.t.Active() {
		return e.t, invalidState(e.t, "cancel")
	}
	c.requestCancelLocked(e, "cancelled")
	return e.t, nil
}

func (c *Controller) requestCancelLocked(e *entry, reason string) {
	e.cancelRequested = true
	if e.running {
		e.cancel()
		return
	}
	c.cancelLocked(e, reason)
}

func (c *Controller) cancelLocked(e *entry, reason string) {
	e.t.Status = StatusCancelled
	e.t.Stalled = false
	e.t.CurrentChunkBytes = 0
	e.t.ErrorMessage = reason
	e.t.CompletedAt = c.now()
	c.emitLocked(events.FileTransferCancelled, e, reason)
}

// Fail ends a transfer that cannot continue, typically because its peer
// could not be reached.
func (c *Controller) Fail(id int64, cause error) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if e.running || !e.t.Active() {
		return e.t, invalidState(e.t, "fail")
	}
	e.t.Status = StatusError
	e.t.Stalled = false
	e.t.ErrorMessage = cause.Error()
	e.t.CompletedAt = c.now()
	c.emitErrorLocked(events.ErrorOccurred, e, cause)
	return e.t, nil
}

// ConfirmedByPeer records the receiver's confirmation of a completed send.
func (c *Controller) ConfirmedByPeer(id int64) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	if e.t.Direction != Outbound || e.t.Status != StatusTransferComplete {
		return e.t, invalidState(e.t, "confirm")
	}
	c.emitLocked(events.RemoteServerConfirmedFileTransferComplete, e, e.t.FileName+" confirmed by peer")
	return e.t, nil
}

func (c *Controller) lockoutExpired(_ models.PeerInfo, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.transfers[id]
	if !ok || !e.t.LockedOut {
		return
	}
	e.t.LockedOut = false
	e.t.RetryCounter = 0
	if e.t.Status == StatusRejected {
		e.t.Status = StatusStalled
		e.t.Stalled = true
		e.t.CompletedAt = time.Time{}
	}
}

// Get returns a snapshot of one transfer.
func (c *Controller) Get(id int64) (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return FileTransfer{}, err
	}
	return e.t, nil
}

// FindByRemote looks a transfer up by the peer's id for it.
func (c *Controller) FindByRemote(peer models.PeerInfo, remoteTransferID int64) (FileTransfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.transfers {
		if e.t.RemoteTransferID == remoteTransferID && e.t.Peer.Equal(peer) {
			return e.t, true
		}
	}
	return FileTransfer{}, false
}

// IDs returns every transfer id in creation order.
func (c *Controller) IDs() []int64 {
	return c.ids(func(FileTransfer) bool { return true })
}

// PendingIDs returns transfers awaiting an accept or reject decision.
func (c *Controller) PendingIDs() []int64 {
	return c.ids(func(t FileTransfer) bool { return t.Status == StatusPending })
}

// StalledIDs returns transfers that can be retried or are waiting out a lockout.
func (c *Controller) StalledIDs() []int64 {
	return c.ids(func(t FileTransfer) bool { return t.Stalled })
}

// ActiveIDs returns transfers that have not reached a terminal status.
func (c *Controller) ActiveIDs() []int64 {
	return c.ids(FileTransfer.Active)
}

// Transfers returns snapshots of every transfer in creation order.
func (c *Controller) Transfers() []FileTransfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FileTransfer, 0, len(c.transfers))
	for _, e := range c.transfers {
		out = append(out, e.t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Controller) ids(keep func(FileTransfer) bool) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0)
	for id, e := range c.transfers {
		if keep(e.t) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Controller) addLocked(t FileTransfer) *entry {
	c.nextID++
	t.ID = c.nextID
	t.Status = StatusPending
	if t.RequestedAt.IsZero() {
		t.RequestedAt = c.now()
	}
	e := &entry{t: t}
	c.transfers[t.ID] = e
	return e
}

func (c *Controller) lookupLocked(id int64) (*entry, error) {
	e, ok := c.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %d: %w", id, ErrTransferNotFound)
	}
	return e, nil
}

func (c *Controller) setOffsetLocked(e *entry, offset int64) {
	offset = max(0, min(offset, e.t.FileSizeBytes))
	e.t.PercentComplete = 0
	c.setProgressLocked(e, offset)
}

// setProgressLocked keeps BytesRemaining = FileSizeBytes - TotalBytesTransferred.
// PercentComplete only moves forward here; setOffsetLocked resets it first.
func (c *Controller) setProgressLocked(e *entry, transferred int64) {
	e.t.TotalBytesTransferred = transferred
	e.t.BytesRemaining = max(e.t.FileSizeBytes-transferred, 0)
	if pct := percent(transferred, e.t.FileSizeBytes); pct > e.t.PercentComplete {
		e.t.PercentComplete = pct
	}
}

func (c *Controller) emitLocked(typ events.Type, e *entry, text string) {
	c.emit.Emit(transferEvent(typ, e.t, text))
}

func (c *Controller) emitErrorLocked(typ events.Type, e *entry, err error) {
	evt := transferEvent(typ, e.t, "")
	evt.Error = err.Error()
	c.emit.Emit(evt)
}

func transferEvent(typ events.Type, t FileTransfer, text string) events.Event {
	return events.Event{
		Type:             typ,
		Peer:             t.Peer,
		TransferID:       t.ID,
		RemoteTransferID: t.RemoteTransferID,
		FileName:         t.FileName,
		TotalBytes:       t.FileSizeBytes,
		BytesRemaining:   t.BytesRemaining,
		ChunkBytes:       t.CurrentChunkBytes,
		ChunkCount:       t.ChunkCount,
		Percent:          t.PercentComplete,
		RetryCounter:     t.RetryCounter,
		Text:             text,
	}
}

func invalidState(t FileTransfer, op string) error {
	return fmt.Errorf("cannot %s transfer %d in status %s: %w", op, t.ID, t.Status, ErrInvalidState)
}

func percent(transferred, size int64) float64 {
	if size <= 0 {
		return 1
	}
	return float64(transferred) / float64(size)
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

func newResponseCode() int64 {
	return int64(uuid.New().ID())
}
