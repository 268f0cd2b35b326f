package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"peerlink/conversation"
	"peerlink/events"
	"peerlink/models"
	"peerlink/network"
	"peerlink/requests"
	"peerlink/transfer"
)

// SendFile offers a local file to peer. The transfer starts once the peer
// accepts.
func (s *Server) SendFile(ctx context.Context, peer models.PeerInfo, localPath string) (transfer.FileTransfer, error) {
	t, err := s.transfers.NewOutbound(transfer.OutboundFile{
		Peer:         peer,
		LocalPath:    localPath,
		RemoteFolder: peer.TransferFolder,
		Initiator:    transfer.InitiatorSelf,
	})
	if err != nil {
		return transfer.FileTransfer{}, err
	}
	if err := s.offer(ctx, t); err != nil {
		return s.snapshot(t), err
	}
	return s.snapshot(t), nil
}

// GetFile asks peer to send one of its files into the local transfer folder.
func (s *Server) GetFile(ctx context.Context, peer models.PeerInfo, remoteName, remoteFolder string) (transfer.FileTransfer, error) {
	t, err := s.transfers.ExpectInbound(peer, filepath.Base(remoteName), remoteFolder, s.opts.TransferFolder)
	if err != nil {
		return transfer.FileTransfer{}, err
	}
	_, err = s.send(ctx, peer, requests.TypeOutboundFileTransferRequest, network.FileFetch{
		RemoteTransferID: t.ID,
		FileName:         remoteName,
		Folder:           remoteFolder,
	})
	if err != nil {
		s.failTransfer(t.ID, err)
	}
	return s.snapshot(t), err
}

// SendTextMessage records a message in the conversation with peer and
// delivers it.
func (s *Server) SendTextMessage(ctx context.Context, peer models.PeerInfo, text string) (models.Message, error) {
	msg := s.conversations.RecordSent(peer, text)
	id, err := s.send(ctx, peer, requests.TypeTextMessage, network.TextMessage{Text: text})
	if err != nil {
		return msg, err
	}
	s.log.Emit(events.Event{Type: events.SentTextMessage, RequestID: id, Peer: peer, Text: text})
	return msg, nil
}

// RequestFileList asks peer for the files in one of its folders. The answer
// arrives as a ReceivedFileList event and through LastFileList.
func (s *Server) RequestFileList(ctx context.Context, peer models.PeerInfo, folder string) (int64, error) {
	return s.send(ctx, peer, requests.TypeFileListRequest, network.FileListRequest{Folder: folder})
}

// RequestPeerInfo asks peer to describe itself. The answer updates Peers.
func (s *Server) RequestPeerInfo(ctx context.Context, peer models.PeerInfo) (int64, error) {
	return s.send(ctx, peer, requests.TypeServerInfoRequest, nil)
}

// RetryTransfer resumes a stalled transfer from its last stored byte.
func (s *Server) RetryTransfer(ctx context.Context, id int64) error {
	return s.retry(ctx, id, transfer.TriggerOperator)
}

// AcceptInboundTransfer accepts an offer left pending for a decision.
func (s *Server) AcceptInboundTransfer(ctx context.Context, id int64) error {
	return s.accept(ctx, id)
}

// RejectInboundTransfer declines an offer left pending for a decision.
func (s *Server) RejectInboundTransfer(ctx context.Context, id int64) error {
	t, err := s.transfers.Reject(id)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, t.Peer, requests.TypeFileTransferRejected, network.FileDecision{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
		ResponseCode:     t.ResponseCode,
		Reason:           "rejected by peer",
	})
	return err
}

// CancelTransfer stops an active transfer and tells the peer. A running chunk
// loop notifies the peer itself when it stops.
func (s *Server) CancelTransfer(ctx context.Context, id int64) error {
	t, err := s.transfers.Cancel(id)
	if err != nil {
		return err
	}
	if t.Status != transfer.StatusCancelled {
		return nil
	}
	_, err = s.send(ctx, t.Peer, requests.TypeTransferCancelled, network.TransferNotice{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
		Reason:           "cancelled by peer",
	})
	return err
}

// ProcessNextQueuedRequest processes the oldest pending inbound request. It
// returns requests.ErrBusy while another request is being processed.
func (s *Server) ProcessNextQueuedRequest(ctx context.Context) (requests.Result, error) {
	return s.queue.ProcessNext(ctx)
}

// ProcessQueuedRequest processes one specific pending request.
func (s *Server) ProcessQueuedRequest(ctx context.Context, id int64) (requests.Result, error) {
	return s.queue.Process(ctx, id)
}

func (s *Server) snapshot(t transfer.FileTransfer) transfer.FileTransfer {
	if latest, err := s.transfers.Get(t.ID); err == nil {
		return latest
	}
	return t
}

// GetTransferByID returns a snapshot of one transfer.
func (s *Server) GetTransferByID(id int64) (transfer.FileTransfer, error) {
	return s.transfers.Get(id)
}

// Transfers returns snapshots of every transfer.
func (s *Server) Transfers() []transfer.FileTransfer {
	return s.transfers.Transfers()
}

// PendingTransferIDs returns transfers awaiting a decision.
func (s *Server) PendingTransferIDs() []int64 {
	return s.transfers.PendingIDs()
}

// StalledTransferIDs returns transfers that can be retried or are locked out.
func (s *Server) StalledTransferIDs() []int64 {
	return s.transfers.StalledIDs()
}

// ActiveTransferIDs returns transfers that have not finished.
func (s *Server) ActiveTransferIDs() []int64 {
	return s.transfers.ActiveIDs()
}

// LockoutRemaining reports how long retries of a transfer stay locked out.
func (s *Server) LockoutRemaining(id int64) (time.Duration, error) {
	t, err := s.transfers.Get(id)
	if err != nil {
		return 0, err
	}
	return s.transfers.Retries().Remaining(t.Peer, t.ID), nil
}

// RequestIDs returns every logged request id.
func (s *Server) RequestIDs() []int64 {
	return s.queue.IDs()
}

// PendingRequestIDs returns the inbound requests not yet processed.
func (s *Server) PendingRequestIDs() []int64 {
	return s.queue.PendingIDs()
}

// Requests returns copies of every logged request.
func (s *Server) Requests() []requests.Request {
	return s.queue.Requests()
}

// GetRequestByID returns a copy of one logged request.
func (s *Server) GetRequestByID(id int64) (requests.Request, error) {
	return s.queue.Peek(id)
}

// ClearRequestLog drops finished requests and returns how many were removed.
func (s *Server) ClearRequestLog() int {
	return s.queue.ClearProcessed()
}

// GetEventLogForTransfer returns the events of one transfer.
func (s *Server) GetEventLogForTransfer(id int64) []events.Event {
	return s.log.ForTransfer(id)
}

// GetEventLogForRequest returns the events of one request.
func (s *Server) GetEventLogForRequest(id int64) []events.Event {
	return s.log.ForRequest(id)
}

// GetCompleteEventLog returns every event at or above minLevel.
func (s *Server) GetCompleteEventLog(minLevel events.Level) []events.Event {
	return s.log.All(minLevel)
}

// GetFileTransferEventLog returns every event that belongs to a transfer.
func (s *Server) GetFileTransferEventLog() []events.Event {
	return s.log.TransferEvents()
}

// GetRequestEventLog returns every event that belongs to a request.
func (s *Server) GetRequestEventLog() []events.Event {
	return s.log.RequestEvents()
}

// Conversation returns the conversation with peer.
func (s *Server) Conversation(peer models.PeerInfo) (conversation.Conversation, bool) {
	return s.conversations.GetConversation(peer)
}

// Conversations returns every conversation.
func (s *Server) Conversations() []conversation.Conversation {
	return s.conversations.Conversations()
}

// MarkMessageRead clears the unread flag of one message.
func (s *Server) MarkMessageRead(sessionID string) error {
	return s.conversations.MarkRead(sessionID)
}

// MarkConversationRead clears every unread flag in the conversation with peer.
func (s *Server) MarkConversationRead(peer models.PeerInfo) int {
	return s.conversations.MarkConversationRead(peer)
}

// Peers returns every peer this server has heard from.
func (s *Server) Peers() []models.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PeerInfo(nil), s.peers...)
}

// AddPeer registers a peer known out of band.
func (s *Server) AddPeer(peer models.PeerInfo) error {
	if peer.IsZero() {
		return fmt.Errorf("peer has no address: %w", network.ErrPeerUnreachable)
	}
	s.rememberPeer(peer)
	return nil
}

// LastFileList returns the latest file list received from peer.
func (s *Server) LastFileList(peer models.PeerInfo) (models.FileList, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.fileLists[peer.Address()]
	return list, ok
}

// TransferFolder returns the folder inbound files are written to, creating it
// when missing.
func (s *Server) TransferFolder() (string, error) {
	if err := os.MkdirAll(s.opts.TransferFolder, 0o700); err != nil {
		return "", fmt.Errorf("create transfer folder: %w", err)
	}
	return s.opts.TransferFolder, nil
}

// OnEvent subscribes to request and transfer events. The channel has room
// for buffer events; a full channel drops events for this subscriber only.
func (s *Server) OnEvent(buffer int) (<-chan events.Event, func()) {
	return s.log.Subscribe(events.StreamEvents, buffer)
}

// OnSocketEvent subscribes to connection and per-chunk events.
func (s *Server) OnSocketEvent(buffer int) (<-chan events.Event, func()) {
	return s.log.Subscribe(events.StreamSocket, buffer)
}

// OnFileTransferProgress subscribes to transfer progress updates.
func (s *Server) OnFileTransferProgress(buffer int) (<-chan events.Event, func()) {
	return s.log.Subscribe(events.StreamProgress, buffer)
}
