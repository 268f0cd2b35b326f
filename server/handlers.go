package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/events"
	"peerlink/models"
	"peerlink/network"
	"peerlink/requests"
	"peerlink/transfer"
)

func (s *Server) registerHandlers() {
	handlers := map[requests.Type]requests.Handler{
		requests.TypeTextMessage:                 s.handleTextMessage,
		requests.TypeServerInfoRequest:           s.handleServerInfoRequest,
		requests.TypeServerInfoResponse:          s.handleServerInfoResponse,
		requests.TypeFileListRequest:             s.handleFileListRequest,
		requests.TypeFileListResponse:            s.handleFileListResponse,
		requests.TypeFolderNotFound:              s.handleNotFound,
		requests.TypeFileNotFound:                s.handleNotFound,
		requests.TypeInboundFileTransferRequest:  s.handleFileOffer,
		requests.TypeOutboundFileTransferRequest: s.handleFileFetch,
		requests.TypeFileTransferAccepted:        s.handleTransferAccepted,
		requests.TypeFileTransferRejected:        s.handleTransferRejected,
		requests.TypeFileBytes:                   s.handleFileBytes,
		requests.TypeFileTransferComplete:        s.handleTransferComplete,
		requests.TypeTransferStalled:             s.handleAppliedNotice,
		requests.TypeTransferCancelled:           s.handleAppliedNotice,
		requests.TypeRetryTransfer:               s.handleRetryTransfer,
		requests.TypeRetryLockedOut:              s.handleRetryLockedOut,
	}
	for typ, h := range handlers {
		s.queue.Register(typ, h)
	}
}

// payloadOf asserts the decoded payload type of a queued request.
func payloadOf[T any](req requests.Request) (T, error) {
	p, ok := req.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("request %d: %s payload is %T: %w", req.ID, req.Type, req.Payload, network.ErrMalformedFrame)
	}
	return p, nil
}

func (s *Server) handleTextMessage(_ context.Context, req requests.Request) error {
	p, err := payloadOf[network.TextMessage](req)
	if err != nil {
		return err
	}
	s.conversations.RecordReceived(req.Peer, p.Text, req.ID)
	return nil
}

func (s *Server) handleServerInfoRequest(ctx context.Context, req requests.Request) error {
	s.log.Emit(events.Event{Type: events.ReceivedServerInfoRequest, RequestID: req.ID, Peer: req.Peer})
	_, err := s.send(ctx, req.Peer, requests.TypeServerInfoResponse, nil)
	return err
}

// handleServerInfoResponse relies on the envelope sender, which receive has
// already merged into the peer registry.
func (s *Server) handleServerInfoResponse(_ context.Context, req requests.Request) error {
	s.log.Emit(events.Event{
		Type:      events.ReceivedServerInfo,
		RequestID: req.ID,
		Peer:      req.Peer,
		Text:      req.Peer.String(),
	})
	return nil
}

func (s *Server) handleFileListRequest(ctx context.Context, req requests.Request) error {
	p, err := payloadOf[network.FileListRequest](req)
	if err != nil {
		return err
	}
	s.log.Emit(events.Event{Type: events.ReceivedFileListRequest, RequestID: req.ID, Peer: req.Peer, Text: p.Folder})

	folder, ok := s.resolveFolder(p.Folder)
	var files []models.FileInfo
	if ok {
		files, err = listFolder(folder)
	}
	if !ok || err != nil {
		_, sendErr := s.send(ctx, req.Peer, requests.TypeFolderNotFound, network.NotFound{Folder: p.Folder})
		return sendErr
	}
	_, err = s.send(ctx, req.Peer, requests.TypeFileListResponse, network.FileListResponse{Folder: p.Folder, Files: files})
	return err
}

func (s *Server) handleFileListResponse(_ context.Context, req requests.Request) error {
	p, err := payloadOf[network.FileListResponse](req)
	if err != nil {
		return err
	}
	list := models.FileList{Peer: req.Peer, Folder: p.Folder, Files: p.Files}
	s.mu.Lock()
	s.fileLists[req.Peer.Address()] = list
	s.mu.Unlock()

	s.log.Emit(events.Event{
		Type:      events.ReceivedFileList,
		RequestID: req.ID,
		Peer:      req.Peer,
		Text:      fmt.Sprintf("%d files in %s", len(p.Files), p.Folder),
	})
	return nil
}

func (s *Server) handleNotFound(_ context.Context, req requests.Request) error {
	p, err := payloadOf[network.NotFound](req)
	if err != nil {
		return err
	}

	evt := events.RequestedFolderDoesNotExist
	reason := "folder not found: " + p.Folder
	if req.Type == requests.TypeFileNotFound {
		evt = events.RequestedFileDoesNotExist
		reason = "file not found: " + filepath.Join(p.Folder, p.FileName)
	}
	s.log.Emit(events.Event{
		Type:       evt,
		RequestID:  req.ID,
		TransferID: p.TransferID,
		Peer:       req.Peer,
		FileName:   p.FileName,
		Text:       reason,
	})

	if p.TransferID != 0 {
		if _, err := s.transfers.RejectedByPeer(p.TransferID, reason); err != nil {
			return err
		}
	}
	return nil
}

// handleFileOffer registers a peer's offer. Offers answering GetFile and, with
// AutoAccept, every other offer are accepted right away; the rest wait for
// AcceptInboundTransfer or RejectInboundTransfer.
func (s *Server) handleFileOffer(ctx context.Context, req requests.Request) error {
	p, err := payloadOf[network.FileOffer](req)
	if err != nil {
		return err
	}

	t, err := s.transfers.NewInbound(transfer.Offer{
		Peer:             req.Peer,
		RemoteTransferID: p.RemoteTransferID,
		RequestedID:      p.TransferID,
		FileName:         p.FileName,
		FileSizeBytes:    p.FileSizeBytes,
		LocalFolder:      s.opts.TransferFolder,
		RemoteFolder:     p.RemoteFolder,
		Checksum:         p.Checksum,
		ResponseCode:     p.ResponseCode,
	})
	if err != nil {
		_, sendErr := s.send(ctx, req.Peer, requests.TypeFileTransferRejected, network.FileDecision{
			TransferID:       p.RemoteTransferID,
			RemoteTransferID: t.ID,
			ResponseCode:     p.ResponseCode,
			Reason:           err.Error(),
		})
		return sendErr
	}

	if t.Initiator != transfer.InitiatorSelf && !s.opts.AutoAccept {
		return nil
	}
	return s.accept(ctx, t.ID)
}

// accept records the local decision and tells the sender to start streaming.
func (s *Server) accept(ctx context.Context, id int64) error {
	t, err := s.transfers.Accept(id)
	if err != nil {
		return err
	}
	return s.replyAccepted(ctx, t)
}

func (s *Server) replyAccepted(ctx context.Context, t transfer.FileTransfer) error {
	_, err := s.send(ctx, t.Peer, requests.TypeFileTransferAccepted, network.FileDecision{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
		ResponseCode:     t.ResponseCode,
		Offset:           t.TotalBytesTransferred,
	})
	if err != nil {
		s.failTransfer(t.ID, err)
	}
	return err
}

// handleFileFetch answers GetFile: the requested file is offered back to the
// requester, or a not-found reply names what is missing.
func (s *Server) handleFileFetch(ctx context.Context, req requests.Request) error {
	p, err := payloadOf[network.FileFetch](req)
	if err != nil {
		return err
	}

	folder, ok := s.resolveFolder(p.Folder)
	if info, err := os.Stat(folder); !ok || err != nil || !info.IsDir() {
		_, sendErr := s.send(ctx, req.Peer, requests.TypeFolderNotFound, network.NotFound{
			TransferID: p.RemoteTransferID,
			Folder:     p.Folder,
			FileName:   p.FileName,
		})
		return sendErr
	}

	t, err := s.transfers.NewOutbound(transfer.OutboundFile{
		Peer:             req.Peer,
		LocalPath:        filepath.Join(folder, filepath.Base(p.FileName)),
		RemoteFolder:     req.Peer.TransferFolder,
		Initiator:        transfer.InitiatorRemotePeer,
		RemoteTransferID: p.RemoteTransferID,
	})
	if errors.Is(err, transfer.ErrFileNotFound) {
		_, sendErr := s.send(ctx, req.Peer, requests.TypeFileNotFound, network.NotFound{
			TransferID: p.RemoteTransferID,
			Folder:     p.Folder,
			FileName:   p.FileName,
		})
		return sendErr
	}
	if err != nil {
		return err
	}
	return s.offer(ctx, t)
}

func (s *Server) offer(ctx context.Context, t transfer.FileTransfer) error {
	_, err := s.send(ctx, t.Peer, requests.TypeInboundFileTransferRequest, network.FileOffer{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
		FileName:         t.FileName,
		FileSizeBytes:    t.FileSizeBytes,
		RemoteFolder:     t.LocalFolderPath,
		Checksum:         t.Checksum,
		ResponseCode:     t.ResponseCode,
	})
	if err != nil {
		s.failTransfer(t.ID, err)
	}
	return err
}

func (s *Server) handleTransferAccepted(ctx context.Context, req requests.Request) error {
	p, err := payloadOf[network.FileDecision](req)
	if err != nil {
		return err
	}
	t, err := s.transfers.PeerAccepted(p.TransferID, p.RemoteTransferID, p.ResponseCode, p.Offset)
	if err != nil {
		return err
	}
	return s.stream(ctx, t)
}

// stream opens the file_bytes connection for an accepted outbound transfer and
// runs the send loop on it.
func (s *Server) stream(ctx context.Context, t transfer.FileTransfer) error {
	conn, err := s.open(ctx, t.Peer, network.FileBytes{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
		Offset:           t.TotalBytesTransferred,
		Length:           t.BytesRemaining,
	})
	if err != nil {
		s.failTransfer(t.ID, err)
		return err
	}
	defer conn.Close()

	runErr := s.transfers.RunSend(ctx, t.ID, conn)
	if runErr != nil {
		s.notifyStopped(t.ID, runErr)
	}
	return runErr
}

func (s *Server) handleTransferRejected(_ context.Context, req requests.Request) error {
	p, err := payloadOf[network.FileDecision](req)
	if err != nil {
		return err
	}
	reason := p.Reason
	if reason == "" {
		reason = "rejected by peer"
	}
	_, err = s.transfers.RejectedByPeer(p.TransferID, reason)
	return err
}

func (s *Server) handleFileBytes(ctx context.Context, req requests.Request) error {
	p, err := payloadOf[network.FileBytes](req)
	if err != nil {
		return err
	}
	if req.Stream == nil || req.Stream.Conn == nil {
		return fmt.Errorf("request %d: file_bytes without a stream: %w", req.ID, network.ErrMalformedFrame)
	}

	t, err := s.transfers.Get(p.TransferID)
	if err != nil {
		return err
	}
	if !t.Peer.Equal(req.Peer) {
		return fmt.Errorf("transfer %d belongs to %s, bytes came from %s: %w", t.ID, t.Peer.Address(), req.Peer.Address(), transfer.ErrInvalidState)
	}

	runErr := s.transfers.RunReceive(ctx, t.ID, req.Stream.Conn, req.Stream.PreRead, p.Offset)
	if runErr != nil {
		s.notifyStopped(t.ID, runErr)
		if errors.Is(runErr, transfer.ErrStalled) && s.opts.AutoRetry {
			s.scheduleRetry(t.ID)
		}
		return runErr
	}

	_, err = s.send(ctx, t.Peer, requests.TypeFileTransferComplete, network.TransferNotice{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
	})
	return err
}

func (s *Server) handleTransferComplete(_ context.Context, req requests.Request) error {
	p, err := payloadOf[network.TransferNotice](req)
	if err != nil {
		return err
	}
	_, err = s.transfers.ConfirmedByPeer(p.TransferID)
	return err
}

// handleAppliedNotice logs stall and cancel notices. receive already applied
// them when the frame arrived; applying them again here could stall a retry
// that started in between.
func (s *Server) handleAppliedNotice(_ context.Context, req requests.Request) error {
	p, err := payloadOf[network.TransferNotice](req)
	if err != nil {
		return err
	}
	s.opts.Logger.WithFields(logrus.Fields{
		"function":    "handleAppliedNotice",
		"type":        req.Type,
		"transfer_id": p.TransferID,
		"reason":      p.Reason,
	}).Debug("Peer notice already applied")
	return nil
}

func (s *Server) handleRetryTransfer(ctx context.Context, req requests.Request) error {
	p, err := payloadOf[network.RetryRequest](req)
	if err != nil {
		return err
	}

	t, err := s.transfers.AcceptRetry(p.TransferID, p.ResponseCode, p.Offset)
	switch {
	case errors.Is(err, transfer.ErrLockedOut):
		remaining := s.transfers.Retries().Remaining(t.Peer, t.ID)
		_, sendErr := s.send(ctx, req.Peer, requests.TypeRetryLockedOut, network.RetryLockedOut{
			TransferID:       p.RemoteTransferID,
			RemoteTransferID: p.TransferID,
			RemainingMs:      remaining.Milliseconds(),
			Reason:           err.Error(),
		})
		return sendErr
	case errors.Is(err, transfer.ErrDuplicateRetry):
		return nil
	case err != nil:
		return err
	}

	if t.Direction == transfer.Outbound {
		return s.stream(ctx, t)
	}
	return s.replyAccepted(ctx, t)
}

func (s *Server) handleRetryLockedOut(_ context.Context, req requests.Request) error {
	p, err := payloadOf[network.RetryLockedOut](req)
	if err != nil {
		return err
	}
	remaining := time.Duration(p.RemainingMs) * time.Millisecond
	s.log.Emit(events.Event{
		Type:             events.RetryLockedOut,
		RequestID:        req.ID,
		TransferID:       p.TransferID,
		RemoteTransferID: p.RemoteTransferID,
		Peer:             req.Peer,
		Text:             "peer locked out retries for " + remaining.String(),
	})
	return nil
}

// notifyStopped tells the peer a chunk loop ended without completing.
func (s *Server) notifyStopped(id int64, cause error) {
	t, err := s.transfers.Get(id)
	if err != nil {
		return
	}

	typ := requests.TypeTransferCancelled
	if errors.Is(cause, transfer.ErrStalled) || errors.Is(cause, transfer.ErrRetryLimitExceeded) {
		typ = requests.TypeTransferStalled
	}
	_, err = s.send(s.ctx, t.Peer, typ, network.TransferNotice{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
		Reason:           cause.Error(),
	})
	if err != nil {
		s.opts.Logger.WithFields(logrus.Fields{
			"function":    "notifyStopped",
			"transfer_id": id,
			"error":       err.Error(),
		}).Warn("Could not notify peer")
	}
}

// scheduleRetry asks the sender to resume a stalled receive after
// AutoRetryDelay. Lockouts and races with the peer's own retry are expected.
func (s *Server) scheduleRetry(id int64) {
	if s.ctx.Err() != nil {
		return
	}
	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()

		timer := time.NewTimer(s.opts.AutoRetryDelay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.retry(s.ctx, id, transfer.TriggerAutomatic); err != nil {
			s.opts.Logger.WithFields(logrus.Fields{
				"function":    "scheduleRetry",
				"transfer_id": id,
				"error":       err.Error(),
			}).Debug("Automatic retry not sent")
		}
	}()
}

func (s *Server) retry(ctx context.Context, id int64, trigger transfer.Trigger) error {
	t, err := s.transfers.BeginRetry(id, trigger)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, t.Peer, requests.TypeRetryTransfer, network.RetryRequest{
		TransferID:       t.RemoteTransferID,
		RemoteTransferID: t.ID,
		ResponseCode:     t.ResponseCode,
		Offset:           t.TotalBytesTransferred,
	})
	return err
}

func (s *Server) failTransfer(id int64, cause error) {
	if _, err := s.transfers.Fail(id, cause); err != nil {
		s.opts.Logger.WithFields(logrus.Fields{
			"function":    "failTransfer",
			"transfer_id": id,
			"error":       err.Error(),
		}).Debug("Transfer already settled")
	}
}

// resolveFolder maps a requested folder to a local path inside the transfer
// folder. An empty name is the transfer folder itself. Paths that leave the
// transfer folder are refused.
func (s *Server) resolveFolder(folder string) (string, bool) {
	root := filepath.Clean(s.opts.TransferFolder)
	var resolved string
	switch {
	case folder == "":
		return root, true
	case filepath.IsAbs(folder):
		resolved = filepath.Clean(folder)
	default:
		resolved = filepath.Join(root, folder)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

func listFolder(folder string) ([]models.FileInfo, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read folder %q: %w", folder, transfer.ErrFolderNotFound)
	}

	files := make([]models.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, models.FileInfo{Name: entry.Name(), Folder: folder, SizeBytes: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
