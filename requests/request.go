// Package requests holds the ordered request log and the single-flight
// dispatcher that routes each queued request to its handler.
package requests

import (
	"errors"
	"net"
	"time"

	"peerlink/models"
)

var (
	// ErrBusy indicates another request is already being processed.
	ErrBusy = errors.New("requests: queue is already processing a request")
	// ErrQueueEmpty indicates there is no pending request to process.
	ErrQueueEmpty = errors.New("requests: no pending requests")
	// ErrNotFound indicates the request id is unknown.
	ErrNotFound = errors.New("requests: request not found")
	// ErrNotPending indicates the request was already processed.
	ErrNotPending = errors.New("requests: request is not pending")
	// ErrUnknownRequestType indicates no handler is registered for the request type.
	ErrUnknownRequestType = errors.New("requests: unknown request type")
)

// Type is the request discriminator carried on the wire.
type Type string

const (
	TypeTextMessage                 Type = "text_message"
	TypeServerInfoRequest           Type = "server_info_request"
	TypeServerInfoResponse          Type = "server_info_response"
	TypeFileListRequest             Type = "file_list_request"
	TypeFileListResponse            Type = "file_list_response"
	TypeFolderNotFound              Type = "folder_not_found"
	TypeFileNotFound                Type = "file_not_found"
	TypeInboundFileTransferRequest  Type = "inbound_file_transfer_request"
	TypeOutboundFileTransferRequest Type = "outbound_file_transfer_request"
	TypeFileTransferAccepted        Type = "file_transfer_accepted"
	TypeFileTransferRejected        Type = "file_transfer_rejected"
	TypeFileBytes                   Type = "file_bytes"
	TypeFileTransferComplete        Type = "file_transfer_complete"
	TypeTransferStalled             Type = "transfer_stalled"
	TypeTransferCancelled           Type = "transfer_cancelled"
	TypeRetryTransfer               Type = "retry_transfer"
	TypeRetryLockedOut              Type = "retry_locked_out"
)

var knownTypes = map[Type]bool{
	TypeTextMessage:                 true,
	TypeServerInfoRequest:           true,
	TypeServerInfoResponse:          true,
	TypeFileListRequest:             true,
	TypeFileListResponse:            true,
	TypeFolderNotFound:              true,
	TypeFileNotFound:                true,
	TypeInboundFileTransferRequest:  true,
	TypeOutboundFileTransferRequest: true,
	TypeFileTransferAccepted:        true,
	TypeFileTransferRejected:        true,
	TypeFileBytes:                   true,
	TypeFileTransferComplete:        true,
	TypeTransferStalled:             true,
	TypeTransferCancelled:           true,
	TypeRetryTransfer:               true,
	TypeRetryLockedOut:              true,
}

// Known reports whether t is part of the protocol.
func (t Type) Known() bool {
	return knownTypes[t]
}

// Direction records whether a request arrived from a peer or was sent to one.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is the processing state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusSent       Status = "sent"
)

// Stream is the raw byte stream that follows a file_bytes frame on the same
// connection. PreRead holds bytes the framing layer already buffered.
type Stream struct {
	Conn    net.Conn
	PreRead []byte
}

// Request is one entry of the request log.
type Request struct {
	ID        int64
	Type      Type
	Direction Direction
	Peer      models.PeerInfo
	Timestamp time.Time
	Status    Status
	Error     string

	// Payload is the decoded type-specific frame body.
	Payload any
	// Stream is only set for inbound file_bytes requests.
	Stream *Stream
}

// Result reports the outcome of processing one request.
type Result struct {
	RequestID int64
	Type      Type
	Status    Status
	Err       error
}
