// Package transfer owns the file transfer state machine, the chunked byte
// movement behind it and the retry/lockout bookkeeping.
package transfer

import (
	"path/filepath"
	"time"

	"peerlink/models"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusTransferComplete  Status = "transfer_complete"
	StatusConfirmedComplete Status = "confirmed_complete"
	StatusCancelled         Status = "cancelled"
	StatusRejected          Status = "rejected"
	StatusError             Status = "error"
	StatusStalled           Status = "stalled"
)

// Terminal reports whether no further transitions are expected. A Rejected
// transfer held by a lockout is not terminal; it returns to Stalled on expiry.
func (s Status) Terminal() bool {
	switch s {
	case StatusTransferComplete, StatusConfirmedComplete, StatusCancelled, StatusRejected, StatusError:
		return true
	default:
		return false
	}
}

// Direction is the direction bytes flow relative to this server.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Initiator records which side asked for the transfer.
type Initiator string

const (
	InitiatorSelf       Initiator = "self"
	InitiatorRemotePeer Initiator = "remote_peer"
)

// FileTransfer is one file moving between this server and a peer. Values
// handed out by the Controller are snapshots.
type FileTransfer struct {
	ID               int64 `json:"id"`
	RemoteTransferID int64 `json:"remote_transfer_id"`

	FileName         string          `json:"file_name"`
	FileSizeBytes    int64           `json:"file_size_bytes"`
	LocalFolderPath  string          `json:"local_folder_path"`
	RemoteFolderPath string          `json:"remote_folder_path"`
	Direction        Direction       `json:"direction"`
	Initiator        Initiator       `json:"initiator"`
	Peer             models.PeerInfo `json:"peer"`
	Checksum         string          `json:"checksum,omitempty"`

	BytesRemaining        int64   `json:"bytes_remaining"`
	TotalBytesTransferred int64   `json:"total_bytes_transferred"`
	CurrentChunkBytes     int64   `json:"current_chunk_bytes"`
	ChunkCount            int     `json:"chunk_count"`
	PercentComplete       float64 `json:"percent_complete"`

	Status       Status `json:"status"`
	RetryCounter int    `json:"retry_counter"`
	ResponseCode int64  `json:"response_code"`
	Stalled      bool   `json:"stalled"`
	LockedOut    bool   `json:"locked_out"`
	ErrorMessage string `json:"error_message,omitempty"`

	RequestedAt time.Time `json:"requested_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// LocalPath is the path of the file on this server.
func (t FileTransfer) LocalPath() string {
	return filepath.Join(t.LocalFolderPath, t.FileName)
}

// ResumeOffset is the byte offset the next chunk loop starts from.
func (t FileTransfer) ResumeOffset() int64 {
	return t.TotalBytesTransferred
}

// Active reports whether the transfer is still in the active set.
func (t FileTransfer) Active() bool {
	if t.Status == StatusRejected && t.LockedOut {
		return true
	}
	return !t.Status.Terminal()
}
