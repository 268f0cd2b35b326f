// Package events defines the server event model and the append-only event log
// that fans events out to bounded subscriber channels.
package events

import (
	"fmt"
	"time"

	"peerlink/models"
)

// Type identifies what happened.
type Type int

const (
	RequestQueued Type = iota + 1
	ProcessRequestStarted
	ProcessRequestComplete
	ProcessRequestFailed

	ConnectionAccepted
	ReceivedRequestFrame
	SentRequestFrame

	ReceivedTextMessage
	SentTextMessage
	ReceivedServerInfoRequest
	ReceivedServerInfo
	ReceivedFileListRequest
	ReceivedFileList
	RequestedFolderDoesNotExist
	RequestedFileDoesNotExist

	FileTransferRequested
	FileTransferAccepted
	FileTransferRejected
	SendFileBytesStarted
	SentFileChunkToRemoteServer
	UpdateFileTransferProgress
	SendFileBytesComplete
	StoppedSendingFileBytes
	ReceiveFileBytesStarted
	ReceivedFileChunkFromRemoteServer
	ReceiveFileBytesComplete
	RemoteServerConfirmedFileTransferComplete
	FileTransferStalled
	FileTransferCancelled

	RetryFileTransferRequested
	RetryLimitExceeded
	RetryLockedOut
	RetryLimitLockoutExpired
	DuplicateRetryIgnored

	ErrorOccurred
)

var typeNames = map[Type]string{
	RequestQueued:                             "request_queued",
	ProcessRequestStarted:                     "process_request_started",
	ProcessRequestComplete:                    "process_request_complete",
	ProcessRequestFailed:                      "process_request_failed",
	ConnectionAccepted:                        "connection_accepted",
	ReceivedRequestFrame:                      "received_request_frame",
	SentRequestFrame:                          "sent_request_frame",
	ReceivedTextMessage:                       "received_text_message",
	SentTextMessage:                           "sent_text_message",
	ReceivedServerInfoRequest:                 "received_server_info_request",
	ReceivedServerInfo:                        "received_server_info",
	ReceivedFileListRequest:                   "received_file_list_request",
	ReceivedFileList:                          "received_file_list",
	RequestedFolderDoesNotExist:               "requested_folder_does_not_exist",
	RequestedFileDoesNotExist:                 "requested_file_does_not_exist",
	FileTransferRequested:                     "file_transfer_requested",
	FileTransferAccepted:                      "file_transfer_accepted",
	FileTransferRejected:                      "file_transfer_rejected",
	SendFileBytesStarted:                      "send_file_bytes_started",
	SentFileChunkToRemoteServer:               "sent_file_chunk_to_remote_server",
	UpdateFileTransferProgress:                "update_file_transfer_progress",
	SendFileBytesComplete:                     "send_file_bytes_complete",
	StoppedSendingFileBytes:                   "stopped_sending_file_bytes",
	ReceiveFileBytesStarted:                   "receive_file_bytes_started",
	ReceivedFileChunkFromRemoteServer:         "received_file_chunk_from_remote_server",
	ReceiveFileBytesComplete:                  "receive_file_bytes_complete",
	RemoteServerConfirmedFileTransferComplete: "remote_server_confirmed_file_transfer_complete",
	FileTransferStalled:                       "file_transfer_stalled",
	FileTransferCancelled:                     "file_transfer_cancelled",
	RetryFileTransferRequested:                "retry_file_transfer_requested",
	RetryLimitExceeded:                        "retry_limit_exceeded",
	RetryLockedOut:                            "retry_locked_out",
	RetryLimitLockoutExpired:                  "retry_limit_lockout_expired",
	DuplicateRetryIgnored:                     "duplicate_retry_ignored",
	ErrorOccurred:                             "error_occurred",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Category partitions event types for stream routing and log queries.
type Category uint8

const (
	CategoryRequest Category = iota
	CategoryTransfer
	CategorySocket
	CategoryProgress
)

// Category returns the partition an event type belongs to.
func (t Type) Category() Category {
	switch t {
	case RequestQueued, ProcessRequestStarted, ProcessRequestComplete, ProcessRequestFailed,
		ReceivedTextMessage, SentTextMessage, ReceivedServerInfoRequest, ReceivedServerInfo,
		ReceivedFileListRequest, ReceivedFileList, RequestedFolderDoesNotExist,
		RequestedFileDoesNotExist, ErrorOccurred:
		return CategoryRequest
	case ConnectionAccepted, ReceivedRequestFrame, SentRequestFrame,
		SentFileChunkToRemoteServer, ReceivedFileChunkFromRemoteServer:
		return CategorySocket
	case UpdateFileTransferProgress:
		return CategoryProgress
	default:
		return CategoryTransfer
	}
}

// Level orders events by importance. Higher is more important.
type Level int8

const (
	LevelTrace Level = iota + 1
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name to a Level.
func ParseLevel(name string) (Level, error) {
	for l := LevelTrace; l <= LevelError; l++ {
		if l.String() == name {
			return l, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown event level %q", name)
}

// DefaultLevel returns the level an event of this type is logged at.
func (t Type) DefaultLevel() Level {
	switch t {
	case SentFileChunkToRemoteServer, ReceivedFileChunkFromRemoteServer:
		return LevelTrace
	case ConnectionAccepted, ReceivedRequestFrame, SentRequestFrame, UpdateFileTransferProgress,
		ProcessRequestStarted, RequestQueued:
		return LevelDebug
	case FileTransferStalled, FileTransferRejected, FileTransferCancelled, RetryLimitExceeded,
		RetryLockedOut, DuplicateRetryIgnored, RequestedFolderDoesNotExist,
		RequestedFileDoesNotExist, StoppedSendingFileBytes:
		return LevelWarn
	case ErrorOccurred, ProcessRequestFailed:
		return LevelError
	default:
		return LevelInfo
	}
}

// Event is one occurrence reported by the server. Only the fields relevant to
// the event type are populated.
type Event struct {
	Type  Type      `json:"type"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`

	Peer             models.PeerInfo `json:"peer"`
	RequestID        int64           `json:"request_id,omitempty"`
	TransferID       int64           `json:"transfer_id,omitempty"`
	RemoteTransferID int64           `json:"remote_transfer_id,omitempty"`

	FileName       string  `json:"file_name,omitempty"`
	TotalBytes     int64   `json:"total_bytes,omitempty"`
	BytesRemaining int64   `json:"bytes_remaining,omitempty"`
	ChunkBytes     int64   `json:"chunk_bytes,omitempty"`
	ChunkCount     int     `json:"chunk_count,omitempty"`
	Percent        float64 `json:"percent,omitempty"`
	RetryCounter   int     `json:"retry_counter,omitempty"`

	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Emitter accepts events. The event log is the production implementation.
type Emitter interface {
	Emit(Event) Event
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) Event

// Emit implements Emitter.
func (f EmitterFunc) Emit(e Event) Event { return f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(e Event) Event { return e })
