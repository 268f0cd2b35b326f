// Package network implements the request wire format plus the listener and
// dialer that carry it.
//
// Each connection carries exactly one frame: a 4-byte big-endian length
// followed by a JSON Envelope. A file_bytes frame is followed on the same
// connection by the raw file bytes it announces.
package network

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"peerlink/models"
	"peerlink/requests"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 << 20
	// DefaultConnectionTimeout bounds dialing and frame reads.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultReadBufferSize sizes the buffered reader used to decode frames.
	DefaultReadBufferSize = 64 * 1024
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedFrame indicates the frame could not be decoded.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrPeerUnreachable indicates the peer could not be dialed.
	ErrPeerUnreachable = errors.New("network: peer unreachable")
	// ErrSocketTimeout indicates a socket operation exceeded its deadline.
	ErrSocketTimeout = errors.New("network: socket timeout")
)

// Envelope is the frame carried by every request.
type Envelope struct {
	Type      requests.Type   `json:"type"`
	RequestID int64           `json:"request_id"`
	Sender    models.PeerInfo `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// In transfer payloads TransferID is the recipient's id for the transfer (zero
// when the recipient has none yet) and RemoteTransferID is the frame sender's.

// TextMessage carries one chat message.
type TextMessage struct {
	Text string `json:"text"`
}

// FileListRequest asks for the files in one of the peer's folders.
type FileListRequest struct {
	Folder string `json:"folder"`
}

// FileListResponse answers a FileListRequest.
type FileListResponse struct {
	Folder string            `json:"folder"`
	Files  []models.FileInfo `json:"files"`
}

// NotFound answers a request naming a missing file or folder.
type NotFound struct {
	TransferID int64  `json:"transfer_id,omitempty"`
	Folder     string `json:"folder"`
	FileName   string `json:"file_name,omitempty"`
}

// FileOffer announces a file the sender wants to push.
type FileOffer struct {
	TransferID       int64  `json:"transfer_id,omitempty"`
	RemoteTransferID int64  `json:"remote_transfer_id"`
	FileName         string `json:"file_name"`
	FileSizeBytes    int64  `json:"file_size_bytes"`
	RemoteFolder     string `json:"remote_folder"`
	Checksum         string `json:"checksum"`
	ResponseCode     int64  `json:"response_code"`
}

// FileFetch asks the peer to push one of its files.
type FileFetch struct {
	RemoteTransferID int64  `json:"remote_transfer_id"`
	FileName         string `json:"file_name"`
	Folder           string `json:"folder"`
}

// FileDecision accepts or rejects a FileOffer.
type FileDecision struct {
	TransferID       int64  `json:"transfer_id"`
	RemoteTransferID int64  `json:"remote_transfer_id"`
	ResponseCode     int64  `json:"response_code"`
	Offset           int64  `json:"offset"`
	Reason           string `json:"reason,omitempty"`
}

// FileBytes announces the raw byte stream that follows the frame.
type FileBytes struct {
	TransferID       int64 `json:"transfer_id"`
	RemoteTransferID int64 `json:"remote_transfer_id"`
	Offset           int64 `json:"offset"`
	Length           int64 `json:"length"`
}

// TransferNotice reports completion, a stall or a cancellation.
type TransferNotice struct {
	TransferID       int64  `json:"transfer_id"`
	RemoteTransferID int64  `json:"remote_transfer_id"`
	Reason           string `json:"reason,omitempty"`
}

// RetryRequest asks the peer to resume a stalled transfer.
type RetryRequest struct {
	TransferID       int64 `json:"transfer_id"`
	RemoteTransferID int64 `json:"remote_transfer_id"`
	ResponseCode     int64 `json:"response_code"`
	Offset           int64 `json:"offset"`
}

// RetryLockedOut refuses a RetryRequest during a lockout window.
type RetryLockedOut struct {
	TransferID       int64  `json:"transfer_id"`
	RemoteTransferID int64  `json:"remote_transfer_id"`
	RemainingMs      int64  `json:"remaining_ms"`
	Reason           string `json:"reason,omitempty"`
}

type payloadDecoder func(json.RawMessage) (any, error)

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}

func decodeNone(json.RawMessage) (any, error) {
	return nil, nil
}

var payloadDecoders = map[requests.Type]payloadDecoder{
	requests.TypeTextMessage:                 decodeAs[TextMessage],
	requests.TypeServerInfoRequest:           decodeNone,
	requests.TypeServerInfoResponse:          decodeNone,
	requests.TypeFileListRequest:             decodeAs[FileListRequest],
	requests.TypeFileListResponse:            decodeAs[FileListResponse],
	requests.TypeFolderNotFound:              decodeAs[NotFound],
	requests.TypeFileNotFound:                decodeAs[NotFound],
	requests.TypeInboundFileTransferRequest:  decodeAs[FileOffer],
	requests.TypeOutboundFileTransferRequest: decodeAs[FileFetch],
	requests.TypeFileTransferAccepted:        decodeAs[FileDecision],
	requests.TypeFileTransferRejected:        decodeAs[FileDecision],
	requests.TypeFileBytes:                   decodeAs[FileBytes],
	requests.TypeFileTransferComplete:        decodeAs[TransferNotice],
	requests.TypeTransferStalled:             decodeAs[TransferNotice],
	requests.TypeTransferCancelled:           decodeAs[TransferNotice],
	requests.TypeRetryTransfer:               decodeAs[RetryRequest],
	requests.TypeRetryLockedOut:              decodeAs[RetryLockedOut],
}

// EncodeEnvelope builds the frame payload for one request.
func EncodeEnvelope(t requests.Type, requestID int64, sender models.PeerInfo, payload any) ([]byte, error) {
	envelope := Envelope{
		Type:      t,
		RequestID: requestID,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		envelope.Payload = raw
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return frame, nil
}

// DecodeEnvelope parses a frame. Undecodable JSON or a missing type is
// ErrMalformedFrame; a well-formed frame of an unknown type is
// requests.ErrUnknownRequestType.
func DecodeEnvelope(frame []byte) (Envelope, any, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w: %v", ErrMalformedFrame, err)
	}
	if envelope.Type == "" {
		return envelope, nil, fmt.Errorf("envelope without type: %w", ErrMalformedFrame)
	}
	decode, ok := payloadDecoders[envelope.Type]
	if !ok {
		return envelope, nil, fmt.Errorf("frame type %q: %w", envelope.Type, requests.ErrUnknownRequestType)
	}
	payload, err := decode(envelope.Payload)
	if err != nil {
		return envelope, nil, fmt.Errorf("frame type %q: %w", envelope.Type, err)
	}
	return envelope, payload, nil
}

// SentAt converts the envelope timestamp.
func (e Envelope) SentAt() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return nil, fmt.Errorf("empty frame: %w", ErrMalformedFrame)
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// Inbound is one decoded frame read off an accepted connection.
type Inbound struct {
	Envelope Envelope
	Payload  any
	// PreRead holds bytes after the frame that the buffered reader consumed.
	PreRead []byte
}

// ReadInbound reads and decodes the single frame of an accepted connection.
// The returned error wraps ErrMalformedFrame, requests.ErrUnknownRequestType
// or ErrSocketTimeout.
func ReadInbound(conn net.Conn, timeout time.Duration, bufferSize int) (Inbound, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultReadBufferSize
	}
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Inbound{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	reader := bufio.NewReaderSize(conn, bufferSize)
	frame, err := ReadFrame(reader)
	if err != nil {
		if isTimeout(err) {
			return Inbound{}, fmt.Errorf("%w: %v", ErrSocketTimeout, err)
		}
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrMalformedFrame) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return Inbound{}, err
	}

	envelope, payload, err := DecodeEnvelope(frame)
	if err != nil {
		return Inbound{Envelope: envelope}, err
	}

	in := Inbound{Envelope: envelope, Payload: payload}
	if n := reader.Buffered(); n > 0 {
		buffered, _ := reader.Peek(n)
		in.PreRead = append([]byte(nil), buffered...)
	}
	return in, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
