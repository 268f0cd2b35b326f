package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"peerlink/models"
	"peerlink/requests"
)

// Dialer opens one-frame connections to peers on behalf of the local server.
type Dialer struct {
	// Local is stamped as the sender of every frame.
	Local models.PeerInfo
	// Timeout bounds dialing and writing the frame.
	Timeout time.Duration
}

// Frame is one outbound request.
type Frame struct {
	Type      requests.Type
	RequestID int64
	Payload   any
}

// Send dials peer, writes the frame and closes the connection.
func (d Dialer) Send(ctx context.Context, peer models.PeerInfo, frame Frame) error {
	conn, err := d.Open(ctx, peer, frame)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Open dials peer and writes the frame, leaving the connection open so the
// caller can follow it with a raw byte stream. The caller closes the
// connection.
func (d Dialer) Open(ctx context.Context, peer models.PeerInfo, frame Frame) (net.Conn, error) {
	payload, err := EncodeEnvelope(frame.Type, frame.RequestID, d.Local, frame.Payload)
	if err != nil {
		return nil, err
	}

	timeout := d.timeout()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w: %v", peer.Address(), ErrPeerUnreachable, err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("send %s to %q: %w: %v", frame.Type, peer.Address(), ErrSocketTimeout, err)
		}
		return nil, fmt.Errorf("send %s to %q: %w", frame.Type, peer.Address(), err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear write deadline: %w", err)
	}
	return conn, nil
}

func (d Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultConnectionTimeout
	}
	return d.Timeout
}
