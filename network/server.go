package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"peerlink/requests"
)

// DefaultBacklog caps concurrently handled inbound connections when no
// backlog is configured.
const DefaultBacklog = 32

// ListenOptions configures a Listener.
type ListenOptions struct {
	// Backlog caps connections being read at once. Further connections wait
	// in the kernel accept queue.
	Backlog int
	// ReadTimeout bounds reading the frame of one connection.
	ReadTimeout time.Duration
	// BufferSize sizes the buffered reader. Bytes it reads past the frame are
	// returned as Inbound.PreRead.
	BufferSize int
}

func (o ListenOptions) withDefaults() ListenOptions {
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultConnectionTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultReadBufferSize
	}
	return o
}

// Delivery is a frame read off an accepted connection.
type Delivery struct {
	Inbound
	RemoteAddr string
	// Conn stays open for file_bytes frames so the raw stream can be read.
	// It is nil for every other type.
	Conn net.Conn
	// Err wraps requests.ErrUnknownRequestType when the frame carried a type
	// this build does not know, or ErrMalformedFrame when the frame or its
	// payload could not be decoded. Envelope is partial in the latter case.
	Err error
}

// Listener accepts inbound connections and decodes the frame each carries.
type Listener struct {
	listener net.Listener
	options  ListenOptions

	incoming chan Delivery
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string, options ListenOptions) (*Listener, error) {
	opts := options.withDefaults()
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: netutil.LimitListener(listener, opts.Backlog),
		options:  opts,
		incoming: make(chan Delivery, opts.Backlog),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Incoming returns decoded frames in accept order per connection.
func (l *Listener) Incoming() <-chan Delivery {
	return l.incoming
}

// Errors returns asynchronous accept and decode errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes the listener channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}

			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleInboundConn(conn)
	}
}

func (l *Listener) handleInboundConn(conn net.Conn) {
	defer l.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	remote := conn.RemoteAddr().String()
	in, err := ReadInbound(conn, l.options.ReadTimeout, l.options.BufferSize)
	delivery := Delivery{Inbound: in, RemoteAddr: remote}
	if err != nil {
		if !errors.Is(err, requests.ErrUnknownRequestType) && !errors.Is(err, ErrMalformedFrame) {
			l.reportError(fmt.Errorf("read frame from %s: %w", remote, err))
			return
		}
		delivery.Err = err
	}

	if delivery.Err == nil && in.Envelope.Type == requests.TypeFileBytes {
		delivery.Conn = conn
		closeConn = false
	}

	select {
	case l.incoming <- delivery:
	case <-l.closed:
		if delivery.Conn != nil {
			_ = delivery.Conn.Close()
		}
	}
}

func (l *Listener) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "reportError",
		"address":  l.listener.Addr().String(),
		"error":    err.Error(),
	}).Debug("Listener error")

	select {
	case l.errs <- err:
	default:
	}
}
