// Package server wires the request queue, transfer controller, conversation
// store and network layer into one peer server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerlink/config"
	"peerlink/conversation"
	"peerlink/events"
	"peerlink/models"
	"peerlink/network"
	"peerlink/requests"
	"peerlink/transfer"
)

const (
	// DefaultArchiveInterval is how often new events and state are archived.
	DefaultArchiveInterval = time.Second
	// DefaultAutoRetryDelay is the wait before a stalled receive is retried
	// automatically.
	DefaultAutoRetryDelay = time.Second
	// idleProcessInterval wakes the processing loop when no Ready signal arrives.
	idleProcessInterval = 250 * time.Millisecond
)

// Options configures a Server.
type Options struct {
	Name           string
	SessionIP      string
	PublicIP       string
	Port           int
	TransferFolder string

	Transfer      transfer.Config
	SocketTimeout time.Duration
	ListenBacklog int

	AutoAccept     bool
	AutoProcess    bool
	AutoRetry      bool
	AutoRetryDelay time.Duration

	// Archive persists state when set. *storage.Store implements it.
	Archive         Archive
	ArchiveInterval time.Duration
	// Transport replaces the socket chunk transport, mostly in tests.
	Transport transfer.ChunkTransport
	Logger    *logrus.Logger
}

// OptionsFromConfig maps a persisted configuration to server options.
func OptionsFromConfig(cfg *config.ServerConfig) Options {
	port := cfg.ListeningPort
	if cfg.PortMode == config.PortModeAutomatic {
		port = 0
	}
	return Options{
		Name:           cfg.ServerName,
		SessionIP:      cfg.SessionIP,
		PublicIP:       cfg.PublicIP,
		Port:           port,
		TransferFolder: cfg.TransferFolder,
		Transfer:       cfg.TransferSettings(),
		SocketTimeout:  cfg.SocketTimeout(),
		ListenBacklog:  cfg.ListenBacklogSize,
		AutoAccept:     cfg.AutoAcceptTransfers,
		AutoProcess:    cfg.AutoProcessRequests,
		AutoRetry:      cfg.AutoRetryTransfers,
	}
}

func (o Options) withDefaults() Options {
	if o.SessionIP == "" {
		o.SessionIP = "127.0.0.1"
	}
	if o.SocketTimeout <= 0 {
		o.SocketTimeout = network.DefaultConnectionTimeout
	}
	if o.AutoRetryDelay <= 0 {
		o.AutoRetryDelay = DefaultAutoRetryDelay
	}
	if o.ArchiveInterval <= 0 {
		o.ArchiveInterval = DefaultArchiveInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Server is one peer. It is both the listening side and the dialing side of
// every exchange with other peers.
type Server struct {
	opts  Options
	local models.PeerInfo

	log           *events.Log
	queue         *requests.Queue
	transfers     *transfer.Controller
	conversations *conversation.Store
	listener      *network.Listener
	dialer        network.Dialer
	archiver      *archiver

	mu        sync.Mutex
	peers     []models.PeerInfo
	fileLists map[string]models.FileList

	// ctx lives until Close and bounds work started outside Run, such as
	// scheduled retries.
	ctx       context.Context
	cancel    context.CancelFunc
	retryWG   sync.WaitGroup
	closeOnce sync.Once
}

// errServerClosed stops Run's group when Close is called.
var errServerClosed = errors.New("server: closed")

// New creates a server and starts listening. Run drives it.
func New(opts Options) (*Server, error) {
	opts = opts.withDefaults()

	listener, err := network.Listen(net.JoinHostPort(opts.SessionIP, strconv.Itoa(opts.Port)), network.ListenOptions{
		Backlog:     opts.ListenBacklog,
		ReadTimeout: opts.SocketTimeout,
		BufferSize:  opts.Transfer.BufferSize,
	})
	if err != nil {
		return nil, err
	}

	local := models.PeerInfo{
		SessionIP:      opts.SessionIP,
		PublicIP:       opts.PublicIP,
		Port:           listener.Addr().(*net.TCPAddr).Port,
		Name:           opts.Name,
		TransferFolder: opts.TransferFolder,
	}

	log := events.NewLog(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:          opts,
		local:         local,
		log:           log,
		queue:         requests.NewQueue(log),
		transfers:     transfer.NewController(opts.Transfer, opts.Transport, log),
		conversations: conversation.NewStore(log),
		listener:      listener,
		dialer:        network.Dialer{Local: local, Timeout: opts.SocketTimeout},
		fileLists:     make(map[string]models.FileList),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.registerHandlers()

	if opts.Archive != nil {
		s.archiver = newArchiver(opts.Archive, s)
		if err := s.archiver.restore(); err != nil {
			cancel()
			_ = listener.Close()
			return nil, err
		}
	}

	opts.Logger.WithFields(logrus.Fields{
		"function": "New",
		"address":  local.Address(),
		"name":     local.Name,
	}).Info("Server listening")
	return s, nil
}

// Local returns this server's identity as peers see it.
func (s *Server) Local() models.PeerInfo {
	return s.local
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves connections until ctx is cancelled or Close is called. When
// AutoProcess is set queued requests are processed as they arrive.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for delivery := range s.listener.Incoming() {
			s.receive(delivery)
		}
		return nil
	})

	g.Go(func() error {
		for err := range s.listener.Errors() {
			s.opts.Logger.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err.Error(),
			}).Debug("Dropped inbound connection")
			s.log.Emit(events.Event{Type: events.ErrorOccurred, Text: "inbound connection dropped", Error: err.Error()})
		}
		return nil
	})

	if s.opts.AutoProcess {
		g.Go(func() error {
			s.processLoop(gctx)
			return nil
		})
	}

	if s.archiver != nil {
		g.Go(func() error {
			s.archiver.run(gctx, s.opts.ArchiveInterval)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return s.listener.Close()
		case <-s.ctx.Done():
			return errServerClosed
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, errServerClosed) {
		err = nil
	}
	return err
}

// Close stops listening, cancels running transfers and closes event
// subscriptions.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.transfers.Close()
		s.retryWG.Wait()
		if s.archiver != nil {
			s.archiver.flush()
		}
		s.log.Close()
	})
	return closeErr
}

// receive turns one decoded frame into a queued request. Stall and cancel
// notices also take effect immediately so a busy sender observes them.
func (s *Server) receive(d network.Delivery) {
	sender := d.Envelope.Sender
	if host, _, err := net.SplitHostPort(d.RemoteAddr); err == nil && sender.SessionIP == "" {
		sender.SessionIP = host
	}

	s.log.Emit(events.Event{Type: events.ConnectionAccepted, Peer: sender, Text: d.RemoteAddr})
	if errors.Is(d.Err, network.ErrMalformedFrame) {
		s.log.Emit(events.Event{Type: events.ErrorOccurred, Peer: sender, Text: "malformed frame from " + d.RemoteAddr, Error: d.Err.Error()})
		return
	}
	s.log.Emit(events.Event{Type: events.ReceivedRequestFrame, Peer: sender, Text: string(d.Envelope.Type)})
	if !sender.IsZero() {
		s.rememberPeer(sender)
	}

	if notice, ok := d.Payload.(network.TransferNotice); ok {
		switch d.Envelope.Type {
		case requests.TypeTransferStalled:
			s.applyNotice(sender, notice, s.transfers.PeerStalled)
		case requests.TypeTransferCancelled:
			s.applyNotice(sender, notice, s.transfers.PeerCancelled)
		}
	}

	req := requests.Request{
		Type:      d.Envelope.Type,
		Direction: requests.Inbound,
		Peer:      sender,
		Timestamp: d.Envelope.SentAt(),
		Payload:   d.Payload,
	}
	if d.Conn != nil {
		req.Stream = &requests.Stream{Conn: d.Conn, PreRead: d.PreRead}
	}
	s.queue.Enqueue(req)
}

// applyNotice finds the local transfer a notice refers to. A notice sent
// before the peer learned our id only carries the peer's own id.
func (s *Server) applyNotice(sender models.PeerInfo, notice network.TransferNotice, apply func(int64) error) {
	id := notice.TransferID
	if id == 0 {
		t, ok := s.transfers.FindByRemote(sender, notice.RemoteTransferID)
		if !ok {
			return
		}
		id = t.ID
	}
	if err := apply(id); err != nil {
		s.opts.Logger.WithFields(logrus.Fields{
			"function":    "applyNotice",
			"transfer_id": id,
			"error":       err.Error(),
		}).Debug("Ignoring notice for unknown transfer")
	}
}

func (s *Server) processLoop(ctx context.Context) {
	ticker := time.NewTicker(idleProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Ready():
		case <-ticker.C:
		}
		s.drain(ctx)
	}
}

func (s *Server) drain(ctx context.Context) {
	for ctx.Err() == nil {
		_, err := s.queue.ProcessNext(ctx)
		if errors.Is(err, requests.ErrQueueEmpty) || errors.Is(err, requests.ErrBusy) {
			return
		}
	}
}

func (s *Server) rememberPeer(peer models.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, known := range s.peers {
		if known.Equal(peer) {
			s.peers[i] = mergePeer(known, peer)
			return
		}
	}
	s.peers = append(s.peers, peer)
}

func mergePeer(known, update models.PeerInfo) models.PeerInfo {
	if update.Name != "" {
		known.Name = update.Name
	}
	if update.PublicIP != "" {
		known.PublicIP = update.PublicIP
	}
	if update.TransferFolder != "" {
		known.TransferFolder = update.TransferFolder
	}
	return known
}

// send logs an outbound request and delivers its frame on a fresh connection.
func (s *Server) send(ctx context.Context, peer models.PeerInfo, typ requests.Type, payload any) (int64, error) {
	id := s.queue.Log(requests.Request{Type: typ, Peer: peer, Payload: payload})
	err := s.dialer.Send(ctx, peer, network.Frame{Type: typ, RequestID: id, Payload: payload})
	return id, s.sent(id, peer, typ, err)
}

// open is send for file_bytes: the connection stays open for the stream.
func (s *Server) open(ctx context.Context, peer models.PeerInfo, payload network.FileBytes) (net.Conn, error) {
	id := s.queue.Log(requests.Request{Type: requests.TypeFileBytes, Peer: peer, Payload: payload})
	conn, err := s.dialer.Open(ctx, peer, network.Frame{Type: requests.TypeFileBytes, RequestID: id, Payload: payload})
	return conn, s.sent(id, peer, requests.TypeFileBytes, err)
}

func (s *Server) sent(id int64, peer models.PeerInfo, typ requests.Type, err error) error {
	if err != nil {
		_ = s.queue.Fail(id, err)
		s.log.Emit(events.Event{
			Type:      events.ErrorOccurred,
			RequestID: id,
			Peer:      peer,
			Text:      string(typ),
			Error:     err.Error(),
		})
		return fmt.Errorf("send %s request %d: %w", typ, id, err)
	}
	s.log.Emit(events.Event{Type: events.SentRequestFrame, RequestID: id, Peer: peer, Text: string(typ)})
	return nil
}
