package linked

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

const defaultServerReadTimeout = 2 * time.Minute

// ServerOptions configures a Server.
type ServerOptions struct {
	// DeviceName is announced in the Hello reply.
	DeviceName string

	// Commands validates incoming Execute requests. Default:
	// session.DefaultTable(0).
	Commands *session.Table

	// ReadTimeout closes connections that stay silent this long.
	// Default: 2 minutes.
	ReadTimeout time.Duration

	Logger session.Logger
}

// Server is the device side of the link protocol. It answers Hello and
// Ping and runs every Execute on a session.Backend, replying with Result.
//
// Server does not serialize commands; the host session does.
type Server struct {
	backend session.Backend
	opts    ServerOptions
	logger  session.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer creates a server for backend.
func NewServer(backend session.Backend, opts ServerOptions) *Server {
	if opts.Commands == nil {
		opts.Commands = session.DefaultTable(0)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultServerReadTimeout
	}
	if opts.DeviceName == "" {
		opts.DeviceName = "fingerprint"
	}
	return &Server{
		backend: backend,
		opts:    opts,
		logger:  session.OrNop(opts.Logger),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It always returns a
// non-nil error; ErrServerClosed after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("link server listening", "address", ln.Addr().String())

	var g errgroup.Group
	defer g.Wait() //nolint:errcheck // Connection handlers never fail

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		g.Go(func() error {
			defer s.untrack(conn)
			s.handle(conn)
			return nil
		})
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns the number of open host connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every host connection but keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops listening and closes every connection. It does not close
// the backend.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

// hostConn is one host connection with its in-flight requests.
type hostConn struct {
	srv     *Server
	conn    net.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[uint32]session.Ticket
}

func (s *Server) handle(conn net.Conn) {
	hc := &hostConn{srv: s, conn: conn, inflight: make(map[uint32]session.Ticket)}
	remote := conn.RemoteAddr().String()

	hello, err := hc.handshake()
	if err != nil {
		s.logger.Warn("link handshake failed", "remote", remote, "error", err)
		return
	}
	s.logger.Info("host connected", "remote", remote, "partner_type", hello.PartnerType, "client", hello.ClientName)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			return
		}
		msgType, payload, err := ReadFrame(conn)
		if err != nil {
			s.logger.Info("host disconnected", "remote", remote, "error", err)
			hc.abortAll()
			return
		}
		if err := hc.dispatch(msgType, payload); err != nil {
			s.logger.Warn("closing host connection", "remote", remote, "error", err)
			hc.abortAll()
			return
		}
	}
}

func (hc *hostConn) handshake() (Hello, error) {
	if err := hc.conn.SetReadDeadline(time.Now().Add(defaultConnectTimeout)); err != nil {
		return Hello{}, err
	}
	msgType, payload, err := ReadFrame(hc.conn)
	if err != nil {
		return Hello{}, err
	}
	if msgType != TypeHello {
		return Hello{}, fmt.Errorf("expected Hello, got %s", TypeName(msgType))
	}
	var hello Hello
	if err := decodeMessage(msgType, payload, &hello); err != nil {
		return Hello{}, err
	}
	if hello.PartnerType != PartnerReader && hello.PartnerType != PartnerManagement {
		return Hello{}, fmt.Errorf("unknown partner type %q", hello.PartnerType)
	}
	reply := HelloReply{DeviceName: hc.srv.opts.DeviceName, ProtocolVersion: ProtocolVersion}
	return hello, hc.send(TypeHello, reply)
}

func (hc *hostConn) dispatch(msgType uint16, payload []byte) error {
	switch msgType {
	case TypePing:
		return hc.send(TypePong, nil)
	case TypePong:
		return nil
	case TypeExecute:
		var req Execute
		if err := decodeMessage(msgType, payload, &req); err != nil {
			return err
		}
		hc.execute(req)
		return nil
	case TypeAbort:
		var req Abort
		if err := decodeMessage(msgType, payload, &req); err != nil {
			return err
		}
		hc.abort(req.RequestID)
		return nil
	default:
		hc.srv.logger.Debug("ignoring frame", "type", TypeName(msgType))
		return nil
	}
}

func (hc *hostConn) execute(req Execute) {
	logger := hc.srv.logger

	desc, ok := hc.srv.opts.Commands.Lookup(req.Command)
	if !ok {
		logger.Warn("unknown command from host", "command", req.Command)
		hc.reply(req.RequestID, failure(session.Ticket{}, session.ErrorBadArguments))
		return
	}
	cmd, err := desc.Bind(req.Args)
	if err != nil {
		logger.Warn("invalid arguments from host", "command", req.Command, "error", err)
		hc.reply(req.RequestID, failure(session.Ticket{}, session.ErrorBadArguments))
		return
	}

	ticket := session.Ticket{ID: uuid.New(), Command: req.Command}
	hc.mu.Lock()
	hc.inflight[req.RequestID] = ticket
	hc.mu.Unlock()

	logger.Debug("executing", "command", req.Command, "request_id", req.RequestID)
	hc.srv.backend.Execute(ticket, cmd, func(c session.Completion) {
		if !hc.finish(req.RequestID, ticket) {
			return
		}
		hc.reply(req.RequestID, c)
	})
}

func (hc *hostConn) abort(id uint32) {
	hc.mu.Lock()
	ticket, ok := hc.inflight[id]
	hc.mu.Unlock()
	if !ok {
		return
	}
	if hc.srv.backend.Abort(ticket) && hc.finish(id, ticket) {
		hc.reply(id, failure(ticket, session.ErrorAborted))
	}
}

// abortAll cancels the work of a host that went away.
func (hc *hostConn) abortAll() {
	hc.mu.Lock()
	tickets := make(map[uint32]session.Ticket, len(hc.inflight))
	for id, t := range hc.inflight {
		tickets[id] = t
	}
	hc.mu.Unlock()
	for id, t := range tickets {
		if hc.srv.backend.Abort(t) {
			hc.finish(id, t)
		}
	}
}

// finish removes id from the in-flight set and reports whether it was
// still there.
func (hc *hostConn) finish(id uint32, t session.Ticket) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if cur, ok := hc.inflight[id]; !ok || cur != t {
		return false
	}
	delete(hc.inflight, id)
	return true
}

func (hc *hostConn) reply(id uint32, c session.Completion) {
	res := Result{
		RequestID: id,
		Result:    uint8(c.Result),
		ErrorType: int(c.Error),
		Outputs:   c.Outputs,
	}
	if c.Asset != nil {
		res.AssetUpdate = true
		res.AssetState = uint8(c.Asset.State)
		res.Location = c.Asset.Location
	}
	if err := hc.send(TypeResult, res); err != nil && !errors.Is(err, net.ErrClosed) {
		hc.srv.logger.Warn("sending result failed", "request_id", id, "error", err)
	}
}

func (hc *hostConn) send(msgType uint16, v any) error {
	frame, err := encodeMessage(msgType, v)
	if err != nil {
		return err
	}
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	if err := hc.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	_, err = hc.conn.Write(frame)
	return err
}
