package linked

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

// Default timeouts and intervals for the device link.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultCommandTimeout    = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second

	// maxReconnectInterval caps the exponential backoff.
	maxReconnectInterval = 2 * time.Minute

	// backoffFactor grows the delay between reconnection attempts.
	backoffFactor = 1.5
)

// Config holds the device link configuration.
type Config struct {
	// Address is host:port of the device.
	Address string

	// PartnerType is sent in the Hello: "reader" or "management".
	PartnerType string

	// ClientName identifies this host to the device.
	ClientName string

	// ConnectTimeout bounds dialing plus handshake. Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is how long the link may stay silent before it is
	// considered dead. Default: 30 seconds.
	ReadTimeout time.Duration

	// CommandTimeout bounds each request. Default: 30 seconds.
	CommandTimeout time.Duration

	// ReconnectInterval is the first delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// KeepAlive is the idle time after which a Ping is sent.
	// Default: a third of ReadTimeout.
	KeepAlive time.Duration
}

func (c *Config) applyDefaults() {
	if c.PartnerType == "" {
		c.PartnerType = PartnerReader
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = c.ReadTimeout / 3
	}
}

// Stats holds link statistics.
type Stats struct {
	Connected       bool      `json:"connected"`
	Reconnecting    bool      `json:"reconnecting"`
	DeviceName      string    `json:"device_name,omitempty"`
	RequestsTx      uint64    `json:"requests_tx"`
	ResultsRx       uint64    `json:"results_rx"`
	LinkLost        uint64    `json:"link_lost"`
	Timeouts        uint64    `json:"timeouts"`
	Desyncs         uint64    `json:"desyncs"`
	UnknownResults  uint64    `json:"unknown_results"`
	ReconnectsTotal uint64    `json:"reconnects_total"`
	Pending         int       `json:"pending"`
	LastActivity    time.Time `json:"last_activity"`
}

type request struct {
	id     uint32
	ticket session.Ticket
	done   session.CompletionFunc
	timer  *time.Timer
}

// Backend drives a real Fingerprint device over the link protocol.
//
// The backend owns the connection. A manager goroutine dials, performs
// the Hello handshake, reads frames until the link fails and then
// reconnects with exponential backoff. Requests still pending when the
// link fails complete with ErrorLinkLost; so do requests issued while
// disconnected and requests that exceed CommandTimeout.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Backend struct {
	cfg    Config
	logger session.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	device    HelloReply
	nextID    uint32
	pending   map[uint32]*request
	byTicket  map[uuid.UUID]uint32

	writeMu sync.Mutex

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	reconnecting    atomic.Bool
	requestsTx      atomic.Uint64
	resultsRx       atomic.Uint64
	linkLost        atomic.Uint64
	timeouts        atomic.Uint64
	desyncs         atomic.Uint64
	unknownResults  atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// New creates the backend and starts connecting in the background.
// It never fails on an unreachable device.
func New(cfg Config, logger session.Logger) *Backend {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:      cfg,
		logger:   session.OrNop(logger),
		pending:  make(map[uint32]*request),
		byTicket: make(map[uuid.UUID]uint32),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// IsConnected reports whether the handshake has completed on a live link.
func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// WaitConnected blocks until the link is up or ctx is done.
func (b *Backend) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-b.done:
			return ErrNotConnected
		case <-ticker.C:
		}
	}
}

// HealthCheck returns ErrNotConnected while the link is down.
func (b *Backend) HealthCheck(_ context.Context) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Stats returns current link statistics.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	connected, device, pending := b.connected, b.device.DeviceName, len(b.pending)
	b.mu.Unlock()

	return Stats{
		Connected:       connected,
		Reconnecting:    b.reconnecting.Load(),
		DeviceName:      device,
		RequestsTx:      b.requestsTx.Load(),
		ResultsRx:       b.resultsRx.Load(),
		LinkLost:        b.linkLost.Load(),
		Timeouts:        b.timeouts.Load(),
		Desyncs:         b.desyncs.Load(),
		UnknownResults:  b.unknownResults.Load(),
		ReconnectsTotal: b.reconnectsTotal.Load(),
		Pending:         pending,
		LastActivity:    time.Unix(0, b.lastActivity.Load()),
	}
}

// Execute sends the command to the device. The completion arrives when
// the device answers, the request times out or the link fails.
func (b *Backend) Execute(t session.Ticket, cmd session.Command, done session.CompletionFunc) {
	b.mu.Lock()
	if b.isClosed() || !b.connected {
		b.mu.Unlock()
		b.linkLost.Add(1)
		b.logger.Warn("device link down, command not sent", "command", cmd.Name, "ticket", t.ID)
		go done(linkLost(t))
		return
	}

	b.nextID++
	if b.nextID == 0 {
		b.nextID = 1
	}
	id := b.nextID
	req := &request{id: id, ticket: t, done: done}
	b.pending[id] = req
	b.byTicket[t.ID] = id
	req.timer = time.AfterFunc(b.cfg.CommandTimeout, func() { b.expire(id) })
	conn := b.conn
	b.mu.Unlock()

	frame, err := encodeMessage(TypeExecute, Execute{RequestID: id, Command: cmd.Name, Args: cmd.Args})
	if err != nil {
		b.logger.Error("encoding command failed", "command", cmd.Name, "error", err)
		b.resolve(id, failure(t, session.ErrorBadArguments))
		return
	}
	if err := b.write(conn, frame); err != nil {
		b.logger.Warn("sending command failed", "command", cmd.Name, "error", err)
		// The read loop notices the broken connection and fails every
		// pending request, this one included.
		conn.Close()
		return
	}
	b.requestsTx.Add(1)
}

// Abort forwards an abort to the device. The device still answers the
// request, so Abort never reports a guaranteed cancellation.
func (b *Backend) Abort(t session.Ticket) bool {
	b.mu.Lock()
	id, ok := b.byTicket[t.ID]
	conn := b.conn
	b.mu.Unlock()
	if !ok || conn == nil {
		return false
	}

	frame, err := encodeMessage(TypeAbort, Abort{RequestID: id})
	if err != nil {
		return false
	}
	if err := b.write(conn, frame); err != nil {
		b.logger.Warn("sending abort failed", "ticket", t.ID, "error", err)
	}
	return false
}

// Close stops reconnecting, closes the link and fails pending requests.
// A dial or handshake in progress is abandoned.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.cancel()

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		b.wg.Wait()
		b.failAll()
		b.logger.Info("device link closed")
	})
	return nil
}

func (b *Backend) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// run is the connection manager.
func (b *Backend) run() {
	defer b.wg.Done()

	backoff := b.cfg.ReconnectInterval
	first := true
	for !b.isClosed() {
		conn, hello, err := b.connect()
		if err != nil {
			if first {
				b.logger.Warn("device not reachable, retrying", "address", b.cfg.Address, "error", err)
			} else {
				b.logger.Debug("reconnect attempt failed", "address", b.cfg.Address, "error", err, "backoff", backoff.String())
			}
			b.reconnecting.Store(true)
			select {
			case <-b.done:
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if !b.attach(conn, hello) {
			conn.Close()
			return
		}
		if first {
			b.logger.Info("device link established", "address", b.cfg.Address,
				"device", hello.DeviceName, "protocol_version", hello.ProtocolVersion)
		} else {
			b.reconnectsTotal.Add(1)
			b.logger.Info("device link re-established", "address", b.cfg.Address,
				"total_reconnects", b.reconnectsTotal.Load())
		}
		b.reconnecting.Store(false)
		backoff = b.cfg.ReconnectInterval
		first = false

		err = b.serve(conn)
		b.detach(conn)
		if b.isClosed() {
			return
		}
		b.logger.Warn("device link lost", "address", b.cfg.Address, "error", err)
		b.reconnecting.Store(true)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > maxReconnectInterval {
		next = maxReconnectInterval
	}
	return next
}

// connect dials and performs the Hello handshake within ConnectTimeout.
// The half-open connection is stored in b.conn so Close can break the
// handshake.
func (b *Backend) connect() (net.Conn, HelloReply, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", b.cfg.Address)
	if err != nil {
		return nil, HelloReply{}, fmt.Errorf("%w: dial: %w", ErrConnectionFailed, err)
	}

	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		conn.Close()
		return nil, HelloReply{}, ErrNotConnected
	}
	b.conn = conn
	b.mu.Unlock()

	deadline, _ := ctx.Deadline()
	hello, err := b.handshake(conn, deadline)
	if err != nil {
		conn.Close()
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		return nil, HelloReply{}, fmt.Errorf("%w: handshake: %w", ErrConnectionFailed, err)
	}
	return conn, hello, nil
}

func (b *Backend) handshake(conn net.Conn, deadline time.Time) (HelloReply, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return HelloReply{}, fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck // Cleared on a live conn

	frame, err := encodeMessage(TypeHello, Hello{PartnerType: b.cfg.PartnerType, ClientName: b.cfg.ClientName})
	if err != nil {
		return HelloReply{}, err
	}
	if _, err := conn.Write(frame); err != nil {
		return HelloReply{}, fmt.Errorf("write: %w", err)
	}

	msgType, payload, err := ReadFrame(conn)
	if err != nil {
		return HelloReply{}, err
	}
	if msgType != TypeHello {
		return HelloReply{}, fmt.Errorf("unexpected response type %s", TypeName(msgType))
	}
	var reply HelloReply
	if err := decodeMessage(msgType, payload, &reply); err != nil {
		return HelloReply{}, err
	}
	return reply, nil
}

func (b *Backend) attach(conn net.Conn, hello HelloReply) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return false
	}
	b.conn = conn
	b.connected = true
	b.device = hello
	b.touch()
	return true
}

// detach drops the connection and fails every pending request.
func (b *Backend) detach(conn net.Conn) {
	conn.Close()
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.connected = false
	}
	b.mu.Unlock()
	b.failAll()
}

func (b *Backend) failAll() {
	b.mu.Lock()
	reqs := make([]*request, 0, len(b.pending))
	for id, req := range b.pending {
		reqs = append(reqs, req)
		delete(b.pending, id)
		delete(b.byTicket, req.ticket.ID)
	}
	b.mu.Unlock()

	for _, req := range reqs {
		req.timer.Stop()
		b.linkLost.Add(1)
		req.done(linkLost(req.ticket))
	}
}

// serve reads frames until the connection fails. A keepalive goroutine
// pings the device whenever the link has been idle for KeepAlive.
func (b *Backend) serve(conn net.Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.keepAlive(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		msgType, payload, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrProtocolDesync) {
				b.desyncs.Add(1)
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("device closed the connection: %w", err)
			}
			return err
		}
		b.touch()

		if err := b.handleFrame(conn, msgType, payload); err != nil {
			b.desyncs.Add(1)
			b.logger.Error("closing link after undecodable frame", "type", TypeName(msgType), "error", err)
			return err
		}
	}
}

func (b *Backend) handleFrame(conn net.Conn, msgType uint16, payload []byte) error {
	switch msgType {
	case TypeResult:
		var res Result
		if err := decodeMessage(msgType, payload, &res); err != nil {
			return err
		}
		b.resultsRx.Add(1)
		b.handleResult(res)
	case TypePing:
		frame, _ := EncodeFrame(TypePong, nil) //nolint:errcheck // Empty payload always fits
		if err := b.write(conn, frame); err != nil {
			b.logger.Debug("answering ping failed", "error", err)
		}
	case TypePong, TypeHello:
	default:
		b.logger.Debug("ignoring unknown frame type", "type", TypeName(msgType))
	}
	return nil
}

func (b *Backend) handleResult(res Result) {
	b.mu.Lock()
	req, ok := b.pending[res.RequestID]
	b.mu.Unlock()
	if !ok {
		b.unknownResults.Add(1)
		b.logger.Warn("result for unknown request dropped", "request_id", res.RequestID)
		return
	}

	if !wellFormed(res) {
		b.desyncs.Add(1)
		b.linkLost.Add(1)
		b.logger.Warn("malformed result, request failed", "request_id", res.RequestID,
			"result", res.Result, "asset_update", res.AssetUpdate, "asset_state", res.AssetState)
		b.resolve(res.RequestID, linkLost(req.ticket))
		return
	}

	c := session.Completion{
		Ticket:  req.ticket,
		Result:  session.ResultState(res.Result),
		Error:   session.ErrorType(res.ErrorType),
		Outputs: res.Outputs,
	}
	if res.AssetUpdate {
		c.Asset = &session.AssetUpdate{State: session.AssetState(res.AssetState), Location: res.Location}
	}
	b.resolve(res.RequestID, c)
}

// wellFormed reports whether a result carries a final outcome and, with an
// asset update, a known asset state.
func wellFormed(res Result) bool {
	switch session.ResultState(res.Result) {
	case session.ResultSuccess, session.ResultFailure:
	default:
		return false
	}
	if !res.AssetUpdate {
		return true
	}
	switch session.AssetState(res.AssetState) {
	case session.AssetUnknown, session.AssetIdentified, session.AssetTracked:
		return true
	}
	return false
}

// expire fails a request that exceeded CommandTimeout.
func (b *Backend) expire(id uint32) {
	b.mu.Lock()
	req, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.timeouts.Add(1)
	b.linkLost.Add(1)
	b.logger.Warn("device did not answer in time", "command", req.ticket.Command,
		"ticket", req.ticket.ID, "timeout", b.cfg.CommandTimeout.String())
	b.resolve(id, linkLost(req.ticket))
}

// resolve completes a pending request exactly once.
func (b *Backend) resolve(id uint32, c session.Completion) {
	b.mu.Lock()
	req, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		delete(b.byTicket, req.ticket.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	req.timer.Stop()
	req.done(c)
}

func (b *Backend) keepAlive(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, b.lastActivity.Load()))
			if idle < b.cfg.KeepAlive {
				continue
			}
			frame, _ := EncodeFrame(TypePing, nil) //nolint:errcheck // Empty payload always fits
			if err := b.write(conn, frame); err != nil {
				b.logger.Debug("keepalive ping failed", "error", err)
			}
		}
	}
}

func (b *Backend) write(conn net.Conn, frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (b *Backend) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func linkLost(t session.Ticket) session.Completion {
	return failure(t, session.ErrorLinkLost)
}

func failure(t session.Ticket, code session.ErrorType) session.Completion {
	return session.Completion{Ticket: t, Result: session.ResultFailure, Error: code}
}
