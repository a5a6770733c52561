package linked

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fingerprint-core/internal/backend/mockup"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

// startDevice serves the link protocol backed by a mockup on a free port.
func startDevice(t *testing.T, durations map[string]time.Duration) (*Server, string) {
	t.Helper()
	dev := mockup.New(mockup.Options{Durations: durations, Seed: 1})
	srv := NewServer(dev, ServerOptions{DeviceName: "test-device"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ln) }()

	t.Cleanup(func() {
		srv.Close() //nolint:errcheck // Test cleanup
		if err := <-serveDone; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() = %v, want ErrServerClosed", err)
		}
		dev.Close() //nolint:errcheck // Test cleanup
	})
	return srv, ln.Addr().String()
}

func testConfig(addr string) Config {
	return Config{
		Address:           addr,
		ClientName:        "test-host",
		ConnectTimeout:    time.Second,
		ReadTimeout:       time.Second,
		CommandTimeout:    2 * time.Second,
		ReconnectInterval: 20 * time.Millisecond,
	}
}

func connectBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	b := New(cfg, nil)
	t.Cleanup(func() { b.Close() }) //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}
	return b
}

type finishedRecorder struct {
	mu  sync.Mutex
	out []session.Finished
	ch  chan session.Finished
}

func newRecorder() *finishedRecorder {
	return &finishedRecorder{ch: make(chan session.Finished, 16)}
}

func (r *finishedRecorder) Observe(e session.Event) {
	if f, ok := e.(session.Finished); ok {
		r.mu.Lock()
		r.out = append(r.out, f)
		r.mu.Unlock()
		r.ch <- f
	}
}

func (r *finishedRecorder) await(t *testing.T, within time.Duration) session.Finished {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(within):
		t.Fatalf("no completion within %v", within)
		return session.Finished{}
	}
}

func newSession(t *testing.T, b session.Backend) (*session.Session, *finishedRecorder) {
	t.Helper()
	rec := newRecorder()
	s, err := session.New(session.Options{
		Backend:      b,
		PublishCycle: 5 * time.Millisecond,
		Observers:    []session.Observer{rec},
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // Test cleanup
	return s, rec
}

func waitIdle(t *testing.T, s *session.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().RunState != session.RunIdle {
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %+v", s.Snapshot())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var fast = map[string]time.Duration{
	session.CmdAddPart:   2 * time.Millisecond,
	session.CmdTracePart: 2 * time.Millisecond,
	session.CmdIdentify:  time.Hour,
}

func TestBackend_EndToEnd(t *testing.T) {
	_, addr := startDevice(t, fast)
	b := connectBackend(t, testConfig(addr))
	s, rec := newSession(t, b)

	if st := b.Stats(); !st.Connected || st.DeviceName != "test-device" {
		t.Errorf("Stats() = %+v", st)
	}

	_, err := s.Invoke(context.Background(), session.CmdAddPart, []any{"A", true, true, "p1", "b1", "t1"})
	if err != nil {
		t.Fatalf("Invoke(add_part) error = %v", err)
	}
	f := rec.await(t, 2*time.Second)
	if f.Result != session.ResultSuccess || f.Outputs["PartIDsOfDuplicates"] != "" {
		t.Fatalf("add_part finished = %+v", f)
	}
	if got := s.Snapshot(); got.AssetState != session.AssetIdentified || got.Location != "A" {
		t.Errorf("asset after add_part = %+v", got)
	}
	waitIdle(t, s)

	_, err = s.Invoke(context.Background(), session.CmdTracePart, []any{"B", "A", false, "", false, "", false})
	if err != nil {
		t.Fatalf("Invoke(trace_part) error = %v", err)
	}
	f = rec.await(t, 2*time.Second)
	if f.Outputs["PartID"] != "p1" || f.Outputs["CurrentConfidenceValue2"] != int64(100) {
		t.Errorf("trace_part outputs = %#v", f.Outputs)
	}
	if got := s.Snapshot(); got.AssetState != session.AssetTracked || got.Location != "B" {
		t.Errorf("asset after trace_part = %+v", got)
	}

	if st := b.Stats(); st.RequestsTx != 2 || st.ResultsRx != 2 || st.Pending != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestBackend_DuplicateErrorPassesThrough(t *testing.T) {
	_, addr := startDevice(t, fast)
	b := connectBackend(t, testConfig(addr))
	s, rec := newSession(t, b)

	for i, want := range []session.ErrorType{session.ErrorNone, session.ErrorIDDuplicateFound} {
		if _, err := s.Invoke(context.Background(), session.CmdAddPart, []any{"A", true, false, "p1", "b", "t"}); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		f := rec.await(t, 2*time.Second)
		if f.Error != want {
			t.Errorf("add %d error = %v, want %v", i, f.Error, want)
		}
		waitIdle(t, s)
	}
	if got := s.Snapshot(); got.ResultState != session.ResultFailure || got.ErrorType != session.ErrorIDDuplicateFound {
		t.Errorf("state = %+v", got)
	}
}

// A dropped connection fails the running command with LinkLost quickly,
// and the backend reconnects on its own.
func TestBackend_DisconnectIsLinkLost(t *testing.T) {
	srv, addr := startDevice(t, fast)
	b := connectBackend(t, testConfig(addr))
	s, rec := newSession(t, b)

	if _, err := s.Invoke(context.Background(), session.CmdIdentify, nil); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	waitFor(t, "request sent", func() bool { return b.Stats().Pending == 1 })

	start := time.Now()
	srv.DropConnections()

	f := rec.await(t, time.Second)
	if f.Result != session.ResultFailure || f.Error != session.ErrorLinkLost {
		t.Errorf("finished = %+v, want LinkLost", f)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("LinkLost after %v", elapsed)
	}
	if got := s.Snapshot(); got.ErrorType != session.ErrorLinkLost || got.ResultState != session.ResultFailure {
		t.Errorf("state = %+v", got)
	}

	waitFor(t, "reconnect", func() bool { return b.Stats().ReconnectsTotal >= 1 && b.IsConnected() })
	waitIdle(t, s)

	// The session keeps working after the reconnect.
	if _, err := s.Invoke(context.Background(), session.CmdAddPart, []any{"A", false, false, "p", "b", "t"}); err != nil {
		t.Fatalf("Invoke() after reconnect error = %v", err)
	}
	if f := rec.await(t, 2*time.Second); f.Result != session.ResultSuccess {
		t.Errorf("after reconnect finished = %+v", f)
	}
}

func TestBackend_ExecuteWhileDisconnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	b := New(testConfig(addr), nil)
	defer b.Close() //nolint:errcheck // Test cleanup

	if err := b.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ch := make(chan session.Completion, 1)
	ticket := session.Ticket{ID: uuid.New(), Command: session.CmdPing}
	b.Execute(ticket, session.Command{Descriptor: session.Descriptor{Name: session.CmdPing}}, func(c session.Completion) { ch <- c })

	select {
	case c := <-ch:
		if c.Ticket != ticket || c.Error != session.ErrorLinkLost || c.Result != session.ResultFailure {
			t.Errorf("completion = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion while disconnected")
	}
	if b.Abort(ticket) {
		t.Error("Abort() = true while disconnected")
	}
}

func TestBackend_AbortForwarded(t *testing.T) {
	_, addr := startDevice(t, fast)
	b := connectBackend(t, testConfig(addr))
	s, rec := newSession(t, b)

	if _, err := s.Invoke(context.Background(), session.CmdIdentify, nil); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	waitFor(t, "request sent", func() bool { return b.Stats().Pending == 1 })

	if err := s.Abort(context.Background()); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	f := rec.await(t, 2*time.Second)
	if f.Error != session.ErrorAborted {
		t.Errorf("finished = %+v, want Aborted", f)
	}
	if got := s.Snapshot(); got.RunState != session.RunAborted && got.RunState != session.RunIdle {
		t.Errorf("state = %+v", got)
	}
}

func TestBackend_UnknownCommandRejectedByDevice(t *testing.T) {
	_, addr := startDevice(t, fast)
	b := connectBackend(t, testConfig(addr))

	ch := make(chan session.Completion, 1)
	b.Execute(session.Ticket{ID: uuid.New(), Command: "bogus"},
		session.Command{Descriptor: session.Descriptor{Name: "bogus"}},
		func(c session.Completion) { ch <- c })

	select {
	case c := <-ch:
		if c.Error != session.ErrorBadArguments {
			t.Errorf("completion = %+v, want BadArguments", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
	}
}

// fakeDevice performs the handshake and hands every later frame to handle.
func fakeDevice(t *testing.T, handle func(conn net.Conn, msgType uint16, payload []byte)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, _, err := ReadFrame(conn); err != nil {
					return
				}
				reply, _ := encodeMessage(TypeHello, HelloReply{DeviceName: "fake", ProtocolVersion: ProtocolVersion})
				if _, err := conn.Write(reply); err != nil {
					return
				}
				for {
					msgType, payload, err := ReadFrame(conn)
					if err != nil {
						return
					}
					handle(conn, msgType, payload)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func execute(t *testing.T, b *Backend) <-chan session.Completion {
	t.Helper()
	ch := make(chan session.Completion, 1)
	d, _ := session.DefaultTable(0).Lookup(session.CmdGetStatus)
	b.Execute(session.Ticket{ID: uuid.New(), Command: d.Name}, session.Command{Descriptor: d},
		func(c session.Completion) { ch <- c })
	return ch
}

func TestBackend_CommandTimeout(t *testing.T) {
	addr := fakeDevice(t, func(net.Conn, uint16, []byte) {})
	cfg := testConfig(addr)
	cfg.CommandTimeout = 50 * time.Millisecond
	b := connectBackend(t, cfg)

	select {
	case c := <-execute(t, b):
		if c.Error != session.ErrorLinkLost {
			t.Errorf("completion = %+v, want LinkLost", c)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not time out")
	}
	if st := b.Stats(); st.Timeouts != 1 || st.Pending != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestBackend_DesyncFailsPending(t *testing.T) {
	addr := fakeDevice(t, func(conn net.Conn, msgType uint16, _ []byte) {
		if msgType == TypeExecute {
			frame, _ := EncodeFrame(TypeResult, []byte{0xFF, 0xFF, 0xFF})
			conn.Write(frame) //nolint:errcheck // Test device
		}
	})
	b := connectBackend(t, testConfig(addr))

	select {
	case c := <-execute(t, b):
		if c.Error != session.ErrorLinkLost {
			t.Errorf("completion = %+v, want LinkLost", c)
		}
	case <-time.After(time.Second):
		t.Fatal("desync did not fail the request")
	}
	waitFor(t, "desync counted", func() bool { return b.Stats().Desyncs >= 1 })
}

func TestBackend_UnknownResultDropped(t *testing.T) {
	addr := fakeDevice(t, func(conn net.Conn, msgType uint16, payload []byte) {
		if msgType != TypeExecute {
			return
		}
		var req Execute
		if err := Unmarshal(payload, &req); err != nil {
			return
		}
		stray, _ := encodeMessage(TypeResult, Result{RequestID: req.RequestID + 100, Result: 1})
		real, _ := encodeMessage(TypeResult, Result{RequestID: req.RequestID, Result: 1})
		conn.Write(append(stray, real...)) //nolint:errcheck // Test device
	})
	b := connectBackend(t, testConfig(addr))

	select {
	case c := <-execute(t, b):
		if c.Result != session.ResultSuccess {
			t.Errorf("completion = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion")
	}
	if st := b.Stats(); st.UnknownResults != 1 || !st.Connected {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestBackend_MalformedResultIsLinkLost(t *testing.T) {
	tests := []struct {
		name  string
		reply func(id uint32) Result
	}{
		{"unknown result", func(id uint32) Result { return Result{RequestID: id, Result: 0} }},
		{"out of range result", func(id uint32) Result { return Result{RequestID: id, Result: 9} }},
		{"out of range asset state", func(id uint32) Result {
			return Result{RequestID: id, Result: 1, AssetUpdate: true, AssetState: 7}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := fakeDevice(t, func(conn net.Conn, msgType uint16, payload []byte) {
				if msgType != TypeExecute {
					return
				}
				var req Execute
				if err := Unmarshal(payload, &req); err != nil {
					return
				}
				frame, _ := encodeMessage(TypeResult, tt.reply(req.RequestID))
				conn.Write(frame) //nolint:errcheck // Test device
			})
			b := connectBackend(t, testConfig(addr))

			select {
			case c := <-execute(t, b):
				if c.Result != session.ResultFailure || c.Error != session.ErrorLinkLost {
					t.Errorf("completion = %+v, want Failure/LinkLost", c)
				}
				if c.Asset != nil {
					t.Errorf("asset update passed through: %+v", c.Asset)
				}
			case <-time.After(time.Second):
				t.Fatal("no completion")
			}
			if st := b.Stats(); st.Desyncs != 1 || st.Pending != 0 {
				t.Errorf("Stats() = %+v", st)
			}
		})
	}
}

func TestBackend_MalformedResultThroughSession(t *testing.T) {
	addr := fakeDevice(t, func(conn net.Conn, msgType uint16, payload []byte) {
		if msgType != TypeExecute {
			return
		}
		var req Execute
		if err := Unmarshal(payload, &req); err != nil {
			return
		}
		frame, _ := encodeMessage(TypeResult, Result{RequestID: req.RequestID, Result: 0})
		conn.Write(frame) //nolint:errcheck // Test device
	})
	b := connectBackend(t, testConfig(addr))
	s, rec := newSession(t, b)

	if _, err := s.Invoke(context.Background(), session.CmdPing, nil); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	f := rec.await(t, 2*time.Second)
	if f.Result != session.ResultFailure || f.Error != session.ErrorLinkLost {
		t.Errorf("Finished = %+v, want Failure/LinkLost", f)
	}
}

func TestBackend_CloseDuringHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn // never answers the Hello
	}()

	cfg := testConfig(ln.Addr().String())
	cfg.ConnectTimeout = 5 * time.Second
	b := New(cfg, nil)

	var conn net.Conn
	select {
	case conn = <-accepted:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("backend did not dial")
	}
	// Let the Hello go out so the backend is blocked reading the reply.
	if _, _, err := ReadFrame(conn); err != nil {
		t.Fatalf("reading hello: %v", err)
	}

	start := time.Now()
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("Close took %v during a pending handshake", took)
	}
	if b.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestBackend_KeepAlive(t *testing.T) {
	pings := make(chan struct{}, 8)
	addr := fakeDevice(t, func(conn net.Conn, msgType uint16, _ []byte) {
		if msgType == TypePing {
			pings <- struct{}{}
			frame, _ := EncodeFrame(TypePong, nil)
			conn.Write(frame) //nolint:errcheck // Test device
		}
	})
	cfg := testConfig(addr)
	cfg.KeepAlive = 20 * time.Millisecond
	cfg.ReadTimeout = 200 * time.Millisecond
	b := connectBackend(t, cfg)

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("no keepalive ping")
	}

	// Pongs keep the link up past ReadTimeout.
	time.Sleep(300 * time.Millisecond)
	if !b.IsConnected() || b.Stats().ReconnectsTotal != 0 {
		t.Errorf("link dropped despite keepalive: %+v", b.Stats())
	}
}

func TestServer_RejectsUnknownPartner(t *testing.T) {
	_, addr := startDevice(t, fast)
	cfg := testConfig(addr)
	cfg.PartnerType = "intruder"

	b := New(cfg, nil)
	defer b.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := b.WaitConnected(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WaitConnected() error = %v, want ErrNotConnected", err)
	}
}

func TestBackend_CloseFailsPending(t *testing.T) {
	addr := fakeDevice(t, func(net.Conn, uint16, []byte) {})
	b := connectBackend(t, testConfig(addr))
	ch := execute(t, b)
	waitFor(t, "request sent", func() bool { return b.Stats().RequestsTx == 1 })

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case c := <-ch:
		if c.Error != session.ErrorLinkLost {
			t.Errorf("completion = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not fail the pending request")
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(4 * time.Second); got != 6*time.Second {
		t.Errorf("nextBackoff(4s) = %v, want 6s", got)
	}
	if got := nextBackoff(100 * time.Second); got != maxReconnectInterval {
		t.Errorf("nextBackoff(100s) = %v, want cap", got)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
