package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/backend/linked"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/logging"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

func testOptions() options {
	return options{
		host:            "127.0.0.1",
		port:            0,
		name:            "sim-1",
		seed:            1,
		lightingTime:    20 * time.Millisecond,
		minLightingTime: 10 * time.Millisecond,
		maxLightingTime: 50 * time.Millisecond,
		durations:       map[string]string{"identify": "10ms"},
		databases:       []string{"default"},
		logLevel:        "error",
		logFormat:       "text",
	}
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func TestParseDurations(t *testing.T) {
	table := session.DefaultTable(0)

	tests := []struct {
		name    string
		raw     map[string]string
		want    map[string]time.Duration
		wantErr bool
	}{
		{"empty", nil, map[string]time.Duration{}, false},
		{"valid", map[string]string{"identify": "3s", "add_part": " 150ms "},
			map[string]time.Duration{"identify": 3 * time.Second, "add_part": 150 * time.Millisecond}, false},
		{"unknown command", map[string]string{"explode": "1s"}, nil, true},
		{"bad duration", map[string]string{"identify": "soon"}, nil, true},
		{"negative", map[string]string{"identify": "-1s"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDurations(tt.raw, table)
			if tt.wantErr {
				if !errors.Is(err, errUsage) {
					t.Fatalf("parseDurations() error = %v, want errUsage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDurations() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseDurations() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

// TestDevice_ServesSession drives the simulator through the link backend
// the way a module in tcpip mode does.
func TestDevice_ServesSession(t *testing.T) {
	srv, dev, err := newDevice(testOptions(), testLogger())
	if err != nil {
		t.Fatalf("newDevice() error = %v", err)
	}
	defer dev.Close() //nolint:errcheck // Test cleanup

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln) //nolint:errcheck // Returns ErrServerClosed on Close
	defer srv.Close() //nolint:errcheck // Test cleanup

	link := linked.New(linked.Config{
		Address:           ln.Addr().String(),
		ClientName:        "test-host",
		ConnectTimeout:    time.Second,
		ReadTimeout:       time.Second,
		CommandTimeout:    2 * time.Second,
		ReconnectInterval: 20 * time.Millisecond,
	}, nil)
	defer link.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := link.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}
	if got := link.Stats().DeviceName; got != "sim-1" {
		t.Errorf("DeviceName = %q, want sim-1", got)
	}

	finished := make(chan session.Finished, 1)
	sess, err := session.New(session.Options{
		Backend:      link,
		PublishCycle: 5 * time.Millisecond,
		Observers: []session.Observer{session.ObserverFunc(func(e session.Event) {
			if f, ok := e.(session.Finished); ok {
				finished <- f
			}
		})},
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	defer sess.Close() //nolint:errcheck // Test cleanup

	if _, err := sess.Invoke(ctx, session.CmdIdentify, nil); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	select {
	case f := <-finished:
		if f.Result != session.ResultSuccess {
			t.Errorf("Result = %s, want Success", f.Result)
		}
	case <-ctx.Done():
		t.Fatal("identify did not finish")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, testOptions()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve() did not return")
	}
}

func TestServe_InvalidDuration(t *testing.T) {
	opts := testOptions()
	opts.durations = map[string]string{"explode": "1s"}

	if err := serve(context.Background(), opts); !errors.Is(err, errUsage) {
		t.Fatalf("serve() error = %v, want errUsage", err)
	}
}
