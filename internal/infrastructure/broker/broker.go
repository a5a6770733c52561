// Package broker runs an optional in-process MQTT broker so a Fingerprint
// module can be deployed without an external Mosquitto.
package broker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
)

// listenerID names the single TCP listener.
const listenerID = "fingerprint-tcp"

var (
	// ErrDisabled is returned by Start when the embedded broker is not enabled.
	ErrDisabled = errors.New("broker: embedded broker disabled")

	// ErrStartFailed wraps listener and serve failures.
	ErrStartFailed = errors.New("broker: start failed")
)

// Broker wraps a mochi MQTT server with a single TCP listener.
type Broker struct {
	server *mochi.Server
	addr   string
	logger *slog.Logger

	closeOnce sync.Once
}

// Start creates the broker, binds its listener and begins serving.
// logger may be nil.
func Start(cfg config.EmbeddedBrokerConfig, logger *slog.Logger) (*Broker, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logger,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("%w: auth hook: %w", ErrStartFailed, err)
	}
	if err := server.AddHook(&sessionHook{logger: logger}, nil); err != nil {
		return nil, fmt.Errorf("%w: session hook: %w", ErrStartFailed, err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tcp := listeners.NewTCP(listeners.Config{ID: listenerID, Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrStartFailed, addr, err)
	}

	if err := server.Serve(); err != nil {
		server.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	logger.Info("embedded MQTT broker started", "address", tcp.Address())
	return &Broker{server: server, addr: tcp.Address(), logger: logger}, nil
}

// Address returns the bound listener address.
func (b *Broker) Address() string {
	return b.addr
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	return b.server.Clients.Len()
}

// Publish injects a message through the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return b.server.Publish(topic, payload, retain, qos)
}

// Close stops all listeners and disconnects clients.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.server.Close()
		b.logger.Info("embedded MQTT broker stopped")
	})
	return err
}

// sessionHook logs client sessions.
type sessionHook struct {
	mochi.HookBase
	logger *slog.Logger
}

func (h *sessionHook) ID() string {
	return "fingerprint-sessions"
}

func (h *sessionHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mochi.OnSessionEstablished, mochi.OnDisconnect}, []byte{b})
}

func (h *sessionHook) OnSessionEstablished(cl *mochi.Client, _ packets.Packet) {
	h.logger.Debug("mqtt client connected", "client_id", cl.ID, "remote", cl.Net.Remote)
}

func (h *sessionHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	h.logger.Debug("mqtt client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
