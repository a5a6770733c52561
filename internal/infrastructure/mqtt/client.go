package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
)

// Client is the module's broker connection. It remembers subscriptions
// and replays them after paho reconnects, and keeps a retained
// online/offline record on the status topic. Safe for concurrent use.
type Client struct {
	client      pahomqtt.Client
	cfg         config.MQTTConfig
	statusTopic string

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	up atomic.Bool

	hookMu sync.RWMutex
	hooks  hooks
}

type hooks struct {
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is what the client logs through. *logging.Logger and
// *slog.Logger both satisfy it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message on a paho goroutine. A returned
// error is logged; the message is acknowledged either way.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits for the first CONNACK.
//
// When statusTopic is set the client keeps a retained status record
// there: "online" after every connect, "offline" with reason
// graceful_shutdown from Close, and an unexpected_disconnect Last Will.
func Connect(cfg config.MQTTConfig, statusTopic string) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		statusTopic:   statusTopic,
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, statusTopic, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log(func(l Logger) { l.Info("reconnecting to MQTT broker") })
	})

	c.client = pahomqtt.NewClient(opts)
	if err := await(c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}

	// paho runs the OnConnect handler on its own goroutine.
	c.up.Store(true)
	return c, nil
}

func (c *Client) currentHooks() hooks {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.hooks
}

func (c *Client) log(fn func(Logger)) {
	if l := c.currentHooks().logger; l != nil {
		fn(l)
	}
}

func (c *Client) handleConnect() {
	c.up.Store(true)

	c.subMu.RLock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	if c.statusTopic != "" {
		c.client.Publish(c.statusTopic, c.QoS(), true, buildStatusPayload("online", c.cfg.Broker.ClientID, ""))
	}
	if fn := c.currentHooks().onConnect; fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.up.Store(false)
	c.log(func(l Logger) { l.Warn("MQTT connection lost", "error", err) })
	if fn := c.currentHooks().onDisconnect; fn != nil {
		fn(err)
	}
}

// Close marks the status topic offline and disconnects.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.statusTopic != "" && c.IsConnected() {
		bye := buildStatusPayload("offline", c.cfg.Broker.ClientID, "graceful_shutdown")
		c.client.Publish(c.statusTopic, c.QoS(), true, bye).WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.up.Store(false)
	return nil
}

// HealthCheck fails when the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether both the client and paho consider the link up.
func (c *Client) IsConnected() bool {
	return c != nil && c.client != nil && c.up.Load() && c.client.IsConnected()
}

// SetOnConnect installs a callback run after the first connect and after
// every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMu.Lock()
	c.hooks.onConnect = fn
	c.hookMu.Unlock()
}

// SetOnDisconnect installs a callback run when the link drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hookMu.Lock()
	c.hooks.onDisconnect = fn
	c.hookMu.Unlock()
}

// SetLogger sets where reconnects, lost links and handler failures go.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.hooks.logger = logger
	c.hookMu.Unlock()
}

// wrapHandler adapts handler to paho, logging its errors and recovering
// its panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				c.log(func(l Logger) { l.Error("MQTT handler panic recovered", "topic", topic, "panic", r) })
			}
		}()
		if err := handler(topic, msg.Payload()); err != nil {
			c.log(func(l Logger) { l.Warn("MQTT handler returned error", "topic", topic, "error", err) })
		}
	}
}

// await waits for token and wraps a timeout or failure in sentinel.
func await(token pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
