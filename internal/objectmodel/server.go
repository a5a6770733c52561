package objectmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/capability"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

// defaultHandlerTimeout bounds a single command handler call.
const defaultHandlerTimeout = 5 * time.Second

// abortCommand is the ack name used for the abort method.
const abortCommand = "abort"

// Client is the MQTT surface the server needs. *mqtt.Client satisfies it.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Options configures a Server.
type Options struct {
	Topics mqtt.Topics

	// QoS for every publish and subscription. Default 1.
	QoS byte

	// HandlerTimeout bounds each command handler call. Default 5s.
	HandlerTimeout time.Duration

	Logger session.Logger
}

// Server publishes the object model of one module and routes method
// invocations to registered handlers.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Handlers run on MQTT client goroutines.
type Server struct {
	client Client
	topics mqtt.Topics
	qos    byte
	tmo    time.Duration
	logger session.Logger

	mu       sync.RWMutex
	handlers map[string]session.CommandHandler
	abort    func(ctx context.Context) error
}

// NewServer creates a server on a connected client.
func NewServer(client Client, opts Options) *Server {
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	return &Server{
		client:   client,
		topics:   opts.Topics,
		qos:      opts.QoS,
		tmo:      opts.HandlerTimeout,
		logger:   session.OrNop(opts.Logger),
		handlers: make(map[string]session.CommandHandler),
	}
}

// Topics returns the topic builder of the module.
func (s *Server) Topics() mqtt.Topics {
	return s.topics
}

// PublishValue publishes a DeviceState field as a retained value node.
func (s *Server) PublishValue(field string, value any) error {
	return s.publishValue(s.topics.State(field), value)
}

// PublishNodes publishes every capability and property once.
func (s *Server) PublishNodes(store *capability.Store) error {
	if store == nil {
		return nil
	}
	for _, name := range store.Capabilities.Names() {
		v, _ := store.Capabilities.Get(name)
		if err := s.publishValue(s.topics.Capability(name), v.Raw()); err != nil {
			return fmt.Errorf("capability %s: %w", name, err)
		}
	}
	for _, name := range store.Properties.Names() {
		v, _ := store.Properties.Get(name)
		if err := s.publishValue(s.topics.Property(name), v.Raw()); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
	}
	s.logger.Info("object model nodes published",
		"capabilities", store.Capabilities.Len(), "properties", store.Properties.Len())
	return nil
}

func (s *Server) publishValue(topic string, value any) error {
	payload, err := json.Marshal(ValueMessage{Value: value, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Publish(topic, payload, s.qos, true)
}

// RegisterCommandHandler subscribes to command/{command} and routes every
// invocation to handler. The handler's Ack or error is published on
// ack/{command}.
func (s *Server) RegisterCommandHandler(command string, handler session.CommandHandler) error {
	s.mu.Lock()
	if _, exists := s.handlers[command]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, command)
	}
	s.handlers[command] = handler
	s.mu.Unlock()

	err := s.client.Subscribe(s.topics.Command(command), s.qos, func(_ string, payload []byte) error {
		return s.handleCommand(command, payload)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.handlers, command)
		s.mu.Unlock()
		return err
	}
	return nil
}

// RegisterAbortHandler subscribes to the abort topic.
func (s *Server) RegisterAbortHandler(abort func(ctx context.Context) error) error {
	s.mu.Lock()
	s.abort = abort
	s.mu.Unlock()

	return s.client.Subscribe(s.topics.Abort(), s.qos, func(_ string, payload []byte) error {
		return s.handleAbort(payload)
	})
}

// Commands returns the names of the registered commands.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	return out
}

func (s *Server) handleCommand(command string, payload []byte) error {
	s.mu.RLock()
	handler := s.handlers[command]
	s.mu.RUnlock()
	if handler == nil {
		return nil
	}

	msg, err := decodeCommand(payload)
	if err != nil {
		s.logger.Debug("invocation rejected", "command", command, "error", err)
		return s.publishAck(command, newRejected("", command, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.tmo)
	defer cancel()

	ack, err := handler(ctx, msg.Args)
	if err != nil {
		s.logger.Debug("invocation rejected", "command", command, "id", msg.ID, "error", err)
		return s.publishAck(command, newRejected(msg.ID, command, err))
	}
	return s.publishAck(command, newAccepted(msg.ID, command, ack))
}

func (s *Server) handleAbort(payload []byte) error {
	s.mu.RLock()
	abort := s.abort
	s.mu.RUnlock()
	if abort == nil {
		return nil
	}

	// The abort payload is optional; only the id is used.
	var msg CommandMessage
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &msg) //nolint:errcheck // Correlation id is best-effort
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.tmo)
	defer cancel()

	if err := abort(ctx); err != nil {
		return s.publishAck(abortCommand, newRejected(msg.ID, abortCommand, err))
	}
	return s.publishAck(abortCommand, AckMessage{
		ID:        msg.ID,
		Command:   abortCommand,
		Status:    AckAccepted,
		Timestamp: time.Now().UTC(),
	})
}

func decodeCommand(payload []byte) (CommandMessage, error) {
	var msg CommandMessage
	if len(payload) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return msg, nil
}

func (s *Server) publishAck(command string, ack AckMessage) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshalling ack: %w", err)
	}
	return s.client.Publish(s.topics.Ack(command), payload, s.qos, false)
}

// Observe publishes CommandFinished events. It implements session.Observer.
func (s *Server) Observe(e session.Event) {
	f, ok := e.(session.Finished)
	if !ok {
		return
	}
	payload, err := json.Marshal(NewFinishedMessage(f))
	if err != nil {
		s.logger.Error("marshalling finished event failed", "command", f.Ticket.Command, "error", err)
		return
	}
	if err := s.client.Publish(s.topics.EventFinished(), payload, s.qos, false); err != nil {
		s.logger.Warn("publishing finished event failed", "command", f.Ticket.Command, "error", err)
	}
}
