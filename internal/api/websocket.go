package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/logging"
	"github.com/nerrad567/fingerprint-core/internal/objectmodel"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

// Frame types on the watch socket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)

// Broadcast channels.
const (
	ChannelStateChanged    = "state.changed"
	ChannelCommandFinished = "command.finished"
)

// watcherQueue is the number of frames buffered per watcher before new
// frames are dropped.
const watcherQueue = 256

// Frame is one JSON message on the watch socket, in either direction.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Time    string `json:"time,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ChannelList is the data of subscribe and unsubscribe frames.
type ChannelList struct {
	Channels []string `json:"channels"`
}

// StateChangedPayload is broadcast on state.changed.
type StateChangedPayload struct {
	Seq     uint64              `json:"seq"`
	Changed []string            `json:"changed"`
	State   session.DeviceState `json:"state"`
}

// Hub fans session events out to the connected watchers.
type Hub struct {
	cfg config.WebSocketConfig
	log *logging.Logger

	mu       sync.RWMutex
	watchers map[*watcher]struct{}
}

// watcher is one connected socket and the channels it listens to.
type watcher struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu       sync.Mutex
	channels map[string]bool
	closed   bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware decides which origins reach this handler.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub returns a hub with no watchers.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		log:      logger,
		watchers: make(map[*watcher]struct{}),
	}
}

// Run waits for ctx and then disconnects every watcher.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	all := h.watchers
	h.watchers = make(map[*watcher]struct{})
	h.mu.Unlock()

	for w := range all {
		w.shutdown()
		if w.conn != nil {
			w.conn.Close()
		}
	}
}

// ClientCount reports how many watchers are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	n := len(h.watchers)
	h.mu.RUnlock()
	return n
}

func (h *Hub) attach(w *watcher) {
	h.mu.Lock()
	h.watchers[w] = struct{}{}
	n := len(h.watchers)
	h.mu.Unlock()
	h.log.Debug("watcher connected", "watchers", n)
}

func (h *Hub) detach(w *watcher) {
	h.mu.Lock()
	delete(h.watchers, w)
	n := len(h.watchers)
	h.mu.Unlock()
	w.shutdown()
	h.log.Debug("watcher disconnected", "watchers", n)
}

// Observe implements session.Observer. Accepted events are not broadcast.
func (h *Hub) Observe(e session.Event) {
	switch ev := e.(type) {
	case session.Transition:
		changed := make([]string, 0, len(ev.Changed))
		for _, f := range ev.Changed {
			changed = append(changed, string(f))
		}
		h.Broadcast(ChannelStateChanged, StateChangedPayload{Seq: ev.Seq, Changed: changed, State: ev.State})
	case session.Finished:
		h.Broadcast(ChannelCommandFinished, objectmodel.NewFinishedMessage(ev))
	}
}

// Broadcast queues data for every watcher listening on channel. A watcher
// whose queue is full misses the frame.
func (h *Hub) Broadcast(channel string, data any) {
	raw, err := encodeFrame(Frame{Type: FrameEvent, Channel: channel, Data: data})
	if err != nil {
		h.log.Error("encoding broadcast", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*watcher, 0, len(h.watchers))
	for w := range h.watchers {
		if w.listens(channel) {
			targets = append(targets, w)
		}
	}
	h.mu.RUnlock()

	for _, w := range targets {
		if !w.deliver(raw) {
			h.log.Debug("watcher queue full, frame dropped", "channel", channel)
		}
	}
}

func encodeFrame(f Frame) ([]byte, error) {
	f.Time = time.Now().UTC().Format(time.RFC3339Nano)
	return json.Marshal(f)
}

// handleWebSocket upgrades the request and runs the watcher until the peer
// goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	wt := &watcher{
		hub:      s.hub,
		conn:     conn,
		out:      make(chan []byte, watcherQueue),
		channels: make(map[string]bool),
	}
	s.hub.attach(wt)

	go wt.writeLoop(s.wsCfg)
	go wt.readLoop(s.wsCfg)
}

func (w *watcher) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		w.hub.detach(w)
		w.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return w.conn.SetReadDeadline(time.Now().Add(idle)) }

	w.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	if err := extend(); err != nil {
		return
	}
	w.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, raw, err := w.conn.ReadMessage()
		switch {
		case err == nil:
		case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
			w.hub.log.Warn("watcher read failed", "error", err)
			return
		default:
			w.hub.log.Debug("watcher closed", "error", err)
			return
		}
		// Any inbound frame proves the peer is alive.
		if err := extend(); err != nil {
			return
		}
		w.dispatch(raw)
	}
}

func (w *watcher) writeLoop(cfg config.WebSocketConfig) {
	keepalive := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer keepalive.Stop()
	defer w.conn.Close()

	grace := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		if err := w.conn.SetWriteDeadline(time.Now().Add(grace)); err != nil {
			return err
		}
		return w.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, open := <-w.out:
			if !open {
				write(websocket.CloseMessage, nil) //nolint:errcheck // Peer may already be gone
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-keepalive.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound frame.
func (w *watcher) dispatch(raw []byte) {
	var in struct {
		Type string          `json:"type"`
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		w.reply(Frame{Type: FrameError, Data: errorData("frame is not valid JSON")})
		return
	}

	switch in.Type {
	case FramePing:
		w.reply(Frame{Type: FramePong, ID: in.ID})
	case FrameSubscribe, FrameUnsubscribe:
		var list ChannelList
		if len(in.Data) == 0 || json.Unmarshal(in.Data, &list) != nil {
			w.reply(Frame{Type: FrameError, ID: in.ID, Data: errorData(in.Type + " needs a channel list")})
			return
		}
		on := in.Type == FrameSubscribe
		w.mu.Lock()
		for _, ch := range list.Channels {
			if on {
				w.channels[ch] = true
			} else {
				delete(w.channels, ch)
			}
		}
		w.mu.Unlock()
		w.reply(Frame{Type: FrameAck, ID: in.ID, Data: list})
	default:
		w.reply(Frame{Type: FrameError, ID: in.ID, Data: errorData("unknown frame type " + in.Type)})
	}
}

func errorData(msg string) map[string]string {
	return map[string]string{"message": msg}
}

func (w *watcher) reply(f Frame) {
	raw, err := encodeFrame(f)
	if err != nil {
		return
	}
	w.deliver(raw)
}

func (w *watcher) listens(channel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channels[channel]
}

// deliver queues data without blocking. It reports false when the frame
// was dropped.
func (w *watcher) deliver(data []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.out <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the outbound queue once. writeLoop then sends a close
// frame and exits.
func (w *watcher) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.out)
	}
}
