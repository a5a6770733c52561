package objectmodel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/backend/linked"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// SessionSource provides the device state and counters.
type SessionSource interface {
	Snapshot() session.DeviceState
	Stats() session.Stats
}

// LinkSource provides device link statistics. *linked.Backend satisfies it.
type LinkSource interface {
	Stats() linked.Stats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	ModuleID string
	Version  string
	Mode     string

	// Topic is the retained health topic.
	Topic string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Session   SessionSource

	// Link is set only for the linked backend.
	Link LinkSource

	Logger session.Logger
}

// HealthReporter manages periodic health status reporting.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	logger    session.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a health reporter. Call Start to begin.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    session.OrNop(cfg.Logger),
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is done or Stop.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "module starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Build returns the current health document without publishing it.
func (h *HealthReporter) Build() HealthMessage {
	status, reason := h.determineStatus()
	return h.build(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Warn("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Warn("failed to publish health", "error", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Link != nil && !h.cfg.Link.Stats().Connected {
		return HealthDegraded, "device link down"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) build(status HealthStatus, reason string) HealthMessage {
	now := time.Now()
	msg := HealthMessage{
		Module:        h.cfg.ModuleID,
		Status:        status,
		Reason:        reason,
		Version:       h.cfg.Version,
		Mode:          h.cfg.Mode,
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
	}

	if h.cfg.Session != nil {
		snap := h.cfg.Session.Snapshot()
		msg.State = make(map[string]any, len(session.Fields))
		for _, f := range session.Fields {
			msg.State[string(f)] = snap.Value(f)
		}
		stats := h.cfg.Session.Stats()
		msg.Session = &stats
	}

	if h.cfg.Link != nil {
		st := h.cfg.Link.Stats()
		msg.Link = &LinkHealth{
			Connected:    st.Connected,
			Reconnecting: st.Reconnecting,
			DeviceName:   st.DeviceName,
			RequestsTx:   st.RequestsTx,
			ResultsRx:    st.ResultsRx,
			LinkLost:     st.LinkLost,
			Timeouts:     st.Timeouts,
			Desyncs:      st.Desyncs,
			Reconnects:   st.ReconnectsTotal,
			Pending:      st.Pending,
		}
		if st.LastActivity.UnixNano() > 0 {
			msg.Link.LastActivity = st.LastActivity.UTC()
		}
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil || h.cfg.Topic == "" {
		return nil
	}
	payload, err := json.Marshal(h.build(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, 1, true)
}
