package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize    = 100
	fallbackFlushSeconds = 10
)

// Client is a batching telemetry writer. Writes never block the caller;
// failures surface through the SetOnError callback.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig

	closed  atomic.Bool
	onError atomic.Pointer[func(error)]
}

// Connect checks the server is healthy before returning a client.
// It returns ErrDisabled when telemetry is switched off.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(positiveOr(cfg.BatchSize, fallbackBatchSize)).
		SetFlushInterval(positiveOr(cfg.FlushInterval, fallbackFlushSeconds) * 1000)
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := ping(pingCtx, client); err != nil {
		client.Close()
		return nil, err
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		cfg:      cfg,
	}
	go c.forwardErrors()
	return c, nil
}

// positiveOr returns v as a uint, or fallback when v is not positive.
func positiveOr(v, fallback int) uint {
	if v <= 0 {
		return uint(fallback)
	}
	return uint(v) // #nosec G115 -- v > 0
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	case !healthy:
		return fmt.Errorf("%w: server reports unhealthy", ErrConnectionFailed)
	}
	return nil
}

// forwardErrors drains the write API error channel until the client closes.
func (c *Client) forwardErrors() {
	for err := range c.writeAPI.Errors() {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(err)
		}
	}
}

// SetOnError installs the callback for failed batch writes.
func (c *Client) SetOnError(fn func(err error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return ping(pingCtx, c.client)
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	return c != nil && c.client != nil && !c.closed.Load()
}

// Flush sends buffered points and waits for the write. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Close flushes and releases the client. Later calls do nothing.
func (c *Client) Close() error {
	if c == nil || c.client == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
