// fpdevice simulates a Fingerprint device on the link protocol.
//
// It runs the mockup backend behind a link server so a module started in
// tcpip mode can be exercised without hardware. It is also what
// backend.linked.daemon launches in the development configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/fingerprint-core/internal/backend/linked"
	"github.com/nerrad567/fingerprint-core/internal/backend/mockup"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/logging"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

var version = "dev"

// Exit codes read by the process supervisor. 64 is permanent.
const (
	exitFailure = 1
	exitUsage   = 64
)

type options struct {
	host            string
	port            int
	name            string
	seed            uint64
	lightingTime    time.Duration
	minLightingTime time.Duration
	maxLightingTime time.Duration
	minRecoverTime  time.Duration
	durations       map[string]string
	databases       []string
	logLevel        string
	logFormat       string
}

var _opts options

var rootCmd = &cobra.Command{
	Use:           "fpdevice",
	Short:         "Simulate a Fingerprint device on the link protocol",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), _opts)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&_opts.host, "host", "127.0.0.1", "listen address")
	f.IntVar(&_opts.port, "port", 50001, "listen port")
	f.StringVar(&_opts.name, "name", "fpdevice", "device name announced in the Hello reply")
	f.Uint64Var(&_opts.seed, "seed", 0, "seed for trace candidate selection (0 is random)")
	f.DurationVar(&_opts.lightingTime, "lighting-time", 500*time.Millisecond, "requested flash duration")
	f.DurationVar(&_opts.minLightingTime, "min-lighting-time", 100*time.Millisecond, "shortest flash duration")
	f.DurationVar(&_opts.maxLightingTime, "max-lighting-time", 750*time.Millisecond, "longest flash duration (MaxLightingTime)")
	f.DurationVar(&_opts.minRecoverTime, "min-recover-time", 250*time.Millisecond, "pause required between flashes (MinRecoverTime)")
	f.StringToStringVar(&_opts.durations, "duration", nil, "simulated duration per command, eg. identify=3s,add_part=1s")
	f.StringSliceVar(&_opts.databases, "databases", []string{"default"}, "databases created at start")
	f.StringVar(&_opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.StringVar(&_opts.logFormat, "log-format", "text", "log format: text or json")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(exitUsage)
		}
		os.Exit(exitFailure)
	}
}

var errUsage = errors.New("invalid option")

// parseDurations converts --duration values. Every name must be a known
// command.
func parseDurations(raw map[string]string, table *session.Table) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(raw))
	for name, v := range raw {
		if _, ok := table.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: --duration %s: unknown command", errUsage, name)
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: --duration %s=%s: not a duration", errUsage, name, v)
		}
		out[name] = d
	}
	return out, nil
}

// newDevice builds the simulated device and its link server.
func newDevice(opts options, log *logging.Logger) (*linked.Server, *mockup.Backend, error) {
	table := session.DefaultTable(opts.maxLightingTime)

	durations, err := parseDurations(opts.durations, table)
	if err != nil {
		return nil, nil, err
	}

	dev := mockup.New(mockup.Options{
		LightingTime:    opts.lightingTime,
		MinLightingTime: opts.minLightingTime,
		MaxLightingTime: opts.maxLightingTime,
		MinRecoverTime:  opts.minRecoverTime,
		Durations:       durations,
		Seed:            opts.seed,
		Databases:       opts.databases,
		Logger:          log.Component("mockup"),
	})
	srv := linked.NewServer(dev, linked.ServerOptions{
		DeviceName: opts.name,
		Commands:   table,
		Logger:     log.Component("link"),
	})
	return srv, dev, nil
}

// serve listens on host:port and serves until ctx is done.
func serve(ctx context.Context, opts options) error {
	log := logging.New(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: "stderr",
	}, version)

	srv, dev, err := newDevice(opts, log)
	if err != nil {
		return err
	}
	defer dev.Close() //nolint:errcheck // Mockup close never fails

	addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.Info("device simulator started", "address", ln.Addr().String(), "name", opts.name)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		srv.Close() //nolint:errcheck // Listener close error is irrelevant on shutdown
		<-serveErr
		return nil
	case err := <-serveErr:
		return err
	}
}
