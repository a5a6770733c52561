package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

// Status is the state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

const (
	defaultRestartDelay    = 5 * time.Second
	defaultMaxRestartDelay = 2 * time.Minute
	defaultStableThreshold = 2 * time.Minute
	defaultGracefulTimeout = 10 * time.Second
	defaultProbeInterval   = 30 * time.Second
	probeTimeout           = 5 * time.Second
	readyPollInterval      = 100 * time.Millisecond
	restartBackoffFactor   = 1.5

	// maxProbeFailures consecutive failed probes kill a hung process.
	maxProbeFailures = 3
)

// ErrNotRunning is returned by HealthCheck when the process is down.
var ErrNotRunning = errors.New("process: not running")

// Config describes a supervised device process.
type Config struct {
	Name    string
	Binary  string
	Args    []string
	Env     []string // appended to the parent environment
	WorkDir string

	RestartOnFailure bool

	// RestartDelay grows by 1.5 per consecutive failure up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is the uptime after which the failure count resets.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	GracefulTimeout time.Duration

	// Probe reports whether the process serves. Nil means running is healthy.
	Probe         func(ctx context.Context) error
	ProbeInterval time.Duration

	OnStart   func(pid int)
	OnStop    func(err error)
	OnRestart func(attempt int, delay time.Duration)
}

// FromDaemonConfig builds a Config for the linked device daemon. The
// probe dials the link port the backend will connect to.
func FromDaemonConfig(cfg config.DaemonConfig, host string, port int) Config {
	return Config{
		Name:               "fingerprint-device",
		Binary:             cfg.Binary,
		Args:               cfg.Args,
		RestartOnFailure:   cfg.RestartOnFailure,
		RestartDelay:       cfg.RestartDelay,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		Probe:              TCPProbe(net.JoinHostPort(host, fmt.Sprint(port))),
		ProbeInterval:      cfg.HealthCheckInterval,
	}
}

// TCPProbe returns a probe that succeeds when addr accepts a connection.
func TCPProbe(addr string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("probing %s: %w", addr, err)
		}
		return conn.Close()
	}
}

// RecoverableError is implemented by errors that know whether a restart
// can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// exitError marks configuration exits (sysexits EX_USAGE and EX_CONFIG)
// as permanent.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string       { return fmt.Sprintf("exit status %d", e.code) }
func (e *exitError) Unwrap() error       { return e.err }
func (e *exitError) IsRecoverable() bool { return e.code != 64 && e.code != 78 }

// IsRecoverable reports whether restarting after err makes sense.
// Errors that do not say otherwise are recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

func classifyExit(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return &exitError{code: ee.ExitCode(), err: err}
	}
	return err
}

// Supervisor runs one device process, restarts it on failure and kills
// it when its probe keeps failing.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Supervisor struct {
	cfg    Config
	logger session.Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	failures      int
	restarts      int
	lastError     error
	startTime     time.Time
	stopRequested bool
	stop          chan struct{}
	done          chan struct{}
}

// New creates a supervisor. Zero durations take their defaults.
func New(cfg Config, logger session.Logger) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "device"
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = defaultMaxRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = cfg.RestartDelay
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	return &Supervisor{cfg: cfg, logger: session.OrNop(logger), status: StatusStopped}
}

// restartDelay is the wait before the given consecutive restart attempt.
func (s *Supervisor) restartDelay(attempt int) time.Duration {
	d := s.cfg.RestartDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * restartBackoffFactor)
		if d >= s.cfg.MaxRestartDelay {
			return s.cfg.MaxRestartDelay
		}
	}
	return d
}

// Start launches the process and supervises it until ctx is done or Stop
// is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.mu.Unlock()
		return fmt.Errorf("process %s is already running", s.cfg.Name)
	}
	s.status = StatusStarting
	s.stopRequested = false
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	cmd, err := s.spawn(ctx)
	if err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastError = err
		close(s.done)
		s.mu.Unlock()
		return err
	}

	go s.supervise(ctx, cmd, stop)
	return nil
}

// WaitReady polls the probe until it succeeds, the process fails, or
// ctx is done.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	if s.cfg.Probe == nil {
		return nil
	}

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if s.Status() == StatusRunning {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := s.cfg.Probe(probeCtx)
			cancel()
			if err == nil {
				s.logger.Info("device process ready", "name", s.cfg.Name)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", s.cfg.Name, ctx.Err())
		case <-s.doneChan():
			err := s.LastError()
			if err == nil {
				err = ErrNotRunning
			}
			return fmt.Errorf("%s exited before becoming ready: %w", s.cfg.Name, err)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) doneChan() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *Supervisor) spawn(ctx context.Context) (*exec.Cmd, error) {
	s.logger.Info("starting device process", "name", s.cfg.Name, "binary", s.cfg.Binary, "args", s.cfg.Args)

	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.cfg.Args...) //nolint:gosec // Binary comes from validated config
	// A process group lets Stop signal the daemon's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.cfg.Env != nil {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Dir = s.cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	go s.forward("stdout", stdout)
	go s.forward("stderr", stderr)

	pid := cmd.Process.Pid
	s.logger.Info("device process started", "name", s.cfg.Name, "pid", pid)
	if s.cfg.OnStart != nil {
		s.cfg.OnStart(pid)
	}
	return cmd, nil
}

// forward logs the process output line by line.
func (s *Supervisor) forward(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("device output", "name", s.cfg.Name, "stream", stream, "line", scanner.Text())
	}
}

// watch waits for the process to exit. Repeated probe failures kill it.
func (s *Supervisor) watch(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	if s.cfg.Probe == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exitCh:
			return err
		case <-ctx.Done():
			return <-exitCh
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := s.cfg.Probe(probeCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					s.logger.Info("device probe recovered", "name", s.cfg.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			s.logger.Warn("device probe failed", "name", s.cfg.Name, "error", err, "consecutive_failures", failures)
			if failures < maxProbeFailures {
				continue
			}

			s.logger.Error("device probe failed repeatedly, killing process", "name", s.cfg.Name)
			_ = cmd.Process.Kill() //nolint:errcheck // Exit is observed below
			<-exitCh
			return fmt.Errorf("killed after %d failed probes", failures)
		}
	}
}

func (s *Supervisor) supervise(ctx context.Context, cmd *exec.Cmd, stop <-chan struct{}) {
	defer func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	}()

	for {
		err := classifyExit(s.watch(ctx, cmd))

		s.mu.Lock()
		stopRequested := s.stopRequested
		uptime := time.Since(s.startTime)
		if stopRequested || ctx.Err() != nil {
			s.status = StatusStopped
			s.mu.Unlock()
			s.logger.Info("device process stopped", "name", s.cfg.Name)
			if s.cfg.OnStop != nil {
				s.cfg.OnStop(nil)
			}
			return
		}
		s.status = StatusFailed
		s.lastError = err
		if uptime >= s.cfg.StableThreshold {
			s.failures = 0
		}
		s.failures++
		attempt := s.failures
		s.mu.Unlock()

		s.logger.Warn("device process exited unexpectedly", "name", s.cfg.Name, "error", err, "uptime", uptime)
		if s.cfg.OnStop != nil {
			s.cfg.OnStop(err)
		}

		switch {
		case !s.cfg.RestartOnFailure:
			return
		case !IsRecoverable(err):
			s.logger.Error("device process failed permanently, not restarting", "name", s.cfg.Name, "error", err)
			return
		case s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts:
			s.logger.Error("max restart attempts reached", "name", s.cfg.Name, "attempts", attempt-1)
			return
		}

		delay := s.restartDelay(attempt)
		s.logger.Info("restarting device process", "name", s.cfg.Name, "attempt", attempt, "delay", delay)
		if s.cfg.OnRestart != nil {
			s.cfg.OnRestart(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setStatus(StatusStopped)
			return
		case <-stop:
			timer.Stop()
			s.setStatus(StatusStopped)
			return
		case <-timer.C:
		}

		next, err := s.spawn(ctx)
		if err != nil {
			s.logger.Error("failed to restart device process", "name", s.cfg.Name, "error", err)
			s.mu.Lock()
			s.lastError = err
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		cmd = next
	}
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL after
// the graceful timeout.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.status != StatusRunning && s.status != StatusStarting && s.status != StatusFailed {
		s.mu.Unlock()
		return nil
	}
	if !s.stopRequested {
		s.stopRequested = true
		close(s.stop)
	}
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping device process", "name", s.cfg.Name, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM", "name", s.cfg.Name, "error", err)
	}

	timer := time.NewTimer(s.cfg.GracefulTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL", "name", s.cfg.Name, "timeout", s.cfg.GracefulTimeout)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing %s: %w", s.cfg.Name, err)
	}
	<-done
	return nil
}

// HealthCheck reports an error unless the process runs and its probe
// succeeds.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	if s.Status() != StatusRunning {
		return ErrNotRunning
	}
	if s.cfg.Probe == nil {
		return nil
	}
	return s.cfg.Probe(ctx)
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the error of the last unexpected exit.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Stats is a snapshot for the health report.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns current statistics.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Name: s.cfg.Name, Status: s.status, Restarts: s.restarts}
	if s.cmd != nil && s.cmd.Process != nil && s.status == StatusRunning {
		st.PID = s.cmd.Process.Pid
		st.Uptime = time.Since(s.startTime)
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}
