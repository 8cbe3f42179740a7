package vllm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"xfinite-ocr/internal/metrics"
	"xfinite-ocr/internal/shared"

	"go.uber.org/zap"
)

// State is the supervisor's lifecycle state. FAILED is terminal for the
// current transition only; the next Ensure call starts over.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type SupervisorConfig struct {
	Host    string
	Port    int
	PIDFile string

	StartupTimeout time.Duration
	PollInterval   time.Duration
	StopGrace      time.Duration
}

// serverProcess abstracts a spawned server so tests can supervise fakes.
type serverProcess interface {
	PID() int
	Signal(sig os.Signal) error
	Done() <-chan struct{}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Supervisor is the process-wide owner of the external inference server.
// Every lifecycle transition happens under mu; concurrent Ensure callers for
// the same model block behind the first and then hit the no-op path.
type Supervisor struct {
	mu    sync.Mutex
	cfg   SupervisorConfig
	log   *zap.SugaredLogger
	state State
	model string
	proc  serverProcess

	// injectable for tests
	launch func(spec ModelSpec) (serverProcess, error)
	probe  *http.Client
}

func NewSupervisor(cfg SupervisorConfig, log *zap.SugaredLogger) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8001
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = "vllm_server.pid"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = shared.ServerStartupTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = shared.ServerPollInterval
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = shared.ServerStopGrace
	}

	s := &Supervisor{
		cfg:   cfg,
		log:   log,
		state: StateStopped,
		probe: &http.Client{Timeout: shared.ServerProbeTimeout},
	}
	s.launch = s.launchProcess
	return s
}

// Ensure brings the server to READY on modelID and returns the endpoint base
// URL. Already serving the same model is a no-op, the dominant case under
// sustained load.
func (s *Supervisor) Ensure(ctx context.Context, modelID string) (string, error) {
	spec, err := Lookup(modelID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReady && s.model == modelID {
		return s.endpoint(), nil
	}

	s.stopLocked()

	s.state = StateStarting
	s.model = ""

	s.log.Infow("Starting inference server", "model", spec.ID, "repo", spec.Repo)
	proc, err := s.launch(spec)
	if err != nil {
		s.state = StateFailed
		metrics.ServerLaunches.WithLabelValues(spec.ID, "launch_error").Inc()
		return "", fmt.Errorf("failed to launch inference server: %w", err)
	}
	s.proc = proc

	// Persist the PID right away so an operator or the next supervisor
	// instance can find and replace a stale process after a crash.
	if err := s.writePIDFile(proc.PID()); err != nil {
		s.log.Warnw("Failed writing pid file", "error", err)
	}

	if err := s.waitReady(ctx); err != nil {
		s.state = StateFailed
		metrics.ServerLaunches.WithLabelValues(spec.ID, "startup_timeout").Inc()
		return "", err
	}

	s.state = StateReady
	s.model = modelID
	metrics.ServerLaunches.WithLabelValues(spec.ID, "ok").Inc()
	s.log.Infow("Inference server ready", "model", spec.ID, "pid", proc.PID())
	return s.endpoint(), nil
}

// Endpoint returns the base URL for inference calls; only valid when READY.
func (s *Supervisor) Endpoint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return "", ErrNotReady
	}
	return s.endpoint(), nil
}

// Status reports the current state and loaded model for health checks.
func (s *Supervisor) Status() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.model
}

// Stop shuts the managed server down gracefully.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.state = StateStopped
	s.model = ""
}

func (s *Supervisor) endpoint() string {
	return fmt.Sprintf("http://%s:%d/v1", s.cfg.Host, s.cfg.Port)
}

// stopLocked terminates the running process, or a stale one recorded in the
// pid file, with SIGINT and a bounded grace window. Best effort: after the
// grace window we proceed regardless, no hard kill.
func (s *Supervisor) stopLocked() {
	if s.proc != nil {
		s.state = StateStopping
		s.log.Infow("Stopping inference server", "pid", s.proc.PID())
		if err := s.proc.Signal(os.Interrupt); err != nil {
			s.log.Warnw("Failed signalling server", "error", err)
		}
		select {
		case <-s.proc.Done():
		case <-time.After(s.cfg.StopGrace):
			s.log.Warnw("Server did not exit within grace window", "pid", s.proc.PID())
		}
		s.proc = nil
		s.removePIDFile()
		return
	}

	// No live handle; a previous supervisor may have left a process behind.
	s.stopStale()
}

func (s *Supervisor) stopStale() {
	data, err := os.ReadFile(s.cfg.PIDFile)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		s.removePIDFile()
		return
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		s.log.Infow("Stopping stale inference server", "pid", pid)
		if err := proc.Signal(os.Interrupt); err == nil {
			time.Sleep(s.cfg.StopGrace)
		}
	}
	s.removePIDFile()
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	url := s.endpoint() + "/models"
	deadline := time.Now().Add(s.cfg.StartupTimeout)

	s.log.Infow("Waiting for inference server to become ready", "url", url)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := s.probe.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	return ErrStartupTimeout
}

func (s *Supervisor) launchProcess(spec ModelSpec) (serverProcess, error) {
	args := []string{"serve", spec.Repo}
	args = append(args, spec.ServeArgs...)
	args = append(args, "--port", strconv.Itoa(s.cfg.Port))

	cmd := exec.Command("vllm", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	s.log.Infow("Launching server process", "command", "vllm "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (s *Supervisor) writePIDFile(pid int) error {
	return os.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(pid)), 0o644)
}

func (s *Supervisor) removePIDFile() {
	if err := os.Remove(s.cfg.PIDFile); err != nil && !os.IsNotExist(err) {
		s.log.Warnw("Failed removing pid file", "error", err)
	}
}
