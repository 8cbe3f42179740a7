package vllm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProc struct {
	pid      int
	mu       sync.Mutex
	signals  []os.Signal
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, done: make(chan struct{})}
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	// a well-behaved server exits promptly on SIGINT
	p.doneOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

// newTestSupervisor points readiness polling at ts and injects a counting
// launcher.
func newTestSupervisor(t *testing.T, ts *httptest.Server, launches *int32) *Supervisor {
	t.Helper()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	s := NewSupervisor(SupervisorConfig{
		Host:           u.Hostname(),
		Port:           port,
		PIDFile:        filepath.Join(t.TempDir(), "vllm_server.pid"),
		StartupTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
		StopGrace:      50 * time.Millisecond,
	}, zap.NewNop().Sugar())

	var mu sync.Mutex
	s.launch = func(spec ModelSpec) (serverProcess, error) {
		mu.Lock()
		*launches++
		pid := 4000 + int(*launches)
		mu.Unlock()
		return newFakeProc(pid), nil
	}
	return s
}

func readyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestEnsureIsIdempotentForSameModel(t *testing.T) {
	var launches int32
	s := newTestSupervisor(t, readyServer(t), &launches)

	ep1, err := s.Ensure(context.Background(), "xf3-pro")
	require.NoError(t, err)
	ep2, err := s.Ensure(context.Background(), "xf3-pro")
	require.NoError(t, err)

	assert.Equal(t, ep1, ep2)
	assert.EqualValues(t, 1, launches)

	state, model := s.Status()
	assert.Equal(t, StateReady, state)
	assert.Equal(t, "xf3-pro", model)
}

func TestEnsureSwitchesModels(t *testing.T) {
	var launches int32
	s := newTestSupervisor(t, readyServer(t), &launches)

	_, err := s.Ensure(context.Background(), "xf3-pro")
	require.NoError(t, err)
	_, err = s.Ensure(context.Background(), "xf1-standard")
	require.NoError(t, err)

	assert.EqualValues(t, 2, launches)
	_, model := s.Status()
	assert.Equal(t, "xf1-standard", model)
}

func TestEnsureUnsupportedModel(t *testing.T) {
	var launches int32
	s := newTestSupervisor(t, readyServer(t), &launches)

	_, err := s.Ensure(context.Background(), "xf9-imaginary")
	assert.ErrorIs(t, err, ErrUnsupportedModel)
	assert.EqualValues(t, 0, launches)
}

func TestEnsureStartupTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	var launches int32
	s := newTestSupervisor(t, ts, &launches)
	s.cfg.StartupTimeout = 100 * time.Millisecond

	_, err := s.Ensure(context.Background(), "xf3-pro")
	assert.ErrorIs(t, err, ErrStartupTimeout)

	state, _ := s.Status()
	assert.Equal(t, StateFailed, state)

	_, err = s.Endpoint()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestConcurrentEnsureLaunchesOnce(t *testing.T) {
	var launches int32
	s := newTestSupervisor(t, readyServer(t), &launches)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Ensure(context.Background(), "xf3-large")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, launches)
}

func TestEnsurePersistsPID(t *testing.T) {
	var launches int32
	s := newTestSupervisor(t, readyServer(t), &launches)

	_, err := s.Ensure(context.Background(), "xf3-pro")
	require.NoError(t, err)

	data, err := os.ReadFile(s.cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, "4001", string(data))
}

func TestStopClearsState(t *testing.T) {
	var launches int32
	s := newTestSupervisor(t, readyServer(t), &launches)

	_, err := s.Ensure(context.Background(), "xf3-pro")
	require.NoError(t, err)

	s.Stop()
	state, model := s.Status()
	assert.Equal(t, StateStopped, state)
	assert.Empty(t, model)

	_, err = os.Stat(s.cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
}
