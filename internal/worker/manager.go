package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"codescan/internal/config"
)

// State describes one analyzer's supervision status.
type State string

const (
	StateIdle      State = "idle"      // never started
	StateRunning   State = "running"   // process alive
	StateUnhealthy State = "unhealthy" // process down, restarts remain
	StateDisabled  State = "disabled"  // restart budget exhausted
)

// analyzerState is the supervision record for one registered analyzer.
type analyzerState struct {
	name     string
	launch   launchFunc
	proc     *process
	restarts int
	disabled bool
}

// Manager starts and supervises one long-lived process per registered
// analyzer. Safe for concurrent use; Submit may be called from many
// goroutines at once.
type Manager struct {
	cfg     config.ConcurrencyConf
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	analyzers map[string]*analyzerState
}

// NewManager registers the configured analyzers. Processes start lazily on
// first submission.
func NewManager(cfg config.ConcurrencyConf, analyzers []config.AnalyzerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")

	m := &Manager{
		cfg:       cfg,
		timeout:   cfg.WorkerTimeout(),
		logger:    logger,
		analyzers: make(map[string]*analyzerState, len(analyzers)),
	}
	for _, a := range analyzers {
		m.analyzers[a.Name] = &analyzerState{
			name:   a.Name,
			launch: execLauncher(a.Command, logger.With("analyzer", a.Name)),
		}
	}
	return m
}

// newManagerWithLauncher is the test seam: like NewManager but with an
// explicit launch function per analyzer.
func newManagerWithLauncher(cfg config.ConcurrencyConf, launchers map[string]launchFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		timeout:   cfg.WorkerTimeout(),
		logger:    logger.With("component", "worker"),
		analyzers: make(map[string]*analyzerState, len(launchers)),
	}
	for name, launch := range launchers {
		m.analyzers[name] = &analyzerState{name: name, launch: launch}
	}
	return m
}

// Submit sends one analyze request to the named analyzer and waits for its
// reply, the per-call deadline, or ctx cancellation, whichever wins.
func (m *Manager) Submit(ctx context.Context, analyzerID string, req Request) (*Response, error) {
	proc, err := m.ensureProcess(analyzerID)
	if err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Kind = kindAnalyze

	ch, err := proc.send(req)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Status == statusError {
			return nil, fmt.Errorf("%w: %s", ErrAnalyzer, res.resp.ErrorMessage)
		}
		return res.resp, nil

	case <-timer.C:
		proc.purge(req.ID)
		n := proc.noteTimeout()
		m.logger.Warn("worker call timed out",
			"analyzer", analyzerID, "id", req.ID, "consecutive", n)
		// One slow call never kills the worker; repeated timeouts do.
		if m.cfg.TimeoutRestartAfter > 0 && n >= m.cfg.TimeoutRestartAfter {
			m.logger.Warn("timeout threshold reached, restarting worker", "analyzer", analyzerID)
			proc.kill()
		}
		return nil, ErrTimeout

	case <-ctx.Done():
		proc.purge(req.ID)
		return nil, ctx.Err()
	}
}

// ensureProcess returns the live process for an analyzer, (re)starting it
// within the restart budget. Exhausted budgets disable the analyzer and all
// further submissions fail fast.
func (m *Manager) ensureProcess(analyzerID string) (*process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.analyzers[analyzerID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown analyzer %q", ErrWorkerUnavailable, analyzerID)
	}
	if st.disabled {
		return nil, fmt.Errorf("%w: analyzer %q is disabled", ErrWorkerUnavailable, analyzerID)
	}
	if st.proc != nil && !st.proc.isDead() {
		return st.proc, nil
	}

	// A dead process consumes one restart; the initial start is free.
	if st.proc != nil {
		st.restarts++
		if st.restarts > m.cfg.MaxRestarts {
			st.disabled = true
			st.proc = nil
			m.logger.Error("restart budget exhausted, analyzer disabled",
				"analyzer", analyzerID, "restarts", st.restarts-1)
			return nil, fmt.Errorf("%w: analyzer %q exceeded %d restarts",
				ErrWorkerUnavailable, analyzerID, m.cfg.MaxRestarts)
		}
		m.logger.Info("restarting worker",
			"analyzer", analyzerID, "attempt", st.restarts, "max", m.cfg.MaxRestarts)
	}

	proc, err := startProcess(st.name, st.launch, m.logger.With("analyzer", st.name))
	if err != nil {
		st.disabled = true
		m.logger.Error("worker failed to start, analyzer disabled",
			"analyzer", analyzerID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	st.proc = proc
	return proc, nil
}

// StateOf reports an analyzer's supervision state and restart count.
func (m *Manager) StateOf(analyzerID string) (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.analyzers[analyzerID]
	if !ok {
		return StateDisabled, 0
	}
	switch {
	case st.disabled:
		return StateDisabled, st.restarts
	case st.proc == nil:
		return StateIdle, st.restarts
	case st.proc.isDead():
		return StateUnhealthy, st.restarts
	default:
		return StateRunning, st.restarts
	}
}

// AllDisabled reports whether every registered analyzer has exhausted its
// restart budget. The orchestrator uses this to end a run Degraded.
func (m *Manager) AllDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.analyzers) == 0 {
		return false
	}
	for _, st := range m.analyzers {
		if !st.disabled {
			return false
		}
	}
	return true
}

// Shutdown kills every live worker process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.analyzers))
	for _, st := range m.analyzers {
		if st.proc != nil {
			procs = append(procs, st.proc)
		}
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.kill()
	}
}
