package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codescan/internal/config"
)

// fakeWorker speaks the wire protocol over in-memory pipes. The handler
// returns the raw lines to write back for each decoded request; nil means
// stay silent (forcing a timeout).
type fakeWorker struct {
	handler func(req Request) [][]byte

	mu       sync.Mutex
	stdoutW  *io.PipeWriter
	launches int
}

func (f *fakeWorker) launch() (io.WriteCloser, io.ReadCloser, func(), error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	f.mu.Lock()
	f.stdoutW = stdoutW
	f.launches++
	f.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			for _, line := range f.handler(req) {
				out := append(append([]byte(nil), line...), '\n')
				if _, err := stdoutW.Write(out); err != nil {
					return
				}
			}
		}
	}()

	stop := func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
	}
	return stdinW, stdoutR, stop, nil
}

// crash simulates the worker process exiting: its stdout reaches EOF.
func (f *fakeWorker) crash() {
	f.mu.Lock()
	w := f.stdoutW
	f.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

func (f *fakeWorker) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func okReply(req Request, elements ...Element) [][]byte {
	line, _ := json.Marshal(Response{ID: req.ID, Status: statusOK, Elements: elements})
	return [][]byte{line}
}

func testConf() config.ConcurrencyConf {
	return config.ConcurrencyConf{
		MaxInFlight:          4,
		WorkerTimeoutSeconds: 60,
		TimeoutRestartAfter:  3,
		MaxRestarts:          1,
	}
}

func newTestManager(t *testing.T, fakes map[string]*fakeWorker) *Manager {
	t.Helper()
	launchers := make(map[string]launchFunc, len(fakes))
	for name, f := range fakes {
		launchers[name] = f.launch
	}
	m := newManagerWithLauncher(testConf(), launchers, nil)
	m.timeout = 200 * time.Millisecond
	t.Cleanup(m.Shutdown)
	return m
}

func TestSubmitSuccess(t *testing.T) {
	fake := &fakeWorker{handler: func(req Request) [][]byte {
		return okReply(req, Element{Kind: "function", Name: "Run", LineStart: 1, LineEnd: 3})
	}}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	resp, err := m.Submit(context.Background(), "go", Request{FilePath: "a.go", Content: "package a"})
	require.NoError(t, err)
	require.Len(t, resp.Elements, 1)
	assert.Equal(t, "Run", resp.Elements[0].Name)

	state, restarts := m.StateOf("go")
	assert.Equal(t, StateRunning, state)
	assert.Zero(t, restarts)
}

func TestOutOfOrderRepliesMatchByCorrelationID(t *testing.T) {
	// Hold the first request's reply until the second request arrives, then
	// answer both in reverse order.
	var mu sync.Mutex
	var held *Request
	fake := &fakeWorker{}
	fake.handler = func(req Request) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			r := req
			held = &r
			return nil
		}
		second, _ := json.Marshal(Response{ID: req.ID, Status: statusOK, ErrorMessage: ""})
		first, _ := json.Marshal(Response{ID: held.ID, Status: statusOK})
		return [][]byte{second, first}
	}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	ids := []string{"call-a", "call-b"}
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = m.Submit(context.Background(), "go", Request{ID: id, FilePath: "f.go"})
		}(i, id)
		time.Sleep(20 * time.Millisecond) // deterministic arrival order
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestAnalyzerReportedError(t *testing.T) {
	fake := &fakeWorker{handler: func(req Request) [][]byte {
		line, _ := json.Marshal(Response{ID: req.ID, Status: statusError, ErrorMessage: "syntax error"})
		return [][]byte{line}
	}}
	m := newTestManager(t, map[string]*fakeWorker{"py": fake})

	_, err := m.Submit(context.Background(), "py", Request{FilePath: "bad.py"})
	require.ErrorIs(t, err, ErrAnalyzer)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestTimeoutDoesNotKillWorker(t *testing.T) {
	var mu sync.Mutex
	silent := true
	fake := &fakeWorker{}
	fake.handler = func(req Request) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		if silent {
			return nil
		}
		return okReply(req)
	}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	_, err := m.Submit(context.Background(), "go", Request{FilePath: "slow.go"})
	require.ErrorIs(t, err, ErrTimeout)

	// One timeout is below the restart threshold: the same process serves
	// the next call.
	mu.Lock()
	silent = false
	mu.Unlock()
	_, err = m.Submit(context.Background(), "go", Request{FilePath: "ok.go"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.launchCount())
}

func TestRepeatedTimeoutsRestartWorker(t *testing.T) {
	fake := &fakeWorker{handler: func(req Request) [][]byte { return nil }}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	for i := 0; i < testConf().TimeoutRestartAfter; i++ {
		_, err := m.Submit(context.Background(), "go", Request{FilePath: "slow.go"})
		require.ErrorIs(t, err, ErrTimeout)
	}

	// The threshold kill marks the process dead; the next submit restarts.
	require.Eventually(t, func() bool {
		state, _ := m.StateOf("go")
		return state == StateUnhealthy
	}, time.Second, 10*time.Millisecond)

	_, err := m.Submit(context.Background(), "go", Request{FilePath: "again.go"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, fake.launchCount())
}

func TestCrashFailsPendingAndRestartsAreBounded(t *testing.T) {
	fake := &fakeWorker{handler: func(req Request) [][]byte { return nil }}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), "go", Request{FilePath: "pending.go"})
		done <- err
	}()

	// Let the request register, then crash the worker mid-call.
	time.Sleep(50 * time.Millisecond)
	fake.crash()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrWorkerCrashed)
	case <-time.After(time.Second):
		t.Fatal("pending call did not resolve after crash")
	}

	// MaxRestarts is 1: the first resubmission restarts, a second crash
	// disables the analyzer for good.
	go func() {
		_, err := m.Submit(context.Background(), "go", Request{FilePath: "second.go"})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	fake.crash()
	require.ErrorIs(t, <-done, ErrWorkerCrashed)
	assert.Equal(t, 2, fake.launchCount())

	_, err := m.Submit(context.Background(), "go", Request{FilePath: "third.go"})
	require.ErrorIs(t, err, ErrWorkerUnavailable)

	state, _ := m.StateOf("go")
	assert.Equal(t, StateDisabled, state)
	assert.True(t, m.AllDisabled())
}

// stalledWriter blocks every Write until Close, like a worker process that
// stopped draining its stdin pipe.
type stalledWriter struct {
	closed chan struct{}
	once   sync.Once
}

func (w *stalledWriter) Write(p []byte) (int, error) {
	<-w.closed
	return 0, io.ErrClosedPipe
}

func (w *stalledWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

func TestStalledStdinStillHonorsDeadline(t *testing.T) {
	stdin := &stalledWriter{closed: make(chan struct{})}
	stdoutR, stdoutW := io.Pipe()
	launchers := map[string]launchFunc{
		"go": func() (io.WriteCloser, io.ReadCloser, func(), error) {
			stop := func() {
				_ = stdin.Close()
				_ = stdoutW.Close()
			}
			return stdin, stdoutR, stop, nil
		},
	}
	m := newManagerWithLauncher(testConf(), launchers, nil)
	m.timeout = 200 * time.Millisecond
	t.Cleanup(m.Shutdown)

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), "go", Request{FilePath: "a.go"})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("call with a stalled stdin never hit its deadline")
	}

	// The wedged write must not hold any lock that Shutdown needs.
	shutdownDone := make(chan struct{})
	go func() {
		m.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("shutdown blocked behind a stalled stdin write")
	}
}

func TestOversizedReplyLineFailsCallButKeepsSession(t *testing.T) {
	var mu sync.Mutex
	huge := true
	fake := &fakeWorker{}
	fake.handler = func(req Request) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		if huge {
			line := append([]byte(`{"id":"`+req.ID+`","status":"ok","error":"`),
				bytes.Repeat([]byte("x"), maxLineBytes)...)
			line = append(line, '"', '}')
			return [][]byte{line}
		}
		return okReply(req)
	}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	_, err := m.Submit(context.Background(), "go", Request{ID: "big", FilePath: "a.go"})
	require.ErrorIs(t, err, ErrProtocol)

	// The oversized line is drained and only its call fails: the same
	// process answers the next request without a restart.
	mu.Lock()
	huge = false
	mu.Unlock()
	_, err = m.Submit(context.Background(), "go", Request{FilePath: "b.go"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.launchCount())

	state, _ := m.StateOf("go")
	assert.Equal(t, StateRunning, state)
}

func TestMalformedLineWithIDFailsThatCall(t *testing.T) {
	fake := &fakeWorker{handler: func(req Request) [][]byte {
		// Valid JSON, wrong shape: elements must be a list.
		return [][]byte{[]byte(`{"id":"` + req.ID + `","status":"ok","elements":42}`)}
	}}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	_, err := m.Submit(context.Background(), "go", Request{ID: "c1", FilePath: "a.go"})
	require.ErrorIs(t, err, ErrProtocol)

	// The manager survives the bad line.
	state, _ := m.StateOf("go")
	assert.Equal(t, StateRunning, state)
}

func TestGarbageLineIsDiscarded(t *testing.T) {
	fake := &fakeWorker{handler: func(req Request) [][]byte {
		line, _ := json.Marshal(Response{ID: req.ID, Status: statusOK})
		return [][]byte{[]byte("not json at all"), line}
	}}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	_, err := m.Submit(context.Background(), "go", Request{FilePath: "a.go"})
	assert.NoError(t, err, "garbage lines must not affect the pending call")
}

func TestUnknownAnalyzer(t *testing.T) {
	m := newTestManager(t, map[string]*fakeWorker{})
	_, err := m.Submit(context.Background(), "cobol", Request{FilePath: "x.cbl"})
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
}

func TestCancelledContext(t *testing.T) {
	fake := &fakeWorker{handler: func(req Request) [][]byte { return nil }}
	m := newTestManager(t, map[string]*fakeWorker{"go": fake})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := m.Submit(ctx, "go", Request{FilePath: "a.go"})
	assert.ErrorIs(t, err, context.Canceled)
}
