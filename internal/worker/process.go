package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// maxLineBytes bounds one protocol line. Large source files inflate request
// lines, not response lines, but workers echoing content would hit this.
const maxLineBytes = 16 * 1024 * 1024

// launchFunc starts one worker process and returns its stdin, stdout, and a
// stop function that terminates it. Injectable so tests can speak the
// protocol over in-memory pipes.
type launchFunc func() (io.WriteCloser, io.ReadCloser, func(), error)

// execLauncher launches the configured argv with piped standard streams.
// Worker stderr is drained to the log so a chatty analyzer cannot block.
func execLauncher(argv []string, logger *slog.Logger) launchFunc {
	return func() (io.WriteCloser, io.ReadCloser, func(), error) {
		cmd := exec.Command(argv[0], argv[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start worker: %w", err)
		}

		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				logger.Debug("worker stderr", "line", scanner.Text())
			}
		}()

		stop := func() {
			_ = stdin.Close()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
		}
		return stdin, stdout, stop, nil
	}
}

type callResult struct {
	resp *Response
	err  error
}

// process is one live worker: its stdin writer, the correlation-id map of
// pending calls, and the reader goroutine consuming its stdout.
type process struct {
	analyzer string
	logger   *slog.Logger
	stdin    io.WriteCloser

	// writeMu serializes stdin writes so concurrent submitters never
	// interleave lines. Held only around the write itself, never with mu,
	// so a worker that stops reading stdin cannot wedge the pending map.
	writeMu sync.Mutex

	mu      sync.Mutex
	stop    func()
	pending map[string]chan callResult
	dead    bool

	// consecutive timeouts since the last successful reply; crossing the
	// configured threshold triggers a restart by the manager.
	consecTimeouts int
}

// startProcess launches a worker and begins reading replies.
func startProcess(analyzer string, launch launchFunc, logger *slog.Logger) (*process, error) {
	stdin, stdout, stop, err := launch()
	if err != nil {
		return nil, err
	}
	p := &process{
		analyzer: analyzer,
		logger:   logger,
		stdin:    stdin,
		stop:     stop,
		pending:  make(map[string]chan callResult),
	}
	go p.readLoop(stdout)
	return p, nil
}

// send writes one request line and registers its correlation id. The
// returned channel yields exactly one result unless the id is purged first.
func (p *process) send(req Request) (chan callResult, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	line = append(line, '\n')

	ch := make(chan callResult, 1)

	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return nil, ErrWorkerCrashed
	}
	p.pending[req.ID] = ch
	p.mu.Unlock()

	// The write runs off the submitting goroutine so the caller's deadline
	// covers it: a worker that stops draining stdin resolves as a timeout
	// instead of blocking the call. A write failure fails every pending
	// call, this one included, through markDead.
	go func() {
		p.writeMu.Lock()
		_, err := p.stdin.Write(line)
		p.writeMu.Unlock()
		if err != nil {
			p.logger.Warn("worker stdin write failed",
				"analyzer", p.analyzer, "id", req.ID, "error", err)
			p.markDead()
		}
	}()
	return ch, nil
}

// purge drops a pending correlation id, typically after its deadline
// expired. A late reply for a purged id is discarded by the read loop.
func (p *process) purge(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *process) noteTimeout() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecTimeouts++
	return p.consecTimeouts
}

func (p *process) noteReply() {
	p.mu.Lock()
	p.consecTimeouts = 0
	p.mu.Unlock()
}

func (p *process) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// kill terminates the process. Pending calls resolve via the read loop
// observing end-of-stream.
func (p *process) kill() {
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// markDead fails every pending call with ErrWorkerCrashed.
func (p *process) markDead() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	pending := p.pending
	p.pending = make(map[string]chan callResult)
	p.mu.Unlock()

	for id, ch := range pending {
		ch <- callResult{err: ErrWorkerCrashed}
		p.logger.Debug("pending call failed by worker exit", "id", id)
	}
}

// errOversizedLine marks a reply line that exceeded maxLineBytes.
var errOversizedLine = errors.New("line exceeds protocol size limit")

// readLoop consumes reply lines until end-of-stream. Malformed or oversized
// lines are protocol errors: the offending line is discarded, and if its id
// is recoverable the matching call fails instead of timing out. The session
// itself stays up; only end-of-stream or a read error kills it.
func (p *process) readLoop(stdout io.ReadCloser) {
	defer stdout.Close()
	reader := bufio.NewReaderSize(stdout, 64*1024)

	for {
		line, tooLong, err := readBoundedLine(reader)
		if err != nil {
			if err != io.EOF {
				p.logger.Warn("worker stdout read failed", "analyzer", p.analyzer, "error", err)
			}
			break
		}
		if tooLong {
			p.failMalformed(line, errOversizedLine)
			continue
		}
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.failMalformed(line, err)
			continue
		}
		if resp.ID == "" {
			p.logger.Warn("response without correlation id discarded", "analyzer", p.analyzer)
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		delete(p.pending, resp.ID)
		p.mu.Unlock()
		if !ok {
			// Purged deadline or duplicate reply.
			p.logger.Debug("reply for unknown correlation id discarded",
				"analyzer", p.analyzer, "id", resp.ID)
			continue
		}
		p.noteReply()
		ch <- callResult{resp: &resp}
	}

	p.markDead()
}

// readBoundedLine reads one newline-terminated line, retaining at most
// maxLineBytes of it. An oversized line is drained through to its newline
// and reported with tooLong set; the retained prefix still allows
// correlation-id recovery. io.EOF is returned only with no data read.
func readBoundedLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf) < maxLineBytes {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes {
				buf = buf[:maxLineBytes]
				tooLong = true
			}
		} else {
			tooLong = true
		}

		switch err {
		case nil:
			return bytes.TrimSuffix(buf, []byte{'\n'}), tooLong, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(buf) == 0 {
				return nil, false, io.EOF
			}
			// Final line without a trailing newline.
			return buf, tooLong, nil
		default:
			return nil, false, err
		}
	}
}

// failMalformed handles an undecodable line. If a correlation id can still
// be pulled out of the line, that call fails with ErrProtocol; otherwise the
// line is only logged.
func (p *process) failMalformed(line []byte, cause error) {
	p.logger.Warn("malformed worker line discarded",
		"analyzer", p.analyzer, "bytes", len(line), "error", cause)

	id := extractID(line)
	if id == "" {
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if ok {
		ch <- callResult{err: fmt.Errorf("%w: undecodable response line", ErrProtocol)}
	}
}

// extractID pulls the correlation id out of a reply line that does not
// decode as JSON, either because it is garbage past the id field or because
// it was truncated at the size limit. Falls back to a raw scan for the id
// field when full decoding fails.
func extractID(line []byte) string {
	var partial struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(line, &partial) == nil && partial.ID != "" {
		return partial.ID
	}

	marker := []byte(`"id":"`)
	start := bytes.Index(line, marker)
	if start < 0 {
		return ""
	}
	rest := line[start+len(marker):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return string(rest[:end])
}
