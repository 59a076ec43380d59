package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
)

const (
	// scannerBufferSize bounds one stdout line. Replies can carry large tool
	// output, so this is generous.
	scannerBufferSize = 10 * 1024 * 1024

	// closeGrace is how long Close waits after stdin EOF before SIGTERM, and
	// after SIGTERM before SIGKILL.
	closeGrace = 3 * time.Second

	// stderrTailLines is how many trailing stderr lines are kept for error
	// reporting.
	stderrTailLines = 20
)

// Options configure one subprocess spawn.
type Options struct {
	// Command is the base argv; session flags are appended.
	Command []string
	// WorkDir is the tenant's working directory.
	WorkDir string
	// SessionKey derives from the conversation session id and reset
	// timestamp, so a reset produces a different key.
	SessionKey string
	// Resume asks the subprocess to restore the keyed session's context.
	Resume bool

	TenantID    string
	UserHandle  string
	CallbackURL string

	// CallTimeout bounds one InjectMessage round trip.
	CallTimeout time.Duration
}

type callResult struct {
	text string
	err  error
}

// Process is one live assistant subprocess.
type Process struct {
	opts   Options
	logger *logger.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	mu     sync.Mutex
	waiter chan callResult

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	exitErr   error

	stderrMu   sync.Mutex
	stderrTail []string
}

// spawn starts the subprocess and its reader goroutines. Callers go through
// Start, which layers the resume-then-fresh retry on top.
func spawn(opts Options, log *logger.Logger) (*Process, error) {
	args := append([]string(nil), opts.Command[1:]...)
	if opts.Resume {
		args = append(args, "--resume", opts.SessionKey)
	} else {
		args = append(args, "--session-id", opts.SessionKey)
	}

	cmd := exec.Command(opts.Command[0], args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(),
		"TENDREL_TENANT_ID="+opts.TenantID,
		"TENDREL_USER_HANDLE="+opts.UserHandle,
		"TENDREL_CALLBACK_URL="+opts.CallbackURL,
	)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		opts:   opts,
		logger: log.WithFields(zap.String("session_key", opts.SessionKey)),
		cmd:    cmd,
		stdin:  stdin,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start assistant: %w", err)
	}
	liveProcesses.register(p)

	go p.readLoop(stdout)
	go p.stderrLoop(stderr)
	go p.waitLoop()

	p.logger.Debug("assistant spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resume", opts.Resume))
	return p, nil
}

func (p *Process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			p.logger.Warn("unparseable assistant event", zap.Error(err))
			continue
		}

		switch event.Type {
		case EventTypeSystem:
			if event.Subtype == SubtypeInit {
				p.readyOnce.Do(func() { close(p.ready) })
			}
		case EventTypeAssistant:
			// Streamed partial content; the result event carries the reply.
		case EventTypeResult:
			p.deliver(p.resultFromEvent(&event))
		}
	}
}

func (p *Process) resultFromEvent(event *Event) callResult {
	if event.IsError {
		text := event.ResultText()
		if indicatesNoSuchSession(text) {
			return callResult{err: ErrNoSuchSession}
		}
		return callResult{err: &Error{Msg: text}}
	}
	return callResult{text: event.ResultText()}
}

func (p *Process) deliver(res callResult) {
	p.mu.Lock()
	waiter := p.waiter
	p.waiter = nil
	p.mu.Unlock()

	if waiter != nil {
		waiter <- res
	}
}

func (p *Process) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug("assistant stderr", zap.String("line", line))

		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLines {
			p.stderrTail = p.stderrTail[1:]
		}
		p.stderrMu.Unlock()
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)
	liveProcesses.unregister(p)

	stderr := p.StderrTail()
	if err != nil {
		p.logger.Warn("assistant exited", zap.Error(err), zap.String("stderr", stderr))
	}

	// Reject any call still waiting; EOF without a result event is a failure.
	p.deliver(callResult{err: p.exitError()})
}

func (p *Process) exitError() error {
	stderr := p.StderrTail()
	if indicatesNoSuchSession(stderr) {
		return ErrNoSuchSession
	}
	return &Error{Msg: "process exited before result", Stderr: stderr}
}

// StderrTail returns the last captured stderr lines.
func (p *Process) StderrTail() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.Join(p.stderrTail, "\n")
}

// WaitReady blocks until the subprocess emits its init event, exits, or the
// context ends.
func (p *Process) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return p.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the subprocess has not exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// InjectMessage writes one user message and blocks for the reply. One call
// at a time; the session pool serializes callers.
func (p *Process) InjectMessage(ctx context.Context, text string) (string, error) {
	p.mu.Lock()
	if p.waiter != nil {
		p.mu.Unlock()
		return "", &Error{Msg: "call already in flight"}
	}
	waiter := make(chan callResult, 1)
	p.waiter = waiter
	p.mu.Unlock()

	data, err := json.Marshal(newUserEnvelope(text))
	if err != nil {
		p.clearWaiter()
		return "", &Error{Msg: "marshal envelope: " + err.Error()}
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		p.clearWaiter()
		return "", &Error{Msg: "write to assistant: " + err.Error(), Stderr: p.StderrTail()}
	}

	timeout := p.opts.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if res.err != nil {
			return "", res.err
		}
		return res.text, nil
	case <-timer.C:
		p.logger.Warn("assistant call timed out, killing process",
			zap.Duration("timeout", timeout))
		p.Kill()
		return "", ErrTimeout
	case <-ctx.Done():
		p.Kill()
		return "", ctx.Err()
	}
}

func (p *Process) clearWaiter() {
	p.mu.Lock()
	p.waiter = nil
	p.mu.Unlock()
}

// Close shuts the subprocess down: stdin EOF first, then SIGTERM, then
// SIGKILL, each after a short grace.
func (p *Process) Close() {
	_ = p.stdin.Close()
	if p.awaitExit(closeGrace) {
		return
	}

	pid := p.cmd.Process.Pid
	_ = terminateProcessGroup(pid)
	if p.awaitExit(closeGrace) {
		return
	}

	_ = killProcessGroup(pid)
	<-p.done
}

// Kill force-kills the subprocess and its descendants immediately.
func (p *Process) Kill() {
	_ = killProcessGroup(p.cmd.Process.Pid)
}

func (p *Process) awaitExit(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}
