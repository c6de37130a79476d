// Package runner spawns parsed commands without a shell and streams their output.
package runner

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/logging"
	"github.com/openclaw/runbox/internal/policy"
)

const (
	// DefaultTimeout is the wall-clock ceiling per invocation.
	DefaultTimeout = 2 * time.Minute
	// DefaultMaxStreamBytes caps each of stdout and stderr. Output beyond
	// the cap is dropped and the last emitted chunk is marked truncated.
	DefaultMaxStreamBytes = 512 * 1024
	// stderrTailBytes is how much stderr is retained for the fix classifier.
	stderrTailBytes = 8 * 1024

	chunkSize = 4096
)

// ErrCorrelationActive is returned when a correlation id already owns a live process.
var ErrCorrelationActive = errors.New("correlation id already has a live process")

// Limits bound a single invocation.
type Limits struct {
	Timeout        time.Duration
	MaxStreamBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.MaxStreamBytes <= 0 {
		l.MaxStreamBytes = DefaultMaxStreamBytes
	}
	return l
}

// Handle describes a live process. The runner owns it exclusively from
// spawn to exit or kill.
type Handle struct {
	CorrelationID string
	PID           int
	StartedAt     time.Time
	StdoutBytes   int64
	StderrBytes   int64
}

// Result summarizes a finished invocation.
type Result struct {
	ExitCode   int
	TimedOut   bool
	Killed     bool
	StderrTail string
	Duration   time.Duration
}

type liveProcess struct {
	handle Handle
	pgid   int
	killed bool
}

// Runner executes commands with shell execution disabled: argv is passed to
// the OS directly, so metacharacter injection is structurally impossible
// regardless of policy bugs.
type Runner struct {
	mu     sync.Mutex
	procs  map[string]*liveProcess
	limits Limits
	logger *logging.Logger
}

// New creates a runner.
func New(limits Limits, logger *logging.Logger) *Runner {
	return &Runner{
		procs:  make(map[string]*liveProcess),
		limits: limits.withDefaults(),
		logger: logger.WithComponent("runner"),
	}
}

// EmitFunc receives events as the process produces them.
type EmitFunc func(payload event.Payload)

// Run spawns cmd in cwd and blocks until it exits, is killed, or times out.
// Spawn failure is reported synchronously; everything after a successful
// spawn surfaces through emitted events and the Result.
func (r *Runner) Run(correlationID string, cmd policy.ParsedCommand, cwd string, emit EmitFunc) (Result, error) {
	start := time.Now()

	c := exec.Command(cmd.Program, cmd.Args...)
	c.Dir = cwd
	// Own process group so descendants die with the child.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.procs[correlationID]; exists {
		r.mu.Unlock()
		return Result{}, ErrCorrelationActive
	}
	if err := c.Start(); err != nil {
		r.mu.Unlock()
		return Result{}, fmt.Errorf("spawn %s: %w", cmd.Program, err)
	}
	proc := &liveProcess{
		handle: Handle{
			CorrelationID: correlationID,
			PID:           c.Process.Pid,
			StartedAt:     start,
		},
		pgid: c.Process.Pid,
	}
	r.procs[correlationID] = proc
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.procs, correlationID)
		r.mu.Unlock()
	}()

	r.logger.ProcessStarted(correlationID, proc.handle.PID, cmd.Program)
	emit(event.ProcessStarted{PID: proc.handle.PID, Command: cmd.String()})

	timedOut := false
	timer := time.AfterFunc(r.limits.Timeout, func() {
		r.mu.Lock()
		timedOut = true
		r.mu.Unlock()
		r.killGroup(proc)
	})
	defer timer.Stop()

	var wg sync.WaitGroup
	var tail stderrTail
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.stream(stdout, correlationID, false, emit, &proc.handle.StdoutBytes, nil)
	}()
	go func() {
		defer wg.Done()
		r.stream(stderr, correlationID, true, emit, &proc.handle.StderrBytes, &tail)
	}()
	wg.Wait()

	exitCode := 0
	if err := c.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	timer.Stop()

	r.mu.Lock()
	killed := proc.killed
	wasTimeout := timedOut
	r.mu.Unlock()

	duration := time.Since(start)
	r.logger.ProcessExited(correlationID, exitCode, duration)
	emit(event.ProcessExited{Code: exitCode})

	return Result{
		ExitCode:   exitCode,
		TimedOut:   wasTimeout,
		Killed:     killed,
		StderrTail: tail.String(),
		Duration:   duration,
	}, nil
}

// stream reads a pipe in chunks and emits them until the byte cap, then
// drains. The truncated flag is raised only when bytes are actually
// dropped; output that lands exactly on the cap stays unflagged.
func (r *Runner) stream(pipe io.Reader, correlationID string, isStderr bool, emit EmitFunc, counter *int64, tail *stderrTail) {
	buf := make([]byte, chunkSize)
	var emitted int64
	marked := false

	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if tail != nil {
				tail.Write(chunk)
			}
			r.mu.Lock()
			*counter += int64(n)
			r.mu.Unlock()

			switch {
			case emitted < r.limits.MaxStreamBytes:
				room := r.limits.MaxStreamBytes - emitted
				send := chunk
				truncated := false
				if int64(len(send)) > room {
					send = send[:room]
					truncated = true
					marked = true
				}
				emitted += int64(len(send))
				if isStderr {
					emit(event.StderrChunk{Content: string(send), Truncated: truncated})
				} else {
					emit(event.StdoutChunk{Content: string(send), Truncated: truncated})
				}
			case !marked:
				// Earlier output filled the cap exactly and more kept
				// coming. Signal the drop once with an empty chunk.
				marked = true
				if isStderr {
					emit(event.StderrChunk{Truncated: true})
				} else {
					emit(event.StdoutChunk{Truncated: true})
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Kill force-terminates the process tree behind a correlation id. Unknown
// or already-exited ids are a no-op.
func (r *Runner) Kill(correlationID string) {
	r.mu.Lock()
	proc, ok := r.procs[correlationID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.killGroup(proc)
}

// KillAll force-terminates every live process tree.
func (r *Runner) KillAll() {
	r.mu.Lock()
	procs := make([]*liveProcess, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()
	for _, p := range procs {
		r.killGroup(p)
	}
}

// killGroup signals the whole process group. The negative pid addresses
// every descendant, since a shell-free child may still fork.
func (r *Runner) killGroup(proc *liveProcess) {
	r.mu.Lock()
	if proc.killed {
		r.mu.Unlock()
		return
	}
	proc.killed = true
	pgid := proc.pgid
	r.mu.Unlock()

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// Live reports whether a correlation id currently owns a process, and its
// handle snapshot if so.
func (r *Runner) Live(correlationID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[correlationID]
	if !ok {
		return Handle{}, false
	}
	return proc.handle, true
}

// stderrTail keeps the last stderrTailBytes of stderr for the classifier.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *stderrTail) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailBytes {
		t.buf = t.buf[len(t.buf)-stderrTailBytes:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
