package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nelsonandreproton/NPBot/internal/config"
)

// defaultCloseGrace is how long Close waits for the child to exit after
// stdin is closed.
const defaultCloseGrace = 2 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// CloseGrace bounds the wait between closing stdin and killing the
	// process. Zero means two seconds.
	CloseGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
// A StdioTransport runs one process; it cannot be restarted.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	started bool
	closing bool
	exitErr error

	done      chan struct{}
	stdinOnce sync.Once
	killOnce  sync.Once
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start is called.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the subprocess. Its lifetime is independent of ctx,
// which only gates whether the launch happens at all; the process is
// terminated by Close or Kill.
func (t *StdioTransport) Start(ctx context.Context, onMessage func(*Message), onClose func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("%w: %s: transport already started", ErrSpawn, t.config.Command)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpawn, t.config.Command, err)
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: create stdin pipe: %w", ErrSpawn, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: create stdout pipe: %w", ErrSpawn, err)
	}

	// Capture stderr for logging. It is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("%w: create stderr pipe: %w", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("%w: start subprocess %s: %w", ErrSpawn, t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderrPipe
	t.started = true

	stderrDone := make(chan struct{})
	go t.drainStderr(stderrPipe, stderrDone)
	go t.readLoop(onMessage, onClose, stderrDone)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop feeds stdout through the line splitter until the stream
// ends, then reaps the process and reports its exit.
func (t *StdioTransport) readLoop(onMessage func(*Message), onClose func(error), stderrDone <-chan struct{}) {
	splitter := newLineSplitter(maxLineSize)
	buf := make([]byte, 64*1024)

	for {
		n, err := t.stdout.Read(buf)
		if n > 0 {
			for _, line := range splitter.feed(buf[:n]) {
				t.logger.Log(context.Background(), config.LevelTrace, "MCP recv", "line", string(line))
				msg, perr := parseMessage(line)
				if perr != nil {
					t.logger.Debug("dropping unparseable line from MCP subprocess",
						"error", perr,
					)
					continue
				}
				onMessage(msg)
			}
			if dropped := splitter.takeDropped(); dropped > 0 {
				t.logger.Warn("dropped oversize lines from MCP subprocess",
					"count", dropped,
					"max_bytes", maxLineSize,
				)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.isClosing() {
				t.logger.Debug("MCP subprocess stdout read ended", "error", err)
			}
			break
		}
	}
	if n := splitter.pending(); n > 0 {
		t.logger.Debug("discarding unterminated trailing output", "bytes", n)
	}

	<-stderrDone
	waitErr := t.cmd.Wait()

	t.mu.Lock()
	t.closing = true
	t.exitErr = waitErr
	t.mu.Unlock()
	close(t.done)

	t.logger.Info("MCP subprocess exited", "pid", t.cmd.Process.Pid, "error", waitErr)
	if onClose != nil {
		onClose(waitErr)
	}
}

// Write sends one message as a single line on stdin. Writes are
// serialized so concurrent callers never interleave bytes.
func (t *StdioTransport) Write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.isClosing() {
		return ErrClosed
	}

	t.logger.Log(context.Background(), config.LevelTrace, "MCP send", "line", string(data))
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write to subprocess stdin: %w", ErrClosed, err)
	}
	return nil
}

// Close closes stdin, waits up to the configured grace for the process
// to exit, and kills it otherwise. It returns once the process has been
// reaped.
func (t *StdioTransport) Close() error {
	if !t.markClosing() {
		return nil
	}
	t.closeStdin()

	timer := time.NewTimer(t.config.CloseGrace)
	defer timer.Stop()

	select {
	case <-t.done:
		return nil
	case <-timer.C:
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.Pid(),
		)
		err := t.Kill()
		<-t.done
		return err
	}
}

// Kill terminates the process without waiting for it to finish its
// work. Closing our ends of the pipes unblocks the reader even if a
// grandchild still holds the write side open.
func (t *StdioTransport) Kill() error {
	if !t.markClosing() {
		return nil
	}
	t.closeStdin()

	var err error
	t.killOnce.Do(func() {
		if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill subprocess: %w", kerr)
		}
		t.stdout.Close()
		t.stderr.Close()
	})
	return err
}

// Done is closed once the process has exited and been reaped.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// ExitErr returns the process exit error after Done is closed.
func (t *StdioTransport) ExitErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

// Pid returns the child's process id, or 0 before Start.
func (t *StdioTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// markClosing flags the transport as shutting down and reports whether
// there is a process to act on.
func (t *StdioTransport) markClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	return t.started
}

func (t *StdioTransport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing || !t.started
}

func (t *StdioTransport) closeStdin() {
	t.stdinOnce.Do(func() {
		t.stdin.Close()
	})
}
