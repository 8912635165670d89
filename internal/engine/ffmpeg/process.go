// Package ffmpeg implements the media engines on top of an ffmpeg
// subprocess speaking raw H.264 and raw RGBA over pipes.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultBinary is looked up in PATH when no binary is configured.
const DefaultBinary = "ffmpeg"

const (
	stopTimeout   = 5 * time.Second
	stderrMaxSize = 8 * 1024
)

// Available reports whether the ffmpeg binary can be found.
func Available(binary string) bool {
	if binary == "" {
		binary = DefaultBinary
	}
	_, err := exec.LookPath(binary)
	return err == nil
}

// Option configures an engine.
type Option func(*options)

type options struct {
	binary string
	logger *slog.Logger
}

// WithBinary sets the ffmpeg executable.
func WithBinary(path string) Option {
	return func(o *options) {
		if path != "" {
			o.binary = path
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) options {
	o := options{binary: DefaultBinary, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// tailBuffer keeps the last bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrMaxSize {
		t.buf = t.buf[len(t.buf)-stderrMaxSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(bytes.ToValidUTF8(t.buf, nil)))
}

// process is one running ffmpeg with its stdin and stdout pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	logger *slog.Logger

	waitOnce sync.Once
	waitErr  error
}

func startProcess(ctx context.Context, binary string, logger *slog.Logger, args ...string) (*process, error) {
	args = append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, args...)
	cmd := exec.CommandContext(ctx, binary, args...)
	p := &process{cmd: cmd, stderr: &tailBuffer{}, logger: logger}
	cmd.Stderr = p.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	p.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.stdin.Close()
		return nil, err
	}
	p.stdout = stdout

	if err := cmd.Start(); err != nil {
		p.stdin.Close()
		p.stdout.Close()
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))
	return p, nil
}

// wait reaps the process once.
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.waitErr != nil {
			if msg := p.stderr.String(); msg != "" {
				p.waitErr = fmt.Errorf("%w: %s", p.waitErr, msg)
			}
		}
	})
	return p.waitErr
}

// stop terminates the process, escalating to SIGKILL after stopTimeout.
func (p *process) stop() {
	p.stdin.Close()
	if p.cmd.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		p.wait()
		close(done)
	}()

	p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		p.cmd.Process.Kill()
		<-done
		p.logger.Warn("ffmpeg force killed", "pid", p.cmd.Process.Pid)
	}
}

// fifo matches output frames to input timestamps in submission order.
type fifo struct {
	mu    sync.Mutex
	items []stamp
}

type stamp struct {
	timestamp int64
	duration  int64
}

func (f *fifo) push(s stamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, s)
}

func (f *fifo) pop() (stamp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return stamp{}, false
	}
	s := f.items[0]
	f.items = f.items[1:]
	return s, true
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
