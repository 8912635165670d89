package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/MaxtuneLee/webcodecs-container/internal/container"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

const (
	// DefaultFragmentMarker is the box type that opens the output gate.
	DefaultFragmentMarker = "moof"
	// DefaultTickInterval paces Read.
	DefaultTickInterval = time.Millisecond
)

// ErrCancelled is returned by a session after Cancel.
var ErrCancelled = errors.New("stream cancelled")

// BoxError is a serialization failure of one box. Length is the payload
// length seen at failure time and is -1 when the payload was already
// dropped, so it is only a hint.
type BoxError struct {
	Index  int
	Type   string
	Size   int64
	Length int
	Err    error
}

func (e *BoxError) Error() string {
	return fmt.Sprintf("%v | box #%d (type: %s, size: %d, data length: %d)", e.Err, e.Index, e.Type, e.Size, e.Length)
}

func (e *BoxError) Unwrap() error { return e.Err }

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTickInterval sets the Read pacing interval.
func WithTickInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the clock driving Read.
func WithClock(c clock.WithTicker) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

// WithOnCancel registers the cleanup run once on Cancel.
func WithOnCancel(fn func()) SessionOption {
	return func(s *Session) {
		s.onCancel = fn
	}
}

// WithFragmentMarker changes the gating box type.
func WithFragmentMarker(typ string) SessionOption {
	return func(s *Session) {
		s.marker = typ
	}
}

// Session is a pull-based stream over a growing box list. Nothing is
// emitted until a fragment marker box exists; then boxes are emitted from
// index 0, one per Pull, each released right after serialization.
type Session struct {
	mu sync.Mutex

	lib    Library
	boxes  *container.BoxList
	marker string

	next      int
	gateOpen  bool
	stopped   bool
	exited    bool
	cancelled bool
	err       error
	sent      int64

	onCancel func()

	clock    clock.WithTicker
	interval time.Duration
	ticker   clock.Ticker
	wake     chan struct{}
	done     chan struct{}
	pending  []byte

	logger *slog.Logger
}

func newSession(lib Library, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		lib:      lib,
		boxes:    lib.Boxes(),
		marker:   DefaultFragmentMarker,
		clock:    clock.RealClock{},
		interval: DefaultTickInterval,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pull returns the next serialized box. It returns (nil, nil) when nothing
// can be emitted yet, io.EOF once the stream ended, ErrCancelled after
// Cancel and the terminal error after a failure or Stop(err).
func (s *Session) Pull() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pullLocked()
}

func (s *Session) pullLocked() ([]byte, error) {
	if s.cancelled {
		return nil, ErrCancelled
	}
	if s.err != nil {
		return nil, s.err
	}

	if data, err := s.emitNext(); data != nil || err != nil {
		return data, err
	}

	if s.stopped && !s.exited {
		if err := s.exit(); err != nil {
			return nil, err
		}
		if data, err := s.emitNext(); data != nil || err != nil {
			return data, err
		}
	}
	if s.exited {
		s.finish()
		return nil, io.EOF
	}
	return nil, nil
}

// emitNext serializes the box under the cursor, if the gate is open and
// one is available.
func (s *Session) emitNext() ([]byte, error) {
	if !s.gateOpen {
		if s.boxes.IndexOf(s.marker) < 0 {
			return nil, nil
		}
		s.gateOpen = true
		s.logger.Debug("Fragment marker observed, stream gate open", "marker", s.marker)
	}
	if s.next >= s.boxes.Len() {
		return nil, nil
	}

	idx := s.next
	box := s.boxes.At(idx)
	if box == nil {
		return nil, s.fail(&BoxError{Index: idx, Length: -1, Err: container.ErrBoxReleased})
	}

	var buf bytes.Buffer
	if _, err := box.WriteTo(&buf); err != nil {
		return nil, s.fail(&BoxError{Index: idx, Type: box.Type, Size: box.Size, Length: box.Len(), Err: err})
	}
	s.boxes.Release(idx)
	s.next++
	s.sent += int64(buf.Len())
	return buf.Bytes(), nil
}

func (s *Session) fail(boxErr *BoxError) error {
	s.err = media.MuxError("mux", boxErr)
	s.stopTicker()
	s.finish()
	s.logger.Error("Box serialization failed", "error", boxErr)
	return s.err
}

// exit runs once: flush the library so the last fragment is finalized; the
// boxes it produced are drained by the following pulls.
func (s *Session) exit() error {
	if s.exited {
		return nil
	}
	s.exited = true
	s.stopTicker()

	if err := s.lib.Flush(); err != nil {
		s.err = media.MuxError("mux", fmt.Errorf("flush: %w", err))
		s.finish()
		return s.err
	}
	s.logger.Debug("Stream exiting", "boxes", s.boxes.Len(), "sent_bytes", s.sent)
	return nil
}

// Stop requests the end of the stream. Without an error the remaining boxes
// are drained before io.EOF. With an error the stream terminates with it
// right away and pending boxes are discarded. Only the first call counts.
func (s *Session) Stop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.cancelled {
		return
	}
	s.stopped = true
	if err != nil && s.err == nil {
		s.err = err
		s.exited = true
		s.pending = nil
		s.stopTicker()
		s.finish()
	}
	s.notify()
}

// Cancel aborts the stream from the consumer side. Queued bytes are
// discarded and the cleanup callback runs once. A session that already
// ended with io.EOF or an error is left as is.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.pending = nil
	s.stopTicker()
	s.finish()
	s.notify()
	onCancel := s.onCancel
	s.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
}

// Close cancels the session.
func (s *Session) Close() error {
	s.Cancel()
	return nil
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// BytesSent returns the number of bytes emitted so far.
func (s *Session) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Read implements io.Reader. Each new box is pulled on a tick of the
// session clock.
func (s *Session) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return 0, ErrCancelled
		}
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return n, nil
		}
		ticker := s.tickerLocked()
		s.mu.Unlock()

		if ticker != nil {
			select {
			case <-ticker.C():
			case <-s.wake:
			}
		}

		s.mu.Lock()
		data, err := s.pullLocked()
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.pending = data
		s.mu.Unlock()
	}
}

func (s *Session) tickerLocked() clock.Ticker {
	if s.exited || s.cancelled || s.err != nil {
		return nil
	}
	if s.ticker == nil {
		s.ticker = s.clock.NewTicker(s.interval)
	}
	return s.ticker
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) terminalLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) finish() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
