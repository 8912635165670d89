// Package render zips the decoded base and keyed effect frames into output
// frames, encodes them and hands the encoded chunks to the muxer.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// DefaultTrackLabel names the single output video track.
const DefaultTrackLabel = "video"

var (
	ErrEmptyComposite = errors.New("effect track has no frames")
	ErrEmptyBase      = errors.New("base track has no frames")
	ErrAlreadyStarted = errors.New("render loop already started")
	errNoDecoderInfo  = errors.New("first encoded chunk carries no decoder config")
)

// State is the lifecycle of a Loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// Sink receives the output track and its chunks. *mux.Muxer implements it.
type Sink interface {
	AddTrack(label string, desc media.TrackDescriptor) (int, error)
	AddVideoChunk(id int, chunk media.EncodedChunk) error
}

// Loop renders and encodes one export. A Loop runs once.
type Loop struct {
	encoder   media.Encoder
	sink      Sink
	cfg       media.EncoderConfig
	draw      DrawFunc
	label     string
	timescale uint32
	tick      time.Duration
	clock     clock.WithTicker
	logger    *slog.Logger

	state  atomic.Int32
	chunks atomic.Int64
}

type Option func(*Loop)

// WithDraw replaces the Overlay draw routine.
func WithDraw(fn DrawFunc) Option {
	return func(l *Loop) { l.draw = fn }
}

// WithTickInterval overrides the pacing interval. Zero paces at the output
// frame interval; a negative value renders as fast as the encoder accepts
// frames.
func WithTickInterval(d time.Duration) Option {
	return func(l *Loop) { l.tick = d }
}

func WithClock(c clock.WithTicker) Option {
	return func(l *Loop) { l.clock = c }
}

// WithTimescale sets the timescale of the output track descriptor.
func WithTimescale(ts uint32) Option {
	return func(l *Loop) { l.timescale = ts }
}

func WithTrackLabel(label string) Option {
	return func(l *Loop) { l.label = label }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a render loop encoding with enc into sink.
func NewLoop(enc media.Encoder, sink Sink, cfg media.EncoderConfig, opts ...Option) *Loop {
	l := &Loop{
		encoder:   enc,
		sink:      sink,
		cfg:       cfg,
		draw:      Overlay,
		label:     DefaultTrackLabel,
		timescale: 1_000_000,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "render")
	return l
}

func (l *Loop) State() State { return State(l.state.Load()) }

// Chunks returns how many encoded chunks were handed to the sink.
func (l *Loop) Chunks() int64 { return l.chunks.Load() }

// Run renders len(base) frames. Output frame i pairs base[i] with
// composite[i mod len(composite)] and is stamped i frame intervals from
// zero. All input frames are released when Run returns.
func (l *Loop) Run(ctx context.Context, base, composite []*media.Frame) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer media.CloseFrames(base)
	defer media.CloseFrames(composite)
	defer l.state.Store(int32(StateDone))

	if len(composite) == 0 {
		return media.ConfigurationError("render", ErrEmptyComposite)
	}
	if len(base) == 0 {
		return media.ConfigurationError("render", ErrEmptyBase)
	}
	interval := l.cfg.FrameInterval()
	if interval <= 0 || l.cfg.Width <= 0 || l.cfg.Height <= 0 {
		return media.ConfigurationError("render", fmt.Errorf("invalid output %dx%d@%g", l.cfg.Width, l.cfg.Height, l.cfg.FrameRate))
	}
	if err := l.encoder.Configure(l.cfg); err != nil {
		return classify(err, media.ConfigurationError)
	}

	l.logger.Info("Render started", "base_frames", len(base), "composite_frames", len(composite),
		"width", l.cfg.Width, "height", l.cfg.Height, "fps", l.cfg.FrameRate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.receive(gctx) })
	g.Go(func() error { return l.produce(gctx, base, composite, interval) })
	if err := g.Wait(); err != nil {
		l.logger.Error("Render failed", "error", err)
		return err
	}

	l.logger.Info("Render finished", "frames", len(base), "chunks", l.chunks.Load())
	return nil
}

func (l *Loop) produce(ctx context.Context, base, composite []*media.Frame, interval int64) error {
	var tick <-chan time.Time
	if pace := l.pace(interval); pace > 0 {
		ticker := l.clock.NewTicker(pace)
		defer ticker.Stop()
		tick = ticker.C()
	}

	surface := image.NewNRGBA(image.Rect(0, 0, l.cfg.Width, l.cfg.Height))
	total := len(base)
	ci := 0
	for i := 0; i < total; i++ {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		l.draw(surface, base[i], composite[ci], i, total)

		frame := media.NewFrame(l.cfg.Width, l.cfg.Height, int64(i)*interval, interval)
		copy(frame.Image.Pix, surface.Pix)
		err := l.encoder.Encode(ctx, frame)
		frame.Close()
		if err != nil {
			return classify(err, media.EncodeError)
		}

		// Frames already rendered are not needed again.
		base[i].Close()
		ci = (ci + 1) % len(composite)
	}

	if err := l.encoder.Flush(ctx); err != nil {
		return classify(err, media.EncodeError)
	}
	return nil
}

func (l *Loop) receive(ctx context.Context) error {
	out, errs := l.encoder.Output(), l.encoder.Errors()
	trackID := 0
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				return pendingError(errs)
			}
			if trackID == 0 {
				id, err := l.register(chunk)
				if err != nil {
					return err
				}
				trackID = id
			}
			if err := l.sink.AddVideoChunk(trackID, chunk); err != nil {
				return err
			}
			l.chunks.Add(1)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return classify(err, media.EncodeError)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pendingError reports an encoder error queued before the output closed.
func pendingError(errs <-chan error) error {
	select {
	case err, ok := <-errs:
		if ok && err != nil {
			return classify(err, media.EncodeError)
		}
	default:
	}
	return nil
}

func (l *Loop) register(chunk media.EncodedChunk) (int, error) {
	if chunk.Meta == nil || chunk.Meta.DecoderConfig == nil {
		return 0, media.EncodeError("render", errNoDecoderInfo)
	}
	dc := chunk.Meta.DecoderConfig
	desc := media.TrackDescriptor{
		Codec:       dc.Codec,
		Width:       dc.CodedWidth,
		Height:      dc.CodedHeight,
		Timescale:   l.timescale,
		Description: dc.Description,
	}
	if desc.Width == 0 || desc.Height == 0 {
		desc.Width, desc.Height = l.cfg.Width, l.cfg.Height
	}
	if desc.Codec == "" {
		desc.Codec = l.cfg.Codec
	}
	return l.sink.AddTrack(l.label, desc)
}

func (l *Loop) pace(interval int64) time.Duration {
	switch {
	case l.tick < 0:
		return 0
	case l.tick > 0:
		return l.tick
	default:
		return time.Duration(interval) * time.Microsecond
	}
}

// classify wraps unclassified errors with kind, leaving context errors
// and already classified errors untouched.
func classify(err error, kind func(string, error) error) error {
	if media.KindOf(err) != media.KindUnknown ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return kind("render", err)
}
