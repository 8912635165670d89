// Package decode runs the two input tracks of an export through their
// demuxers and decoders and collects the decoded frames in order.
package decode

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/MaxtuneLee/webcodecs-container/internal/demux"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

const DefaultQueueSize = 64

// FilterFunc transforms a decoded frame before it is stored. It owns the
// frame passed in.
type FilterFunc func(ctx context.Context, frame *media.Frame) (*media.Frame, error)

// Track wires one input file to its decoder.
type Track struct {
	Kind    media.TrackKind
	Demuxer demux.Demuxer
	Decoder media.Decoder
	Filter  FilterFunc
}

// Result holds the decoded frames of both tracks in arrival order.
type Result struct {
	Base         []*media.Frame
	Effect       []*media.Frame
	DecodeErrors int
}

// Close releases every frame in the result.
func (r *Result) Close() {
	media.CloseFrames(r.Base)
	media.CloseFrames(r.Effect)
}

type Orchestrator struct {
	queueSize int
	interval  time.Duration
	clock     clock.WithTicker
	logger    *slog.Logger
}

type Option func(*Orchestrator)

// WithQueueSize bounds the number of chunks buffered per track.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithDrainInterval paces chunk submission to one chunk per track per
// interval. Zero submits chunks as soon as they are queued.
func WithDrainInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

func WithClock(c clock.WithTicker) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queueSize: DefaultQueueSize,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "decode")
	return o
}

// Run decodes both tracks concurrently. It returns once every demuxer has
// finished, every queued chunk has been submitted and both decoders have
// closed their output after Flush. Decode errors are counted and skipped;
// any other error aborts the run and releases the frames decoded so far.
func (o *Orchestrator) Run(ctx context.Context, base, effect Track) (*Result, error) {
	g, ctx := errgroup.WithContext(ctx)

	var (
		res        Result
		decodeErrs atomic.Int64
	)
	o.runTrack(ctx, g, base, &res.Base, &decodeErrs)
	o.runTrack(ctx, g, effect, &res.Effect, &decodeErrs)

	if err := g.Wait(); err != nil {
		res.Close()
		return nil, err
	}
	res.DecodeErrors = int(decodeErrs.Load())

	o.logger.Info("Decode finished",
		"base_frames", len(res.Base),
		"effect_frames", len(res.Effect),
		"decode_errors", res.DecodeErrors)
	return &res, nil
}

func (o *Orchestrator) runTrack(ctx context.Context, g *errgroup.Group, t Track, frames *[]*media.Frame, decodeErrs *atomic.Int64) {
	logger := o.logger.With("track", t.Kind.String())
	queue := make(chan media.Chunk, o.queueSize)

	g.Go(func() error {
		defer close(queue)
		err := t.Demuxer.Run(ctx, demux.Handler{
			OnConfig: func(cfg media.DecoderConfig) error {
				logger.Debug("Configuring decoder", "codec", cfg.Codec,
					"width", cfg.CodedWidth, "height", cfg.CodedHeight)
				if err := t.Decoder.Configure(cfg); err != nil {
					if media.KindOf(err) == media.KindUnknown {
						err = media.ConfigurationError("configure decoder", err)
					}
					return err
				}
				return nil
			},
			OnChunk: func(chunk media.Chunk) error {
				select {
				case queue <- chunk:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			OnDone: func() {
				logger.Debug("Demux done")
			},
		})
		if err != nil && media.KindOf(err) == media.KindUnknown && !isContextErr(err) {
			err = media.ConfigurationError("demux "+t.Kind.String(), err)
		}
		return err
	})

	g.Go(func() error {
		// Flush closes the decoder output, which ends the receiver below.
		defer func() {
			if err := t.Decoder.Flush(ctx); err != nil {
				logger.Warn("Decoder flush failed", "error", err)
			}
		}()

		var tick <-chan time.Time
		if o.interval > 0 {
			ticker := o.clock.NewTicker(o.interval)
			defer ticker.Stop()
			tick = ticker.C()
		}

		submitted := 0
		for chunk := range queue {
			if tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := t.Decoder.Decode(ctx, chunk); err != nil {
				if media.IsFatal(err) {
					return err
				}
				decodeErrs.Add(1)
				logger.Warn("Chunk decode failed", "timestamp", chunk.Timestamp, "error", err)
				continue
			}
			submitted++
		}
		logger.Debug("Queue drained", "submitted", submitted)
		return nil
	})

	g.Go(func() error {
		out, errs := t.Decoder.Output(), t.Decoder.Errors()
		for {
			select {
			case frame, ok := <-out:
				if !ok {
					drainErrors(errs, decodeErrs, logger)
					logger.Debug("Decoder output closed", "frames", len(*frames))
					return nil
				}
				if t.Filter != nil {
					filtered, err := t.Filter(ctx, frame)
					if err != nil {
						frame.Close()
						return err
					}
					frame = filtered
				}
				*frames = append(*frames, frame)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if media.IsFatal(err) {
					return err
				}
				decodeErrs.Add(1)
				logger.Warn("Decode error", "error", err)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// drainErrors counts errors already queued when the output closed.
func drainErrors(errs <-chan error, count *atomic.Int64, logger *slog.Logger) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			count.Add(1)
			logger.Warn("Decode error", "error", err)
		default:
			return
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
