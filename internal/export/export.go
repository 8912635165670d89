// Package export runs the whole pipeline: two input files in, one keyed
// and composited fragmented MP4 out.
package export

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/MaxtuneLee/webcodecs-container/internal/container"
	"github.com/MaxtuneLee/webcodecs-container/internal/decode"
	"github.com/MaxtuneLee/webcodecs-container/internal/demux"
	"github.com/MaxtuneLee/webcodecs-container/internal/engine/ffmpeg"
	"github.com/MaxtuneLee/webcodecs-container/internal/keying"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
	"github.com/MaxtuneLee/webcodecs-container/internal/mux"
	"github.com/MaxtuneLee/webcodecs-container/internal/render"
)

var (
	ErrEmptyEffect = errors.New("effect track decoded no frames")
	ErrEmptyBase   = errors.New("base track decoded no frames")
)

// Input holds the two source files.
type Input struct {
	Base   io.ReadSeeker
	Effect io.ReadSeeker
}

// Options configures an Exporter. Zero values fall back to defaults.
type Options struct {
	Output          media.EncoderConfig
	Timescale       uint32
	Keying          keying.Config
	QueueSize       int
	DrainInterval   time.Duration
	RenderTick      time.Duration
	MuxTick         time.Duration
	FragmentSamples int
	FFmpegPath      string

	Draw       render.DrawFunc
	NewDecoder func() media.Decoder
	NewEncoder func() media.Encoder
	Clock      clock.WithTicker
	Logger     *slog.Logger
}

// DefaultOutput is the fixed output format used when none is configured.
func DefaultOutput() media.EncoderConfig {
	return media.EncoderConfig{
		Codec:     "avc1.4D0032",
		Width:     1920,
		Height:    1080,
		Bitrate:   25_000_000,
		FrameRate: 24,
	}
}

type Exporter struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Exporter {
	if opts.Output == (media.EncoderConfig{}) {
		opts.Output = DefaultOutput()
	}
	if opts.Keying == (keying.Config{}) {
		opts.Keying = keying.DefaultConfig()
	}
	if opts.Timescale == 0 {
		opts.Timescale = 1_000_000
	}
	if opts.MuxTick == 0 {
		opts.MuxTick = mux.DefaultTickInterval
	}
	if opts.Draw == nil {
		opts.Draw = render.Overlay
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	if opts.NewDecoder == nil {
		opts.NewDecoder = func() media.Decoder {
			return ffmpeg.NewDecoder(ffmpeg.WithBinary(opts.FFmpegPath), ffmpeg.WithLogger(logger))
		}
	}
	if opts.NewEncoder == nil {
		opts.NewEncoder = func() media.Encoder {
			return ffmpeg.NewEncoder(ffmpeg.WithBinary(opts.FFmpegPath), ffmpeg.WithLogger(logger))
		}
	}
	return &Exporter{opts: opts, logger: logger.With("component", "export")}
}

// Export runs the pipeline and returns the complete output file. Nothing
// is returned on failure.
func (e *Exporter) Export(ctx context.Context, in Input) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Stream(ctx, in, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stream runs the pipeline and writes the output to w as boxes become
// available. Bytes already written stay written when a later stage fails.
func (e *Exporter) Stream(ctx context.Context, in Input, w io.Writer) error {
	return e.StreamWithSession(ctx, in, w, nil)
}

// StreamWithSession is Stream with a callback receiving the mux session
// once it exists, so that a consumer can cancel it.
func (e *Exporter) StreamWithSession(ctx context.Context, in Input, w io.Writer, onSession func(*mux.Session)) error {
	start := time.Now()
	opts := e.opts

	keyer, err := keying.New(opts.Keying, keying.WithLogger(opts.Logger))
	if err != nil {
		return errors.Wrap(err, "keying")
	}

	baseDemux, err := demux.Open(media.TrackBase, in.Base, opts.Logger)
	if err != nil {
		return errors.Wrap(err, "open base input")
	}
	effectDemux, err := demux.Open(media.TrackEffect, in.Effect, opts.Logger)
	if err != nil {
		return errors.Wrap(err, "open effect input")
	}

	baseDec, effectDec := opts.NewDecoder(), opts.NewDecoder()
	defer baseDec.Close()
	defer effectDec.Close()

	orchestrator := decode.New(
		decode.WithQueueSize(opts.QueueSize),
		decode.WithDrainInterval(opts.DrainInterval),
		decode.WithClock(opts.Clock),
		decode.WithLogger(opts.Logger),
	)
	res, err := orchestrator.Run(ctx,
		decode.Track{Kind: media.TrackBase, Demuxer: baseDemux, Decoder: baseDec},
		decode.Track{Kind: media.TrackEffect, Demuxer: effectDemux, Decoder: effectDec, Filter: keyer.Apply},
	)
	if err != nil {
		return errors.Wrap(err, "decode")
	}
	if len(res.Effect) == 0 {
		res.Close()
		return media.ConfigurationError("export", ErrEmptyEffect)
	}
	if len(res.Base) == 0 {
		res.Close()
		return media.ConfigurationError("export", ErrEmptyBase)
	}
	if key, ok := keyer.KeyColor(); ok {
		e.logger.Debug("Key color in use", "key_color", keying.FormatKeyColor(&key))
	}

	writer := container.NewWriter(
		container.WithFragmentSamples(opts.FragmentSamples),
		container.WithLogger(opts.Logger),
	)
	muxer := mux.New(writer, opts.Logger)
	session := muxer.NewSession(
		mux.WithTickInterval(opts.MuxTick),
		mux.WithClock(opts.Clock),
		mux.WithOnCancel(func() { e.logger.Info("Export stream cancelled") }),
	)
	defer session.Close()
	stopCancel := context.AfterFunc(ctx, session.Cancel)
	defer stopCancel()
	if onSession != nil {
		onSession(session)
	}

	encoder := opts.NewEncoder()
	defer encoder.Close()
	loop := render.NewLoop(encoder, muxer, opts.Output,
		render.WithDraw(opts.Draw),
		render.WithTickInterval(opts.RenderTick),
		render.WithTimescale(opts.Timescale),
		render.WithClock(opts.Clock),
		render.WithLogger(opts.Logger),
	)

	frames := len(res.Base)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx, res.Base, res.Effect)
		session.Stop(err)
		if err != nil {
			return errors.Wrap(err, "render")
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.Copy(w, session); err != nil {
			session.Cancel()
			return errors.Wrap(err, "stream")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.logger.Error("Export failed", "error", err)
		return err
	}

	e.logger.Info("Export finished",
		"frames", frames,
		"decode_errors", res.DecodeErrors,
		"bytes", session.BytesSent(),
		"elapsed", time.Since(start))
	return nil
}
