package export

import (
	"bytes"
	"context"
	"image/color"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxtuneLee/webcodecs-container/internal/demux"
	"github.com/MaxtuneLee/webcodecs-container/internal/engine/enginetest"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
	"github.com/MaxtuneLee/webcodecs-container/internal/mux"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
)

func testInput(baseFrames, effectFrames int) Input {
	opts := enginetest.MP4Options{Width: 16, Height: 8}
	return Input{
		Base:   bytes.NewReader(enginetest.MP4(baseFrames, opts, func(int) color.NRGBA { return red })),
		Effect: bytes.NewReader(enginetest.MP4(effectFrames, opts, func(int) color.NRGBA { return green })),
	}
}

func testOptions() Options {
	return Options{
		Output: media.EncoderConfig{
			Codec:     enginetest.Codec,
			Width:     16,
			Height:    8,
			Bitrate:   1_000_000,
			FrameRate: 24,
		},
		RenderTick: -1,
		MuxTick:    20 * time.Microsecond,
		NewDecoder: func() media.Decoder { return enginetest.NewDecoder() },
		NewEncoder: func() media.Encoder { return enginetest.NewEncoder() },
		Logger:     testLogger(),
	}
}

func TestExportEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := New(testOptions()).Export(ctx, testInput(240, 60))
	require.NoError(t, err)
	require.NotEmpty(t, out)

	format, err := demux.Detect(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, demux.FormatFMP4, format)

	d, err := demux.Open(media.TrackBase, bytes.NewReader(out), testLogger())
	require.NoError(t, err)

	var chunks []media.Chunk
	var cfg media.DecoderConfig
	require.NoError(t, d.Run(ctx, demux.Handler{
		OnConfig: func(c media.DecoderConfig) error { cfg = c; return nil },
		OnChunk:  func(c media.Chunk) error { chunks = append(chunks, c); return nil },
	}))

	assert.Equal(t, enginetest.Codec, cfg.Codec)
	require.Len(t, chunks, 240)
	interval := media.FrameIntervalUs(24)
	for i, c := range chunks {
		assert.Equal(t, int64(i)*interval, c.Timestamp, "chunk %d", i)
		if i > 0 {
			assert.Greater(t, c.Timestamp, chunks[i-1].Timestamp)
		}
	}

	// The effect is pure key color, so only the base shows through.
	got, _, err := enginetest.ParsePayload(chunks[100].Data)
	require.NoError(t, err)
	assert.Equal(t, red, got)
}

func TestStreamStartsWithInitSegment(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(testOptions()).Stream(context.Background(), testInput(12, 5), &buf))
	assert.Equal(t, "ftyp", string(buf.Bytes()[4:8]))
}

func TestEmptyEffectRejected(t *testing.T) {
	opts := testOptions()
	n := 0
	opts.NewDecoder = func() media.Decoder {
		d := enginetest.NewDecoder()
		if n == 1 {
			d.FailAt = map[int]bool{0: true, 1: true, 2: true}
		}
		n++
		return d
	}

	out, err := New(opts).Export(context.Background(), testInput(6, 3))
	assert.Nil(t, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyEffect)
	assert.Equal(t, media.KindConfiguration, media.KindOf(err))
}

func TestEncodeFailureReturnsNoOutput(t *testing.T) {
	opts := testOptions()
	opts.NewEncoder = func() media.Encoder {
		e := enginetest.NewEncoder()
		e.FailAt = 5
		return e
	}

	out, err := New(opts).Export(context.Background(), testInput(20, 4))
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Equal(t, media.KindEncode, media.KindOf(err))
}

func TestInvalidInput(t *testing.T) {
	_, err := New(testOptions()).Export(context.Background(), Input{
		Base:   bytes.NewReader([]byte("garbage")),
		Effect: bytes.NewReader([]byte("garbage")),
	})
	require.Error(t, err)
	assert.Equal(t, media.KindConfiguration, media.KindOf(err))
}

func TestInvalidKeying(t *testing.T) {
	opts := testOptions()
	opts.Keying.Similarity = -1
	opts.Keying.Smoothness = 0.1
	opts.Keying.Spill = 0.1
	_, err := New(opts).Export(context.Background(), testInput(2, 2))
	assert.Equal(t, media.KindConfiguration, media.KindOf(err))
}

func TestExportCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := New(testOptions()).Export(ctx, testInput(10, 2))
	assert.Nil(t, out)
	assert.Error(t, err)
}

func TestCancelCleanupOnlyOnCancel(t *testing.T) {
	var logs bytes.Buffer
	opts := testOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))

	out, err := New(opts).Export(context.Background(), testInput(12, 5))
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Contains(t, logs.String(), "Export finished")
	assert.NotContains(t, logs.String(), "Export stream cancelled")

	logs.Reset()
	var sink bytes.Buffer
	err = New(opts).StreamWithSession(context.Background(), testInput(12, 5), &sink, func(s *mux.Session) {
		s.Cancel()
	})
	assert.ErrorIs(t, err, mux.ErrCancelled)
	assert.Contains(t, logs.String(), "Export stream cancelled")
}

func TestDefaults(t *testing.T) {
	e := New(Options{})
	assert.Equal(t, DefaultOutput(), e.opts.Output)
	assert.Equal(t, uint32(1_000_000), e.opts.Timescale)
	assert.InDelta(t, 0.18, e.opts.Keying.Similarity, 1e-9)
	assert.NotNil(t, e.opts.NewDecoder())
	assert.NotNil(t, e.opts.NewEncoder())
}
