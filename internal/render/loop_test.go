package render

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/MaxtuneLee/webcodecs-container/internal/engine/enginetest"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var testConfig = media.EncoderConfig{
	Codec:     enginetest.Codec,
	Width:     8,
	Height:    8,
	Bitrate:   1_000_000,
	FrameRate: 24,
}

type recordingSink struct {
	mu     sync.Mutex
	tracks []media.TrackDescriptor
	chunks []media.EncodedChunk
}

func (s *recordingSink) AddTrack(label string, desc media.TrackDescriptor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, desc)
	return len(s.tracks), nil
}

func (s *recordingSink) AddVideoChunk(id int, chunk media.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func solidFrames(n, w, h int, c color.NRGBA) []*media.Frame {
	frames := make([]*media.Frame, n)
	for i := range frames {
		f := media.NewFrame(w, h, int64(i)*41666, 41666)
		for p := 0; p < len(f.Image.Pix); p += 4 {
			f.Image.Pix[p], f.Image.Pix[p+1], f.Image.Pix[p+2], f.Image.Pix[p+3] = c.R, c.G, c.B, c.A
		}
		frames[i] = f
	}
	return frames
}

func TestCompositeIndexCycles(t *testing.T) {
	base := solidFrames(10, 8, 8, color.NRGBA{R: 255, A: 255})
	composite := solidFrames(3, 8, 8, color.NRGBA{A: 0})
	index := map[*media.Frame]int{}
	for i, f := range composite {
		index[f] = i
	}

	var seq, totals []int
	draw := func(dst *image.NRGBA, b, c *media.Frame, i, total int) {
		seq = append(seq, index[c])
		totals = append(totals, total)
		Overlay(dst, b, c, i, total)
	}

	sink := &recordingSink{}
	enc := enginetest.NewEncoder()
	enc.GOP = 4
	loop := NewLoop(enc, sink, testConfig, WithDraw(draw), WithTickInterval(-1), WithLogger(testLogger()))
	require.NoError(t, loop.Run(context.Background(), base, composite))

	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}, seq)
	assert.Equal(t, 10, totals[9])
	assert.Equal(t, StateDone, loop.State())
	assert.Equal(t, int64(10), loop.Chunks())

	require.Len(t, sink.tracks, 1)
	assert.Equal(t, enginetest.Codec, sink.tracks[0].Codec)
	assert.Equal(t, uint32(1_000_000), sink.tracks[0].Timescale)
	assert.Equal(t, enginetest.AVCC(), sink.tracks[0].Description)

	require.Len(t, sink.chunks, 10)
	for i, c := range sink.chunks {
		assert.Equal(t, int64(i)*41666, c.Timestamp)
		assert.Equal(t, int64(41666), c.Duration)
		assert.Equal(t, i%4 == 0, c.Key)
		got, _, err := enginetest.ParsePayload(c.Data)
		require.NoError(t, err)
		assert.Equal(t, color.NRGBA{R: 255, A: 255}, got)
	}

	for _, f := range append(base, composite...) {
		assert.True(t, f.Closed())
	}
}

func TestEmptyTracksRejected(t *testing.T) {
	base := solidFrames(2, 8, 8, color.NRGBA{A: 255})
	loop := NewLoop(enginetest.NewEncoder(), &recordingSink{}, testConfig, WithTickInterval(-1))
	err := loop.Run(context.Background(), base, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyComposite)
	assert.Equal(t, media.KindConfiguration, media.KindOf(err))
	assert.True(t, base[0].Closed())

	loop = NewLoop(enginetest.NewEncoder(), &recordingSink{}, testConfig, WithTickInterval(-1))
	err = loop.Run(context.Background(), nil, solidFrames(1, 8, 8, color.NRGBA{}))
	assert.ErrorIs(t, err, ErrEmptyBase)

	assert.ErrorIs(t, loop.Run(context.Background(), nil, nil), ErrAlreadyStarted)
}

func TestSecondRunKeepsFrames(t *testing.T) {
	loop := NewLoop(enginetest.NewEncoder(), &recordingSink{}, testConfig, WithTickInterval(-1))
	require.NoError(t, loop.Run(context.Background(), solidFrames(2, 8, 8, color.NRGBA{A: 255}), solidFrames(1, 8, 8, color.NRGBA{A: 255})))

	base := solidFrames(2, 8, 8, color.NRGBA{A: 255})
	composite := solidFrames(1, 8, 8, color.NRGBA{A: 255})
	assert.ErrorIs(t, loop.Run(context.Background(), base, composite), ErrAlreadyStarted)
	for _, f := range append(base, composite...) {
		assert.False(t, f.Closed())
	}
	media.CloseFrames(base)
	media.CloseFrames(composite)
}

func TestEncodeErrorIsFatal(t *testing.T) {
	enc := enginetest.NewEncoder()
	enc.FailAt = 3
	sink := &recordingSink{}
	loop := NewLoop(enc, sink, testConfig, WithTickInterval(-1), WithLogger(testLogger()))

	err := loop.Run(context.Background(),
		solidFrames(10, 8, 8, color.NRGBA{A: 255}), solidFrames(2, 8, 8, color.NRGBA{}))
	require.Error(t, err)
	assert.Equal(t, media.KindEncode, media.KindOf(err))
	assert.Less(t, len(sink.chunks), 10)
	assert.Equal(t, StateDone, loop.State())
}

func TestInvalidOutputConfig(t *testing.T) {
	cfg := testConfig
	cfg.FrameRate = 0
	loop := NewLoop(enginetest.NewEncoder(), &recordingSink{}, cfg)
	err := loop.Run(context.Background(),
		solidFrames(1, 8, 8, color.NRGBA{}), solidFrames(1, 8, 8, color.NRGBA{}))
	assert.Equal(t, media.KindConfiguration, media.KindOf(err))
}

func TestLoopWaitsForTicks(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	enc := enginetest.NewEncoder()
	loop := NewLoop(enc, &recordingSink{}, testConfig, WithClock(fc), WithLogger(testLogger()))

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(context.Background(),
			solidFrames(3, 8, 8, color.NRGBA{A: 255}), solidFrames(1, 8, 8, color.NRGBA{}))
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	assert.Zero(t, enc.Encoded())
	assert.Equal(t, StateRunning, loop.State())

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, 3, enc.Encoded())
			return
		case <-time.After(time.Millisecond):
			fc.Step(41666 * time.Microsecond)
		}
	}
}

func TestLoopCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop := NewLoop(enginetest.NewEncoder(), &recordingSink{}, testConfig, WithTickInterval(-1))
	err := loop.Run(ctx, solidFrames(3, 8, 8, color.NRGBA{}), solidFrames(1, 8, 8, color.NRGBA{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOverlay(t *testing.T) {
	base := solidFrames(1, 4, 4, color.NRGBA{R: 255, A: 255})[0]
	composite := media.NewFrame(4, 4, 0, 0)
	for y := 0; y < 4; y++ {
		for x := 2; x < 4; x++ {
			composite.Image.SetNRGBA(x, y, color.NRGBA{B: 255, A: 255})
		}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	Overlay(dst, base, composite, 0, 1)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, dst.NRGBAAt(0, 1))
	assert.Equal(t, color.NRGBA{B: 255, A: 255}, dst.NRGBAAt(3, 1))

	scaled := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	Overlay(scaled, base, nil, 0, 1)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, scaled.NRGBAAt(4, 4))

	Overlay(scaled, nil, nil, 0, 1)
	assert.Equal(t, color.NRGBA{A: 255}, scaled.NRGBAAt(4, 4))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "done", StateDone.String())
}
