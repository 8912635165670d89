package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

var errNotConfigured = errors.New("engine not configured")

// Decoder decodes H.264 chunks into RGBA frames. Input is assumed to
// contain no B-frames, so frames leave the decoder in submission order.
type Decoder struct {
	opts options

	mu         sync.Mutex
	proc       *process
	avcc       *h264.AVCConfig
	width      int
	height     int
	stamps     fifo
	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	flushed    bool

	out  chan *media.Frame
	errs chan error
}

func NewDecoder(opts ...Option) *Decoder {
	o := newOptions(opts)
	o.logger = o.logger.With("component", "ffmpeg_decoder")
	return &Decoder{
		opts: o,
		out:  make(chan *media.Frame),
		errs: make(chan error, 16),
	}
}

func (d *Decoder) Configure(cfg media.DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc != nil {
		return media.ConfigurationError("decode", errors.New("decoder already configured"))
	}

	avcc, err := h264.ParseAVCC(cfg.Description)
	if err != nil {
		return media.ConfigurationError("decode", err)
	}
	width, height, err := h264.Dimensions(avcc.SPS[0])
	if err != nil {
		return media.ConfigurationError("decode", err)
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	proc, err := startProcess(d.ctx, d.opts.binary, d.opts.logger,
		"-f", "h264",
		"-i", "pipe:0",
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	if err != nil {
		d.cancel()
		return media.ResourceError("decode", err)
	}

	d.proc = proc
	d.avcc = avcc
	d.width, d.height = width, height
	d.readerDone = make(chan struct{})
	go d.readLoop()

	d.opts.logger.Info("Decoder configured", "codec", cfg.Codec, "width", width, "height", height)
	return nil
}

// Decode converts chunk to Annex-B and feeds it to ffmpeg. Key chunks are
// prefixed with the parameter sets from the configuration record.
func (d *Decoder) Decode(ctx context.Context, chunk media.Chunk) error {
	d.mu.Lock()
	proc, avcc := d.proc, d.avcc
	flushed := d.flushed
	d.mu.Unlock()
	if proc == nil || flushed {
		return media.ResourceError("decode", errNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nalus, err := h264.SplitAVC(chunk.Data, int(avcc.LengthSize))
	if err != nil {
		return media.DecodeError("decode", fmt.Errorf("chunk at %dus: %w", chunk.Timestamp, err))
	}
	if chunk.Key {
		nalus = append([][]byte{avcc.SPS[0], avcc.PPS[0]}, nalus...)
	}

	// A write blocked on a stalled pipeline is released by killing ffmpeg.
	stop := context.AfterFunc(ctx, d.cancel)
	defer stop()

	d.stamps.push(stamp{timestamp: chunk.Timestamp, duration: chunk.Duration})
	if _, err := proc.stdin.Write(h264.MarshalAnnexB(nalus)); err != nil {
		return media.ResourceError("decode", fmt.Errorf("write to ffmpeg: %w", err))
	}
	return nil
}

func (d *Decoder) readLoop() {
	defer close(d.readerDone)
	logger := d.opts.logger

	size := d.width * d.height * 4
	frames := 0
	for {
		frame := media.NewFrame(d.width, d.height, 0, 0)
		if _, err := io.ReadFull(d.proc.stdout, frame.Image.Pix[:size]); err != nil {
			frame.Close()
			if !errors.Is(err, io.EOF) {
				logger.Warn("Decoder output truncated", "error", err)
			}
			break
		}

		s, ok := d.stamps.pop()
		if !ok {
			logger.Warn("Decoder produced an unexpected frame", "frame", frames)
		}
		frame.Timestamp, frame.Duration = s.timestamp, s.duration
		frames++

		select {
		case d.out <- frame:
		case <-d.ctx.Done():
			frame.Close()
			return
		}
	}

	// Chunks ffmpeg could not decode never produce a frame.
	if missing := d.stamps.len(); missing > 0 {
		select {
		case d.errs <- media.DecodeError("decode", fmt.Errorf("%d chunks produced no frame", missing)):
		default:
		}
	}
	logger.Debug("Decoder output finished", "frames", frames)
}

// Flush closes ffmpeg's input, waits for the remaining frames and closes
// Output.
func (d *Decoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.flushed {
		d.mu.Unlock()
		return nil
	}
	d.flushed = true
	proc := d.proc
	d.mu.Unlock()

	defer close(d.out)
	if proc == nil {
		return nil
	}

	proc.stdin.Close()
	select {
	case <-d.readerDone:
	case <-ctx.Done():
		d.cancel()
		<-d.readerDone
		proc.stop()
		return ctx.Err()
	}
	if err := proc.wait(); err != nil {
		return media.ResourceError("decode", err)
	}
	return nil
}

func (d *Decoder) Output() <-chan *media.Frame { return d.out }
func (d *Decoder) Errors() <-chan error        { return d.errs }

// Close stops ffmpeg and releases the engine.
func (d *Decoder) Close() error {
	d.mu.Lock()
	proc, cancel := d.proc, d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if proc != nil {
		proc.stop()
	}
	d.Flush(context.Background())
	return nil
}

var _ media.Decoder = (*Decoder)(nil)
