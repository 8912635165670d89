package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// Encoder encodes RGBA frames with libx264. B-frames are disabled so
// chunks come out in frame order with dts equal to pts.
type Encoder struct {
	opts options

	mu         sync.Mutex
	proc       *process
	cfg        media.EncoderConfig
	stamps     fifo
	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	flushed    bool

	out  chan media.EncodedChunk
	errs chan error
}

func NewEncoder(opts ...Option) *Encoder {
	o := newOptions(opts)
	o.logger = o.logger.With("component", "ffmpeg_encoder")
	return &Encoder{
		opts: o,
		out:  make(chan media.EncodedChunk),
		errs: make(chan error, 1),
	}
}

func x264Profile(profileIdc uint8) string {
	switch profileIdc {
	case 66:
		return "baseline"
	case 77:
		return "main"
	case 100:
		return "high"
	}
	return ""
}

func encoderArgs(cfg media.EncoderConfig) ([]string, error) {
	args := []string{
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.FormatFloat(cfg.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-bf", "0",
		"-g", strconv.Itoa(max(1, int(cfg.FrameRate*2))),
		"-pix_fmt", "yuv420p",
		"-x264-params", "aud=1",
	}
	if cfg.Codec != "" {
		profile, level, err := h264.ParseCodecString(cfg.Codec)
		if err != nil {
			return nil, err
		}
		if p := x264Profile(profile); p != "" {
			args = append(args, "-profile:v", p)
		}
		if level > 0 {
			args = append(args, "-level:v", fmt.Sprintf("%d.%d", level/10, level%10))
		}
	}
	if cfg.Bitrate > 0 {
		args = append(args,
			"-b:v", strconv.Itoa(cfg.Bitrate),
			"-maxrate", strconv.Itoa(cfg.Bitrate),
			"-bufsize", strconv.Itoa(cfg.Bitrate*2))
	}
	return append(args, "-f", "h264", "pipe:1"), nil
}

func (e *Encoder) Configure(cfg media.EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		return media.ConfigurationError("encode", errors.New("encoder already configured"))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 || cfg.FrameRate <= 0 {
		return media.ConfigurationError("encode", fmt.Errorf("unsupported output %dx%d@%g", cfg.Width, cfg.Height, cfg.FrameRate))
	}
	args, err := encoderArgs(cfg)
	if err != nil {
		return media.ConfigurationError("encode", err)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	proc, err := startProcess(e.ctx, e.opts.binary, e.opts.logger, args...)
	if err != nil {
		e.cancel()
		return media.ResourceError("encode", err)
	}
	e.proc = proc
	e.cfg = cfg
	e.readerDone = make(chan struct{})
	go e.readLoop()

	e.opts.logger.Info("Encoder configured", "codec", cfg.Codec, "width", cfg.Width,
		"height", cfg.Height, "fps", cfg.FrameRate, "bitrate", cfg.Bitrate)
	return nil
}

// Encode writes the frame pixels to ffmpeg. The frame is not retained.
func (e *Encoder) Encode(ctx context.Context, frame *media.Frame) error {
	e.mu.Lock()
	proc, cfg, flushed := e.proc, e.cfg, e.flushed
	e.mu.Unlock()
	if proc == nil || flushed {
		return media.ResourceError("encode", errNotConfigured)
	}
	if frame == nil || frame.Image == nil {
		return media.EncodeError("encode", errors.New("frame has no surface"))
	}
	if frame.Width != cfg.Width || frame.Height != cfg.Height {
		return media.EncodeError("encode", fmt.Errorf("frame is %dx%d, encoder expects %dx%d",
			frame.Width, frame.Height, cfg.Width, cfg.Height))
	}

	stop := context.AfterFunc(ctx, e.cancel)
	defer stop()

	e.stamps.push(stamp{timestamp: frame.Timestamp, duration: frame.Duration})
	img := frame.Image
	rowSize := cfg.Width * 4
	if img.Stride == rowSize {
		_, err := proc.stdin.Write(img.Pix[:rowSize*cfg.Height])
		return wrapWrite(err)
	}
	for y := 0; y < cfg.Height; y++ {
		off := y * img.Stride
		if _, err := proc.stdin.Write(img.Pix[off : off+rowSize]); err != nil {
			return wrapWrite(err)
		}
	}
	return nil
}

func wrapWrite(err error) error {
	if err == nil {
		return nil
	}
	return media.EncodeError("encode", fmt.Errorf("write to ffmpeg: %w", err))
}

func (e *Encoder) readLoop() {
	defer close(e.readerDone)
	logger := e.opts.logger

	reader := h264.NewAccessUnitReader(e.proc.stdout)
	var sps, pps []byte
	chunks := 0
	for {
		au, err := reader.Next()
		if err != nil {
			break
		}

		var nalus [][]byte
		for _, nalu := range au {
			switch h264.NALUType(nalu) {
			case mch264.NALUTypeSPS:
				if sps == nil {
					sps = nalu
				}
			case mch264.NALUTypePPS:
				if pps == nil {
					pps = nalu
				}
			case mch264.NALUTypeAccessUnitDelimiter:
			default:
				nalus = append(nalus, nalu)
			}
		}
		if len(nalus) == 0 {
			continue
		}

		s, ok := e.stamps.pop()
		if !ok {
			logger.Warn("Encoder produced an unexpected access unit", "chunk", chunks)
		}
		chunk := media.EncodedChunk{Chunk: media.Chunk{
			Timestamp: s.timestamp,
			Duration:  s.duration,
			Key:       h264.ContainsIDR(nalus),
			Data:      h264.MarshalAVC(nalus),
		}}
		if chunks == 0 {
			meta, err := e.metadata(sps, pps)
			if err != nil {
				e.errs <- err
				e.cancel()
				return
			}
			chunk.Meta = meta
		}
		chunks++

		select {
		case e.out <- chunk:
		case <-e.ctx.Done():
			return
		}
	}
	logger.Debug("Encoder output finished", "chunks", chunks)
}

func (e *Encoder) metadata(sps, pps []byte) (*media.ChunkMetadata, error) {
	if sps == nil || pps == nil {
		return nil, media.EncodeError("encode", errors.New("first access unit has no parameter sets"))
	}
	record, err := h264.BuildAVCC(sps, pps)
	if err != nil {
		return nil, media.EncodeError("encode", err)
	}
	return &media.ChunkMetadata{DecoderConfig: &media.DecoderConfig{
		Codec:       h264.CodecString(sps),
		CodedWidth:  e.cfg.Width,
		CodedHeight: e.cfg.Height,
		Description: record,
	}}, nil
}

// Flush closes ffmpeg's input and returns once every chunk has been
// delivered on Output, which is then closed.
func (e *Encoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.flushed {
		e.mu.Unlock()
		return nil
	}
	e.flushed = true
	proc := e.proc
	e.mu.Unlock()

	defer close(e.out)
	if proc == nil {
		return nil
	}

	proc.stdin.Close()
	select {
	case <-e.readerDone:
	case <-ctx.Done():
		e.cancel()
		<-e.readerDone
		proc.stop()
		return ctx.Err()
	}
	if err := proc.wait(); err != nil {
		return media.EncodeError("encode", err)
	}
	return nil
}

func (e *Encoder) Output() <-chan media.EncodedChunk { return e.out }
func (e *Encoder) Errors() <-chan error              { return e.errs }

func (e *Encoder) Close() error {
	e.mu.Lock()
	proc, cancel := e.proc, e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if proc != nil {
		proc.stop()
	}
	e.Flush(context.Background())
	return nil
}

var _ media.Encoder = (*Encoder)(nil)
