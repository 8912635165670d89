package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// Encoder is a media.Encoder producing Payload chunks colored after the
// center pixel of each frame.
type Encoder struct {
	// GOP is the key frame interval; 0 means every frame is a key frame.
	GOP int
	// FailAt makes the n-th frame (0-based) fail with an encode error.
	FailAt int

	mu         sync.Mutex
	cfg        media.EncoderConfig
	configured bool
	flushed    bool
	n          int
	out        chan media.EncodedChunk
	errs       chan error
}

// NewEncoder creates an unconfigured encoder.
func NewEncoder() *Encoder {
	return &Encoder{
		GOP:    24,
		FailAt: -1,
		out:    make(chan media.EncodedChunk),
		errs:   make(chan error, 1),
	}
}

func (e *Encoder) Configure(cfg media.EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return media.ConfigurationError("encode", fmt.Errorf("invalid size %dx%d", cfg.Width, cfg.Height))
	}
	e.cfg = cfg
	e.configured = true
	return nil
}

func (e *Encoder) Encode(ctx context.Context, frame *media.Frame) error {
	e.mu.Lock()
	if !e.configured || e.flushed {
		e.mu.Unlock()
		return errors.New("encoder not accepting frames")
	}
	n := e.n
	e.n++
	cfg := e.cfg
	e.mu.Unlock()

	if n == e.FailAt {
		return send(ctx, e.errs, media.EncodeError("encode", fmt.Errorf("injected failure at frame %d", n)))
	}
	if frame.Image == nil {
		return send(ctx, e.errs, media.EncodeError("encode", errors.New("frame has no surface")))
	}

	b := frame.Image.Bounds()
	key := e.GOP <= 0 || n%e.GOP == 0
	chunk := media.EncodedChunk{
		Chunk: media.Chunk{
			Timestamp: frame.Timestamp,
			Duration:  frame.Duration,
			Key:       key,
			Data:      Payload(frame.Image.NRGBAAt(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2), key),
		},
	}
	if n == 0 {
		chunk.Meta = &media.ChunkMetadata{DecoderConfig: &media.DecoderConfig{
			Codec:       Codec,
			CodedWidth:  cfg.Width,
			CodedHeight: cfg.Height,
			Description: AVCC(),
		}}
	}
	return send(ctx, e.out, chunk)
}

func (e *Encoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.flushed {
		e.flushed = true
		close(e.out)
	}
	return nil
}

func (e *Encoder) Output() <-chan media.EncodedChunk { return e.out }
func (e *Encoder) Errors() <-chan error              { return e.errs }
func (e *Encoder) Close() error                      { return e.Flush(context.Background()) }

// Encoded returns how many frames were submitted.
func (e *Encoder) Encoded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}
