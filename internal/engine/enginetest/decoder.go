package enginetest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// Decoder is a media.Decoder for Payload chunks. Frames are produced
// synchronously by Decode unless the decoder was built with
// NewAsyncDecoder.
type Decoder struct {
	// FailAt makes the n-th chunk (0-based) fail with a decode error.
	FailAt map[int]bool

	mu         sync.Mutex
	cfg        media.DecoderConfig
	configured bool
	flushed    bool
	n          int
	out        chan *media.Frame
	errs       chan error

	// async mode
	latency    time.Duration
	queue      chan decoded
	stop       chan struct{}
	stopOnce   sync.Once
	workerDone chan struct{}
	closeOut   sync.Once
}

type decoded struct {
	frame *media.Frame
	err   error
}

// NewDecoder creates an unconfigured decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		out:  make(chan *media.Frame),
		errs: make(chan error),
	}
}

// NewAsyncDecoder creates a decoder whose Decode returns immediately. Its
// output is delivered in order by a background goroutine, latency after
// each chunk, and Flush returns once everything pending was delivered.
func NewAsyncDecoder(latency time.Duration) *Decoder {
	d := NewDecoder()
	d.latency = latency
	d.queue = make(chan decoded, 256)
	d.stop = make(chan struct{})
	d.workerDone = make(chan struct{})
	go d.deliver()
	return d
}

func (d *Decoder) deliver() {
	defer close(d.workerDone)
	for item := range d.queue {
		if d.latency > 0 {
			select {
			case <-time.After(d.latency):
			case <-d.stop:
				return
			}
		}
		var err error
		if item.err != nil {
			err = sendOrStop(d.stop, d.errs, item.err)
		} else {
			err = sendOrStop(d.stop, d.out, item.frame)
		}
		if err != nil {
			if item.frame != nil {
				item.frame.Close()
			}
			return
		}
	}
}

func (d *Decoder) Configure(cfg media.DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.CodedWidth <= 0 || cfg.CodedHeight <= 0 {
		return media.ConfigurationError("decode", fmt.Errorf("invalid coded size %dx%d", cfg.CodedWidth, cfg.CodedHeight))
	}
	d.cfg = cfg
	d.configured = true
	return nil
}

func (d *Decoder) Decode(ctx context.Context, chunk media.Chunk) error {
	d.mu.Lock()
	if !d.configured || d.flushed {
		d.mu.Unlock()
		return errors.New("decoder not accepting chunks")
	}
	n := d.n
	d.n++
	cfg := d.cfg
	fail := d.FailAt[n]
	d.mu.Unlock()

	c, _, err := ParsePayload(chunk.Data)
	if fail {
		err = fmt.Errorf("injected failure at chunk %d", n)
	}
	var item decoded
	if err != nil {
		item.err = media.DecodeError("decode", err)
	} else {
		item.frame = media.NewFrame(cfg.CodedWidth, cfg.CodedHeight, chunk.Timestamp, chunk.Duration)
		draw.Draw(item.frame.Image, item.frame.Image.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	}

	if d.queue != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.flushed {
			if item.frame != nil {
				item.frame.Close()
			}
			return errors.New("decoder not accepting chunks")
		}
		return send(ctx, d.queue, item)
	}
	if item.err != nil {
		return send(ctx, d.errs, item.err)
	}
	return send(ctx, d.out, item.frame)
}

func (d *Decoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	if !d.flushed {
		d.flushed = true
		if d.queue != nil {
			close(d.queue)
		}
	}
	d.mu.Unlock()

	if d.workerDone != nil {
		select {
		case <-d.workerDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.closeOut.Do(func() { close(d.out) })
	return nil
}

func (d *Decoder) Output() <-chan *media.Frame { return d.out }
func (d *Decoder) Errors() <-chan error        { return d.errs }

func (d *Decoder) Close() error {
	if d.stop != nil {
		d.stopOnce.Do(func() { close(d.stop) })
	}
	return d.Flush(context.Background())
}

// Decoded returns how many chunks were submitted.
func (d *Decoder) Decoded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func sendOrStop[T any](stop <-chan struct{}, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-stop:
		return errors.New("decoder closed")
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
