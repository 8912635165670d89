// Package keying removes a key color from video frames.
package keying

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// program is the per-pixel transform with the key color already in UV.
type program struct {
	keyU, keyV float64
	similarity float64
	smoothness float64
	spill      float64
}

func rgbToUV(r, g, b float64) (u, v float64) {
	u = -0.169*r - 0.331*g + 0.5*b + 0.5
	v = 0.5*r - 0.419*g - 0.081*b + 0.5
	return u, v
}

func newProgram(key color.RGBA, cfg Config) *program {
	u, v := rgbToUV(float64(key.R)/255, float64(key.G)/255, float64(key.B)/255)
	return &program{
		keyU:       u,
		keyV:       v,
		similarity: cfg.Similarity,
		smoothness: cfg.Smoothness,
		spill:      cfg.Spill,
	}
}

func clamp01(x float64) float64 {
	return math.Min(math.Max(x, 0), 1)
}

func toByte(x float64) uint8 {
	return uint8(math.Round(clamp01(x) * 255))
}

// shade returns the keyed color of one pixel, alpha not premultiplied.
func (p *program) shade(r8, g8, b8 uint8) (r, g, b, a uint8) {
	rf, gf, bf := float64(r8)/255, float64(g8)/255, float64(b8)/255

	u, v := rgbToUV(rf, gf, bf)
	chromaDist := math.Hypot(u-p.keyU, v-p.keyV)
	baseMask := chromaDist - p.similarity

	alpha := math.Pow(clamp01(baseMask/p.smoothness), 1.5)
	spill := math.Pow(clamp01(baseMask/p.spill), 1.5)

	luma := 0.2126*rf + 0.7152*gf + 0.0722*bf
	mix := func(c float64) float64 { return luma + (c-luma)*spill }

	return toByte(mix(rf)), toByte(mix(gf)), toByte(mix(bf)), toByte(alpha)
}

// Keyer applies the keying transform. The key color (when sampled) and the
// surface size are fixed by the first frame and reused for the whole export.
type Keyer struct {
	cfg     Config
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	prog    *program
	key     color.RGBA
	surface image.Rectangle
}

// Option configures a Keyer.
type Option func(*Keyer)

// WithWorkers bounds the number of goroutines processing rows.
func WithWorkers(n int) Option {
	return func(k *Keyer) {
		if n > 0 {
			k.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Keyer) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// New validates cfg and returns a keyer.
func New(cfg Config, opts ...Option) (*Keyer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, media.ConfigurationError("keying", err)
	}
	k := &Keyer{
		cfg:     cfg,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.With("component", "keyer"),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// KeyColor returns the key color in use, once known.
func (k *Keyer) KeyColor() (color.RGBA, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.key, k.prog != nil
}

// setup builds the program and fixes the surface on the first frame.
func (k *Keyer) setup(src *media.Frame) (*program, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	bounds := src.Image.Bounds()
	if k.prog != nil {
		if bounds.Dx() != k.surface.Dx() || bounds.Dy() != k.surface.Dy() {
			return nil, media.ResourceError("keying", fmt.Errorf("frame %dx%d does not fit surface %dx%d",
				bounds.Dx(), bounds.Dy(), k.surface.Dx(), k.surface.Dy()))
		}
		return k.prog, nil
	}

	if k.cfg.KeyColor != nil {
		k.key = *k.cfg.KeyColor
	} else {
		c := src.Image.NRGBAAt(bounds.Min.X, bounds.Min.Y)
		k.key = color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff}
		k.logger.Info("Key color sampled from first frame", "key_color", FormatKeyColor(&k.key))
	}
	k.surface = image.Rect(0, 0, bounds.Dx(), bounds.Dy())
	k.prog = newProgram(k.key, k.cfg)
	k.logger.Debug("Keying surface ready", "width", bounds.Dx(), "height", bounds.Dy())
	return k.prog, nil
}

// Apply keys src into a new frame and closes src.
func (k *Keyer) Apply(ctx context.Context, src *media.Frame) (*media.Frame, error) {
	if src == nil || src.Closed() || src.Image == nil {
		return nil, media.ResourceError("keying", errors.New("source frame has no surface"))
	}
	bounds := src.Image.Bounds()
	if bounds.Empty() {
		return nil, media.ResourceError("keying", fmt.Errorf("empty surface %v", bounds))
	}

	prog, err := k.setup(src)
	if err != nil {
		return nil, err
	}

	dst := media.NewFrame(bounds.Dx(), bounds.Dy(), src.Timestamp, src.Duration)

	rows := bounds.Dy()
	band := (rows + k.workers - 1) / k.workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.workers)
	for y0 := 0; y0 < rows; y0 += band {
		y1 := min(y0+band, rows)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for y := y0; y < y1; y++ {
				srow := src.Image.Pix[src.Image.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
				drow := dst.Image.Pix[dst.Image.PixOffset(0, y):]
				for x := 0; x < bounds.Dx(); x++ {
					i := x * 4
					drow[i], drow[i+1], drow[i+2], drow[i+3] = prog.shade(srow[i], srow[i+1], srow[i+2])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		dst.Close()
		return nil, err
	}

	src.Close()
	return dst, nil
}
