package media

import (
	"image"
	"sync/atomic"
)

// Frame is one decoded picture. The pixel surface is owned by whoever holds
// the frame and must be released with Close once it is no longer needed.
type Frame struct {
	Width     int
	Height    int
	Timestamp int64
	Duration  int64
	Image     *image.NRGBA

	closed atomic.Bool
}

// NewFrame allocates a frame with a blank surface of the given size.
func NewFrame(width, height int, timestamp, duration int64) *Frame {
	return &Frame{
		Width:     width,
		Height:    height,
		Timestamp: timestamp,
		Duration:  duration,
		Image:     image.NewNRGBA(image.Rect(0, 0, width, height)),
	}
}

// Close drops the pixel surface. Calling it more than once is harmless.
func (f *Frame) Close() {
	if f == nil {
		return
	}
	if f.closed.CompareAndSwap(false, true) {
		f.Image = nil
	}
}

// Closed reports whether the frame surface was released.
func (f *Frame) Closed() bool {
	return f.closed.Load()
}

// CloseFrames releases every frame in the slice.
func CloseFrames(frames []*Frame) {
	for _, f := range frames {
		f.Close()
	}
}
