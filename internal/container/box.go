package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	gomp4 "github.com/abema/go-mp4"
)

// ErrBoxReleased is returned when serializing a box whose payload was
// already dropped.
var ErrBoxReleased = errors.New("box payload already released")

// Box is one top-level container box: its four character type, the size
// declared in its header and the serialized bytes (header included).
type Box struct {
	Type string
	Size int64

	data     []byte
	released bool
}

// NewBox wraps already serialized box bytes.
func NewBox(typ string, size int64, data []byte) *Box {
	return &Box{Type: typ, Size: size, data: data}
}

// Len returns the payload length held in memory, or -1 once released.
func (b *Box) Len() int {
	if b.released {
		return -1
	}
	return len(b.data)
}

// WriteTo writes the serialized box to w.
func (b *Box) WriteTo(w io.Writer) (int64, error) {
	if b.released {
		return 0, ErrBoxReleased
	}
	if int64(len(b.data)) != b.Size {
		return 0, fmt.Errorf("declared size %d does not match payload length %d", b.Size, len(b.data))
	}
	n, err := w.Write(b.data)
	return int64(n), err
}

// Release drops the payload. The box can not be serialized afterwards.
func (b *Box) Release() {
	b.data = nil
	b.released = true
}

// Released reports whether Release was called.
func (b *Box) Released() bool {
	return b.released
}

// BoxList is the ordered sequence of finalized boxes. The writer only
// appends; the reading side only releases entries it already sent.
type BoxList struct {
	mu    sync.Mutex
	boxes []*Box
}

// Append adds boxes at the end of the list.
func (l *BoxList) Append(boxes ...*Box) {
	l.mu.Lock()
	l.boxes = append(l.boxes, boxes...)
	l.mu.Unlock()
}

// Len returns the number of boxes ever appended.
func (l *BoxList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.boxes)
}

// At returns the box at index i, or nil when it was released.
func (l *BoxList) At(i int) *Box {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.boxes) {
		return nil
	}
	return l.boxes[i]
}

// Release drops the payload of box i and forgets it.
func (l *BoxList) Release(i int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.boxes) || l.boxes[i] == nil {
		return
	}
	l.boxes[i].Release()
	l.boxes[i] = nil
}

// IndexOf returns the index of the first box of the given type, or -1.
func (l *BoxList) IndexOf(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, b := range l.boxes {
		if b != nil && b.Type == typ {
			return i
		}
	}
	return -1
}

// Types lists the type of every box still held, in order. Released entries
// are reported as an empty string.
func (l *BoxList) Types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]string, len(l.boxes))
	for i, b := range l.boxes {
		if b != nil {
			types[i] = b.Type
		}
	}
	return types
}

// SplitBoxes cuts serialized data into its top-level boxes.
func SplitBoxes(data []byte) ([]*Box, error) {
	var boxes []*Box
	_, err := gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		bi := h.BoxInfo
		end := bi.Offset + bi.Size
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("box %s exceeds buffer: %d > %d", bi.Type, end, len(data))
		}
		boxes = append(boxes, NewBox(bi.Type.String(), int64(bi.Size), bytes.Clone(data[bi.Offset:end])))
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to split boxes: %w", err)
	}
	return boxes, nil
}
