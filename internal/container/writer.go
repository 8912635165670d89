package container

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

const defaultTimescale = 1_000_000

var (
	// ErrTracksFrozen is returned by AddTrack once the init segment exists.
	ErrTracksFrozen = errors.New("tracks can not be added after the first sample")
	// ErrUnknownTrack is returned by AddSample for an unregistered id.
	ErrUnknownTrack = errors.New("unknown track")
)

// SampleOptions carries the timing of one sample, in track timescale units.
type SampleOptions struct {
	Duration int64
	DTS      int64
	CTS      int64
	IsKey    bool
}

type writerTrack struct {
	id        int
	timescale uint32
	codec     mp4.Codec
	pending   []*fmp4.Sample
	baseTime  uint64
	samples   int
}

// Writer is a fragmented MP4 writer that appends every finalized box to a
// BoxList instead of writing to a stream. Init boxes (ftyp, moov) are
// produced when the first sample arrives; each fragment adds a moof and an
// mdat box.
type Writer struct {
	mu sync.Mutex

	boxes           *BoxList
	tracks          []*writerTrack
	fragmentSamples int
	initWritten     bool
	sequenceNumber  uint32
	offset          int64
	logger          *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithFragmentSamples sets how many samples per track go into one fragment.
func WithFragmentSamples(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.fragmentSamples = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter creates an empty writer.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{
		boxes:           &BoxList{},
		fragmentSamples: 1,
		logger:          slog.With("component", "fmp4_writer"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Boxes exposes the list of finalized boxes.
func (w *Writer) Boxes() *BoxList {
	return w.boxes
}

// Offset returns the number of bytes finalized so far.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// AddTrack registers an H.264 video track and returns its id.
func (w *Writer) AddTrack(desc media.TrackDescriptor) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initWritten {
		return 0, ErrTracksFrozen
	}

	avcc, err := h264.ParseAVCC(desc.Description)
	if err != nil {
		return 0, fmt.Errorf("track %s: %w", desc.Codec, err)
	}

	timescale := desc.Timescale
	if timescale == 0 {
		timescale = defaultTimescale
	}

	track := &writerTrack{
		id:        len(w.tracks) + 1,
		timescale: timescale,
		codec: &mp4.CodecH264{
			SPS: avcc.SPS[0],
			PPS: avcc.PPS[0],
		},
	}
	w.tracks = append(w.tracks, track)

	w.logger.Debug("Track added", "track_id", track.id, "codec", desc.Codec,
		"width", desc.Width, "height", desc.Height, "timescale", timescale)
	return track.id, nil
}

// AddSample queues one length-prefixed access unit on a track.
func (w *Writer) AddSample(trackID int, payload []byte, opts SampleOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if trackID < 1 || trackID > len(w.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	if opts.DTS < 0 {
		return fmt.Errorf("negative dts %d", opts.DTS)
	}
	if !w.initWritten {
		if err := w.writeInit(); err != nil {
			return err
		}
	}

	track := w.tracks[trackID-1]
	if len(track.pending) == 0 {
		track.baseTime = uint64(opts.DTS)
	}
	track.pending = append(track.pending, &fmp4.Sample{
		Duration:        uint32(opts.Duration),
		PTSOffset:       int32(opts.CTS - opts.DTS),
		IsNonSyncSample: !opts.IsKey,
		Payload:         payload,
	})
	track.samples++

	if len(track.pending) >= w.fragmentSamples {
		return w.writeFragment()
	}
	return nil
}

// Flush finalizes the open fragment.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initWritten {
		if len(w.tracks) == 0 {
			return nil
		}
		if err := w.writeInit(); err != nil {
			return err
		}
	}
	return w.writeFragment()
}

func (w *Writer) writeInit() error {
	init := &fmp4.Init{}
	for _, t := range w.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timescale,
			Codec:     t.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	if err := w.appendSerialized(buf.Bytes()); err != nil {
		return err
	}
	w.initWritten = true
	return nil
}

func (w *Writer) writeFragment() error {
	part := &fmp4.Part{}
	for _, t := range w.tracks {
		if len(t.pending) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.pending,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	w.sequenceNumber++
	part.SequenceNumber = w.sequenceNumber

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment %d: %w", part.SequenceNumber, err)
	}
	for _, t := range w.tracks {
		t.pending = nil
	}

	w.logger.Debug("Fragment finalized", "sequence", part.SequenceNumber, "size", len(buf.Bytes()))
	return w.appendSerialized(buf.Bytes())
}

func (w *Writer) appendSerialized(data []byte) error {
	boxes, err := SplitBoxes(data)
	if err != nil {
		return err
	}
	w.boxes.Append(boxes...)
	w.offset += int64(len(data))
	return nil
}
