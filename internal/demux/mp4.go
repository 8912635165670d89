package demux

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	gomp4 "github.com/abema/go-mp4"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// MP4 demuxes progressive ISO BMFF files using their sample tables.
// Chunks are reported in sample table order.
type MP4 struct {
	kind   media.TrackKind
	r      io.ReadSeeker
	logger *slog.Logger
}

// NewMP4 creates a progressive MP4 demuxer.
func NewMP4(kind media.TrackKind, r io.ReadSeeker, logger *slog.Logger) *MP4 {
	return &MP4{kind: kind, r: r, logger: logger}
}

func (d *MP4) Run(ctx context.Context, h Handler) error {
	em := &emitter{h: h}

	info, err := gomp4.Probe(d.r)
	if err != nil {
		return media.ConfigurationError("demux", fmt.Errorf("probe: %w", err))
	}

	index, track := pickAVCTrack(info.Tracks)
	if track == nil {
		return media.ConfigurationError("demux", ErrNoVideoTrack)
	}

	record, err := d.readAVCC(index)
	if err != nil {
		return media.ConfigurationError("demux", err)
	}
	avcc, err := h264.ParseAVCC(record)
	if err != nil {
		return media.ConfigurationError("demux", err)
	}

	cfg := media.DecoderConfig{
		Codec:       h264.CodecString(avcc.SPS[0]),
		CodedWidth:  int(track.AVC.Width),
		CodedHeight: int(track.AVC.Height),
		Description: record,
	}
	d.logger.Debug("Track probed", "track_id", track.TrackID, "codec", cfg.Codec,
		"width", cfg.CodedWidth, "height", cfg.CodedHeight, "samples", len(track.Samples))
	if err := em.config(cfg); err != nil {
		return err
	}

	idrs, err := gomp4.FindIDRFrames(d.r, track)
	if err != nil {
		return media.ConfigurationError("demux", fmt.Errorf("scan IDR frames: %w", err))
	}
	keys := make(map[int]bool, len(idrs))
	for _, i := range idrs {
		keys[i] = true
	}

	var (
		si  int
		dts int64
	)
	for _, chunk := range track.Chunks {
		offset := chunk.DataOffset
		end := si + int(chunk.SamplesPerChunk)
		for ; si < end && si < len(track.Samples); si++ {
			sample := track.Samples[si]
			data := make([]byte, sample.Size)
			if _, err := d.r.Seek(int64(offset), io.SeekStart); err != nil {
				return err
			}
			if _, err := io.ReadFull(d.r, data); err != nil {
				return fmt.Errorf("read sample %d: %w", si, err)
			}
			offset += uint64(sample.Size)

			pts := dts + sample.CompositionTimeOffset
			err := em.chunk(ctx, media.Chunk{
				Track:     d.kind,
				Timestamp: toMicros(pts, track.Timescale),
				Duration:  toMicros(int64(sample.TimeDelta), track.Timescale),
				Key:       keys[si],
				Data:      data,
			})
			if err != nil {
				return err
			}
			dts += int64(sample.TimeDelta)
		}
	}

	em.finish()
	return nil
}

func pickAVCTrack(tracks gomp4.Tracks) (int, *gomp4.Track) {
	for i, t := range tracks {
		if t.Codec == gomp4.CodecAVC1 && t.AVC != nil && !t.Encrypted && len(t.Samples) > 0 {
			return i, t
		}
	}
	return -1, nil
}

// readAVCC returns the raw avcC payload of the index-th trak.
func (d *MP4) readAVCC(index int) ([]byte, error) {
	traks, err := gomp4.ExtractBox(d.r, nil, gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak()})
	if err != nil {
		return nil, err
	}
	if index >= len(traks) {
		return nil, fmt.Errorf("trak %d not found", index)
	}

	boxes, err := gomp4.ExtractBox(d.r, traks[index], gomp4.BoxPath{
		gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(),
		gomp4.BoxTypeStsd(), gomp4.BoxTypeAvc1(), gomp4.BoxTypeAvcC(),
	})
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 {
		return nil, fmt.Errorf("avcC box not found")
	}

	bi := boxes[0]
	if _, err := bi.SeekToPayload(d.r); err != nil {
		return nil, err
	}
	record := make([]byte, bi.Size-bi.HeaderSize)
	if _, err := io.ReadFull(d.r, record); err != nil {
		return nil, err
	}
	return record, nil
}

// hasFragments reports whether r contains a top-level moof box.
func hasFragments(r io.ReadSeeker) (bool, error) {
	defer r.Seek(0, io.SeekStart)

	found := false
	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		if h.BoxInfo.Type == gomp4.BoxTypeMoof() {
			found = true
		}
		return nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("scan boxes: %w", err)
	}
	return found, nil
}

// BoxSummary describes one top-level box.
type BoxSummary struct {
	Type   string
	Offset uint64
	Size   uint64
}

// ListBoxes returns the top-level boxes of r.
func ListBoxes(r io.ReadSeeker) ([]BoxSummary, error) {
	defer r.Seek(0, io.SeekStart)

	var out []BoxSummary
	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		out = append(out, BoxSummary{Type: h.BoxInfo.Type.String(), Offset: h.BoxInfo.Offset, Size: h.BoxInfo.Size})
		return nil, nil
	})
	return out, err
}

// TrackSummary describes a probed track.
type TrackSummary struct {
	TrackID   uint32
	Codec     string
	Width     int
	Height    int
	Timescale uint32
	Samples   int
	Duration  int64
}

// Probe summarizes the video tracks of a progressive or fragmented MP4.
func Probe(r io.ReadSeeker) ([]TrackSummary, error) {
	defer r.Seek(0, io.SeekStart)

	info, err := gomp4.Probe(r)
	if err != nil {
		return nil, err
	}

	var out []TrackSummary
	for _, t := range info.Tracks {
		s := TrackSummary{
			TrackID:   t.TrackID,
			Timescale: t.Timescale,
			Samples:   len(t.Samples),
			Duration:  toMicros(int64(t.Duration), t.Timescale),
		}
		switch t.Codec {
		case gomp4.CodecAVC1:
			s.Codec = "avc1"
			if t.AVC != nil {
				s.Codec = fmt.Sprintf("avc1.%02X%02X%02X", t.AVC.Profile, t.AVC.ProfileCompatibility, t.AVC.Level)
				s.Width, s.Height = int(t.AVC.Width), int(t.AVC.Height)
			}
		case gomp4.CodecMP4A:
			s.Codec = "mp4a"
		default:
			s.Codec = "unknown"
		}
		for _, seg := range info.Segments {
			if seg.TrackID == t.TrackID {
				s.Samples += int(seg.SampleCount)
				s.Duration += toMicros(int64(seg.Duration), t.Timescale)
			}
		}
		out = append(out, s)
	}
	return out, nil
}
