package demux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
	"github.com/MaxtuneLee/webcodecs-container/internal/container"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// FMP4 demuxes fragmented MP4 files. The whole file is loaded in memory.
type FMP4 struct {
	kind   media.TrackKind
	r      io.ReadSeeker
	logger *slog.Logger
}

// NewFMP4 creates a fragmented MP4 demuxer.
func NewFMP4(kind media.TrackKind, r io.ReadSeeker, logger *slog.Logger) *FMP4 {
	return &FMP4{kind: kind, r: r, logger: logger}
}

func (d *FMP4) Run(ctx context.Context, h Handler) error {
	em := &emitter{h: h}

	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(d.r)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	boxes, err := container.SplitBoxes(data)
	if err != nil {
		return media.ConfigurationError("demux", err)
	}

	var initBuf, partsBuf bytes.Buffer
	for _, b := range boxes {
		switch b.Type {
		case "ftyp", "moov":
			b.WriteTo(&initBuf)
		case "moof", "mdat":
			b.WriteTo(&partsBuf)
		}
		b.Release()
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(initBuf.Bytes())); err != nil {
		return media.ConfigurationError("demux", fmt.Errorf("init segment: %w", err))
	}

	var track *fmp4.InitTrack
	var codec *mp4.CodecH264
	for _, t := range init.Tracks {
		if c, ok := t.Codec.(*mp4.CodecH264); ok {
			track, codec = t, c
			break
		}
	}
	if track == nil {
		return media.ConfigurationError("demux", ErrNoVideoTrack)
	}

	record, err := h264.BuildAVCC(codec.SPS, codec.PPS)
	if err != nil {
		return media.ConfigurationError("demux", err)
	}
	width, height, err := h264.Dimensions(codec.SPS)
	if err != nil {
		return media.ConfigurationError("demux", err)
	}

	cfg := media.DecoderConfig{
		Codec:       h264.CodecString(codec.SPS),
		CodedWidth:  width,
		CodedHeight: height,
		Description: record,
	}
	if err := em.config(cfg); err != nil {
		return err
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(partsBuf.Bytes()); err != nil {
		return media.ConfigurationError("demux", fmt.Errorf("fragments: %w", err))
	}

	count := 0
	for _, part := range parts {
		for _, pt := range part.Tracks {
			if pt.ID != track.ID {
				continue
			}
			dts := int64(pt.BaseTime)
			for _, s := range pt.Samples {
				err := em.chunk(ctx, media.Chunk{
					Track:     d.kind,
					Timestamp: toMicros(dts+int64(s.PTSOffset), track.TimeScale),
					Duration:  toMicros(int64(s.Duration), track.TimeScale),
					Key:       !s.IsNonSyncSample,
					Data:      s.Payload,
				})
				if err != nil {
					return err
				}
				dts += int64(s.Duration)
				count++
			}
		}
	}

	d.logger.Debug("Fragments demuxed", "fragments", len(parts), "samples", count)
	em.finish()
	return nil
}
