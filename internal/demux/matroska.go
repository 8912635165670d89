package demux

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/at-wat/ebml-go"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

const (
	mkvCodecAVC         = "V_MPEG4/ISO/AVC"
	mkvTrackTypeVideo   = 1
	mkvDefaultTimescale = 1_000_000
)

type mkvDocument struct {
	Header  mkvHeader `ebml:"EBML"`
	Segment mkvSegment
}

type mkvHeader struct {
	EBMLVersion        uint64
	EBMLReadVersion    uint64
	EBMLDocType        string
	EBMLDocTypeVersion uint64
}

type mkvSegment struct {
	Info    mkvInfo
	Tracks  mkvTracks
	Cluster []mkvCluster
}

type mkvInfo struct {
	TimecodeScale uint64
	MuxingApp     string
	WritingApp    string
}

type mkvTracks struct {
	TrackEntry []mkvTrackEntry
}

type mkvTrackEntry struct {
	Name            string
	TrackNumber     uint64
	TrackUID        uint64
	CodecID         string
	CodecPrivate    []byte
	TrackType       uint64
	DefaultDuration uint64
	Video           mkvVideo
}

type mkvVideo struct {
	PixelWidth  uint64
	PixelHeight uint64
}

type mkvCluster struct {
	Timecode    uint64
	SimpleBlock []ebml.Block
}

// Matroska demuxes H.264 (V_MPEG4/ISO/AVC) from Matroska and WebM files.
// Only SimpleBlocks are read.
type Matroska struct {
	kind   media.TrackKind
	r      io.ReadSeeker
	logger *slog.Logger
}

// NewMatroska creates a Matroska demuxer.
func NewMatroska(kind media.TrackKind, r io.ReadSeeker, logger *slog.Logger) *Matroska {
	return &Matroska{kind: kind, r: r, logger: logger}
}

func (d *Matroska) Run(ctx context.Context, h Handler) error {
	em := &emitter{h: h}

	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var doc mkvDocument
	if err := ebml.Unmarshal(d.r, &doc); err != nil {
		return media.ConfigurationError("demux", fmt.Errorf("parse matroska: %w", err))
	}

	var track *mkvTrackEntry
	for i := range doc.Segment.Tracks.TrackEntry {
		t := &doc.Segment.Tracks.TrackEntry[i]
		if t.TrackType == mkvTrackTypeVideo && t.CodecID == mkvCodecAVC {
			track = t
			break
		}
	}
	if track == nil {
		return media.ConfigurationError("demux", ErrNoVideoTrack)
	}

	avcc, err := h264.ParseAVCC(track.CodecPrivate)
	if err != nil {
		return media.ConfigurationError("demux", err)
	}
	width, height := int(track.Video.PixelWidth), int(track.Video.PixelHeight)
	if width == 0 || height == 0 {
		if width, height, err = h264.Dimensions(avcc.SPS[0]); err != nil {
			return media.ConfigurationError("demux", err)
		}
	}

	if err := em.config(media.DecoderConfig{
		Codec:       h264.CodecString(avcc.SPS[0]),
		CodedWidth:  width,
		CodedHeight: height,
		Description: track.CodecPrivate,
	}); err != nil {
		return err
	}

	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = mkvDefaultTimescale
	}

	var chunks []media.Chunk
	for _, cluster := range doc.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			if block.TrackNumber != track.TrackNumber || len(block.Data) == 0 {
				continue
			}
			tc := int64(cluster.Timecode) + int64(block.Timecode)
			var data []byte
			for _, frame := range block.Data {
				data = append(data, frame...)
			}
			chunks = append(chunks, media.Chunk{
				Track:     d.kind,
				Timestamp: tc * int64(scale) / 1000,
				Key:       block.Keyframe,
				Data:      data,
			})
		}
	}

	// Matroska carries no per-block duration for SimpleBlocks.
	defaultDuration := int64(track.DefaultDuration / 1000)
	for i := range chunks {
		switch {
		case i+1 < len(chunks) && chunks[i+1].Timestamp > chunks[i].Timestamp:
			chunks[i].Duration = chunks[i+1].Timestamp - chunks[i].Timestamp
		case defaultDuration > 0:
			chunks[i].Duration = defaultDuration
		case i > 0:
			chunks[i].Duration = chunks[i-1].Duration
		}
	}

	for _, c := range chunks {
		if err := em.chunk(ctx, c); err != nil {
			return err
		}
	}

	d.logger.Debug("Matroska demuxed", "clusters", len(doc.Segment.Cluster), "chunks", len(chunks))
	em.finish()
	return nil
}
