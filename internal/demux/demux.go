// Package demux turns container files into a decoder configuration and an
// ordered sequence of compressed chunks.
package demux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

var (
	// ErrNoVideoTrack is returned when a file has no usable H.264 track.
	ErrNoVideoTrack = errors.New("no H.264 video track found")
	// ErrUnknownFormat is returned by Open for unrecognized input.
	ErrUnknownFormat = errors.New("unknown container format")
)

// Handler receives the demuxed track. OnConfig is called exactly once,
// before any OnChunk; OnDone exactly once, after the last chunk.
type Handler struct {
	OnConfig func(cfg media.DecoderConfig) error
	OnChunk  func(chunk media.Chunk) error
	OnDone   func()
}

// Demuxer reads one video track from a file.
type Demuxer interface {
	Run(ctx context.Context, h Handler) error
}

// Format is a supported input container.
type Format string

const (
	FormatMP4      Format = "mp4"
	FormatFMP4     Format = "fmp4"
	FormatMatroska Format = "matroska"
)

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Detect sniffs the container format of r and rewinds it.
func Detect(r io.ReadSeeker) (Format, error) {
	head := make([]byte, 12)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("read header: %w", err)
	}
	head = head[:n]
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	if bytes.HasPrefix(head, ebmlMagic) {
		return FormatMatroska, nil
	}
	if len(head) >= 8 {
		switch string(head[4:8]) {
		case "ftyp", "moov", "styp", "moof", "free", "mdat", "wide":
			fragmented, err := hasFragments(r)
			if err != nil {
				return "", err
			}
			if fragmented {
				return FormatFMP4, nil
			}
			return FormatMP4, nil
		}
	}
	return "", ErrUnknownFormat
}

// Open returns the demuxer matching the format of r.
func Open(kind media.TrackKind, r io.ReadSeeker, logger *slog.Logger) (Demuxer, error) {
	format, err := Detect(r)
	if err != nil {
		return nil, media.ConfigurationError("demux", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "demux", "track", kind.String(), "format", string(format))

	switch format {
	case FormatMatroska:
		return NewMatroska(kind, r, logger), nil
	case FormatFMP4:
		return NewFMP4(kind, r, logger), nil
	default:
		return NewMP4(kind, r, logger), nil
	}
}

// emitter enforces the Handler call order for demuxer implementations.
type emitter struct {
	h          Handler
	configured bool
	done       bool
}

func (e *emitter) config(cfg media.DecoderConfig) error {
	if e.configured {
		return errors.New("decoder config reported twice")
	}
	e.configured = true
	if e.h.OnConfig != nil {
		return e.h.OnConfig(cfg)
	}
	return nil
}

func (e *emitter) chunk(ctx context.Context, c media.Chunk) error {
	if !e.configured {
		return errors.New("chunk reported before decoder config")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.h.OnChunk != nil {
		return e.h.OnChunk(c)
	}
	return nil
}

func (e *emitter) finish() {
	if e.done {
		return
	}
	e.done = true
	if e.h.OnDone != nil {
		e.h.OnDone()
	}
}

// toMicros converts a value in timescale units to microseconds.
func toMicros(v int64, timescale uint32) int64 {
	if timescale == 0 {
		return v
	}
	return v * 1_000_000 / int64(timescale)
}
