// Package mux streams a growing fragmented MP4 box list to a consumer.
package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vishalkuo/bimap"

	"github.com/MaxtuneLee/webcodecs-container/internal/container"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// ErrTrackExists is returned when a label is registered twice.
var ErrTrackExists = errors.New("track already registered")

// Library is the container-writing side: it accepts tracks and samples and
// appends finalized boxes to its box list. container.Writer implements it.
type Library interface {
	AddTrack(desc media.TrackDescriptor) (int, error)
	AddSample(trackID int, payload []byte, opts container.SampleOptions) error
	Flush() error
	Boxes() *container.BoxList
}

// Muxer maps output tracks to library track ids and converts encoded chunks
// into library samples.
type Muxer struct {
	mu          sync.Mutex
	lib         Library
	tracks      *bimap.BiMap[int, string]
	descriptors map[int]media.TrackDescriptor
	logger      *slog.Logger
}

// New creates a muxer on top of lib.
func New(lib Library, logger *slog.Logger) *Muxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Muxer{
		lib:         lib,
		tracks:      bimap.NewBiMap[int, string](),
		descriptors: make(map[int]media.TrackDescriptor),
		logger:      logger.With("component", "muxer"),
	}
}

// AddTrack registers a track under label and returns the id assigned by
// the library.
func (m *Muxer) AddTrack(label string, desc media.TrackDescriptor) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracks.ExistsInverse(label) {
		return 0, fmt.Errorf("%w: %s", ErrTrackExists, label)
	}

	id, err := m.lib.AddTrack(desc)
	if err != nil {
		return 0, media.ConfigurationError("mux", fmt.Errorf("add track %s: %w", label, err))
	}
	m.tracks.Insert(id, label)
	m.descriptors[id] = desc

	m.logger.Info("Output track registered", "label", label, "track_id", id,
		"codec", desc.Codec, "width", desc.Width, "height", desc.Height)
	return id, nil
}

// TrackID returns the id registered for label.
func (m *Muxer) TrackID(label string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks.GetInverse(label)
}

// Descriptor returns the descriptor of track id.
func (m *Muxer) Descriptor(id int) (media.TrackDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.descriptors[id]
	return desc, ok
}

// AddVideoChunk appends an encoded chunk as a sample of track id. Chunk
// timestamps are microseconds; they are converted into the track timescale.
func (m *Muxer) AddVideoChunk(id int, chunk media.EncodedChunk) error {
	desc, ok := m.Descriptor(id)
	if !ok {
		return media.MuxError("mux", fmt.Errorf("unknown track id %d", id))
	}

	ts := scaleTimestampToTimescale(chunk.Timestamp, desc.Timescale)
	err := m.lib.AddSample(id, chunk.Data, container.SampleOptions{
		Duration: scaleTimestampToTimescale(chunk.Duration, desc.Timescale),
		DTS:      ts,
		CTS:      ts,
		IsKey:    chunk.Key,
	})
	if err != nil {
		return media.MuxError("mux", fmt.Errorf("add sample at %dus: %w", chunk.Timestamp, err))
	}
	return nil
}

// NewSession starts streaming the library's boxes.
func (m *Muxer) NewSession(opts ...SessionOption) *Session {
	return newSession(m.lib, m.logger, opts...)
}

// scaleTimestampToTimescale converts a timestamp expressed in microseconds
// into the given MP4 track timescale units.
func scaleTimestampToTimescale(timestampUs int64, timeScale uint32) int64 {
	if timestampUs <= 0 {
		return 0
	}
	if timeScale == 0 || timeScale == 1_000_000 {
		return timestampUs
	}
	return (timestampUs * int64(timeScale)) / 1_000_000
}
