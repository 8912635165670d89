package mux

import (
	"bytes"
	"io"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
	"github.com/MaxtuneLee/webcodecs-container/internal/container"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
)

func TestScaleTimestampToTimescale(t *testing.T) {
	tests := []struct {
		us        int64
		timescale uint32
		want      int64
	}{
		{0, 90000, 0},
		{-5, 90000, 0},
		{41666, 90000, 3749},
		{1_000_000, 90000, 90000},
		{41666, 1_000_000, 41666},
		{41666, 0, 41666},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scaleTimestampToTimescale(tt.us, tt.timescale))
	}
}

func TestMuxerTrackMap(t *testing.T) {
	lib := &fakeLibrary{}
	m := New(lib, testLogger())

	desc := media.TrackDescriptor{Codec: "avc1.4D0032", Width: 1920, Height: 1080, Timescale: 90000}
	id, err := m.AddTrack("video", desc)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = m.AddTrack("video", desc)
	assert.ErrorIs(t, err, ErrTrackExists)

	got, ok := m.TrackID("video")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	d, ok := m.Descriptor(id)
	assert.True(t, ok)
	assert.Equal(t, desc, d)

	_, ok = m.TrackID("audio")
	assert.False(t, ok)
}

func TestMuxerAddVideoChunk(t *testing.T) {
	lib := &fakeLibrary{}
	m := New(lib, testLogger())
	id, err := m.AddTrack("video", media.TrackDescriptor{Timescale: 90000})
	require.NoError(t, err)

	chunk := media.EncodedChunk{Chunk: media.Chunk{Timestamp: 83332, Duration: 41666, Key: true, Data: []byte{1, 2}}}
	require.NoError(t, m.AddVideoChunk(id, chunk))
	require.Len(t, lib.samples, 1)
	assert.Equal(t, container.SampleOptions{Duration: 3749, DTS: 7499, CTS: 7499, IsKey: true}, lib.samples[0].opts)

	err = m.AddVideoChunk(42, chunk)
	assert.Equal(t, media.KindMux, media.KindOf(err))
}

func TestMuxerStreamsWriterOutput(t *testing.T) {
	w := container.NewWriter(container.WithLogger(testLogger()))
	m := New(w, testLogger())

	record, err := h264.BuildAVCC(testSPS, testPPS)
	require.NoError(t, err)
	id, err := m.AddTrack("video", media.TrackDescriptor{
		Codec: h264.CodecString(testSPS), Width: 1920, Height: 1080,
		Timescale: 1_000_000, Description: record,
	})
	require.NoError(t, err)

	s := m.NewSession()
	data, err := s.Pull()
	require.NoError(t, err)
	assert.Nil(t, data, "nothing before the first fragment")

	const frames = 5
	for i := 0; i < frames; i++ {
		err := m.AddVideoChunk(id, media.EncodedChunk{Chunk: media.Chunk{
			Timestamp: int64(i) * 41666,
			Duration:  41666,
			Key:       i == 0,
			Data:      h264.MarshalAVC([][]byte{testIDR}),
		}})
		require.NoError(t, err)
	}
	s.Stop(nil)

	var out bytes.Buffer
	for {
		data, err := s.Pull()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out.Write(data)
	}
	assert.Equal(t, w.Offset(), int64(out.Len()))

	boxes, err := container.SplitBoxes(out.Bytes())
	require.NoError(t, err)
	require.Len(t, boxes, 2+2*frames)
	assert.Equal(t, "ftyp", boxes[0].Type)

	var init fmp4.Init
	require.NoError(t, init.Unmarshal(bytes.NewReader(out.Bytes()[:boxes[0].Size+boxes[1].Size])))

	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(out.Bytes()[boxes[0].Size+boxes[1].Size:]))
	require.Len(t, parts, frames)
	for i, p := range parts {
		assert.Equal(t, uint64(i)*41666, p.Tracks[0].BaseTime)
	}
}
