package h264

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testP   = []byte{0x41, 0x9a, 0x02, 0x04}
	testAUD = []byte{0x09, 0xf0}
)

func TestAnnexBRoundTrip(t *testing.T) {
	annexB := MarshalAnnexB([][]byte{testSPS, testPPS, testIDR})

	nalus := SplitAnnexB(annexB)
	require.Len(t, nalus, 3)
	assert.Equal(t, testSPS, nalus[0])
	assert.Equal(t, testPPS, nalus[1])
	assert.Equal(t, testIDR, nalus[2])

	avc := AnnexBToAVC(annexB)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, byte(len(testSPS))}, avc[:4])

	back, err := AVCToAnnexB(avc, 4)
	require.NoError(t, err)
	assert.Equal(t, annexB, back)
}

func TestSplitAnnexBMixedStartCodes(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x00, 0x00, 0x01, 0x68, 0xce}
	nalus := SplitAnnexB(data)
	require.Len(t, nalus, 2)
	assert.Equal(t, []byte{0x67, 0x42}, nalus[0])
	assert.Equal(t, []byte{0x68, 0xce}, nalus[1])
}

func TestSplitAVCRejectsBadLength(t *testing.T) {
	_, err := SplitAVC([]byte{0x00, 0x00, 0x00, 0x09, 0x65}, 4)
	assert.Error(t, err)

	_, err = SplitAVC([]byte{0x01}, 3)
	assert.Error(t, err)
}

func TestPrependParameterSetsAVC(t *testing.T) {
	au := MarshalAVC([][]byte{testIDR})
	out := PrependParameterSetsAVC(au, testSPS, testPPS)

	nalus, err := SplitAVC(out, 4)
	require.NoError(t, err)
	require.Len(t, nalus, 3)
	assert.Equal(t, testIDR, nalus[2])

	assert.Equal(t, au, PrependParameterSetsAVC(au, nil, testPPS))
}

func TestAVCCRoundTrip(t *testing.T) {
	record, err := BuildAVCC(testSPS, testPPS)
	require.NoError(t, err)

	cfg, err := ParseAVCC(record)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x42), cfg.Profile)
	assert.Equal(t, uint8(0x28), cfg.Level)
	assert.Equal(t, 4, cfg.LengthSize)
	assert.Equal(t, [][]byte{testSPS}, cfg.SPS)
	assert.Equal(t, [][]byte{testPPS}, cfg.PPS)
}

func TestParseAVCCInvalid(t *testing.T) {
	tests := []struct {
		name   string
		record []byte
	}{
		{"empty", nil},
		{"bad version", []byte{0x02, 0x42, 0xc0, 0x28, 0xff, 0xe1, 0x00}},
		{"truncated sps", []byte{0x01, 0x42, 0xc0, 0x28, 0xff, 0xe1, 0x00, 0x19, 0x67}},
		{"no pps", []byte{0x01, 0x42, 0xc0, 0x28, 0xff, 0xe1, 0x00, 0x01, 0x67}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAVCC(tt.record)
			assert.True(t, errors.Is(err, ErrInvalidAVCC))
		})
	}
}

func TestCodecString(t *testing.T) {
	assert.Equal(t, "avc1.42C028", CodecString(testSPS))

	profile, level, err := ParseCodecString("avc1.4D0032")
	require.NoError(t, err)
	assert.Equal(t, uint8(0x4D), profile)
	assert.Equal(t, uint8(0x32), level)

	_, _, err = ParseCodecString("vp09.00.10.08")
	assert.Error(t, err)
}

func TestDimensions(t *testing.T) {
	w, h, err := Dimensions(testSPS)
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestKeyFrameDetection(t *testing.T) {
	assert.True(t, IsKeyFrame(MarshalAnnexB([][]byte{testSPS, testPPS, testIDR})))
	assert.False(t, IsKeyFrame(MarshalAnnexB([][]byte{testP})))

	sps, pps := ParameterSets([][]byte{testAUD, testSPS, testPPS, testIDR})
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

// oneByteReader forces the NAL reader to refill on every byte.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestAccessUnitReader(t *testing.T) {
	stream := MarshalAnnexB([][]byte{
		testAUD, testSPS, testPPS, testIDR,
		testAUD, testP,
		testP,
	})

	tests := []struct {
		name string
		r    io.Reader
	}{
		{"whole", bytes.NewReader(stream)},
		{"byte by byte", oneByteReader{bytes.NewReader(stream)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ar := NewAccessUnitReader(tt.r)

			au, err := ar.Next()
			require.NoError(t, err)
			assert.Equal(t, [][]byte{testAUD, testSPS, testPPS, testIDR}, au)

			au, err = ar.Next()
			require.NoError(t, err)
			assert.Equal(t, [][]byte{testAUD, testP}, au)

			// no delimiter: split on first_mb_in_slice == 0
			au, err = ar.Next()
			require.NoError(t, err)
			assert.Equal(t, [][]byte{testP}, au)

			_, err = ar.Next()
			assert.Equal(t, io.EOF, err)
		})
	}
}
