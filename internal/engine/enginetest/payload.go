// Package enginetest provides deterministic in-memory codec engines and
// input fixtures. Its "bitstream" is one length-prefixed NAL unit per chunk
// whose body is a solid RGBA color.
package enginetest

import (
	"errors"
	"image/color"

	"github.com/MaxtuneLee/webcodecs-container/internal/codec/h264"
)

var (
	// SPS and PPS describe a 1920x1080 baseline stream.
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	PPS = []byte{0x68, 0xce, 0x38, 0x80}

	errBadPayload = errors.New("malformed payload")
)

// Codec is the codec string matching SPS.
var Codec = h264.CodecString(SPS)

// AVCC returns the decoder configuration record for SPS/PPS.
func AVCC() []byte {
	record, err := h264.BuildAVCC(SPS, PPS)
	if err != nil {
		panic(err)
	}
	return record
}

// Payload encodes a solid color as one access unit.
func Payload(c color.NRGBA, key bool) []byte {
	header := byte(0x41)
	if key {
		header = 0x65
	}
	return h264.MarshalAVC([][]byte{{header, 0x80, c.R, c.G, c.B, c.A}})
}

// ParsePayload is the inverse of Payload.
func ParsePayload(data []byte) (color.NRGBA, bool, error) {
	nalus, err := h264.SplitAVC(data, 4)
	if err != nil {
		return color.NRGBA{}, false, err
	}
	if len(nalus) != 1 || len(nalus[0]) != 6 {
		return color.NRGBA{}, false, errBadPayload
	}
	n := nalus[0]
	return color.NRGBA{R: n[2], G: n[3], B: n[4], A: n[5]}, n[0]&0x1F == 5, nil
}
