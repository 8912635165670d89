package h264

import (
	"encoding/binary"
	"fmt"
)

// AnnexBToAVC converts an Annex-B buffer into 4-byte length prefixed NAL
// units.
func AnnexBToAVC(data []byte) []byte {
	return MarshalAVC(SplitAnnexB(data))
}

// MarshalAVC writes NAL units with 4-byte big-endian length prefixes.
func MarshalAVC(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// SplitAVC splits length prefixed NAL units. lengthSize is 1, 2 or 4.
func SplitAVC(data []byte, lengthSize int) ([][]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("invalid NAL length size %d", lengthSize)
	}

	var nalus [][]byte
	offset := 0
	for offset < len(data) {
		if offset+lengthSize > len(data) {
			return nil, fmt.Errorf("truncated length prefix at offset %d", offset)
		}
		var length int
		for i := 0; i < lengthSize; i++ {
			length = length<<8 | int(data[offset+i])
		}
		offset += lengthSize
		if offset+length > len(data) {
			return nil, fmt.Errorf("invalid length prefix: %d", length)
		}
		if length > 0 {
			nalus = append(nalus, data[offset:offset+length])
		}
		offset += length
	}
	return nalus, nil
}

// AVCToAnnexB rewrites length prefixed NAL units with 4-byte start codes.
func AVCToAnnexB(data []byte, lengthSize int) ([]byte, error) {
	nalus, err := SplitAVC(data, lengthSize)
	if err != nil {
		return nil, err
	}
	return MarshalAnnexB(nalus), nil
}

// MarshalAnnexB joins NAL units with 4-byte start codes.
func MarshalAnnexB(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(StartCode4) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, StartCode4...)
		out = append(out, nalu...)
	}
	return out
}

// PrependParameterSetsAVC prepends SPS/PPS to a 4-byte length prefixed
// access unit.
func PrependParameterSetsAVC(avc, sps, pps []byte) []byte {
	if len(avc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avc
	}
	out := MarshalAVC([][]byte{sps, pps})
	return append(out, avc...)
}
