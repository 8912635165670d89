package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var startCode3 = []byte{0x00, 0x00, 0x01}

// StartCode4 prefixes every NAL unit written by this package.
var StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// NALUType returns the type of a NAL unit without start code.
func NALUType(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1F)
}

// IsVCL reports whether the NAL unit carries slice data.
func IsVCL(nalu []byte) bool {
	switch NALUType(nalu) {
	case mch264.NALUTypeNonIDR, mch264.NALUTypeDataPartitionA, mch264.NALUTypeDataPartitionB,
		mch264.NALUTypeDataPartitionC, mch264.NALUTypeIDR:
		return true
	}
	return false
}

// firstSliceInPicture reports whether a VCL NAL unit starts a new picture,
// i.e. its first_mb_in_slice is zero. ue(v) zero is coded as a single 1 bit.
func firstSliceInPicture(nalu []byte) bool {
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

// SplitAnnexB returns the NAL units of an Annex-B buffer, without start codes.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	pos := bytes.Index(data, startCode3)
	for pos >= 0 {
		begin := pos + len(startCode3)
		next := bytes.Index(data[begin:], startCode3)
		var nalu []byte
		if next < 0 {
			nalu = data[begin:]
		} else {
			nalu = data[begin : begin+next]
		}
		nalu = bytes.TrimRight(nalu, "\x00")
		if len(nalu) > 0 {
			nalus = append(nalus, nalu)
		}
		if next < 0 {
			break
		}
		pos = begin + next
	}
	return nalus
}

// IsKeyFrame reports whether an Annex-B buffer contains an IDR slice.
func IsKeyFrame(data []byte) bool {
	for _, nalu := range SplitAnnexB(data) {
		if NALUType(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ContainsIDR is IsKeyFrame for already split NAL units.
func ContainsIDR(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if NALUType(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets picks the first SPS and PPS out of a list of NAL units.
func ParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, nalu := range nalus {
		switch NALUType(nalu) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}
