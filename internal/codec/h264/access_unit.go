package h264

import (
	"bytes"
	"errors"
	"io"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const readChunkSize = 64 * 1024

// NALReader extracts NAL units from an Annex-B byte stream.
type NALReader struct {
	r   io.Reader
	buf []byte
	eof bool
}

// NewNALReader wraps r.
func NewNALReader(r io.Reader) *NALReader {
	return &NALReader{r: r}
}

// Next returns the next NAL unit without its start code, or io.EOF.
func (nr *NALReader) Next() ([]byte, error) {
	for {
		start := bytes.Index(nr.buf, startCode3)
		if start >= 0 {
			begin := start + len(startCode3)
			next := bytes.Index(nr.buf[begin:], startCode3)
			if next >= 0 {
				nalu := bytes.TrimRight(nr.buf[begin:begin+next], "\x00")
				out := bytes.Clone(nalu)
				nr.buf = nr.buf[begin+next:]
				if len(out) == 0 {
					continue
				}
				return out, nil
			}
			if nr.eof {
				nalu := bytes.TrimRight(nr.buf[begin:], "\x00")
				out := bytes.Clone(nalu)
				nr.buf = nil
				if len(out) == 0 {
					return nil, io.EOF
				}
				return out, nil
			}
		} else if nr.eof {
			nr.buf = nil
			return nil, io.EOF
		}

		if err := nr.fill(); err != nil {
			return nil, err
		}
	}
}

func (nr *NALReader) fill() error {
	tmp := make([]byte, readChunkSize)
	n, err := nr.r.Read(tmp)
	nr.buf = append(nr.buf, tmp[:n]...)
	if errors.Is(err, io.EOF) {
		nr.eof = true
		return nil
	}
	return err
}

// AccessUnitReader groups the NAL units of an Annex-B stream into access
// units. A new unit starts at an access unit delimiter, at parameter sets
// or SEI following slice data, or at a slice whose first_mb_in_slice is 0.
type AccessUnitReader struct {
	nr      *NALReader
	pending []byte
}

// NewAccessUnitReader wraps r.
func NewAccessUnitReader(r io.Reader) *AccessUnitReader {
	return &AccessUnitReader{nr: NewNALReader(r)}
}

// Next returns the NAL units of the next access unit, or io.EOF.
func (ar *AccessUnitReader) Next() ([][]byte, error) {
	var au [][]byte
	hasVCL := false
	if ar.pending != nil {
		au = append(au, ar.pending)
		hasVCL = IsVCL(ar.pending)
		ar.pending = nil
	}

	for {
		nalu, err := ar.nr.Next()
		if errors.Is(err, io.EOF) {
			if len(au) > 0 {
				return au, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		if hasVCL && startsAccessUnit(nalu) {
			ar.pending = nalu
			return au, nil
		}
		au = append(au, nalu)
		if IsVCL(nalu) {
			hasVCL = true
		}
	}
}

func startsAccessUnit(nalu []byte) bool {
	switch NALUType(nalu) {
	case mch264.NALUTypeAccessUnitDelimiter, mch264.NALUTypeSPS, mch264.NALUTypePPS,
		mch264.NALUTypeSEI, mch264.NALUTypePrefix, mch264.NALUTypeSubsetSPS:
		return true
	case mch264.NALUTypeNonIDR, mch264.NALUTypeIDR:
		return firstSliceInPicture(nalu)
	}
	return false
}
