package h264

import (
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrInvalidAVCC is returned for malformed decoder configuration records.
var ErrInvalidAVCC = errors.New("invalid avcC record")

// AVCConfig is a parsed AVCDecoderConfigurationRecord.
type AVCConfig struct {
	Profile              uint8
	ProfileCompatibility uint8
	Level                uint8
	LengthSize           int
	SPS                  [][]byte
	PPS                  [][]byte
}

// ParseAVCC parses an avcC record. Both an SPS and a PPS are required.
func ParseAVCC(record []byte) (*AVCConfig, error) {
	if len(record) < 7 || record[0] != 0x01 {
		return nil, ErrInvalidAVCC
	}

	cfg := &AVCConfig{
		Profile:              record[1],
		ProfileCompatibility: record[2],
		Level:                record[3],
		LengthSize:           int(record[4]&0x03) + 1,
	}

	i := 5
	numSPS := int(record[i] & 0x1F)
	i++
	for n := 0; n < numSPS; n++ {
		if i+2 > len(record) {
			return nil, fmt.Errorf("%w: truncated SPS", ErrInvalidAVCC)
		}
		l := int(record[i])<<8 | int(record[i+1])
		i += 2
		if i+l > len(record) {
			return nil, fmt.Errorf("%w: SPS length %d", ErrInvalidAVCC, l)
		}
		cfg.SPS = append(cfg.SPS, append([]byte{}, record[i:i+l]...))
		i += l
	}

	if i >= len(record) {
		return nil, fmt.Errorf("%w: missing PPS", ErrInvalidAVCC)
	}
	numPPS := int(record[i])
	i++
	for n := 0; n < numPPS; n++ {
		if i+2 > len(record) {
			return nil, fmt.Errorf("%w: truncated PPS", ErrInvalidAVCC)
		}
		l := int(record[i])<<8 | int(record[i+1])
		i += 2
		if i+l > len(record) {
			return nil, fmt.Errorf("%w: PPS length %d", ErrInvalidAVCC, l)
		}
		cfg.PPS = append(cfg.PPS, append([]byte{}, record[i:i+l]...))
		i += l
	}

	if len(cfg.SPS) == 0 || len(cfg.PPS) == 0 {
		return nil, fmt.Errorf("%w: no parameter sets", ErrInvalidAVCC)
	}
	return cfg, nil
}

// BuildAVCC serializes an avcC record with 4-byte NAL lengths.
func BuildAVCC(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("%w: SPS/PPS missing", ErrInvalidAVCC)
	}
	out := []byte{0x01, sps[1], sps[2], sps[3], 0xFF, 0xE1}
	out = append(out, byte(len(sps)>>8), byte(len(sps)))
	out = append(out, sps...)
	out = append(out, 0x01, byte(len(pps)>>8), byte(len(pps)))
	out = append(out, pps...)
	return out, nil
}

// CodecString returns the RFC 6381 codec string of an SPS, e.g. avc1.4D0032.
func CodecString(sps []byte) string {
	if len(sps) < 4 {
		return "avc1"
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3])
}

// ParseCodecString extracts profile and level from an avc1.PPCCLL string.
func ParseCodecString(codec string) (profile, level uint8, err error) {
	var compat uint8
	if _, err := fmt.Sscanf(codec, "avc1.%02X%02X%02X", &profile, &compat, &level); err != nil {
		return 0, 0, fmt.Errorf("unsupported codec %q: %w", codec, err)
	}
	return profile, level, nil
}

// Dimensions returns the display size described by an SPS.
func Dimensions(sps []byte) (width, height int, err error) {
	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, fmt.Errorf("unable to parse SPS: %w", err)
	}
	return s.Width(), s.Height(), nil
}
