package media

// DecoderConfig describes a compressed track well enough to configure a
// decoder. Description carries the codec specific configuration record
// (avcC for H.264).
type DecoderConfig struct {
	Codec       string
	CodedWidth  int
	CodedHeight int
	Description []byte
}

// EncoderConfig describes the output of an Encoder.
type EncoderConfig struct {
	Codec     string
	Width     int
	Height    int
	Bitrate   int
	FrameRate float64
}

// FrameInterval returns the duration of one frame in microseconds.
func (c EncoderConfig) FrameInterval() int64 {
	return FrameIntervalUs(c.FrameRate)
}

// FrameIntervalUs returns floor(1e6 / fps), or 0 for a non-positive rate.
func FrameIntervalUs(fps float64) int64 {
	if fps <= 0 {
		return 0
	}
	return int64(1_000_000 / fps)
}

// TrackDescriptor holds the parameters of an output track. It is built
// once, from the first encoder output carrying decoder configuration, and
// never changes afterwards.
type TrackDescriptor struct {
	Codec       string
	Width       int
	Height      int
	Timescale   uint32
	Description []byte
}
