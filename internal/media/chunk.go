package media

// TrackKind identifies which input a chunk or frame belongs to.
type TrackKind int

const (
	TrackBase TrackKind = iota
	TrackEffect
)

func (k TrackKind) String() string {
	switch k {
	case TrackBase:
		return "base"
	case TrackEffect:
		return "effect"
	default:
		return "unknown"
	}
}

// Chunk is one compressed access unit. Timestamps and durations are in
// microseconds.
type Chunk struct {
	Track     TrackKind
	Timestamp int64
	Duration  int64
	Key       bool
	Data      []byte
}

// ChunkMetadata accompanies an encoded chunk. DecoderConfig is only set on
// chunks where the encoder (re)publishes its configuration.
type ChunkMetadata struct {
	DecoderConfig *DecoderConfig
}

// EncodedChunk is what an Encoder emits.
type EncodedChunk struct {
	Chunk
	Meta *ChunkMetadata
}
