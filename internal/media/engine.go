package media

import "context"

// Decoder turns chunks into frames. Frames are delivered on Output in decode
// order; per-chunk failures are reported on Errors and are not fatal.
type Decoder interface {
	Configure(cfg DecoderConfig) error
	Decode(ctx context.Context, chunk Chunk) error
	// Flush blocks until every submitted chunk has produced its frame (or
	// error), then closes Output.
	Flush(ctx context.Context) error
	Output() <-chan *Frame
	Errors() <-chan error
	Close() error
}

// Encoder turns frames into chunks. Any value received on Errors is fatal.
type Encoder interface {
	Configure(cfg EncoderConfig) error
	Encode(ctx context.Context, frame *Frame) error
	// Flush blocks until all pending chunks were delivered on Output and
	// then closes it.
	Flush(ctx context.Context) error
	Output() <-chan EncodedChunk
	Errors() <-chan error
	Close() error
}
