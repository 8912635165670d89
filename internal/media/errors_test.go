package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		kind  ErrorKind
		fatal bool
	}{
		{"configuration", ConfigurationError("demux", base), KindConfiguration, true},
		{"decode", DecodeError("decode", base), KindDecode, false},
		{"encode", EncodeError("render", base), KindEncode, true},
		{"mux", MuxError("mux", base), KindMux, true},
		{"resource", ResourceError("keying", base), KindResource, true},
		{"wrapped", fmt.Errorf("outer: %w", DecodeError("decode", base)), KindDecode, false},
		{"plain", base, KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.ErrorIs(t, tt.err, base)
		})
	}
}

func TestErrorMessageIncludesStage(t *testing.T) {
	err := EncodeError("render", errors.New("encoder gone"))
	assert.Equal(t, "encode error in render: encoder gone", err.Error())
	assert.Nil(t, ConfigurationError("x", nil))
	assert.False(t, IsFatal(nil))
}

func TestFrameClose(t *testing.T) {
	f := NewFrame(4, 2, 0, 41666)
	assert.NotNil(t, f.Image)
	assert.Equal(t, 4, f.Image.Bounds().Dx())

	f.Close()
	f.Close()
	assert.True(t, f.Closed())
	assert.Nil(t, f.Image)

	var nilFrame *Frame
	nilFrame.Close()
}

func TestFrameInterval(t *testing.T) {
	assert.Equal(t, int64(41666), FrameIntervalUs(24))
	assert.Equal(t, int64(33333), EncoderConfig{FrameRate: 30}.FrameInterval())
	assert.Equal(t, int64(0), FrameIntervalUs(0))
}
