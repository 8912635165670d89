package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	initLogger(&buf, false)
	GetLogger().Debug("hidden")
	GetLogger().Info("shown", "component", "test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "component=test")

	buf.Reset()
	initLogger(&buf, true)
	GetLogger().Debug("visible")
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestVerboseFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{nil, false},
		{[]string{"compose", "--verbose"}, true},
		{[]string{"--verbose=true", "serve"}, true},
		{[]string{"--verbose=false"}, false},
		{[]string{"compose", "--", "--verbose"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, verboseFromArgs(tt.args), "%v", tt.args)
	}
}
