package preset

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxtuneLee/webcodecs-container/internal/keying"
)

func TestManagerLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "presets.toml")
	m := NewManager(path)
	require.NoError(t, m.Load())
	assert.Empty(t, m.List())

	green := Preset{KeyColor: "#00FF00", Similarity: 0.18, Smoothness: 0.1, Spill: 0.2}
	blue := Preset{KeyColor: "0,0,255", Similarity: 0.3, Smoothness: 0.05, Spill: 0.1}
	require.NoError(t, m.Add("green", green))
	require.NoError(t, m.Add("blue", blue))

	name, p, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "green", name)
	assert.Equal(t, green, p)

	reloaded := NewManager(path)
	require.NoError(t, reloaded.Load())
	entries := reloaded.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "blue", entries[0].Name)
	assert.False(t, entries[0].Current)
	assert.True(t, entries[1].Current)

	assert.EqualError(t, reloaded.Delete("green"), ErrCannotDeleteCurrent)
	require.NoError(t, reloaded.Use("blue"))
	require.NoError(t, reloaded.Delete("green"))
	_, err := reloaded.Get("green")
	assert.EqualError(t, err, "preset 'green' not found")
	assert.Error(t, reloaded.Use("missing"))
}

func TestAddRejectsInvalid(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "presets.toml"))
	assert.Error(t, m.Add("", Preset{Similarity: 1, Smoothness: 1, Spill: 1}))
	assert.Error(t, m.Add("bad", Preset{Similarity: 0, Smoothness: 1, Spill: 1}))
	assert.Error(t, m.Add("color", Preset{KeyColor: "nope", Similarity: 1, Smoothness: 1, Spill: 1}))
}

func TestPresetConfigConversion(t *testing.T) {
	cfg := keying.DefaultConfig()
	cfg.KeyColor = &color.RGBA{R: 1, G: 200, B: 3, A: 255}

	got, err := FromConfig(cfg).Config()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	auto, err := FromConfig(keying.DefaultConfig()).Config()
	require.NoError(t, err)
	assert.Nil(t, auto.KeyColor)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.toml")
	require.NoError(t, os.WriteFile(path, []byte("current = ["), 0o644))
	assert.Error(t, NewManager(path).Load())
}
