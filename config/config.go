package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const appName = "webcodecs-container"

var v *viper.Viper

func init() {
	v = viper.New()

	// Output track, fixed regardless of the inputs
	v.SetDefault("output.width", 1920)
	v.SetDefault("output.height", 1080)
	v.SetDefault("output.framerate", 24.0)
	v.SetDefault("output.bitrate", 25_000_000)
	v.SetDefault("output.codec", "avc1.4D0032")
	v.SetDefault("output.timescale", 1_000_000)

	// Keying; an empty key color is sampled from the first effect frame
	v.SetDefault("keying.key_color", "")
	v.SetDefault("keying.similarity", 0.18)
	v.SetDefault("keying.smoothness", 0.1)
	v.SetDefault("keying.spill", 0.2)

	v.SetDefault("decode.queue_size", 64)
	v.SetDefault("decode.drain_interval", time.Duration(0))
	v.SetDefault("render.tick_interval", time.Duration(0))
	v.SetDefault("mux.tick_interval", time.Millisecond)
	v.SetDefault("mux.fragment_samples", 1)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("server.addr", "127.0.0.1:29890")

	// Resolved lazily, see GetPresetPath
	v.SetDefault("preset.path", "")

	// Environment variables
	v.SetEnvPrefix("WCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("ffmpeg.path", "WCC_FFMPEG_PATH", "FFMPEG_PATH")
	v.BindEnv("server.addr", "WCC_SERVER_ADDR")
	v.BindEnv("preset.path", "WCC_PRESET_PATH")
	v.BindEnv("keying.key_color", "WCC_KEY_COLOR", "WCC_KEYING_KEY_COLOR")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/." + appName,
		filepath.Join(xdg.ConfigHome, appName),
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// SetConfigFile loads an explicit config file on top of the defaults.
func SetConfigFile(path string) error {
	v.SetConfigFile(path)
	return v.ReadInConfig()
}

// Set overrides a key for the rest of the process.
func Set(key string, value any) {
	v.Set(key, value)
}

func GetOutputWidth() int         { return v.GetInt("output.width") }
func GetOutputHeight() int        { return v.GetInt("output.height") }
func GetOutputFrameRate() float64 { return v.GetFloat64("output.framerate") }
func GetOutputBitrate() int       { return v.GetInt("output.bitrate") }
func GetOutputCodec() string      { return v.GetString("output.codec") }
func GetOutputTimescale() uint32  { return v.GetUint32("output.timescale") }

func GetKeyColor() string    { return v.GetString("keying.key_color") }
func GetSimilarity() float64 { return v.GetFloat64("keying.similarity") }
func GetSmoothness() float64 { return v.GetFloat64("keying.smoothness") }
func GetSpill() float64      { return v.GetFloat64("keying.spill") }

func GetDecodeQueueSize() int               { return v.GetInt("decode.queue_size") }
func GetDecodeDrainInterval() time.Duration { return v.GetDuration("decode.drain_interval") }
func GetRenderTickInterval() time.Duration  { return v.GetDuration("render.tick_interval") }
func GetMuxTickInterval() time.Duration     { return v.GetDuration("mux.tick_interval") }
func GetMuxFragmentSamples() int            { return v.GetInt("mux.fragment_samples") }

// GetFFmpegPath returns the ffmpeg executable used by the codec engines
func GetFFmpegPath() string {
	return v.GetString("ffmpeg.path")
}

// GetServerAddr returns the listen address of the export server
func GetServerAddr() string {
	return v.GetString("server.addr")
}

// GetPresetPath returns the keying preset file path
func GetPresetPath() string {
	if p := v.GetString("preset.path"); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, appName, "presets.toml")
}
