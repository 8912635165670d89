package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/MaxtuneLee/webcodecs-container/config"
	"github.com/MaxtuneLee/webcodecs-container/internal/engine/ffmpeg"
	"github.com/MaxtuneLee/webcodecs-container/internal/export"
	"github.com/MaxtuneLee/webcodecs-container/internal/keying"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
	"github.com/MaxtuneLee/webcodecs-container/internal/preset"
	"github.com/MaxtuneLee/webcodecs-container/internal/util"
)

// keyingFlags are the keying overrides shared by compose and preset add.
type keyingFlags struct {
	keyColor   string
	similarity float64
	smoothness float64
	spill      float64
}

func (k *keyingFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&k.keyColor, "key-color", "", "Key color as #RRGGBB or R,G,B (sampled from the first effect frame when empty)")
	flags.Float64Var(&k.similarity, "similarity", 0, "Chroma distance treated as fully transparent")
	flags.Float64Var(&k.smoothness, "smoothness", 0, "Width of the alpha ramp above similarity")
	flags.Float64Var(&k.spill, "spill", 0, "Width of the desaturation ramp above similarity")
}

// apply overrides cfg with the flags set on the command line.
func (k *keyingFlags) apply(flags *pflag.FlagSet, cfg keying.Config) (keying.Config, error) {
	if flags.Changed("key-color") {
		key, err := keying.ParseKeyColor(k.keyColor)
		if err != nil {
			return cfg, err
		}
		cfg.KeyColor = key
	}
	if flags.Changed("similarity") {
		cfg.Similarity = k.similarity
	}
	if flags.Changed("smoothness") {
		cfg.Smoothness = k.smoothness
	}
	if flags.Changed("spill") {
		cfg.Spill = k.spill
	}
	return cfg, cfg.Validate()
}

// configKeying returns the keying parameters from the config file and
// environment.
func configKeying() (keying.Config, error) {
	key, err := keying.ParseKeyColor(config.GetKeyColor())
	if err != nil {
		return keying.Config{}, errors.Wrap(err, "invalid keying.key_color")
	}
	return keying.Config{
		KeyColor:   key,
		Similarity: config.GetSimilarity(),
		Smoothness: config.GetSmoothness(),
		Spill:      config.GetSpill(),
	}, nil
}

// resolveKeying layers config, the named or current preset and the
// command line flags, in that order.
func resolveKeying(flags *pflag.FlagSet, k *keyingFlags, presetName string) (keying.Config, error) {
	cfg, err := configKeying()
	if err != nil {
		return cfg, err
	}

	mgr := preset.NewManager(config.GetPresetPath())
	if err := mgr.Load(); err != nil {
		return cfg, err
	}
	if presetName != "" {
		p, err := mgr.Get(presetName)
		if err != nil {
			return cfg, err
		}
		if cfg, err = p.Config(); err != nil {
			return cfg, errors.Wrapf(err, "invalid preset %s", presetName)
		}
	} else if name, p, ok := mgr.Current(); ok {
		if cfg, err = p.Config(); err != nil {
			return cfg, errors.Wrapf(err, "invalid preset %s", name)
		}
	}

	return k.apply(flags, cfg)
}

func configOutput() media.EncoderConfig {
	return media.EncoderConfig{
		Codec:     config.GetOutputCodec(),
		Width:     config.GetOutputWidth(),
		Height:    config.GetOutputHeight(),
		Bitrate:   config.GetOutputBitrate(),
		FrameRate: config.GetOutputFrameRate(),
	}
}

// exportOptions builds the pipeline options from config. It fails early
// when the ffmpeg engines cannot run.
func exportOptions(cfg keying.Config, output media.EncoderConfig) (export.Options, error) {
	path := config.GetFFmpegPath()
	if !ffmpeg.Available(path) {
		return export.Options{}, errors.Errorf("ffmpeg not found at %q, set ffmpeg.path or WCC_FFMPEG_PATH", path)
	}
	return export.Options{
		Output:          output,
		Timescale:       config.GetOutputTimescale(),
		Keying:          cfg,
		QueueSize:       config.GetDecodeQueueSize(),
		DrainInterval:   config.GetDecodeDrainInterval(),
		RenderTick:      config.GetRenderTickInterval(),
		MuxTick:         config.GetMuxTickInterval(),
		FragmentSamples: config.GetMuxFragmentSamples(),
		FFmpegPath:      path,
		Logger:          util.GetLogger(),
	}, nil
}
