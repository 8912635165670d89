package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dchest/uniuri"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/MaxtuneLee/webcodecs-container/internal/export"
	"github.com/MaxtuneLee/webcodecs-container/internal/util"
)

type composeOptions struct {
	base      string
	effect    string
	output    string
	preset    string
	open      bool
	width     int
	height    int
	frameRate float64
	bitrate   int
	keying    keyingFlags
}

// NewComposeCommand creates the compose command
func NewComposeCommand() *cobra.Command {
	opts := &composeOptions{}

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Key an effect clip over a base clip",
		Long: `Decode the base and effect clips, remove the green screen from the effect,
composite it over every base frame and write a fragmented MP4.

The effect is looped when it is shorter than the base. Use "-" as output to
write the file to stdout.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompose(cmd, opts)
		},
		Example: `  # Composite with default keying
  webcodecs-container compose -b base.mp4 -e effect.mp4 -o out.mp4

  # Explicit key color and a looser threshold
  webcodecs-container compose -b base.mp4 -e effect.webm --key-color "#00FF00" --similarity 0.25

  # Use a saved preset and stream to another program
  webcodecs-container compose -b base.mp4 -e effect.mp4 --preset studio -o - | ffprobe -i -`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.base, "base", "b", "", "Base video file (MP4, fragmented MP4 or Matroska)")
	flags.StringVarP(&opts.effect, "effect", "e", "", "Green screen effect video file")
	flags.StringVarP(&opts.output, "output", "o", "output.mp4", "Output file, or - for stdout")
	flags.StringVarP(&opts.preset, "preset", "p", "", "Keying preset name (defaults to the current preset)")
	flags.BoolVar(&opts.open, "open", false, "Open the output file when done")
	flags.IntVar(&opts.width, "width", 0, "Output width (overrides output.width)")
	flags.IntVar(&opts.height, "height", 0, "Output height (overrides output.height)")
	flags.Float64Var(&opts.frameRate, "framerate", 0, "Output frame rate (overrides output.framerate)")
	flags.IntVar(&opts.bitrate, "bitrate", 0, "Output bitrate in bits per second (overrides output.bitrate)")
	opts.keying.register(flags)

	cmd.MarkFlagRequired("base")
	cmd.MarkFlagRequired("effect")

	return cmd
}

func runCompose(cmd *cobra.Command, opts *composeOptions) error {
	flags := cmd.Flags()
	logger := util.GetLogger()

	keyCfg, err := resolveKeying(flags, &opts.keying, opts.preset)
	if err != nil {
		return err
	}

	output := configOutput()
	if flags.Changed("width") {
		output.Width = opts.width
	}
	if flags.Changed("height") {
		output.Height = opts.height
	}
	if flags.Changed("framerate") {
		output.FrameRate = opts.frameRate
	}
	if flags.Changed("bitrate") {
		output.Bitrate = opts.bitrate
	}

	exportOpts, err := exportOptions(keyCfg, output)
	if err != nil {
		return err
	}

	toStdout := opts.output == "-"
	if toStdout && term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("refusing to write binary MP4 to a terminal, redirect stdout or use --output")
	}
	if toStdout && opts.open {
		return errors.New("--open cannot be used with stdout output")
	}

	base, err := os.Open(opts.base)
	if err != nil {
		return errors.Wrap(err, "failed to open base video")
	}
	defer base.Close()
	effect, err := os.Open(opts.effect)
	if err != nil {
		return errors.Wrap(err, "failed to open effect video")
	}
	defer effect.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exporter := export.New(exportOpts)
	in := export.Input{Base: base, Effect: effect}

	if toStdout {
		return exporter.Stream(ctx, in, os.Stdout)
	}

	if err := writeAtomically(opts.output, func(w io.Writer) error {
		return exporter.Stream(ctx, in, w)
	}); err != nil {
		return err
	}
	logger.Info("Export written", "path", opts.output)
	fmt.Printf("Written %s\n", opts.output)

	if opts.open {
		if err := browser.OpenFile(opts.output); err != nil {
			fmt.Println("Failed to open the output automatically, please open it manually")
		}
	}
	return nil
}

// writeAtomically streams into a temporary sibling of path and renames it
// into place once write succeeds, so a failed export leaves no output.
func writeAtomically(path string, write func(io.Writer) error) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uniuri.NewLen(8)+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to create output file")
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to close output file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to move output into place")
	}
	return nil
}
