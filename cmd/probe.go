package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/MaxtuneLee/webcodecs-container/internal/demux"
	"github.com/MaxtuneLee/webcodecs-container/internal/util"
)

type probeResult struct {
	Path   string               `json:"path"`
	Format demux.Format         `json:"format"`
	Tracks []demux.TrackSummary `json:"tracks,omitempty"`
	Boxes  []demux.BoxSummary   `json:"boxes,omitempty"`
}

// NewProbeCommand creates the probe command
func NewProbeCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Show the container format, tracks and boxes of a video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := probeFile(args[0])
			if err != nil {
				return err
			}
			return printProbe(cmd.OutOrStdout(), res, outputFormat)
		},
		Example: `  webcodecs-container probe out.mp4
  webcodecs-container probe effect.webm --output json`,
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func probeFile(path string) (*probeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	defer f.Close()

	format, err := demux.Detect(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to detect format of %s", path)
	}
	res := &probeResult{Path: path, Format: format}
	if format == demux.FormatMatroska {
		return res, nil
	}

	if res.Tracks, err = demux.Probe(f); err != nil {
		return nil, errors.Wrap(err, "failed to probe tracks")
	}
	if res.Boxes, err = demux.ListBoxes(f); err != nil {
		return nil, errors.Wrap(err, "failed to list boxes")
	}
	return res, nil
}

func printProbe(w io.Writer, res *probeResult, format string) error {
	if format == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "%s: %s\n", res.Path, res.Format)
	if len(res.Tracks) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(res.Tracks))
		for _, t := range res.Tracks {
			rows = append(rows, []string{
				strconv.FormatUint(uint64(t.TrackID), 10),
				t.Codec,
				fmt.Sprintf("%dx%d", t.Width, t.Height),
				strconv.FormatUint(uint64(t.Timescale), 10),
				strconv.Itoa(t.Samples),
				fmt.Sprintf("%.3fs", float64(t.Duration)/1e6),
			})
		}
		util.RenderTable(w, []util.TableColumn{
			{Header: "TRACK"}, {Header: "CODEC"}, {Header: "SIZE"},
			{Header: "TIMESCALE"}, {Header: "SAMPLES"}, {Header: "DURATION"},
		}, rows)
	}
	if len(res.Boxes) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(res.Boxes))
		for _, b := range res.Boxes {
			rows = append(rows, []string{b.Type, strconv.FormatUint(b.Offset, 10), strconv.FormatUint(b.Size, 10)})
		}
		util.RenderTable(w, []util.TableColumn{{Header: "BOX"}, {Header: "OFFSET"}, {Header: "SIZE"}}, rows)
	}
	return nil
}
