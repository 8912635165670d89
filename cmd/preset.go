package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MaxtuneLee/webcodecs-container/config"
	"github.com/MaxtuneLee/webcodecs-container/internal/preset"
	"github.com/MaxtuneLee/webcodecs-container/internal/util"
)

// NewPresetCommand creates the preset command with its subcommands
func NewPresetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Manage keying presets",
		Long:  `Manage named keying presets. The current preset is applied by compose unless --preset is given.`,
	}

	cmd.AddCommand(newPresetListCmd())
	cmd.AddCommand(newPresetAddCmd())
	cmd.AddCommand(newPresetUseCmd())
	cmd.AddCommand(newPresetDeleteCmd())

	return cmd
}

func loadPresets() (*preset.Manager, error) {
	mgr := preset.NewManager(config.GetPresetPath())
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func newPresetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadPresets()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			entries := mgr.List()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No presets found")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				mark := ""
				if e.Current {
					mark = "*"
				}
				key := e.KeyColor
				if key == "" {
					key = "auto"
				}
				rows = append(rows, []string{
					mark, e.Name,
					strconv.FormatFloat(e.Similarity, 'g', -1, 64),
					strconv.FormatFloat(e.Smoothness, 'g', -1, 64),
					strconv.FormatFloat(e.Spill, 'g', -1, 64),
					key,
				})
			}
			util.RenderTable(out, []util.TableColumn{
				{Header: " "}, {Header: "NAME"}, {Header: "SIMILARITY"},
				{Header: "SMOOTHNESS"}, {Header: "SPILL"}, {Header: "KEY COLOR"},
			}, rows)
			return nil
		},
	}
}

func newPresetAddCmd() *cobra.Command {
	var k keyingFlags

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add or replace a preset",
		Long:  `Save keying parameters under NAME. Parameters not given on the command line are taken from the config defaults.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := configKeying()
			if err != nil {
				return err
			}
			cfg, err := k.apply(cmd.Flags(), base)
			if err != nil {
				return err
			}
			mgr, err := loadPresets()
			if err != nil {
				return err
			}
			if err := mgr.Add(args[0], preset.FromConfig(cfg)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preset %s saved\n", args[0])
			return nil
		},
		Example: `  webcodecs-container preset add studio --key-color "#1FD655" --similarity 0.22`,
	}
	k.register(cmd.Flags())

	return cmd
}

func newPresetUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Switch the current preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadPresets()
			if err != nil {
				return err
			}
			if err := mgr.Use(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Switched to preset %s\n", args[0])
			return nil
		},
	}
}

func newPresetDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadPresets()
			if err != nil {
				return err
			}
			if err := mgr.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preset %s deleted\n", args[0])
			return nil
		},
	}
}
