package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/MaxtuneLee/webcodecs-container/config"
	"github.com/MaxtuneLee/webcodecs-container/internal/util"
)

var (
	verbose    bool
	configFile string

	rootCmd = &cobra.Command{
		Use:   "webcodecs-container",
		Short: "Green screen compositing into fragmented MP4",
		Long: `webcodecs-container decodes a base clip and a green screen effect clip, keys the effect,
composites it over the base and writes the result as a fragmented MP4.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitLogger(verbose)
			if configFile != "" {
				if err := config.SetConfigFile(configFile); err != nil {
					return errors.Wrapf(err, "failed to load config %s", configFile)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flags.StringVar(&configFile, "config", "", "Config file (default searches ./config.yaml and the user config dir)")

	rootCmd.AddCommand(NewComposeCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewPresetCommand())
}
