package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MaxtuneLee/webcodecs-container/config"
	"github.com/MaxtuneLee/webcodecs-container/internal/server"
	"github.com/MaxtuneLee/webcodecs-container/internal/util"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the export HTTP server",
		Long: `Run an HTTP server that accepts base and effect uploads and streams the
composited MP4 back while it is produced. Exports are also available over WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = config.GetServerAddr()
			}
			return runServe(addr)
		},
		Example: `  # Listen on the configured address
  webcodecs-container serve

  # Upload two clips and save the result
  curl -F base=@base.mp4 -F effect=@effect.mp4 -F similarity=0.2 http://127.0.0.1:29890/v1/exports -o out.mp4`,
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.addr)")

	return cmd
}

func runServe(addr string) error {
	logger := util.GetLogger()

	keyCfg, err := configKeying()
	if err != nil {
		return err
	}
	opts, err := exportOptions(keyCfg, configOutput())
	if err != nil {
		return err
	}

	srv := server.NewExportServer(addr, opts)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", "signal", sig.String())
		if err := srv.Stop(); err != nil {
			return err
		}
		return <-errChan
	}
}
