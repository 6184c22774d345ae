package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and wires every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createWorkerCommand(globalFlags),
		createRunJobCommand(globalFlags),
		createSourcesCommand(globalFlags),
		createStreamsCommand(globalFlags),
		createControlCommand(globalFlags, controlStart),
		createControlCommand(globalFlags, controlStop),
		createControlCommand(globalFlags, controlRestart),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "streamvisor",
		Short: "Camera stream supervisor",
		Long: `Streamvisor keeps camera pipelines running: a relay container per
source, an ffmpeg feeder pushing into it and the optional HLS, record,
frame reader and snapshot subprocesses pulling from it.

Examples:
  streamvisor serve --config=/etc/streamvisor.toml
  streamvisor sources add --id=cam-1 --address=rtsp://10.0.0.5/live
  streamvisor start cam-1
  streamvisor streams list`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}
