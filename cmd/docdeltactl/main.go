package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "docdeltactl",
		Short:        "Operator tooling for the docdelta summarization pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(sweepCMD(), replayCMD(), statusCMD(), readinessCMD(), tokenCMD())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
