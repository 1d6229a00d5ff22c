package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmkernel/hooking"
	"github.com/sarchlab/vmkernel/kernel"
	"github.com/sarchlab/vmkernel/monitoring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workload on one kernel with the HTTP monitor.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := configFromFlags(cmd.Flags())
		if err != nil {
			return err
		}

		port, _ := cmd.Flags().GetInt("port")
		open, _ := cmd.Flags().GetBool("open")
		hold, _ := cmd.Flags().GetBool("hold")

		return serve(cmd.Context(), cfg, port, open, hold)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "monitor port, random if zero")
	serveCmd.Flags().Bool("open", false, "open the monitor in a browser")
	serveCmd.Flags().Bool("hold", false,
		"keep serving after the workload ends until interrupted")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config, port int, open, hold bool) error {
	logger, err := cfg.logger()
	if err != nil {
		return err
	}

	k, err := cfg.builder(0).
		WithLogger(logger).
		WithOutput(os.Stdout).
		Build("kernel")
	if err != nil {
		return err
	}
	defer k.Close()

	m := monitoring.NewMonitor(k).WithPortNumber(port)
	if open {
		m = m.WithBrowser()
	}

	bar := m.CreateProgressBar("processes", uint64(cfg.Workload.Processes))
	k.AcceptHook(hooking.At(func(hooking.HookCtx) {
		bar.IncrementFinished(1)
	}, kernel.HookPosProcessExit))

	if _, err := m.StartServer(); err != nil {
		return err
	}

	res, err := k.RunWorkload(cfg.Workload)
	if err != nil {
		return err
	}

	fmt.Printf("%d processes exited, %d faults, %d swap outs\n",
		len(res.Exits), res.Stats.VM.Faults, res.Stats.VM.SwapOuts)

	if !hold {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	fmt.Fprintln(os.Stderr, "Workload done, press Ctrl-C to stop serving")
	<-ctx.Done()

	return nil
}
