package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/vmkernel/datarecording"
	"github.com/sarchlab/vmkernel/kernel"
	"github.com/sarchlab/vmkernel/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workload on one or more independent kernels.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := configFromFlags(cmd.Flags())
		if err != nil {
			return err
		}

		return runKernels(cfg, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().Int("repeat", 1, "number of kernels to run")
	runCmd.Flags().Int("parallel", 4, "kernels to run at the same time")
	rootCmd.AddCommand(runCmd)
}

type runOutput struct {
	console bytes.Buffer
	res     kernel.Result
	summary *tracing.SummaryTracer
}

// runKernels runs cfg.Repeat kernels, at most cfg.Parallel at a time, and
// prints their reports in order.
func runKernels(cfg config, out io.Writer) error {
	outputs := make([]*runOutput, max(cfg.Repeat, 1))

	var g errgroup.Group
	g.SetLimit(max(cfg.Parallel, 1))

	for i := range outputs {
		outputs[i] = &runOutput{summary: tracing.NewSummaryTracer()}

		g.Go(func() error {
			return runOne(cfg, i, outputs[i])
		})
	}

	err := g.Wait()

	for i, o := range outputs {
		if o.res.Stats.RunID == "" {
			continue
		}

		fmt.Fprintf(out, "== kernel %d (%s)\n", i, o.res.Stats.RunID)
		_, _ = out.Write(o.console.Bytes())
		report(out, o)
	}

	return err
}

func runOne(cfg config, i int, o *runOutput) error {
	logger, err := cfg.logger()
	if err != nil {
		return err
	}

	k, err := cfg.builder(i).
		WithLogger(logger).
		WithOutput(&o.console).
		Build(fmt.Sprintf("kernel%d", i))
	if err != nil {
		return err
	}
	defer k.Close()

	tracing.CollectTrace(k.VM(), k.Scheduler(), o.summary)

	if cfg.Record != "" {
		path := cfg.Record
		if cfg.Repeat > 1 {
			path = fmt.Sprintf("%s_%d", path, i)
		}

		rec, err := datarecording.New(path)
		if err != nil {
			return err
		}
		defer rec.Close()

		tracing.CollectTrace(k.VM(), k.Scheduler(), tracing.NewDBTracer(rec))
	}

	o.res, err = k.RunWorkload(cfg.Workload)
	if err != nil {
		return fmt.Errorf("kernel %d: %w", i, err)
	}

	return nil
}

func report(out io.Writer, o *runOutput) {
	st := o.res.Stats
	fmt.Fprintf(out,
		"faults %d, zero fills %d, file reads %d, shared hits %d, "+
			"stack growths %d\n",
		st.VM.Faults, st.VM.ZeroFills, st.VM.FileReads, st.VM.SharedHits,
		st.VM.StackGrowths)
	fmt.Fprintf(out,
		"swap outs %d, swap ins %d, write-backs %d, drops %d, "+
			"fatal faults %d\n",
		st.VM.SwapOuts, st.VM.SwapIns, st.VM.WriteBacks, st.VM.Drops,
		st.VM.FatalFaults)

	for _, p := range o.summary.Processes() {
		fmt.Fprintf(out, "  %s:", p)
		for _, kind := range o.summary.Kinds() {
			if n := o.summary.Count(p, kind); n > 0 {
				fmt.Fprintf(out, " %s=%d", kind, n)
			}
		}
		fmt.Fprintln(out)
	}
}
