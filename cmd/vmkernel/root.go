package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "vmkernel",
	Short: "vmkernel runs paging workloads on a simulated kernel.",
	Long: `vmkernel boots a simulated single-core kernel with demand paging, ` +
		`swap and memory-mapped files, and runs a synthetic workload that ` +
		`checks every byte it reads back.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "TOML configuration file")
	pf.String("env-file", ".env", "file with VMKERNEL_* variables")
	pf.Int("frames", 0, "number of physical frames")
	pf.Uint64("swap-slots", 0, "swap capacity in pages")
	pf.String("swap-file", "", "store swap in this host file")
	pf.Bool("mlfqs", false, "use the multi-level feedback queue scheduler")
	pf.String("log-level", "", "log level")
	pf.String("record", "", "record paging events to this SQLite database")
	pf.Int("processes", 0, "number of processes")
	pf.Int("accesses", 0, "memory accesses per process")
	pf.Int64("seed", 0, "workload seed")
}

// configFromFlags loads the configuration and applies the flags the user
// set on top of it.
func configFromFlags(flags *pflag.FlagSet) (config, error) {
	path, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")

	cfg, err := loadConfig(path, envFile)
	if err != nil {
		return cfg, err
	}

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "frames":
			cfg.Kernel.Frames, _ = flags.GetInt(f.Name)
		case "swap-slots":
			cfg.Kernel.SwapSlots, _ = flags.GetUint64(f.Name)
		case "swap-file":
			cfg.Kernel.SwapFile, _ = flags.GetString(f.Name)
		case "mlfqs":
			cfg.Kernel.MLFQS, _ = flags.GetBool(f.Name)
		case "log-level":
			cfg.LogLevel, _ = flags.GetString(f.Name)
		case "record":
			cfg.Record, _ = flags.GetString(f.Name)
		case "processes":
			cfg.Workload.Processes, _ = flags.GetInt(f.Name)
		case "accesses":
			cfg.Workload.Accesses, _ = flags.GetInt(f.Name)
		case "seed":
			cfg.Workload.Seed, _ = flags.GetInt64(f.Name)
		case "repeat":
			cfg.Repeat, _ = flags.GetInt(f.Name)
		case "parallel":
			cfg.Parallel, _ = flags.GetInt(f.Name)
		}
	})

	return cfg, nil
}
