package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/kernel"
	"github.com/sarchlab/vmkernel/sched"
)

// kernelConfig is the [kernel] table of the configuration file.
type kernelConfig struct {
	Frames      int    `toml:"frames"`
	SwapSlots   uint64 `toml:"swap_slots"`
	SwapFile    string `toml:"swap_file"`
	PageSize    uint64 `toml:"page_size"`
	LazyFrames  bool   `toml:"lazy_frames"`
	MLFQS       bool   `toml:"mlfqs"`
	TimeSlice   int    `toml:"time_slice"`
	DiskLatency int    `toml:"disk_latency"`
	FileLatency int    `toml:"file_latency"`
}

type config struct {
	Kernel   kernelConfig    `toml:"kernel"`
	Workload kernel.Workload `toml:"workload"`
	LogLevel string          `toml:"log_level"`
	Record   string          `toml:"record"`
	Repeat   int             `toml:"repeat"`
	Parallel int             `toml:"parallel"`
}

func defaultConfig() config {
	return config{
		Kernel: kernelConfig{
			Frames:    64,
			SwapSlots: 256,
			PageSize:  4096,
			TimeSlice: 4,
		},
		Workload: kernel.DefaultWorkload(),
		LogLevel: "warning",
		Repeat:   1,
		Parallel: 4,
	}
}

// loadConfig reads the TOML file at path, if any, on top of the defaults and
// then applies VMKERNEL_* variables from the environment and from envFile.
// Variables set in the environment win over the file.
func loadConfig(path, envFile string) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	env := map[string]string{}
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("reading %s: %w", envFile, err)
		}

		for k, v := range fileEnv {
			env[k] = v
		}
	}

	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}

	if err := cfg.applyEnv(env); err != nil {
		return cfg, err
	}

	return cfg, nil
}

const (
	envFrames    = "VMKERNEL_FRAMES"
	envSwapSlots = "VMKERNEL_SWAP_SLOTS"
	envSwapFile  = "VMKERNEL_SWAP_FILE"
	envMLFQS     = "VMKERNEL_MLFQS"
	envLogLevel  = "VMKERNEL_LOG_LEVEL"
	envRecord    = "VMKERNEL_RECORD"
	envSeed      = "VMKERNEL_SEED"
)

var envKeys = []string{
	envFrames, envSwapSlots, envSwapFile, envMLFQS, envLogLevel, envRecord,
	envSeed,
}

func (c *config) applyEnv(env map[string]string) error {
	var err error
	for key, v := range env {
		switch key {
		case envFrames:
			c.Kernel.Frames, err = strconv.Atoi(v)
		case envSwapSlots:
			c.Kernel.SwapSlots, err = strconv.ParseUint(v, 10, 64)
		case envSwapFile:
			c.Kernel.SwapFile = v
		case envMLFQS:
			c.Kernel.MLFQS, err = strconv.ParseBool(v)
		case envLogLevel:
			c.LogLevel = v
		case envRecord:
			c.Record = v
		case envSeed:
			c.Workload.Seed, err = strconv.ParseInt(v, 10, 64)
		}

		if err != nil {
			return fmt.Errorf("%s=%q: %w", key, v, err)
		}
	}

	return nil
}

func (c config) logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)

	return logger, nil
}

// builder returns a kernel builder for the i-th kernel of a run.
func (c config) builder(i int) kernel.Builder {
	kc := c.Kernel

	b := kernel.MakeBuilder().
		WithNumFrames(kc.Frames).
		WithSwapSlots(kc.SwapSlots).
		WithPageSize(kc.PageSize).
		WithTimeSlice(kc.TimeSlice).
		WithDiskLatency(kc.DiskLatency).
		WithFileLatency(kc.FileLatency)

	if kc.MLFQS {
		b = b.WithMode(sched.MLFQS)
	}

	if kc.LazyFrames {
		b = b.WithLazyFrames()
	}

	if kc.SwapFile != "" {
		path := kc.SwapFile
		if c.Repeat > 1 {
			path = fmt.Sprintf("%s.%d", path, i)
		}

		b = b.WithSwapFile(path)
	}

	return b
}
