package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/example/go-attnbench/internal/bench/stageprof"
	"github.com/example/go-attnbench/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	activeCfg   config.Config
	loaded      bool
	stopProfile func() error
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	var (
		cpuProfile string
		filter     runFilter
	)

	cmd := &cobra.Command{
		Use:           "attnbench",
		Short:         "Benchmark attention kernels across a workload matrix",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			activeCfg = cfg
			loaded = true
			setupLogger(cfg.LogLevel)

			if cpuProfile != "" {
				stop, err := stageprof.StartCPU(cpuProfile)
				if err != nil {
					return err
				}

				stopProfile = stop
			}

			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return stopCPUProfile()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runBenchmark(cmd.Context(), cfg, filter, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	cmd.PersistentFlags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile labelled by kernel, configuration and phase")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)
	filter.register(cmd)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newMatrixCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newExportInputsCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := config.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if !loaded {
		return config.Config{}, errors.New("configuration not loaded")
	}

	return activeCfg, nil
}

// stopCPUProfile flushes a running CPU profile. Post-run hooks are skipped
// when a command fails, so main calls it as well.
func stopCPUProfile() error {
	if stopProfile == nil {
		return nil
	}

	stop := stopProfile
	stopProfile = nil

	return stop()
}
