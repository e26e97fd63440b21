package main

import (
	"errors"
	"fmt"

	"github.com/example/go-attnbench/internal/config"
	"github.com/example/go-attnbench/internal/kernels"
	"github.com/example/go-attnbench/internal/probe"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Probe the host and report which implementations can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			stdout := cmd.OutOrStdout()

			report, err := probe.Detect(probeConfig(cfg))
			if err != nil {
				return err
			}

			probe.Print(report, stdout)

			reg := kernels.Build(report, kernels.Options{BlockSize: cfg.Kernels.BlockSize, Workers: cfg.Device.Workers})
			defer reg.Close()

			_, _ = fmt.Fprintf(stdout, "%s implementations: %d available\n", probe.PassMark, reg.Len())
			for _, name := range reg.Names() {
				_, _ = fmt.Fprintf(stdout, "    %s\n", name)
			}

			result := probe.Check(report, requestedCapabilities(cfg))
			if result.Failed() {
				for _, f := range result.Failures() {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(stdout, "doctor checks passed")

			return nil
		},
	}
}

// requestedCapabilities lists what the configuration explicitly asks for.
// Capabilities the host merely lacks are not failures.
func requestedCapabilities(cfg config.Config) []probe.Capability {
	var req []probe.Capability

	if cfg.Kernels.ORTModelPath != "" {
		req = append(req, probe.ONNXRuntime)
	}

	return req
}
