package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/go-attnbench/internal/config"
	"github.com/example/go-attnbench/internal/device"
	"github.com/example/go-attnbench/internal/inputs"
	"github.com/example/go-attnbench/internal/matrix"
	"github.com/example/go-attnbench/internal/runtime/tensor"
	"github.com/example/go-attnbench/internal/safetensors"
	"github.com/spf13/cobra"
)

func newExportInputsCmd() *cobra.Command {
	var (
		configName string
		outPath    string
		layoutName string
	)

	cmd := &cobra.Command{
		Use:   "export-inputs",
		Short: "Write the Q/K/V inputs a run would use for one configuration as safetensors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if configName == "" || outPath == "" {
				return errors.New("--config-name and --out are required")
			}

			layout, err := parseLayout(layoutName)
			if err != nil {
				return err
			}

			m, err := loadMatrix(cfg)
			if err != nil {
				return err
			}

			target, ok := m.Lookup(configName)
			if !ok {
				return fmt.Errorf("no configuration named %q", configName)
			}

			triple, err := exportTriple(cfg, m, target, layout)
			if err != nil {
				return err
			}
			defer triple.Release()

			meta := map[string]string{
				"config":   target.Name,
				"scenario": string(target.Scenario),
				"batch":    strconv.Itoa(target.Batch),
				"query":    strconv.Itoa(target.QueryLen),
				"kv":       strconv.Itoa(target.KV()),
				"heads":    strconv.Itoa(cfg.Bench.Heads),
				"head_dim": strconv.Itoa(cfg.Bench.HeadDim),
				"seed":     strconv.FormatUint(cfg.Bench.Seed, 10),
				"layout":   layout.String(),
			}

			tensors := []safetensors.HalfTensor{
				halfTensor("q", triple.Q),
				halfTensor("k", triple.K),
				halfTensor("v", triple.V),
			}

			if err := safetensors.WriteHalfFile(outPath, tensors, meta); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s inputs for %q to %s\n", layout, target.Name, outPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&configName, "config-name", "", "Configuration to export (by name)")
	cmd.Flags().StringVar(&outPath, "out", "", "Output .safetensors path")
	cmd.Flags().StringVar(&layoutName, "layout", "bshd", "Tensor layout (bshd|bhsd)")

	return cmd
}

// exportTriple replays the seeded stream through every configuration before
// target, so the exported values match those a full run benchmarks.
func exportTriple(cfg config.Config, m *matrix.Matrix, target matrix.Configuration, layout tensor.Layout) (*inputs.Triple, error) {
	dtype, err := tensor.ParseDType(cfg.Bench.DType)
	if err != nil {
		return nil, err
	}

	f := inputs.NewFactory(device.NewMemory(0), inputs.Shape{Heads: cfg.Bench.Heads, HeadDim: cfg.Bench.HeadDim}, dtype, cfg.Bench.Seed)

	for _, c := range m.Configs() {
		set, err := f.Generate(c, layout)
		if err != nil {
			return nil, fmt.Errorf("generate %q: %w", c.Name, err)
		}

		if c.Name != target.Name {
			set.Release()
			continue
		}

		t, _ := set.For(layout)

		return t, nil
	}

	return nil, fmt.Errorf("no configuration named %q", target.Name)
}

func parseLayout(s string) (tensor.Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bshd":
		return tensor.LayoutBSHD, nil
	case "bhsd":
		return tensor.LayoutBHSD, nil
	default:
		return 0, fmt.Errorf("unknown layout %q (want bshd|bhsd)", s)
	}
}

func halfTensor(name string, h *tensor.Half) safetensors.HalfTensor {
	return safetensors.HalfTensor{Name: name, Shape: h.Shape(), Data: h.RawData()}
}
