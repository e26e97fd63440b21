package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newMatrixCmd() *cobra.Command {
	var asTOML bool

	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Print the resolved workload matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			m, err := loadMatrix(cfg)
			if err != nil {
				return err
			}

			if asTOML {
				return m.Encode(cmd.OutOrStdout())
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tBATCH\tQUERY\tKV\tSCENARIO")

			for _, c := range m.Configs() {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", c.Name, c.Batch, c.QueryLen, c.KV(), c.Scenario)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asTOML, "toml", false, "Print as a TOML matrix file")

	return cmd
}
