package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"configurator/internal/naming"
	"configurator/internal/params"
)

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [FILE]",
		Short: "Print the cache key of a parameter set",
		Long: `Reads a parameter set document from FILE (or stdin) and prints the cache
key the gateway would use for it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			set, err := params.Parse(raw)
			if err != nil {
				return fmt.Errorf("parse parameters: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), params.Hash(set))
			return nil
		},
	}
}

func newMasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "masks PROJECT",
		Short: "Print the blob name prefixes owned by a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := naming.ValidateProjectName(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), naming.ProjectObjectName(args[0]))
			for _, m := range naming.ProjectMasks(args[0]) {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}
