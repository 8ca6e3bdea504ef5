package main

import (
	"github.com/spf13/cobra"

	"github.com/go-zsr/zsr"
)

func newExtractCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "extract <src.archive> [member_path]",
		Short: "Extract an archive, or one member of it, to disk",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := zsr.Open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			memberPath := ""
			if len(args) == 2 {
				memberPath = args[1]
			}
			n, err := a.Resolve(memberPath)
			if err != nil {
				return err
			}

			ctx, cancel := zsr.InterruptibleContext()
			defer cancel()
			return a.Extract(ctx, n, outDir)
		},
	}

	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "directory to extract into")
	return cmd
}
