// Command zsr builds and inspects zsr archives: read-optimized,
// memory-mappable containers pairing a directory tree with a title search
// index (see the go-zsr/zsr package).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-zsr/zsr"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zsr",
		Short: "Build and inspect zsr archives",
	}

	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newExtractCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newListCmd())

	err := rootCmd.Execute()
	// Run cleanup before any os.Exit, which would skip deferred calls.
	if cerr := zsr.RunAtExit(); cerr != nil {
		fmt.Fprintln(os.Stderr, "zsr: cleanup:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "zsr:", err)
		os.Exit(1)
	}
}
