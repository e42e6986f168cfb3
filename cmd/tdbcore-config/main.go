// Command tdbcore-config prints build configuration for embedding
// tdbcore into another program, mirroring the autoconf-style *-config
// tools spec.md §6 describes as the engine's external CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	moduleVersion = "0.1.0"
	defaultPrefix = "/usr/local"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var prefix string

	root := &cobra.Command{
		Use:           "tdbcore-config",
		Short:         "Print build flags and paths for embedding tdbcore",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&prefix, "prefix", defaultPrefix, "installation prefix")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the module version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), moduleVersion)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cflags",
		Short: "Print compiler flags for consuming tdbcore's C ABI shim",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "-I%s/include\n", prefix)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "libs",
		Short: "Print linker flags for consuming tdbcore's C ABI shim",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "-L%s/lib -ltdbcore\n", prefix)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "includedir",
		Short: "Print the header installation directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s/include\n", prefix)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "libdir",
		Short: "Print the library installation directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s/lib\n", prefix)
			return nil
		},
	})

	return root
}
