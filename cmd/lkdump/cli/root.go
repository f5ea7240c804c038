// Package cli implements the lkdump command-line interface: root.go
// carries the command definition and shared flags, dump.go holds the
// RunE body and the pattern-store plumbing.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	outPath    string
	minDepth   int
	showThread bool
	showPat    bool
	showPatTxt bool
	showGlobal bool
	storePath  string
)

var rootCmd = &cobra.Command{
	Use:   "lkdump [-o FILE] [-d MIN_DEPTH] [--threads] [--patterns] [--patterns-text] [--global] [--store PATH] TRACE_FILE",
	Short: "Parse and analyze an lktrace trace file",
	Long: `lkdump loads a trace file produced by lktrace, reconstructs the
per-thread, per-object, and globally time-ordered event streams, and
discovers recurring critical-section patterns. At least one of
--threads, --patterns, --patterns-text, or --global is required.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runDump,
}

func init() {
	rootCmd.Flags().StringVarP(&outPath, "output", "o", "", "write output to FILE instead of stdout")
	rootCmd.Flags().IntVarP(&minDepth, "min-depth", "d", 1, "minimum lock-nesting depth for a pattern to be reported")
	rootCmd.Flags().BoolVar(&showThread, "threads", false, "dump per-thread event streams")
	rootCmd.Flags().BoolVar(&showPat, "patterns", false, "dump cross-thread patterns with statistics")
	rootCmd.Flags().BoolVar(&showPatTxt, "patterns-text", false, "dump per-thread signature list")
	rootCmd.Flags().BoolVar(&showGlobal, "global", false, "dump the globally merged timeline")
	rootCmd.Flags().StringVar(&storePath, "store", "", "accumulate discovered cross-thread patterns into a sqlite database at PATH")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
