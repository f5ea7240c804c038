// Package cli implements the lktrace command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/georgehodgkins/lktrace/internal/lklog"
	"github.com/georgehodgkins/lktrace/internal/supervisor"
)

var (
	prefix     string
	skipFrames int
	verbose    bool
	preload    string
)

var rootCmd = &cobra.Command{
	Use:   "lktrace [-f PREFIX] [-d N] -- TARGET [TARGET_ARGS...]",
	Short: "Trace POSIX thread synchronization activity in a target program",
	Long: `lktrace launches TARGET with the lktrace interceptor preloaded ahead
of the system threading library, records every mutex, condition-variable,
and thread lifecycle event the target's threads perform, and writes one
trace file per traced process on exit.`,
	Args:                  cobra.MinimumNArgs(1),
	DisableFlagsInUseLine: true,
	SilenceUsage:          true,
	RunE:                  runSupervise,
}

func init() {
	rootCmd.Flags().StringVarP(&prefix, "prefix", "f", "lktracedat", "output filename prefix (trace files are PREFIX-<pid>)")
	rootCmd.Flags().IntVarP(&skipFrames, "skip-frames", "d", 0, "additional stack frames to skip past user-space wrappers")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging to stderr")
	rootCmd.Flags().StringVar(&preload, "preload", "", "path to the liblktrace shared object (default: alongside this binary, or $LKTRACE_PRELOAD)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runSupervise(cmd *cobra.Command, args []string) error {
	if err := lklog.Init(lklog.Options{Verbose: verbose}); err != nil {
		fmt.Fprintf(os.Stderr, "lktrace: warning: failed to initialize logging: %v\n", err)
	}

	targetPath, err := resolveTarget(args[0])
	if err != nil {
		return err
	}

	preloadPath, err := resolvePreload()
	if err != nil {
		return err
	}

	_, err = supervisor.Run(context.Background(), supervisor.Config{
		TargetPath:  targetPath,
		TargetArgs:  args[1:],
		PreloadPath: preloadPath,
		Prefix:      prefix,
		TraceSkip:   uint32(skipFrames),
	})
	if err != nil {
		return err
	}
	// The target's own exit status is not the supervisor's: lktrace's
	// exit code reflects clean supervisor teardown only.
	return nil
}

// resolveTarget turns the user-supplied target into an absolute path:
// a bare name is looked up on PATH, anything containing a separator is
// made absolute relative to the working directory.
func resolveTarget(target string) (string, error) {
	if filepath.Base(target) != target {
		abs, err := filepath.Abs(target)
		if err != nil {
			return "", fmt.Errorf("resolving target path %q: %w", target, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("target %q: %w", target, err)
		}
		return abs, nil
	}
	path, err := exec.LookPath(target)
	if err != nil {
		return "", fmt.Errorf("resolving target %q on PATH: %w", target, err)
	}
	return path, nil
}

// resolvePreload locates the built liblktrace shared object: an explicit
// LKTRACE_PRELOAD environment variable wins, otherwise it is expected
// alongside the lktrace binary itself (the install layout produced by
// building both cmd/lktrace and cmd/liblktrace into the same bin/ dir).
func resolvePreload() (string, error) {
	if preload != "" {
		return filepath.Abs(preload)
	}
	if env := os.Getenv("LKTRACE_PRELOAD"); env != "" {
		return filepath.Abs(env)
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating liblktrace.so: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), "liblktrace.so")
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("liblktrace.so not found next to lktrace binary (set LKTRACE_PRELOAD): %w", err)
	}
	return candidate, nil
}
