package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgehodgkins/lktrace/internal/runid"
	"github.com/georgehodgkins/lktrace/internal/traceparse"
)

func runDump(cmd *cobra.Command, args []string) error {
	if !showThread && !showPat && !showPatTxt && !showGlobal {
		return fmt.Errorf("at least one of --threads, --patterns, --patterns-text, --global is required")
	}

	tracePath := args[0]
	t, err := traceparse.Parse(tracePath)
	if err != nil {
		return fmt.Errorf("parsing trace: %w", err)
	}

	out := io.Writer(os.Stdout)
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if showThread {
		if err := traceparse.DumpThreads(out, t); err != nil {
			return fmt.Errorf("dumping threads: %w", err)
		}
	}
	if showGlobal {
		if err := traceparse.DumpGlobal(out, t); err != nil {
			return fmt.Errorf("dumping global timeline: %w", err)
		}
	}
	if showPatTxt {
		perThread := traceparse.FindPerThreadPatterns(t)
		if err := traceparse.DumpPerThreadPatterns(out, t, perThread, minDepth); err != nil {
			return fmt.Errorf("dumping per-thread patterns: %w", err)
		}
	}

	var cross map[string]*traceparse.CrossPattern
	if showPat || storePath != "" {
		cross = traceparse.FindCrossThreadPatterns(t, minDepth)
	}
	if showPat {
		traceparse.DumpCrossPatterns(out, t, cross)
	}

	if storePath != "" {
		if err := recordPatterns(storePath, t, cross); err != nil {
			return fmt.Errorf("recording to pattern store: %w", err)
		}
	}

	return nil
}

// recordPatterns persists this run's discovered cross-thread patterns
// into the sqlite-backed PatternStore at path.
func recordPatterns(path string, t *traceparse.Trace, cross map[string]*traceparse.CrossPattern) error {
	store, err := traceparse.OpenPatternStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	runID := runid.Generate("lkdump")
	return store.Record(runID, t, cross, time.Now())
}
