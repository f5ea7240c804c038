// Package supervisor coordinates launching a traced target process with
// the interceptor preloaded, publishing the shared control block, and
// waiting for every tracer instance in the resulting process tree to
// finish writing its trace.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/georgehodgkins/lktrace/internal/ctlshm"
	"github.com/georgehodgkins/lktrace/internal/liveness"
	"github.com/georgehodgkins/lktrace/internal/lklog"
)

// Config describes one supervised run.
type Config struct {
	// TargetPath is the absolute path to the target executable.
	TargetPath string
	// TargetArgs are arguments passed to the target.
	TargetArgs []string
	// PreloadPath is the absolute path to the built liblktrace shared
	// object, installed into the target's LD_PRELOAD.
	PreloadPath string
	// Prefix names the trace output files, matching the --prefix flag.
	Prefix string
	// TraceSkip is the additional stack-skip count, matching --skip-frames.
	TraceSkip uint32
	// SockPath overrides the instance-counting socket path (for tests).
	SockPath string
	// ShmName overrides the control block's shared-memory name (for tests).
	ShmName string
}

// Result reports the outcome of a supervised run.
type Result struct {
	ExitCode int
}

// reconcileGrace bounds how long Run waits for every connected tracer
// instance to disconnect on its own after the direct target process has
// exited, before forcing the liveness drain loop to stop.
const reconcileGrace = 5 * time.Second

// Run launches the target with the interceptor preloaded, waits for both
// the target process and every tracer instance's liveness connection to
// finish, and returns the target's exit code.
func Run(ctx context.Context, cfg Config) (Result, error) {
	workDir := filepath.Dir(cfg.TargetPath)

	sockPath := cfg.SockPath
	if sockPath == "" {
		sockPath = liveness.DefaultSockPath
	}
	shmName := cfg.ShmName
	if shmName == "" {
		shmName = ctlshm.Name
	}

	shm, err := ctlshm.Create(shmName, ctlshm.Control{
		TraceSkip:  cfg.TraceSkip,
		Prefix:     cfg.Prefix,
		WorkingDir: workDir,
		TargetDir:  workDir,
	})
	if err != nil {
		return Result{}, fmt.Errorf("supervisor: publishing control block: %w", err)
	}
	defer func() {
		shm.Close()
		shm.Unlink()
	}()

	live, err := liveness.Listen(sockPath)
	if err != nil {
		return Result{}, fmt.Errorf("supervisor: starting liveness socket: %w", err)
	}
	defer live.Close()

	cmd := exec.Command(cfg.TargetPath, cfg.TargetArgs...)
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Env = append(os.Environ(),
		"LD_PRELOAD="+cfg.PreloadPath,
		"LKTRACE_SOCK="+sockPath,
		"LKTRACE_SHM="+shmName,
	)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("supervisor: launching target: %w", err)
	}
	lklog.Info("launched traced target", "path", cfg.TargetPath, "pid", cmd.Process.Pid)

	g, gctx := errgroup.WithContext(ctx)
	liveCtx, cancelLive := context.WithCancel(gctx)
	defer cancelLive()

	g.Go(func() error {
		return live.Run(liveCtx)
	})
	g.Go(func() error {
		err := cmd.Wait()
		// The direct target process has exited, but fork+exec grandchildren
		// that also linked the interceptor may still be running and have
		// their own liveness connections open -- the whole point of the
		// socket is to track those, not just the direct child. If no
		// instance ever connected at all (the target never loaded the
		// interceptor, e.g. a static binary or a misconfigured LD_PRELOAD),
		// there is nothing left to wait for, so cancel immediately. Once an
		// instance has connected, give the drain loop a bounded grace
		// period to notice every remaining instance disconnect on its own
		// before forcing the issue, so a half-closed socket losing the
		// race against process reaping cannot hang the supervisor.
		if !live.SawInstance() {
			cancelLive()
		} else {
			go func() {
				timer := time.NewTimer(reconcileGrace)
				defer timer.Stop()
				select {
				case <-timer.C:
					cancelLive()
				case <-liveCtx.Done():
				}
			}()
		}
		if err != nil {
			if _, ok := err.(*exec.ExitError); ok {
				return nil
			}
			return err
		}
		return nil
	})

	waitErr := g.Wait()
	if waitErr != nil && waitErr != context.Canceled {
		lklog.Warn("supervisor wait group error", "error", waitErr)
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return Result{ExitCode: exitCode}, nil
}

// waitForSocket polls until path exists or the timeout elapses, used by
// tests that need to know the supervisor's control plane is ready before
// launching a fake tracer instance.
func waitForSocket(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
