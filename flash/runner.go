// Package flash implements the four pipeline stage executors: Write,
// Verify, Expand and Resize.
//
// Each executor is a blocking worker meant to run off the scheduling
// path. Copy and post-processing work is delegated to external tools
// (dd or ddrescue, growpart, e2fsck/resize2fs); the executors drive the
// processes, parse their diagnostic output into progress updates, and
// honour two cancellation channels: the per-job kill signal (terminates
// the child process tree) and the passed context.
package flash

import (
	"context"
	"os/exec"

	"github.com/jesseduffield/kill"
	"github.com/sirupsen/logrus"

	janus "github.com/maksidze/janus"
)

// UpdateFunc receives incremental progress reports from an executor.
type UpdateFunc func(janus.StageUpdate)

// LogFunc receives one diagnostic line for the job's log tail.
type LogFunc func(line string)

// Config tunes the runner.
type Config struct {
	// BlockSize is the dd transfer block size. Defaults to 4M.
	BlockSize string

	// RescueWriter selects ddrescue instead of dd for raw images,
	// useful on worn-out media where dd would abort on the first bad
	// block. Compressed images always go through the decompressor|dd
	// pipe regardless.
	RescueWriter bool
}

// Runner executes flash pipeline stages.
type Runner struct {
	cfg    Config
	logger logrus.FieldLogger

	// command builds child processes; output/run execute short-lived
	// discovery and post-processing tools. All three are injectable so
	// tests can substitute fakes for the real system tools.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
	output  func(ctx context.Context, name string, args ...string) ([]byte, error)
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewRunner creates a stage runner.
func NewRunner(cfg Config, logger logrus.FieldLogger) *Runner {
	if cfg.BlockSize == "" {
		cfg.BlockSize = "4M"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		cfg:     cfg,
		logger:  logger.WithField("component", "flash"),
		command: exec.CommandContext,
		output: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// killProcess terminates a child and its process tree. Used when the
// kill signal fires mid-copy; the stage then reports failure without a
// retry obligation.
func (r *Runner) killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := kill.Kill(cmd); err != nil {
		r.logger.WithError(err).Warn("failed to kill child process")
	}
}

// killed reports whether the kill signal has fired.
func killed(killSig <-chan struct{}) bool {
	select {
	case <-killSig:
		return true
	default:
		return false
	}
}
