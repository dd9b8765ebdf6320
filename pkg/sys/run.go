// Package sys runs external commands and captures their output.
package sys

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PrefixEnv names the environment variable holding an optional wrapper
// command (e.g. icecc or distcc) that is prepended to compiler invocations.
const PrefixEnv = "COMPCACHE_PREFIX"

// RunResult holds the captured output of an external command.
type RunResult struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the program exit code (zero for success).
	ExitCode int
}

// RunOptions controls how a command is executed.
type RunOptions struct {
	// WorkDir sets the working directory during execution. Empty means the
	// current working directory of this process.
	WorkDir string

	// Quiet suppresses forwarding of the command output to this process'
	// stdout/stderr. Output is captured in the RunResult either way.
	Quiet bool
}

// Run executes the given command (args[0] is the program) and captures its
// output. A non-zero exit code is not an error; the caller inspects
// RunResult.ExitCode. An error is returned only when the command could not be
// started at all.
func Run(ctx context.Context, args []string, opts RunOptions) (*RunResult, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}

	log.Debug().Strs("cmd", args).Str("work_dir", opts.WorkDir).Msg("running command")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = opts.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrapf(err, "unable to run %s", args[0])
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if !opts.Quiet {
		_, _ = os.Stdout.WriteString(result.Stdout)
		_, _ = os.Stderr.WriteString(result.Stderr)
	}

	log.Debug().Int("exit_code", result.ExitCode).Msg("command finished")
	return result, nil
}

// RunWithPrefix behaves like Run but prepends the wrapper command named by
// COMPCACHE_PREFIX, when set. This mirrors how the real compiler would have
// been invoked without caching. The prefix is tokenized with shell quoting
// rules, so wrapper commands carrying their own flags ("icecc -v") work.
func RunWithPrefix(ctx context.Context, args []string, opts RunOptions) (*RunResult, error) {
	if prefix := os.Getenv(PrefixEnv); prefix != "" {
		tokens, err := shlex.Split(prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse %s", PrefixEnv)
		}
		args = append(tokens, args...)
	}
	return Run(ctx, args, opts)
}
