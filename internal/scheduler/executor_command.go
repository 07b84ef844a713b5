package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

// maxCapturedOutput caps how much process output is stored per execution.
const maxCapturedOutput = 64 * 1024

// Command runs the shell command line in the payload's "command" field.
// Disabled unless explicitly enabled in config; jobs from the API can name
// arbitrary binaries.
type Command struct {
	// WorkDir is the working directory for spawned processes. Empty means
	// the server's.
	WorkDir string
}

func NewCommand(workDir string) *Command {
	return &Command{WorkDir: workDir}
}

type commandPayload struct {
	Command string `json:"command"`
}

func (c *Command) Execute(ctx context.Context, job *store.Job) (*Result, error) {
	var p commandPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("command payload: %w", err)
	}
	argv, err := shellwords.Parse(p.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command payload: command is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxCapturedOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxCapturedOutput}

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	out, _ := json.Marshal(map[string]any{
		"exitCode": exitCode,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
	})
	if exitCode != 0 {
		return &Result{Output: out}, fmt.Errorf("command exited with code %d: %s",
			exitCode, firstLine(stderr.String()))
	}
	return &Result{Output: out}, nil
}

type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if remaining := lw.n - lw.w.Len(); remaining > 0 {
		if len(p) > remaining {
			lw.w.Write(p[:remaining])
		} else {
			lw.w.Write(p)
		}
	}
	// report full writes so the process never sees a pipe error
	return len(p), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
