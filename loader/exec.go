package loader

// This file contains a transformer that delegates to an external command.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
)

// ExecTransformer runs Command with the module file appended as the last
// argument and uses its stdout as the transformed code.
type ExecTransformer struct {
	Command []string
	// Root is joined with relative module ids to form the file argument
	Root   string
	Logger zerolog.Logger
}

// NewExecTransformer splits command into words the way a POSIX shell does,
// honoring quotes and backslash escapes. Variables are not expanded.
func NewExecTransformer(command, root string, logger zerolog.Logger) (*ExecTransformer, error) {
	fields, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("invalid transform command %q: %w", command, err)
	}
	if len(fields) == 0 {
		return nil, errors.New("empty transform command")
	}
	return &ExecTransformer{Command: fields, Root: root, Logger: logger}, nil
}

// CommandLine returns the shell-quoted command executed for id
func (t *ExecTransformer) CommandLine(id string) string {
	args := t.args(id)
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

func (t *ExecTransformer) args(id string) []string {
	file := id
	if !filepath.IsAbs(file) && t.Root != "" {
		file = filepath.Join(t.Root, filepath.FromSlash(id))
	}
	args := make([]string, 0, len(t.Command)+1)
	args = append(args, t.Command...)
	return append(args, file)
}

// Transform implements Transformer
func (t *ExecTransformer) Transform(ctx context.Context, id string) (*TransformResult, error) {
	args := t.args(id)

	t.Logger.Debug().
		Str("module", id).
		Str("command", t.CommandLine(id)).
		Msg("Running transform command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("transform command exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("failed to run transform command: %w", err)
	}

	return &TransformResult{Code: stdout.String()}, nil
}
