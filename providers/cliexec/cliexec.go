// Package cliexec runs provider CLIs (gcloud, az) with JSON output and
// classifies their failures into the provider error taxonomy.
package cliexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ruteri/cvmctl/credentials"
	"github.com/ruteri/cvmctl/interfaces"
)

// Runner executes a command and returns its stdout. Errors carry stderr.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// ExitError is returned when the command ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, msg)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	log *slog.Logger
}

// NewExecRunner creates a runner logging to log.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

func (r *ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	r.log.Debug("Executed provider command",
		slog.String("command", name),
		slog.String("args", strings.Join(args, " ")),
		slog.Duration("duration", time.Since(start)),
		"err", err)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Command: name, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// CLI runs one provider CLI binary.
type CLI struct {
	Binary   string
	Provider interfaces.ProviderKind
	Runner   Runner
	// Env is appended to every invocation, typically resolved credentials.
	Env []string
}

// New creates a CLI wrapper.
func New(binary string, provider interfaces.ProviderKind, runner Runner, creds *credentials.Credentials) *CLI {
	return &CLI{Binary: binary, Provider: provider, Runner: runner, Env: creds.Environ()}
}

// Run executes the CLI and returns raw stdout.
func (c *CLI) Run(ctx context.Context, op string, args ...string) ([]byte, error) {
	out, err := c.Runner.Run(ctx, c.Env, c.Binary, args...)
	if err != nil {
		return nil, Classify(c.Provider, op, err)
	}
	return out, nil
}

// RunJSON executes the CLI and decodes stdout into v. Empty output leaves v
// untouched.
func (c *CLI) RunJSON(ctx context.Context, op string, v any, args ...string) error {
	out, err := c.Run(ctx, op, args...)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(out)) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(out, v); err != nil {
		return interfaces.Unavailable(c.Provider, op, fmt.Errorf("could not parse %s output: %w", c.Binary, err))
	}
	return nil
}

var (
	notFoundMarkers = []string{
		"was not found",
		"not found",
		"resourcenotfound",
		"resourcegroupnotfound",
		"does not exist",
	}
	existsMarkers = []string{
		"already exists",
		"alreadyexists",
		"conflict",
	}
	rejectedMarkers = []string{
		"permission",
		"forbidden",
		"unauthorized",
		"authorizationfailed",
		"invalid",
		"quota",
		"not supported",
		"unsupported",
		"badrequest",
		"invalidparameter",
		"does not have",
		"please run 'az login'",
		"gcloud auth login",
	}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether a CLI failure says the resource does not exist.
func IsNotFound(err error) bool {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return containsAny(strings.ToLower(exitErr.Stderr), notFoundMarkers)
}

// IsAlreadyExists reports whether a CLI failure says the resource exists.
func IsAlreadyExists(err error) bool {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return containsAny(strings.ToLower(exitErr.Stderr), existsMarkers)
}

// Classify maps a CLI failure to ProviderRejected or ProviderUnavailable.
// A missing binary is a rejection, since retrying cannot help.
func Classify(provider interfaces.ProviderKind, op string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return interfaces.Rejected(provider, op, err)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		stderr := strings.ToLower(exitErr.Stderr)
		if containsAny(stderr, rejectedMarkers) && !strings.Contains(stderr, "try again") {
			return interfaces.Rejected(provider, op, err)
		}
	}
	return interfaces.Unavailable(provider, op, err)
}
