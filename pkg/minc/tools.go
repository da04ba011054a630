// Package minc runs the MINC command line tools that the registration
// drivers treat as black boxes: blurring, resampling, image statistics,
// grid arithmetic and the minctracc optimizer. Transform file operations
// are done natively with package xfm.
package minc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrPrecondition is returned when a required input file is missing
	ErrPrecondition = errors.New("precondition failure")

	// ErrExternalTool is returned when an external program fails
	ErrExternalTool = errors.New("external tool failure")
)

// ToolError describes a failed external invocation
type ToolError struct {
	Argv     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", strings.Join(e.Argv, " "))
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap lets callers match both ErrExternalTool and the underlying cause
func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalTool}
	}
	return []error{ErrExternalTool, e.Err}
}

// Binaries names the external programs. Empty fields fall back to the
// standard MINC tool names.
type Binaries struct {
	Minctracc    string `yaml:"minctracc" toml:"minctracc"`
	Mincblur     string `yaml:"mincblur" toml:"mincblur"`
	Autocrop     string `yaml:"autocrop" toml:"autocrop"`
	Mincresample string `yaml:"mincresample" toml:"mincresample"`
	Mincstats    string `yaml:"mincstats" toml:"mincstats"`
	Minccalc     string `yaml:"minccalc" toml:"minccalc"`
	Mincinfo     string `yaml:"mincinfo" toml:"mincinfo"`
	Minctoraw    string `yaml:"minctoraw" toml:"minctoraw"`
	Mritoself    string `yaml:"mritoself" toml:"mritoself"`
}

// DefaultBinaries returns the standard MINC tool names
func DefaultBinaries() Binaries {
	return Binaries{
		Minctracc:    "minctracc",
		Mincblur:     "mincblur",
		Autocrop:     "autocrop",
		Mincresample: "mincresample",
		Mincstats:    "mincstats",
		Minccalc:     "minccalc",
		Mincinfo:     "mincinfo",
		Minctoraw:    "minctoraw",
		Mritoself:    "mritoself",
	}
}

func (b Binaries) withDefaults() Binaries {
	d := DefaultBinaries()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Binaries{
		Minctracc:    pick(b.Minctracc, d.Minctracc),
		Mincblur:     pick(b.Mincblur, d.Mincblur),
		Autocrop:     pick(b.Autocrop, d.Autocrop),
		Mincresample: pick(b.Mincresample, d.Mincresample),
		Mincstats:    pick(b.Mincstats, d.Mincstats),
		Minccalc:     pick(b.Minccalc, d.Minccalc),
		Mincinfo:     pick(b.Mincinfo, d.Mincinfo),
		Minctoraw:    pick(b.Minctoraw, d.Minctoraw),
		Mritoself:    pick(b.Mritoself, d.Mritoself),
	}
}

// Tools executes MINC programs
type Tools struct {
	bin Binaries
	log *slog.Logger
}

// NewTools creates a toolkit using the given program names
func NewTools(bin Binaries, log *slog.Logger) *Tools {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tools{bin: bin.withDefaults(), log: log}
}

// Binaries returns the resolved program names
func (t *Tools) Binaries() Binaries { return t.bin }

// CheckFiles returns false when every output already exists, so the caller
// can skip its work. A missing input is an ErrPrecondition.
func CheckFiles(inputs, outputs []string) (bool, error) {
	if len(outputs) > 0 {
		all := true
		for _, o := range outputs {
			if _, err := os.Stat(o); err != nil {
				all = false
				break
			}
		}
		if all {
			return false, nil
		}
	}
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			return false, fmt.Errorf("%w: input %s: %v", ErrPrecondition, in, err)
		}
	}
	return true, nil
}

// CheckFiles is CheckFiles exposed on the toolkit
func (t *Tools) CheckFiles(inputs, outputs []string) (bool, error) {
	return CheckFiles(inputs, outputs)
}

// Run executes argv after verifying inputs and fails unless every output
// exists afterwards
func (t *Tools) Run(ctx context.Context, argv, inputs, outputs []string) error {
	if _, err := CheckFiles(inputs, nil); err != nil {
		return err
	}
	if _, err := t.output(ctx, argv); err != nil {
		return err
	}
	for _, o := range outputs {
		if _, err := os.Stat(o); err != nil {
			return &ToolError{Argv: argv, Err: fmt.Errorf("expected output %s was not produced", o)}
		}
	}
	return nil
}

// output runs argv and returns its standard output
func (t *Tools) output(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	start := time.Now()
	t.log.Debug("exec", "argv", strings.Join(argv, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	t.log.Debug("exec done", "program", argv[0], "elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		te := &ToolError{Argv: argv, Output: stderr.String() + stdout.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			te.ExitCode = exitErr.ExitCode()
		}
		return nil, te
	}
	return stdout.Bytes(), nil
}
