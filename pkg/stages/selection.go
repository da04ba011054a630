package stages

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"iplreg/internal/models"
)

// ErrConfiguration is returned for unknown presets and malformed stage lists
var ErrConfiguration = errors.New("configuration error")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Kind tags the variant held by a Selection
type Kind int

const (
	KindDefault Kind = iota
	KindSequence
	KindPreset
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindPreset:
		return "preset"
	case KindExternal:
		return "external"
	default:
		return "default"
	}
}

// Selection is the caller's choice of linear schedule: an explicit stage
// sequence, a built-in preset name, or an external registration program
// that replaces the staged algorithm entirely. The zero value selects
// DefaultPreset.
type Selection struct {
	kind   Kind
	name   string
	stages []models.LinearStage
}

// Sequence selects an explicit stage list
func Sequence(s []models.LinearStage) Selection {
	return Selection{kind: KindSequence, stages: Clone(s)}
}

// Preset selects a built-in preset by name
func Preset(name string) Selection {
	return Selection{kind: KindPreset, name: name}
}

// External delegates the whole registration to program
func External(program string) Selection {
	return Selection{kind: KindExternal, name: program}
}

// Kind returns the selection variant
func (s Selection) Kind() Kind { return s.kind }

// Name returns the preset or program name
func (s Selection) Name() string { return s.name }

func (s Selection) String() string {
	switch s.kind {
	case KindSequence:
		return fmt.Sprintf("sequence(%d stages)", len(s.stages))
	case KindDefault:
		return DefaultPreset
	default:
		return s.kind.String() + ":" + s.name
	}
}

// Resolved is a Selection after validation. Exactly one of Stages and
// External is set.
type Resolved struct {
	Stages   []models.LinearStage
	External string
}

// Staged reports whether the staged driver should run
func (r Resolved) Staged() bool { return r.External == "" }

// Resolve validates the selection once, before any driver work starts
func Resolve(s Selection) (Resolved, error) {
	switch s.kind {
	case KindDefault:
		st, err := Lookup(DefaultPreset)
		return Resolved{Stages: st}, err
	case KindPreset:
		st, err := Lookup(s.name)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Stages: st}, nil
	case KindSequence:
		if err := Validate(s.stages); err != nil {
			return Resolved{}, err
		}
		return Resolved{Stages: Clone(s.stages)}, nil
	case KindExternal:
		if strings.TrimSpace(s.name) == "" {
			return Resolved{}, configErrorf("empty external program name")
		}
		return Resolved{External: s.name}, nil
	}
	return Resolved{}, configErrorf("unknown selection kind %d", s.kind)
}

// ParseSelection interprets a command line or config file value. Built-in
// preset names win; a path to a .yaml/.yml file is loaded as a custom stage
// list; anything found as an executable becomes an external program.
func ParseSelection(value string) (Selection, error) {
	return parseSelection(value, exec.LookPath)
}

func parseSelection(value string, lookPath func(string) (string, error)) (Selection, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Selection{}, nil
	}
	if IsPreset(value) {
		return Preset(value), nil
	}
	switch strings.ToLower(filepath.Ext(value)) {
	case ".yaml", ".yml":
		st, err := LoadFile(value)
		if err != nil {
			return Selection{}, err
		}
		return Sequence(st), nil
	}
	if _, err := lookPath(value); err == nil {
		return External(value), nil
	}
	return Selection{}, configErrorf("%q is neither a preset, a stage file nor an executable", value)
}

// Validate checks a linear stage list
func Validate(st []models.LinearStage) error {
	if len(st) == 0 {
		return configErrorf("empty stage list")
	}
	for i, s := range st {
		if !s.Blur.Valid() {
			return configErrorf("stage %d: unknown blur kind %q", i, s.Blur)
		}
		if s.FWHM < 0 {
			return configErrorf("stage %d: negative blur_fwhm %g", i, s.FWHM)
		}
		if len(s.Steps) < 1 || len(s.Steps) > 3 {
			return configErrorf("stage %d: expected 1 to 3 steps, got %d", i, len(s.Steps))
		}
		for _, v := range s.Steps {
			if v <= 0 {
				return configErrorf("stage %d: step %g is not positive", i, v)
			}
		}
		if s.Tolerance <= 0 {
			return configErrorf("stage %d: tolerance %g is not positive", i, s.Tolerance)
		}
		if s.Simplex <= 0 {
			return configErrorf("stage %d: simplex %g is not positive", i, s.Simplex)
		}
	}
	return nil
}

// ValidateNonlinear checks non-linear optimizer settings and their schedule
func ValidateNonlinear(p models.NonlinearParams) error {
	if p.Cost == "" {
		return configErrorf("non-linear cost function is empty")
	}
	if len(p.Stages) == 0 {
		return configErrorf("empty non-linear stage list")
	}
	for i, s := range p.Stages {
		if !s.Blur.Valid() {
			return configErrorf("non-linear stage %d: unknown blur kind %q", i, s.Blur)
		}
		if s.Step <= 0 {
			return configErrorf("non-linear stage %d: step %g is not positive", i, s.Step)
		}
		if s.FWHM < 0 {
			return configErrorf("non-linear stage %d: negative blur_fwhm %g", i, s.FWHM)
		}
		if s.Iterations <= 0 {
			return configErrorf("non-linear stage %d: iterations %d is not positive", i, s.Iterations)
		}
	}
	return nil
}

// stageFile is the on-disk layout of a custom schedule
type stageFile struct {
	Stages []models.LinearStage `yaml:"stages"`
}

// LoadFile reads a custom linear stage list from a YAML file
func LoadFile(path string) ([]models.LinearStage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading stage file: %w", err)
	}
	var f stageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, configErrorf("parsing %s: %v", path, err)
	}
	if err := Validate(f.Stages); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Stages, nil
}

// WriteFile saves a stage list in the format read by LoadFile
func WriteFile(path string, st []models.LinearStage) error {
	data, err := yaml.Marshal(stageFile{Stages: st})
	if err != nil {
		return fmt.Errorf("error marshaling stages: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing stage file: %w", err)
	}
	return nil
}
