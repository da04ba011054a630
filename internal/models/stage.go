package models

import "fmt"

// BlurKind selects the preprocessing filter applied before a stage
type BlurKind string

const (
	// BlurIntensity smooths the image intensities
	BlurIntensity BlurKind = "blur"

	// BlurGradient produces the gradient magnitude of the smoothed image
	BlurGradient BlurKind = "dxyz"
)

// Valid reports whether the kind is one of the known filters
func (k BlurKind) Valid() bool {
	return k == BlurIntensity || k == BlurGradient
}

// Gradient reports whether the stage wants the gradient magnitude image
func (k BlurKind) Gradient() bool {
	return k == BlurGradient
}

// InitHint describes how the first executed stage is initialised when
// neither a previous stage nor a caller-supplied transform is available
type InitHint int

const (
	InitNone InitHint = iota
	InitEstimateTranslations
	InitIdentity
)

func (h InitHint) String() string {
	switch h {
	case InitEstimateTranslations:
		return "est_translations"
	case InitIdentity:
		return "identity"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler so stage files read naturally
func (h InitHint) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *InitHint) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "none":
		*h = InitNone
	case "est_translations", "-est_translations":
		*h = InitEstimateTranslations
	case "identity", "-identity":
		*h = InitIdentity
	default:
		return fmt.Errorf("unknown init hint %q", string(text))
	}
	return nil
}

// LinearStage is one resolution level of a linear registration schedule
type LinearStage struct {
	// Blur selects intensity or gradient-magnitude preprocessing
	Blur BlurKind `yaml:"blur" toml:"blur"`

	// FWHM is the blurring kernel width in mm; zero means the unblurred input is used
	FWHM float64 `yaml:"blur_fwhm" toml:"blur_fwhm"`

	// Steps is the optimizer sampling step per axis (1 to 3 values)
	Steps []float64 `yaml:"steps" toml:"steps"`

	// Tolerance is the optimizer convergence threshold
	Tolerance float64 `yaml:"tolerance" toml:"tolerance"`

	// Simplex is the initial simplex size
	Simplex float64 `yaml:"simplex" toml:"simplex"`

	// Parameters overrides the run's transform family flag for this stage
	Parameters string `yaml:"parameters,omitempty" toml:"parameters,omitempty"`

	// Init is only consulted at the first executed stage
	Init InitHint `yaml:"trans,omitempty" toml:"trans,omitempty"`

	// Reversed registers target to source and inverts the result
	Reversed bool `yaml:"reverse,omitempty" toml:"reverse,omitempty"`
}

// NonlinearStage is one resolution level of a non-linear schedule
type NonlinearStage struct {
	Blur       BlurKind `yaml:"blur" toml:"blur"`
	FWHM       float64  `yaml:"blur_fwhm" toml:"blur_fwhm"`
	Step       float64  `yaml:"step" toml:"step"`
	Iterations int      `yaml:"iterations" toml:"iterations"`
}

// LatticeDiameter is derived from the step size on every axis
func (s NonlinearStage) LatticeDiameter() [3]float64 {
	d := s.Step * 3.0
	return [3]float64{d, d, d}
}

// NonlinearParams holds the global optimizer settings for non-linear
// registration together with its stage schedule
type NonlinearParams struct {
	Cost       string           `yaml:"cost" toml:"cost"`
	Weight     float64          `yaml:"weight" toml:"weight"`
	Stiffness  float64          `yaml:"stiffness" toml:"stiffness"`
	Similarity float64          `yaml:"similarity" toml:"similarity"`
	SubLattice int              `yaml:"sub_lattice" toml:"sub_lattice"`
	Stages     []NonlinearStage `yaml:"conf" toml:"conf"`
}
