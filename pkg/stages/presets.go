// Package stages holds the multi-resolution schedules used by the
// registration drivers: built-in presets, custom stage files and the
// selection logic that decides between a staged run and an external program.
package stages

import (
	"sort"

	"iplreg/internal/models"
)

// DefaultPreset is used when the caller does not select a schedule
const DefaultPreset = "bestlinreg"

func est() models.InitHint { return models.InitEstimateTranslations }

var presets = map[string][]models.LinearStage{
	"bestlinreg": {
		{Blur: models.BlurIntensity, FWHM: 16, Steps: []float64{8, 8, 8}, Tolerance: 0.01, Simplex: 32, Init: est()},
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 16},
		{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 8},
		{Blur: models.BlurGradient, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 4},
		{Blur: models.BlurGradient, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 2},
	},

	"bestlinreg_s": {
		{Blur: models.BlurIntensity, FWHM: 16, Steps: []float64{8, 8, 8}, Tolerance: 0.01, Simplex: 32, Init: est()},
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 16},
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 16},
		{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 8},
		{Blur: models.BlurIntensity, FWHM: 2, Steps: []float64{2, 2, 2}, Tolerance: 0.0005, Simplex: 4},
	},

	"bestlinreg_s2": {
		{Blur: models.BlurIntensity, FWHM: 16, Steps: []float64{8, 8, 8}, Tolerance: 0.01, Simplex: 32, Init: est()},
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 16},
		{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 8},
		{Blur: models.BlurGradient, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 4},
		{Blur: models.BlurGradient, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 2},
	},

	"experiment_1": {
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{8, 8, 8}, Tolerance: 0.01, Simplex: 32, Init: est()},
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 16},
		{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 8},
		{Blur: models.BlurGradient, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 4},
		{Blur: models.BlurGradient, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.004, Simplex: 2},
	},

	// the first stage estimates scaling with a rigid family before the
	// run's own family takes over
	"bestlinreg_new": {
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 16, Parameters: "-lsq6", Init: est()},
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 16, Parameters: "-lsq7"},
		{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 8},
		{Blur: models.BlurIntensity, FWHM: 2, Steps: []float64{2, 2, 2}, Tolerance: 0.0005, Simplex: 4},
	},

	"bestlinreg_20171223": {
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 16, Parameters: "-lsq6", Init: est()},
		{Blur: models.BlurIntensity, FWHM: 8, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 16, Parameters: "-lsq7"},
		{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.0001, Simplex: 8},
		{Blur: models.BlurIntensity, FWHM: 2, Steps: []float64{2, 2, 2}, Tolerance: 0.00001, Simplex: 4, Reversed: true},
	},
}

// Names returns the built-in preset names in sorted order
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsPreset reports whether name is a built-in preset
func IsPreset(name string) bool {
	_, ok := presets[name]
	return ok
}

// Lookup returns a deep copy of the named preset
func Lookup(name string) ([]models.LinearStage, error) {
	p, ok := presets[name]
	if !ok {
		return nil, configErrorf("unknown preset %q", name)
	}
	return Clone(p), nil
}

// Clone deep-copies a stage sequence so callers can never alias preset data
func Clone(in []models.LinearStage) []models.LinearStage {
	out := make([]models.LinearStage, len(in))
	for i, s := range in {
		s.Steps = append([]float64(nil), s.Steps...)
		out[i] = s
	}
	return out
}

// DefaultNonlinear returns the default non-linear optimizer settings and
// its ten-level step schedule
func DefaultNonlinear() models.NonlinearParams {
	b := models.BlurIntensity
	return models.NonlinearParams{
		Cost:       "corrcoeff",
		Weight:     1,
		Stiffness:  1,
		Similarity: 0.3,
		SubLattice: 6,
		Stages: []models.NonlinearStage{
			{Blur: b, Step: 32, FWHM: 16, Iterations: 20},
			{Blur: b, Step: 16, FWHM: 8, Iterations: 20},
			{Blur: b, Step: 12, FWHM: 6, Iterations: 20},
			{Blur: b, Step: 8, FWHM: 4, Iterations: 20},
			{Blur: b, Step: 6, FWHM: 3, Iterations: 20},
			{Blur: b, Step: 4, FWHM: 2, Iterations: 10},
			{Blur: b, Step: 2, FWHM: 1, Iterations: 10},
			{Blur: b, Step: 1, FWHM: 1, Iterations: 10},
			{Blur: b, Step: 1, FWHM: 0.5, Iterations: 10},
			{Blur: b, Step: 0.5, FWHM: 0.25, Iterations: 10},
		},
	}
}
