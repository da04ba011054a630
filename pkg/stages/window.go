package stages

import "iplreg/internal/models"

// CloseMaxFWHM is the coarsest blur kept when a run starts close to the answer
const CloseMaxFWHM = 8.0

// LinearWindow bounds which linear stages execute. Each stage is judged on
// its own, so presets that are not monotonic in FWHM still behave.
type LinearWindow struct {
	// Start skips stages blurred more than this; zero means unbounded
	Start float64

	// Close skips stages blurred more than CloseMaxFWHM
	Close bool
}

// Skip reports whether the stage falls outside the window
func (w LinearWindow) Skip(s models.LinearStage) bool {
	if w.Start > 0 && s.FWHM > w.Start {
		return true
	}
	return w.Close && s.FWHM > CloseMaxFWHM
}

// Select returns the indices of the stages that execute, in order
func (w LinearWindow) Select(st []models.LinearStage) []int {
	var idx []int
	for i, s := range st {
		if !w.Skip(s) {
			idx = append(idx, i)
		}
	}
	return idx
}

// NonlinearWindow bounds the non-linear schedule by step size
type NonlinearWindow struct {
	Start float64
	Level float64
}

// Select returns the indices of the stages with Level <= step <= Start.
// Iteration stops at the first stage finer than Level.
func (w NonlinearWindow) Select(st []models.NonlinearStage) []int {
	var idx []int
	for i, s := range st {
		if s.Step > w.Start {
			continue
		}
		if s.Step < w.Level {
			break
		}
		idx = append(idx, i)
	}
	return idx
}
