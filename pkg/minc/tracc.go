package minc

import (
	"strconv"
)

// TrackRequest is one optimizer invocation. Args renders it as a
// minctracc command line; the typed form is what the drivers build and
// what tests inspect.
type TrackRequest struct {
	// Source and Target are the (possibly blurred) images registered
	Source string
	Target string

	// Output is the transform file written by the optimizer
	Output string

	// Parameters is the transform family flag, e.g. -lsq9 (linear only)
	Parameters string

	// Objective is the objective function flag, e.g. -xcorr (linear only)
	Objective string

	Simplex   float64
	Tolerance float64
	Steps     []float64

	// Nonlinear switches the request to deformation-field mode
	Nonlinear *NonlinearOptions

	// Transformation is the starting transform; EstCenter asks the optimizer
	// to re-estimate the centre of rotation around it
	Transformation string
	EstCenter      bool

	// Identity starts from the identity transform
	Identity bool

	SourceMask string
	ModelMask  string

	// zero-weight constraints
	NoShear     bool
	NoScale     bool
	NoShift     bool
	NoRotations bool
}

// NonlinearOptions carries the deformation-field optimizer settings
type NonlinearOptions struct {
	Cost            string
	Weight          float64
	Stiffness       float64
	Similarity      float64
	SubLattice      int
	Iterations      int
	LatticeDiameter [3]float64

	// NoSuper disables supersampling of the deformation field
	NoSuper bool
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Args renders the request as minctracc arguments, without the program name
func (r TrackRequest) Args() []string {
	args := []string{r.Source, r.Target, "-clobber"}

	if nl := r.Nonlinear; nl != nil {
		args = append(args,
			"-nonlinear", nl.Cost,
			"-weight", num(nl.Weight),
			"-stiffness", num(nl.Stiffness),
			"-similarity", num(nl.Similarity),
			"-sub_lattice", strconv.Itoa(nl.SubLattice),
			"-iterations", strconv.Itoa(nl.Iterations),
			"-lattice_diam", num(nl.LatticeDiameter[0]), num(nl.LatticeDiameter[1]), num(nl.LatticeDiameter[2]),
		)
		args = append(args, "-step")
		for _, s := range r.Steps {
			args = append(args, num(s))
		}
		if nl.NoSuper {
			args = append(args, "-no_super")
		}
	} else {
		if r.Parameters != "" {
			args = append(args, r.Parameters)
		}
		if r.Objective != "" {
			args = append(args, r.Objective)
		}
		args = append(args,
			"-simplex", num(r.Simplex),
			"-tol", num(r.Tolerance),
		)
		args = append(args, "-step")
		for _, s := range r.Steps {
			args = append(args, num(s))
		}
	}

	switch {
	case r.Transformation != "":
		args = append(args, "-transformation", r.Transformation)
		if r.EstCenter {
			args = append(args, "-est_center")
		}
	case r.Identity:
		args = append(args, "-identity")
	}

	if r.SourceMask != "" {
		args = append(args, "-source_mask", r.SourceMask)
	}
	if r.ModelMask != "" {
		args = append(args, "-model_mask", r.ModelMask)
	}

	if r.NoShear {
		args = append(args, "-w_shear", "0", "0", "0")
	}
	if r.NoScale {
		args = append(args, "-w_scales", "0", "0", "0")
	}
	if r.NoShift {
		args = append(args, "-w_translations", "0", "0", "0")
	}
	if r.NoRotations {
		args = append(args, "-w_rotations", "0", "0", "0")
	}

	return append(args, r.Output)
}

// Inputs lists the files the request reads
func (r TrackRequest) Inputs() []string {
	in := []string{r.Source, r.Target}
	for _, p := range []string{r.Transformation, r.SourceMask, r.ModelMask} {
		if p != "" {
			in = append(in, p)
		}
	}
	return in
}
