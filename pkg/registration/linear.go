package registration

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"iplreg/internal/models"
	"iplreg/pkg/cache"
	"iplreg/pkg/minc"
	"iplreg/pkg/stages"
)

const (
	// DefaultParameters is the transform family used when none is given
	DefaultParameters = "-lsq9"

	// DefaultObjective is the objective function used when none is given
	DefaultObjective = "-xcorr"

	// rigidFamily is never escalated by per-stage overrides
	rigidFamily = "-lsq6"
)

// LinearRequest describes a linear registration run
type LinearRequest struct {
	// Source and Target are the volumes being registered; the output maps
	// source space onto target space
	Source string
	Target string

	// Output is the transform file written on success
	Output string

	// SourceMask and TargetMask restrict the similarity measure
	SourceMask string
	TargetMask string

	// InitXFM seeds the first executed stage
	InitXFM string

	// Parameters is the transform family flag (-lsq6, -lsq9, -lsq12)
	Parameters string

	// Objective is the objective function flag (-xcorr, -nmi, -mi)
	Objective string

	// Selection chooses the stage schedule or an external program
	Selection stages.Selection

	// Degree of freedom constraints applied to every stage
	NoRotations bool
	NoShear     bool
	NoShift     bool
	NoScale     bool

	// Start skips stages blurred more than this many mm; zero disables it
	Start float64

	// Close assumes the inputs are already nearly aligned
	Close bool

	// Downsample resamples all inputs to this isotropic step first
	Downsample float64

	// WorkDir holds the artifact cache; empty uses a temporary directory
	WorkDir string
}

func (req LinearRequest) withDefaults() LinearRequest {
	if req.Parameters == "" {
		req.Parameters = DefaultParameters
	}
	if req.Objective == "" {
		req.Objective = DefaultObjective
	}
	return req
}

// Linear registers req.Source to req.Target and writes the transform to
// req.Output. An existing output makes the call a no-op.
func (r *Registrar) Linear(ctx context.Context, req LinearRequest) (err error) {
	req = req.withDefaults()

	ok, err := r.tk.CheckFiles([]string{req.Source, req.Target}, []string{req.Output})
	if err != nil {
		return err
	}
	if !ok {
		r.log.Info("output exists, skipping", "output", req.Output)
		return nil
	}

	resolved, err := stages.Resolve(req.Selection)
	if err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "registration.linear", trace.WithAttributes(
		attribute.String("source", req.Source),
		attribute.String("target", req.Target),
		attribute.String("selection", req.Selection.String()),
	))
	defer func() { endSpan(span, err) }()

	if !resolved.Staged() {
		return r.linearExternal(ctx, resolved.External, req)
	}

	store, err := r.openCache(req.WorkDir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			r.log.Warn("failed to clean up work directory", "error", cerr)
		}
	}()

	in, err := r.prepareInputs(ctx, store, req.Source, req.Target, req.SourceMask, req.TargetMask, req.Downsample)
	if err != nil {
		return err
	}

	window := stages.LinearWindow{Start: req.Start, Close: req.Close}
	var prev string
	for i, st := range resolved.Stages {
		if window.Skip(st) {
			r.log.Debug("stage outside window", "stage", i, "fwhm", st.FWHM)
			continue
		}
		prev, err = r.linearStage(ctx, store, req, in, i, st, prev)
		if err != nil {
			return err
		}
	}

	if prev == "" {
		return ErrNoIterations
	}
	if err := minc.CopyFile(prev, req.Output); err != nil {
		return fmt.Errorf("failed to write %s: %w", req.Output, err)
	}
	r.log.Info("linear registration done", "output", req.Output)
	return nil
}

// linearStage runs one stage and returns its transform in source to
// target direction
func (r *Registrar) linearStage(ctx context.Context, store *cache.Store, req LinearRequest, in inputs, i int, st models.LinearStage, prev string) (result string, err error) {
	ctx, span := r.tracer.Start(ctx, "registration.linear.stage", trace.WithAttributes(
		attribute.Int("stage", i),
		attribute.Float64("fwhm", st.FWHM),
		attribute.String("blur", string(st.Blur)),
		attribute.Bool("reversed", st.Reversed),
	))
	defer func() { endSpan(span, err) }()

	params := req.Parameters
	if st.Parameters != "" && req.Parameters != rigidFamily {
		params = st.Parameters
	}

	src, err := r.blurred(ctx, store, in.source, in.sBlurBase, st.Blur, st.FWHM)
	if err != nil {
		return "", err
	}
	tgt, err := r.blurred(ctx, store, in.target, in.tBlurBase, st.Blur, st.FWHM)
	if err != nil {
		return "", err
	}

	prefix := in.sBase + "_" + in.tBase + "_" + strconv.Itoa(i)
	track := minc.TrackRequest{
		Source:      src,
		Target:      tgt,
		Output:      store.Tmp(prefix + ".xfm"),
		Parameters:  params,
		Objective:   req.Objective,
		Simplex:     st.Simplex,
		Tolerance:   st.Tolerance,
		Steps:       st.Steps,
		NoShear:     req.NoShear,
		NoScale:     req.NoScale,
		NoShift:     req.NoShift,
		NoRotations: req.NoRotations,
	}
	if st.Reversed {
		track.Source, track.Target = tgt, src
	}

	switch {
	case prev != "":
		track.Transformation = prev
	case req.InitXFM != "":
		track.Transformation = req.InitXFM
		track.EstCenter = true
	case req.Close:
		track.Identity = true
	case st.Init == models.InitIdentity:
		track.Identity = true
	default:
		seed, err := r.centerOfMassInit(ctx, store, req, in)
		if err != nil {
			return "", err
		}
		track.Transformation = seed
	}

	// seeds map source to target; a reversed stage optimizes the other way
	if st.Reversed && track.Transformation != "" {
		inv := store.Tmp(prefix + "_init.xfm")
		if err := r.tk.InvertXFM(ctx, track.Transformation, inv); err != nil {
			return "", err
		}
		track.Transformation = inv
	}

	// the target mask only constrains reversed stages
	if st.Reversed {
		track.SourceMask = in.sourceMask
		track.ModelMask = in.targetMask
	} else {
		track.ModelMask = in.sourceMask
	}

	r.log.Info("linear stage", "stage", i, "blur", st.Blur, "fwhm", st.FWHM, "parameters", params, "reversed", st.Reversed)
	if err := r.tk.Track(ctx, track); err != nil {
		return "", fmt.Errorf("stage %d: %w", i, err)
	}

	if !st.Reversed {
		return track.Output, nil
	}
	sol := store.Tmp(prefix + "_sol.xfm")
	if err := r.tk.InvertXFM(ctx, track.Output, sol); err != nil {
		return "", err
	}
	return sol, nil
}

// centerOfMassInit returns a cached translation moving the source centre
// of mass onto the target's
func (r *Registrar) centerOfMassInit(ctx context.Context, store *cache.Store, req LinearRequest, in inputs) (string, error) {
	key := cache.Key{Base: in.sBase, Kind: "init", Params: []string{in.tBase}, Ext: ".xfm"}
	return store.Ensure(ctx, key, func(ctx context.Context, out string) error {
		src, err := r.tk.CenterOfMass(ctx, req.Source)
		if err != nil {
			return err
		}
		tgt, err := r.tk.CenterOfMass(ctx, req.Target)
		if err != nil {
			return err
		}
		shift := [3]float64{tgt[0] - src[0], tgt[1] - src[1], tgt[2] - src[2]}
		r.log.Debug("centre of mass translation", "shift", shift)
		return r.tk.TranslationXFM(ctx, out, shift)
	})
}

// linearExternal hands the whole run to another registration program
func (r *Registrar) linearExternal(ctx context.Context, program string, req LinearRequest) error {
	argv := []string{program, req.Source, req.Target, req.Output}
	if req.SourceMask != "" {
		argv = append(argv, "-source_mask", req.SourceMask)
	}
	if req.TargetMask != "" {
		argv = append(argv, "-target_mask", req.TargetMask)
	}
	argv = append(argv, req.Parameters, req.Objective)
	if req.InitXFM != "" {
		argv = append(argv, "-init_xfm", req.InitXFM)
	}
	r.log.Info("delegating registration", "program", program)
	return r.tk.Run(ctx, argv, []string{req.Source, req.Target}, []string{req.Output})
}
