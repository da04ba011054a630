package registration

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"iplreg/internal/models"
	"iplreg/pkg/cache"
	"iplreg/pkg/minc"
	"iplreg/pkg/stages"
	"iplreg/pkg/xfm"
)

const (
	// DefaultStart is the coarsest non-linear step in mm
	DefaultStart = 32.0

	// DefaultLevel is the finest non-linear step in mm
	DefaultLevel = 4.0

	// noSuperBelow disables field supersampling for finer steps
	noSuperBelow = 4.0
)

// NonlinearRequest describes a non-linear registration run
type NonlinearRequest struct {
	Source string
	Target string
	Output string

	// SourceMask constrains the source, TargetMask the model
	SourceMask string
	TargetMask string

	// InitXFM seeds the first executed stage, usually a linear result
	InitXFM string

	// Start and Level bound the step sizes that run; zero uses the defaults
	Start float64
	Level float64

	// Params overrides the optimizer settings and schedule
	Params *models.NonlinearParams

	Downsample float64
	WorkDir    string
}

func (req NonlinearRequest) withDefaults() (NonlinearRequest, error) {
	if req.Start <= 0 {
		req.Start = DefaultStart
	}
	if req.Level <= 0 {
		req.Level = DefaultLevel
	}
	if req.Params == nil {
		p := stages.DefaultNonlinear()
		req.Params = &p
		return req, nil
	}
	if err := stages.ValidateNonlinear(*req.Params); err != nil {
		return req, err
	}
	return req, nil
}

// NonlinearIncrement refines a deformation at req.Level only
func (r *Registrar) NonlinearIncrement(ctx context.Context, req NonlinearRequest) error {
	if req.Level <= 0 {
		req.Level = DefaultLevel
	}
	req.Start = req.Level
	return r.NonlinearFull(ctx, req)
}

// NonlinearFull runs the non-linear schedule between req.Start and
// req.Level. The output concatenates an identity linear transform with the
// deformation field of the last stage.
func (r *Registrar) NonlinearFull(ctx context.Context, req NonlinearRequest) (err error) {
	ok, err := r.tk.CheckFiles([]string{req.Source, req.Target}, []string{req.Output})
	if err != nil {
		return err
	}
	if !ok {
		r.log.Info("output exists, skipping", "output", req.Output)
		return nil
	}

	req, err = req.withDefaults()
	if err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "registration.nonlinear", trace.WithAttributes(
		attribute.String("source", req.Source),
		attribute.String("target", req.Target),
		attribute.Float64("start", req.Start),
		attribute.Float64("level", req.Level),
	))
	defer func() { endSpan(span, err) }()

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

	var prev string
	window := stages.NonlinearWindow{Start: req.Start, Level: req.Level}
	for _, i := range window.Select(req.Params.Stages) {
		prev, err = r.nonlinearStage(ctx, store, req, in, i, prev)
		if err != nil {
			return err
		}
	}
	if prev == "" {
		return ErrNoIterations
	}
	return r.finalizeNonlinear(ctx, store, prev, req.Output)
}

func (r *Registrar) nonlinearStage(ctx context.Context, store *cache.Store, req NonlinearRequest, in inputs, i int, prev string) (result string, err error) {
	st := req.Params.Stages[i]
	ctx, span := r.tracer.Start(ctx, "registration.nonlinear.stage", trace.WithAttributes(
		attribute.Int("stage", i),
		attribute.Float64("step", st.Step),
		attribute.Float64("fwhm", st.FWHM),
	))
	defer func() { endSpan(span, err) }()

	src, err := r.blurred(ctx, store, in.source, in.sBlurBase, st.Blur, st.FWHM)
	if err != nil {
		return "", err
	}
	tgt, err := r.blurred(ctx, store, in.target, in.tBlurBase, st.Blur, st.FWHM)
	if err != nil {
		return "", err
	}

	p := req.Params
	track := minc.TrackRequest{
		Source: src,
		Target: tgt,
		Output: store.Tmp(in.sBase + "_" + in.tBase + "_" + strconv.Itoa(i) + ".xfm"),
		Steps:  []float64{st.Step, st.Step, st.Step},
		Nonlinear: &minc.NonlinearOptions{
			Cost:            p.Cost,
			Weight:          p.Weight,
			Stiffness:       p.Stiffness,
			Similarity:      p.Similarity,
			SubLattice:      p.SubLattice,
			Iterations:      st.Iterations,
			LatticeDiameter: st.LatticeDiameter(),
			NoSuper:         st.Step < noSuperBelow,
		},
		SourceMask: in.sourceMask,
		ModelMask:  in.targetMask,
	}
	switch {
	case prev != "":
		track.Transformation = prev
	case req.InitXFM != "":
		track.Transformation = req.InitXFM
	default:
		track.Identity = true
	}

	r.log.Info("non-linear stage", "stage", i, "step", st.Step, "fwhm", st.FWHM, "iterations", st.Iterations)
	if err := r.tk.Track(ctx, track); err != nil {
		return "", fmt.Errorf("stage %d: %w", i, err)
	}
	return track.Output, nil
}

// finalizeNonlinear stores the last deformation field in float precision
// and writes identity followed by the last transform to out
func (r *Registrar) finalizeNonlinear(ctx context.Context, store *cache.Store, last, out string) error {
	t, err := xfm.ReadFile(last)
	if err != nil {
		return fmt.Errorf("%w: %v", minc.ErrPrecondition, err)
	}
	grids := t.Grids()
	if len(grids) == 0 {
		return errors.New("last non-linear stage produced no deformation field")
	}
	if err := r.tk.NormalizeGrid(ctx, grids[len(grids)-1]); err != nil {
		return err
	}

	identity := store.Tmp("identity.xfm")
	if err := xfm.WriteFile(identity, xfm.Identity()); err != nil {
		return err
	}
	if err := r.tk.ConcatXFM(ctx, []string{identity, last}, out); err != nil {
		return err
	}
	r.log.Info("non-linear registration done", "output", out)
	return nil
}
