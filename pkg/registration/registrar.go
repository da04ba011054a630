// Package registration drives multi-resolution MINC registration.
//
// A run walks an ordered stage schedule from coarse to fine. For each
// stage it obtains blurred inputs from the artifact cache, invokes the
// optimizer seeded with the previous stage's transform, and keeps the
// result in source to target direction. Stages that register in the
// reversed direction are inverted before they are chained. The last
// transform of the chain becomes the output.
//
// All external work (blurring, resampling, statistics, the optimizer
// itself) goes through a Toolkit, which makes the drivers testable with a
// recording fake.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"iplreg/internal/logger"
	"iplreg/internal/models"
	"iplreg/pkg/cache"
	"iplreg/pkg/minc"
)

// ErrNoIterations is returned when the stage window leaves nothing to run
var ErrNoIterations = errors.New("no iterations were performed")

// cacheContext is the work directory subfolder used by the drivers
const cacheContext = "reg"

// Toolkit is the set of external operations the drivers sequence.
// *minc.Tools implements it.
type Toolkit interface {
	CheckFiles(inputs, outputs []string) (bool, error)
	Run(ctx context.Context, argv, inputs, outputs []string) error

	Blur(ctx context.Context, in, out string, fwhm float64, gradient bool) error
	ResampleSmooth(ctx context.Context, in, out string, step float64) error
	ResampleLabels(ctx context.Context, in, out string, step float64) error
	CenterOfMass(ctx context.Context, in string) ([3]float64, error)
	NormalizeGrid(ctx context.Context, grid string) error

	Track(ctx context.Context, req minc.TrackRequest) error

	InvertXFM(ctx context.Context, in, out string) error
	ConcatXFM(ctx context.Context, ins []string, out string) error
	TranslationXFM(ctx context.Context, out string, shift [3]float64) error
}

// Option configures a Registrar
type Option func(*Registrar)

// WithLogger sets the progress logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registrar) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTracer sets the tracer used for run and stage spans
func WithTracer(t trace.Tracer) Option {
	return func(r *Registrar) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithCacheOptions forwards options to every artifact cache the
// registrar opens
func WithCacheOptions(opts ...cache.Option) Option {
	return func(r *Registrar) {
		r.cacheOpts = append(r.cacheOpts, opts...)
	}
}

// Registrar runs registrations against a toolkit
type Registrar struct {
	tk        Toolkit
	log       *slog.Logger
	tracer    trace.Tracer
	cacheOpts []cache.Option
}

// NewRegistrar creates a registrar
func NewRegistrar(tk Toolkit, opts ...Option) *Registrar {
	r := &Registrar{
		tk:     tk,
		log:    logger.Discard(),
		tracer: noop.NewTracerProvider().Tracer("iplreg"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registrar) openCache(workDir string) (*cache.Store, error) {
	opts := append([]cache.Option{cache.WithLogger(r.log)}, r.cacheOpts...)
	return cache.Open(workDir, cacheContext, opts...)
}

// endSpan records err on span and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// inputs are the images a run works on after optional downsampling
type inputs struct {
	source, target         string
	sourceMask, targetMask string

	// sBase and tBase name the original images; blurBase names the
	// possibly downsampled images used as cache keys for blurring
	sBase, tBase         string
	sBlurBase, tBlurBase string
}

// prepareInputs downsamples images and masks once, up front, when a
// uniform step is requested. Masks use label resampling.
func (r *Registrar) prepareInputs(ctx context.Context, store *cache.Store, source, target, sourceMask, targetMask string, step float64) (inputs, error) {
	in := inputs{
		source:     source,
		target:     target,
		sourceMask: sourceMask,
		targetMask: targetMask,
		sBase:      cache.BaseName(source),
		tBase:      cache.BaseName(target),
	}
	in.sBlurBase, in.tBlurBase = in.sBase, in.tBase
	if step <= 0 {
		return in, nil
	}

	ds := cache.Float(step)
	var err error
	resample := func(img, base string) (string, error) {
		return store.Ensure(ctx, cache.Key{Base: base, Params: []string{ds}}, func(ctx context.Context, out string) error {
			return r.tk.ResampleSmooth(ctx, img, out, step)
		})
	}
	labels := func(img, base string) (string, error) {
		return store.Ensure(ctx, cache.Key{Base: base, Kind: "mask", Params: []string{ds}}, func(ctx context.Context, out string) error {
			return r.tk.ResampleLabels(ctx, img, out, step)
		})
	}

	if in.source, err = resample(source, in.sBase); err != nil {
		return in, err
	}
	if in.target, err = resample(target, in.tBase); err != nil {
		return in, err
	}
	if sourceMask != "" {
		if in.sourceMask, err = labels(sourceMask, in.sBase); err != nil {
			return in, err
		}
	}
	if targetMask != "" {
		if in.targetMask, err = labels(targetMask, in.tBase); err != nil {
			return in, err
		}
	}
	in.sBlurBase = cache.BaseName(in.source)
	in.tBlurBase = cache.BaseName(in.target)
	r.log.Info("downsampled inputs", "step", step, "source", in.source, "target", in.target)
	return in, nil
}

// blurred returns img smoothed for a stage. A zero FWHM uses img itself.
func (r *Registrar) blurred(ctx context.Context, store *cache.Store, img, base string, kind models.BlurKind, fwhm float64) (string, error) {
	if fwhm <= 0 {
		return img, nil
	}
	key := cache.Key{Base: base, Kind: string(kind), Params: []string{cache.Float(fwhm)}}
	path, err := store.Ensure(ctx, key, func(ctx context.Context, out string) error {
		return r.tk.Blur(ctx, img, out, fwhm, kind.Gradient())
	})
	if err != nil {
		return "", fmt.Errorf("failed to blur %s: %w", img, err)
	}
	return path, nil
}
