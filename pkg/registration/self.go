package registration

import "context"

// SelfRequest describes a registration of two scans of the same subject
// done by the external mritoself program
type SelfRequest struct {
	Source string
	Target string
	Output string

	Parameters   string
	Mask         string
	TargetTalXFM string
	InitXFM      string
	Model        string
	ModelDir     string

	Close           bool
	NoCrop          bool
	NoAutoThreshold bool

	// Program replaces the mritoself binary
	Program string
}

// Args renders the mritoself command line
func (req SelfRequest) Args() []string {
	prog := req.Program
	if prog == "" {
		prog = "mritoself"
	}
	argv := []string{prog, req.Source, req.Target, req.Output}
	if req.Parameters != "" {
		argv = append(argv, req.Parameters)
	}
	opt := func(flag, v string) {
		if v != "" {
			argv = append(argv, flag, v)
		}
	}
	opt("-mask", req.Mask)
	opt("-target_talxfm", req.TargetTalXFM)
	opt("-transform", req.InitXFM)
	opt("-model", req.Model)
	opt("-modeldir", req.ModelDir)
	if req.Close {
		argv = append(argv, "-close")
	}
	if req.NoCrop {
		argv = append(argv, "-nocrop")
	}
	if req.NoAutoThreshold {
		argv = append(argv, "-noautothreshold", "-nothreshold")
	}
	return argv
}

// LinearToSelf runs mritoself without staging or caching
func (r *Registrar) LinearToSelf(ctx context.Context, req SelfRequest) (err error) {
	ctx, span := r.tracer.Start(ctx, "registration.self")
	defer func() { endSpan(span, err) }()

	r.log.Info("self registration", "source", req.Source, "target", req.Target)
	return r.tk.Run(ctx, req.Args(), []string{req.Source, req.Target}, []string{req.Output})
}
