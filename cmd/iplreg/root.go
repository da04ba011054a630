package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"iplreg/internal/logger"
	"iplreg/internal/models"
	"iplreg/pkg/cache"
	"iplreg/pkg/config"
	"iplreg/pkg/minc"
	"iplreg/pkg/registration"
	"iplreg/pkg/stages"
	"iplreg/pkg/tracing"
)

// toolkit is what the commands need from the MINC tools
type toolkit interface {
	registration.Toolkit
	ReadVolume(ctx context.Context, path string) (*models.Volume, error)
}

type app struct {
	v      *viper.Viper
	cfg    *config.Config
	log    *slog.Logger
	traces *tracing.Provider

	stdout io.Writer
	stderr io.Writer

	newTools func(minc.Binaries, *slog.Logger) toolkit
	closers  []func()
}

// execute runs the command line in args. It owns the log file and the
// trace exporter for the duration of the command.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := newApp(stdout, stderr)
	defer a.close()

	cmd := a.rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		v:      viper.New(),
		stdout: stdout,
		stderr: stderr,
		newTools: func(bin minc.Binaries, log *slog.Logger) toolkit {
			return minc.NewTools(bin, log)
		},
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iplreg [flags] source target output_xfm",
		Short: "Multi-resolution MINC registration",
		Long: `iplreg registers a source volume onto a target volume with a
coarse to fine schedule of minctracc runs. Intermediate blurred and
resampled volumes are kept in the work directory and shared between runs.`,
		Args:              cobra.ArbitraryArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE:              a.runRegister,
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (.yaml or .toml)")
	pf.String("trace", "", "span exporter: none, stdout or otlp")
	pf.CountP("verbose", "v", "increase verbosity, repeat for external commands")

	f := cmd.Flags()
	f.String("source-mask", "", "source mask")
	f.String("target-mask", "", "target mask")
	f.String("init-xfm", "", "initial transform")
	f.String("work-dir", "", "work directory shared between runs")
	f.Float64("downsample", 0, "resample inputs to this step in mm first")
	f.Float64("start", 0, "skip stages coarser than this many mm")
	f.Float64("level", 0, "finest non-linear step in mm")
	f.Bool("nl", false, "non-linear registration")
	f.Bool("increment", false, "non-linear registration at --level only")
	f.String("lin", "", "linear transform family (lsq6, lsq9, lsq12)")
	f.String("objective", "", "objective function (xcorr, nmi, mi)")
	f.String("conf", "", "preset name, stage file or external program")
	f.Bool("close", false, "inputs are already close to each other")
	f.Bool("norot", false, "disable rotations")
	f.Bool("noshear", false, "disable shears")
	f.Bool("noshift", false, "disable translations")
	f.Bool("noscale", false, "disable scaling")

	cmd.AddCommand(a.selfCmd(), a.qcCmd(), a.presetsCmd(), a.configCmd())
	return cmd
}

// setup layers flags and IPLREG_* variables over the config file, then
// builds the logger and the tracer
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	a.v.SetEnvPrefix("IPLREG")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cfg := config.DefaultConfig()
	if path := a.v.GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return err
		}
	}
	a.cfg = cfg

	a.v.SetDefault("lin", cfg.Linear.Parameters)
	a.v.SetDefault("objective", cfg.Linear.Objective)
	a.v.SetDefault("conf", cfg.Linear.Conf)
	a.v.SetDefault("level", cfg.Nonlinear.Level)
	a.v.SetDefault("work-dir", cfg.WorkDir)
	a.v.SetDefault("trace", cfg.Tracing.Exporter)
	a.v.SetDefault("verbose", cfg.Output.Verbose)

	log, closeLog, err := logger.New(logger.Options{
		Verbose: a.v.GetInt("verbose"),
		File:    cfg.Output.LogFile,
		Writer:  a.stderr,
	})
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, closeLog)

	tcfg := cfg.Tracing
	tcfg.Exporter = a.v.GetString("trace")
	traces, err := tracing.NewProvider(cmd.Context(), tcfg)
	if err != nil {
		return err
	}
	a.traces = traces
	a.closers = append(a.closers, func() {
		if err := traces.Shutdown(context.Background()); err != nil {
			a.log.Warn("trace shutdown", "error", err)
		}
	})
	return nil
}

func (a *app) tools() toolkit {
	return a.newTools(a.cfg.Tools, a.log)
}

func (a *app) registrar(tk toolkit) *registration.Registrar {
	opts := []registration.Option{
		registration.WithLogger(a.log),
		registration.WithTracer(a.traces.Tracer()),
	}
	if a.cfg.Output.KeepTemp {
		opts = append(opts, registration.WithCacheOptions(cache.KeepTemp()))
	}
	return registration.NewRegistrar(tk, opts...)
}

// dashed accepts minctracc flags with or without the leading dash
func dashed(s string) string {
	if s == "" || strings.HasPrefix(s, "-") {
		return s
	}
	return "-" + s
}

type registerOptions struct {
	Source     string
	Target     string
	Output     string
	SourceMask string
	TargetMask string
	InitXFM    string
	WorkDir    string
	Downsample float64
	Start      float64
	Level      float64
	Nonlinear  bool
	Increment  bool
	Parameters string
	Objective  string
	Conf       string
	Close      bool
	NoRot      bool
	NoShear    bool
	NoShift    bool
	NoScale    bool
}

func (a *app) registerOptions(args []string) registerOptions {
	positional := make([]string, 3)
	copy(positional, args)
	return registerOptions{
		Source:     positional[0],
		Target:     positional[1],
		Output:     positional[2],
		SourceMask: a.v.GetString("source-mask"),
		TargetMask: a.v.GetString("target-mask"),
		InitXFM:    a.v.GetString("init-xfm"),
		WorkDir:    a.v.GetString("work-dir"),
		Downsample: a.v.GetFloat64("downsample"),
		Start:      a.v.GetFloat64("start"),
		Level:      a.v.GetFloat64("level"),
		Nonlinear:  a.v.GetBool("nl"),
		Increment:  a.v.GetBool("increment"),
		Parameters: dashed(a.v.GetString("lin")),
		Objective:  dashed(a.v.GetString("objective")),
		Conf:       a.v.GetString("conf"),
		Close:      a.v.GetBool("close"),
		NoRot:      a.v.GetBool("norot"),
		NoShear:    a.v.GetBool("noshear"),
		NoShift:    a.v.GetBool("noshift"),
		NoScale:    a.v.GetBool("noscale"),
	}
}

func (a *app) runRegister(cmd *cobra.Command, args []string) error {
	opts := a.registerOptions(args)
	if len(args) != 3 {
		_ = cmd.Usage()
		fmt.Fprintf(a.stderr, "%+v\n", opts)
		return fmt.Errorf("expected source, target and output_xfm, got %d arguments", len(args))
	}

	ctx := cmd.Context()
	reg := a.registrar(a.tools())

	var err error
	switch {
	case opts.Nonlinear || opts.Increment:
		req := registration.NonlinearRequest{
			Source:     opts.Source,
			Target:     opts.Target,
			Output:     opts.Output,
			SourceMask: opts.SourceMask,
			TargetMask: opts.TargetMask,
			InitXFM:    opts.InitXFM,
			Start:      opts.Start,
			Level:      opts.Level,
			Downsample: opts.Downsample,
			WorkDir:    opts.WorkDir,
		}
		if req.Start == 0 {
			req.Start = a.cfg.Nonlinear.Start
		}
		if opts.Increment {
			err = reg.NonlinearIncrement(ctx, req)
		} else {
			err = reg.NonlinearFull(ctx, req)
		}
	default:
		sel, perr := stages.ParseSelection(opts.Conf)
		if perr != nil {
			return perr
		}
		err = reg.Linear(ctx, registration.LinearRequest{
			Source:      opts.Source,
			Target:      opts.Target,
			Output:      opts.Output,
			SourceMask:  opts.SourceMask,
			TargetMask:  opts.TargetMask,
			InitXFM:     opts.InitXFM,
			Parameters:  opts.Parameters,
			Objective:   opts.Objective,
			Selection:   sel,
			NoRotations: opts.NoRot,
			NoShear:     opts.NoShear,
			NoShift:     opts.NoShift,
			NoScale:     opts.NoScale,
			Start:       opts.Start,
			Close:       opts.Close,
			Downsample:  opts.Downsample,
			WorkDir:     opts.WorkDir,
		})
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "%s %s\n", color.GreenString("done"), opts.Output)
	return nil
}
