package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"iplreg/internal/models"
	"iplreg/pkg/qc"
)

func (a *app) qcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qc [flags] input output.png",
		Short: "Render a slice mosaic of a volume with an optional mask overlay",
		Args:  cobra.ExactArgs(2),
		RunE:  a.runQC,
	}

	f := cmd.Flags()
	f.String("mask", "", "overlay volume on the same grid")
	f.String("image-lut", "gray", "image lookup table")
	f.String("mask-lut", "red", "overlay lookup table")
	f.Int("samples", 6, "slices per direction, even")
	f.String("blend", "alpha", "overlay blending: alpha, max or over")
	f.Float64("mask-bg", 0, "hide overlay values below this")
	f.Float64Slice("range", nil, "image intensity window: min,max")
	f.Float64Slice("mask-range", nil, "overlay intensity window: min,max")
	f.Float64("ialpha", 0.8, "image opacity")
	f.Float64("oalpha", 0.2, "overlay opacity")
	return cmd
}

func window(name string, v []float64) (*[2]float64, error) {
	switch len(v) {
	case 0:
		return nil, nil
	case 2:
		return &[2]float64{v[0], v[1]}, nil
	}
	return nil, fmt.Errorf("--%s needs two values, got %d", name, len(v))
}

func (a *app) qcOptions(cmd *cobra.Command) (qc.Options, error) {
	var opts qc.Options

	img, err := qc.LookupByName(a.v.GetString("image-lut"))
	if err != nil {
		return opts, err
	}
	ovl, err := qc.LookupByName(a.v.GetString("mask-lut"))
	if err != nil {
		return opts, err
	}
	opts.Image, opts.Overlay = &img, &ovl

	if opts.Blend, err = qc.ParseBlendMode(a.v.GetString("blend")); err != nil {
		return opts, err
	}
	irange, _ := cmd.Flags().GetFloat64Slice("range")
	if opts.ImageRange, err = window("range", irange); err != nil {
		return opts, err
	}
	orange, _ := cmd.Flags().GetFloat64Slice("mask-range")
	if opts.OverlayRange, err = window("mask-range", orange); err != nil {
		return opts, err
	}
	if a.v.IsSet("mask-bg") {
		bg := a.v.GetFloat64("mask-bg")
		opts.OverlayBackground = &bg
	}
	opts.Samples = a.v.GetInt("samples")
	opts.ImageAlpha = a.v.GetFloat64("ialpha")
	opts.OverlayAlpha = a.v.GetFloat64("oalpha")
	return opts, nil
}

func (a *app) runQC(cmd *cobra.Command, args []string) error {
	opts, err := a.qcOptions(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	tk := a.tools()
	vol, err := tk.ReadVolume(ctx, args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	var mask *models.Volume
	if path := a.v.GetString("mask"); path != "" {
		if mask, err = tk.ReadVolume(ctx, path); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}

	img, err := qc.Render(vol, mask, opts)
	if err != nil {
		return err
	}
	if err := qc.WritePNG(args[1], img); err != nil {
		return err
	}
	a.log.Info("qc mosaic written", "input", args[0], "output", args[1])
	fmt.Fprintf(a.stdout, "%s %s\n", color.GreenString("done"), args[1])
	return nil
}
