package minc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"iplreg/internal/models"
	"iplreg/pkg/xfm"
)

// Blur smooths in with a Gaussian kernel of the given FWHM, or produces its
// gradient magnitude, and writes the result to out
func (t *Tools) Blur(ctx context.Context, in, out string, fwhm float64, gradient bool) error {
	base := strings.TrimSuffix(out, ".mnc") + ".mincblur"
	argv := []string{t.bin.Mincblur, "-clobber", "-no_apodize", "-fwhm", num(fwhm)}
	suffix := "_blur.mnc"
	if gradient {
		argv = append(argv, "-gradient")
		suffix = "_dxyz.mnc"
	}
	argv = append(argv, in, base)

	if err := t.Run(ctx, argv, []string{in}, []string{base + suffix}); err != nil {
		return err
	}
	// mincblur always writes the plain blur too
	defer os.Remove(base + "_blur.mnc")
	return os.Rename(base+suffix, out)
}

// ResampleSmooth blurs in to the target resolution and resamples it onto an
// isotropic grid with the given step
func (t *Tools) ResampleSmooth(ctx context.Context, in, out string, step float64) error {
	smooth := strings.TrimSuffix(out, ".mnc") + ".smooth.mnc"
	if err := t.Blur(ctx, in, smooth, step, false); err != nil {
		return err
	}
	defer os.Remove(smooth)
	argv := []string{t.bin.Autocrop, "-clobber", "-quiet", "-isostep", num(step), smooth, out}
	return t.Run(ctx, argv, []string{smooth}, []string{out})
}

// ResampleLabels resamples a label volume with nearest-neighbour
// interpolation and byte storage
func (t *Tools) ResampleLabels(ctx context.Context, in, out string, step float64) error {
	like := strings.TrimSuffix(out, ".mnc") + ".like.mnc"
	argv := []string{t.bin.Autocrop, "-clobber", "-quiet", "-isostep", num(step), in, like}
	if err := t.Run(ctx, argv, []string{in}, []string{like}); err != nil {
		return err
	}
	defer os.Remove(like)
	argv = []string{t.bin.Mincresample, "-clobber", "-quiet", "-nearest_neighbour", "-byte",
		"-labels", "-like", like, in, out}
	return t.Run(ctx, argv, []string{in, like}, []string{out})
}

// CenterOfMass returns the world coordinates of the intensity centre of mass
func (t *Tools) CenterOfMass(ctx context.Context, in string) ([3]float64, error) {
	var com [3]float64
	if _, err := CheckFiles([]string{in}, nil); err != nil {
		return com, err
	}
	argv := []string{t.bin.Mincstats, "-quiet", "-com", "-world_only", in}
	out, err := t.output(ctx, argv)
	if err != nil {
		return com, err
	}
	fields := strings.Fields(string(out))
	if len(fields) < 3 {
		return com, &ToolError{Argv: argv, Output: string(out), Err: fmt.Errorf("expected 3 coordinates")}
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return com, &ToolError{Argv: argv, Output: string(out), Err: err}
		}
		com[i] = v
	}
	return com, nil
}

// Track runs the optimizer
func (t *Tools) Track(ctx context.Context, req TrackRequest) error {
	argv := append([]string{t.bin.Minctracc}, req.Args()...)
	return t.Run(ctx, argv, req.Inputs(), []string{req.Output})
}

// NormalizeGrid rewrites a displacement grid in float storage, replacing
// the original file
func (t *Tools) NormalizeGrid(ctx context.Context, grid string) error {
	tmp := strings.TrimSuffix(grid, ".mnc") + ".norm.mnc"
	argv := []string{t.bin.Minccalc, "-clobber", "-quiet", "-float", "-expression", "A[0]", grid, tmp}
	if err := t.Run(ctx, argv, []string{grid}, []string{tmp}); err != nil {
		return err
	}
	return os.Rename(tmp, grid)
}

// InvertXFM writes the inverse of in to out
func (t *Tools) InvertXFM(ctx context.Context, in, out string) error {
	tr, err := xfm.ReadFile(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	inv, err := tr.Invert()
	if err != nil {
		return err
	}
	return xfm.WriteFileWithGrids(out, inv)
}

// ConcatXFM writes the composition of ins, first applied first, to out
func (t *Tools) ConcatXFM(ctx context.Context, ins []string, out string) error {
	ts := make([]*xfm.Transform, 0, len(ins))
	for _, in := range ins {
		tr, err := xfm.ReadFile(in)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
		ts = append(ts, tr)
	}
	return xfm.WriteFileWithGrids(out, xfm.Concat(ts...))
}

// TranslationXFM writes a pure translation transform to out
func (t *Tools) TranslationXFM(ctx context.Context, out string, shift [3]float64) error {
	return xfm.WriteFile(out, xfm.Translation(shift))
}

// ReadVolume loads a volume in standard (z, y, x) order as float64 voxels
func (t *Tools) ReadVolume(ctx context.Context, path string) (*models.Volume, error) {
	if _, err := CheckFiles([]string{path}, nil); err != nil {
		return nil, err
	}
	argv := []string{t.bin.Mincinfo,
		"-dimlength", "xspace", "-dimlength", "yspace", "-dimlength", "zspace",
		"-attvalue", "xspace:step", "-attvalue", "yspace:step", "-attvalue", "zspace:step",
		path}
	info, err := t.output(ctx, argv)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(info))
	if len(fields) != 6 {
		return nil, &ToolError{Argv: argv, Output: string(info), Err: fmt.Errorf("expected 6 values")}
	}
	var dims [3]int
	var steps [3]float64
	for i := 0; i < 3; i++ {
		if dims[i], err = strconv.Atoi(fields[i]); err != nil {
			return nil, &ToolError{Argv: argv, Output: string(info), Err: err}
		}
		if steps[i], err = strconv.ParseFloat(fields[3+i], 64); err != nil {
			return nil, &ToolError{Argv: argv, Output: string(info), Err: err}
		}
	}

	raw, err := t.output(ctx, []string{t.bin.Minctoraw, "-double", "-nonormalize", path})
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw, dims, steps)
}

func decodeRaw(raw []byte, dims [3]int, steps [3]float64) (*models.Volume, error) {
	n := dims[0] * dims[1] * dims[2]
	if len(raw) != n*8 {
		return nil, fmt.Errorf("raw volume has %d bytes, want %d", len(raw), n*8)
	}
	data := make([]float64, n)
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, data); err != nil {
		return nil, err
	}
	v := &models.Volume{Data: data, Width: dims[0], Height: dims[1], Depth: dims[2]}
	v.VoxelSize.X = math.Abs(steps[0])
	v.VoxelSize.Y = math.Abs(steps[1])
	v.VoxelSize.Z = math.Abs(steps[2])
	return v, nil
}

// CopyFile copies src to dst, replacing dst
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
