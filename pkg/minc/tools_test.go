package minc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iplreg/pkg/xfm"
)

// writeScript installs an executable shell script standing in for a MINC tool
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return p
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestLinearTrackArgs(t *testing.T) {
	req := TrackRequest{
		Source:         "s_blur_16.mnc",
		Target:         "t_blur_16.mnc",
		Output:         "s_t_0.xfm",
		Parameters:     "-lsq9",
		Objective:      "-xcorr",
		Simplex:        32,
		Tolerance:      0.01,
		Steps:          []float64{8, 8, 8},
		Transformation: "init.xfm",
		EstCenter:      true,
		ModelMask:      "s_mask.mnc",
		NoShear:        true,
		NoRotations:    true,
	}
	want := []string{
		"s_blur_16.mnc", "t_blur_16.mnc", "-clobber", "-lsq9", "-xcorr",
		"-simplex", "32", "-tol", "0.01", "-step", "8", "8", "8",
		"-transformation", "init.xfm", "-est_center",
		"-model_mask", "s_mask.mnc",
		"-w_shear", "0", "0", "0",
		"-w_rotations", "0", "0", "0",
		"s_t_0.xfm",
	}
	if diff := cmp.Diff(want, req.Args()); diff != "" {
		t.Errorf("Args() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"s_blur_16.mnc", "t_blur_16.mnc", "init.xfm", "s_mask.mnc"}, req.Inputs())
}

func TestNonlinearTrackArgs(t *testing.T) {
	req := TrackRequest{
		Source: "s.mnc",
		Target: "t.mnc",
		Output: "nl_3.xfm",
		Steps:  []float64{2, 2, 2},
		Nonlinear: &NonlinearOptions{
			Cost: "corrcoeff", Weight: 1, Stiffness: 1, Similarity: 0.3, SubLattice: 6,
			Iterations: 10, LatticeDiameter: [3]float64{6, 6, 6}, NoSuper: true,
		},
		Identity:   true,
		SourceMask: "sm.mnc",
		ModelMask:  "tm.mnc",
	}
	want := []string{
		"s.mnc", "t.mnc", "-clobber",
		"-nonlinear", "corrcoeff", "-weight", "1", "-stiffness", "1", "-similarity", "0.3",
		"-sub_lattice", "6", "-iterations", "10", "-lattice_diam", "6", "6", "6",
		"-step", "2", "2", "2", "-no_super",
		"-identity",
		"-source_mask", "sm.mnc", "-model_mask", "tm.mnc",
		"nl_3.xfm",
	}
	if diff := cmp.Diff(want, req.Args()); diff != "" {
		t.Errorf("Args() mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mnc")
	out := filepath.Join(dir, "out.xfm")
	touch(t, in)

	run, err := CheckFiles([]string{in}, []string{out})
	require.NoError(t, err)
	assert.True(t, run)

	touch(t, out)
	run, err = CheckFiles([]string{filepath.Join(dir, "missing.mnc")}, []string{out})
	require.NoError(t, err, "existing outputs win over missing inputs")
	assert.False(t, run)

	_, err = CheckFiles([]string{filepath.Join(dir, "missing.mnc")}, []string{filepath.Join(dir, "other.xfm")})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestRunFailure(t *testing.T) {
	dir := t.TempDir()
	fail := writeScript(t, dir, "fail", "echo 'minctracc: cannot read volume' >&2; exit 3")
	tools := NewTools(Binaries{}, nil)

	err := tools.Run(context.Background(), []string{fail, "a"}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalTool)
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.ExitCode)
	assert.Contains(t, te.Error(), "cannot read volume")
}

func TestRunMissingOutput(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "ok", "exit 0")
	tools := NewTools(Binaries{}, nil)

	err := tools.Run(context.Background(), []string{ok}, nil, []string{filepath.Join(dir, "never.xfm")})
	assert.ErrorIs(t, err, ErrExternalTool)
}

func TestCenterOfMass(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "t1.mnc")
	touch(t, in)
	stats := writeScript(t, dir, "mincstats", "echo '1.5 -2 30.25'")
	tools := NewTools(Binaries{Mincstats: stats}, nil)

	com, err := tools.CenterOfMass(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1.5, -2, 30.25}, com)
}

func TestBlurRenamesToolOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "t1.mnc")
	touch(t, in)
	// the last argument is the output base name
	blur := writeScript(t, dir, "mincblur", `for last; do :; done; echo b > "${last}_blur.mnc"; echo g > "${last}_dxyz.mnc"`)
	tools := NewTools(Binaries{Mincblur: blur}, nil)

	out := filepath.Join(dir, "t1_dxyz_8.mnc")
	require.NoError(t, tools.Blur(context.Background(), in, out, 8, true))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "g\n", string(data))

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.mincblur*"))
	assert.Empty(t, leftovers)
}

func TestTransformOps(t *testing.T) {
	dir := t.TempDir()
	tools := NewTools(Binaries{}, nil)
	ctx := context.Background()

	a := filepath.Join(dir, "a.xfm")
	require.NoError(t, tools.TranslationXFM(ctx, a, [3]float64{1, 2, 3}))
	inv := filepath.Join(dir, "a_inv.xfm")
	require.NoError(t, tools.InvertXFM(ctx, a, inv))
	both := filepath.Join(dir, "both.xfm")
	require.NoError(t, tools.ConcatXFM(ctx, []string{a, inv}, both))

	tr, err := xfm.ReadFile(both)
	require.NoError(t, err)
	// concatenation keeps every input entry
	require.Len(t, tr.Entries, 2)
	p, err := tr.Apply([3]float64{4, 5, 6})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{4, 5, 6}, p[:], 1e-12)

	err = tools.InvertXFM(ctx, filepath.Join(dir, "missing.xfm"), inv)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestDecodeRaw(t *testing.T) {
	vals := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, vals))

	v, err := decodeRaw(buf.Bytes(), [3]int{2, 2, 2}, [3]float64{1, -1, 2})
	require.NoError(t, err)
	assert.Equal(t, 5.0, v.At(1, 0, 1))
	assert.Equal(t, 1.0, v.VoxelSize.Y)

	_, err = decodeRaw(buf.Bytes()[:8], [3]int{2, 2, 2}, [3]float64{1, 1, 1})
	assert.Error(t, err)
}
