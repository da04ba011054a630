package xfm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"pgregory.net/rapid"
)

// drawAffine draws a well-conditioned affine matrix: a diagonally dominant
// 3x3 block plus a translation
func drawAffine(t *rapid.T) *Transform {
	vals := make([]float64, 12)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := rapid.Float64Range(-0.3, 0.3).Draw(t, "off")
			if i == j {
				v = rapid.Float64Range(0.5, 2).Draw(t, "diag")
			}
			vals[i*4+j] = v
		}
		vals[i*4+3] = rapid.Float64Range(-50, 50).Draw(t, "shift")
	}
	return Linear(mat.NewDense(3, 4, vals))
}

func TestInvertRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := drawAffine(rt)
		inv, err := tr.Invert()
		require.NoError(rt, err)
		back, err := inv.Invert()
		require.NoError(rt, err)
		if !back.EqualApprox(tr, 1e-9) {
			rt.Fatalf("invert(invert(T)) != T")
		}
	})
}

func TestInverseCancels(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := drawAffine(rt)
		inv, err := tr.Invert()
		require.NoError(rt, err)
		m, err := Concat(tr, inv).Matrix()
		require.NoError(rt, err)
		if !mat.EqualApprox(m, identity4(), 1e-9) {
			rt.Fatalf("T followed by its inverse is not identity")
		}
	})
}

func TestConcatAssociative(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a, b, c := drawAffine(rt), drawAffine(rt), drawAffine(rt)
		left, err := Concat(Concat(a, b), c).Matrix()
		require.NoError(rt, err)
		right, err := Concat(a, Concat(b, c)).Matrix()
		require.NoError(rt, err)
		if !mat.EqualApprox(left, right, 1e-9) {
			rt.Fatalf("concat is not associative")
		}
	})
}

func TestConcatAppliesFirstArgumentFirst(t *testing.T) {
	shift := Translation([3]float64{10, 0, 0})
	scale := Linear(mat.NewDense(3, 4, []float64{
		2, 0, 0, 0,
		0, 2, 0, 0,
		0, 0, 2, 0,
	}))

	p, err := Concat(shift, scale).Apply([3]float64{1, 1, 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{22, 2, 2}, p[:], 1e-12)

	p, err = Concat(scale, shift).Apply([3]float64{1, 1, 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{12, 2, 2}, p[:], 1e-12)
}

func TestGridInvertTogglesFlag(t *testing.T) {
	tr := Concat(Translation([3]float64{1, 2, 3}), Grid("/data/a_grid_0.mnc"))
	inv, err := tr.Invert()
	require.NoError(t, err)

	require.Len(t, inv.Entries, 2)
	assert.Equal(t, KindGrid, inv.Entries[0].Kind)
	assert.True(t, inv.Entries[0].Inverted)
	assert.Equal(t, KindLinear, inv.Entries[1].Kind)

	back, err := inv.Invert()
	require.NoError(t, err)
	assert.True(t, back.EqualApprox(tr, 1e-12))
	assert.False(t, tr.IsLinear())

	_, err = tr.Matrix()
	assert.ErrorIs(t, err, ErrNotLinear)
}

func TestCollapse(t *testing.T) {
	tr := Concat(Identity(), Translation([3]float64{1, 0, 0}), Grid("g.mnc"), Translation([3]float64{0, 1, 0}))
	c := tr.Collapse()
	require.Len(t, c.Entries, 3)
	assert.Equal(t, 1.0, c.Entries[0].Matrix.At(0, 3))
	assert.Equal(t, KindGrid, c.Entries[1].Kind)
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	grid := filepath.Join(dir, "nl_grid_0.mnc")
	tr := Concat(Translation([3]float64{1.5, -2.25, 3}), Grid(grid))
	tr.Comments = []string{"written by test"}

	path := filepath.Join(dir, "nl.xfm")
	require.NoError(t, WriteFile(path, tr))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.True(t, strings.HasPrefix(text, "MNI Transform File\n"))
	assert.Contains(t, text, "Displacement_Volume = nl_grid_0.mnc;")

	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.True(t, back.EqualApprox(tr, 0))
	assert.Equal(t, []string{grid}, back.Grids())
	assert.Equal(t, []string{"written by test"}, back.Comments)
}

func TestParseInvertedLinear(t *testing.T) {
	src := `MNI Transform File
%Thu Jan  1 00:00:00 1970>>> param2xfm

Transform_Type = Linear;
Invert_Flag = True;
Linear_Transform =
 1 0 0 5
 0 1 0 0
 0 0 1 0;
`
	tr, err := Parse(strings.NewReader(src), "")
	require.NoError(t, err)
	p, err := tr.Apply([3]float64{0, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, -5, p[0], 1e-12)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad header", "not a transform\n"},
		{"empty", ""},
		{"short matrix", "MNI Transform File\nTransform_Type = Linear;\nLinear_Transform = 1 2 3;\n"},
		{"unknown type", "MNI Transform File\nTransform_Type = Thin_Plate_Spline;\n"},
		{"no entries", "MNI Transform File\n%only a comment\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.src), "")
			assert.Error(t, err)
		})
	}
}
