// Package xfm reads, writes and composes MNI transform (.xfm) files.
//
// A transform is an ordered list of entries applied first to last. Linear
// entries carry a 4x4 homogeneous matrix; grid entries reference a
// displacement volume on disk and may be flagged as inverted. Linear
// algebra is done with gonum.
package xfm

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNotLinear is returned when an operation needs a purely linear transform
var ErrNotLinear = errors.New("transform is not linear")

// Kind distinguishes linear and displacement-grid entries
type Kind int

const (
	KindLinear Kind = iota
	KindGrid
)

// Entry is one element of a transform chain
type Entry struct {
	Kind Kind

	// Matrix is the 4x4 homogeneous matrix of a linear entry
	Matrix *mat.Dense

	// Grid is the displacement volume of a grid entry
	Grid string

	// Inverted marks a grid entry that must be applied in reverse
	Inverted bool
}

// Transform is an ordered chain of entries
type Transform struct {
	Entries  []Entry
	Comments []string
}

// Identity returns the identity linear transform
func Identity() *Transform {
	return Linear(identity4())
}

// Translation returns a linear transform shifting by v
func Translation(v [3]float64) *Transform {
	m := identity4()
	for i := 0; i < 3; i++ {
		m.Set(i, 3, v[i])
	}
	return Linear(m)
}

// Linear wraps a 3x4 or 4x4 matrix. The matrix is copied.
func Linear(m mat.Matrix) *Transform {
	return &Transform{Entries: []Entry{{Kind: KindLinear, Matrix: homogeneous(m)}}}
}

// Grid returns a transform with a single displacement volume
func Grid(path string) *Transform {
	return &Transform{Entries: []Entry{{Kind: KindGrid, Grid: path}}}
}

func identity4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func homogeneous(m mat.Matrix) *mat.Dense {
	out := identity4()
	r, c := m.Dims()
	for i := 0; i < r && i < 3; i++ {
		for j := 0; j < c && j < 4; j++ {
			out.Set(i, j, m.At(i, j))
		}
	}
	return out
}

// IsLinear reports whether every entry is linear
func (t *Transform) IsLinear() bool {
	for _, e := range t.Entries {
		if e.Kind != KindLinear {
			return false
		}
	}
	return true
}

// Grids lists the displacement volumes referenced by the transform
func (t *Transform) Grids() []string {
	var out []string
	for _, e := range t.Entries {
		if e.Kind == KindGrid {
			out = append(out, e.Grid)
		}
	}
	return out
}

// Clone returns a deep copy
func (t *Transform) Clone() *Transform {
	out := &Transform{
		Entries:  make([]Entry, len(t.Entries)),
		Comments: append([]string(nil), t.Comments...),
	}
	for i, e := range t.Entries {
		if e.Matrix != nil {
			e.Matrix = mat.DenseCopyOf(e.Matrix)
		}
		out.Entries[i] = e
	}
	return out
}

// Matrix returns the composed 4x4 matrix of a linear transform
func (t *Transform) Matrix() (*mat.Dense, error) {
	if !t.IsLinear() {
		return nil, ErrNotLinear
	}
	acc := identity4()
	for _, e := range t.Entries {
		var next mat.Dense
		next.Mul(e.Matrix, acc)
		acc = &next
	}
	return acc, nil
}

// Invert returns the inverse chain: entries are reversed, linear matrices
// inverted and grid entries have their inversion flag toggled.
func (t *Transform) Invert() (*Transform, error) {
	out := &Transform{Entries: make([]Entry, 0, len(t.Entries))}
	for i := len(t.Entries) - 1; i >= 0; i-- {
		e := t.Entries[i]
		switch e.Kind {
		case KindLinear:
			var inv mat.Dense
			if err := inv.Inverse(e.Matrix); err != nil {
				return nil, fmt.Errorf("inverting linear entry %d: %w", i, err)
			}
			out.Entries = append(out.Entries, Entry{Kind: KindLinear, Matrix: &inv})
		case KindGrid:
			out.Entries = append(out.Entries, Entry{Kind: KindGrid, Grid: e.Grid, Inverted: !e.Inverted})
		}
	}
	return out, nil
}

// Concat composes transforms in application order: the first argument is
// applied first. Entries are kept as they are; use Collapse to merge
// neighbouring linear entries.
func Concat(ts ...*Transform) *Transform {
	out := &Transform{}
	for _, t := range ts {
		out.Entries = append(out.Entries, t.Clone().Entries...)
	}
	return out
}

// Collapse merges each run of consecutive linear entries into one matrix
func (t *Transform) Collapse() *Transform {
	out := &Transform{Comments: append([]string(nil), t.Comments...)}
	for _, e := range t.Entries {
		n := len(out.Entries)
		if e.Kind == KindLinear && n > 0 && out.Entries[n-1].Kind == KindLinear {
			var m mat.Dense
			m.Mul(e.Matrix, out.Entries[n-1].Matrix)
			out.Entries[n-1].Matrix = &m
			continue
		}
		if e.Matrix != nil {
			e.Matrix = mat.DenseCopyOf(e.Matrix)
		}
		out.Entries = append(out.Entries, e)
	}
	return out
}

// Apply maps a world coordinate through a linear transform
func (t *Transform) Apply(p [3]float64) ([3]float64, error) {
	m, err := t.Matrix()
	if err != nil {
		return [3]float64{}, err
	}
	v := mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1})
	var r mat.VecDense
	r.MulVec(m, v)
	return [3]float64{r.AtVec(0), r.AtVec(1), r.AtVec(2)}, nil
}

// EqualApprox compares two transforms entry by entry
func (t *Transform) EqualApprox(o *Transform, tol float64) bool {
	if len(t.Entries) != len(o.Entries) {
		return false
	}
	for i := range t.Entries {
		a, b := t.Entries[i], o.Entries[i]
		if a.Kind != b.Kind {
			return false
		}
		switch a.Kind {
		case KindLinear:
			if !mat.EqualApprox(a.Matrix, b.Matrix, tol) {
				return false
			}
		case KindGrid:
			if a.Grid != b.Grid || a.Inverted != b.Inverted {
				return false
			}
		}
	}
	return true
}
