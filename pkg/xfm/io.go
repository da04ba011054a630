package xfm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

const header = "MNI Transform File"

// Parse reads a transform from r. Relative displacement volume paths are
// resolved against dir when dir is not empty.
func Parse(r io.Reader, dir string) (*Transform, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var body strings.Builder
	t := &Transform{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line != header {
				return nil, fmt.Errorf("not an MNI transform file: header %q", line)
			}
			first = false
			continue
		}
		if strings.HasPrefix(line, "%") {
			t.Comments = append(t.Comments, strings.TrimSpace(strings.TrimPrefix(line, "%")))
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, fmt.Errorf("empty transform file")
	}

	var cur *Entry
	for _, stmt := range strings.Split(body.String(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		key, val, ok := strings.Cut(stmt, "=")
		if !ok {
			return nil, fmt.Errorf("malformed statement %q", stmt)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "Transform_Type":
			if cur != nil {
				t.Entries = append(t.Entries, *cur)
			}
			switch val {
			case "Linear":
				cur = &Entry{Kind: KindLinear}
			case "Grid_Transform":
				cur = &Entry{Kind: KindGrid}
			default:
				return nil, fmt.Errorf("unsupported transform type %q", val)
			}
		case "Invert_Flag":
			if cur == nil {
				return nil, fmt.Errorf("Invert_Flag before Transform_Type")
			}
			cur.Inverted = strings.EqualFold(val, "True")
		case "Linear_Transform":
			if cur == nil || cur.Kind != KindLinear {
				return nil, fmt.Errorf("Linear_Transform outside a linear entry")
			}
			fields := strings.Fields(val)
			if len(fields) != 12 {
				return nil, fmt.Errorf("Linear_Transform has %d values, want 12", len(fields))
			}
			vals := make([]float64, 12)
			for i, f := range fields {
				v, err := strconv.ParseFloat(f, 64)
				if err != nil {
					return nil, fmt.Errorf("Linear_Transform value %q: %w", f, err)
				}
				vals[i] = v
			}
			cur.Matrix = homogeneous(mat.NewDense(3, 4, vals))
		case "Displacement_Volume":
			if cur == nil || cur.Kind != KindGrid {
				return nil, fmt.Errorf("Displacement_Volume outside a grid entry")
			}
			p := val
			if dir != "" && !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			cur.Grid = p
		default:
			// unknown keys (e.g. Transform_Type specific extras) are ignored
		}
	}
	if cur != nil {
		t.Entries = append(t.Entries, *cur)
	}

	// inverted linear entries are normalised to their inverse matrix
	for i, e := range t.Entries {
		if e.Kind == KindLinear {
			if e.Matrix == nil {
				return nil, fmt.Errorf("linear entry %d has no matrix", i)
			}
			if e.Inverted {
				var inv mat.Dense
				if err := inv.Inverse(e.Matrix); err != nil {
					return nil, fmt.Errorf("inverting linear entry %d: %w", i, err)
				}
				t.Entries[i] = Entry{Kind: KindLinear, Matrix: &inv}
			}
		}
	}
	if len(t.Entries) == 0 {
		return nil, fmt.Errorf("transform file has no entries")
	}
	return t, nil
}

// Format writes t in MNI text format. Grid paths inside dir are written
// relative to it.
func Format(w io.Writer, t *Transform, dir string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, header)
	for _, c := range t.Comments {
		fmt.Fprintf(bw, "%%%s\n", c)
	}
	for _, e := range t.Entries {
		fmt.Fprintln(bw)
		switch e.Kind {
		case KindLinear:
			fmt.Fprintln(bw, "Transform_Type = Linear;")
			fmt.Fprint(bw, "Linear_Transform =")
			for i := 0; i < 3; i++ {
				fmt.Fprint(bw, "\n")
				for j := 0; j < 4; j++ {
					fmt.Fprintf(bw, " %s", strconv.FormatFloat(e.Matrix.At(i, j), 'g', -1, 64))
				}
			}
			fmt.Fprintln(bw, ";")
		case KindGrid:
			fmt.Fprintln(bw, "Transform_Type = Grid_Transform;")
			if e.Inverted {
				fmt.Fprintln(bw, "Invert_Flag = True;")
			}
			fmt.Fprintf(bw, "Displacement_Volume = %s;\n", relativeTo(dir, e.Grid))
		}
	}
	return bw.Flush()
}

func relativeTo(dir, p string) string {
	if dir == "" || !filepath.IsAbs(p) {
		return p
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(absDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}

// ReadFile loads a transform from disk
func ReadFile(path string) (*Transform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	t, err := Parse(f, dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// WriteFile saves a transform to disk
func WriteFile(path string, t *Transform) error {
	var buf bytes.Buffer
	if err := Format(&buf, t, filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// WriteFileWithGrids saves a transform and copies every displacement
// volume next to it as <base>_grid_<n>.mnc, so the file stays valid after
// the sources of its grids are removed
func WriteFileWithGrids(path string, t *Transform) error {
	out := t.Clone()
	base := strings.TrimSuffix(path, filepath.Ext(path))
	n := 0
	for i, e := range out.Entries {
		if e.Kind != KindGrid {
			continue
		}
		dst := fmt.Sprintf("%s_grid_%d.mnc", base, n)
		n++
		absDst, err := filepath.Abs(dst)
		if err != nil {
			return err
		}
		if absSrc, err := filepath.Abs(e.Grid); err == nil && absSrc == absDst {
			continue
		}
		if err := copyFile(e.Grid, dst); err != nil {
			return fmt.Errorf("copying displacement volume: %w", err)
		}
		out.Entries[i].Grid = absDst
	}
	return WriteFile(path, out)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	o, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(o, in); err != nil {
		o.Close()
		return err
	}
	return o.Close()
}
