package stages

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"iplreg/internal/models"
)

func TestPresetsAreValid(t *testing.T) {
	for _, name := range Names() {
		st, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NoError(t, Validate(st), name)
		assert.Equal(t, models.InitEstimateTranslations, st[0].Init, name)
	}
	assert.NoError(t, ValidateNonlinear(DefaultNonlinear()))
}

func TestDefaultPresetSchedule(t *testing.T) {
	st, err := Lookup(DefaultPreset)
	require.NoError(t, err)

	var fwhm []float64
	var kinds []models.BlurKind
	for _, s := range st {
		fwhm = append(fwhm, s.FWHM)
		kinds = append(kinds, s.Blur)
	}
	assert.Equal(t, []float64{16, 8, 4, 8, 4}, fwhm)
	assert.Equal(t, []models.BlurKind{
		models.BlurIntensity, models.BlurIntensity, models.BlurIntensity,
		models.BlurGradient, models.BlurGradient,
	}, kinds)
}

func TestLookupReturnsCopy(t *testing.T) {
	a, err := Lookup("bestlinreg")
	require.NoError(t, err)
	a[0].Steps[0] = 100
	a[0].FWHM = 100

	b, err := Lookup("bestlinreg")
	require.NoError(t, err)
	assert.Equal(t, 8.0, b[0].Steps[0])
	assert.Equal(t, 16.0, b[0].FWHM)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("bestlinreg_xl")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestReversedPreset(t *testing.T) {
	st, err := Lookup("bestlinreg_20171223")
	require.NoError(t, err)
	assert.True(t, st[len(st)-1].Reversed)
	for _, s := range st[:len(st)-1] {
		assert.False(t, s.Reversed)
	}
}

func TestResolve(t *testing.T) {
	custom := []models.LinearStage{
		{Blur: models.BlurGradient, FWHM: 2, Steps: []float64{2, 2, 2}, Tolerance: 0.001, Simplex: 2},
	}
	tests := []struct {
		name    string
		sel     Selection
		stages  int
		extern  string
		wantErr error
	}{
		{"zero value", Selection{}, 5, "", nil},
		{"preset", Preset("bestlinreg_new"), 4, "", nil},
		{"sequence", Sequence(custom), 1, "", nil},
		{"external", External("bestlinreg.pl"), 0, "bestlinreg.pl", nil},
		{"unknown preset", Preset("nope"), 0, "", ErrConfiguration},
		{"empty sequence", Sequence(nil), 0, "", ErrConfiguration},
		{"empty external", External(" "), 0, "", ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Resolve(tt.sel)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, r.Stages, tt.stages)
			assert.Equal(t, tt.extern, r.External)
			assert.Equal(t, tt.extern == "", r.Staged())
		})
	}
}

func TestSequenceIsCopied(t *testing.T) {
	st := []models.LinearStage{
		{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4}, Tolerance: 0.01, Simplex: 8},
	}
	sel := Sequence(st)
	st[0].Steps[0] = 1

	r, err := Resolve(sel)
	require.NoError(t, err)
	assert.Equal(t, 4.0, r.Stages[0].Steps[0])
}

func TestValidate(t *testing.T) {
	good := models.LinearStage{Blur: models.BlurIntensity, FWHM: 4, Steps: []float64{4, 4, 4}, Tolerance: 0.01, Simplex: 8}
	tests := []struct {
		name   string
		mutate func(*models.LinearStage)
	}{
		{"blur kind", func(s *models.LinearStage) { s.Blur = "median" }},
		{"negative fwhm", func(s *models.LinearStage) { s.FWHM = -1 }},
		{"no steps", func(s *models.LinearStage) { s.Steps = nil }},
		{"four steps", func(s *models.LinearStage) { s.Steps = []float64{1, 1, 1, 1} }},
		{"zero step", func(s *models.LinearStage) { s.Steps = []float64{0} }},
		{"tolerance", func(s *models.LinearStage) { s.Tolerance = 0 }},
		{"zero simplex", func(s *models.LinearStage) { s.Simplex = 0 }},
		{"negative simplex", func(s *models.LinearStage) { s.Simplex = -4 }},
	}
	require.NoError(t, Validate([]models.LinearStage{good}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := good
			s.Steps = append([]float64(nil), good.Steps...)
			tt.mutate(&s)
			assert.ErrorIs(t, Validate([]models.LinearStage{s}), ErrConfiguration)
		})
	}
}

func TestStageFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	want, err := Lookup("bestlinreg_20171223")
	require.NoError(t, err)

	require.NoError(t, WriteFile(path, want))
	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yml")
	doc := `stages:
  - blur: blur
    blur_fwhm: 8
    steps: [4, 4, 4]
    tolerance: 0.004
    simplex: 16
    trans: -est_translations
  - blur: dxyz
    blur_fwhm: 4
    steps: [4, 4, 4]
    tolerance: 0.004
    simplex: 2
    parameters: -lsq12
    reverse: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	st, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.Equal(t, models.InitEstimateTranslations, st[0].Init)
	assert.Equal(t, models.BlurGradient, st[1].Blur)
	assert.Equal(t, "-lsq12", st[1].Parameters)
	assert.True(t, st[1].Reversed)
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages: []\n"), 0644))
	_, err := LoadFile(path)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseSelection(t *testing.T) {
	dir := t.TempDir()
	stageFile := filepath.Join(dir, "mine.yaml")
	st, err := Lookup("bestlinreg_s")
	require.NoError(t, err)
	require.NoError(t, WriteFile(stageFile, st))

	lookPath := func(name string) (string, error) {
		if name == "bestlinreg.pl" {
			return "/usr/local/bin/bestlinreg.pl", nil
		}
		return "", errors.New("not found")
	}

	tests := []struct {
		value string
		kind  Kind
		err   bool
	}{
		{"", KindDefault, false},
		{"bestlinreg_s2", KindPreset, false},
		{stageFile, KindSequence, false},
		{"bestlinreg.pl", KindExternal, false},
		{"no-such-thing", KindDefault, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			sel, err := parseSelection(tt.value, lookPath)
			if tt.err {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, sel.Kind())
		})
	}
}

func TestLinearWindowIsPerStage(t *testing.T) {
	// not monotonic in FWHM, so a global cut would drop the gradient stages
	st, err := Lookup("bestlinreg")
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, LinearWindow{}.Select(st))
	assert.Equal(t, []int{1, 2, 3, 4}, LinearWindow{Close: true}.Select(st))
	assert.Equal(t, []int{2, 4}, LinearWindow{Start: 4}.Select(st))
	assert.Empty(t, LinearWindow{Start: 2}.Select(st))
}

func TestLinearWindowProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		st := make([]models.LinearStage, n)
		for i := range st {
			st[i].FWHM = rapid.Float64Range(0, 32).Draw(t, "fwhm")
		}
		w := LinearWindow{
			Start: rapid.Float64Range(0, 32).Draw(t, "start"),
			Close: rapid.Bool().Draw(t, "close"),
		}

		sel := w.Select(st)
		kept := map[int]bool{}
		for k, i := range sel {
			if k > 0 && sel[k-1] >= i {
				t.Fatalf("indices not increasing: %v", sel)
			}
			kept[i] = true
		}
		for i, s := range st {
			inside := (w.Start == 0 || s.FWHM <= w.Start) && (!w.Close || s.FWHM <= CloseMaxFWHM)
			if kept[i] != inside {
				t.Fatalf("stage %d fwhm %g: kept=%v, want %v", i, s.FWHM, kept[i], inside)
			}
		}
	})
}

func TestNonlinearWindow(t *testing.T) {
	st := DefaultNonlinear().Stages
	steps := func(idx []int) []float64 {
		var out []float64
		for _, i := range idx {
			out = append(out, st[i].Step)
		}
		return out
	}

	assert.Equal(t, []float64{32, 16, 12, 8, 6, 4}, steps(NonlinearWindow{Start: 32, Level: 4}.Select(st)))
	assert.Equal(t, []float64{8, 6, 4}, steps(NonlinearWindow{Start: 8, Level: 4}.Select(st)))
	assert.Equal(t, []float64{2}, steps(NonlinearWindow{Start: 2, Level: 2}.Select(st)))
	assert.Equal(t, []float64{1, 1}, steps(NonlinearWindow{Start: 1, Level: 1}.Select(st)))
	assert.Empty(t, NonlinearWindow{Start: 3, Level: 5}.Select(st))
}

func TestNonlinearWindowStopsAtLevel(t *testing.T) {
	// a coarse stage after a fine one is never reached
	st := []models.NonlinearStage{{Step: 8}, {Step: 2}, {Step: 8}}
	assert.Equal(t, []int{0}, NonlinearWindow{Start: 32, Level: 4}.Select(st))
}

func TestLatticeDiameter(t *testing.T) {
	assert.Equal(t, [3]float64{12, 12, 12}, models.NonlinearStage{Step: 4}.LatticeDiameter())
}
