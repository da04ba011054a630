package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iplreg/pkg/stages"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "minctracc", cfg.Tools.Minctracc)
	assert.Equal(t, 32.0, cfg.Nonlinear.Start)
	assert.Equal(t, 4.0, cfg.Nonlinear.Level)
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"iplreg.yaml", "iplreg.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf", name)
			want := DefaultConfig()
			want.Tools.Minctracc = "/opt/minc/bin/minctracc"
			want.Linear.Conf = "bestlinreg_20171223"
			want.Nonlinear.Level = 2
			want.WorkDir = "/scratch/reg"
			want.Output.Verbose = 2
			want.Tracing.Exporter = "otlp"
			want.Tracing.OTLPEndpoint = "collector:4317"

			require.NoError(t, SaveConfig(want, path))
			got, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestPartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iplreg.yml")
	doc := `linear:
  objective: -nmi
tools:
  mincblur: /usr/local/bin/mincblur
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "-nmi", cfg.Linear.Objective)
	assert.Equal(t, "-lsq6", cfg.Linear.Parameters)
	assert.Equal(t, "/usr/local/bin/mincblur", cfg.Tools.Mincblur)
	assert.Equal(t, "minctracc", cfg.Tools.Minctracc)
}

func TestTOMLLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iplreg.toml")
	doc := `workDir = "/tmp/reg"

[nonlinear]
start = 16.0
level = 8.0

[tracing]
exporter = "stdout"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/reg", cfg.WorkDir)
	assert.Equal(t, 16.0, cfg.Nonlinear.Start)
	assert.Equal(t, 8.0, cfg.Nonlinear.Level)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
}

func TestInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"level above start": "nonlinear:\n  start: 4\n  level: 8\n",
		"exporter":          "tracing:\n  exporter: zipkin\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
			_, err := LoadConfig(path)
			assert.ErrorIs(t, err, stages.ErrConfiguration)
		})
	}
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("linear: [\n"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iplreg.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
