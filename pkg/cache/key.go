package cache

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Key identifies a cached artifact by the base name of its source, the
// processing applied and the processing parameters
type Key struct {
	Base   string
	Kind   string
	Params []string

	// Ext defaults to ".mnc"
	Ext string
}

// Name returns the deterministic file name for the key
func (k Key) Name() string {
	parts := []string{k.Base}
	if k.Kind != "" {
		parts = append(parts, k.Kind)
	}
	parts = append(parts, k.Params...)
	ext := k.Ext
	if ext == "" {
		ext = ".mnc"
	}
	return strings.Join(parts, "_") + ext
}

// Float formats a processing parameter the same way on every run
func Float(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// BaseName strips the directory and the .mnc/.mnc.gz extension from path
func BaseName(path string) string {
	b := filepath.Base(path)
	b = strings.TrimSuffix(b, ".gz")
	b = strings.TrimSuffix(b, ".mnc")
	return b
}
