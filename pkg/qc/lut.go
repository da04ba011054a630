// Package qc renders quality control mosaics of MINC volumes: axial,
// sagittal and coronal slices laid out on a grid, optionally with a mask
// or label volume blended on top.
package qc

import (
	"fmt"
	"math"
	"sort"
)

// RGBA is a colour with components in [0, 1]
type RGBA struct {
	R, G, B, A float64
}

type stop struct {
	pos float64
	c   RGBA
}

// LookupTable maps normalized intensities onto colours by linear
// interpolation between stops. Tables are plain values; callers pick one
// and pass it in Options.
type LookupTable struct {
	Name string

	// Bad is used for NaN and masked voxels
	Bad RGBA

	stops []stop
}

// At returns the colour for v in [0, 1]; values outside are clamped
func (l LookupTable) At(v float64) RGBA {
	if math.IsNaN(v) || len(l.stops) == 0 {
		return l.Bad
	}
	if v <= l.stops[0].pos {
		return l.stops[0].c
	}
	last := l.stops[len(l.stops)-1]
	if v >= last.pos {
		return last.c
	}
	i := sort.Search(len(l.stops), func(i int) bool { return l.stops[i].pos >= v })
	a, b := l.stops[i-1], l.stops[i]
	f := (v - a.pos) / (b.pos - a.pos)
	lerp := func(x, y float64) float64 { return x + (y-x)*f }
	return RGBA{lerp(a.c.R, b.c.R), lerp(a.c.G, b.c.G), lerp(a.c.B, b.c.B), lerp(a.c.A, b.c.A)}
}

var opaqueBlack = RGBA{0, 0, 0, 1}

// Gray ramps from black to white
func Gray() LookupTable {
	return LookupTable{Name: "gray", Bad: opaqueBlack, stops: []stop{
		{0, RGBA{0, 0, 0, 1}},
		{1, RGBA{1, 1, 1, 1}},
	}}
}

// Red ramps from black to red; masked voxels are transparent
func Red() LookupTable {
	return LookupTable{Name: "red", stops: []stop{
		{0, RGBA{0, 0, 0, 1}},
		{1, RGBA{1, 0, 0, 1}},
	}}
}

// Green ramps from black to green; masked voxels are transparent
func Green() LookupTable {
	return LookupTable{Name: "green", stops: []stop{
		{0, RGBA{0, 0, 0, 1}},
		{1, RGBA{0, 1, 0, 1}},
	}}
}

// Blue ramps from black to blue; masked voxels are transparent
func Blue() LookupTable {
	return LookupTable{Name: "blue", stops: []stop{
		{0, RGBA{0, 0, 0, 1}},
		{1, RGBA{0, 0, 1, 1}},
	}}
}

// Hot goes black, red, yellow, white
func Hot() LookupTable {
	return LookupTable{Name: "hot", Bad: opaqueBlack, stops: []stop{
		{0, RGBA{0.0416, 0, 0, 1}},
		{0.365079, RGBA{1, 0, 0, 1}},
		{0.746032, RGBA{1, 1, 0, 1}},
		{1, RGBA{1, 1, 1, 1}},
	}}
}

// LookupNames lists the tables known to LookupByName
func LookupNames() []string {
	return []string{"gray", "red", "green", "blue", "hot"}
}

// LookupByName returns a built-in table
func LookupByName(name string) (LookupTable, error) {
	switch name {
	case "gray", "grey":
		return Gray(), nil
	case "red":
		return Red(), nil
	case "green":
		return Green(), nil
	case "blue":
		return Blue(), nil
	case "hot":
		return Hot(), nil
	}
	return LookupTable{}, fmt.Errorf("unknown lookup table %q", name)
}
