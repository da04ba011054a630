package qc

import (
	"fmt"
	"math"
)

// BlendMode selects how an overlay is mixed into the image
type BlendMode int

const (
	BlendAlpha BlendMode = iota
	BlendMax
	BlendOver
)

func (m BlendMode) String() string {
	switch m {
	case BlendMax:
		return "max"
	case BlendOver:
		return "over"
	default:
		return "alpha"
	}
}

// ParseBlendMode accepts alpha, max or over
func ParseBlendMode(s string) (BlendMode, error) {
	switch s {
	case "", "alpha":
		return BlendAlpha, nil
	case "max":
		return BlendMax, nil
	case "over":
		return BlendOver, nil
	}
	return BlendAlpha, fmt.Errorf("unknown blend mode %q", s)
}

// blend mixes overlay colour o into image colour i. ia and oa scale the
// alpha channels for alpha and over mixing.
func blend(mode BlendMode, i, o RGBA, ia, oa float64) RGBA {
	switch mode {
	case BlendMax:
		return RGBA{math.Max(i.R, o.R), math.Max(i.G, o.G), math.Max(i.B, o.B), math.Max(i.A, o.A)}
	case BlendOver:
		sa, so := i.A*ia, o.A*oa
		return RGBA{
			R: i.R*(sa-so) + o.R*so,
			G: i.G*(sa-so) + o.G*so,
			B: i.B*(sa-so) + o.B*so,
			A: math.Max(sa, so),
		}
	default:
		sa, so := i.A*ia, o.A*oa
		out := sa + so*(1-sa)
		if out == 0 {
			return RGBA{}
		}
		mix := func(x, y float64) float64 { return (x*sa + y*so*(1-sa)) / out }
		return RGBA{mix(i.R, o.R), mix(i.G, o.G), mix(i.B, o.B), out}
	}
}
