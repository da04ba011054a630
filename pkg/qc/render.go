package qc

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"

	"iplreg/internal/models"
)

// ErrShapeMismatch is returned when the overlay grid differs from the image
var ErrShapeMismatch = errors.New("overlay shape does not match image")

// Axis names a slicing direction in standard (z, y, x) order
type Axis int

const (
	Axial    Axis = iota // constant z
	Sagittal             // constant x
	Coronal              // constant y
)

// Options controls Render. The zero value renders six slices per
// direction in gray with a red alpha-blended overlay.
type Options struct {
	// Samples is the number of slices per direction, an even number >= 2
	Samples int

	// ImageRange and OverlayRange fix the intensity windows; nil uses the
	// data range
	ImageRange   *[2]float64
	OverlayRange *[2]float64

	// OverlayBackground masks overlay values below it
	OverlayBackground *float64

	Image   *LookupTable
	Overlay *LookupTable

	Blend        BlendMode
	ImageAlpha   float64
	OverlayAlpha float64

	// Background fills the mosaic behind the slices
	Background color.Color
}

func (o Options) withDefaults() Options {
	if o.Samples == 0 {
		o.Samples = 6
	}
	if o.Image == nil {
		g := Gray()
		o.Image = &g
	}
	if o.Overlay == nil {
		r := Red()
		o.Overlay = &r
	}
	if o.ImageAlpha == 0 {
		o.ImageAlpha = 0.8
	}
	if o.OverlayAlpha == 0 {
		o.OverlayAlpha = 0.2
	}
	if o.Background == nil {
		o.Background = color.Black
	}
	return o
}

// Plane is a 2D cut through a volume; row 0 is the lowest coordinate
type Plane struct {
	Data          []float64
	Width, Height int

	// Spacing is the physical size of a column and of a row
	Spacing [2]float64
}

// ExtractSlice cuts the volume at pos along axis
func ExtractSlice(v *models.Volume, axis Axis, pos int) (*Plane, error) {
	if pos < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	var p *Plane
	switch axis {
	case Axial:
		if pos >= v.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", pos, v.Depth)
		}
		p = &Plane{Width: v.Width, Height: v.Height, Spacing: [2]float64{v.VoxelSize.X, v.VoxelSize.Y}}
		p.Data = make([]float64, 0, p.Width*p.Height)
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				p.Data = append(p.Data, v.At(x, y, pos))
			}
		}
	case Sagittal:
		if pos >= v.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", pos, v.Width)
		}
		p = &Plane{Width: v.Height, Height: v.Depth, Spacing: [2]float64{v.VoxelSize.Y, v.VoxelSize.Z}}
		p.Data = make([]float64, 0, p.Width*p.Height)
		for z := 0; z < v.Depth; z++ {
			for y := 0; y < v.Height; y++ {
				p.Data = append(p.Data, v.At(pos, y, z))
			}
		}
	case Coronal:
		if pos >= v.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", pos, v.Height)
		}
		p = &Plane{Width: v.Width, Height: v.Depth, Spacing: [2]float64{v.VoxelSize.X, v.VoxelSize.Z}}
		p.Data = make([]float64, 0, p.Width*p.Height)
		for z := 0; z < v.Depth; z++ {
			for x := 0; x < v.Width; x++ {
				p.Data = append(p.Data, v.At(x, pos, z))
			}
		}
	default:
		return nil, fmt.Errorf("invalid axis %d", axis)
	}
	return p, nil
}

type cut struct {
	axis Axis
	pos  int
}

// layout returns the slices of the mosaic in display order. Positions are
// fractions of a 181x217x193 template so that mosaics of different
// subjects line up.
func layout(v *models.Volume, samples int) []cut {
	n := float64(samples - 1)
	var cuts []cut
	for j := 0; j < samples; j++ {
		i := int(10 + (150.0-10.0)*float64(j)/n)
		cuts = append(cuts, cut{Axial, int(float64(v.Depth) * float64(i) / 181.0)})
	}
	sagittal := func(j int) cut {
		i := int(28.0 + (166.0-28.0)*float64(j)/n)
		return cut{Sagittal, int(float64(v.Width) * float64(i) / 193.0)}
	}
	for j := 0; j < samples/2; j++ {
		cuts = append(cuts, sagittal(j))
	}
	for j := samples - 1; j >= samples/2; j-- {
		cuts = append(cuts, sagittal(j))
	}
	for j := 0; j < samples; j++ {
		i := int(25 + (195.0-25.0)*float64(j)/n)
		cuts = append(cuts, cut{Coronal, int(float64(v.Height) * float64(i) / 217.0)})
	}
	return cuts
}

// dataRange returns the finite minimum and maximum of data
func dataRange(data []float64) (lo, hi float64) {
	finite := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return 0, 1
	}
	return floats.Min(finite), floats.Max(finite)
}

func normalize(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// Render lays out axial, sagittal and coronal slices of img as a mosaic
// with Samples/2 columns. An overlay must share the image grid.
func Render(img, overlay *models.Volume, opts Options) (image.Image, error) {
	opts = opts.withDefaults()
	if opts.Samples < 2 || opts.Samples%2 != 0 {
		return nil, fmt.Errorf("samples must be an even number of at least 2, got %d", opts.Samples)
	}
	if img.Width == 0 || img.Height == 0 || img.Depth == 0 {
		return nil, fmt.Errorf("empty volume")
	}
	if overlay != nil && !img.SameShape(overlay) {
		return nil, fmt.Errorf("%w: overlay %dx%dx%d, image %dx%dx%d", ErrShapeMismatch,
			overlay.Width, overlay.Height, overlay.Depth, img.Width, img.Height, img.Depth)
	}

	var irange, orange [2]float64
	if opts.ImageRange != nil {
		irange = *opts.ImageRange
	} else {
		irange[0], irange[1] = dataRange(img.Data)
	}
	if overlay != nil {
		if opts.OverlayRange != nil {
			orange = *opts.OverlayRange
		} else {
			orange[0], orange[1] = dataRange(overlay.Data)
		}
	}

	unit := math.Inf(1)
	for _, s := range []float64{img.VoxelSize.X, img.VoxelSize.Y, img.VoxelSize.Z} {
		if s > 0 && s < unit {
			unit = s
		}
	}
	if math.IsInf(unit, 1) {
		unit = 1
	}

	cuts := layout(img, opts.Samples)
	tiles := make([]*image.NRGBA, 0, len(cuts))
	cellW, cellH := 0, 0
	for _, c := range cuts {
		tile, err := renderTile(img, overlay, c, irange, orange, unit, opts)
		if err != nil {
			return nil, err
		}
		b := tile.Bounds()
		cellW = max(cellW, b.Dx())
		cellH = max(cellH, b.Dy())
		tiles = append(tiles, tile)
	}

	columns := opts.Samples / 2
	rows := (len(tiles) + columns - 1) / columns
	out := image.NewRGBA(image.Rect(0, 0, columns*cellW, rows*cellH))
	bg := color.RGBAModel.Convert(opts.Background).(color.RGBA)
	for i := range out.Pix {
		switch i % 4 {
		case 0:
			out.Pix[i] = bg.R
		case 1:
			out.Pix[i] = bg.G
		case 2:
			out.Pix[i] = bg.B
		default:
			out.Pix[i] = 255
		}
	}
	for i, tile := range tiles {
		x0 := (i % columns) * cellW
		y0 := (i / columns) * cellH
		b := tile.Bounds()
		ox := x0 + (cellW-b.Dx())/2
		oy := y0 + (cellH-b.Dy())/2
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.SetRGBA(ox+x, oy+y, over(tile.NRGBAAt(x, y), bg))
			}
		}
	}
	return out, nil
}

// over composites c onto an opaque background
func over(c color.NRGBA, bg color.RGBA) color.RGBA {
	a := float64(c.A) / 255
	mix := func(f, b uint8) uint8 {
		return uint8(math.Round(float64(f)*a + float64(b)*(1-a)))
	}
	return color.RGBA{mix(c.R, bg.R), mix(c.G, bg.G), mix(c.B, bg.B), 255}
}

func to8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

// renderTile colours one cut and scales it to square physical pixels.
// Rows are flipped so the lowest coordinate is at the bottom.
func renderTile(img, overlay *models.Volume, c cut, irange, orange [2]float64, unit float64, opts Options) (*image.NRGBA, error) {
	ip, err := ExtractSlice(img, c.axis, c.pos)
	if err != nil {
		return nil, err
	}
	var op *Plane
	if overlay != nil {
		if op, err = ExtractSlice(overlay, c.axis, c.pos); err != nil {
			return nil, err
		}
	}

	sx, sy := ip.Spacing[0], ip.Spacing[1]
	if sx <= 0 {
		sx = unit
	}
	if sy <= 0 {
		sy = unit
	}
	w := max(1, int(math.Round(float64(ip.Width)*sx/unit)))
	h := max(1, int(math.Round(float64(ip.Height)*sy/unit)))

	tile := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := min(ip.Height-1, y*ip.Height/h)
		for x := 0; x < w; x++ {
			col := min(ip.Width-1, x*ip.Width/w)
			idx := row*ip.Width + col

			px := opts.Image.At(normalize(ip.Data[idx], irange[0], irange[1]))
			if op != nil {
				v := op.Data[idx]
				if opts.OverlayBackground != nil && v < *opts.OverlayBackground {
					v = math.NaN()
				}
				ov := opts.Overlay.At(normalize(v, orange[0], orange[1]))
				px = blend(opts.Blend, px, ov, opts.ImageAlpha, opts.OverlayAlpha)
			}
			tile.SetNRGBA(x, h-1-y, color.NRGBA{to8(px.R), to8(px.G), to8(px.B), to8(px.A)})
		}
	}
	return tile, nil
}

// WritePNG saves a rendered mosaic
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
