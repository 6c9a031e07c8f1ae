package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/radarwatch/radar-publisher/internal/odim"
)

var transparent = color.NRGBA{}

// Error wraps any rasterization or encoding failure.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "render: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func renderErr(format string, args ...any) error {
	return &Error{Err: fmt.Errorf(format, args...)}
}

// Image renders a reflectivity grid into an RGBA raster at the given
// integer scale. Each source cell becomes an exact scale x scale block of
// one flat color, so the doubled variant is pixel-identical to rendering
// natively at that density. Row 0 of the grid is the northern edge.
func Image(g *odim.Grid, p Palette, scale int) (*image.NRGBA, error) {
	if scale < 1 {
		return nil, renderErr("invalid scale %d", scale)
	}
	if g.Width <= 0 || g.Height <= 0 || len(g.Values) != g.Width*g.Height {
		return nil, renderErr("malformed grid %dx%d with %d values",
			g.Width, g.Height, len(g.Values))
	}

	img := image.NewNRGBA(image.Rect(0, 0, g.Width*scale, g.Height*scale))

	for y := 0; y < g.Height; y++ {
		base := y * g.Width
		for x := 0; x < g.Width; x++ {
			c := transparent
			if !g.Missing[base+x] {
				if band := BandIndex(g.Values[base+x]); band >= 0 {
					c = p.Color(band)
				}
			}
			fillBlock(img, x*scale, y*scale, scale, c)
		}
	}

	return img, nil
}

func fillBlock(img *image.NRGBA, x0, y0, scale int, c color.NRGBA) {
	for dy := 0; dy < scale; dy++ {
		row := img.PixOffset(x0, y0+dy)
		for dx := 0; dx < scale; dx++ {
			o := row + dx*4
			img.Pix[o+0] = c.R
			img.Pix[o+1] = c.G
			img.Pix[o+2] = c.B
			img.Pix[o+3] = c.A
		}
	}
}

// PNG renders a grid and encodes it. Encoding is deterministic: the same
// grid, palette and scale always produce byte-identical output.
func PNG(g *odim.Grid, p Palette, scale int) ([]byte, error) {
	img, err := Image(g, p, scale)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, renderErr("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// CellToLonLat maps a grid index to the geographic coordinate of the
// cell's north-west corner, a direct linear mapping into the declared
// bounding box. No reprojection is performed.
func CellToLonLat(g *odim.Grid, x, y int) (lon, lat float64) {
	lon = g.LonMin + (g.LonMax-g.LonMin)*float64(x)/float64(g.Width)
	lat = g.LatMax - (g.LatMax-g.LatMin)*float64(y)/float64(g.Height)
	return lon, lat
}
