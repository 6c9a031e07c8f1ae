// Package render turns decoded reflectivity grids into color-banded RGBA
// rasters. Bands are flat colors on fixed 4 dBZ intervals; legibility of
// hard band edges is deliberate, there is no gradient smoothing.
package render

import (
	"fmt"
	"image/color"
)

const (
	// Threshold is the minimum visible reflectivity; cells below it (and
	// missing cells) render fully transparent.
	Threshold = 4.0

	// BandWidth is the dBZ span of each color band.
	BandWidth = 4.0

	// BandCount covers 4-64 dBZ; the top band is open-ended upward.
	BandCount = 15
)

// Palette is an ordered band-to-color table. All palettes share the same
// interval boundaries; only the colors differ.
type Palette struct {
	Name   string
	colors [BandCount]color.NRGBA
}

// Color returns the opaque color of the given band index.
func (p Palette) Color(band int) color.NRGBA {
	return p.colors[band]
}

// BandIndex maps a reflectivity value to its band: floor((v-4)/4) on
// half-open intervals, clamped to the top band. Returns -1 below the
// visibility threshold.
func BandIndex(v float32) int {
	if float64(v) < Threshold {
		return -1
	}
	band := int((float64(v) - Threshold) / BandWidth)
	if band >= BandCount {
		band = BandCount - 1
	}
	return band
}

// Standard is the production color ramp used by the upstream composite
// viewer, from deep violet at 4 dBZ to near-white above 60 dBZ.
var Standard = mustPalette("standard",
	"#390071", "#3001A9", "#0200FB", "#076CBC", "#00A400",
	"#00BB03", "#36D700", "#9CDD07", "#E0DC01", "#FBB200",
	"#F78600", "#FF5400", "#FE0100", "#A40003", "#FCFCFC",
)

// Contrast is a high-contrast alternative on identical boundaries, for
// overlays on busy basemaps and for viewers with impaired color vision.
var Contrast = mustPalette("contrast",
	"#1A1A2E", "#16213E", "#0F3460", "#1B6CA8", "#0F7556",
	"#188F42", "#4CAF2E", "#8BC513", "#D9C400", "#E89B00",
	"#E36C00", "#D43D00", "#B71C1C", "#7A0C0C", "#FFFFFF",
)

// Palettes lists every colormap variant an artifact set is rendered in.
func Palettes() []Palette {
	return []Palette{Standard, Contrast}
}

func mustPalette(name string, hex ...string) Palette {
	if len(hex) != BandCount {
		panic(fmt.Sprintf("palette %s: %d colors, want %d", name, len(hex), BandCount))
	}
	p := Palette{Name: name}
	for i, h := range hex {
		c, err := parseHex(h)
		if err != nil {
			panic(fmt.Sprintf("palette %s: %v", name, err))
		}
		p.colors[i] = c
	}
	return p
}

func parseHex(s string) (color.NRGBA, error) {
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02X%02X%02X", &r, &g, &b); err != nil {
		return color.NRGBA{}, fmt.Errorf("bad color literal %q: %w", s, err)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 0xFF}, nil
}
