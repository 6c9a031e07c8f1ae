// Package odim decodes ODIM-style hierarchical radar containers into
// physical reflectivity grids. Decoding is pure: it touches only the
// container handed to it and produces either a Grid or a typed error.
package odim

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFormat marks containers that are readable but violate the ODIM
	// structure or the product contract (missing groups/attributes,
	// inconsistent dimensions, out-of-range calibration). Files failing
	// this way are quarantined, not retried.
	ErrFormat = errors.New("odim: format violation")

	// ErrCorrupt marks containers that cannot be read at all.
	ErrCorrupt = errors.New("odim: unreadable container")
)

// Container abstracts the hierarchical file: attribute lookup by group
// path plus the single quantized data plane. The production implementation
// wraps an HDF5 file; tests use an in-memory tree.
type Container interface {
	// Attr returns the attribute at group path (e.g. "dataset1/data1/what")
	// by name, or ok=false when the group or attribute is absent.
	Attr(path, name string) (value any, ok bool)

	// Plane returns the raw quantized grid as rows of cell values.
	Plane() ([][]float64, error)
}

// Grid is a decoded reflectivity field. Values holds dBZ row-major from
// the north-west corner; Missing flags cells carrying a nodata or
// undetect sentinel.
type Grid struct {
	Width  int
	Height int

	Values  []float32
	Missing []bool

	LonMin, LonMax float64
	LatMin, LatMax float64
	Projection     string

	Timestamp   time.Time
	LeadMinutes int
}

// At returns the value at column x, row y and whether it is present.
func (g *Grid) At(x, y int) (float32, bool) {
	i := y*g.Width + x
	return g.Values[i], !g.Missing[i]
}

// calibration is the linear raw-to-physical mapping plus the reserved
// sentinel values, from the data plane's "what" group.
type calibration struct {
	gain     float64
	offset   float64
	nodata   float64
	undetect float64
}

func formatErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}
