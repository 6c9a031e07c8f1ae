package odim

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/radarwatch/radar-publisher/internal/product"
)

const odimTimeLayout = "20060102150405"

// Decode converts an ODIM container into a reflectivity grid, enforcing
// the product contract. Physical values follow the linear calibration
// dBZ = raw*gain + offset; the nodata and undetect sentinels become
// missing cells and never numeric values.
func Decode(c Container, contract product.Contract) (*Grid, error) {
	ts, err := containerTimestamp(c)
	if err != nil {
		return nil, err
	}

	grid := &Grid{Timestamp: ts, Projection: "EPSG:3857-compatible"}

	if err := readGeometry(c, grid); err != nil {
		return nil, err
	}
	if grid.Width != contract.Width || grid.Height != contract.Height {
		return nil, formatErr("grid %dx%d does not match product contract %dx%d",
			grid.Width, grid.Height, contract.Width, contract.Height)
	}

	cal, err := readCalibration(c)
	if err != nil {
		return nil, err
	}

	rows, err := c.Plane()
	if err != nil {
		if errors.Is(err, ErrFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(rows) != grid.Height {
		return nil, formatErr("data plane has %d rows, header declares %d", len(rows), grid.Height)
	}

	grid.Values = make([]float32, grid.Width*grid.Height)
	grid.Missing = make([]bool, grid.Width*grid.Height)

	for y, row := range rows {
		if len(row) != grid.Width {
			return nil, formatErr("row %d has %d cells, header declares %d", y, len(row), grid.Width)
		}
		base := y * grid.Width
		for x, raw := range row {
			if raw == cal.nodata || raw == cal.undetect {
				grid.Missing[base+x] = true
				continue
			}
			dbz := raw*cal.gain + cal.offset
			if dbz < contract.MinDBZ || dbz > contract.MaxDBZ {
				return nil, formatErr("cell (%d,%d) decodes to %.2f dBZ, outside [%.1f,%.1f]",
					x, y, dbz, contract.MinDBZ, contract.MaxDBZ)
			}
			grid.Values[base+x] = float32(dbz)
		}
	}

	return grid, nil
}

func containerTimestamp(c Container) (time.Time, error) {
	date, err := attrString(c, "what", "date")
	if err != nil {
		return time.Time{}, err
	}
	clock, err := attrString(c, "what", "time")
	if err != nil {
		return time.Time{}, err
	}
	ts, perr := time.Parse(odimTimeLayout, date+clock)
	if perr != nil {
		return time.Time{}, formatErr("what.date/time %q%q not a UTC timestamp", date, clock)
	}
	return ts.UTC(), nil
}

func readGeometry(c Container, g *Grid) error {
	var err error
	if g.Width, err = attrInt(c, "where", "xsize"); err != nil {
		return err
	}
	if g.Height, err = attrInt(c, "where", "ysize"); err != nil {
		return err
	}
	if g.LonMin, err = attrFloat(c, "where", "LL_lon"); err != nil {
		return err
	}
	if g.LonMax, err = attrFloat(c, "where", "UR_lon"); err != nil {
		return err
	}
	if g.LatMin, err = attrFloat(c, "where", "LL_lat"); err != nil {
		return err
	}
	if g.LatMax, err = attrFloat(c, "where", "UR_lat"); err != nil {
		return err
	}
	if proj, ok := c.Attr("where", "projdef"); ok {
		if s, sok := coerceString(proj); sok {
			g.Projection = s
		}
	}
	return nil
}

func readCalibration(c Container) (calibration, error) {
	const path = "dataset1/data1/what"
	var cal calibration
	var err error
	if cal.gain, err = attrFloat(c, path, "gain"); err != nil {
		return cal, err
	}
	if cal.offset, err = attrFloat(c, path, "offset"); err != nil {
		return cal, err
	}
	if cal.nodata, err = attrFloat(c, path, "nodata"); err != nil {
		return cal, err
	}
	if cal.undetect, err = attrFloat(c, path, "undetect"); err != nil {
		return cal, err
	}
	if cal.gain == 0 {
		return cal, formatErr("calibration gain is zero")
	}
	return cal, nil
}

// Attribute values arrive with whatever width the writer chose; ODIM
// files in the wild mix scalar ints, floats, byte strings and length-one
// arrays for the same attributes.

func attrString(c Container, path, name string) (string, error) {
	v, ok := c.Attr(path, name)
	if !ok {
		return "", formatErr("missing attribute %s.%s", path, name)
	}
	s, sok := coerceString(v)
	if !sok {
		return "", formatErr("attribute %s.%s is not a string (%T)", path, name, v)
	}
	return s, nil
}

func attrFloat(c Container, path, name string) (float64, error) {
	v, ok := c.Attr(path, name)
	if !ok {
		return 0, formatErr("missing attribute %s.%s", path, name)
	}
	f, fok := coerceFloat(v)
	if !fok {
		return 0, formatErr("attribute %s.%s is not numeric (%T)", path, name, v)
	}
	return f, nil
}

func attrInt(c Container, path, name string) (int, error) {
	f, err := attrFloat(c, path, name)
	if err != nil {
		return 0, err
	}
	n := int(f)
	if float64(n) != f {
		return 0, formatErr("attribute %s.%s is not an integer (%v)", path, name, f)
	}
	return n, nil
}

func coerceString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return strings.TrimRight(s, "\x00"), true
	case []byte:
		return strings.TrimRight(string(s), "\x00"), true
	case []string:
		if len(s) == 1 {
			return s[0], true
		}
	}
	return "", false
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint8:
		return float64(n), true
	case []float64:
		if len(n) == 1 {
			return n[0], true
		}
	case []float32:
		if len(n) == 1 {
			return float64(n[0]), true
		}
	case []int64:
		if len(n) == 1 {
			return float64(n[0]), true
		}
	case []int32:
		if len(n) == 1 {
			return float64(n[0]), true
		}
	case string:
		// Some writers store numeric attributes as decimal strings.
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
