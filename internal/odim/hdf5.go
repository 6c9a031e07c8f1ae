package odim

import (
	"fmt"
	"strings"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/hdf5"

	"github.com/radarwatch/radar-publisher/internal/product"
)

// DecodeFile opens an ODIM HDF5 file and decodes it against the product
// contract. The pure-Go HDF5 reader keeps the decoder free of cgo.
func DecodeFile(path string, contract product.Contract) (*Grid, error) {
	root, err := hdf5.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCorrupt, path, err)
	}
	defer root.Close()

	return Decode(&hdf5Container{root: root}, contract)
}

// hdf5Container adapts an open HDF5 group tree to the Container interface.
type hdf5Container struct {
	root api.Group
}

func (h *hdf5Container) group(path string) (api.Group, error) {
	g := h.root
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		sub, err := g.GetGroup(part)
		if err != nil {
			return nil, err
		}
		g = sub
	}
	return g, nil
}

func (h *hdf5Container) Attr(path, name string) (any, bool) {
	g, err := h.group(path)
	if err != nil {
		return nil, false
	}
	v, ok := g.Attributes().Get(name)
	if !ok {
		return nil, false
	}
	return v, true
}

func (h *hdf5Container) Plane() ([][]float64, error) {
	// A readable file without the required group or dataset violates
	// the ODIM layout rather than being unreadable.
	g, err := h.group("dataset1/data1")
	if err != nil {
		return nil, formatErr("missing group dataset1/data1: %v", err)
	}
	v, err := g.GetVariable("data")
	if err != nil {
		return nil, formatErr("missing dataset dataset1/data1/data: %v", err)
	}
	return planeRows(v.Values)
}

// planeRows normalizes the typed 2D slice the reader hands back. ODIM
// writers quantize to 8 or 16 bits; accept wider types for robustness.
func planeRows(values any) ([][]float64, error) {
	switch rows := values.(type) {
	case [][]uint8:
		return convertRows(rows, func(v uint8) float64 { return float64(v) }), nil
	case [][]int8:
		return convertRows(rows, func(v int8) float64 { return float64(v) }), nil
	case [][]uint16:
		return convertRows(rows, func(v uint16) float64 { return float64(v) }), nil
	case [][]int16:
		return convertRows(rows, func(v int16) float64 { return float64(v) }), nil
	case [][]uint32:
		return convertRows(rows, func(v uint32) float64 { return float64(v) }), nil
	case [][]int32:
		return convertRows(rows, func(v int32) float64 { return float64(v) }), nil
	case [][]float32:
		return convertRows(rows, func(v float32) float64 { return float64(v) }), nil
	case [][]float64:
		return rows, nil
	default:
		return nil, fmt.Errorf("unsupported data plane type %T", values)
	}
}

func convertRows[T any](rows [][]T, conv func(T) float64) [][]float64 {
	out := make([][]float64, len(rows))
	for y, row := range rows {
		out[y] = make([]float64, len(row))
		for x, v := range row {
			out[y][x] = conv(v)
		}
	}
	return out
}
