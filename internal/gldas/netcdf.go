package gldas

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// NetCDFSource reads GLDAS Noah v2.x netCDF-4 files named
// YYYY/DDD/GLDAS_NOAH025_3H*.AYYYYMMDD.HHMM.*.nc4.
type NetCDFSource struct {
	root string
	opts Options
}

// NewNetCDFSource creates a Source for a GLDAS v2.x archive.
func NewNetCDFSource(root string, opts Options) (*NetCDFSource, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	return &NetCDFSource{root: root, opts: opts}, nil
}

// Timestamps implements Source.
func (s *NetCDFSource) Timestamps(start, end time.Time) []time.Time {
	return Timestamps(start, end)
}

// Path returns the file holding the image of ts.
func (s *NetCDFSource) Path(ts time.Time) (string, error) {
	return locate(s.root, "GLDAS_NOAH025_3H*.A"+ts.Format("20060102.1504")+".*.nc4", ts)
}

// Read implements Source.
func (s *NetCDFSource) Read(ts time.Time) (*Image, error) {
	path, err := s.Path(ts)
	if err != nil {
		return nil, err
	}
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gldas: opening %s: %w", path, err)
	}
	defer nc.Close()

	vars := nc.ListVariables()
	b := newImageBuilder(s.opts.Grid, s.opts.Flat, ts)
	for _, name := range s.opts.Parameters {
		if !slices.Contains(vars, name) {
			s.opts.Logger.Warn("Variable missing, filling image with NaN", "var", name, "file", path)
			b.setMissing(name)
			continue
		}
		vg, err := nc.GetVarGetter(name)
		if err != nil {
			return nil, fmt.Errorf("gldas: %s in %s: %w", name, path, err)
		}
		vals, err := firstStep(vg)
		if err != nil {
			return nil, fmt.Errorf("gldas: %s in %s: %w", name, path, err)
		}
		attrs := vg.Attributes()
		for _, key := range []string{"_FillValue", "missing_value"} {
			if fill, ok := floatAttr(attrs, key); ok {
				replace(vals, fill)
			}
		}
		md := Metadata{LongName: stringAttr(attrs, "long_name"), Units: stringAttr(attrs, "units")}
		if err := b.set(name, vals, md); err != nil {
			return nil, fmt.Errorf("gldas: %s in %s: %w", name, path, err)
		}
	}
	return b.img, nil
}

// firstStep returns the first time step of a (time, lat, lon) variable, or
// the whole of a (lat, lon) variable, flattened south to north.
func firstStep(vg api.VarGetter) ([]float32, error) {
	var v any
	var err error
	switch len(vg.Dimensions()) {
	case 2:
		v, err = vg.Values()
	case 3:
		v, err = vg.GetSlice(0, 1)
	default:
		return nil, fmt.Errorf("unexpected dimensions %v", vg.Dimensions())
	}
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case [][][]float32:
		return flatten(x[0]), nil
	case [][][]float64:
		return flatten(x[0]), nil
	case [][]float32:
		return flatten(x), nil
	case [][]float64:
		return flatten(x), nil
	}
	return nil, fmt.Errorf("unsupported type %s", vg.GoType())
}

func flatten[T float32 | float64](rows [][]T) []float32 {
	var out []float32
	if len(rows) > 0 {
		out = make([]float32, 0, len(rows)*len(rows[0]))
	}
	for _, row := range rows {
		for _, v := range row {
			out = append(out, float32(v))
		}
	}
	return out
}

// replace sets values equal to the native fill value to FillValue.
func replace(vals []float32, fill float64) {
	f := float32(fill)
	nan := math.IsNaN(fill)
	for i, v := range vals {
		if v == f || nan && math.IsNaN(float64(v)) {
			vals[i] = FillValue
		}
	}
}

func floatAttr(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	v, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case []float32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []float64:
		if len(x) > 0 {
			return x[0], true
		}
	}
	return 0, false
}

func stringAttr(attrs api.AttributeMap, key string) string {
	if attrs == nil {
		return ""
	}
	v, ok := attrs.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
