package grid

import (
	"fmt"
	"math"
	"reflect"

	"github.com/batchatco/go-native-netcdf/netcdf"
)

// LandMaskVariable is the variable holding the classification in the GLDAS
// land mask file (GLDASp4_landmask_025d.nc4).
const LandMaskVariable = "GLDAS_mask"

// LoadLandMask reads a GLDAS land mask file laid out on the raster of g.
// Non-zero values mark land. Mask files usually cover fewer latitude rows
// than the global grid (from 60S northwards); the missing southern rows are
// treated as water.
func LoadLandMask(path string, g *Grid) (Mask, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("grid: opening land mask %s: %w", path, err)
	}
	defer nc.Close()

	v, err := nc.GetVariable(LandMaskVariable)
	if err != nil {
		return nil, fmt.Errorf("grid: land mask %s: %w", path, err)
	}
	vals, err := flatten(v.Values)
	if err != nil {
		return nil, fmt.Errorf("grid: land mask %s: %w", path, err)
	}
	nLat, nLon := g.Shape()
	if len(vals) == 0 || len(vals)%nLon != 0 || len(vals)/nLon > nLat {
		return nil, fmt.Errorf("grid: land mask %s: %d values do not fit a %dx%d raster",
			path, len(vals), nLat, nLon)
	}

	land := make([]bool, nLat*nLon)
	offset := nLat*nLon - len(vals)
	for k, x := range vals {
		land[offset+k] = x != 0
	}
	res := g.Resolution()
	return func(lon, lat float64) bool {
		i := int(math.Floor((lon + 180) / res))
		j := int(math.Floor((lat + 90) / res))
		if i < 0 || i >= nLon || j < 0 || j >= nLat {
			return false
		}
		return land[j*nLon+i]
	}, nil
}

// flatten converts an arbitrarily nested slice of numbers into a flat
// []float64 in row-major order.
func flatten(v interface{}) ([]float64, error) {
	var out []float64
	var walk func(rv reflect.Value) error
	walk = func(rv reflect.Value) error {
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if err := walk(rv.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Float32, reflect.Float64:
			out = append(out, rv.Float())
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
			out = append(out, float64(rv.Int()))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out = append(out, float64(rv.Uint()))
		default:
			return fmt.Errorf("unsupported value type %s", rv.Type())
		}
		return nil
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}
