package grid

import (
	"fmt"
	"io"
	"os"

	"github.com/ctessum/cdf"
)

// FileName is the name of the grid definition file in a time series
// directory.
const FileName = "grid.nc"

// WriteFile writes the active points of g with their cell partitioning to a
// netCDF file. The locations dimension is the record dimension, so grids
// without active points are written as files with zero records. subset
// describes how the grid was restricted and is stored as an attribute.
func WriteFile(path string, g *Grid, subset string) error {
	h := cdf.NewHeader([]string{"locations"}, []int{0})
	h.AddVariable("gpi", []string{"locations"}, []int32{0})
	h.AddAttribute("gpi", "long_name", "grid point index")
	h.AddVariable("cell", []string{"locations"}, []int32{0})
	h.AddAttribute("cell", "long_name", "cell index")
	h.AddVariable("lon", []string{"locations"}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable("lat", []string{"locations"}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddAttribute("", "resolution", []float64{g.resolution})
	h.AddAttribute("", "cell_size", []float64{g.cellSize})
	h.AddAttribute("", "shape", []int32{int32(g.nLat), int32(g.nLon)})
	h.AddAttribute("", "subset", subset)
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return fmt.Errorf("grid: grid file header: %v", errs[0])
	}

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("grid: creating grid file: %w", err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("grid: writing grid file header %s: %w", path, err)
	}

	if n := g.Len(); n > 0 {
		gpi := make([]int32, n)
		cell := make([]int32, n)
		for i := range g.gpis {
			gpi[i] = int32(g.gpis[i])
			cell[i] = int32(g.cells[i])
		}
		data := []struct {
			name   string
			values interface{}
		}{
			{"gpi", gpi},
			{"cell", cell},
			{"lon", g.lons},
			{"lat", g.lats},
		}
		for _, d := range data {
			w := f.Writer(d.name, []int{0}, nil)
			if _, err := w.Write(d.values); err != nil {
				return fmt.Errorf("grid: writing %s to %s: %w", d.name, path, err)
			}
		}
	}
	if err := cdf.UpdateNumRecs(ff); err != nil {
		return fmt.Errorf("grid: finalizing %s: %w", path, err)
	}
	return nil
}

// ReadFile loads a grid written by WriteFile.
func ReadFile(path string) (*Grid, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("grid: opening grid file: %w", err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return nil, fmt.Errorf("grid: reading grid file %s: %w", path, err)
	}
	fi, err := ff.Stat()
	if err != nil {
		return nil, fmt.Errorf("grid: reading grid file %s: %w", path, err)
	}

	res, ok1 := f.Header.GetAttribute("", "resolution").([]float64)
	cs, ok2 := f.Header.GetAttribute("", "cell_size").([]float64)
	shape, ok3 := f.Header.GetAttribute("", "shape").([]int32)
	if !ok1 || !ok2 || !ok3 || len(res) != 1 || len(cs) != 1 || len(shape) != 2 {
		return nil, fmt.Errorf("grid: %s is not a grid definition file", path)
	}
	g := &Grid{
		resolution: res[0],
		cellSize:   cs[0],
		nLat:       int(shape[0]),
		nLon:       int(shape[1]),
	}

	n := int(f.Header.NumRecs(fi.Size()))
	if n <= 0 {
		return g, nil
	}
	gpi := make([]int32, n)
	cell := make([]int32, n)
	g.lons = make([]float64, n)
	g.lats = make([]float64, n)
	data := []struct {
		name   string
		values interface{}
	}{
		{"gpi", gpi},
		{"cell", cell},
		{"lon", g.lons},
		{"lat", g.lats},
	}
	for _, d := range data {
		r := f.Reader(d.name, []int{0}, []int{n - 1})
		if k, err := r.Read(d.values); k != n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("grid: reading %s from %s: %w", d.name, path, err)
		}
	}
	g.gpis = make([]int, n)
	g.cells = make([]int, n)
	for i := range gpi {
		g.gpis[i] = int(gpi[i])
		g.cells[i] = int(cell[i])
	}
	return g, nil
}
