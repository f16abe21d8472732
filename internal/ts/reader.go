package ts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/cdf"

	"github.com/TUW-GEO/gldas/internal/grid"
)

// ErrPointNotFound is returned for points outside the stored grid.
var ErrPointNotFound = errors.New("ts: point not in grid")

// Series is the time series of one grid point.
type Series struct {
	GPI      int
	Lon      float64
	Lat      float64
	Time     []time.Time
	Values   map[string][]float32
	Metadata map[string]Metadata
}

// ReadCellFile reads a whole cell store.
func ReadCellFile(path string) (*Batch, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ts: opening cell store: %w", err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return nil, fmt.Errorf("ts: reading header of %s: %w", path, err)
	}
	fi, err := ff.Stat()
	if err != nil {
		return nil, fmt.Errorf("ts: reading %s: %w", path, err)
	}

	b := &Batch{
		Values:   make(map[string][][]float32),
		Metadata: make(map[string]Metadata),
	}
	if cell, ok := f.Header.GetAttribute("", "cell").([]int32); ok && len(cell) == 1 {
		b.Cell = int(cell[0])
	} else {
		return nil, fmt.Errorf("ts: %s is not a cell store", path)
	}

	lengths := f.Header.Lengths("lon")
	if len(lengths) != 1 {
		return nil, fmt.Errorf("ts: %s is not a cell store", path)
	}
	n := lengths[0]
	k := int(f.Header.NumRecs(fi.Size()))

	ids := make([]int32, n)
	b.Lons = make([]float64, n)
	b.Lats = make([]float64, n)
	fixed := []struct {
		name   string
		values interface{}
	}{
		{"location_id", ids},
		{"lon", b.Lons},
		{"lat", b.Lats},
	}
	for _, d := range fixed {
		if err := readAll(f.Reader(d.name, nil, nil), d.values, n); err != nil {
			return nil, fmt.Errorf("ts: reading %s from %s: %w", d.name, path, err)
		}
	}
	b.GPIs = make([]int, n)
	for i, id := range ids {
		b.GPIs[i] = int(id)
	}
	if k <= 0 {
		return b, nil
	}

	days := make([]float64, k)
	if err := readAll(f.Reader("time", []int{0}, []int{k - 1}), days, k); err != nil {
		return nil, fmt.Errorf("ts: reading time from %s: %w", path, err)
	}
	b.Times = make([]time.Time, k)
	for i, d := range days {
		b.Times[i] = fromDays(d)
	}

	buf := make([]float32, n*k)
	for _, name := range f.Header.Variables() {
		if !f.Header.IsRecordVariable(name) || name == "time" {
			continue
		}
		if err := readAll(f.Reader(name, []int{0, 0}, []int{k - 1, n - 1}), buf, n*k); err != nil {
			return nil, fmt.Errorf("ts: reading %s from %s: %w", name, path, err)
		}
		rows := make([][]float32, n)
		for p := range rows {
			rows[p] = make([]float32, k)
			for t := range rows[p] {
				rows[p][t] = buf[t*n+p]
			}
		}
		b.Values[name] = rows
		long, _ := f.Header.GetAttribute(name, "long_name").(string)
		units, _ := f.Header.GetAttribute(name, "units").(string)
		b.Metadata[name] = Metadata{LongName: long, Units: units}
	}
	return b, nil
}

// readAll reads exactly n values. The strider reports io.EOF together with
// the last values of its range.
func readAll(r cdf.Reader, values interface{}, n int) error {
	got, err := r.Read(values)
	if got == n {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Reader reads time series from a directory written by a Writer together
// with its grid definition file.
type Reader struct {
	dir  string
	grid *grid.Grid
}

// Open opens the time series directory dir.
func Open(dir string) (*Reader, error) {
	g, err := grid.ReadFile(filepath.Join(dir, grid.FileName))
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, grid: g}, nil
}

// Grid returns the grid of the stored points.
func (r *Reader) Grid() *grid.Grid {
	return r.grid
}

// ReadCell reads all time series of a cell.
func (r *Reader) ReadCell(cell int) (*Batch, error) {
	return ReadCellFile(filepath.Join(r.dir, CellFileName(cell)))
}

// ReadPoint reads the time series of the point with global id gpi.
func (r *Reader) ReadPoint(gpi int) (*Series, error) {
	pos, ok := r.grid.Position(gpi)
	if !ok {
		return nil, fmt.Errorf("%w: gpi %d", ErrPointNotFound, gpi)
	}
	p := r.grid.Point(pos)
	b, err := r.ReadCell(p.Cell)
	if err != nil {
		return nil, err
	}
	for i, id := range b.GPIs {
		if id != gpi {
			continue
		}
		s := &Series{
			GPI:      gpi,
			Lon:      b.Lons[i],
			Lat:      b.Lats[i],
			Time:     b.Times,
			Values:   make(map[string][]float32, len(b.Values)),
			Metadata: b.Metadata,
		}
		for name, rows := range b.Values {
			s.Values[name] = rows[i]
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: gpi %d missing from cell %d", ErrPointNotFound, gpi, p.Cell)
}

// ReadNearest reads the time series of the grid point closest to the
// coordinate.
func (r *Reader) ReadNearest(lon, lat float64) (*Series, error) {
	p, err := r.grid.Nearest(lon, lat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPointNotFound, err)
	}
	return r.ReadPoint(p.GPI)
}
