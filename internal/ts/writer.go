// Package ts stores reshuffled GLDAS data as per-cell time series files.
//
// Every cell is one netCDF classic file named after the cell id (0000.nc,
// 0001.nc, ...). The points of the cell span the fixed locations dimension
// and time is the record dimension, so new timestamps are appended without
// rewriting earlier records. All points of a cell share one time axis.
package ts

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/ctessum/cdf"
)

var (
	// ErrPointSetMismatch is returned when a merge supplies other points than
	// the store of the cell holds.
	ErrPointSetMismatch = errors.New("ts: point set of cell changed")
	// ErrNonMonotonic is returned for timestamps that do not strictly
	// increase within a store.
	ErrNonMonotonic = errors.New("ts: timestamps not strictly increasing")
	// ErrVariableMismatch is returned when a merge supplies other variables
	// than the store of the cell holds.
	ErrVariableMismatch = errors.New("ts: variables of cell changed")
)

const (
	TimeUnits = "days since 1900-01-01 00:00:00"

	locDim  = "locations"
	timeDim = "time"
)

var epoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Metadata describes one variable.
type Metadata struct {
	LongName string
	Units    string
}

// Batch is a block of time series of one cell: for every variable one row
// per point and one column per timestamp.
type Batch struct {
	Cell     int
	GPIs     []int
	Lons     []float64
	Lats     []float64
	Times    []time.Time
	Values   map[string][][]float32
	Metadata map[string]Metadata
}

// Variables returns the variable names of b in sorted order.
func (b *Batch) Variables() []string {
	names := make([]string, 0, len(b.Values))
	for name := range b.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Batch) check() error {
	n := len(b.GPIs)
	if n == 0 {
		return fmt.Errorf("ts: cell %d: batch without points", b.Cell)
	}
	if len(b.Lons) != n || len(b.Lats) != n {
		return fmt.Errorf("ts: cell %d: %d points but %d longitudes and %d latitudes", b.Cell, n, len(b.Lons), len(b.Lats))
	}
	for i := 1; i < len(b.Times); i++ {
		if !b.Times[i].After(b.Times[i-1]) {
			return fmt.Errorf("%w: cell %d: %v after %v", ErrNonMonotonic, b.Cell, b.Times[i], b.Times[i-1])
		}
	}
	for name, rows := range b.Values {
		if len(rows) != n {
			return fmt.Errorf("ts: cell %d: %s has %d rows for %d points", b.Cell, name, len(rows), n)
		}
		for _, row := range rows {
			if len(row) != len(b.Times) {
				return fmt.Errorf("ts: cell %d: %s has %d values for %d timestamps", b.Cell, name, len(row), len(b.Times))
			}
		}
	}
	return nil
}

// CellFileName returns the name of the store of a cell.
func CellFileName(cell int) string {
	return fmt.Sprintf("%04d.nc", cell)
}

type cellState struct {
	gpis    []int
	vars    []string
	records int
	last    time.Time
}

// Writer merges batches into the cell stores of a directory. The first merge
// into a cell within a writer's lifetime creates the store. A store left in
// the directory by an earlier run is overwritten, not appended to. Later
// merges within the same writer append. A Writer is not safe for concurrent
// use.
type Writer struct {
	dir   string
	attrs map[string]string
	cells map[int]*cellState
}

// NewWriter creates a writer for the stores below dir. attrs are written as
// global attributes of every store.
func NewWriter(dir string, attrs map[string]string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ts: creating output directory: %w", err)
	}
	return &Writer{dir: dir, attrs: attrs, cells: make(map[int]*cellState)}, nil
}

// Cells returns the number of cell stores written.
func (w *Writer) Cells() int {
	return len(w.cells)
}

// Merge writes b into the store of b.Cell. Batches without timestamps are
// ignored. NaN values are stored unchanged.
func (w *Writer) Merge(b Batch) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(b.Times) == 0 {
		return nil
	}
	path := filepath.Join(w.dir, CellFileName(b.Cell))
	st, ok := w.cells[b.Cell]
	if !ok {
		if err := w.create(path, &b); err != nil {
			return err
		}
		st = &cellState{gpis: slices.Clone(b.GPIs), vars: b.Variables()}
		w.cells[b.Cell] = st
	} else {
		if !slices.Equal(st.gpis, b.GPIs) {
			return fmt.Errorf("%w: cell %d holds %d points, got %d", ErrPointSetMismatch, b.Cell, len(st.gpis), len(b.GPIs))
		}
		if !slices.Equal(st.vars, b.Variables()) {
			return fmt.Errorf("%w: cell %d holds %v, got %v", ErrVariableMismatch, b.Cell, st.vars, b.Variables())
		}
		if !b.Times[0].After(st.last) {
			return fmt.Errorf("%w: cell %d: %v does not follow %v", ErrNonMonotonic, b.Cell, b.Times[0], st.last)
		}
	}
	if err := appendRecords(path, st.records, &b); err != nil {
		return err
	}
	st.records += len(b.Times)
	st.last = b.Times[len(b.Times)-1]
	return nil
}

// Close ends the writer session. A cell merged after Close starts a new
// store.
func (w *Writer) Close() error {
	w.cells = make(map[int]*cellState)
	return nil
}

func (w *Writer) create(path string, b *Batch) error {
	n := len(b.GPIs)
	h := cdf.NewHeader([]string{timeDim, locDim}, []int{0, n})
	h.AddVariable("location_id", []string{locDim}, []int32{0})
	h.AddVariable("lon", []string{locDim}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable("lat", []string{locDim}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("time", []string{timeDim}, []float64{0})
	h.AddAttribute("time", "units", TimeUnits)
	h.AddAttribute("time", "standard_name", "time")
	for _, name := range b.Variables() {
		h.AddVariable(name, []string{timeDim, locDim}, []float32{0})
		md := b.Metadata[name]
		if md.LongName != "" {
			h.AddAttribute(name, "long_name", md.LongName)
		}
		if md.Units != "" {
			h.AddAttribute(name, "units", md.Units)
		}
	}
	keys := make([]string, 0, len(w.attrs))
	for k := range w.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.AddAttribute("", k, w.attrs[k])
	}
	h.AddAttribute("", "cell", []int32{int32(b.Cell)})
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return fmt.Errorf("ts: header of %s: %v", path, errs[0])
	}

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ts: creating cell store: %w", err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("ts: writing header of %s: %w", path, err)
	}
	ids := make([]int32, n)
	for i, gpi := range b.GPIs {
		ids[i] = int32(gpi)
	}
	data := []struct {
		name   string
		values interface{}
	}{
		{"location_id", ids},
		{"lon", b.Lons},
		{"lat", b.Lats},
	}
	for _, d := range data {
		// an explicit end past the data keeps the strider from reporting
		// io.EOF after the last value
		if _, err := f.Writer(d.name, []int{0}, []int{n}).Write(d.values); err != nil {
			return fmt.Errorf("ts: writing %s to %s: %w", d.name, path, err)
		}
	}
	return nil
}

// appendRecords writes the timestamps and values of b as records starting
// at record first.
func appendRecords(path string, first int, b *Batch) error {
	ff, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ts: opening cell store: %w", err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return fmt.Errorf("ts: reading header of %s: %w", path, err)
	}

	days := make([]float64, len(b.Times))
	for i, t := range b.Times {
		days[i] = toDays(t)
	}
	if _, err := f.Writer("time", []int{first}, nil).Write(days); err != nil {
		return fmt.Errorf("ts: appending time to %s: %w", path, err)
	}

	n, k := len(b.GPIs), len(b.Times)
	buf := make([]float32, n*k)
	for _, name := range b.Variables() {
		rows := b.Values[name]
		for p, row := range rows {
			for t, v := range row {
				buf[t*n+p] = v
			}
		}
		if _, err := f.Writer(name, []int{first, 0}, nil).Write(buf); err != nil {
			return fmt.Errorf("ts: appending %s to %s: %w", name, path, err)
		}
	}
	if err := cdf.UpdateNumRecs(ff); err != nil {
		return fmt.Errorf("ts: finalizing %s: %w", path, err)
	}
	return nil
}

func toDays(t time.Time) float64 {
	return float64(t.Unix()-epoch.Unix()) / 86400
}

func fromDays(d float64) time.Time {
	return epoch.Add(time.Duration(math.Round(d*86400)) * time.Second)
}
