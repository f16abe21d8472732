package ts

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"

	"github.com/TUW-GEO/gldas/internal/grid"
)

func hours(start time.Time, n int) []time.Time {
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = start.Add(time.Duration(3*i) * time.Hour)
	}
	return ts
}

func batch(cell int, gpis []int, times []time.Time, value func(gpi, t int) float32) Batch {
	b := Batch{
		Cell:     cell,
		GPIs:     gpis,
		Lons:     make([]float64, len(gpis)),
		Lats:     make([]float64, len(gpis)),
		Times:    times,
		Values:   map[string][][]float32{"sm": nil, "tair": nil},
		Metadata: map[string]Metadata{"sm": {LongName: "soil moisture", Units: "kg m-2"}, "tair": {Units: "K"}},
	}
	for i, gpi := range gpis {
		b.Lons[i] = float64(gpi) + 0.5
		b.Lats[i] = -float64(gpi) - 0.5
	}
	for name, offset := range map[string]float32{"sm": 0, "tair": 1000} {
		rows := make([][]float32, len(gpis))
		for i, gpi := range gpis {
			rows[i] = make([]float32, len(times))
			for t := range times {
				rows[i][t] = offset + value(gpi, t)
			}
		}
		b.Values[name] = rows
	}
	return b
}

var t0 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMergeAppend(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, map[string]string{"product": "GLDAS"})
	if err != nil {
		t.Fatal(err)
	}
	gpis := []int{3, 7, 11}
	all := hours(t0, 10)
	value := func(gpi, t int) float32 { return float32(gpi*100 + t) }
	first := batch(42, gpis, all[:6], value)
	second := batch(42, gpis, all[6:], func(gpi, t int) float32 { return value(gpi, t+6) })
	for _, b := range []Batch{first, second} {
		if err := w.Merge(b); err != nil {
			t.Fatalf("Merge: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadCellFile(filepath.Join(dir, "0042.nc"))
	if err != nil {
		t.Fatalf("ReadCellFile: %v", err)
	}
	if got.Cell != 42 {
		t.Errorf("Cell = %d, want 42", got.Cell)
	}
	if len(got.Times) != len(all) {
		t.Fatalf("got %d timestamps, want %d", len(got.Times), len(all))
	}
	for i := range all {
		if !got.Times[i].Equal(all[i]) {
			t.Errorf("Times[%d] = %v, want %v", i, got.Times[i], all[i])
		}
		if i > 0 && !got.Times[i].After(got.Times[i-1]) {
			t.Errorf("Times not strictly increasing at %d", i)
		}
	}
	for p, gpi := range gpis {
		if got.GPIs[p] != gpi || got.Lons[p] != float64(gpi)+0.5 || got.Lats[p] != -float64(gpi)-0.5 {
			t.Errorf("point %d = %d (%v, %v)", p, got.GPIs[p], got.Lons[p], got.Lats[p])
		}
		for i := range all {
			if v := got.Values["sm"][p][i]; v != value(gpi, i) {
				t.Errorf("sm[%d][%d] = %v, want %v", p, i, v, value(gpi, i))
			}
			if v := got.Values["tair"][p][i]; v != 1000+value(gpi, i) {
				t.Errorf("tair[%d][%d] = %v, want %v", p, i, v, 1000+value(gpi, i))
			}
		}
	}
	if md := got.Metadata["sm"]; md.LongName != "soil moisture" || md.Units != "kg m-2" {
		t.Errorf("sm metadata = %+v", md)
	}

	ff, err := os.Open(filepath.Join(dir, "0042.nc"))
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		t.Fatal(err)
	}
	if p := f.Header.GetAttribute("", "product"); p != "GLDAS" {
		t.Errorf("product attribute = %v, want GLDAS", p)
	}
	if u := f.Header.GetAttribute("time", "units"); u != TimeUnits {
		t.Errorf("time units = %v", u)
	}
}

func TestMergeNewCell(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := Batch{
		Cell:     7,
		GPIs:     []int{70, 71},
		Lons:     []float64{10.125, 10.375},
		Lats:     []float64{45.125, 45.125},
		Times:    hours(t0, 1),
		Values:   map[string][][]float32{"sm": {{0.25}, {0.5}}},
		Metadata: map[string]Metadata{"sm": {LongName: "soil moisture", Units: "kg m-2"}},
	}
	if err := w.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if w.Cells() != 1 {
		t.Errorf("Cells = %d, want 1", w.Cells())
	}

	got, err := ReadCellFile(filepath.Join(dir, "0007.nc"))
	if err != nil {
		t.Fatalf("ReadCellFile: %v", err)
	}
	for p := range b.GPIs {
		if got.GPIs[p] != b.GPIs[p] || got.Lons[p] != b.Lons[p] || got.Lats[p] != b.Lats[p] {
			t.Errorf("point %d = %d (%v, %v), want %d (%v, %v)", p,
				got.GPIs[p], got.Lons[p], got.Lats[p], b.GPIs[p], b.Lons[p], b.Lats[p])
		}
		if v := got.Values["sm"][p][0]; v != b.Values["sm"][p][0] {
			t.Errorf("sm[%d] = %v, want %v", p, v, b.Values["sm"][p][0])
		}
	}
	if len(got.Times) != 1 || !got.Times[0].Equal(t0) {
		t.Errorf("Times = %v, want [%v]", got.Times, t0)
	}
}

func TestMergeNaN(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	nan := float32(math.NaN())
	b := batch(1, []int{5, 6}, hours(t0, 3), func(gpi, t int) float32 {
		if gpi == 6 && t == 1 {
			return nan
		}
		return 1
	})
	b.Values["sm"][1][1] = nan
	if err := w.Merge(b); err != nil {
		t.Fatal(err)
	}
	got, err := ReadCellFile(filepath.Join(dir, CellFileName(1)))
	if err != nil {
		t.Fatal(err)
	}
	if v := got.Values["sm"][1][1]; !math.IsNaN(float64(v)) {
		t.Errorf("sm[1][1] = %v, want NaN", v)
	}
	if v := got.Values["sm"][0][1]; v != 1 {
		t.Errorf("sm[0][1] = %v, want 1", v)
	}
}

func TestMergeErrors(t *testing.T) {
	gpis := []int{1, 2}
	one := func(int, int) float32 { return 1 }
	base := batch(3, gpis, hours(t0, 4), one)

	dropVar := batch(3, gpis, hours(t0.Add(24*time.Hour), 2), one)
	delete(dropVar.Values, "tair")
	shortRow := batch(3, gpis, hours(t0.Add(24*time.Hour), 2), one)
	shortRow.Values["sm"][0] = shortRow.Values["sm"][0][:1]
	unordered := batch(3, gpis, []time.Time{t0.Add(48 * time.Hour), t0.Add(45 * time.Hour)}, one)

	tests := []struct {
		name string
		next Batch
		want error
	}{
		{"other points", batch(3, []int{1, 4}, hours(t0.Add(24*time.Hour), 2), one), ErrPointSetMismatch},
		{"fewer points", batch(3, []int{1}, hours(t0.Add(24*time.Hour), 2), one), ErrPointSetMismatch},
		{"duplicate timestamp", batch(3, gpis, hours(t0.Add(9*time.Hour), 2), one), ErrNonMonotonic},
		{"earlier window", batch(3, gpis, hours(t0.Add(-6*time.Hour), 2), one), ErrNonMonotonic},
		{"unordered window", unordered, ErrNonMonotonic},
		{"other variables", dropVar, ErrVariableMismatch},
		{"short row", shortRow, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriter(t.TempDir(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := w.Merge(base); err != nil {
				t.Fatal(err)
			}
			err = w.Merge(tt.next)
			if err == nil {
				t.Fatal("Merge succeeded, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Merge error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMergeEmptyWindow(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Merge(batch(9, []int{1}, nil, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, CellFileName(9))); !os.IsNotExist(err) {
		t.Errorf("batch without timestamps created a store: %v", err)
	}
	if err := w.Merge(Batch{Cell: 9}); err == nil {
		t.Error("batch without points accepted")
	}
}

func TestRerunOverwrites(t *testing.T) {
	dir := t.TempDir()
	one := func(int, int) float32 { return 1 }
	for run := 0; run < 2; run++ {
		w, err := NewWriter(dir, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Merge(batch(0, []int{1, 2}, hours(t0, 5), one)); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		w.Close()
	}
	got, err := ReadCellFile(filepath.Join(dir, CellFileName(0)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Times) != 5 {
		t.Errorf("got %d timestamps after rerun, want 5", len(got.Times))
	}
}

func TestReader(t *testing.T) {
	g, err := grid.NewGlobal(1, 5)
	if err != nil {
		t.Fatal(err)
	}
	sub := g.BBox(geom.Bounds{Min: geom.Point{X: 40, Y: 10}, Max: geom.Point{X: 50, Y: 20}})
	dir := t.TempDir()
	if err := grid.WriteFile(filepath.Join(dir, grid.FileName), sub, "bbox"); err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	times := hours(t0, 8)
	for cell, positions := range sub.CellPositions() {
		b := Batch{Cell: cell, Times: times, Values: map[string][][]float32{"sm": nil}}
		for _, pos := range positions {
			p := sub.Point(pos)
			b.GPIs = append(b.GPIs, p.GPI)
			b.Lons = append(b.Lons, p.Lon)
			b.Lats = append(b.Lats, p.Lat)
			row := make([]float32, len(times))
			for i := range row {
				row[i] = float32(p.GPI) + float32(i)/10
			}
			b.Values["sm"] = append(b.Values["sm"], row)
		}
		if err := w.Merge(b); err != nil {
			t.Fatal(err)
		}
	}
	if w.Cells() != len(sub.CellIDs()) {
		t.Errorf("Cells() = %d, want %d", w.Cells(), len(sub.CellIDs()))
	}

	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Grid().Len() != sub.Len() {
		t.Errorf("grid has %d points, want %d", r.Grid().Len(), sub.Len())
	}
	s, err := r.ReadNearest(45.4, 15.4)
	if err != nil {
		t.Fatalf("ReadNearest: %v", err)
	}
	if s.Lon != 45.5 || s.Lat != 15.5 {
		t.Fatalf("nearest point at (%v, %v), want (45.5, 15.5)", s.Lon, s.Lat)
	}
	if len(s.Time) != 8 || len(s.Values["sm"]) != 8 {
		t.Fatalf("series has %d timestamps and %d values, want 8", len(s.Time), len(s.Values["sm"]))
	}
	for i, v := range s.Values["sm"] {
		if want := float32(s.GPI) + float32(i)/10; v != want {
			t.Errorf("sm[%d] = %v, want %v", i, v, want)
		}
	}

	if _, err := r.ReadPoint(0); !errors.Is(err, ErrPointNotFound) {
		t.Errorf("ReadPoint outside the grid: err = %v, want ErrPointNotFound", err)
	}
	if _, err := Open(t.TempDir()); err == nil {
		t.Error("Open without grid file succeeded")
	}
}
