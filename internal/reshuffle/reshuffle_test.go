package reshuffle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/ctessum/geom"

	"github.com/TUW-GEO/gldas/internal/gldas"
	"github.com/TUW-GEO/gldas/internal/grid"
	"github.com/TUW-GEO/gldas/internal/ts"
)

// Native files of the 30 degree test grid cover its 4 northern rows.
const (
	nativeRows = 4
	nativeCols = 12
	shift      = 2 * nativeCols
)

func soilMoisture(k, t int) float32 { return float32(k) + float32(t)/8 }
func airTemp(k, t int) float32      { return 250 + float32(k)/4 + float32(t) }

// writeDay writes the eight native netCDF files of the day starting at day.
// Files for timestamps in skip are left out.
func writeDay(t *testing.T, root string, day time.Time, skip ...int) {
	t.Helper()
	vars := []struct {
		name  string
		value func(k, t int) float32
		attrs map[string]any
	}{
		{"SoilMoi0_10cm_inst", soilMoisture, map[string]any{
			"_FillValue": float32(-9999),
			"long_name":  "Soil moisture content (0-10 cm)",
			"units":      "kg m-2",
		}},
		{"Tair_f_inst", airTemp, map[string]any{"units": "K"}},
	}
	for i := 0; i < 8; i++ {
		if contains(skip, i) {
			continue
		}
		stamp := day.Add(time.Duration(3*i) * time.Hour)
		dir := gldas.Folder(root, stamp)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		cw, err := cdf.OpenWriter(filepath.Join(dir, "GLDAS_NOAH025_3H.A"+stamp.Format("20060102.1504")+".021.nc4"))
		if err != nil {
			t.Fatal(err)
		}
		for _, v := range vars {
			rows := make([][]float32, nativeRows)
			for j := range rows {
				rows[j] = make([]float32, nativeCols)
				for c := range rows[j] {
					rows[j][c] = v.value(j*nativeCols+c, i)
				}
			}
			var keys []string
			for k := range v.attrs {
				keys = append(keys, k)
			}
			attrs, err := util.NewOrderedMap(keys, v.attrs)
			if err != nil {
				t.Fatal(err)
			}
			err = cw.AddVar(v.name, api.Variable{
				Values:     [][][]float32{rows},
				Dimensions: []string{"time", "lat", "lon"},
				Attributes: attrs,
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		if err := cw.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func cellFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "[0-9][0-9][0-9][0-9].nc"))
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func closeTo(got, want float32) bool {
	return math.Abs(float64(got-want)) <= 1e-5*math.Abs(float64(want))
}

func TestRunOneDay(t *testing.T) {
	in, out := t.TempDir(), filepath.Join(t.TempDir(), "ts")
	writeDay(t, in, t0)
	g := testGrid(t)
	r := New(Config{
		InputRoot:  in,
		OutputRoot: out,
		Start:      t0,
		End:        t0,
		Parameters: []string{"SoilMoi0_10cm_inst", "Tair_f_inst"},
		ImgBuffer:  3,
		Grid:       g,
	}, nil)
	if r.State() != Init {
		t.Errorf("State() = %v before Run", r.State())
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.State() != Done {
		t.Errorf("State() = %v, want DONE", r.State())
	}

	if got, want := len(cellFiles(t, out)), len(g.CellIDs()); got != want {
		t.Errorf("%d cell files, want %d", got, want)
	}
	rd, err := ts.Open(out)
	if err != nil {
		t.Fatalf("grid file: %v", err)
	}
	if rd.Grid().Len() != g.Len() {
		t.Errorf("grid file holds %d points, want %d", rd.Grid().Len(), g.Len())
	}

	s, err := rd.ReadNearest(45, 15)
	if err != nil {
		t.Fatal(err)
	}
	if s.Lon != 45 || s.Lat != 15 {
		t.Fatalf("read point (%v, %v), want (45, 15)", s.Lon, s.Lat)
	}
	k := s.GPI - shift
	for name, value := range map[string]func(k, t int) float32{"SoilMoi0_10cm_inst": soilMoisture, "Tair_f_inst": airTemp} {
		vals := s.Values[name]
		if len(vals) != 8 {
			t.Fatalf("%s has %d values, want 8", name, len(vals))
		}
		for i, v := range vals {
			if want := value(k, i); !closeTo(v, want) {
				t.Errorf("%s[%d] = %v, want %v", name, i, v, want)
			}
		}
	}
	for i, stamp := range s.Time {
		if want := t0.Add(time.Duration(3*i) * time.Hour); !stamp.Equal(want) {
			t.Errorf("Time[%d] = %v, want %v", i, stamp, want)
		}
	}
	if md := s.Metadata["SoilMoi0_10cm_inst"]; md.Units != "kg m-2" {
		t.Errorf("metadata = %+v", md)
	}

	south, err := rd.ReadNearest(-165, -75)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range south.Values["Tair_f_inst"] {
		if v != gldas.FillValue {
			t.Fatalf("point south of the native coverage holds %v, want %v", v, gldas.FillValue)
		}
	}
}

func TestRunEmptyBBox(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	r := New(Config{
		InputRoot:  in,
		OutputRoot: out,
		Start:      t0,
		End:        t0,
		Parameters: []string{"SoilMoi0_10cm_inst"},
		Grid:       testGrid(t),
		BBox:       &geom.Bounds{Min: geom.Point{X: 1, Y: 1}, Max: geom.Point{X: 2, Y: 2}},
	}, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if files := cellFiles(t, out); len(files) != 0 {
		t.Errorf("cell files written for an empty grid: %v", files)
	}
	rd, err := ts.Open(out)
	if err != nil {
		t.Fatalf("grid file: %v", err)
	}
	if rd.Grid().Len() != 0 {
		t.Errorf("grid file holds %d points, want 0", rd.Grid().Len())
	}
}

func TestRunLandBBox(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeDay(t, in, t0)
	r := New(Config{
		InputRoot:  in,
		OutputRoot: out,
		Start:      t0,
		End:        t0.Add(6 * time.Hour),
		Parameters: []string{"Tair_f_inst"},
		Grid:       testGrid(t),
		LandPoints: true,
		Mask:       func(lon, lat float64) bool { return lon > 0 },
		BBox:       &geom.Bounds{Min: geom.Point{X: -180, Y: 0}, Max: geom.Point{X: 180, Y: 90}},
	}, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rd, err := ts.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	if n := rd.Grid().Len(); n != 18 {
		t.Errorf("grid holds %d points, want 18", n)
	}
	for _, p := range rd.Grid().Lons() {
		if p < 0 {
			t.Fatalf("water point at lon %v kept", p)
		}
	}
	s, err := rd.ReadNearest(45, 15)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Time) != 3 {
		t.Errorf("got %d timestamps up to 06:00, want 3", len(s.Time))
	}
	if _, err := rd.ReadPoint(0); !errors.Is(err, ts.ErrPointNotFound) {
		t.Errorf("ReadPoint of a removed point: err = %v", err)
	}
}

func TestRunConfigErrors(t *testing.T) {
	in := t.TempDir()
	file := filepath.Join(in, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	valid := func() Config {
		return Config{
			InputRoot:  in,
			OutputRoot: filepath.Join(t.TempDir(), "out"),
			Start:      t0,
			End:        t0,
			Parameters: []string{"Tair_f_inst"},
			Grid:       testGrid(t),
		}
	}
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"missing input root", func(c *Config) { c.InputRoot = filepath.Join(in, "missing") }},
		{"input root is a file", func(c *Config) { c.InputRoot = file }},
		{"no output root", func(c *Config) { c.OutputRoot = "" }},
		{"no start", func(c *Config) { c.Start = time.Time{} }},
		{"end before start", func(c *Config) { c.End = t0.Add(-time.Hour) }},
		{"no parameters", func(c *Config) { c.Parameters = nil }},
		{"negative buffer", func(c *Config) { c.ImgBuffer = -1 }},
		{"land without mask", func(c *Config) { c.LandPoints = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			r := New(cfg, nil)
			err := r.Run(context.Background())
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Run error = %v, want ErrConfig", err)
			}
			if r.State() != Failed {
				t.Errorf("State() = %v, want FAILED", r.State())
			}
			if cfg.OutputRoot != "" {
				if _, err := os.Stat(cfg.OutputRoot); !os.IsNotExist(err) {
					t.Errorf("output root created: %v", err)
				}
			}
		})
	}
}

func TestRunMissingFile(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeDay(t, in, t0, 3)
	r := New(Config{
		InputRoot:  in,
		OutputRoot: out,
		Start:      t0,
		End:        t0,
		Parameters: []string{"Tair_f_inst"},
		ImgBuffer:  2,
		Grid:       testGrid(t),
	}, nil)
	err := r.Run(context.Background())
	if !errors.Is(err, gldas.ErrFileNotFound) {
		t.Fatalf("Run error = %v, want ErrFileNotFound", err)
	}
	if !strings.Contains(err.Error(), "2000-01-01 09:00:00") {
		t.Errorf("error %q does not name the timestamp", err)
	}
	if r.State() != Failed {
		t.Errorf("State() = %v, want FAILED", r.State())
	}
	// the first flush stays on disk
	b, err := ts.ReadCellFile(filepath.Join(out, ts.CellFileName(0)))
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Times) != 2 {
		t.Errorf("cell 0 holds %d timestamps, want 2", len(b.Times))
	}
	if _, err := os.Stat(filepath.Join(out, grid.FileName)); !os.IsNotExist(err) {
		t.Errorf("grid file written by a failed run: %v", err)
	}
}

type fakeSource struct {
	g     *grid.Grid
	reads int
}

func (s *fakeSource) Read(t time.Time) (*gldas.Image, error) {
	s.reads++
	img := flatImage(s.g, s.reads-1, []string{"a"})
	img.Timestamp = t
	return img, nil
}

func (s *fakeSource) Timestamps(start, end time.Time) []time.Time {
	return gldas.Timestamps(start, end)
}

func TestRunCancelled(t *testing.T) {
	out := t.TempDir()
	g := testGrid(t)
	src := &fakeSource{g: g}
	r := New(Config{
		InputRoot:  t.TempDir(),
		OutputRoot: out,
		Start:      t0,
		End:        t0.AddDate(0, 0, 1),
		Parameters: []string{"a"},
		Grid:       g,
	}, nil)
	var format gldas.Format = -1
	r.newSource = func(f gldas.Format, root string, opts gldas.Options) (gldas.Source, error) {
		format = f
		if !opts.Flat || opts.Grid.Len() != g.Len() {
			t.Errorf("source options = %+v", opts)
		}
		return src, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if format != gldas.NetCDF {
		t.Errorf("empty input root detected as %v, want netCDF", format)
	}
	if src.reads != 0 {
		t.Errorf("%d images read after cancellation", src.reads)
	}
	if files := cellFiles(t, out); len(files) != 0 {
		t.Errorf("cell files written: %v", files)
	}
}

func TestRunFakeSource(t *testing.T) {
	out := t.TempDir()
	g := testGrid(t)
	src := &fakeSource{g: g}
	r := New(Config{
		InputRoot:  t.TempDir(),
		OutputRoot: out,
		Start:      t0,
		End:        t0.AddDate(0, 0, 1),
		Parameters: []string{"a"},
		ImgBuffer:  5,
		Grid:       g,
		Attrs:      map[string]string{"product": "GLDAS_Noah_v21_025"},
	}, nil)
	r.newSource = func(gldas.Format, string, gldas.Options) (gldas.Source, error) { return src, nil }
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.reads != 16 {
		t.Errorf("%d images read, want 16", src.reads)
	}
	b, err := ts.ReadCellFile(filepath.Join(out, ts.CellFileName(g.Point(0).Cell)))
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Times) != 16 {
		t.Fatalf("cell holds %d timestamps, want 16", len(b.Times))
	}
	for i, v := range b.Values["a"][0] {
		if want := value(0, 0, i); v != want {
			t.Errorf("a[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestRunGRIBSubsetWarning(t *testing.T) {
	in := t.TempDir()
	day := filepath.Join(in, "2000", "001")
	if err := os.MkdirAll(day, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(day, "GLDAS_NOAH025SUBP_3H.A2000001.0000.001.grb"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		bbox *geom.Bounds
		warn bool
	}{
		{"global", nil, false},
		{"bbox", &geom.Bounds{Min: geom.Point{X: 0, Y: 0}, Max: geom.Point{X: 60, Y: 60}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			r := New(Config{
				InputRoot:  in,
				OutputRoot: t.TempDir(),
				Start:      t0,
				End:        t0.Add(3 * time.Hour),
				Parameters: []string{"a"},
				Grid:       testGrid(t),
				BBox:       tt.bbox,
			}, slog.New(slog.NewTextHandler(&logs, nil)))
			var format gldas.Format
			src := &fakeSource{}
			r.newSource = func(f gldas.Format, _ string, opts gldas.Options) (gldas.Source, error) {
				format, src.g = f, opts.Grid
				return src, nil
			}
			if err := r.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if format != gldas.GRIB {
				t.Errorf("format = %v, want GRIB", format)
			}
			if got := strings.Contains(logs.String(), "GLDAS 2.x"); got != tt.warn {
				t.Errorf("warning logged = %v, want %v:\n%s", got, tt.warn, logs.String())
			}
		})
	}
}
