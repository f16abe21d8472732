// Package gldas reads GLDAS Noah native files (netCDF-4 for v2.x, GRIB1 for
// v1) into in-memory images on the 0.25 degree global grid.
package gldas

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/TUW-GEO/gldas/internal/grid"
)

// ErrFileNotFound is returned when no native file exists for a timestamp.
var ErrFileNotFound = errors.New("gldas: no file for timestamp")

// Source produces grid images from a local archive laid out in YYYY/DDD
// folders.
type Source interface {
	// Read loads the image of the given timestamp.
	Read(ts time.Time) (*Image, error)
	// Timestamps enumerates the nominal image timestamps between start and
	// end.
	Timestamps(start, end time.Time) []time.Time
}

// Format of the files in an archive.
type Format int

const (
	NetCDF Format = iota
	GRIB
)

func (f Format) String() string {
	switch f {
	case NetCDF:
		return "netCDF"
	case GRIB:
		return "grib"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Options configure a Source.
type Options struct {
	// Parameters are the variables to read.
	Parameters []string
	// Grid selects the active points. Defaults to the full global grid.
	Grid *grid.Grid
	// Flat requests one value per active point instead of a north-up raster.
	// Rasters are only available for the full grid.
	Flat bool
	Logger *slog.Logger
}

func (o *Options) setDefaults() error {
	if len(o.Parameters) == 0 {
		return errors.New("gldas: no parameters requested")
	}
	if o.Grid == nil {
		g, err := grid.NewGlobal(grid.DefaultResolution, grid.DefaultCellSize)
		if err != nil {
			return err
		}
		o.Grid = g
	}
	if !o.Flat && !o.Grid.Full() {
		return errors.New("gldas: raster images need the full grid, use flat images for subgrids")
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// NewSource creates the Source reading files of the given format.
func NewSource(f Format, root string, opts Options) (Source, error) {
	switch f {
	case NetCDF:
		return NewNetCDFSource(root, opts)
	case GRIB:
		return NewGRIBSource(root, opts)
	}
	return nil, fmt.Errorf("gldas: unknown format %v", f)
}

// Folder returns the YYYY/DDD folder of ts below root.
func Folder(root string, ts time.Time) string {
	return filepath.Join(root, fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%03d", ts.YearDay()))
}

// locate finds the single file in the folder of ts matching pattern.
func locate(root, pattern string, ts time.Time) (string, error) {
	glob := filepath.Join(Folder(root, ts), pattern)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return "", fmt.Errorf("gldas: file pattern %s: %w", glob, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w %s: %s", ErrFileNotFound, ts.Format(time.DateTime), glob)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("gldas: %d files match %s", len(matches), glob)
}

// hours of the 3-hourly samples of a day
var offsets = []int{0, 3, 6, 9, 12, 15, 18, 21}

// Timestamps returns eight samples per day, three hours apart, for every day
// from start through end. When end carries a clock time other than midnight,
// samples after it are dropped.
func Timestamps(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	days := int(end.Sub(start) / (24 * time.Hour))
	clipped := end.Hour() != 0 || end.Minute() != 0 || end.Second() != 0
	var ts []time.Time
	for i := 0; i <= days; i++ {
		day := start.AddDate(0, 0, i)
		for _, o := range offsets {
			t := day.Add(time.Duration(o) * time.Hour)
			if clipped && t.After(end) {
				return ts
			}
			ts = append(ts, t)
		}
	}
	return ts
}

// ParseDate parses YYYY-MM-DD and YYYY-MM-DDTHH:MM dates as UTC.
func ParseDate(s string) (time.Time, error) {
	var layout string
	switch len(s) {
	case len("2006-01-02"):
		layout = "2006-01-02"
	case len("2006-01-02T15:04"):
		layout = "2006-01-02T15:04"
	default:
		return time.Time{}, fmt.Errorf("gldas: invalid date %q, want YYYY-MM-DD or YYYY-MM-DDTHH:MM", s)
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("gldas: invalid date %q: %w", s, err)
	}
	return t, nil
}
