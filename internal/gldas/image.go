package gldas

import (
	"fmt"
	"math"
	"time"

	"github.com/TUW-GEO/gldas/internal/grid"
)

// FillValue marks grid points without model output: points south of the
// native file coverage and values masked in the native file.
const FillValue = 9999

// Metadata is the static per-variable information copied from native files.
type Metadata struct {
	LongName string
	Units    string
}

// Image is one timestamp's snapshot of the requested variables.
//
// Lon, Lat and every slice of Data share the same layout. Flat images hold
// one value per active grid point in grid order and have Shape [n]. Raster
// images cover the full grid north-up, Shape [nLat, nLon] in row-major order.
// Every requested variable has an entry in both Data and Metadata.
type Image struct {
	Timestamp time.Time
	Lon       []float64
	Lat       []float64
	Shape     []int
	Data      map[string][]float32
	Metadata  map[string]Metadata
}

// Flat reports whether the image holds one value per active grid point.
func (img *Image) Flat() bool {
	return len(img.Shape) == 1
}

// imageBuilder maps native south-to-north rasters onto the active points of a
// grid.
type imageBuilder struct {
	g    *grid.Grid
	flat bool
	img  *Image
}

func newImageBuilder(g *grid.Grid, flat bool, ts time.Time) *imageBuilder {
	img := &Image{
		Timestamp: ts,
		Data:      make(map[string][]float32),
		Metadata:  make(map[string]Metadata),
	}
	if flat {
		img.Lon, img.Lat = g.Lons(), g.Lats()
		img.Shape = []int{g.Len()}
	} else {
		nLat, nLon := g.Shape()
		img.Lon, img.Lat = northUp(g.Lons(), nLat, nLon), northUp(g.Lats(), nLat, nLon)
		img.Shape = []int{nLat, nLon}
	}
	return &imageBuilder{g: g, flat: flat, img: img}
}

// set stores a native raster. native covers the northern rows of the global
// grid; the missing southern rows are filled with FillValue.
func (b *imageBuilder) set(name string, native []float32, md Metadata) error {
	nLat, nLon := b.g.Shape()
	if len(native)%nLon != 0 || len(native) > nLat*nLon {
		return fmt.Errorf("%d values do not fit a %dx%d grid", len(native), nLat, nLon)
	}
	offset := nLat*nLon - len(native)
	vals := make([]float32, b.g.Len())
	for i, gpi := range b.g.GPIs() {
		if gpi < offset {
			vals[i] = FillValue
			continue
		}
		vals[i] = native[gpi-offset]
	}
	if !b.flat {
		vals = northUp(vals, nLat, nLon)
	}
	b.img.Data[name] = vals
	b.img.Metadata[name] = md
	return nil
}

// setMissing fills a variable that is absent from the native file with NaN.
func (b *imageBuilder) setMissing(name string) {
	vals := make([]float32, len(b.img.Lon))
	nan := float32(math.NaN())
	for i := range vals {
		vals[i] = nan
	}
	b.img.Data[name] = vals
	b.img.Metadata[name] = Metadata{}
}

// northUp reverses the row order of a south-to-north raster.
func northUp[T any](vals []T, nLat, nLon int) []T {
	out := make([]T, len(vals))
	for j := 0; j < nLat; j++ {
		copy(out[(nLat-1-j)*nLon:(nLat-j)*nLon], vals[j*nLon:(j+1)*nLon])
	}
	return out
}
