// Package grid builds the fixed equal-angle GLDAS point set, partitions it
// into square cells and derives restricted subgrids from it.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

const (
	// DefaultResolution is the GLDAS 0.25 degree grid spacing.
	DefaultResolution = 0.25
	// DefaultCellSize is the edge length of the square cells used to group
	// time series files.
	DefaultCellSize = 5.0
)

// ErrEmpty is returned by lookups on a grid without active points.
var ErrEmpty = errors.New("grid: no active points")

// Point is a single grid point.
type Point struct {
	GPI  int
	Lon  float64
	Lat  float64
	Cell int
}

// Mask classifies a coordinate, e.g. as land (true) or water (false).
type Mask func(lon, lat float64) bool

// Grid is an ordered set of active points of a regular global grid. Point ids
// (gpi) index the full grid row by row starting at the south west corner, so
// the gpi of the point in latitude row j and longitude column i is
// j*nLon + i. Active points are kept in ascending gpi order.
type Grid struct {
	resolution float64
	cellSize   float64
	nLon       int
	nLat       int

	gpis  []int
	lons  []float64
	lats  []float64
	cells []int

	treeOnce sync.Once
	tree     *rtree.Rtree
}

// NewGlobal creates the full global grid of cell-center coordinates at the
// given resolution, partitioned into cells of cellSize degrees.
func NewGlobal(resolution, cellSize float64) (*Grid, error) {
	nLon, err := tiles(360, resolution)
	if err != nil {
		return nil, fmt.Errorf("grid: resolution %v: %w", resolution, err)
	}
	nLat, err := tiles(180, resolution)
	if err != nil {
		return nil, fmt.Errorf("grid: resolution %v: %w", resolution, err)
	}
	if _, err := tiles(360, cellSize); err != nil {
		return nil, fmt.Errorf("grid: cell size %v: %w", cellSize, err)
	}
	if _, err := tiles(180, cellSize); err != nil {
		return nil, fmt.Errorf("grid: cell size %v: %w", cellSize, err)
	}

	n := nLon * nLat
	g := &Grid{
		resolution: resolution,
		cellSize:   cellSize,
		nLon:       nLon,
		nLat:       nLat,
		gpis:       make([]int, n),
		lons:       make([]float64, n),
		lats:       make([]float64, n),
		cells:      make([]int, n),
	}
	for j := 0; j < nLat; j++ {
		lat := -90 + resolution/2 + float64(j)*resolution
		for i := 0; i < nLon; i++ {
			k := j*nLon + i
			lon := -180 + resolution/2 + float64(i)*resolution
			g.gpis[k] = k
			g.lons[k] = lon
			g.lats[k] = lat
			g.cells[k] = CellID(lon, lat, cellSize)
		}
	}
	return g, nil
}

func tiles(extent, step float64) (int, error) {
	if step <= 0 || math.IsNaN(step) {
		return 0, errors.New("must be positive")
	}
	n := math.Round(extent / step)
	if n < 1 || math.Abs(n*step-extent) > 1e-9 {
		return 0, fmt.Errorf("does not tile %v degrees", extent)
	}
	return int(n), nil
}

// CellID returns the id of the cellSize x cellSize degree cell containing
// the coordinate. Cells are numbered column by column from the south west
// corner, so the id is lonIndex*(180/cellSize) + latIndex.
func CellID(lon, lat, cellSize float64) int {
	nLonCells := int(math.Round(360 / cellSize))
	nLatCells := int(math.Round(180 / cellSize))
	i := int(math.Floor((lon + 180) / cellSize))
	i = ((i % nLonCells) + nLonCells) % nLonCells
	j := int(math.Floor((lat + 90) / cellSize))
	if j < 0 {
		j = 0
	}
	if j >= nLatCells {
		j = nLatCells - 1
	}
	return i*nLatCells + j
}

// Resolution returns the grid spacing in degrees.
func (g *Grid) Resolution() float64 { return g.resolution }

// CellSize returns the cell edge length in degrees.
func (g *Grid) CellSize() float64 { return g.cellSize }

// Shape returns the number of latitude rows and longitude columns of the
// full grid.
func (g *Grid) Shape() (nLat, nLon int) { return g.nLat, g.nLon }

// Len returns the number of active points.
func (g *Grid) Len() int { return len(g.gpis) }

// Full reports whether every point of the global grid is active.
func (g *Grid) Full() bool { return len(g.gpis) == g.nLat*g.nLon }

// Point returns the active point at position i.
func (g *Grid) Point(i int) Point {
	return Point{GPI: g.gpis[i], Lon: g.lons[i], Lat: g.lats[i], Cell: g.cells[i]}
}

// GPIs returns the global point ids of the active points. The returned slice
// must not be modified.
func (g *Grid) GPIs() []int { return g.gpis }

// Lons returns the longitudes of the active points.
func (g *Grid) Lons() []float64 { return g.lons }

// Lats returns the latitudes of the active points.
func (g *Grid) Lats() []float64 { return g.lats }

// Cells returns the cell ids of the active points.
func (g *Grid) Cells() []int { return g.cells }

// Position returns the position of the point with the given global id among
// the active points.
func (g *Grid) Position(gpi int) (int, bool) {
	i := sort.SearchInts(g.gpis, gpi)
	if i < len(g.gpis) && g.gpis[i] == gpi {
		return i, true
	}
	return 0, false
}

// CellIDs returns the distinct cell ids of the active points in ascending
// order.
func (g *Grid) CellIDs() []int {
	seen := make(map[int]struct{})
	var ids []int
	for _, c := range g.cells {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		ids = append(ids, c)
	}
	sort.Ints(ids)
	return ids
}

// CellPositions maps every cell id to the positions of its active points,
// in ascending gpi order.
func (g *Grid) CellPositions() map[int][]int {
	m := make(map[int][]int)
	for i, c := range g.cells {
		m[c] = append(m[c], i)
	}
	return m
}

// Subset returns a new grid holding the active points for which keep returns
// true. Point ids and cell ids are carried over from g.
func (g *Grid) Subset(keep func(Point) bool) *Grid {
	s := &Grid{
		resolution: g.resolution,
		cellSize:   g.cellSize,
		nLon:       g.nLon,
		nLat:       g.nLat,
	}
	for i := range g.gpis {
		if !keep(g.Point(i)) {
			continue
		}
		s.gpis = append(s.gpis, g.gpis[i])
		s.lons = append(s.lons, g.lons[i])
		s.lats = append(s.lats, g.lats[i])
		s.cells = append(s.cells, g.cells[i])
	}
	return s
}

// BBox returns the subgrid of points inside b. Bounds are inclusive, X is
// longitude and Y is latitude.
func (g *Grid) BBox(b geom.Bounds) *Grid {
	return g.Subset(func(p Point) bool {
		return p.Lon >= b.Min.X && p.Lon <= b.Max.X &&
			p.Lat >= b.Min.Y && p.Lat <= b.Max.Y
	})
}

// Land returns the subgrid of points classified as land by mask.
func (g *Grid) Land(mask Mask) *Grid {
	return g.Subset(func(p Point) bool { return mask(p.Lon, p.Lat) })
}

type indexedPoint struct {
	geom.Point
	pos int
}

// Nearest returns the active point closest to the coordinate.
func (g *Grid) Nearest(lon, lat float64) (Point, error) {
	if g.Len() == 0 {
		return Point{}, ErrEmpty
	}
	g.treeOnce.Do(func() {
		g.tree = rtree.NewTree(25, 50)
		for i := range g.gpis {
			g.tree.Insert(indexedPoint{Point: geom.Point{X: g.lons[i], Y: g.lats[i]}, pos: i})
		}
	})
	nn := g.tree.NearestNeighbor(geom.Point{X: lon, Y: lat}).(indexedPoint)
	return g.Point(nn.pos), nil
}
