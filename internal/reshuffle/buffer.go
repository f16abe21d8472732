package reshuffle

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/TUW-GEO/gldas/internal/gldas"
	"github.com/TUW-GEO/gldas/internal/grid"
	"github.com/TUW-GEO/gldas/internal/ts"
)

// ErrBufferFull is returned by Accept when the window holds capacity images.
var ErrBufferFull = errors.New("reshuffle: image buffer full")

// CellMerger receives the per-cell batches of a flush.
type CellMerger interface {
	Merge(b ts.Batch) error
}

// Buffer holds a bounded chronological window of flat images on one grid.
type Buffer struct {
	grid     *grid.Grid
	capacity int
	images   []*gldas.Image
}

// NewBuffer creates a buffer for capacity images on g.
func NewBuffer(g *grid.Grid, capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("reshuffle: buffer capacity %d, want at least 1", capacity)
	}
	return &Buffer{grid: g, capacity: capacity, images: make([]*gldas.Image, 0, capacity)}, nil
}

// Accept appends img to the window.
func (b *Buffer) Accept(img *gldas.Image) error {
	if b.IsFull() {
		return ErrBufferFull
	}
	n := b.grid.Len()
	if !img.Flat() || img.Shape[0] != n {
		return fmt.Errorf("reshuffle: image %v of shape %v is not aligned with the %d grid points",
			img.Timestamp, img.Shape, n)
	}
	for name, vals := range img.Data {
		if len(vals) != n {
			return fmt.Errorf("reshuffle: image %v: %s holds %d values for %d grid points",
				img.Timestamp, name, len(vals), n)
		}
	}
	if k := len(b.images); k > 0 && !img.Timestamp.After(b.images[k-1].Timestamp) {
		return fmt.Errorf("reshuffle: image %v does not follow %v", img.Timestamp, b.images[k-1].Timestamp)
	}
	b.images = append(b.images, img)
	return nil
}

// IsFull reports whether the window reached its capacity.
func (b *Buffer) IsFull() bool {
	return len(b.images) >= b.capacity
}

// Len returns the number of buffered images.
func (b *Buffer) Len() int {
	return len(b.images)
}

// Flush transposes the window into one batch per cell of the grid, merged in
// ascending cell order, and clears the window. Every cell receives every
// buffered timestamp. Variables absent from an image are NaN for that
// timestamp. Flushing an empty window does nothing.
func (b *Buffer) Flush(m CellMerger) error {
	if len(b.images) == 0 {
		return nil
	}
	times := make([]time.Time, len(b.images))
	for t, img := range b.images {
		times[t] = img.Timestamp
	}
	names, md := b.variables()

	positions := b.grid.CellPositions()
	nan := float32(math.NaN())
	for _, cell := range b.grid.CellIDs() {
		pos := positions[cell]
		batch := ts.Batch{
			Cell:     cell,
			GPIs:     make([]int, len(pos)),
			Lons:     make([]float64, len(pos)),
			Lats:     make([]float64, len(pos)),
			Times:    times,
			Values:   make(map[string][][]float32, len(names)),
			Metadata: md,
		}
		for p, i := range pos {
			pt := b.grid.Point(i)
			batch.GPIs[p], batch.Lons[p], batch.Lats[p] = pt.GPI, pt.Lon, pt.Lat
		}
		for _, name := range names {
			rows := make([][]float32, len(pos))
			for p, i := range pos {
				row := make([]float32, len(b.images))
				for t, img := range b.images {
					if vals, ok := img.Data[name]; ok {
						row[t] = vals[i]
					} else {
						row[t] = nan
					}
				}
				rows[p] = row
			}
			batch.Values[name] = rows
		}
		if err := m.Merge(batch); err != nil {
			return fmt.Errorf("reshuffle: flushing cell %d: %w", cell, err)
		}
	}
	clear(b.images)
	b.images = b.images[:0]
	return nil
}

// variables returns the sorted union of the variables of the window and the
// first non-empty metadata of each.
func (b *Buffer) variables() ([]string, map[string]ts.Metadata) {
	md := make(map[string]ts.Metadata)
	var names []string
	for _, img := range b.images {
		for name := range img.Data {
			m := img.Metadata[name]
			prev, seen := md[name]
			if !seen {
				names = append(names, name)
			}
			if !seen || prev == (ts.Metadata{}) {
				md[name] = ts.Metadata{LongName: m.LongName, Units: m.Units}
			}
		}
	}
	sort.Strings(names)
	return names, md
}
