// Package reshuffle converts a chronological sequence of GLDAS images into
// per-cell time series stores.
package reshuffle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/geom"

	"github.com/TUW-GEO/gldas/internal/gldas"
	"github.com/TUW-GEO/gldas/internal/grid"
	"github.com/TUW-GEO/gldas/internal/ts"
)

// ErrConfig is returned for runs that cannot start because of their
// configuration.
var ErrConfig = errors.New("reshuffle: invalid configuration")

// DefaultImgBuffer is the number of images held in memory between flushes.
const DefaultImgBuffer = 50

// State of a run.
type State int

const (
	Init State = iota
	DetectFormat
	Running
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case DetectFormat:
		return "DETECT_FORMAT"
	case Running:
		return "RUN"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config describes one reshuffle run.
type Config struct {
	InputRoot  string
	OutputRoot string
	Start      time.Time
	End        time.Time
	Parameters []string

	// ImgBuffer is the number of images read before they are written to the
	// cell stores. Defaults to DefaultImgBuffer.
	ImgBuffer int

	// Grid is the grid the images are read on. Defaults to the global 0.25
	// degree grid with 5 degree cells.
	Grid *grid.Grid
	// LandPoints restricts the grid to land points, classified by Mask or,
	// when Mask is nil, by the GLDAS land mask file at LandMask.
	LandPoints bool
	LandMask   string
	Mask       grid.Mask
	// BBox restricts the grid to the points inside it.
	BBox *geom.Bounds

	// Attrs are written as global attributes of every cell store.
	Attrs map[string]string
}

// Reshuffler runs the conversion described by a Config.
type Reshuffler struct {
	cfg    Config
	logger *slog.Logger
	state  State

	grid   *grid.Grid
	subset string
	source gldas.Source
	writer *ts.Writer

	newSource func(gldas.Format, string, gldas.Options) (gldas.Source, error)
}

// New creates a Reshuffler in state Init.
func New(cfg Config, logger *slog.Logger) *Reshuffler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ImgBuffer == 0 {
		cfg.ImgBuffer = DefaultImgBuffer
	}
	if cfg.Attrs == nil {
		cfg.Attrs = map[string]string{"product": "GLDAS"}
	}
	return &Reshuffler{cfg: cfg, logger: logger, newSource: gldas.NewSource}
}

// State returns the current state of the run.
func (r *Reshuffler) State() State {
	return r.state
}

// Run converts all images from Start through End. Cancelling ctx stops the
// run before the next image is read; a flush in progress is completed first.
// Cell stores written before a failure are left in place.
func (r *Reshuffler) Run(ctx context.Context) error {
	if err := r.run(ctx); err != nil {
		r.state = Failed
		r.logger.Error("Reshuffle failed", "err", err)
		return err
	}
	return nil
}

func (r *Reshuffler) run(ctx context.Context) error {
	r.state = Init
	if err := r.init(); err != nil {
		return err
	}

	r.state = DetectFormat
	format, fallback, err := gldas.DetectFormat(r.cfg.InputRoot)
	if err != nil {
		return err
	}
	if fallback {
		r.logger.Warn("Could not detect file format, assuming "+format.String(), "root", r.cfg.InputRoot)
	}
	if format == gldas.GRIB && r.subset != "global" {
		r.logger.Warn("Land and bbox grids are fit to GLDAS 2.x netCDF data, GRIB points may be misaligned", "subset", r.subset)
	}
	r.source, err = r.newSource(format, r.cfg.InputRoot, gldas.Options{
		Parameters: r.cfg.Parameters,
		Grid:       r.grid,
		Flat:       true,
		Logger:     r.logger,
	})
	if err != nil {
		return err
	}

	r.state = Running
	if err := r.reshuffle(ctx); err != nil {
		return err
	}

	if err := r.writeGrid(); err != nil {
		return err
	}
	r.state = Done
	return nil
}

func (r *Reshuffler) init() error {
	c := &r.cfg
	fi, err := os.Stat(c.InputRoot)
	if err != nil {
		return fmt.Errorf("%w: input root: %v", ErrConfig, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: input root %s is not a directory", ErrConfig, c.InputRoot)
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("%w: no output root", ErrConfig)
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrConfig)
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrConfig,
			c.End.Format(time.DateTime), c.Start.Format(time.DateTime))
	}
	if len(c.Parameters) == 0 {
		return fmt.Errorf("%w: no parameters", ErrConfig)
	}
	if c.ImgBuffer < 1 {
		return fmt.Errorf("%w: image buffer size %d", ErrConfig, c.ImgBuffer)
	}

	g := c.Grid
	if g == nil {
		if g, err = grid.NewGlobal(grid.DefaultResolution, grid.DefaultCellSize); err != nil {
			return err
		}
	}
	r.subset = "global"
	if c.LandPoints {
		mask := c.Mask
		if mask == nil {
			if c.LandMask == "" {
				return fmt.Errorf("%w: land points requested without a land mask", ErrConfig)
			}
			if mask, err = grid.LoadLandMask(c.LandMask, g); err != nil {
				return err
			}
		}
		g = g.Land(mask)
		r.subset = "land"
	}
	if c.BBox != nil {
		g = g.BBox(*c.BBox)
		if c.LandPoints {
			r.subset = "land+bbox"
		} else {
			r.subset = "bbox"
		}
	}
	r.grid = g

	r.writer, err = ts.NewWriter(c.OutputRoot, c.Attrs)
	return err
}

func (r *Reshuffler) reshuffle(ctx context.Context) (err error) {
	if r.grid.Len() == 0 {
		r.logger.Warn("No grid points selected, skipping images")
		return nil
	}
	buf, err := NewBuffer(r.grid, r.cfg.ImgBuffer)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.writer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("reshuffle: closing cell stores: %w", cerr)
		}
	}()

	timestamps := r.source.Timestamps(r.cfg.Start, r.cfg.End)
	r.logger.Info("Reshuffling",
		"images", len(timestamps), "points", r.grid.Len(), "cells", len(r.grid.CellIDs()), "subset", r.subset)
	start := time.Now()
	flush := func(done int) error {
		if err := buf.Flush(r.writer); err != nil {
			return err
		}
		percent := fmt.Sprintf("%.2f%%", 100*float64(done)/float64(len(timestamps)))
		r.logger.Info("progress", "written", percent, "in", time.Since(start).Round(time.Second))
		return nil
	}
	for i, t := range timestamps {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := r.source.Read(t)
		if err != nil {
			return err
		}
		if err := buf.Accept(img); err != nil {
			return err
		}
		if buf.IsFull() {
			if err := flush(i + 1); err != nil {
				return err
			}
		}
	}
	if buf.Len() > 0 {
		return flush(len(timestamps))
	}
	return nil
}

// writeGrid writes the grid definition file unless the output directory
// already has one.
func (r *Reshuffler) writeGrid() error {
	path := filepath.Join(r.cfg.OutputRoot, grid.FileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reshuffle: %w", err)
	}
	return grid.WriteFile(path, r.grid, r.subset)
}
