package gldas

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DetectFormat guesses the file format of an archive from the file
// extensions below the first folder two levels into root (usually the first
// day of the first year). Archives holding only .nc4 files are netCDF, only
// .grb files GRIB. Anything else falls back to netCDF and reports
// fallback=true.
func DetectFormat(root string) (f Format, fallback bool, err error) {
	dir := root
	for level := 0; level < 2; level++ {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return NetCDF, false, fmt.Errorf("gldas: detecting file format: %w", err)
		}
		if len(entries) == 0 {
			return NetCDF, true, nil
		}
		dir = filepath.Join(dir, entries[0].Name())
		if !entries[0].IsDir() {
			break
		}
	}

	exts := make(map[string]bool)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			exts[filepath.Ext(d.Name())] = true
		}
		return nil
	})
	if err != nil {
		return NetCDF, false, fmt.Errorf("gldas: detecting file format: %w", err)
	}
	switch {
	case exts[".nc4"] && !exts[".grb"]:
		return NetCDF, false, nil
	case exts[".grb"] && !exts[".nc4"]:
		return GRIB, false, nil
	}
	return NetCDF, true, nil
}
