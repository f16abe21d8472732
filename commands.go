package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ctessum/geom"
	"github.com/spf13/cobra"

	"github.com/TUW-GEO/gldas/internal/download"
	"github.com/TUW-GEO/gldas/internal/gldas"
	"github.com/TUW-GEO/gldas/internal/reshuffle"
)

func (a *app) reshuffleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reshuffle <input_root> <output_root> <start> <end> <parameter>...",
		Short: "Convert GLDAS Noah images into per-cell time series",
		Long: `Convert GLDAS Noah images into per-cell time series.

Dates are given as YYYY-MM-DD or YYYY-MM-DDTHH:MM. Parameters are netCDF
variable names such as SoilMoi0_10cm_inst, or GRIB parameter ids such as
086_L1 for GLDAS Noah v1 archives.

The bounding box takes its four values comma separated, e.g.
--bbox 0,0,10,10 for 0E..10E and 0N..10N. --land_points needs the GLDAS
land mask (GLDASp4_landmask_025d.nc4) through --land_mask or the
reshuffle.land_mask configuration key.`,
		Args: cobra.MinimumNArgs(5),
		RunE: a.runReshuffle,
	}
	flags := cmd.Flags()
	flags.Int("imgbuffer", reshuffle.DefaultImgBuffer, "number of images read before they are written to the time series files")
	flags.Bool("land_points", false, "reshuffle land points only, requires --land_mask")
	flags.Float64Slice("bbox", nil, "comma separated min_lon,min_lat,max_lon,max_lat of the points to reshuffle")
	flags.String("land_mask", "", "GLDAS land mask file used with --land_points")
	a.bind(flags, map[string]string{"reshuffle.imgbuffer": "imgbuffer", "reshuffle.land_mask": "land_mask"})
	return cmd
}

func (a *app) runReshuffle(cmd *cobra.Command, args []string) error {
	start, err := gldas.ParseDate(args[2])
	if err != nil {
		return err
	}
	end, err := gldas.ParseDate(args[3])
	if err != nil {
		return err
	}
	landPoints, err := cmd.Flags().GetBool("land_points")
	if err != nil {
		return err
	}
	bbox, err := cmd.Flags().GetFloat64Slice("bbox")
	if err != nil {
		return err
	}

	cfg := reshuffle.Config{
		InputRoot:  args[0],
		OutputRoot: args[1],
		Start:      start,
		End:        end,
		Parameters: args[4:],
		ImgBuffer:  a.cfg.Reshuffle.ImgBuffer,
		LandPoints: landPoints,
		LandMask:   a.cfg.Reshuffle.LandMask,
		Attrs:      map[string]string{"product": a.cfg.Reshuffle.Product},
	}
	if landPoints && a.cfg.Reshuffle.LandMask == "" {
		return errors.New("--land_points needs the GLDAS land mask file, set --land_mask or reshuffle.land_mask")
	}
	if len(bbox) > 0 {
		if len(bbox) != 4 {
			return fmt.Errorf("--bbox needs 4 comma separated values (min_lon,min_lat,max_lon,max_lat), got %d", len(bbox))
		}
		cfg.BBox = &geom.Bounds{
			Min: geom.Point{X: bbox[0], Y: bbox[1]},
			Max: geom.Point{X: bbox[2], Y: bbox[3]},
		}
	}

	printf(cmd, "Converting data from %s to %s into folder %s.\n", isoDate(start), isoDate(end), cfg.OutputRoot)
	logger := a.logger(os.Stdout)
	r := reshuffle.New(cfg, logger)
	if err := r.Run(cmd.Context()); err != nil {
		return err
	}
	logger.Info("Reshuffle finished", "output", cfg.OutputRoot)
	return nil
}

func (a *app) downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <localroot>",
		Short: "Download GLDAS Noah files from GES DISC",
		Long: fmt.Sprintf(`Download GLDAS Noah files from GES DISC into YYYY/DDD folders.

Without --start the download resumes at the last local file, or starts at
the first date of the product for an empty folder. Without --end it runs up
to now. Products: %v.`, download.ProductNames()),
		Args: cobra.ExactArgs(1),
		RunE: a.runDownload,
	}
	flags := cmd.Flags()
	flags.StringP("start", "s", "", "start date as YYYY-MM-DD or YYYY-MM-DDTHH:MM")
	flags.StringP("end", "e", "", "end date as YYYY-MM-DD or YYYY-MM-DDTHH:MM")
	flags.String("product", "", "GLDAS product, defaults to the product of the local files or "+download.DefaultProduct)
	flags.String("username", "", "Earthdata username")
	flags.String("password", "", "Earthdata password")
	flags.Int("n_proc", 1, "number of parallel downloads")
	a.bind(flags, map[string]string{
		"download.product":  "product",
		"download.username": "username",
		"download.password": "password",
		"download.n_proc":   "n_proc",
	})
	return cmd
}

func (a *app) runDownload(cmd *cobra.Command, args []string) error {
	root := args[0]
	var start, end time.Time
	for flag, t := range map[string]*time.Time{"start": &start, "end": &end} {
		s, err := cmd.Flags().GetString(flag)
		if err != nil {
			return err
		}
		if s == "" {
			continue
		}
		if *t, err = gldas.ParseDate(s); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	archive, err := download.ScanArchive(root)
	if err != nil {
		return err
	}
	c := a.cfg.Download
	r, err := download.ResolveRange(archive, c.Product, start, end, time.Now().UTC())
	if err != nil {
		return err
	}

	printf(cmd, "Downloading data from %s to %s into folder %s.\n", isoDate(r.Start), isoDate(r.End), root)
	logger := a.logger(os.Stdout)
	client, err := download.NewClient(logger, c.Username, c.Password, c.NProc)
	if err != nil {
		return err
	}
	stats, err := download.Download(cmd.Context(), client, logger, r, download.Options{
		Root:    root,
		BaseURL: c.BaseURL,
		Workers: c.NProc,
	})
	if err != nil {
		return err
	}
	logger.Info("Download finished", "fetched", stats.Fetched, "skipped", stats.Skipped)
	return nil
}
