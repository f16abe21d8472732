package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/TUW-GEO/gldas/internal/gldas"
)

// Options configure Download.
type Options struct {
	// Root is the local archive folder.
	Root string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Workers is the number of concurrent file downloads.
	Workers int
}

// Stats counts the files handled by Download.
type Stats struct {
	Fetched int
	Skipped int
}

type job struct {
	url string
	dst string
}

// Download fetches the files of every day of r into the YYYY/DDD folders
// below opts.Root. Days without a listing on the server are skipped. Files
// already present locally are not fetched again. The first failing file
// stops the download.
func Download(ctx context.Context, c *Client, logger *slog.Logger, r Range, opts Options) (Stats, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	var jobs []job
	for _, day := range r.Days() {
		dirURL := r.Product.DayURL(opts.BaseURL, day)
		links, err := c.List(ctx, dirURL)
		if errors.Is(err, ErrNotFound) {
			logger.Warn("No listing for day, skipping", "day", day.Format(time.DateOnly), "url", dirURL)
			continue
		}
		if err != nil {
			return Stats{}, err
		}
		for _, l := range links {
			u, err := url.Parse(l)
			if err != nil {
				return Stats{}, fmt.Errorf("download: %w", err)
			}
			jobs = append(jobs, job{url: l, dst: filepath.Join(gldas.Folder(opts.Root, day), path.Base(u.Path))})
		}
	}
	logger.Info("Download summary", "product", r.Product.Name, "days", len(r.Days()), "files", len(jobs))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	jobsCh := make(chan job)
	progressCh := make(chan bool)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobsCh {
				fetched, err := c.Fetch(ctx, j.url, j.dst)
				if err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					continue
				}
				progressCh <- fetched
			}
		}()
	}

	var stats Stats
	done := make(chan struct{})
	go func() {
		defer close(done)
		total := float64(len(jobs))
		start := time.Now()
		for fetched := range progressCh {
			if fetched {
				stats.Fetched++
			} else {
				stats.Skipped++
			}
			percent := fmt.Sprintf("%.2f%%", 100*float64(stats.Fetched+stats.Skipped)/total)
			duration := time.Since(start).Round(1 * time.Second)
			logger.Info("progress", "downloaded", percent, "in", duration)
		}
	}()

feed:
	for _, j := range jobs {
		select {
		case jobsCh <- j:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobsCh)
	wg.Wait()
	close(progressCh)
	<-done

	if firstErr != nil {
		return stats, firstErr
	}
	return stats, ctx.Err()
}
