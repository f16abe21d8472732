package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// ErrMixedVersion is returned when the local archive holds another product
// than the one requested.
var ErrMixedVersion = errors.New("download: local archive holds another product version")

var (
	yearDirRE = regexp.MustCompile(`^\d{4}$`)
	dayDirRE  = regexp.MustCompile(`^\d{3}$`)
	fileRE    = regexp.MustCompile(`^GLDAS_NOAH025_3H(_EP)?\.A(\d{8}\.\d{4})\.0(\d{2})\.nc4$`)
)

// FirstFolder returns the alphabetically first YYYY/DDD folder below root.
// ok is false when there is none.
func FirstFolder(root string) (dir string, ok bool, err error) {
	return folder(root, false)
}

// LastFolder returns the alphabetically last YYYY/DDD folder below root.
func LastFolder(root string) (dir string, ok bool, err error) {
	return folder(root, true)
}

func folder(root string, last bool) (string, bool, error) {
	dir := root
	for _, re := range []*regexp.Regexp{yearDirRE, dayDirRE} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", false, fmt.Errorf("download: scanning %s: %w", dir, err)
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() && re.MatchString(e.Name()) {
				names = append(names, e.Name())
			}
		}
		if len(names) == 0 {
			return "", false, nil
		}
		sort.Strings(names)
		if last {
			dir = filepath.Join(dir, names[len(names)-1])
		} else {
			dir = filepath.Join(dir, names[0])
		}
	}
	return dir, true, nil
}

// Archive summarizes the files of a local archive.
type Archive struct {
	// Product is empty for archives without GLDAS files.
	Product string
	First   time.Time
	Last    time.Time
}

// ScanArchive reads the product and the first and last timestamps of the
// local archive below root from the names of the files in its first and last
// folders.
func ScanArchive(root string) (Archive, error) {
	var a Archive
	first, ok, err := FirstFolder(root)
	if err != nil || !ok {
		return a, err
	}
	last, _, err := LastFolder(root)
	if err != nil {
		return a, err
	}

	files, err := dataFiles(first)
	if err != nil {
		return a, err
	}
	if len(files) > 0 {
		m := fileRE.FindStringSubmatch(files[0])
		if a.First, err = parseStamp(m[2]); err != nil {
			return a, err
		}
		a.Product = fmt.Sprintf("GLDAS_Noah_v%s_025%s", m[3], m[1])
	}
	if files, err = dataFiles(last); err != nil {
		return a, err
	}
	if len(files) > 0 {
		m := fileRE.FindStringSubmatch(files[len(files)-1])
		if a.Last, err = parseStamp(m[2]); err != nil {
			return a, err
		}
	}
	return a, nil
}

// dataFiles returns the sorted names of the GLDAS netCDF files in dir.
func dataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("download: scanning %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && fileRE.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func parseStamp(s string) (time.Time, error) {
	t, err := time.Parse("20060102.1504", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("download: file timestamp %q: %w", s, err)
	}
	return t, nil
}

// Range is a resolved download request.
type Range struct {
	Product Product
	Start   time.Time
	End     time.Time
}

// ResolveRange completes a download request against the local archive.
// product, start and end may be empty. A missing product is taken from the
// archive or defaults to DefaultProduct. A missing start resumes at the last
// local file, or the product start for an empty archive. A missing end is
// now.
func ResolveRange(a Archive, product string, start, end, now time.Time) (Range, error) {
	if product != "" && a.Product != "" && product != a.Product {
		return Range{}, fmt.Errorf("%w: found %s, requested %s", ErrMixedVersion, a.Product, product)
	}
	if product == "" {
		product = a.Product
	}
	if product == "" {
		product = DefaultProduct
	}
	p, err := LookupProduct(product)
	if err != nil {
		return Range{}, err
	}
	r := Range{Product: p, Start: start, End: end}
	if r.Start.IsZero() {
		if a.Last.IsZero() {
			r.Start = p.Start
		} else {
			r.Start = a.Last
		}
	}
	if r.End.IsZero() {
		r.End = now
	}
	if r.End.Before(r.Start) {
		return Range{}, fmt.Errorf("download: end %s before start %s",
			r.End.Format(time.DateTime), r.Start.Format(time.DateTime))
	}
	return r, nil
}

// Days returns the midnight of every day from the day of r.Start through the
// day of r.End.
func (r Range) Days() []time.Time {
	day := time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, time.UTC)
	var days []time.Time
	for ; !day.After(r.End); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
	}
	return days
}
