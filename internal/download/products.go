// Package download fetches GLDAS Noah files from the NASA GES DISC archive
// into a local YYYY/DDD folder tree.
package download

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultBaseURL is the GES DISC GLDAS data root.
const DefaultBaseURL = "https://hydro1.gesdisc.eosdis.nasa.gov/data/GLDAS"

// DefaultProduct is downloaded when neither the user nor the local archive
// names a product.
const DefaultProduct = "GLDAS_Noah_v21_025"

// Product is a GLDAS Noah data set.
type Product struct {
	Name       string
	Collection string
	Start      time.Time
}

var products = map[string]Product{
	"GLDAS_Noah_v20_025": {
		Name:       "GLDAS_Noah_v20_025",
		Collection: "GLDAS_NOAH025_3H.2.0",
		Start:      time.Date(1948, 1, 1, 3, 0, 0, 0, time.UTC),
	},
	"GLDAS_Noah_v21_025": {
		Name:       "GLDAS_Noah_v21_025",
		Collection: "GLDAS_NOAH025_3H.2.1",
		Start:      time.Date(2000, 1, 1, 3, 0, 0, 0, time.UTC),
	},
	"GLDAS_Noah_v21_025_EP": {
		Name:       "GLDAS_Noah_v21_025_EP",
		Collection: "GLDAS_NOAH025_3H_EP.2.1",
		Start:      time.Date(2000, 1, 1, 3, 0, 0, 0, time.UTC),
	},
}

// LookupProduct returns the product called name.
func LookupProduct(name string) (Product, error) {
	p, ok := products[name]
	if !ok {
		return Product{}, fmt.Errorf("download: unknown product %q, want one of %s", name, strings.Join(ProductNames(), ", "))
	}
	return p, nil
}

// ProductNames lists the known products.
func ProductNames() []string {
	names := make([]string, 0, len(products))
	for name := range products {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DayURL returns the listing URL of the files of day below base.
func (p Product) DayURL(base string, day time.Time) string {
	return fmt.Sprintf("%s/%s/%04d/%03d/", strings.TrimSuffix(base, "/"), p.Collection, day.Year(), day.YearDay())
}
