package gldas

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/TUW-GEO/gldas/internal/grib1"
)

// GRIBParameters describes the GLDAS Noah v1 GRIB parameters by id.
// Parameters 085 and 086 come in four soil layers, named 085_L1..085_L4.
var GRIBParameters = map[int]Metadata{
	1:   {LongName: "PRES Pressure Pa", Units: "Pa"},
	11:  {LongName: "TMP Temperature K", Units: "K"},
	32:  {LongName: "WIND Wind speed m s**-1", Units: "m s**-1"},
	51:  {LongName: "SPFH Specific humidity kg kg**-1", Units: "kg kg**-1"},
	57:  {LongName: "EVP Evaporation kg m**-2", Units: "kg m**-2"},
	65:  {LongName: "WEASD Water equivalent of accumulated snow depth kg m**-2", Units: "kg m**-2"},
	71:  {LongName: "CWAT Canopy water storage kg m**-2", Units: "kg m**-2"},
	85:  {LongName: "ST Surface temperature of soil K", Units: "K"},
	86:  {LongName: "SOILM Soil moisture content kg m**-2", Units: "kg m**-2"},
	99:  {LongName: "SNOM Snow melt kg m**-2", Units: "kg m**-2"},
	111: {LongName: "NSWRS Net short wave radiation flux (surface) W m**-2", Units: "W m**-2"},
	112: {LongName: "NLWRS Net long wave radiation flux (surface) W m**-2", Units: "W m**-2"},
	121: {LongName: "LHTFL Latent heat flux W m**-2", Units: "W m**-2"},
	122: {LongName: "SHTFL Sensible heat flux W m**-2", Units: "W m**-2"},
	131: {LongName: "SNOWF Snowfall rate kg m**-2 s**-1", Units: "kg m**-2 s**-1"},
	132: {LongName: "RAINF Rainfall rate kg m**-2 s**-1", Units: "kg m**-2 s**-1"},
	138: {LongName: "AVSFT Average surface temperature K", Units: "K"},
	155: {LongName: "GFLUX Ground heat flux W m**-2", Units: "W m**-2"},
	204: {LongName: "DSWRF Downward short wave radiation flux W m**-2", Units: "W m**-2"},
	205: {LongName: "DLWRF Downward long wave radiation flux W m**-2", Units: "W m**-2"},
	234: {LongName: "BGRUN Subsurface runoff kg m**-2", Units: "kg m**-2"},
	235: {LongName: "SSRUN Surface runoff kg m**-2", Units: "kg m**-2"},
}

var layered = map[int]bool{85: true, 86: true}

// GRIBSource reads GLDAS Noah v1 GRIB files named
// YYYY/DDD/GLDAS_NOAH025SUBP_3H.AYYYYDDD.HHMM.001.*.grb. Parameters are
// zero padded GRIB parameter ids such as "051" or "086_L1".
type GRIBSource struct {
	root string
	opts Options
	ids  map[int]bool
}

// NewGRIBSource creates a Source for a GLDAS v1 archive.
func NewGRIBSource(root string, opts Options) (*GRIBSource, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	s := &GRIBSource{root: root, opts: opts, ids: make(map[int]bool)}
	for _, p := range opts.Parameters {
		id, err := strconv.Atoi(strings.SplitN(p, "_", 2)[0])
		if err != nil {
			return nil, fmt.Errorf("gldas: invalid GRIB parameter %q", p)
		}
		s.ids[id] = true
	}
	return s, nil
}

// Timestamps implements Source.
func (s *GRIBSource) Timestamps(start, end time.Time) []time.Time {
	return Timestamps(start, end)
}

// Path returns the file holding the image of ts.
func (s *GRIBSource) Path(ts time.Time) (string, error) {
	name := fmt.Sprintf("GLDAS_NOAH025SUBP_3H.A%04d%03d.%s.001.*.grb", ts.Year(), ts.YearDay(), ts.Format("1504"))
	return locate(s.root, name, ts)
}

// Read implements Source. Points flagged missing in a message are set to
// FillValue.
func (s *GRIBSource) Read(ts time.Time) (*Image, error) {
	path, err := s.Path(ts)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gldas: opening %s: %w", path, err)
	}
	defer f.Close()

	want := make(map[string]bool, len(s.opts.Parameters))
	for _, p := range s.opts.Parameters {
		want[p] = true
	}
	b := newImageBuilder(s.opts.Grid, s.opts.Flat, ts)
	layers := make(map[int]int)
	n := 0
	sc := grib1.NewScanner(f)
	for sc.Scan() {
		n++
		msg := sc.Message()
		if !s.ids[msg.Parameter] {
			continue
		}
		name := fmt.Sprintf("%03d", msg.Parameter)
		if layered[msg.Parameter] {
			layers[msg.Parameter]++
			name = fmt.Sprintf("%s_L%d", name, layers[msg.Parameter])
		}
		if _, done := b.img.Data[name]; !want[name] || done {
			continue
		}
		md, ok := GRIBParameters[msg.Parameter]
		if !ok {
			md = Metadata{LongName: "parameter " + name}
		}
		vals := msg.Values(FillValue)
		native := make([]float32, len(vals))
		for i, v := range vals {
			native[i] = float32(v)
		}
		if err := b.set(name, native, md); err != nil {
			return nil, fmt.Errorf("gldas: %s in %s: %w", name, path, err)
		}
	}
	if err := sc.Err(); err != nil {
		if n == 0 {
			return nil, fmt.Errorf("gldas: reading %s: %w", path, err)
		}
		s.opts.Logger.Warn("Could not read all GRIB messages", "file", path, "messages", n, "err", err)
	} else if n == 0 {
		return nil, fmt.Errorf("gldas: %s holds no GRIB messages", path)
	}

	for _, p := range s.opts.Parameters {
		if _, ok := b.img.Data[p]; !ok {
			s.opts.Logger.Warn("Variable missing, filling image with NaN", "var", p, "file", path)
			b.setMissing(p)
		}
	}
	return b.img, nil
}
