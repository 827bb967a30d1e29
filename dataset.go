/*
Copyright © 2024 the GEOSCFBC authors.
This file is part of GEOSCFBC.

GEOSCFBC is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

GEOSCFBC is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with GEOSCFBC.  If not, see <http://www.gnu.org/licenses/>.
*/

package geoscfbc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/requestcache"
	"github.com/ctessum/sparse"
)

// A Window is a rectangular subset request on a source collection:
// snapshot times plus an index window on the latitude and longitude
// axes. Index upper bounds are exclusive.
type Window struct {
	Times            []time.Time
	LatStart, LatEnd int
	LonStart, LonEnd int
}

// A Dataset provides read access to one GEOS-CF variable collection.
type Dataset interface {
	// Lons and Lats return the full coordinate axes of the collection.
	Lons(ctx context.Context) ([]float64, error)
	Lats(ctx context.Context) ([]float64, error)

	// Times returns the snapshot times within [start, end], inclusive.
	Times(ctx context.Context, start, end time.Time) ([]time.Time, error)

	// Read returns the requested subset of varName with dimensions
	// (time, layer, lat, lon), or (time, lat, lon) for variables
	// without a vertical dimension. Layers keep the collection's
	// native top-down order.
	Read(ctx context.Context, varName string, w Window) (*sparse.DenseArray, error)
}

// FileDataset reads a collection from a local archive of NetCDF files
// addressed by a path template, for pre-mirrored data and tests.
type FileDataset struct {
	// Template is the path of the archive files, with "[DATE]" standing
	// in for the snapshot time formatted with DateFormat. Files whose
	// DateFormat is coarser than RecordDelta hold multiple records,
	// ordered by time.
	Template string

	// DateFormat is the time format substituted into Template.
	DateFormat string

	// RecordDelta is the interval between snapshots, and RecordOffset
	// the offset of the snapshot timestamps within each interval.
	// GEOS-CF hourly time-averaged collections are center-stamped, 30
	// minutes past the hour.
	RecordDelta  time.Duration
	RecordOffset time.Duration
}

// NewFileDataset returns a FileDataset for template with the GEOS-CF
// hourly center-stamped snapshot clock.
func NewFileDataset(template string) *FileDataset {
	return &FileDataset{
		Template:     template,
		DateFormat:   "2006-01-02T15_04",
		RecordDelta:  time.Hour,
		RecordOffset: 30 * time.Minute,
	}
}

func (d *FileDataset) path(t time.Time) string {
	return strings.ReplaceAll(d.Template, "[DATE]", t.UTC().Format(d.DateFormat))
}

// refPath returns the path of any one existing archive file, used for
// reading the coordinate axes, which are the same in every file.
func (d *FileDataset) refPath() (string, error) {
	matches, err := filepath.Glob(strings.ReplaceAll(d.Template, "[DATE]", "*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("geoscfbc: no files match %s", d.Template)
	}
	return matches[0], nil
}

func (d *FileDataset) axis(name string) ([]float64, error) {
	p, err := d.refPath()
	if err != nil {
		return nil, err
	}
	data, err := readNCFFrom(p, name)
	if err != nil {
		return nil, err
	}
	return data[name].Elements, nil
}

// Lons implements Dataset.
func (d *FileDataset) Lons(ctx context.Context) ([]float64, error) { return d.axis("lon") }

// Lats implements Dataset.
func (d *FileDataset) Lats(ctx context.Context) ([]float64, error) { return d.axis("lat") }

// Times implements Dataset.
func (d *FileDataset) Times(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	first := start.UTC().Truncate(d.RecordDelta).Add(d.RecordOffset)
	for first.Before(start) {
		first = first.Add(d.RecordDelta)
	}
	var ts []time.Time
	for t := first; !t.After(end); t = t.Add(d.RecordDelta) {
		ts = append(ts, t)
	}
	return ts, nil
}

// record returns the record index of snapshot t within its archive file:
// the number of earlier snapshots that map to the same file.
func (d *FileDataset) record(t time.Time) int {
	rec := 0
	name := t.UTC().Format(d.DateFormat)
	for s := t.Add(-d.RecordDelta); s.UTC().Format(d.DateFormat) == name; s = s.Add(-d.RecordDelta) {
		rec++
	}
	return rec
}

// Read implements Dataset.
func (d *FileDataset) Read(ctx context.Context, varName string, w Window) (*sparse.DenseArray, error) {
	var out *sparse.DenseArray
	for it, t := range w.Times {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := d.path(t)
		ff, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("geoscfbc: snapshot %s: %w", t.Format(time.RFC3339), err)
		}
		f, err := cdf.Open(ff)
		if err != nil {
			ff.Close()
			return nil, fmt.Errorf("geoscfbc: opening %s: %w", p, err)
		}
		slab, err := readWindow(f, varName, d.record(t), w)
		ff.Close()
		if err != nil {
			return nil, fmt.Errorf("geoscfbc: %s: %w", p, err)
		}
		if out == nil {
			out = sparse.ZerosDense(append([]int{len(w.Times)}, slab.Shape...)...)
		}
		copy(out.Elements[it*len(slab.Elements):], slab.Elements)
	}
	return out, nil
}

// readWindow reads record rec of varName restricted to w's lat/lon
// window, returning an array over (layer, lat, lon) or (lat, lon).
// The file stores each (record, layer) slice contiguously in row-major
// (lat, lon) order, so the window is read as one contiguous row block
// per layer and the longitude subset taken in memory.
func readWindow(f *cdf.File, varName string, rec int, w Window) (*sparse.DenseArray, error) {
	dims := f.Header.Lengths(varName)
	if len(dims) != 3 && len(dims) != 4 {
		return nil, fmt.Errorf("variable %s has %d dimensions, want 3 or 4", varName, len(dims))
	}
	nlon := dims[len(dims)-1]
	nlat := dims[len(dims)-2]
	if w.LatEnd > nlat || w.LonEnd > nlon {
		return nil, fmt.Errorf("window [%d:%d,%d:%d] outside variable %s (%d x %d)",
			w.LatStart, w.LatEnd, w.LonStart, w.LonEnd, varName, nlat, nlon)
	}
	latW := w.LatEnd - w.LatStart
	lonW := w.LonEnd - w.LonStart

	nlev := 1
	if len(dims) == 4 {
		nlev = dims[1]
	}
	var out *sparse.DenseArray
	if len(dims) == 4 {
		out = sparse.ZerosDense(nlev, latW, lonW)
	} else {
		out = sparse.ZerosDense(latW, lonW)
	}
	for k := 0; k < nlev; k++ {
		var begin, end []int
		if len(dims) == 4 {
			begin = []int{rec, k, w.LatStart, 0}
			end = []int{rec, k, w.LatEnd - 1, nlon - 1}
		} else {
			begin = []int{rec, w.LatStart, 0}
			end = []int{rec, w.LatEnd - 1, nlon - 1}
		}
		r := f.Reader(varName, begin, end)
		if r == nil {
			return nil, fmt.Errorf("variable %s is not in file", varName)
		}
		buf := r.Zero(latW * nlon)
		if _, err := r.Read(buf); err != nil {
			return nil, fmt.Errorf("reading %s: %w", varName, err)
		}
		row := make([]float64, latW*nlon)
		switch b := buf.(type) {
		case []float32:
			for i, v := range b {
				row[i] = float64(v)
			}
		case []float64:
			copy(row, b)
		default:
			return nil, fmt.Errorf("variable %s has unsupported type %T", varName, buf)
		}
		for j := 0; j < latW; j++ {
			for i := 0; i < lonW; i++ {
				v := row[j*nlon+w.LonStart+i]
				if len(dims) == 4 {
					out.Set(v, k, j, i)
				} else {
					out.Set(v, j, i)
				}
			}
		}
	}
	return out, nil
}

// geosCFBaseURL is the NASA GMAO OpenDAP service holding the GEOS-CF
// assimilation collections.
const geosCFBaseURL = "https://opendap.nccs.nasa.gov/dods/gmao/geos-cf/assim"

// DODSDataset reads a collection over HTTP from an OpenDAP server,
// downloading hyperslab-constrained NetCDF responses to a temporary file.
type DODSDataset struct {
	// BaseURL is the service root and Collection the collection name
	// appended to it.
	BaseURL    string
	Collection string

	// Epoch is the time of record zero and Step the record interval.
	Epoch time.Time
	Step  time.Duration

	// NLev is the number of layers in the collection's 4-D variables.
	NLev int

	Client *http.Client

	axisOnce  sync.Once
	axisCache *requestcache.Cache
}

// NewDODSDataset returns a DODSDataset for the named GEOS-CF assimilation
// collection, e.g. "chm_tavg_1hr_g1440x721_v36".
func NewDODSDataset(collection string) *DODSDataset {
	return &DODSDataset{
		BaseURL:    geosCFBaseURL,
		Collection: collection,
		Epoch:      time.Date(2018, 1, 1, 0, 30, 0, 0, time.UTC),
		Step:       time.Hour,
		NLev:       cfNLev,
		Client:     http.DefaultClient,
	}
}

// download fetches url into a temporary file and returns its path. The
// caller removes the file.
func (d *DODSDataset) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geoscfbc: %s: %s", url, resp.Status)
	}
	tmp, err := os.CreateTemp("", "geoscf*.nc")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("geoscfbc: downloading %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// axis returns a full coordinate axis, caching results in memory and
// deduplicating concurrent requests across the variable groups.
func (d *DODSDataset) axis(ctx context.Context, name string) ([]float64, error) {
	d.axisOnce.Do(func() {
		d.axisCache = requestcache.NewCache(d.fetchAxis, 1,
			requestcache.Deduplicate(), requestcache.Memory(4))
	})
	r := d.axisCache.NewRequest(ctx, name, d.Collection+":"+name)
	result, err := r.Result()
	if err != nil {
		return nil, err
	}
	return result.([]float64), nil
}

func (d *DODSDataset) fetchAxis(ctx context.Context, payload interface{}) (interface{}, error) {
	name := payload.(string)
	url := fmt.Sprintf("%s/%s.nc?%s", d.BaseURL, d.Collection, name)
	p, err := d.download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer os.Remove(p)
	data, err := readNCFFrom(p, name)
	if err != nil {
		return nil, err
	}
	return data[name].Elements, nil
}

// Lons implements Dataset.
func (d *DODSDataset) Lons(ctx context.Context) ([]float64, error) { return d.axis(ctx, "lon") }

// Lats implements Dataset.
func (d *DODSDataset) Lats(ctx context.Context) ([]float64, error) { return d.axis(ctx, "lat") }

// record returns the record index of snapshot t.
func (d *DODSDataset) record(t time.Time) (int, error) {
	if t.Before(d.Epoch) {
		return 0, fmt.Errorf("geoscfbc: %s is before the start of collection %s",
			t.Format(time.RFC3339), d.Collection)
	}
	return int(t.Sub(d.Epoch) / d.Step), nil
}

// Times implements Dataset.
func (d *DODSDataset) Times(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	n := start.Sub(d.Epoch) / d.Step
	t := d.Epoch.Add(n * d.Step)
	for t.Before(start) {
		t = t.Add(d.Step)
	}
	var ts []time.Time
	for ; !t.After(end); t = t.Add(d.Step) {
		ts = append(ts, t)
	}
	return ts, nil
}

// Read implements Dataset. All 4-D GEOS-CF variables share the same
// shape, so the hyperslab constraint is formed directly from the window.
func (d *DODSDataset) Read(ctx context.Context, varName string, w Window) (*sparse.DenseArray, error) {
	latW := w.LatEnd - w.LatStart
	lonW := w.LonEnd - w.LonStart
	out := sparse.ZerosDense(len(w.Times), d.NLev, latW, lonW)
	slabLen := d.NLev * latW * lonW
	for it, t := range w.Times {
		rec, err := d.record(t)
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("%s/%s.nc?%s[%d:%d][0:%d][%d:%d][%d:%d]",
			d.BaseURL, d.Collection, varName, rec, rec, d.NLev-1,
			w.LatStart, w.LatEnd-1, w.LonStart, w.LonEnd-1)
		p, err := d.download(ctx, url)
		if err != nil {
			return nil, err
		}
		data, err := readNCFFrom(p, varName)
		os.Remove(p)
		if err != nil {
			return nil, err
		}
		slab := data[varName]
		if len(slab.Elements) != slabLen {
			return nil, fmt.Errorf("geoscfbc: %s: subset response has %d values, want %d",
				url, len(slab.Elements), slabLen)
		}
		copy(out.Elements[it*slabLen:], slab.Elements)
	}
	return out, nil
}
