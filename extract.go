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
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// metDerived maps the pseudo-variables available to meteorology rules to
// the collection variables they are computed from.
var metDerived = map[string][]string{
	"pres": {"delp"},
	"zf":   {"zl"},
}

// xgcVarNames lists the source variables served by the extended-gas
// collection rather than the main chemistry collection.
var xgcVarNames = map[string]bool{
	"ald2": true,
	"benz": true,
	"c2h6": true,
	"tolu": true,
}

// VarLists derives the per-collection variable lists to fetch from the
// three rule sets: meteorology variables from the met rules, and the gas
// and aerosol source variables split between the chemistry and
// extended-gas collections.
func VarLists(met, gas, aerosol *RuleSet) (metVars, chmVars, xgcVars []string) {
	metVars = met.SourceVars(metDerived)
	set := make(map[string]bool)
	for _, v := range gas.SourceVars(nil) {
		set[v] = true
	}
	for _, v := range aerosol.SourceVars(nil) {
		set[v] = true
	}
	for v := range set {
		if xgcVarNames[v] {
			xgcVars = append(xgcVars, v)
		} else {
			chmVars = append(chmVars, v)
		}
	}
	sort.Strings(chmVars)
	sort.Strings(xgcVars)
	return metVars, chmVars, xgcVars
}

// FetchResult describes the outcome of one group fetch: the output path,
// whether it was already cached, how many attempts the fetch took, and
// the error if the retry budget ran out.
type FetchResult struct {
	Path       string
	Group      string
	Start, End time.Time
	Cached     bool
	Tries      int
	Err        error
}

// An Extractor archives destination-relevant subsets of the GEOS-CF
// collections on local disk.
type Extractor struct {
	Grid  *Grid
	FType FType

	// Met, Chm, and Xgc are the meteorology, chemistry, and
	// extended-gas collections.
	Met, Chm, Xgc Dataset

	// MetVars, ChmVars, and XgcVars are the variables to fetch from
	// each collection.
	MetVars, ChmVars, XgcVars []string

	// OutDir is the root of the on-disk archive.
	OutDir string

	// MaxTries is the attempt budget for each group fetch; zero means
	// the default of 10.
	MaxTries int

	// Sleep is the pause between remote requests when extracting more
	// than one timestamp; zero means the default of one minute.
	Sleep time.Duration

	Log *logrus.Logger

	// newBackOff overrides the retry schedule; it is set in tests to
	// avoid waiting out the exponential delays.
	newBackOff func() backoff.BackOff
}

func (ex *Extractor) logger() *logrus.Logger {
	if ex.Log != nil {
		return ex.Log
	}
	return logrus.StandardLogger()
}

func (ex *Extractor) maxTries() int {
	if ex.MaxTries > 0 {
		return ex.MaxTries
	}
	return 10
}

func (ex *Extractor) sleep() time.Duration {
	if ex.Sleep > 0 {
		return ex.Sleep
	}
	return time.Minute
}

func (ex *Extractor) backOff(ctx context.Context) backoff.BackOff {
	var bo backoff.BackOff
	if ex.newBackOff != nil {
		bo = ex.newBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		bo = eb
	}
	// MaxTries attempts total: the first try plus MaxTries-1 retries.
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(ex.maxTries()-1)), ctx)
}

// fetchGroup pairs a collection with the variables to take from it.
type fetchGroup struct {
	name string
	ds   Dataset
	vars []string
}

func (ex *Extractor) groups() []fetchGroup {
	return []fetchGroup{
		{"met", ex.Met, ex.MetVars},
		{"chm", ex.Chm, ex.ChmVars},
		{"xgc", ex.Xgc, ex.XgcVars},
	}
}

// Extract maps the destination cell set onto the source grid, writes the
// recovery table, and archives the deduplicated-point subsets of all
// three collections for every timestamp in stamps. Timestamps are given
// as whole hours; each selects the source snapshot within [HH:00, HH:45].
// Existing valid archive files are kept as-is. Extraction stops at the
// first group whose retry budget runs out; the results describe every
// fetch attempted up to that point.
func (ex *Extractor) Extract(ctx context.Context, stamps []time.Time) (*PerimeterMap, []FetchResult, error) {
	lons, err := ex.Met.Lons(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("geoscfbc: reading source longitudes: %w", err)
	}
	lats, err := ex.Met.Lats(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("geoscfbc: reading source latitudes: %w", err)
	}
	pm, err := NewPerimeterMap(ex.Grid, ex.FType, lons, lats)
	if err != nil {
		return nil, nil, err
	}
	if err := pm.WriteCSV(PerimPath(ex.OutDir, ex.Grid.Name, ex.FType)); err != nil {
		return nil, nil, err
	}

	groups := ex.groups()
	var results []FetchResult
	for is, stamp := range stamps {
		fetched := false
		for _, g := range groups {
			res, err := ex.fetch(ctx, pm, g, stamp)
			results = append(results, res)
			if err != nil {
				return pm, results, err
			}
			if !res.Cached {
				fetched = true
			}
		}
		// Pace requests between distinct timestamps only: a single
		// timestamp never sleeps, and neither does a timestamp served
		// entirely from the archive.
		if fetched && is < len(stamps)-1 {
			ex.logger().WithFields(logrus.Fields{
				"stamp": stamp.Format(stampFormat), "sleep": ex.sleep(),
			}).Debug("pacing between remote requests")
			select {
			case <-ctx.Done():
				return pm, results, ctx.Err()
			case <-time.After(ex.sleep()):
			}
		}
	}
	return pm, results, nil
}

// fetch archives one group for one timestamp, retrying transient
// failures up to the attempt budget.
func (ex *Extractor) fetch(ctx context.Context, pm *PerimeterMap, g fetchGroup, stamp time.Time) (FetchResult, error) {
	start := stamp
	end := stamp.Add(45 * time.Minute)
	res := FetchResult{
		Path:  ExtractPath(ex.OutDir, ex.Grid.Name, g.name, ex.FType, start, end, 1),
		Group: g.name,
		Start: start,
		End:   end,
	}
	checkVars := append([]string{"lon", "lat", "time"}, g.vars...)
	if validNCF(res.Path, checkVars...) {
		res.Cached = true
		ex.logger().WithFields(logrus.Fields{
			"path": res.Path,
		}).Info("extraction already archived")
		return res, nil
	}

	op := func() error {
		res.Tries++
		return ex.fetchOnce(ctx, pm, g, start, end, res.Path)
	}
	notify := func(err error, wait time.Duration) {
		ex.logger().WithFields(logrus.Fields{
			"group": g.name,
			"stamp": stamp.Format(stampFormat),
			"wait":  wait,
			"try":   res.Tries,
		}).WithError(err).Warn("fetch failed; retrying")
	}
	if err := backoff.RetryNotify(op, ex.backOff(ctx), notify); err != nil {
		res.Err = &RetriesExhaustedError{Tries: res.Tries, Last: err}
		return res, res.Err
	}
	ex.logger().WithFields(logrus.Fields{
		"path":  res.Path,
		"tries": res.Tries,
	}).Info("archived extraction")
	return res, nil
}

// fetchOnce performs a single fetch attempt: snapshot lookup, windowed
// reads, perimeter-point subsetting, and the atomic archive write.
func (ex *Extractor) fetchOnce(ctx context.Context, pm *PerimeterMap, g fetchGroup, start, end time.Time, path string) error {
	times, err := g.ds.Times(ctx, start, end)
	if err != nil {
		return err
	}
	if len(times) == 0 {
		return fmt.Errorf("collection %s has no snapshot in [%s, %s]",
			g.name, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	latStart, latEnd, lonStart, lonEnd := pm.Bounds()
	w := Window{
		Times:    times,
		LatStart: latStart, LatEnd: latEnd,
		LonStart: lonStart, LonEnd: lonEnd,
	}
	data := make(map[string]*sparse.DenseArray, len(g.vars))
	for _, v := range g.vars {
		arr, err := g.ds.Read(ctx, v, w)
		if err != nil {
			return err
		}
		data[v] = subsetPoints(arr, pm, latStart, lonStart)
	}
	return writeExtraction(path, pm, ex.Grid.Name, g, times, data)
}

// subsetPoints reduces a windowed array over (time, [layer,] lat, lon) to
// the deduplicated point list, giving (time, [layer,] PERIM).
func subsetPoints(arr *sparse.DenseArray, pm *PerimeterMap, latStart, lonStart int) *sparse.DenseArray {
	nu := pm.NUnique()
	nt := arr.Shape[0]
	if len(arr.Shape) == 4 {
		nlev := arr.Shape[1]
		out := sparse.ZerosDense(nt, nlev, nu)
		for it := 0; it < nt; it++ {
			for k := 0; k < nlev; k++ {
				for u := 0; u < nu; u++ {
					out.Set(arr.Get(it, k, pm.ULatIdx[u]-latStart, pm.ULonIdx[u]-lonStart), it, k, u)
				}
			}
		}
		return out
	}
	out := sparse.ZerosDense(nt, nu)
	for it := 0; it < nt; it++ {
		for u := 0; u < nu; u++ {
			out.Set(arr.Get(it, pm.ULatIdx[u]-latStart, pm.ULonIdx[u]-lonStart), it, u)
		}
	}
	return out
}

// writeExtraction writes an archive file holding the subset data plus
// the point coordinates and snapshot times needed to interpret it.
func writeExtraction(path string, pm *PerimeterMap, gridName string, g fetchGroup, times []time.Time, data map[string]*sparse.DenseArray) error {
	nu := pm.NUnique()
	nlev := 1
	for _, arr := range data {
		if len(arr.Shape) == 3 {
			nlev = arr.Shape[1]
			break
		}
	}
	h := cdf.NewHeader([]string{"time", "lev", "PERIM"}, []int{len(times), nlev, nu})
	h.AddVariable("time", []string{"time"}, []float64{})
	h.AddAttribute("time", "units", "seconds since 1970-01-01 00:00:00 UTC")
	h.AddVariable("lon", []string{"PERIM"}, []float64{})
	h.AddAttribute("lon", "units", "degrees_east")
	h.AddVariable("lat", []string{"PERIM"}, []float64{})
	h.AddAttribute("lat", "units", "degrees_north")
	for _, v := range g.vars {
		if len(data[v].Shape) == 3 {
			h.AddVariable(v, []string{"time", "lev", "PERIM"}, []float32{})
		} else {
			h.AddVariable(v, []string{"time", "PERIM"}, []float32{})
		}
	}
	h.AddAttribute("", "grid", gridName)
	h.AddAttribute("", "group", g.name)
	h.AddAttribute("", "history", "geoscfbc v"+Version)

	return createNCF(path, h, func(f *cdf.File) error {
		tvals := make([]float64, len(times))
		for i, t := range times {
			tvals[i] = float64(t.Unix())
		}
		if err := writeNCF64(f, "time", tvals); err != nil {
			return err
		}
		ulon := make([]float64, nu)
		ulat := make([]float64, nu)
		for u := 0; u < nu; u++ {
			ulon[u] = pm.SrcLon[indexOfPerim(pm, u)]
			ulat[u] = pm.SrcLat[indexOfPerim(pm, u)]
		}
		if err := writeNCF64(f, "lon", ulon); err != nil {
			return err
		}
		if err := writeNCF64(f, "lat", ulat); err != nil {
			return err
		}
		for _, v := range g.vars {
			if err := writeNCF(f, v, data[v]); err != nil {
				return err
			}
		}
		return nil
	})
}

// indexOfPerim returns a destination cell whose matched point is unique
// point u.
func indexOfPerim(pm *PerimeterMap, u int) int {
	for k, p := range pm.Perim {
		if p == u {
			return k
		}
	}
	return 0
}
