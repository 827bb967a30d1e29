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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctessum/cdf"
)

// The test source grid: a coarse global graticule.
func testSrcAxes() (lons, lats []float64) {
	lons = make([]float64, 37)
	for i := range lons {
		lons[i] = -180 + 10*float64(i)
	}
	lats = make([]float64, 19)
	for j := range lats {
		lats[j] = -90 + 10*float64(j)
	}
	return lons, lats
}

const testGridDesc = `' '
'LATLON'
  1, 0.0, 0.0, 0.0, 0.0, 0.0
'LAM_40N97W'
  2, 33.0, 45.0, -97.0, -97.0, 40.0
' '
'TEST'
'LATLON', -100.0, 20.0, 10.0, 10.0, 4, 3, 1
'CONUS4K'
'LAM_40N97W', -2736000.0, -2088000.0, 4000.0, 4000.0, 1332, 1008, 1
' '
`

func testGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := ParseGridDesc(strings.NewReader(testGridDesc), "TEST")
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// fixVal is the deterministic field value used in fixture files. It is
// linear in the hour so temporal interpolation is exact, and increases
// with altitude (layers are stored top-down, so low k means high up).
func fixVal(varName string, hour, k, j, i int) float64 {
	s := 0
	for _, c := range varName {
		s += int(c)
	}
	return float64(s%7) + 1 + 0.5*float64(hour) +
		0.01*float64(cfNLev-1-k) + 0.001*float64(j) + 0.0001*float64(i)
}

// writeFakeSnapshot writes one fixture collection file holding a single
// snapshot of the named variables.
func writeFakeSnapshot(t *testing.T, path string, vars []string, stamp time.Time) {
	t.Helper()
	lons, lats := testSrcAxes()
	h := cdf.NewHeader(
		[]string{"time", "lev", "lat", "lon"},
		[]int{1, cfNLev, len(lats), len(lons)},
	)
	h.AddVariable("lon", []string{"lon"}, []float64{})
	h.AddVariable("lat", []string{"lat"}, []float64{})
	for _, v := range vars {
		h.AddVariable(v, []string{"time", "lev", "lat", "lon"}, []float32{})
	}
	err := createNCF(path, h, func(f *cdf.File) error {
		if err := writeNCF64(f, "lon", lons); err != nil {
			return err
		}
		if err := writeNCF64(f, "lat", lats); err != nil {
			return err
		}
		hour := stamp.Hour() + 24*stamp.YearDay()
		for _, v := range vars {
			buf := make([]float32, cfNLev*len(lats)*len(lons))
			n := 0
			for k := 0; k < cfNLev; k++ {
				for j := range lats {
					for i := range lons {
						buf[n] = float32(fixVal(v, hour, k, j, i))
						n++
					}
				}
			}
			end := f.Header.Lengths(v)
			start := make([]int, len(end))
			w := f.Writer(v, start, end)
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// testCollections writes fixture archives for all three collections at
// the given timestamps (whole hours; the snapshots are stamped 30
// minutes past) and returns the datasets reading them.
func testCollections(t *testing.T, stamps []time.Time) (met, chm, xgc Dataset) {
	t.Helper()
	metRules, err := DefaultRuleSet("met")
	if err != nil {
		t.Fatal(err)
	}
	gasRules, err := DefaultRuleSet("gas")
	if err != nil {
		t.Fatal(err)
	}
	aeroRules, err := DefaultRuleSet("aerosol")
	if err != nil {
		t.Fatal(err)
	}
	metVars, chmVars, xgcVars := VarLists(metRules, gasRules, aeroRules)

	dir := t.TempDir()
	groups := []struct {
		name string
		vars []string
	}{
		{"met", metVars},
		{"chm", chmVars},
		{"xgc", xgcVars},
	}
	var datasets []Dataset
	for _, g := range groups {
		template := filepath.Join(dir, g.name+".[DATE].nc")
		ds := NewFileDataset(template)
		for _, stamp := range stamps {
			snap := stamp.Add(30 * time.Minute)
			writeFakeSnapshot(t, ds.path(snap), g.vars, snap)
		}
		datasets = append(datasets, ds)
	}
	return datasets[0], datasets[1], datasets[2]
}

func hoursUTC(day string, hours ...int) []time.Time {
	d, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		panic(err)
	}
	ts := make([]time.Time, len(hours))
	for i, h := range hours {
		ts[i] = d.Add(time.Duration(h) * time.Hour)
	}
	return ts
}
