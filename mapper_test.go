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
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPerimeterMap(t *testing.T) {
	g := testGrid(t)
	lons, lats := testSrcAxes()
	pm, err := NewPerimeterMap(g, BCON, lons, lats)
	if err != nil {
		t.Fatal(err)
	}

	ncells := g.NCells(BCON)
	if len(pm.Perim) != ncells || len(pm.DestLon) != ncells {
		t.Fatalf("got %d cells, want %d", len(pm.Perim), ncells)
	}
	if pm.NUnique() > ncells {
		t.Errorf("%d unique points exceed %d cells", pm.NUnique(), ncells)
	}

	t.Run("recovery", func(t *testing.T) {
		// Each cell's stored source coordinates must match the unique
		// point its PERIM index recovers.
		for k := range pm.Perim {
			u := pm.Perim[k]
			if pm.SrcLon[k] != lons[pm.ULonIdx[u]] || pm.SrcLat[k] != lats[pm.ULatIdx[u]] {
				t.Fatalf("cell %d: source point (%g, %g) does not match unique point %d (%g, %g)",
					k, pm.SrcLon[k], pm.SrcLat[k], u, lons[pm.ULonIdx[u]], lats[pm.ULatIdx[u]])
			}
		}
	})

	t.Run("nearest", func(t *testing.T) {
		// On a 10-degree source graticule every matched point is within
		// half a cell of the destination center.
		for k := range pm.Perim {
			if dlon := pm.SrcLon[k] - pm.DestLon[k]; dlon > 5 || dlon < -5 {
				t.Fatalf("cell %d: longitude mismatch %g", k, dlon)
			}
			if dlat := pm.SrcLat[k] - pm.DestLat[k]; dlat > 5 || dlat < -5 {
				t.Fatalf("cell %d: latitude mismatch %g", k, dlat)
			}
		}
	})

	t.Run("ordering", func(t *testing.T) {
		for u := 1; u < pm.NUnique(); u++ {
			la0, la1 := lats[pm.ULatIdx[u-1]], lats[pm.ULatIdx[u]]
			lo0, lo1 := lons[pm.ULonIdx[u-1]], lons[pm.ULonIdx[u]]
			if la1 < la0 || (la1 == la0 && lo1 <= lo0) {
				t.Fatalf("unique points not sorted at %d: (%g,%g) then (%g,%g)", u, la0, lo0, la1, lo1)
			}
		}
	})

	t.Run("bounds", func(t *testing.T) {
		latStart, latEnd, lonStart, lonEnd := pm.Bounds()
		for u := 0; u < pm.NUnique(); u++ {
			if pm.ULatIdx[u] < latStart || pm.ULatIdx[u] >= latEnd ||
				pm.ULonIdx[u] < lonStart || pm.ULonIdx[u] >= lonEnd {
				t.Fatalf("unique point %d outside bounds", u)
			}
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		pm2, err := NewPerimeterMap(g, BCON, lons, lats)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(pm, pm2) {
			t.Error("repeated mapping gave a different result")
		}
	})
}

func TestPerimeterMapOutsideSource(t *testing.T) {
	g := testGrid(t)
	// A source grid that does not cover the domain.
	lons := []float64{0, 10, 20}
	lats := []float64{0, 10, 20}
	if _, err := NewPerimeterMap(g, BCON, lons, lats); err == nil {
		t.Error("expected error for domain outside source grid")
	}
}

func TestPerimeterCSVRoundTrip(t *testing.T) {
	g := testGrid(t)
	lons, lats := testSrcAxes()
	pm, err := NewPerimeterMap(g, ICON, lons, lats)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "TEST", "TEST_ICON.csv")
	if err := pm.WriteCSV(path); err != nil {
		t.Fatal(err)
	}
	got, err := ReadPerimeterCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.DestLon, pm.DestLon) || !reflect.DeepEqual(got.DestLat, pm.DestLat) {
		t.Error("destination coordinates did not round-trip")
	}
	if !reflect.DeepEqual(got.SrcLon, pm.SrcLon) || !reflect.DeepEqual(got.SrcLat, pm.SrcLat) {
		t.Error("source coordinates did not round-trip")
	}
	if !reflect.DeepEqual(got.Perim, pm.Perim) {
		t.Error("PERIM indices did not round-trip")
	}
	if got.NUnique() != pm.NUnique() {
		t.Errorf("unique count: got %d, want %d", got.NUnique(), pm.NUnique())
	}

	t.Run("renamed into place", func(t *testing.T) {
		// The write goes through a temporary file; only the finished
		// table may remain.
		entries, err := os.ReadDir(filepath.Dir(path))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].Name() != filepath.Base(path) {
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
			}
			t.Errorf("table directory holds %v, want only %s", names, filepath.Base(path))
		}
	})
}
