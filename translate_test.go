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
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/ctessum/cdf"
)

// testTranslator extracts the given stamps into a fresh archive root and
// returns a translator over it.
func testTranslator(t *testing.T, ftype FType, stamps []time.Time) *Translator {
	t.Helper()
	met, chm, xgc := testCollections(t, stamps)
	root := t.TempDir()
	ex := testExtractor(t, root, met, chm, xgc)
	ex.FType = ftype
	pm, _, err := ex.Extract(context.Background(), stamps)
	if err != nil {
		t.Fatal(err)
	}
	metRules, _ := DefaultRuleSet("met")
	gasRules, _ := DefaultRuleSet("gas")
	aeroRules, _ := DefaultRuleSet("aerosol")
	return &Translator{
		Grid:      testGrid(t),
		FType:     ftype,
		Map:       pm,
		MetRules:  metRules,
		GasRules:  gasRules,
		AeroRules: aeroRules,
		VG:        DefaultVerticalGrid(),
		Root:      root,
	}
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return math.Abs(a)
	}
	return math.Abs(a-b) / math.Abs(b)
}

func TestTranslateBCON(t *testing.T) {
	stamps := hoursUTC("2024-03-01", 0)
	tr := testTranslator(t, BCON, stamps)
	result, err := tr.Translate(stamps[0])
	if err != nil {
		t.Fatal(err)
	}

	nGas := len(tr.GasRules.Rules)
	nAero := len(tr.AeroRules.Rules)
	nMet := len(tr.MetRules.Rules)
	if len(result.Names) != nGas+nAero+nMet {
		t.Fatalf("got %d species, want %d", len(result.Names), nGas+nAero+nMet)
	}
	if result.Names[0] != "O3" || result.Names[nGas] != "ASO4J" || result.Names[nGas+nAero] != "PRES" {
		t.Errorf("species not in gas, aerosol, met order: %v", result.Names)
	}

	snap := stamps[0].Add(30 * time.Minute)
	if len(result.Times) != 1 || !result.Times[0].Equal(snap) {
		t.Errorf("times: got %v, want [%s]", result.Times, snap)
	}

	ncells := tr.Grid.NCells(BCON)
	o3 := result.Species["O3"]
	if o3.Shape[0] != 1 || o3.Shape[1] != tr.VG.NLayers() || o3.Shape[2] != ncells {
		t.Fatalf("O3 shape: got %v, want [1 %d %d]", o3.Shape, tr.VG.NLayers(), ncells)
	}

	t.Run("surface", func(t *testing.T) {
		// The lowest destination layer sits below the lowest source
		// midpoint, so it clamps to the source surface value. Gas rules
		// scale mole fractions to ppmv.
		lons, lats := testSrcAxes()
		hour := snap.Hour() + 24*snap.YearDay()
		for _, c := range []int{0, ncells / 2, ncells - 1} {
			u := tr.Map.Perim[c]
			want := fixVal("o3", hour, cfNLev-1, tr.Map.ULatIdx[u], tr.Map.ULonIdx[u]) * 1e6
			got := o3.Get(0, 0, c)
			if relDiff(got, want) > 1e-5 {
				t.Errorf("cell %d (%g, %g): got %g, want %g",
					c, lons[tr.Map.ULonIdx[u]], lats[tr.Map.ULatIdx[u]], got, want)
			}
		}
	})

	t.Run("surface-up", func(t *testing.T) {
		// The fixture fields increase with altitude, so after layer
		// reversal and interpolation each column must be non-decreasing
		// and strictly larger aloft.
		for c := 0; c < ncells; c++ {
			for k := 1; k < tr.VG.NLayers(); k++ {
				if o3.Get(0, k, c) < o3.Get(0, k-1, c) {
					t.Fatalf("cell %d: column decreases at layer %d", c, k)
				}
			}
			if o3.Get(0, tr.VG.NLayers()-1, c) <= o3.Get(0, 0, c) {
				t.Fatalf("cell %d: top not above surface", c)
			}
		}
	})

	t.Run("units", func(t *testing.T) {
		if u := result.Units["O3"]; u != ljust16("ppmv") {
			t.Errorf("O3 units: got %q", u)
		}
		if u := result.Units["PRES"]; u != ljust16("Pa") {
			t.Errorf("PRES units: got %q", u)
		}
	})
}

func TestTranslateICON(t *testing.T) {
	stamps := hoursUTC("2024-03-02", 0)
	tr := testTranslator(t, ICON, stamps)
	result, err := tr.Translate(stamps[0])
	if err != nil {
		t.Fatal(err)
	}

	o3 := result.Species["O3"]
	wantShape := []int{1, tr.VG.NLayers(), tr.Grid.NY, tr.Grid.NX}
	for d, n := range wantShape {
		if o3.Shape[d] != n {
			t.Fatalf("O3 shape: got %v, want %v", o3.Shape, wantShape)
		}
	}

	// Domain cells are row-major, so (j, i) recovers cell j*NX+i.
	snap := stamps[0].Add(30 * time.Minute)
	hour := snap.Hour() + 24*snap.YearDay()
	for _, c := range [][2]int{{0, 0}, {1, 2}, {tr.Grid.NY - 1, tr.Grid.NX - 1}} {
		j, i := c[0], c[1]
		u := tr.Map.Perim[j*tr.Grid.NX+i]
		want := fixVal("o3", hour, cfNLev-1, tr.Map.ULatIdx[u], tr.Map.ULonIdx[u]) * 1e6
		got := o3.Get(0, 0, j, i)
		if relDiff(got, want) > 1e-5 {
			t.Errorf("cell (%d, %d): got %g, want %g", j, i, got, want)
		}
	}
}

func TestTranslateMissingInput(t *testing.T) {
	stamps := hoursUTC("2024-03-03", 0)
	tr := testTranslator(t, BCON, stamps)
	_, err := tr.Translate(stamps[0].Add(time.Hour))
	if err == nil {
		t.Fatal("expected error for missing extraction")
	}
	var me *MissingInputError
	if !errors.As(err, &me) {
		t.Fatalf("error type %T, want *MissingInputError", err)
	}
}

func TestTranslateToFile(t *testing.T) {
	stamps := hoursUTC("2024-03-04", 6)
	tr := testTranslator(t, BCON, stamps)
	path, err := tr.TranslateToFile(stamps[0], false)
	if err != nil {
		t.Fatal(err)
	}
	if want := TranslatePath(tr.Root, tr.Grid.Name, BCON, stamps[0]); path != want {
		t.Errorf("output path: got %s, want %s", path, want)
	}

	data, err := readNCFFrom(path, "TFLAG", "O3")
	if err != nil {
		t.Fatal(err)
	}
	nvars := len(tr.GasRules.Rules) + len(tr.AeroRules.Rules) + len(tr.MetRules.Rules)
	tf := data["TFLAG"]
	if tf.Shape[0] != 1 || tf.Shape[1] != nvars || tf.Shape[2] != 2 {
		t.Fatalf("TFLAG shape: got %v", tf.Shape)
	}
	// Steps are stamped at the requested whole hour, not the :30
	// center of the source snapshot.
	wantDate, wantTime := tflag(stamps[0])
	if wantTime != 60000 {
		t.Fatalf("fixture hour: tflag time %d, want 060000", wantTime)
	}
	if int32(tf.Get(0, 0, 0)) != wantDate || int32(tf.Get(0, 0, 1)) != wantTime {
		t.Errorf("TFLAG: got (%g, %g), want (%d, %d)",
			tf.Get(0, 0, 0), tf.Get(0, 0, 1), wantDate, wantTime)
	}
	o3 := data["O3"]
	if o3.Shape[0] != 1 || o3.Shape[1] != tr.VG.NLayers() || o3.Shape[2] != tr.Grid.NCells(BCON) {
		t.Errorf("O3 shape: got %v", o3.Shape)
	}

	t.Run("attributes", func(t *testing.T) {
		ff, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer ff.Close()
		f, err := cdf.Open(ff)
		if err != nil {
			t.Fatal(err)
		}
		if v, ok := f.Header.GetAttribute("", "SDATE").([]int32); !ok || v[0] != wantDate {
			t.Errorf("SDATE: got %v, want %d", f.Header.GetAttribute("", "SDATE"), wantDate)
		}
		if v, ok := f.Header.GetAttribute("", "STIME").([]int32); !ok || v[0] != wantTime {
			t.Errorf("STIME: got %v, want %d", f.Header.GetAttribute("", "STIME"), wantTime)
		}
	})

	t.Run("cached", func(t *testing.T) {
		// With an extraction removed, a rerun can only succeed by
		// reusing the existing output.
		extraction := ExtractPath(tr.Root, tr.Grid.Name, "chm", BCON,
			stamps[0], stamps[0].Add(45*time.Minute), 1)
		if err := os.Remove(extraction); err != nil {
			t.Fatal(err)
		}
		again, err := tr.TranslateToFile(stamps[0], false)
		if err != nil {
			t.Fatal(err)
		}
		if again != path {
			t.Errorf("got %s, want %s", again, path)
		}
	})
}
