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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestGridDesc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "GRIDDESC")
	if err := os.WriteFile(path, []byte(testGridDesc), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultBCON(t *testing.T) {
	stamps := hoursUTC("2024-01-01", 0, 3, 6, 9, 12, 15, 18, 21, 24)
	met, chm, xgc := testCollections(t, stamps)
	root := t.TempDir()
	c := &Config{
		Grid:         "TEST",
		GridDescPath: writeTestGridDesc(t),
		Start:        stamps[0],
		End:          stamps[len(stamps)-1],
		Freq:         3 * time.Hour,
		FType:        BCON,
		Root:         root,
		Workers:      2,
		Sleep:        time.Millisecond,
		Met:          met, Chm: chm, Xgc: xgc,
	}

	paths, err := Default(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d output paths, want 1", len(paths))
	}
	if want := DailyPath(root, "TEST", BCON, stamps[0]); paths[0] != want {
		t.Errorf("got %s, want %s", paths[0], want)
	}

	data, err := readNCFFrom(paths[0], "TFLAG", "O3")
	if err != nil {
		t.Fatal(err)
	}
	if data["TFLAG"].Shape[0] != 25 {
		t.Errorf("daily file has %d timesteps, want 25", data["TFLAG"].Shape[0])
	}
	g := testGrid(t)
	o3 := data["O3"]
	if o3.Shape[1] != DefaultVerticalGrid().NLayers() || o3.Shape[2] != g.NCells(BCON) {
		t.Errorf("O3 shape: got %v", o3.Shape)
	}
}

func TestDefaultICON(t *testing.T) {
	stamps := hoursUTC("2024-01-05", 6)
	met, chm, xgc := testCollections(t, stamps)
	root := t.TempDir()
	c := &Config{
		Grid:         "TEST",
		GridDescPath: writeTestGridDesc(t),
		Start:        stamps[0],
		End:          stamps[0],
		FType:        ICON,
		Root:         root,
		Sleep:        time.Millisecond,
		Met:          met, Chm: chm, Xgc: xgc,
	}

	paths, err := Default(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d output paths, want 1", len(paths))
	}
	if want := TranslatePath(root, "TEST", ICON, stamps[0]); paths[0] != want {
		t.Errorf("got %s, want %s", paths[0], want)
	}
}

func TestDefaultExtractOnly(t *testing.T) {
	stamps := hoursUTC("2024-01-06", 0)
	met, chm, xgc := testCollections(t, stamps)
	root := t.TempDir()
	c := &Config{
		Grid:         "TEST",
		GridDescPath: writeTestGridDesc(t),
		Start:        stamps[0],
		End:          stamps[0],
		FType:        ICON,
		Root:         root,
		ExtractOnly:  true,
		Sleep:        time.Millisecond,
		Met:          met, Chm: chm, Xgc: xgc,
	}

	paths, err := Default(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Errorf("extract-only run returned paths: %v", paths)
	}
	extraction := ExtractPath(root, "TEST", "chm", ICON, stamps[0], stamps[0].Add(45*time.Minute), 1)
	if _, err := os.Stat(extraction); err != nil {
		t.Errorf("extraction not written: %v", err)
	}
}

func TestDefaultValidation(t *testing.T) {
	cases := []struct {
		name string
		c    *Config
		want string
	}{
		{
			"invalid file type",
			&Config{FType: FType(0)},
			"invalid file type",
		},
		{
			"end before start",
			&Config{
				FType: BCON,
				Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			"before start",
		},
		{
			"fractional frequency",
			&Config{
				FType: BCON,
				Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
				Freq:  90 * time.Minute,
			},
			"whole number of hours",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Default(context.Background(), c.c)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("got error %v, want one containing %q", err, c.want)
			}
		})
	}
}

func TestBuildUnits(t *testing.T) {
	day := func(s string) time.Time {
		d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err != nil {
			t.Fatal(err)
		}
		return d
	}

	t.Run("trailing day dropped", func(t *testing.T) {
		units, err := buildUnits(day("2024-01-01"), day("2024-01-03"), 3*time.Hour, BCON)
		if err != nil {
			t.Fatal(err)
		}
		// The period touches three days, but the last has only its
		// hour-zero boundary inside the period.
		if len(units) != 2 {
			t.Fatalf("got %d units, want 2", len(units))
		}
		if !units[1].day.Equal(day("2024-01-02")) {
			t.Errorf("second unit day: got %s", units[1].day)
		}
		for _, u := range units {
			if len(u.stamps) != 9 {
				t.Fatalf("unit %d has %d stamps, want 9", u.index, len(u.stamps))
			}
			if !u.stamps[len(u.stamps)-1].Equal(u.day.Add(24 * time.Hour)) {
				t.Errorf("unit %d does not end at hour 24", u.index)
			}
		}
	})

	t.Run("incomplete day", func(t *testing.T) {
		start := day("2024-01-01").Add(6 * time.Hour)
		if _, err := buildUnits(start, start.Add(6*time.Hour), 3*time.Hour, BCON); err == nil {
			t.Error("expected error for period within a single day")
		}
	})

	t.Run("per-stamp initial conditions", func(t *testing.T) {
		units, err := buildUnits(day("2024-01-01"), day("2024-01-01").Add(6*time.Hour), 3*time.Hour, ICON)
		if err != nil {
			t.Fatal(err)
		}
		if len(units) != 3 {
			t.Fatalf("got %d units, want 3", len(units))
		}
		for i, u := range units {
			if len(u.stamps) != 1 {
				t.Errorf("unit %d has %d stamps, want 1", i, len(u.stamps))
			}
		}
	})
}
