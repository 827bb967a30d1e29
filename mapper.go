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
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gonum/floats"
)

// PerimeterMap relates the destination grid's cell set to points on the
// source grid. Cells are held in IOAPI storage order; each cell carries
// the index of the nearest source point and the position of that point in
// the deduplicated fetch list. Multiple destination cells commonly share
// a source point when the destination grid is finer than the source.
type PerimeterMap struct {
	// DestLon and DestLat are the destination cell centers.
	DestLon, DestLat []float64

	// LonIdx and LatIdx are the per-cell nearest source axis indices.
	LonIdx, LatIdx []int

	// SrcLon and SrcLat are the coordinates of the matched source points.
	SrcLon, SrcLat []float64

	// Perim maps each cell to its position in the deduplicated point
	// list that extraction files store.
	Perim []int

	// ULonIdx and ULatIdx are the deduplicated source indices, sorted
	// ascending by (latitude, longitude).
	ULonIdx, ULatIdx []int
}

// nearestIndex returns the index of the element of axis closest to v.
// The axis need not be evenly spaced, only monotonic.
func nearestIndex(axis []float64, v float64) int {
	best := 0
	bestDist := math.Abs(axis[0] - v)
	for i := 1; i < len(axis); i++ {
		if d := math.Abs(axis[i] - v); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// NewPerimeterMap matches the destination cell set for the given artifact
// type to the nearest points on the source grid described by the srcLons
// and srcLats axes.
func NewPerimeterMap(g *Grid, ftype FType, srcLons, srcLats []float64) (*PerimeterMap, error) {
	lon, lat, err := g.CellCenters(ftype)
	if err != nil {
		return nil, err
	}
	if floats.Min(lon) < floats.Min(srcLons) || floats.Max(lon) > floats.Max(srcLons) ||
		floats.Min(lat) < floats.Min(srcLats) || floats.Max(lat) > floats.Max(srcLats) {
		return nil, fmt.Errorf("geoscfbc: grid %s extends beyond the source grid "+
			"(lon [%g,%g], lat [%g,%g])", g.Name,
			floats.Min(lon), floats.Max(lon), floats.Min(lat), floats.Max(lat))
	}

	n := len(lon)
	pm := &PerimeterMap{
		DestLon: lon, DestLat: lat,
		LonIdx: make([]int, n), LatIdx: make([]int, n),
		SrcLon: make([]float64, n), SrcLat: make([]float64, n),
		Perim: make([]int, n),
	}
	type pt struct{ lonIdx, latIdx int }
	seen := make(map[pt]bool)
	var unique []pt
	for k := 0; k < n; k++ {
		p := pt{nearestIndex(srcLons, lon[k]), nearestIndex(srcLats, lat[k])}
		pm.LonIdx[k] = p.lonIdx
		pm.LatIdx[k] = p.latIdx
		pm.SrcLon[k] = srcLons[p.lonIdx]
		pm.SrcLat[k] = srcLats[p.latIdx]
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	sort.Slice(unique, func(a, b int) bool {
		if srcLats[unique[a].latIdx] != srcLats[unique[b].latIdx] {
			return srcLats[unique[a].latIdx] < srcLats[unique[b].latIdx]
		}
		return srcLons[unique[a].lonIdx] < srcLons[unique[b].lonIdx]
	})
	pos := make(map[pt]int, len(unique))
	pm.ULonIdx = make([]int, len(unique))
	pm.ULatIdx = make([]int, len(unique))
	for i, p := range unique {
		pos[p] = i
		pm.ULonIdx[i] = p.lonIdx
		pm.ULatIdx[i] = p.latIdx
	}
	for k := 0; k < n; k++ {
		pm.Perim[k] = pos[pt{pm.LonIdx[k], pm.LatIdx[k]}]
	}
	return pm, nil
}

// NUnique returns the number of deduplicated source points.
func (pm *PerimeterMap) NUnique() int {
	if len(pm.ULonIdx) > 0 {
		return len(pm.ULonIdx)
	}
	// Recovered from CSV; the unique list itself is not stored.
	n := 0
	for _, p := range pm.Perim {
		if p+1 > n {
			n = p + 1
		}
	}
	return n
}

// Bounds returns the index window on the source grid that covers all
// matched points, with exclusive upper bounds.
func (pm *PerimeterMap) Bounds() (latStart, latEnd, lonStart, lonEnd int) {
	latStart, lonStart = pm.ULatIdx[0], pm.ULonIdx[0]
	latEnd, lonEnd = latStart, lonStart
	for i := range pm.ULatIdx {
		if pm.ULatIdx[i] < latStart {
			latStart = pm.ULatIdx[i]
		}
		if pm.ULatIdx[i] > latEnd {
			latEnd = pm.ULatIdx[i]
		}
		if pm.ULonIdx[i] < lonStart {
			lonStart = pm.ULonIdx[i]
		}
		if pm.ULonIdx[i] > lonEnd {
			lonEnd = pm.ULonIdx[i]
		}
	}
	return latStart, latEnd + 1, lonStart, lonEnd + 1
}

// WriteCSV writes the per-cell recovery table: one row per destination
// cell in storage order, giving the cell center, the matched source point
// coordinates, and the point's position in the extraction files. The
// table is assembled in a temporary file and renamed into place, so
// concurrent writers of the shared path and readers running alongside an
// extraction never observe a partial table.
func (pm *PerimeterMap) WriteCSV(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	w := csv.NewWriter(f)
	if err := w.Write([]string{"lonb", "latb", "lon", "lat", "PERIM"}); err != nil {
		f.Close()
		return err
	}
	for k := range pm.DestLon {
		row := []string{
			strconv.FormatFloat(pm.DestLon[k], 'g', -1, 64),
			strconv.FormatFloat(pm.DestLat[k], 'g', -1, 64),
			strconv.FormatFloat(pm.SrcLon[k], 'g', -1, 64),
			strconv.FormatFloat(pm.SrcLat[k], 'g', -1, 64),
			strconv.Itoa(pm.Perim[k]),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// ReadPerimeterCSV reads a recovery table written by WriteCSV. The source
// axis indices are not stored in the file, so only the coordinate and
// ordering fields of the result are populated.
func ReadPerimeterCSV(path string) (*PerimeterMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("geoscfbc: reading %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("geoscfbc: %s: no data rows", path)
	}
	pm := new(PerimeterMap)
	for _, row := range rows[1:] {
		if len(row) != 5 {
			return nil, fmt.Errorf("geoscfbc: %s: expected 5 columns, got %d", path, len(row))
		}
		var vals [4]float64
		for i := 0; i < 4; i++ {
			if vals[i], err = strconv.ParseFloat(row[i], 64); err != nil {
				return nil, fmt.Errorf("geoscfbc: %s: %w", path, err)
			}
		}
		p, err := strconv.Atoi(row[4])
		if err != nil {
			return nil, fmt.Errorf("geoscfbc: %s: %w", path, err)
		}
		pm.DestLon = append(pm.DestLon, vals[0])
		pm.DestLat = append(pm.DestLat, vals[1])
		pm.SrcLon = append(pm.SrcLon, vals[2])
		pm.SrcLat = append(pm.SrcLat, vals[3])
		pm.Perim = append(pm.Perim, p)
	}
	return pm, nil
}
