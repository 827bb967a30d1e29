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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ctessum/geom/proj"
)

// Grid describes a CMAQ modeling domain: a regular grid in a projected
// coordinate system, as defined by one entry in an IOAPI GRIDDESC file.
type Grid struct {
	Name string

	// NX and NY are the number of columns and rows.
	NX, NY int

	// XOrig and YOrig are the coordinates of the lower-left corner of the
	// lower-left cell, and Dx and Dy are the cell dimensions, all in
	// projection units.
	XOrig, YOrig float64
	Dx, Dy       float64

	NThik int

	// SR is the grid's spatial reference.
	SR *proj.SR
}

// coordDef is the coordinate segment of a GRIDDESC file: projection type
// plus the five projection parameters.
type coordDef struct {
	ctype            int
	pAlp, pBet, pGam float64
	xCent, yCent     float64
}

// proj4 returns the PROJ.4 string for the coordinate definition, on the
// 6370 km sphere that MM5/WRF-family meteorological models use.
func (c coordDef) proj4() (string, error) {
	switch c.ctype {
	case 1:
		return "+proj=longlat", nil
	case 2:
		return fmt.Sprintf("+proj=lcc +lat_1=%g +lat_2=%g +lat_0=%g +lon_0=%g "+
			"+x_0=0 +y_0=0 +a=6370000 +b=6370000 +to_meter=1",
			c.pAlp, c.pBet, c.yCent, c.xCent), nil
	default:
		return "", fmt.Errorf("geoscfbc: unsupported GRIDDESC coordinate type %d", c.ctype)
	}
}

// ReadGridDesc reads the named GRIDDESC file and returns the grid
// definition for gridName.
func ReadGridDesc(path, gridName string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	g, err := ParseGridDesc(f, gridName)
	if err != nil {
		return nil, fmt.Errorf("geoscfbc: %s: %w", path, err)
	}
	return g, nil
}

// ParseGridDesc parses GRIDDESC-format text from r and returns the grid
// definition for gridName. The format is two segments, each terminated by
// a blank quoted name: coordinate definitions (quoted name, then
// projection type and five parameters) followed by grid definitions
// (quoted name, then quoted coordinate name and the origin, cell size,
// dimension, and boundary-thickness numbers).
func ParseGridDesc(r io.Reader, gridName string) (*Grid, error) {
	scanner := bufio.NewScanner(r)
	lines := make([]string, 0, 64)
	for scanner.Scan() {
		l := strings.TrimSpace(scanner.Text())
		if l == "" || strings.HasPrefix(l, "!") {
			continue
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	coords := make(map[string]coordDef)
	section := 0
	seenEntry := false
	for i := 0; i < len(lines); i++ {
		name, _, err := splitQuoted(lines[i])
		if err != nil {
			return nil, fmt.Errorf("GRIDDESC line %q: %w", lines[i], err)
		}
		if name == "" {
			// Some files open with a blank quoted name before the first
			// coordinate definition; only a blank name after at least
			// one entry terminates a segment.
			if !seenEntry {
				continue
			}
			section++
			seenEntry = false
			if section > 1 {
				break
			}
			continue
		}
		seenEntry = true
		i++
		if i >= len(lines) {
			return nil, fmt.Errorf("GRIDDESC: entry %s has no data line", name)
		}
		switch section {
		case 0:
			nums, err := parseNumbers(lines[i], 6)
			if err != nil {
				return nil, fmt.Errorf("GRIDDESC coordinate %s: %w", name, err)
			}
			coords[name] = coordDef{
				ctype: int(nums[0]),
				pAlp:  nums[1], pBet: nums[2], pGam: nums[3],
				xCent: nums[4], yCent: nums[5],
			}
		case 1:
			if name != gridName {
				continue
			}
			coordName, rest, err := splitQuoted(lines[i])
			if err != nil {
				return nil, fmt.Errorf("GRIDDESC grid %s: %w", name, err)
			}
			c, ok := coords[coordName]
			if !ok {
				return nil, fmt.Errorf("GRIDDESC grid %s references undefined coordinate %s", name, coordName)
			}
			nums, err := parseNumbers(rest, 7)
			if err != nil {
				return nil, fmt.Errorf("GRIDDESC grid %s: %w", name, err)
			}
			p4, err := c.proj4()
			if err != nil {
				return nil, err
			}
			sr, err := proj.Parse(p4)
			if err != nil {
				return nil, fmt.Errorf("parsing projection for grid %s: %w", name, err)
			}
			return &Grid{
				Name:  name,
				XOrig: nums[0], YOrig: nums[1],
				Dx: nums[2], Dy: nums[3],
				NX: int(nums[4]), NY: int(nums[5]),
				NThik: int(nums[6]),
				SR:    sr,
			}, nil
		}
	}
	return nil, fmt.Errorf("GRIDDESC: grid %s not found", gridName)
}

// splitQuoted extracts a leading single-quoted string from l, returning
// the quoted content (trimmed) and the remainder of the line.
func splitQuoted(l string) (name, rest string, err error) {
	if !strings.HasPrefix(l, "'") {
		return "", "", fmt.Errorf("expected quoted name")
	}
	end := strings.Index(l[1:], "'")
	if end < 0 {
		return "", "", fmt.Errorf("unterminated quote")
	}
	name = strings.TrimSpace(l[1 : 1+end])
	rest = strings.TrimLeft(l[2+end:], " \t,")
	return name, rest, nil
}

// parseNumbers parses exactly n comma- or space-separated numbers from s.
func parseNumbers(s string, n int) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d numbers, got %d in %q", n, len(fields), s)
	}
	nums := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", f, err)
		}
		nums[i] = v
	}
	return nums, nil
}

// cellIndex is a cell location in grid index space. Boundary cells use
// indices one outside the domain (-1 or NX/NY) following the M3IO
// convention.
type cellIndex struct{ i, j int }

// perimCells returns the boundary cells in IOAPI perimeter storage order
// for a boundary thickness of one: the south edge from the southwest
// outward through the east end, then east, north, and west edges, each
// including one corner cell.
func (g *Grid) perimCells() []cellIndex {
	cells := make([]cellIndex, 0, 2*g.NX+2*g.NY+4)
	for i := 0; i <= g.NX; i++ { // south
		cells = append(cells, cellIndex{i, -1})
	}
	for j := 0; j <= g.NY; j++ { // east
		cells = append(cells, cellIndex{g.NX, j})
	}
	for i := -1; i < g.NX; i++ { // north
		cells = append(cells, cellIndex{i, g.NY})
	}
	for j := -1; j < g.NY; j++ { // west
		cells = append(cells, cellIndex{-1, j})
	}
	return cells
}

// domainCells returns every cell in the domain in row-major order
// (rows outer, columns inner), the IOAPI storage order for full-domain
// files.
func (g *Grid) domainCells() []cellIndex {
	cells := make([]cellIndex, 0, g.NX*g.NY)
	for j := 0; j < g.NY; j++ {
		for i := 0; i < g.NX; i++ {
			cells = append(cells, cellIndex{i, j})
		}
	}
	return cells
}

// NCells returns the number of cells in the artifact cell set: the
// perimeter length for BCON or the full domain size for ICON.
func (g *Grid) NCells(ftype FType) int {
	if ftype == BCON {
		return 2*g.NX + 2*g.NY + 4
	}
	return g.NX * g.NY
}

// CellCenters returns the geographic coordinates of the cell centers in
// the artifact cell set, in IOAPI storage order.
func (g *Grid) CellCenters(ftype FType) (lon, lat []float64, err error) {
	if !ftype.valid() {
		return nil, nil, fmt.Errorf("geoscfbc: invalid file type %d", int(ftype))
	}
	longlat, err := proj.Parse("+proj=longlat")
	if err != nil {
		return nil, nil, err
	}
	toLL, err := g.SR.NewTransform(longlat)
	if err != nil {
		return nil, nil, err
	}
	if toLL == nil {
		// NewTransform returns a nil Transformer when the source and
		// destination reference systems are equal (lat-lon grids here).
		toLL = func(x, y float64) (float64, float64, error) { return x, y, nil }
	}
	var cells []cellIndex
	if ftype == BCON {
		cells = g.perimCells()
	} else {
		cells = g.domainCells()
	}
	lon = make([]float64, len(cells))
	lat = make([]float64, len(cells))
	for k, c := range cells {
		x := g.XOrig + (float64(c.i)+0.5)*g.Dx
		y := g.YOrig + (float64(c.j)+0.5)*g.Dy
		lon[k], lat[k], err = toLL(x, y)
		if err != nil {
			return nil, nil, fmt.Errorf("geoscfbc: transforming cell (%d,%d): %w", c.i, c.j, err)
		}
	}
	return lon, lat, nil
}
