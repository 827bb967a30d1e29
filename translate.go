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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// A Translator turns archived extractions into CMAQ species on the
// destination grid and vertical coordinate.
type Translator struct {
	Grid  *Grid
	FType FType

	// Map is the cell-to-point mapping the extractions were made with.
	Map *PerimeterMap

	MetRules, GasRules, AeroRules *RuleSet

	// VG is the destination vertical coordinate.
	VG *VerticalGrid

	// Root is the archive root the extractions live under and the
	// translated files are written to.
	Root string

	Log *logrus.Logger
}

func (tr *Translator) logger() *logrus.Logger {
	if tr.Log != nil {
		return tr.Log
	}
	return logrus.StandardLogger()
}

// A TranslateResult holds translated species for one timestamp before
// they are written to disk.
type TranslateResult struct {
	// Times are the source snapshot times.
	Times []time.Time

	// Names lists the species in output order.
	Names []string

	// Species maps each name to its data: (time, layer, PERIM) for
	// boundary output or (time, layer, row, col) for initial-condition
	// output, layers ordered surface-up on the destination coordinate.
	Species map[string]*sparse.DenseArray

	// Units maps each species to its padded IOAPI unit string.
	Units map[string]string
}

// ruleSets returns the rule sets in output order.
func (tr *Translator) ruleSets() []*RuleSet {
	return []*RuleSet{tr.GasRules, tr.AeroRules, tr.MetRules}
}

// Translate derives the CMAQ species for the extraction at date, kept in
// memory.
func (tr *Translator) Translate(date time.Time) (*TranslateResult, error) {
	namespace, times, err := tr.loadNamespace(date)
	if err != nil {
		return nil, err
	}
	if delp, ok := namespace["delp"]; ok {
		namespace["pres"] = pressureMid(delp)
	}
	if zl, ok := namespace["zl"]; ok {
		namespace["zf"] = layerTop(zl)
	}

	result := &TranslateResult{
		Times:   times,
		Species: make(map[string]*sparse.DenseArray),
		Units:   make(map[string]string),
	}
	for _, rs := range tr.ruleSets() {
		species, err := rs.Evaluate(namespace)
		if err != nil {
			return nil, err
		}
		for _, name := range rs.Names() {
			v := species[name]
			if len(v.Shape) != 3 {
				return nil, fmt.Errorf("geoscfbc: species %s has shape %v; outputs must have (time, layer, point) dimensions",
					name, v.Shape)
			}
			cells, err := tr.toCells(v)
			if err != nil {
				return nil, fmt.Errorf("geoscfbc: species %s: %w", name, err)
			}
			out := tr.toDestLayers(cells)
			if tr.FType == ICON {
				// The cell dimension is in row-major domain order, so it
				// splits directly into (row, col).
				grid := sparse.ZerosDense(out.Shape[0], out.Shape[1], tr.Grid.NY, tr.Grid.NX)
				copy(grid.Elements, out.Elements)
				out = grid
			}
			result.Species[name] = out
			result.Units[name] = rs.Units(name)
			result.Names = append(result.Names, name)
		}
	}
	return result, nil
}

// TranslateToFile translates the extraction at date and writes the
// result, skipping dates whose output already exists unless overwrite is
// set.
func (tr *Translator) TranslateToFile(date time.Time, overwrite bool) (string, error) {
	out := TranslatePath(tr.Root, tr.Grid.Name, tr.FType, date)
	if !overwrite && validNCF(out, "TFLAG") {
		tr.logger().WithFields(logrus.Fields{"path": out}).Info("translation already exists")
		return out, nil
	}
	result, err := tr.Translate(date)
	if err != nil {
		return "", err
	}
	if err := tr.write(out, date, result); err != nil {
		return "", err
	}
	tr.logger().WithFields(logrus.Fields{"path": out}).Info("wrote translation")
	return out, nil
}

// TranslateAll translates every date in dates, returning the output
// paths in the same order.
func (tr *Translator) TranslateAll(dates []time.Time, overwrite bool) ([]string, error) {
	paths := make([]string, 0, len(dates))
	for _, d := range dates {
		p, err := tr.TranslateToFile(d, overwrite)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// loadNamespace reads the three group extractions for date into a single
// variable namespace, checking that their snapshot times agree.
func (tr *Translator) loadNamespace(date time.Time) (map[string]*sparse.DenseArray, []time.Time, error) {
	namespace := make(map[string]*sparse.DenseArray)
	var times []time.Time
	load := func(group string, vars []string) error {
		if len(vars) == 0 {
			return nil
		}
		path := ExtractPath(tr.Root, tr.Grid.Name, group, tr.FType, date, date.Add(45*time.Minute), 1)
		if _, err := os.Stat(path); err != nil {
			return &MissingInputError{Grid: tr.Grid.Name, Group: group, Date: date, Path: path}
		}
		data, err := readNCFFrom(path, append([]string{"time"}, vars...)...)
		if err != nil {
			return err
		}
		ts := make([]time.Time, len(data["time"].Elements))
		for i, s := range data["time"].Elements {
			ts[i] = time.Unix(int64(s), 0).UTC()
		}
		if times == nil {
			times = ts
		} else if !sameTimes(times, ts) {
			return fmt.Errorf("geoscfbc: %s: snapshot times disagree with earlier group", path)
		}
		for _, v := range vars {
			namespace[v] = data[v]
		}
		return nil
	}

	metVars, chmVars, xgcVars := VarLists(tr.MetRules, tr.GasRules, tr.AeroRules)
	if err := load("met", metVars); err != nil {
		return nil, nil, err
	}
	if err := load("chm", chmVars); err != nil {
		return nil, nil, err
	}
	if err := load("xgc", xgcVars); err != nil {
		return nil, nil, err
	}
	return namespace, times, nil
}

func sameTimes(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// pressureMid returns layer-midpoint pressures [Pa] with the same
// (time, layer, point) shape and top-down layer order as delp,
// accumulated downward from the fixed model-top edge pressure.
func pressureMid(delp *sparse.DenseArray) *sparse.DenseArray {
	nt, nlev, np := delp.Shape[0], delp.Shape[1], delp.Shape[2]
	out := sparse.ZerosDense(nt, nlev, np)
	ptop := cfAp[cfNLev] * 100
	for it := 0; it < nt; it++ {
		for u := 0; u < np; u++ {
			edge := ptop
			for k := 0; k < nlev; k++ {
				d := delp.Get(it, k, u)
				out.Set(edge+d/2, it, k, u)
				edge += d
			}
		}
	}
	return out
}

// layerTop returns layer-top heights [m] with the same shape and
// top-down layer order as the layer-midpoint heights zl. Working up from
// the surface, each layer's top is the reflection of its midpoint about
// the layer's bottom.
func layerTop(zl *sparse.DenseArray) *sparse.DenseArray {
	nt, nlev, np := zl.Shape[0], zl.Shape[1], zl.Shape[2]
	out := sparse.ZerosDense(nt, nlev, np)
	for it := 0; it < nt; it++ {
		for u := 0; u < np; u++ {
			bottom := 0.0
			for ksu := 0; ksu < nlev; ksu++ {
				ktd := nlev - 1 - ksu
				top := 2*zl.Get(it, ktd, u) - bottom
				out.Set(top, it, ktd, u)
				bottom = top
			}
		}
	}
	return out
}

// toCells expands a deduplicated-point array (time, layer, PERIM) to the
// full destination cell set in storage order, reversing layers to
// surface-up in the same pass.
func (tr *Translator) toCells(v *sparse.DenseArray) (*sparse.DenseArray, error) {
	nt, nlev := v.Shape[0], v.Shape[1]
	if v.Shape[2] != tr.Map.NUnique() {
		return nil, fmt.Errorf("extraction has %d points, mapping has %d", v.Shape[2], tr.Map.NUnique())
	}
	ncells := len(tr.Map.Perim)
	out := sparse.ZerosDense(nt, nlev, ncells)
	for it := 0; it < nt; it++ {
		for k := 0; k < nlev; k++ {
			for c := 0; c < ncells; c++ {
				out.Set(v.Get(it, nlev-1-k, tr.Map.Perim[c]), it, k, c)
			}
		}
	}
	return out, nil
}

// toDestLayers interpolates a surface-up (time, layer, cell) array from
// the source coordinate onto the destination layers, linearly in
// pressure at the reference surface pressure.
func (tr *Translator) toDestLayers(v *sparse.DenseArray) *sparse.DenseArray {
	nt, nlev, ncells := v.Shape[0], v.Shape[1], v.Shape[2]

	srcEdges := cfSigmaEdges()
	srcP := make([]float64, nlev)
	for k := 0; k < nlev; k++ {
		sigma := (srcEdges[k] + srcEdges[k+1]) / 2
		srcP[k] = sigma*(cfRefPressure-cfVGTop) + cfVGTop
	}
	destP := make([]float64, tr.VG.NLayers())
	for k, sigma := range tr.VG.Mids() {
		destP[k] = tr.VG.Pressure(sigma)
	}

	out := sparse.ZerosDense(nt, len(destP), ncells)
	col := make([]float64, nlev)
	for it := 0; it < nt; it++ {
		for c := 0; c < ncells; c++ {
			for k := 0; k < nlev; k++ {
				col[k] = v.Get(it, k, c)
			}
			for k, val := range interpColumn(srcP, col, destP) {
				out.Set(val, it, k, c)
			}
		}
	}
	return out
}

// tflag returns the IOAPI (YYYYDDD, HHMMSS) pair for t.
func tflag(t time.Time) (int32, int32) {
	return int32(t.Year()*1000 + t.YearDay()),
		int32(t.Hour()*10000 + t.Minute()*100 + t.Second())
}

// ljust16 pads s to the 16-character IOAPI name field width.
func ljust16(s string) string {
	if len(s) < 16 {
		return s + strings.Repeat(" ", 16-len(s))
	}
	return s
}

// write writes an IOAPI-convention NetCDF file holding the translated
// species.
func (tr *Translator) write(path string, date time.Time, result *TranslateResult) error {
	nt := len(result.Times)
	nlay := tr.VG.NLayers()
	nvars := len(result.Names)

	var dims []string
	var lengths []int
	if tr.FType == BCON {
		dims = []string{"TSTEP", "DATE-TIME", "LAY", "VAR", "PERIM"}
		lengths = []int{nt, 2, nlay, nvars, len(tr.Map.Perim)}
	} else {
		dims = []string{"TSTEP", "DATE-TIME", "LAY", "VAR", "ROW", "COL"}
		lengths = []int{nt, 2, nlay, nvars, tr.Grid.NY, tr.Grid.NX}
	}
	h := cdf.NewHeader(dims, lengths)
	h.AddVariable("TFLAG", []string{"TSTEP", "VAR", "DATE-TIME"}, []int32{})
	h.AddAttribute("TFLAG", "units", "<YYYYDDD,HHMMSS>")
	h.AddAttribute("TFLAG", "long_name", ljust16("TFLAG"))
	h.AddAttribute("TFLAG", "var_desc", "Timestep-valid flags:  (1) YYYYDDD or (2) HHMMSS")
	for _, name := range result.Names {
		if tr.FType == BCON {
			h.AddVariable(name, []string{"TSTEP", "LAY", "PERIM"}, []float32{})
		} else {
			h.AddVariable(name, []string{"TSTEP", "LAY", "ROW", "COL"}, []float32{})
		}
		h.AddAttribute(name, "long_name", ljust16(name))
		h.AddAttribute(name, "units", result.Units[name])
		h.AddAttribute(name, "var_desc", ljust16(name))
	}

	// Output steps carry the requested whole hours. The source snapshots
	// are center-stamped, and a :30 start time would match no CMAQ
	// simulation hour.
	sdate, stime := tflag(date)
	vglvls := make([]float32, len(tr.VG.Levels))
	for i, l := range tr.VG.Levels {
		vglvls[i] = float32(l)
	}
	varList := make([]string, nvars)
	for i, name := range result.Names {
		varList[i] = ljust16(name)
	}
	h.AddAttribute("", "FTYPE", []int32{int32(tr.FType)})
	h.AddAttribute("", "SDATE", []int32{sdate})
	h.AddAttribute("", "STIME", []int32{stime})
	h.AddAttribute("", "TSTEP", []int32{10000})
	h.AddAttribute("", "NCOLS", []int32{int32(tr.Grid.NX)})
	h.AddAttribute("", "NROWS", []int32{int32(tr.Grid.NY)})
	h.AddAttribute("", "NLAYS", []int32{int32(nlay)})
	h.AddAttribute("", "NTHIK", []int32{int32(tr.Grid.NThik)})
	h.AddAttribute("", "NVARS", []int32{int32(nvars)})
	h.AddAttribute("", "VGTYP", []int32{tr.VG.VGTyp})
	h.AddAttribute("", "VGTOP", []float32{float32(tr.VG.Top)})
	h.AddAttribute("", "VGLVLS", vglvls)
	h.AddAttribute("", "GDNAM", ljust16(tr.Grid.Name))
	h.AddAttribute("", "VAR-LIST", strings.Join(varList, ""))
	h.AddAttribute("", "FILEDESC", fmt.Sprintf("%s from GEOS-CF for grid %s at %s",
		tr.FType, tr.Grid.Name, date.Format(stampFormat)))
	h.AddAttribute("", "HISTORY", "geoscfbc v"+Version)
	h.AddAttribute("", "description", "species derivation rules:\n"+
		tr.GasRules.Text()+tr.AeroRules.Text()+tr.MetRules.Text())

	return createNCF(path, h, func(f *cdf.File) error {
		flags := make([]int32, nt*nvars*2)
		for it := 0; it < nt; it++ {
			d, hh := tflag(date.Add(time.Duration(it) * time.Hour))
			for iv := 0; iv < nvars; iv++ {
				flags[(it*nvars+iv)*2] = d
				flags[(it*nvars+iv)*2+1] = hh
			}
		}
		if err := writeNCFInt(f, "TFLAG", flags); err != nil {
			return err
		}
		for _, name := range result.Names {
			if err := writeNCF(f, name, result.Species[name]); err != nil {
				return err
			}
		}
		return nil
	})
}
