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

// concentrationFloor is the minimum value written to resampled species.
// CMAQ treats exact zeros and negative concentrations as errors.
const concentrationFloor = 1e-30

// A Resampler interpolates per-timestep translated files onto the
// 25-hour inclusive hourly axis of a CMAQ boundary-condition day.
type Resampler struct {
	Grid  *Grid
	FType FType

	// Root is the archive root holding the translated inputs and
	// receiving the daily outputs.
	Root string

	// InFreq is the spacing of the translated input files. It must
	// divide 24 hours evenly.
	InFreq time.Duration

	Log *logrus.Logger

	// now overrides the clock for provenance attributes in tests.
	now func() time.Time
}

func (rs *Resampler) logger() *logrus.Logger {
	if rs.Log != nil {
		return rs.Log
	}
	return logrus.StandardLogger()
}

func (rs *Resampler) clock() time.Time {
	if rs.now != nil {
		return rs.now()
	}
	return time.Now().UTC()
}

// Day assembles the daily file for the calendar day containing date from
// the translated files at the day's timestamps plus hour 24, which is
// hour zero of the next day. An existing valid output is returned
// directly unless overwrite is set.
func (rs *Resampler) Day(date time.Time, overwrite bool) (string, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	out := DailyPath(rs.Root, rs.Grid.Name, rs.FType, day)
	if !overwrite && validNCF(out, "TFLAG") {
		rs.logger().WithFields(logrus.Fields{"path": out}).Info("daily file already exists")
		return out, nil
	}
	if rs.InFreq <= 0 || 24*time.Hour%rs.InFreq != 0 {
		return "", fmt.Errorf("geoscfbc: input frequency %v does not divide 24h", rs.InFreq)
	}
	nin := int(24*time.Hour/rs.InFreq) + 1

	inTimes := make([]time.Time, nin)
	inPaths := make([]string, nin)
	for i := range inTimes {
		inTimes[i] = day.Add(time.Duration(i) * rs.InFreq)
		inPaths[i] = TranslatePath(rs.Root, rs.Grid.Name, rs.FType, inTimes[i])
		if _, err := os.Stat(inPaths[i]); err != nil {
			return "", &MissingInputError{
				Grid: rs.Grid.Name, Group: "translated",
				Date: inTimes[i], Path: inPaths[i],
			}
		}
	}

	ff, err := os.Open(inPaths[0])
	if err != nil {
		return "", err
	}
	first, err := cdf.Open(ff)
	if err != nil {
		ff.Close()
		return "", fmt.Errorf("geoscfbc: opening %s: %w", inPaths[0], err)
	}
	var names []string
	for _, v := range first.Header.Variables() {
		if v != "TFLAG" {
			names = append(names, v)
		}
	}
	h, err := rs.outputHeader(first.Header, names, day, inTimes)
	ff.Close()
	if err != nil {
		return "", err
	}

	inputs := make([]map[string]*sparse.DenseArray, nin)
	for i, p := range inPaths {
		if inputs[i], err = readNCFFrom(p, names...); err != nil {
			return "", err
		}
	}

	const nout = 25
	err = createNCF(out, h, func(f *cdf.File) error {
		nvars := len(names)
		flags := make([]int32, nout*nvars*2)
		for ih := 0; ih < nout; ih++ {
			d, hh := tflag(day.Add(time.Duration(ih) * time.Hour))
			for iv := 0; iv < nvars; iv++ {
				flags[(ih*nvars+iv)*2] = d
				flags[(ih*nvars+iv)*2+1] = hh
			}
		}
		if err := writeNCFInt(f, "TFLAG", flags); err != nil {
			return err
		}
		for _, v := range names {
			data, err := resampleVar(v, inputs, rs.InFreq, nout)
			if err != nil {
				return err
			}
			if err := writeNCF(f, v, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	rs.logger().WithFields(logrus.Fields{"path": out, "inputs": nin}).Info("wrote daily file")
	return out, nil
}

// outputHeader builds the daily file header by copying the structure and
// attributes of the first input with the time dimension widened to 25
// steps and the provenance attributes updated.
func (rs *Resampler) outputHeader(in *cdf.Header, names []string, day time.Time, inTimes []time.Time) (*cdf.Header, error) {
	dims := in.Dimensions("")
	lengths := in.Lengths("")
	for i, d := range dims {
		if d == "TSTEP" {
			lengths[i] = 25
		}
	}
	h := cdf.NewHeader(dims, lengths)
	h.AddVariable("TFLAG", in.Dimensions("TFLAG"), []int32{})
	copyAttributes(in, h, "TFLAG")
	for _, v := range names {
		h.AddVariable(v, in.Dimensions(v), in.ZeroValue(v, 0))
		copyAttributes(in, h, v)
	}
	// The provenance attributes are rewritten below; copying them too
	// would panic on the duplicate add.
	overridden := map[string]bool{
		"SDATE": true, "STIME": true, "TSTEP": true,
		"CDATE": true, "CTIME": true, "WDATE": true, "WTIME": true,
		"FILEDESC": true, "HISTORY": true,
	}
	for _, a := range in.Attributes("") {
		if !overridden[a] {
			h.AddAttribute("", a, in.GetAttribute("", a))
		}
	}

	sdate, stime := tflag(day)
	now := rs.clock()
	ndate, ntime := tflag(now)
	stamps := make([]string, len(inTimes))
	for i, t := range inTimes {
		stamps[i] = t.Format(stampFormat)
	}
	h.AddAttribute("", "SDATE", []int32{sdate})
	h.AddAttribute("", "STIME", []int32{stime})
	h.AddAttribute("", "TSTEP", []int32{10000})
	h.AddAttribute("", "CDATE", []int32{ndate})
	h.AddAttribute("", "CTIME", []int32{ntime})
	h.AddAttribute("", "WDATE", []int32{ndate})
	h.AddAttribute("", "WTIME", []int32{ntime})
	h.AddAttribute("", "FILEDESC", "hourly interpolation of translated files at "+
		strings.Join(stamps, ", "))
	h.AddAttribute("", "HISTORY", "geoscfbc v"+Version)
	return h, nil
}

// resampleVar linearly interpolates one variable from the input files
// onto nout hourly steps, flooring the result so CMAQ never sees a zero
// or negative concentration.
func resampleVar(name string, inputs []map[string]*sparse.DenseArray, inFreq time.Duration, nout int) (*sparse.DenseArray, error) {
	first := inputs[0][name]
	// Input files hold a single timestep; the per-step slab is
	// everything after the time dimension.
	slab := len(first.Elements)
	outShape := append([]int{nout}, first.Shape[1:]...)
	out := sparse.ZerosDense(outShape...)
	for ih := 0; ih < nout; ih++ {
		offset := time.Duration(ih) * time.Hour
		i0 := int(offset / inFreq)
		frac := float64(offset%inFreq) / float64(inFreq)
		a := inputs[i0][name]
		if len(a.Elements) != slab {
			return nil, fmt.Errorf("geoscfbc: variable %s changes shape between inputs", name)
		}
		var b *sparse.DenseArray
		if frac > 0 {
			b = inputs[i0+1][name]
			if len(b.Elements) != slab {
				return nil, fmt.Errorf("geoscfbc: variable %s changes shape between inputs", name)
			}
		}
		for i := 0; i < slab; i++ {
			v := a.Elements[i]
			if frac > 0 {
				v = (1-frac)*v + frac*b.Elements[i]
			}
			if v < concentrationFloor {
				v = concentrationFloor
			}
			out.Elements[ih*slab+i] = v
		}
	}
	return out, nil
}
