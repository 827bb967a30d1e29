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
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds everything a pipeline run needs.
type Config struct {
	// Grid is the destination grid name and GridDescPath the GRIDDESC
	// file defining it.
	Grid         string
	GridDescPath string

	// Start and End bound the requested period, inclusive, and Freq is
	// the spacing of extracted timestamps (default 3 hours). Timestamps
	// are whole hours.
	Start, End time.Time
	Freq       time.Duration

	// VerticalRef is an optional IOAPI meteorology file carrying the
	// destination vertical coordinate; empty means the built-in
	// default.
	VerticalRef string

	// FType selects boundary or initial conditions.
	FType FType

	// Root is the archive and output directory.
	Root string

	// ExtractOnly stops the pipeline after the fetch stage.
	ExtractOnly bool

	// Workers bounds the number of concurrently processed units
	// (default GOMAXPROCS).
	Workers int

	// MaxTries and Sleep configure the fetch retry budget and request
	// pacing; zero means the defaults.
	MaxTries int
	Sleep    time.Duration

	// Met, Chm, and Xgc override the source collections; nil means the
	// NASA GMAO OpenDAP service.
	Met, Chm, Xgc Dataset

	// MetRulePath, GasRulePath, and AeroRulePath override the embedded
	// derivation rule files.
	MetRulePath, GasRulePath, AeroRulePath string

	Log *logrus.Logger
}

func (c *Config) logger() *logrus.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

func (c *Config) freq() time.Duration {
	if c.Freq > 0 {
		return c.Freq
	}
	return 3 * time.Hour
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// unit is one independently processable piece of work: a calendar day
// for boundary conditions or a single timestamp for initial conditions.
type unit struct {
	index  int
	stamps []time.Time
	day    time.Time
}

// Default runs the whole pipeline for c and returns the final output
// paths in chronological order: daily 25-hour files for boundary
// conditions or per-timestamp files for initial conditions. Units fail
// independently; outputs of the units that succeeded are returned along
// with an error describing the ones that did not.
func Default(ctx context.Context, c *Config) ([]string, error) {
	if !c.FType.valid() {
		return nil, fmt.Errorf("geoscfbc: invalid file type %d", int(c.FType))
	}
	if c.End.Before(c.Start) {
		return nil, fmt.Errorf("geoscfbc: period end %s is before start %s",
			c.End.Format(stampFormat), c.Start.Format(stampFormat))
	}
	freq := c.freq()
	if freq%time.Hour != 0 {
		return nil, fmt.Errorf("geoscfbc: frequency %v is not a whole number of hours", freq)
	}

	grid, err := ReadGridDesc(c.GridDescPath, c.Grid)
	if err != nil {
		return nil, err
	}
	vg := DefaultVerticalGrid()
	if c.VerticalRef != "" {
		if vg, err = ReadVerticalGrid(c.VerticalRef); err != nil {
			return nil, err
		}
	}
	metRules, err := LoadRuleSet(c.MetRulePath, "met")
	if err != nil {
		return nil, err
	}
	gasRules, err := LoadRuleSet(c.GasRulePath, "gas")
	if err != nil {
		return nil, err
	}
	aeroRules, err := LoadRuleSet(c.AeroRulePath, "aerosol")
	if err != nil {
		return nil, err
	}
	metVars, chmVars, xgcVars := VarLists(metRules, gasRules, aeroRules)

	met, chm, xgc := c.Met, c.Chm, c.Xgc
	if met == nil {
		met = NewDODSDataset("met_" + sourceTag)
	}
	if chm == nil {
		chm = NewDODSDataset("chm_" + sourceTag)
	}
	if xgc == nil {
		xgc = NewDODSDataset("xgc_" + sourceTag)
	}

	units, err := buildUnits(c.Start, c.End, freq, c.FType)
	if err != nil {
		return nil, err
	}
	c.logger().WithFields(logrus.Fields{
		"grid": grid.Name, "ftype": c.FType.String(), "units": len(units),
		"workers": c.workers(),
	}).Info("starting pipeline")

	type outcome struct {
		index int
		path  string
		err   error
	}
	jobs := make(chan unit)
	outcomes := make(chan outcome)
	var wg sync.WaitGroup
	for w := 0; w < c.workers(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				ex := &Extractor{
					Grid: grid, FType: c.FType,
					Met: met, Chm: chm, Xgc: xgc,
					MetVars: metVars, ChmVars: chmVars, XgcVars: xgcVars,
					OutDir: c.Root, MaxTries: c.MaxTries, Sleep: c.Sleep,
					Log: c.Log,
				}
				path, err := runUnit(ctx, c, u, ex, grid, vg, metRules, gasRules, aeroRules)
				outcomes <- outcome{index: u.index, path: path, err: err}
			}
		}()
	}
	go func() {
		for _, u := range units {
			jobs <- u
		}
		close(jobs)
		wg.Wait()
		close(outcomes)
	}()

	results := make([]outcome, 0, len(units))
	for o := range outcomes {
		results = append(results, o)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	var paths []string
	var failures []string
	for _, o := range results {
		if o.err != nil {
			failures = append(failures, fmt.Sprintf("unit %d: %v", o.index, o.err))
			c.logger().WithError(o.err).WithFields(logrus.Fields{"unit": o.index}).Error("unit failed")
			continue
		}
		if o.path != "" {
			paths = append(paths, o.path)
		}
	}
	if len(failures) > 0 {
		return paths, fmt.Errorf("geoscfbc: %d of %d units failed:\n%s",
			len(failures), len(units), strings.Join(failures, "\n"))
	}
	return paths, nil
}

// buildUnits splits the requested period into work units. Boundary
// conditions are made per complete calendar day; the trailing day is
// dropped because its hour-24 boundary falls outside the period. Initial
// conditions are made per timestamp.
func buildUnits(start, end time.Time, freq time.Duration, ftype FType) ([]unit, error) {
	var stamps []time.Time
	for t := start.UTC().Truncate(time.Hour); !t.After(end); t = t.Add(freq) {
		stamps = append(stamps, t)
	}
	if len(stamps) == 0 {
		return nil, fmt.Errorf("geoscfbc: no timestamps in period")
	}
	if ftype == ICON {
		units := make([]unit, len(stamps))
		for i, t := range stamps {
			units[i] = unit{index: i, stamps: []time.Time{t}, day: t}
		}
		return units, nil
	}
	seen := make(map[time.Time]bool)
	var days []time.Time
	for _, t := range stamps {
		d := t.Truncate(24 * time.Hour)
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	if len(days) < 2 {
		return nil, fmt.Errorf("geoscfbc: period [%s, %s] does not cover a complete day",
			start.Format(stampFormat), end.Format(stampFormat))
	}
	days = days[:len(days)-1]
	units := make([]unit, len(days))
	for i, d := range days {
		var ds []time.Time
		for t := d; !t.After(d.Add(24 * time.Hour)); t = t.Add(freq) {
			ds = append(ds, t)
		}
		units[i] = unit{index: i, stamps: ds, day: d}
	}
	return units, nil
}

// runUnit takes one unit end-to-end: extract, translate, resample. The
// shared hour-24 boundary between adjacent days may be processed twice
// concurrently; the atomic output writes make that harmless.
func runUnit(ctx context.Context, c *Config, u unit, ex *Extractor, grid *Grid, vg *VerticalGrid, metRules, gasRules, aeroRules *RuleSet) (string, error) {
	pm, _, err := ex.Extract(ctx, u.stamps)
	if err != nil {
		return "", err
	}
	if c.ExtractOnly {
		return "", nil
	}
	trl := &Translator{
		Grid: grid, FType: c.FType, Map: pm,
		MetRules: metRules, GasRules: gasRules, AeroRules: aeroRules,
		VG: vg, Root: c.Root, Log: c.Log,
	}
	if c.FType == ICON {
		return trl.TranslateToFile(u.stamps[0], false)
	}
	if _, err := trl.TranslateAll(u.stamps, false); err != nil {
		return "", err
	}
	rs := &Resampler{
		Grid: grid, FType: c.FType, Root: c.Root,
		InFreq: c.freq(), Log: c.Log,
	}
	return rs.Day(u.day, false)
}
