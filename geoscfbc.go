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

// Package geoscfbc extracts GEOS-CF composition and meteorology along the
// perimeter of a CMAQ domain and assembles CMAQ-ready lateral boundary
// condition (BCON) and initial condition (ICON) files.
//
// The pipeline has three stages. The extraction stage maps the destination
// grid's perimeter cells onto the nearest GEOS-CF grid points, subsets the
// remote collections to a bounding window and then to the deduplicated
// perimeter points, and archives the result on disk. The translation stage
// combines the meteorology, gas chemistry, and aerosol extractions into
// CMAQ species using editable derivation-rule files, reorders cells into
// IOAPI perimeter storage order, and interpolates onto the destination
// vertical coordinate. The resampling stage stacks the per-timestep
// translated files for one calendar day and interpolates them onto the
// 25-hour inclusive hourly axis that CMAQ expects.
//
// Every stage writes to a path that is a deterministic function of grid,
// date, and variable group, and treats an existing (and structurally valid)
// output as a cache hit, so interrupted runs can be restarted and will only
// redo incomplete work.
package geoscfbc

import (
	"fmt"
	"path/filepath"
	"time"
)

// Version is the processor version recorded in output file provenance.
const Version = "1.1.0"

// speciesPrefix identifies the chemical mechanism pair the derivation
// rules target; it is part of the translated and daily file names.
const speciesPrefix = "geoscf_cb6r3_ae7"

// sourceTag identifies the GEOS-CF collection family in extraction file
// names: hourly time-averaged fields on the 1440x721 grid with 36 levels.
const sourceTag = "tavg_1hr_g1440x721_v36"

// stampFormat is the timestamp format used in all output file names.
const stampFormat = "2006-01-02T15"

// FType selects the artifact type: initial conditions cover the full
// domain at a single timestep, boundary conditions cover the domain
// perimeter over time. The numeric values match the IOAPI FTYPE convention.
type FType int

const (
	// ICON is the initial-condition artifact type (IOAPI FTYPE 1).
	ICON FType = 1
	// BCON is the boundary-condition artifact type (IOAPI FTYPE 2).
	BCON FType = 2
)

func (ft FType) String() string {
	switch ft {
	case ICON:
		return "ICON"
	case BCON:
		return "BCON"
	default:
		return fmt.Sprintf("FType(%d)", int(ft))
	}
}

func (ft FType) valid() bool { return ft == ICON || ft == BCON }

// dayDir returns the {grid}/{year}/{month}/{day} directory for date.
func dayDir(root, grid string, date time.Time) string {
	return filepath.Join(root, grid, date.Format("2006"), date.Format("01"), date.Format("02"))
}

// PerimPath returns the path of the perimeter lookup table side file
// for the given grid and artifact type: {grid}/{grid}_{ICON|BCON}.csv.
func PerimPath(root, grid string, ftype FType) string {
	return filepath.Join(root, grid, fmt.Sprintf("%s_%s.csv", grid, ftype))
}

// ExtractPath returns the path of a raw extraction file for one variable
// group and time window. ICON extractions carry an "_ICON" suffix so that
// they never share cache entries with BCON extractions, which cover a
// different cell set.
func ExtractPath(root, grid, group string, ftype FType, start, end time.Time, nhours int) string {
	name := fmt.Sprintf("%s_%s_%s_%s_%dh", group, sourceTag,
		start.Format(stampFormat), end.Format(stampFormat), nhours)
	if ftype == ICON {
		name += "_ICON"
	}
	return filepath.Join(dayDir(root, grid, start), name+".nc")
}

// TranslatePath returns the path of the per-timestep translated file.
func TranslatePath(root, grid string, ftype FType, date time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s_%s_1h.nc", ftype, speciesPrefix, grid,
		date.Format(stampFormat), date.Format(stampFormat))
	return filepath.Join(dayDir(root, grid, date), name)
}

// DailyPath returns the path of the daily 25-hour resampled file for the
// calendar day containing date.
func DailyPath(root, grid string, ftype FType, date time.Time) string {
	day := date.UTC().Truncate(24 * time.Hour)
	name := fmt.Sprintf("%s_%s_%s_%s_25h.nc", ftype, speciesPrefix, grid,
		day.Format(stampFormat))
	return filepath.Join(dayDir(root, grid, day), name)
}
