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
	"time"
)

// MissingInputError reports that a pipeline stage could not find an input
// file that an earlier stage should have produced.
type MissingInputError struct {
	Grid  string
	Group string
	Date  time.Time
	Path  string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("geoscfbc: grid %s: missing %s input for %s: %s",
		e.Grid, e.Group, e.Date.Format(stampFormat), e.Path)
}

// RetriesExhaustedError reports that a remote fetch failed after the
// configured number of attempts. Last holds the error from the final
// attempt.
type RetriesExhaustedError struct {
	Tries int
	Last  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("geoscfbc: fetch failed after %d attempts: %v", e.Tries, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }
