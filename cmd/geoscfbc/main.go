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

// Command geoscfbc creates CMAQ boundary and initial condition files
// from GEOS-CF output.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/geoscfbc/geoscfbcutil"
)

func main() {
	if err := geoscfbcutil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
