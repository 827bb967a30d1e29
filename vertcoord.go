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

	"github.com/ctessum/cdf"
)

// The GEOS-5 hybrid-pressure coefficients for the 36-level GEOS-CF grid:
// 37 layer-edge values ordered surface-up, with the edge pressure given by
// p = ap*100 + bp*psfc (ap in hPa). These describe the source coordinate
// and never change at runtime.
var cfAp = [37]float64{
	0.000000e+00, 4.804826e-02, 6.593752, 13.13480, 19.61311,
	26.09201, 32.57081, 38.98201, 45.33901, 51.69611,
	58.05321, 64.36264, 70.62198, 78.83422, 89.09992,
	99.36521, 109.1817, 118.9586, 128.6959, 142.9100,
	156.2600, 169.6090, 181.6190, 193.0970, 203.2590,
	212.1500, 218.7760, 223.8980, 224.3630, 216.8650,
	201.1920, 176.9300, 150.3930, 127.8370, 108.6630,
	92.36572, 78.51231,
}

var cfBp = [37]float64{
	1.000000, 0.9849520, 0.9634060, 0.9418650, 0.9203870,
	0.8989080, 0.8774290, 0.8560180, 0.8346609, 0.8133039,
	0.7919469, 0.7706375, 0.7493782, 0.7211660, 0.6858999,
	0.6506349, 0.6158184, 0.5810415, 0.5463042, 0.4945902,
	0.4437402, 0.3928911, 0.3433811, 0.2944031, 0.2467411,
	0.2003501, 0.1562241, 0.1136021, 0.06372006, 0.02801004,
	0.006960025, 8.175413e-04, 0, 0, 0, 0, 0,
}

const (
	// cfNLev is the number of layers in the GEOS-CF vertical grid.
	cfNLev = 36

	// cfRefPressure is the reference surface pressure [Pa] used to place
	// both the source and destination coordinates on a common pressure
	// axis.
	cfRefPressure = 101325.0

	// cfVGTop is the source model-top pressure [Pa].
	cfVGTop = 5000.0
)

// cfSigmaEdges returns the 37 sigma values of the source layer edges,
// computed from the hybrid coefficients at the reference surface
// pressure. They decrease monotonically from 1 at the surface; the top
// edge is about 0.03, not 0, because the 36-level grid tops out near
// 78.5 hPa, above the 5000 Pa sigma reference top.
func cfSigmaEdges() []float64 {
	edges := make([]float64, cfNLev+1)
	for k := 0; k <= cfNLev; k++ {
		p := cfAp[k]*100 + cfBp[k]*cfRefPressure
		edges[k] = (p - cfVGTop) / (cfRefPressure - cfVGTop)
	}
	return edges
}

// VerticalGrid is a destination vertical coordinate: sigma-pressure layer
// edges ordered surface-up plus the model-top pressure.
type VerticalGrid struct {
	// VGTyp is the IOAPI vertical coordinate type code.
	VGTyp int32

	// Levels holds the nlayers+1 sigma layer-edge values, surface-up.
	Levels []float64

	// Top is the model-top pressure [Pa].
	Top float64
}

// NLayers returns the number of layers.
func (vg *VerticalGrid) NLayers() int { return len(vg.Levels) - 1 }

// Mids returns the sigma values of the layer midpoints.
func (vg *VerticalGrid) Mids() []float64 {
	mids := make([]float64, vg.NLayers())
	for k := range mids {
		mids[k] = (vg.Levels[k] + vg.Levels[k+1]) / 2
	}
	return mids
}

// Pressure converts a sigma value on this coordinate to pressure [Pa] at
// the reference surface pressure.
func (vg *VerticalGrid) Pressure(sigma float64) float64 {
	return sigma*(cfRefPressure-vg.Top) + vg.Top
}

// DefaultVerticalGrid returns the 35-layer sigma coordinate used by the
// standard US EPA CMAQ configurations, for runs without a vertical
// reference file.
func DefaultVerticalGrid() *VerticalGrid {
	return &VerticalGrid{
		VGTyp: -9999,
		Top:   5000.0,
		Levels: []float64{
			1.0000, 0.9975, 0.9950, 0.9900, 0.9850, 0.9800,
			0.9700, 0.9600, 0.9500, 0.9400, 0.9300, 0.9200,
			0.9100, 0.9000, 0.8800, 0.8600, 0.8400, 0.8200,
			0.8000, 0.7700, 0.7400, 0.7000, 0.6500, 0.6000,
			0.5500, 0.5000, 0.4500, 0.4000, 0.3500, 0.3000,
			0.2500, 0.2000, 0.1500, 0.1000, 0.0500, 0.0000,
		},
	}
}

// ReadVerticalGrid reads the destination vertical coordinate from the
// VGTYP, VGTOP, and VGLVLS global attributes of an IOAPI NetCDF file such
// as a METCRO3D meteorology file.
func ReadVerticalGrid(path string) (*VerticalGrid, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return nil, fmt.Errorf("geoscfbc: opening %s: %w", path, err)
	}
	vg := new(VerticalGrid)
	switch v := f.Header.GetAttribute("", "VGTYP").(type) {
	case []int32:
		if len(v) == 0 {
			return nil, fmt.Errorf("geoscfbc: %s: empty VGTYP attribute", path)
		}
		vg.VGTyp = v[0]
	default:
		return nil, fmt.Errorf("geoscfbc: %s: missing VGTYP attribute", path)
	}
	switch v := f.Header.GetAttribute("", "VGTOP").(type) {
	case []float32:
		if len(v) == 0 {
			return nil, fmt.Errorf("geoscfbc: %s: empty VGTOP attribute", path)
		}
		vg.Top = float64(v[0])
	default:
		return nil, fmt.Errorf("geoscfbc: %s: missing VGTOP attribute", path)
	}
	switch v := f.Header.GetAttribute("", "VGLVLS").(type) {
	case []float32:
		if len(v) < 2 {
			return nil, fmt.Errorf("geoscfbc: %s: VGLVLS has %d values", path, len(v))
		}
		vg.Levels = make([]float64, len(v))
		for i, l := range v {
			vg.Levels[i] = float64(l)
		}
	default:
		return nil, fmt.Errorf("geoscfbc: %s: missing VGLVLS attribute", path)
	}
	if vg.Levels[0] < vg.Levels[len(vg.Levels)-1] {
		return nil, fmt.Errorf("geoscfbc: %s: VGLVLS must be ordered surface-up", path)
	}
	return vg, nil
}

// interpColumn linearly interpolates the column values srcV, located at
// pressures srcP [Pa] decreasing with index, onto the pressures destP.
// Destination pressures outside the source range take the nearest end
// value rather than extrapolating.
func interpColumn(srcP, srcV, destP []float64) []float64 {
	out := make([]float64, len(destP))
	for i, p := range destP {
		switch {
		case p >= srcP[0]:
			out[i] = srcV[0]
		case p <= srcP[len(srcP)-1]:
			out[i] = srcV[len(srcV)-1]
		default:
			k := 0
			for srcP[k+1] > p {
				k++
			}
			frac := (srcP[k] - p) / (srcP[k] - srcP[k+1])
			out[i] = srcV[k] + frac*(srcV[k+1]-srcV[k])
		}
	}
	return out
}
