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
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/ctessum/sparse"
)

func TestDefaultRuleSets(t *testing.T) {
	cases := []struct {
		group string
		want  int
	}{
		{"met", 7},
		{"gas", 19},
		{"aerosol", 13},
	}
	for _, c := range cases {
		t.Run(c.group, func(t *testing.T) {
			rs, err := DefaultRuleSet(c.group)
			if err != nil {
				t.Fatal(err)
			}
			if len(rs.Rules) != c.want {
				t.Errorf("got %d rules, want %d", len(rs.Rules), c.want)
			}
		})
	}
	if _, err := DefaultRuleSet("nope"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestParseRuleSetErrors(t *testing.T) {
	cases := []struct {
		name, text string
	}{
		{"missing equals", "O3 o3 * 1000000.0\n"},
		{"empty expression", "O3 = \n"},
		{"bad expression", "O3 = o3 * * 2\n"},
		{"duplicate species", "O3 = o3\nO3 = o3 * 2\n"},
		{"space in name", "O 3 = o3\n"},
		{"no rules", "# only a comment\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := ParseRuleSet(strings.NewReader(c.text), "gas"); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestRuleSetEvaluate(t *testing.T) {
	rs, err := ParseRuleSet(strings.NewReader(
		"A = x * 2 + y\nB = max(x, y)\nC = sqrt(x)\n"), "gas")
	if err != nil {
		t.Fatal(err)
	}

	x := sparse.ZerosDense(2, 2)
	y := sparse.ZerosDense(2, 2)
	for i := range x.Elements {
		x.Elements[i] = float64(i + 1)
		y.Elements[i] = 10 - float64(i)
	}
	namespace := map[string]*sparse.DenseArray{"x": x, "y": y}

	out, err := rs.Evaluate(namespace)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x.Elements {
		if got, want := out["A"].Elements[i], x.Elements[i]*2+y.Elements[i]; got != want {
			t.Errorf("A[%d]: got %g, want %g", i, got, want)
		}
		if got, want := out["B"].Elements[i], math.Max(x.Elements[i], y.Elements[i]); got != want {
			t.Errorf("B[%d]: got %g, want %g", i, got, want)
		}
		if got, want := out["C"].Elements[i], math.Sqrt(x.Elements[i]); got != want {
			t.Errorf("C[%d]: got %g, want %g", i, got, want)
		}
	}

	t.Run("missing variable", func(t *testing.T) {
		if _, err := rs.Evaluate(map[string]*sparse.DenseArray{"x": x}); err == nil {
			t.Error("expected error for missing variable")
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		bad := map[string]*sparse.DenseArray{"x": x, "y": sparse.ZerosDense(3)}
		if _, err := rs.Evaluate(bad); err == nil {
			t.Error("expected error for shape mismatch")
		}
	})
}

func TestSourceVars(t *testing.T) {
	met, err := DefaultRuleSet("met")
	if err != nil {
		t.Fatal(err)
	}
	got := met.SourceVars(metDerived)
	want := []string{"airdens", "delp", "q", "t", "zl"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestVarLists(t *testing.T) {
	met, _ := DefaultRuleSet("met")
	gas, _ := DefaultRuleSet("gas")
	aero, _ := DefaultRuleSet("aerosol")
	metVars, chmVars, xgcVars := VarLists(met, gas, aero)
	if len(metVars) == 0 || len(chmVars) == 0 {
		t.Fatal("empty variable lists")
	}
	want := []string{"ald2", "benz", "c2h6", "tolu"}
	if !reflect.DeepEqual(xgcVars, want) {
		t.Errorf("extended-gas variables: got %v, want %v", xgcVars, want)
	}
	for _, v := range chmVars {
		if xgcVarNames[v] {
			t.Errorf("%s assigned to both collections", v)
		}
	}
}

func TestRuleSetUnits(t *testing.T) {
	gas, _ := DefaultRuleSet("gas")
	aero, _ := DefaultRuleSet("aerosol")
	met, _ := DefaultRuleSet("met")
	cases := []struct {
		rs         *RuleSet
		name, want string
	}{
		{gas, "O3", "ppmv"},
		{aero, "ASO4J", "micrograms/m**3"},
		{met, "PRES", "Pa"},
		{met, "ZH", "m"},
		{met, "DENS", "kg/m**3"},
		{met, "AIRMOLDENS", "mole/m**3"},
		{met, "QV", "unknown"},
	}
	for _, c := range cases {
		got := c.rs.Units(c.name)
		if len(got) != 16 {
			t.Errorf("%s: unit %q is not 16 characters", c.name, got)
		}
		if strings.TrimRight(got, " ") != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}
