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
	"embed"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/sparse"
)

//go:embed defs/geoscf_met.txt defs/geoscf_cb6r4.txt defs/geoscf_ae7.txt
var defaultRuleFiles embed.FS

// defaultRulePaths maps rule-set groups to their embedded defaults.
var defaultRulePaths = map[string]string{
	"met":     "defs/geoscf_met.txt",
	"gas":     "defs/geoscf_cb6r4.txt",
	"aerosol": "defs/geoscf_ae7.txt",
}

// exprFunctions are the functions available inside derivation
// expressions. Expressions are data, not code: they can only combine
// variables with arithmetic and these functions.
var exprFunctions = map[string]govaluate.ExpressionFunction{
	"sqrt": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("sqrt takes 1 argument, got %d", len(args))
		}
		return math.Sqrt(args[0].(float64)), nil
	},
	"min": func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("min takes at least 1 argument")
		}
		m := args[0].(float64)
		for _, a := range args[1:] {
			m = math.Min(m, a.(float64))
		}
		return m, nil
	},
	"max": func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("max takes at least 1 argument")
		}
		m := args[0].(float64)
		for _, a := range args[1:] {
			m = math.Max(m, a.(float64))
		}
		return m, nil
	},
}

// A Rule derives one output species from source variables.
type Rule struct {
	// Name is the output species name.
	Name string

	// Expr is the expression text as it appeared in the rule file.
	Expr string

	expression *govaluate.EvaluableExpression
}

// A RuleSet is an ordered list of species derivation rules for one
// variable group.
type RuleSet struct {
	// Group identifies the rule set: "met", "gas", or "aerosol".
	Group string

	Rules []Rule
}

// DefaultRuleSet returns the embedded default rule set for group.
func DefaultRuleSet(group string) (*RuleSet, error) {
	p, ok := defaultRulePaths[group]
	if !ok {
		return nil, fmt.Errorf("geoscfbc: no default rules for group %q", group)
	}
	f, err := defaultRuleFiles.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRuleSet(f, group)
}

// LoadRuleSet reads a rule set for group from the named file, or returns
// the embedded default when path is empty.
func LoadRuleSet(path, group string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(group)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rs, err := ParseRuleSet(f, group)
	if err != nil {
		return nil, fmt.Errorf("geoscfbc: %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet parses derivation rules from r. Each non-blank line is
// `NAME = expression`; text after a '#' is a comment. Malformed lines are
// errors, not warnings, so a typo cannot silently drop a species.
func ParseRuleSet(r io.Reader, group string) (*RuleSet, error) {
	rs := &RuleSet{Group: group}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, expr, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("line %d: missing '=' in rule %q", lineno, line)
		}
		name = strings.TrimSpace(name)
		expr = strings.TrimSpace(expr)
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("line %d: invalid species name %q", lineno, name)
		}
		if expr == "" {
			return nil, fmt.Errorf("line %d: empty expression for %s", lineno, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("line %d: duplicate species %s", lineno, name)
		}
		seen[name] = true
		e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, exprFunctions)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing expression for %s: %w", lineno, name, err)
		}
		rs.Rules = append(rs.Rules, Rule{Name: name, Expr: expr, expression: e})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("no rules found")
	}
	return rs, nil
}

// Names returns the output species names in rule order.
func (rs *RuleSet) Names() []string {
	names := make([]string, len(rs.Rules))
	for i, r := range rs.Rules {
		names[i] = r.Name
	}
	return names
}

// Text returns the rule set as `NAME = expression` lines, for recording
// in output file provenance.
func (rs *RuleSet) Text() string {
	var b strings.Builder
	for _, r := range rs.Rules {
		fmt.Fprintf(&b, "%s = %s\n", r.Name, r.Expr)
	}
	return b.String()
}

// SourceVars returns the sorted source variable names the rules read.
// derived maps pseudo-variable names that are computed before evaluation
// to the source variables they require; a reference to a pseudo-variable
// pulls in its inputs instead of itself.
func (rs *RuleSet) SourceVars(derived map[string][]string) []string {
	set := make(map[string]bool)
	for _, r := range rs.Rules {
		for _, v := range r.expression.Vars() {
			if deps, ok := derived[v]; ok {
				for _, d := range deps {
					set[d] = true
				}
				continue
			}
			set[v] = true
		}
	}
	vars := make([]string, 0, len(set))
	for v := range set {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// Evaluate applies every rule elementwise over the arrays in namespace,
// returning one array per output species. All variables referenced by a
// rule must be present and share the same shape.
func (rs *RuleSet) Evaluate(namespace map[string]*sparse.DenseArray) (map[string]*sparse.DenseArray, error) {
	out := make(map[string]*sparse.DenseArray, len(rs.Rules))
	for _, r := range rs.Rules {
		vars := r.expression.Vars()
		if len(vars) == 0 {
			return nil, fmt.Errorf("geoscfbc: rule %s references no variables", r.Name)
		}
		var shape []int
		inputs := make(map[string]*sparse.DenseArray, len(vars))
		for _, v := range vars {
			a, ok := namespace[v]
			if !ok {
				return nil, fmt.Errorf("geoscfbc: rule %s: variable %s is not in the source data", r.Name, v)
			}
			if shape == nil {
				shape = a.Shape
			} else if !sameShape(a.Shape, shape) {
				return nil, fmt.Errorf("geoscfbc: rule %s: variable %s has shape %v, want %v",
					r.Name, v, a.Shape, shape)
			}
			inputs[v] = a
		}
		result := sparse.ZerosDense(shape...)
		params := make(map[string]interface{}, len(vars))
		for i := range result.Elements {
			for v, a := range inputs {
				params[v] = a.Elements[i]
			}
			val, err := r.expression.Evaluate(params)
			if err != nil {
				return nil, fmt.Errorf("geoscfbc: evaluating rule %s: %w", r.Name, err)
			}
			f, ok := val.(float64)
			if !ok {
				return nil, fmt.Errorf("geoscfbc: rule %s evaluated to %T, want a number", r.Name, val)
			}
			result.Elements[i] = f
		}
		out[r.Name] = result
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Units returns the output unit string for species name in this rule
// set's group, padded to the 16-character IOAPI units field width.
func (rs *RuleSet) Units(name string) string {
	var u string
	switch rs.Group {
	case "gas":
		u = "ppmv"
	case "aerosol":
		u = "micrograms/m**3"
	default:
		switch name {
		case "PRES":
			u = "Pa"
		case "ZH", "ZF":
			u = "m"
		case "DENS":
			u = "kg/m**3"
		case "AIRMOLDENS":
			u = "mole/m**3"
		default:
			u = "unknown"
		}
	}
	if len(u) < 16 {
		u += strings.Repeat(" ", 16-len(u))
	}
	return u
}
