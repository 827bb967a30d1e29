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
	"path/filepath"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// readNCF reads an entire variable from f into a dense array.
func readNCF(f *cdf.File, varName string) (*sparse.DenseArray, error) {
	dims := f.Header.Lengths(varName)
	if len(dims) == 0 {
		return nil, fmt.Errorf("geoscfbc: variable %s is not in file", varName)
	}
	nread := 1
	for _, d := range dims {
		nread *= d
	}
	r := f.Reader(varName, nil, nil)
	buf := r.Zero(nread)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("geoscfbc: reading %s: %w", varName, err)
	}
	data := sparse.ZerosDense(dims...)
	switch b := buf.(type) {
	case []float32:
		for i, v := range b {
			data.Elements[i] = float64(v)
		}
	case []float64:
		copy(data.Elements, b)
	case []int32:
		for i, v := range b {
			data.Elements[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("geoscfbc: variable %s has unsupported type %T", varName, buf)
	}
	return data, nil
}

// readNCFFrom reads the named file, returning one dense array per variable.
func readNCFFrom(path string, varNames ...string) (map[string]*sparse.DenseArray, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return nil, fmt.Errorf("geoscfbc: opening %s: %w", path, err)
	}
	out := make(map[string]*sparse.DenseArray, len(varNames))
	for _, v := range varNames {
		d, err := readNCF(f, v)
		if err != nil {
			return nil, fmt.Errorf("geoscfbc: %s: %w", path, err)
		}
		out[v] = d
	}
	return out, nil
}

// writeNCF writes data to an already-defined float32 variable in f.
func writeNCF(f *cdf.File, varName string, data *sparse.DenseArray) error {
	data32 := make([]float32, len(data.Elements))
	for i, e := range data.Elements {
		data32[i] = float32(e)
	}
	end := f.Header.Lengths(varName)
	start := make([]int, len(end))
	w := f.Writer(varName, start, end)
	if _, err := w.Write(data32); err != nil {
		return fmt.Errorf("geoscfbc: writing %s: %w", varName, err)
	}
	return nil
}

// writeNCF64 writes data to an already-defined float64 variable in f.
func writeNCF64(f *cdf.File, varName string, data []float64) error {
	end := f.Header.Lengths(varName)
	start := make([]int, len(end))
	w := f.Writer(varName, start, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("geoscfbc: writing %s: %w", varName, err)
	}
	return nil
}

// writeNCFInt writes data to an already-defined int32 variable in f.
func writeNCFInt(f *cdf.File, varName string, data []int32) error {
	end := f.Header.Lengths(varName)
	start := make([]int, len(end))
	w := f.Writer(varName, start, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("geoscfbc: writing %s: %w", varName, err)
	}
	return nil
}

// createNCF creates a NetCDF file at path from h, calling write to fill in
// the variable data. The file is assembled in a temporary file alongside
// path and moved into place with a rename, so a file at path is always
// complete: readers never observe partial writes, and a crashed run leaves
// no poisoned cache entry behind.
func createNCF(path string, h *cdf.Header, write func(f *cdf.File) error) error {
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return fmt.Errorf("geoscfbc: invalid header for %s: %v", path, errs)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	f, err := cdf.Create(tmp, h)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("geoscfbc: creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// validNCF reports whether path exists and is a readable NetCDF file
// containing all of varNames. A cached output that fails this check is
// treated as absent and rebuilt rather than trusted.
func validNCF(path string, varNames ...string) bool {
	ff, err := os.Open(path)
	if err != nil {
		return false
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return false
	}
	for _, v := range varNames {
		if len(f.Header.Lengths(v)) == 0 {
			return false
		}
	}
	return true
}

// copyAttributes copies all attributes of variable v (or the global
// attributes when v is empty) from src into dst under the same names.
func copyAttributes(src *cdf.Header, dst *cdf.Header, v string) {
	for _, a := range src.Attributes(v) {
		dst.AddAttribute(v, a, src.GetAttribute(v, a))
	}
}
