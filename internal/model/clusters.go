// Quantized ab cluster centres loaded from a NumPy array file
package model

import (
	"fmt"
	"io"
	"os"

	"github.com/sbinet/npyio"
)

// ClusterCount is the number of quantized ab bins the released model predicts over
const ClusterCount = 313

// ClusterTable holds the ab coordinates of each colour class. It is immutable
// once loaded.
type ClusterTable struct {
	points [][2]float32
}

// NewClusterTable builds a table from explicit (a, b) pairs
func NewClusterTable(points [][2]float32) (*ClusterTable, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: cluster table is empty", ErrArtifactCorrupt)
	}
	return &ClusterTable{points: append([][2]float32(nil), points...)}, nil
}

// LoadClusterTable reads an N×2 (or 2×N) array from a .npy file
func LoadClusterTable(path string) (*ClusterTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactMissing, path, err)
	}
	defer f.Close()

	table, err := ReadClusterTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ReadClusterTable decodes a cluster table from NumPy array data
func ReadClusterTable(r io.Reader) (*ClusterTable, error) {
	rd, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}

	descr := rd.Header.Descr
	if len(descr.Shape) != 2 || (descr.Shape[0] != 2 && descr.Shape[1] != 2) {
		return nil, fmt.Errorf("%w: cluster table shape %v, want (N, 2)", ErrArtifactCorrupt, descr.Shape)
	}

	values, err := readFloats(rd, descr.Type)
	if err != nil {
		return nil, err
	}

	rows, cols := descr.Shape[0], descr.Shape[1]
	if len(values) != rows*cols {
		return nil, fmt.Errorf("%w: cluster table holds %d values, want %d", ErrArtifactCorrupt, len(values), rows*cols)
	}

	at := func(r, c int) float32 {
		if descr.Fortran {
			return values[c*rows+r]
		}
		return values[r*cols+c]
	}

	var points [][2]float32
	if cols == 2 {
		points = make([][2]float32, rows)
		for i := range points {
			points[i] = [2]float32{at(i, 0), at(i, 1)}
		}
	} else {
		points = make([][2]float32, cols)
		for i := range points {
			points[i] = [2]float32{at(0, i), at(1, i)}
		}
	}
	return NewClusterTable(points)
}

func readFloats(rd *npyio.Reader, dtype string) ([]float32, error) {
	if len(dtype) < 2 {
		return nil, fmt.Errorf("%w: unknown dtype %q", ErrArtifactCorrupt, dtype)
	}

	var out []float32
	var err error
	switch dtype[1:] {
	case "f8":
		var v []float64
		if err = rd.Read(&v); err == nil {
			out = convert(v)
		}
	case "f4":
		err = rd.Read(&out)
	case "i8":
		var v []int64
		if err = rd.Read(&v); err == nil {
			out = convert(v)
		}
	case "i4":
		var v []int32
		if err = rd.Read(&v); err == nil {
			out = convert(v)
		}
	case "i2":
		var v []int16
		if err = rd.Read(&v); err == nil {
			out = convert(v)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrArtifactCorrupt, dtype)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	return out, nil
}

func convert[T int16 | int32 | int64 | float64](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// Len returns the number of colour classes
func (t *ClusterTable) Len() int {
	return len(t.points)
}

// Point returns the ab coordinates of class i
func (t *ClusterTable) Point(i int) (a, b float32) {
	p := t.points[i]
	return p[0], p[1]
}

// Weights returns the table laid out as a [2, N] row-major matrix, the shape
// of the 1×1 convolution kernel that maps class probabilities to ab
func (t *ClusterTable) Weights() []float32 {
	n := len(t.points)
	w := make([]float32, 2*n)
	for i, p := range t.points {
		w[i] = p[0]
		w[n+i] = p[1]
	}
	return w
}
