package fisheye

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// MapType selects the storage form InitUndistortRectifyMap fills.
type MapType int

const (
	// MapFloat stores one (u, v) float64 pair per destination pixel.
	MapFloat MapType = iota
	// MapFixed stores a packed fixed-point form: Map1 holds (u>>InterBits,
	// v>>InterBits) and Map2 holds the InterTabSize^2 sub-pixel index
	// (v&(InterTabSize-1))*InterTabSize + (u&(InterTabSize-1)), both
	// against a source scaled by InterTabSize.
	MapFixed
)

// RectifyMap is the dense source-coordinate map produced by
// InitUndistortRectifyMap, sized Width x Height in row-major order.
type RectifyMap struct {
	Width, Height int
	Type          MapType

	// Float form (Type == MapFloat): one pair per pixel.
	MapXFloat, MapYFloat []float64

	// Fixed form (Type == MapFixed).
	Map1 [][2]int16
	Map2 []uint16
}

// InitUndistortRectifyMap builds a dense map from destination pixel (u, v)
// to source pixel coordinates in the original fisheye image, for a target
// camera matrix newK, an optional rectifying rotation R (nil for identity),
// and output size (width, height).
//
// It walks the destination grid incrementally: (P*R)^-1 is computed once by
// SVD pseudoinverse, and each destination row/column reuses the previous
// one's accumulated column/row of that inverse rather than recomputing it,
// matching the incremental-grid-walk structure of the forward projection.
func InitUndistortRectifyMap(intr *IntrinsicsState, R *Mat3, newK Mat3, width, height int, mapType MapType) (*RectifyMap, error) {
	rot := identity3()
	if R != nil {
		rot = *R
	}
	PR := newK.MulMat3(rot)

	inv, err := invert3x3(PR)
	if err != nil {
		return nil, err
	}

	out := &RectifyMap{Width: width, Height: height, Type: mapType}
	if mapType == MapFloat {
		out.MapXFloat = make([]float64, width*height)
		out.MapYFloat = make([]float64, width*height)
	} else {
		out.Map1 = make([][2]int16, width*height)
		out.Map2 = make([]uint16, width*height)
	}

	// Start of row 0: inv * (0, 0, 1).
	base := inv.Mul(Vec3{0, 0, 1})
	dCol := Vec3{inv.At(0, 0), inv.At(1, 0), inv.At(2, 0)}
	dRow := Vec3{inv.At(0, 1), inv.At(1, 1), inv.At(2, 1)}

	if err := fillMapRows(out, intr, base, dCol, dRow, 0, height); err != nil {
		return nil, err
	}
	return out, nil
}

// fillMapRows fills destination rows [y0, y1) of out. It starts the row walk
// by adding dRow to base y0 times, the same additions a walk from row 0
// makes, so it can run independently of any other row range and still
// produce bit-for-bit the values of a single walk over all rows.
func fillMapRows(out *RectifyMap, intr *IntrinsicsState, base, dCol, dRow Vec3, y0, y1 int) error {
	width := out.Width
	k := intr.K
	fx, fy, cx, cy := intr.Fx, intr.Fy, intr.Cx, intr.Cy

	rowStart := base
	for y := 0; y < y0; y++ {
		rowStart = rowStart.Add(dRow)
	}
	for y := y0; y < y1; y++ {
		col := rowStart
		for x := 0; x < width; x++ {
			idx := y*width + x
			if col.Z == 0 {
				return fmt.Errorf("%w: inverse ray at infinity at (%d,%d)", ErrDegenerateSystem, x, y)
			}
			xn, yn := col.X/col.Z, col.Y/col.Z

			r2 := xn*xn + yn*yn
			r := math.Sqrt(r2)
			theta := math.Atan(r)
			theta2 := theta * theta
			theta3 := theta2 * theta
			theta5 := theta3 * theta2
			theta7 := theta5 * theta2
			theta9 := theta7 * theta2
			thetad := theta + k[0]*theta3 + k[1]*theta5 + k[2]*theta7 + k[3]*theta9

			var cdist float64
			if r > nearAxisR {
				cdist = thetad / r
			} else {
				cdist = 1
			}

			u := fx*xn*cdist + cx
			v := fy*yn*cdist + cy

			switch out.Type {
			case MapFloat:
				out.MapXFloat[idx] = u
				out.MapYFloat[idx] = v
			case MapFixed:
				iu := int32(math.Round(u * InterTabSize))
				iv := int32(math.Round(v * InterTabSize))
				out.Map1[idx] = [2]int16{int16(iu >> InterBits), int16(iv >> InterBits)}
				out.Map2[idx] = uint16((iv&(InterTabSize-1))*InterTabSize + (iu & (InterTabSize - 1)))
			}

			col = col.Add(dCol)
		}
		rowStart = rowStart.Add(dRow)
	}
	return nil
}

// InitUndistortRectifyMapParallel builds the same map as
// InitUndistortRectifyMap, but fans the scanlines out over a worker pool
// sized to runtime.GOMAXPROCS(0): each worker claims a contiguous band of
// rows and walks it independently, rebuilding its first row's starting ray
// from the base ray with the same row-step additions the sequential walk
// makes, so the result is bit-for-bit the sequential map.
// Large target images (mosaics, full-resolution orthophoto previews) are
// where this pays for itself; callers building a single preview-sized map
// should prefer the simpler sequential function.
func InitUndistortRectifyMapParallel(intr *IntrinsicsState, R *Mat3, newK Mat3, width, height int, mapType MapType) (*RectifyMap, error) {
	rot := identity3()
	if R != nil {
		rot = *R
	}
	PR := newK.MulMat3(rot)

	inv, err := invert3x3(PR)
	if err != nil {
		return nil, err
	}

	out := &RectifyMap{Width: width, Height: height, Type: mapType}
	if mapType == MapFloat {
		out.MapXFloat = make([]float64, width*height)
		out.MapYFloat = make([]float64, width*height)
	} else {
		out.Map1 = make([][2]int16, width*height)
		out.Map2 = make([]uint16, width*height)
	}

	base := inv.Mul(Vec3{0, 0, 1})
	dCol := Vec3{inv.At(0, 0), inv.At(1, 0), inv.At(2, 0)}
	dRow := Vec3{inv.At(0, 1), inv.At(1, 1), inv.At(2, 1)}

	workers := runtime.GOMAXPROCS(0)
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}
	band := (height + workers - 1) / workers

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		y0 := w * band
		y1 := y0 + band
		if y1 > height {
			y1 = height
		}
		if y0 >= y1 {
			continue
		}
		wg.Add(1)
		go func(w, y0, y1 int) {
			defer wg.Done()
			errs[w] = fillMapRows(out, intr, base, dCol, dRow, y0, y1)
		}(w, y0, y1)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}
	return out, nil
}

// invert3x3 inverts a 3x3 matrix using gonum's SVD pseudoinverse, reporting
// ErrDegenerateSystem if the matrix is numerically singular.
func invert3x3(m Mat3) (Mat3, error) {
	d := m.Dense()
	var svd mat.SVD
	ok := svd.Factorize(d, mat.SVDThin)
	if !ok {
		return Mat3{}, fmt.Errorf("%w: failed to factorize projection matrix", ErrDegenerateSystem)
	}
	values := svd.Values(nil)
	for _, s := range values {
		if s < 1e-12 {
			return Mat3{}, fmt.Errorf("%w: projection matrix is singular", ErrDegenerateSystem)
		}
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)

	sinv := mat.NewDense(3, 3, nil)
	for i, s := range values {
		sinv.Set(i, i, 1/s)
	}
	var tmp, inv mat.Dense
	tmp.Mul(&V, sinv)
	inv.Mul(&tmp, U.T())

	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	return out, nil
}
