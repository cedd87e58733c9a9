package fisheye

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// homographyRefineIterations is the fixed number of Gauss-Newton
// reprojection-error refinement steps ComputeHomography runs when it has
// more than four correspondences to exploit.
const homographyRefineIterations = 10

// ComputeHomography fits a 2-D homography H such that H maps src onto dst
// (both already normalised to the camera's own metric scale), using a
// normalised DLT solve followed, when there are more than four
// correspondences, by homographyRefineIterations Gauss-Newton refinements
// of the reprojection error.
func ComputeHomography(src, dst []Vec2) (Mat3, error) {
	n := len(src)
	if n != len(dst) {
		return Mat3{}, fmt.Errorf("%w: src/dst length mismatch", ErrSizeMismatch)
	}
	if n < 4 {
		return Mat3{}, fmt.Errorf("%w: need at least 4 correspondences, got %d", ErrTooFewPoints, n)
	}

	srcN, srcT := normalizeForDLT(src)
	dstN, dstT := normalizeForDLT(dst)

	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		A.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDThin) {
		return Mat3{}, fmt.Errorf("%w: failed to factorize DLT matrix", ErrDegenerateSystem)
	}
	var V mat.Dense
	svd.VTo(&V)
	// The last column of V (smallest singular value) is the DLT solution.
	cols := V.RawMatrix().Cols
	h := make([]float64, 9)
	for i := 0; i < 9; i++ {
		h[i] = V.At(i, cols-1)
	}
	H := Mat3{h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8]}

	// Undo normalisation: H = dstT^-1 * H * srcT.
	dstTinv, err := invert3x3(dstT)
	if err != nil {
		return Mat3{}, err
	}
	H = dstTinv.MulMat3(H.MulMat3(srcT))
	H = H.scale(1 / H[8])

	if n > 4 {
		H = refineHomography(H, src, dst)
	}
	return H, nil
}

// normalizeForDLT centres pts on their mean and scales both axes by one
// factor so the mean absolute deviation from the centre, pooled over the x
// and y coordinates, is 1, returning the
// normalised points and the 3x3 transform T such that normalised = T*pts.
func normalizeForDLT(pts []Vec2) ([]Vec2, Mat3) {
	var mx, my float64
	for _, p := range pts {
		mx += p.X
		my += p.Y
	}
	n := float64(len(pts))
	mx /= n
	my /= n

	var mad float64
	for _, p := range pts {
		mad += math.Abs(p.X-mx) + math.Abs(p.Y-my)
	}
	mad /= 2 * n
	if mad < 1e-12 {
		mad = 1
	}
	scale := 1 / mad

	out := make([]Vec2, len(pts))
	for i, p := range pts {
		out[i] = Vec2{(p.X - mx) * scale, (p.Y - my) * scale}
	}
	T := Mat3{
		scale, 0, -mx * scale,
		0, scale, -my * scale,
		0, 0, 1,
	}
	return out, T
}

// refineHomography runs homographyRefineIterations Gauss-Newton steps
// minimising sum ||dst_i - H*src_i||^2 over the 8 free parameters of H
// (h[8] is held at 1).
func refineHomography(H Mat3, src, dst []Vec2) Mat3 {
	n := len(src)
	for iter := 0; iter < homographyRefineIterations; iter++ {
		JtJ := mat.NewDense(8, 8, nil)
		Jte := mat.NewVecDense(8, nil)

		for i := 0; i < n; i++ {
			x, y := src[i].X, src[i].Y
			w := H[6]*x + H[7]*y + H[8]
			if w == 0 {
				continue
			}
			u := (H[0]*x + H[1]*y + H[2]) / w
			v := (H[3]*x + H[4]*y + H[5]) / w

			// d(u)/dh for h0..h7 (h8 fixed at 1).
			invw := 1 / w
			dudh := [8]float64{x * invw, y * invw, invw, 0, 0, 0, -u * x * invw, -u * y * invw}
			dvdh := [8]float64{0, 0, 0, x * invw, y * invw, invw, -v * x * invw, -v * y * invw}

			eu := dst[i].X - u
			ev := dst[i].Y - v

			for a := 0; a < 8; a++ {
				for b := 0; b < 8; b++ {
					JtJ.Set(a, b, JtJ.At(a, b)+dudh[a]*dudh[b]+dvdh[a]*dvdh[b])
				}
				Jte.SetVec(a, Jte.AtVec(a)+dudh[a]*eu+dvdh[a]*ev)
			}
		}

		var delta mat.VecDense
		if err := delta.SolveVec(JtJ, Jte); err != nil {
			break
		}
		for i := 0; i < 8; i++ {
			H[i] += delta.AtVec(i)
		}
	}
	return H
}
