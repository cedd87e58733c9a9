package fisheye

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	extrinsicRefineMaxIter = 20
	extrinsicRefineEps     = 1e-10
	planarDegenerateNorm   = 1e-6
)

func det3(m Mat3) float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

func norm3(v Vec3) float64 { return math.Sqrt(v.Dot(v)) }

// InitExtrinsics produces a first-order pose estimate for one calibration
// view from its object/image point correspondences, by recovering the
// target's dominant plane via a covariance SVD, then a planar homography
// between that plane and the normalised image points.
func InitExtrinsics(objectPoints []Vec3, imagePoints []Vec2, intr *IntrinsicsState) (om, T Vec3, err error) {
	if len(objectPoints) != len(imagePoints) {
		return Vec3{}, Vec3{}, fmt.Errorf("%w: object/image point count mismatch", ErrSizeMismatch)
	}
	if len(objectPoints) < 4 {
		return Vec3{}, Vec3{}, fmt.Errorf("%w: need at least 4 points", ErrTooFewPoints)
	}

	normImg, uerr := UndistortPoints(imagePoints, intr, nil, nil)
	if uerr != nil {
		return Vec3{}, Vec3{}, uerr
	}

	n := len(objectPoints)
	var mu Vec3
	for _, p := range objectPoints {
		mu = mu.Add(p)
	}
	mu = mu.Scale(1 / float64(n))

	M := mat.NewDense(n, 3, nil)
	for i, p := range objectPoints {
		c := p.Sub(mu)
		M.SetRow(i, []float64{c.X, c.Y, c.Z})
	}
	var svd mat.SVD
	if !svd.Factorize(M, mat.SVDThin) {
		return Vec3{}, Vec3{}, fmt.Errorf("%w: failed to factorize object-point covariance", ErrDegenerateSystem)
	}
	var V mat.Dense
	svd.VTo(&V)
	var R0 Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			R0[r*3+c] = V.At(r, c)
		}
	}
	if det3(R0) < 0 {
		for r := 0; r < 3; r++ {
			R0[r*3+2] = -R0[r*3+2]
		}
	}
	if norm3(Vec3{R0.At(1, 2), R0.At(2, 2), 0}) < planarDegenerateNorm {
		R0 = identity3()
	}

	planar := make([]Vec2, n)
	for i, p := range objectPoints {
		c := R0.Mul(p.Sub(mu))
		planar[i] = Vec2{c.X, c.Y}
	}

	H, herr := ComputeHomography(planar, normImg)
	if herr != nil {
		return Vec3{}, Vec3{}, herr
	}

	col0 := Vec3{H[0], H[3], H[6]}
	col1 := Vec3{H[1], H[4], H[7]}
	col2 := Vec3{H[2], H[5], H[8]}

	s := 2 / (norm3(col0) + norm3(col1))
	col0, col1, col2 = col0.Scale(s), col1.Scale(s), col2.Scale(s)

	r0 := col0.Scale(1 / norm3(col0))
	r1Raw := col1.Sub(r0.Scale(r0.Dot(col1)))
	r1 := r1Raw.Scale(1 / norm3(r1Raw))
	r2 := r0.Cross(r1)

	Rlocal := Mat3{
		r0.X, r1.X, r2.X,
		r0.Y, r1.Y, r2.Y,
		r0.Z, r1.Z, r2.Z,
	}
	Rtotal := Rlocal.MulMat3(R0)
	T = col2.Add(Rtotal.Mul(mu.Scale(-1)))
	om = RotationToRodrigues(Rtotal)
	return om, T, nil
}

// ComputeExtrinsicRefine runs Gauss-Newton on (om, T) for one view, holding
// intrinsics fixed, until the relative update falls below
// extrinsicRefineEps or extrinsicRefineMaxIter iterations pass. When
// checkCond is true, a Jacobian condition number above condThreshold
// aborts with ErrIllConditioned; otherwise the iteration simply stops before
// that step and returns the best estimate so far.
func ComputeExtrinsicRefine(objectPoints []Vec3, imagePoints []Vec2, om0, T0 Vec3, intr *IntrinsicsState, checkCond bool, condThreshold float64) (om, T Vec3, err error) {
	om, T = om0, T0
	n := len(objectPoints)

	for iter := 0; iter < extrinsicRefineMaxIter; iter++ {
		proj, jac, perr := ProjectPoints(objectPoints, om, T, intr, true)
		if perr != nil {
			return om, T, perr
		}

		J := mat.NewDense(2*n, 6, nil)
		e := mat.NewVecDense(2*n, nil)
		for i := 0; i < n; i++ {
			jx, jy := jac[2*i], jac[2*i+1]
			J.SetRow(2*i, append(append([]float64{}, jx.DOmega[:]...), jx.DT[:]...))
			J.SetRow(2*i+1, append(append([]float64{}, jy.DOmega[:]...), jy.DT[:]...))
			e.SetVec(2*i, imagePoints[i].X-proj[i].X)
			e.SetVec(2*i+1, imagePoints[i].Y-proj[i].Y)
		}

		var svd mat.SVD
		if !svd.Factorize(J, mat.SVDThin) {
			return om, T, fmt.Errorf("%w: failed to factorize extrinsic jacobian", ErrDegenerateSystem)
		}
		values := svd.Values(nil)
		if values[len(values)-1] > 0 {
			cond := values[0] / values[len(values)-1]
			if cond > condThreshold {
				if checkCond {
					return om, T, fmt.Errorf("%w: condition number %.3g exceeds %.3g", ErrIllConditioned, cond, condThreshold)
				}
				break
			}
		}

		var delta mat.VecDense
		if err := delta.SolveVec(J, e); err != nil {
			break
		}
		dom := Vec3{delta.AtVec(0), delta.AtVec(1), delta.AtVec(2)}
		dT := Vec3{delta.AtVec(3), delta.AtVec(4), delta.AtVec(5)}

		newOm := om.Add(dom)
		newT := T.Add(dT)

		num := math.Sqrt(dom.Dot(dom) + dT.Dot(dT))
		den := math.Sqrt(newOm.Dot(newOm) + newT.Dot(newT))
		om, T = newOm, newT
		if den > 0 && num/den <= extrinsicRefineEps {
			break
		}
	}
	return om, T, nil
}
