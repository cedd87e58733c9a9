package fisheye

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// View is one calibration view's object/image point correspondences.
type View struct {
	Object []Vec3
	Image  []Vec2
}

// Pose is a recovered or refined per-view camera pose.
type Pose struct {
	Om, T Vec3
}

// CalibrationResult is the outcome of a converged or budget-exhausted
// Calibrate run.
type CalibrationResult struct {
	Intrinsics *IntrinsicsState
	Poses      []Pose
	RMS        float64
	Iterations int

	// StdDevs holds 3*sigma*sqrt(diag(JJ^-1)) for the parameters that were
	// actually estimated in the final iteration, in the order listed by
	// EstimatedParams (mask-order intrinsic index, or 9+6*view+component
	// for extrinsics).
	StdDevs        []float64
	EstimatedParams []int
}

// dampingFactor returns the damping multiplier applied to the Gauss-Newton
// step at the given (0-based) iteration: it starts at 0.4 and approaches 1
// as iterations accumulate, damping oscillation in early, poorly-
// conditioned steps.
func dampingFactor(iter int) float64 {
	return 1 - math.Pow(1-0.4, float64(iter+1))
}

// Calibrate jointly refines one camera's intrinsics and every view's pose
// by damped Gauss-Newton on the stacked reprojection residual. guess may be
// nil; when non-nil and flags has UseIntrinsicGuess it seeds the run,
// otherwise the run seeds from imageSize via NewIntrinsicsFromImageSize.
func Calibrate(views []View, imageSize [2]int, guess *IntrinsicsState, flags CalibFlag, term TermCriteria) (*CalibrationResult, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: no calibration views supplied", ErrTooFewPoints)
	}

	var intr *IntrinsicsState
	if guess != nil && flags.has(UseIntrinsicGuess) {
		intr = guess.Clone()
	} else {
		intr = NewIntrinsicsFromImageSize(imageSize[0], imageSize[1])
	}
	for i := range intr.Mask {
		intr.Mask[i] = true
	}
	if flags.has(FixSkew) {
		intr.Mask[4] = false
	}
	if flags.has(FixK1) {
		intr.Mask[5] = false
	}
	if flags.has(FixK2) {
		intr.Mask[6] = false
	}
	if flags.has(FixK3) {
		intr.Mask[7] = false
	}
	if flags.has(FixK4) {
		intr.Mask[8] = false
	}

	n := len(views)
	poses := make([]Pose, n)
	for i, v := range views {
		om, T, err := InitExtrinsics(v.Object, v.Image, intr)
		if err != nil {
			return nil, fmt.Errorf("view %d: %w", i, err)
		}
		poses[i] = Pose{Om: om, T: T}
	}

	condThresh := DefaultCondThreshold
	checkCond := flags.has(CheckCond)

	var lastKeep []int
	var lastJJinv *mat.Dense
	iter := 0
	for {
		size := maskLen + 6*n
		JJ := mat.NewDense(size, size, nil)
		ex := mat.NewVecDense(size, nil)

		for k, v := range views {
			proj, jac, err := ProjectPoints(v.Object, poses[k].Om, poses[k].T, intr, true)
			if err != nil {
				return nil, err
			}

			p := len(v.Object)
			A := mat.NewDense(2*p, maskLen, nil)
			B := mat.NewDense(2*p, 6, nil)
			e := mat.NewVecDense(2*p, nil)
			for i := 0; i < p; i++ {
				jx, jy := jac[2*i], jac[2*i+1]
				full := jx.Flatten()
				A.SetRow(2*i, full[:maskLen])
				B.SetRow(2*i, append(append([]float64{}, full[maskLen:maskLen+3]...), full[maskLen+3:maskLen+6]...))
				fully := jy.Flatten()
				A.SetRow(2*i+1, fully[:maskLen])
				B.SetRow(2*i+1, append(append([]float64{}, fully[maskLen:maskLen+3]...), fully[maskLen+3:maskLen+6]...))
				e.SetVec(2*i, v.Image[i].X-proj[i].X)
				e.SetVec(2*i+1, v.Image[i].Y-proj[i].Y)
			}

			var AtA, BtB, AtB mat.Dense
			AtA.Mul(A.T(), A)
			BtB.Mul(B.T(), B)
			AtB.Mul(A.T(), B)
			var Ate, Bte mat.Dense
			Ate.Mul(A.T(), e)
			Bte.Mul(B.T(), e)

			addBlock(JJ, 0, 0, &AtA)
			addBlock(JJ, maskLen+6*k, maskLen+6*k, &BtB)
			addBlock(JJ, 0, maskLen+6*k, &AtB)
			addBlock(JJ, maskLen+6*k, 0, transpose(&AtB))
			addVecBlock(ex, 0, &Ate)
			addVecBlock(ex, maskLen+6*k, &Bte)
		}

		keep := make([]int, 0, size)
		for i := 0; i < maskLen; i++ {
			if intr.Mask[i] {
				keep = append(keep, i)
			}
		}
		for i := maskLen; i < size; i++ {
			keep = append(keep, i)
		}

		reducedJJ := subMatrixSquare(JJ, keep)
		reducedEx := subVector(ex, keep)

		var reducedInv mat.Dense
		if err := reducedInv.Inverse(reducedJJ); err != nil {
			return nil, fmt.Errorf("%w: normal-equation matrix is singular: %v", ErrDegenerateSystem, err)
		}

		var deltaReduced mat.Dense
		deltaReduced.Mul(&reducedInv, reducedEx)

		damp := dampingFactor(iter)
		intrinsicCompact := make([]float64, 0, maskLen)
		poseDelta := make([]Pose, n)
		for i, idx := range keep {
			val := deltaReduced.At(i, 0) * damp
			if idx < maskLen {
				intrinsicCompact = append(intrinsicCompact, val)
			} else {
				p := idx - maskLen
				view, comp := p/6, p%6
				switch comp {
				case 0:
					poseDelta[view].Om.X = val
				case 1:
					poseDelta[view].Om.Y = val
				case 2:
					poseDelta[view].Om.Z = val
				case 3:
					poseDelta[view].T.X = val
				case 4:
					poseDelta[view].T.Y = val
				case 5:
					poseDelta[view].T.Z = val
				}
			}
		}

		oldSub := Vec3{intr.Fx, intr.Cx, intr.Cy}
		oldFy := intr.Fy
		intr.applyMaskOrderDelta(intrinsicCompact)
		for k := range poses {
			poses[k].Om = poses[k].Om.Add(poseDelta[k].Om)
			poses[k].T = poses[k].T.Add(poseDelta[k].T)
		}

		if flags.has(RecomputeExtrinsic) {
			for k, v := range views {
				om, T, err := ComputeExtrinsicRefine(v.Object, v.Image, poses[k].Om, poses[k].T, intr, checkCond, condThresh)
				if err != nil {
					return nil, err
				}
				poses[k] = Pose{Om: om, T: T}
			}
		}

		newSub := Vec3{intr.Fx, intr.Cx, intr.Cy}
		num := norm4(oldSub.X-newSub.X, oldFy-intr.Fy, oldSub.Y-newSub.Y, oldSub.Z-newSub.Z)
		den := norm4(newSub.X, intr.Fy, newSub.Y, newSub.Z)
		relChange := 0.0
		if den > 0 {
			relChange = num / den
		}

		iter++
		lastKeep = keep
		lastJJinv = &reducedInv
		if term.done(iter, relChange) {
			break
		}
	}

	rms, stddevs := estimateUncertainties(views, poses, intr, lastJJinv, lastKeep)
	return &CalibrationResult{
		Intrinsics:      intr,
		Poses:           poses,
		RMS:             rms,
		Iterations:      iter,
		StdDevs:         stddevs,
		EstimatedParams: lastKeep,
	}, nil
}

func norm4(a, b, c, d float64) float64 {
	return math.Sqrt(a*a + b*b + c*c + d*d)
}

func addBlock(dst *mat.Dense, r0, c0 int, src mat.Matrix) {
	rows, cols := src.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst.Set(r0+r, c0+c, dst.At(r0+r, c0+c)+src.At(r, c))
		}
	}
}

func addVecBlock(dst *mat.VecDense, r0 int, src mat.Matrix) {
	rows, _ := src.Dims()
	for r := 0; r < rows; r++ {
		dst.SetVec(r0+r, dst.AtVec(r0+r)+src.At(r, 0))
	}
}

func transpose(m *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(m.T())
}

// subMatrixSquare extracts the square sub-matrix of m at the given row/col
// indices (used identically for both), mirroring the boolean-mask
// row/column compaction used to drop unestimated intrinsic parameters
// before inverting the normal-equation matrix.
func subMatrixSquare(m *mat.Dense, keep []int) *mat.Dense {
	out := mat.NewDense(len(keep), len(keep), nil)
	for i, ri := range keep {
		for j, cj := range keep {
			out.Set(i, j, m.At(ri, cj))
		}
	}
	return out
}

func subVector(v *mat.VecDense, keep []int) *mat.Dense {
	out := mat.NewDense(len(keep), 1, nil)
	for i, ri := range keep {
		out.Set(i, 0, v.AtVec(ri))
	}
	return out
}

// uncertaintyCorrection is the small-sample correction factor applied to
// the scalar-residual standard deviation; reproduced as specified without
// a claim that it is statistically derived.
func uncertaintyCorrection(n int) float64 {
	if n <= 1 {
		return 1
	}
	return math.Sqrt(float64(2*n) / float64(2*n-1))
}

func estimateUncertainties(views []View, poses []Pose, intr *IntrinsicsState, JJinv *mat.Dense, keep []int) (rms float64, stddevs []float64) {
	var sumSq float64
	var residuals []float64
	count := 0
	for k, v := range views {
		proj, _, err := ProjectPoints(v.Object, poses[k].Om, poses[k].T, intr, false)
		if err != nil {
			continue
		}
		for i, p := range proj {
			ex := v.Image[i].X - p.X
			ey := v.Image[i].Y - p.Y
			sumSq += ex*ex + ey*ey
			residuals = append(residuals, ex, ey)
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	rms = math.Sqrt(sumSq / float64(count))

	var mean float64
	for _, r := range residuals {
		mean += r
	}
	mean /= float64(len(residuals))
	var variance float64
	for _, r := range residuals {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(residuals))
	sigma := math.Sqrt(variance) * uncertaintyCorrection(count)

	if JJinv == nil {
		return rms, nil
	}
	stddevs = make([]float64, len(keep))
	for i := range keep {
		stddevs[i] = 3 * sigma * math.Sqrt(math.Abs(JJinv.At(i, i)))
	}
	return rms, stddevs
}
