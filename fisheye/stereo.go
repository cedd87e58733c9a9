package fisheye

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// StereoView is one calibration view shared by two rigidly-mounted cameras:
// the same object points, seen through both cameras' image planes.
type StereoView struct {
	Object []Vec3
	Image1 []Vec2
	Image2 []Vec2
}

// StereoResult is the outcome of a converged or budget-exhausted
// StereoCalibrate run.
type StereoResult struct {
	Intrinsics1, Intrinsics2 *IntrinsicsState
	Poses                    []Pose // left-camera pose per view
	OmCur, Tcur              Vec3   // rigid transform, camera-1 frame -> camera-2 frame
	RMS                      float64
	Iterations               int
}

// stereoResidualLimit is the maximum per-view reprojection residual (in
// pixels) StereoCalibrate tolerates before declaring the pair unusable.
const stereoResidualLimit = 50.0

// composeMotion derives the right-camera pose (omr, Tr) implied by chaining
// the rigid transform (omcur, Tcur) after the left-camera pose (om1, T1),
// together with the Jacobians of that composition needed to chain a
// right-image residual's derivatives back to om1, omcur and Tcur. Tr is
// independent of om1; omr is independent of both translations.
func composeMotion(om1, T1, omcur, Tcur Vec3) (omr, Tr Vec3, domrdom1, domrdomcur, dTrdomcur, dTrdT1 Mat3) {
	R1, dR1dom1 := RotationFromRodrigues(om1)
	Rcur, dRcurdomcur := RotationFromRodrigues(omcur)
	Rr := Rcur.MulMat3(R1)
	Tr = Rcur.Mul(T1).Add(Tcur)
	omr = RotationToRodrigues(Rr)
	domdR := RotationToRodriguesJacobian(Rr)

	var dRrdom1, dRrdomcur [3]Mat3
	for k := 0; k < 3; k++ {
		dRrdom1[k] = Rcur.MulMat3(dR1dom1[k])
		dRrdomcur[k] = dRcurdomcur[k].MulMat3(R1)
	}

	for m := 0; m < 3; m++ {
		for c := 0; c < 3; c++ {
			domrdom1[m*3+c] = dotMat3(domdR[m], dRrdom1[c])
			domrdomcur[m*3+c] = dotMat3(domdR[m], dRrdomcur[c])
		}
		dTdomcur := dRcurdomcur[m].Mul(T1)
		dTrdomcur[0*3+m] = dTdomcur.X
		dTrdomcur[1*3+m] = dTdomcur.Y
		dTrdomcur[2*3+m] = dTdomcur.Z
	}
	dTrdT1 = Rcur
	return omr, Tr, domrdom1, domrdomcur, dTrdomcur, dTrdT1
}

// chainRightJacobian converts a right-image JacobianRow's DOmega/DT
// (partials with respect to omr, Tr) into partials with respect to om1,
// omcur and Tcur, using the composeMotion derivatives. dTr/dTcur is the
// identity, so dp/dTcur equals dp/dTr unchanged.
func chainRightJacobian(j JacobianRow, domrdom1, domrdomcur, dTrdomcur, dTrdT1 Mat3) (dom1, domcur, dT1, dTcur [3]float64) {
	dOmega, dT := j.DOmega, j.DT
	for c := 0; c < 3; c++ {
		var s1, scur, sT1 float64
		for m := 0; m < 3; m++ {
			s1 += dOmega[m] * domrdom1.At(m, c)
			scur += dOmega[m]*domrdomcur.At(m, c) + dT[m]*dTrdomcur.At(m, c)
			sT1 += dT[m] * dTrdT1.At(m, c)
		}
		dom1[c] = s1
		domcur[c] = scur
		dT1[c] = sT1
		dTcur[c] = dT[c]
	}
	return dom1, domcur, dT1, dTcur
}

func median(xs []float64) float64 {
	s := append([]float64{}, xs...)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func medianVec3(vs []Vec3) Vec3 {
	xs := make([]float64, len(vs))
	ys := make([]float64, len(vs))
	zs := make([]float64, len(vs))
	for i, v := range vs {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	return Vec3{median(xs), median(ys), median(zs)}
}

// StereoCalibrate jointly refines the intrinsics of two rigidly-mounted
// cameras, the rigid transform (omcur, Tcur) between them, and every view's
// left-camera pose, from point correspondences observed by both cameras.
func StereoCalibrate(views []StereoView, imageSize1, imageSize2 [2]int, guess1, guess2 *IntrinsicsState, flags CalibFlag, term TermCriteria) (*StereoResult, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: no stereo views supplied", ErrTooFewPoints)
	}
	n := len(views)

	views1 := make([]View, n)
	views2 := make([]View, n)
	for i, v := range views {
		views1[i] = View{Object: v.Object, Image: v.Image1}
		views2[i] = View{Object: v.Object, Image: v.Image2}
	}

	var intr1, intr2 *IntrinsicsState
	poses1 := make([]Pose, n)
	poses2 := make([]Pose, n)

	if !flags.has(FixIntrinsic) {
		sub := term
		sub.Type, sub.MaxCount = TermMaxIter, 20
		res1, err := Calibrate(views1, imageSize1, guess1, flags&^FixIntrinsic, sub)
		if err != nil {
			return nil, fmt.Errorf("left camera sub-calibration: %w", err)
		}
		res2, err := Calibrate(views2, imageSize2, guess2, flags&^FixIntrinsic, sub)
		if err != nil {
			return nil, fmt.Errorf("right camera sub-calibration: %w", err)
		}
		intr1, intr2 = res1.Intrinsics, res2.Intrinsics
		poses1, poses2 = res1.Poses, res2.Poses
	} else {
		intr1, intr2 = guess1.Clone(), guess2.Clone()
		for i, v := range views {
			om1, T1, err := InitExtrinsics(v.Object, v.Image1, intr1)
			if err != nil {
				return nil, fmt.Errorf("view %d left init: %w", i, err)
			}
			om2, T2, err := InitExtrinsics(v.Object, v.Image2, intr2)
			if err != nil {
				return nil, fmt.Errorf("view %d right init: %w", i, err)
			}
			poses1[i], poses2[i] = Pose{om1, T1}, Pose{om2, T2}
		}
	}

	omCurs := make([]Vec3, n)
	tCurs := make([]Vec3, n)
	for i := range views {
		R1, _ := RotationFromRodrigues(poses1[i].Om)
		R2, _ := RotationFromRodrigues(poses2[i].Om)
		Rcur := R2.MulMat3(R1.T())
		omCurs[i] = RotationToRodrigues(Rcur)
		tCurs[i] = poses2[i].T.Sub(Rcur.Mul(poses1[i].T))
	}
	omCur := medianVec3(omCurs)
	tCur := medianVec3(tCurs)

	condThresh := DefaultCondThreshold
	checkCond := flags.has(CheckCond)

	const cols = 24
	size := cols + 6*n

	iter := 0
	for {
		JJ := mat.NewDense(size, size, nil)
		ex := mat.NewVecDense(size, nil)

		for k, v := range views {
			p := len(v.Object)
			projL, jacL, err := ProjectPoints(v.Object, poses1[k].Om, poses1[k].T, intr1, true)
			if err != nil {
				return nil, err
			}

			omr, Tr, domrdom1, domrdomcur, dTrdomcur, dTrdT1 := composeMotion(poses1[k].Om, poses1[k].T, omCur, tCur)
			projR, jacR, err := ProjectPoints(v.Object, omr, Tr, intr2, true)
			if err != nil {
				return nil, err
			}

			maxAbs := 0.0
			rows := mat.NewDense(4*p, size, nil)
			e := mat.NewVecDense(4*p, nil)
			for i := 0; i < p; i++ {
				exL := v.Image1[i].X - projL[i].X
				eyL := v.Image1[i].Y - projL[i].Y
				exR := v.Image2[i].X - projR[i].X
				eyR := v.Image2[i].Y - projR[i].Y
				for _, d := range [4]float64{exL, eyL, exR, eyR} {
					if math.Abs(d) > maxAbs {
						maxAbs = math.Abs(d)
					}
				}
				e.SetVec(4*i, exL)
				e.SetVec(4*i+1, eyL)
				e.SetVec(4*i+2, exR)
				e.SetVec(4*i+3, eyR)

				fullL := jacL[2*i].Flatten()
				fullLy := jacL[2*i+1].Flatten()
				for c := 0; c < maskLen; c++ {
					rows.Set(4*i, c, fullL[c])
					rows.Set(4*i+1, c, fullLy[c])
				}
				for c := 0; c < 6; c++ {
					rows.Set(4*i, cols+6*k+c, fullL[maskLen+c])
					rows.Set(4*i+1, cols+6*k+c, fullLy[maskLen+c])
				}

				fullR := jacR[2*i].Flatten()
				fullRy := jacR[2*i+1].Flatten()
				for c := 0; c < maskLen; c++ {
					rows.Set(4*i+2, maskLen+c, fullR[c])
					rows.Set(4*i+3, maskLen+c, fullRy[c])
				}
				dom1x, domcurx, dT1x, dTcurx := chainRightJacobian(jacR[2*i], domrdom1, domrdomcur, dTrdomcur, dTrdT1)
				dom1y, domcury, dT1y, dTcury := chainRightJacobian(jacR[2*i+1], domrdom1, domrdomcur, dTrdomcur, dTrdT1)
				for c := 0; c < 3; c++ {
					rows.Set(4*i+2, 18+c, domcurx[c])
					rows.Set(4*i+2, 21+c, dTcurx[c])
					rows.Set(4*i+2, cols+6*k+c, dom1x[c])
					rows.Set(4*i+2, cols+6*k+3+c, dT1x[c])

					rows.Set(4*i+3, 18+c, domcury[c])
					rows.Set(4*i+3, 21+c, dTcury[c])
					rows.Set(4*i+3, cols+6*k+c, dom1y[c])
					rows.Set(4*i+3, cols+6*k+3+c, dT1y[c])
				}
			}

			if maxAbs > stereoResidualLimit {
				return nil, fmt.Errorf("%w: view %d residual %.2fpx exceeds %.0fpx", ErrBadStereoPair, k, maxAbs, stereoResidualLimit)
			}

			var rowsT, block mat.Dense
			rowsT.CloneFrom(rows.T())
			block.Mul(&rowsT, rows)
			addBlock(JJ, 0, 0, &block)
			var blockE mat.Dense
			blockE.Mul(&rowsT, e)
			addVecBlock(ex, 0, &blockE)
		}

		mask := make([]bool, size)
		for i := 0; i < maskLen; i++ {
			mask[i] = intr1.Mask[i]
			mask[maskLen+i] = intr2.Mask[i]
		}
		for i := 2 * maskLen; i < size; i++ {
			mask[i] = true
		}
		keep := make([]int, 0, size)
		for i, m := range mask {
			if m {
				keep = append(keep, i)
			}
		}

		reducedJJ := subMatrixSquare(JJ, keep)
		reducedEx := subVector(ex, keep)

		if checkCond {
			var svd mat.SVD
			if svd.Factorize(reducedJJ, mat.SVDNone) {
				values := svd.Values(nil)
				if last := values[len(values)-1]; last > 0 {
					if cond := values[0] / last; cond > condThresh {
						return nil, fmt.Errorf("%w: stereo condition number %.3g exceeds %.3g", ErrIllConditioned, cond, condThresh)
					}
				}
			}
		}

		var reducedInv mat.Dense
		if err := reducedInv.Inverse(reducedJJ); err != nil {
			return nil, fmt.Errorf("%w: stereo normal-equation matrix is singular: %v", ErrDegenerateSystem, err)
		}
		var deltaReduced mat.Dense
		deltaReduced.Mul(&reducedInv, reducedEx)

		damp := dampingFactor(iter)
		compact1 := make([]float64, 0, maskLen)
		compact2 := make([]float64, 0, maskLen)
		var domCurDelta, dTcurDelta Vec3
		poseDelta := make([]Pose, n)
		for i, idx := range keep {
			val := deltaReduced.At(i, 0) * damp
			switch {
			case idx < maskLen:
				compact1 = append(compact1, val)
			case idx < 2*maskLen:
				compact2 = append(compact2, val)
			case idx < 2*maskLen+3:
				switch idx - 2*maskLen {
				case 0:
					domCurDelta.X = val
				case 1:
					domCurDelta.Y = val
				case 2:
					domCurDelta.Z = val
				}
			case idx < cols:
				switch idx - (2*maskLen + 3) {
				case 0:
					dTcurDelta.X = val
				case 1:
					dTcurDelta.Y = val
				case 2:
					dTcurDelta.Z = val
				}
			default:
				p := idx - cols
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

		intr1.applyMaskOrderDelta(compact1)
		intr2.applyMaskOrderDelta(compact2)
		oldTcur := tCur
		oldOmCur := omCur
		omCur = omCur.Add(domCurDelta)
		tCur = tCur.Add(dTcurDelta)
		for k := range poses1 {
			poses1[k].Om = poses1[k].Om.Add(poseDelta[k].Om)
			poses1[k].T = poses1[k].T.Add(poseDelta[k].T)
		}

		dTc, dOmc := oldTcur.Sub(tCur), oldOmCur.Sub(omCur)
		num := math.Sqrt(dTc.Dot(dTc) + dOmc.Dot(dOmc))
		den := math.Sqrt(tCur.Dot(tCur) + omCur.Dot(omCur))
		relChange := 0.0
		if den > 0 {
			relChange = num / den
		}

		iter++
		if term.done(iter, relChange) {
			break
		}
	}

	var sumSq float64
	count := 0
	for k, v := range views {
		projL, _, err := ProjectPoints(v.Object, poses1[k].Om, poses1[k].T, intr1, false)
		if err != nil {
			continue
		}
		omr, Tr, _, _, _, _ := composeMotion(poses1[k].Om, poses1[k].T, omCur, tCur)
		projR, _, err := ProjectPoints(v.Object, omr, Tr, intr2, false)
		if err != nil {
			continue
		}
		for i := range v.Object {
			exL, eyL := v.Image1[i].X-projL[i].X, v.Image1[i].Y-projL[i].Y
			exR, eyR := v.Image2[i].X-projR[i].X, v.Image2[i].Y-projR[i].Y
			sumSq += exL*exL + eyL*eyL + exR*exR + eyR*eyR
			count += 2
		}
	}
	rms := 0.0
	if count > 0 {
		rms = math.Sqrt(sumSq / float64(count))
	}

	return &StereoResult{
		Intrinsics1: intr1, Intrinsics2: intr2,
		Poses: poses1, OmCur: omCur, Tcur: tCur,
		RMS: rms, Iterations: iter,
	}, nil
}
