package fisheye

import (
	"math"
	"testing"
)

// TestDampingFactorMonotoneAndAsymptotic checks the §8 universal property:
// the damping factor is strictly increasing in the iteration count and
// tends to 1.
func TestDampingFactorMonotoneAndAsymptotic(t *testing.T) {
	prev := -1.0
	for iter := 0; iter < 50; iter++ {
		d := dampingFactor(iter)
		if d <= prev {
			t.Fatalf("damping factor not strictly increasing at iter %d: %v <= %v", iter, d, prev)
		}
		if d >= 1 {
			t.Fatalf("damping factor must stay below 1, got %v at iter %d", d, iter)
		}
		prev = d
	}
	if math.Abs(dampingFactor(49)-1) > 1e-10 {
		t.Fatalf("damping factor should approach 1 after many iterations, got %v", dampingFactor(49))
	}
}

// syntheticViews builds calibration views by projecting a planar grid of
// object points through known intrinsics and per-view poses, so Calibrate
// can be checked against ground truth.
func syntheticViews(t *testing.T, intr *IntrinsicsState, poses []Pose) []View {
	t.Helper()
	grid := make([]Vec3, 0, 25)
	for gy := -2; gy <= 2; gy++ {
		for gx := -2; gx <= 2; gx++ {
			grid = append(grid, Vec3{float64(gx) * 0.05, float64(gy) * 0.05, 0})
		}
	}
	views := make([]View, len(poses))
	for i, p := range poses {
		pixels, _, err := ProjectPoints(grid, p.Om, p.T, intr, false)
		if err != nil {
			t.Fatal(err)
		}
		views[i] = View{Object: grid, Image: pixels}
	}
	return views
}

func TestCalibrateRecoversKnownIntrinsics(t *testing.T) {
	truth := &IntrinsicsState{Fx: 420, Fy: 415, Cx: 320, Cy: 240, Alpha: 0, K: [4]float64{0.05, -0.01, 0, 0}}
	for i := range truth.Mask {
		truth.Mask[i] = true
	}

	poses := []Pose{
		{Om: Vec3{0.05, -0.03, 0.01}, T: Vec3{0, 0, 1.5}},
		{Om: Vec3{-0.1, 0.08, 0.2}, T: Vec3{0.1, -0.05, 1.6}},
		{Om: Vec3{0.2, 0.1, -0.1}, T: Vec3{-0.08, 0.05, 1.4}},
		{Om: Vec3{-0.05, -0.15, 0.05}, T: Vec3{0.03, 0.02, 1.7}},
	}
	views := syntheticViews(t, truth, poses)

	// Seed close to ground truth: the Gauss-Newton loop is only guaranteed
	// to converge well within a basin of attraction, and this test checks
	// recovery accuracy, not the basin's size.
	guess := &IntrinsicsState{Fx: 400, Fy: 400, Cx: 310, Cy: 230}
	term := TermCriteria{Type: TermEither, MaxCount: 50, Epsilon: 1e-12}
	result, err := Calibrate(views, [2]int{640, 480}, guess, UseIntrinsicGuess|FixSkew|FixK3|FixK4, term)
	if err != nil {
		t.Fatal(err)
	}

	closeTo(t, result.Intrinsics.Fx, truth.Fx, 1.0, "recovered fx")
	closeTo(t, result.Intrinsics.Fy, truth.Fy, 1.0, "recovered fy")
	closeTo(t, result.Intrinsics.Cx, truth.Cx, 1.0, "recovered cx")
	closeTo(t, result.Intrinsics.Cy, truth.Cy, 1.0, "recovered cy")
	if result.RMS > 1e-3 {
		t.Fatalf("expected near-zero RMS for noiseless synthetic data, got %v", result.RMS)
	}
}

// TestCalibrateRecoversKnownIntrinsicsWithSkewEstimated is the skew-
// estimated counterpart to TestCalibrateRecoversKnownIntrinsics: it omits
// FixSkew so alpha is refined jointly with cy, which is the only
// combination that exercises the cy/alpha cross-over documented on
// applyMaskOrderDelta. A regression back to a self-consistent (unswapped)
// update would misassign the two corrections and fail to converge to
// either ground-truth value here.
func TestCalibrateRecoversKnownIntrinsicsWithSkewEstimated(t *testing.T) {
	truth := &IntrinsicsState{Fx: 420, Fy: 415, Cx: 320, Cy: 240, Alpha: 0.015, K: [4]float64{0.05, -0.01, 0, 0}}
	for i := range truth.Mask {
		truth.Mask[i] = true
	}

	poses := []Pose{
		{Om: Vec3{0.05, -0.03, 0.01}, T: Vec3{0, 0, 1.5}},
		{Om: Vec3{-0.1, 0.08, 0.2}, T: Vec3{0.1, -0.05, 1.6}},
		{Om: Vec3{0.2, 0.1, -0.1}, T: Vec3{-0.08, 0.05, 1.4}},
		{Om: Vec3{-0.05, -0.15, 0.05}, T: Vec3{0.03, 0.02, 1.7}},
		{Om: Vec3{0.12, -0.2, -0.05}, T: Vec3{-0.02, -0.04, 1.55}},
	}
	views := syntheticViews(t, truth, poses)

	guess := &IntrinsicsState{Fx: 400, Fy: 400, Cx: 310, Cy: 230, Alpha: 0}
	term := TermCriteria{Type: TermEither, MaxCount: 80, Epsilon: 1e-14}
	result, err := Calibrate(views, [2]int{640, 480}, guess, UseIntrinsicGuess|FixK3|FixK4, term)
	if err != nil {
		t.Fatal(err)
	}

	closeTo(t, result.Intrinsics.Fx, truth.Fx, 1.0, "recovered fx")
	closeTo(t, result.Intrinsics.Fy, truth.Fy, 1.0, "recovered fy")
	closeTo(t, result.Intrinsics.Cx, truth.Cx, 1.0, "recovered cx")
	closeTo(t, result.Intrinsics.Cy, truth.Cy, 1.0, "recovered cy")
	closeTo(t, result.Intrinsics.Alpha, truth.Alpha, 5e-3, "recovered alpha")
	if result.RMS > 1e-3 {
		t.Fatalf("expected near-zero RMS for noiseless synthetic data, got %v", result.RMS)
	}
}

func TestCalibrateRejectsEmptyViews(t *testing.T) {
	_, err := Calibrate(nil, [2]int{640, 480}, nil, 0, TermCriteria{Type: TermMaxIter, MaxCount: 10})
	if err == nil {
		t.Fatal("expected error for zero views")
	}
}
