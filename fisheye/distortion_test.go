package fisheye

import (
	"math"
	"testing"
)

func TestUndistortPointsConverges(t *testing.T) {
	k := [4]float64{0.1, 0, 0, 0}
	x := Vec2{0.3, 0}

	distorted := DistortPoints([]Vec2{x}, k, 0)

	intr := &IntrinsicsState{Fx: 1, Fy: 1, K: k}
	pixel := Vec2{distorted[0].X, distorted[0].Y}
	recovered, err := UndistortPoints([]Vec2{pixel}, intr, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	closeTo(t, recovered[0].X, x.X, 1e-12, "undistort recovers x")
	closeTo(t, recovered[0].Y, x.Y, 1e-12, "undistort recovers y")
}

func TestUndistortDistortRoundTripGrid(t *testing.T) {
	k := [4]float64{0.05, -0.02, 0.01, -0.005}
	intr := &IntrinsicsState{Fx: 1, Fy: 1, K: k}

	maxR := math.Tan(80 * math.Pi / 180)
	for gx := -3; gx <= 3; gx++ {
		for gy := -3; gy <= 3; gy++ {
			x := Vec2{float64(gx) / 3 * maxR, float64(gy) / 3 * maxR}
			if math.Hypot(x.X, x.Y) > maxR {
				continue
			}
			distorted := DistortPoints([]Vec2{x}, k, 0)
			recovered, err := UndistortPoints(distorted, intr, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			tol := 1e-6 * math.Max(1, math.Hypot(x.X, x.Y))
			closeTo(t, recovered[0].X, x.X, tol, "round-trip x")
			closeTo(t, recovered[0].Y, x.Y, tol, "round-trip y")
		}
	}
}

func TestUndistortPointsOnAxis(t *testing.T) {
	intr := &IntrinsicsState{Fx: 1, Fy: 1, K: [4]float64{0.2, 0, 0, 0}}
	pixel := Vec2{0, 0}
	recovered, err := UndistortPoints([]Vec2{pixel}, intr, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, recovered[0].X, 0, 1e-12, "on-axis undistort x")
	closeTo(t, recovered[0].Y, 0, 1e-12, "on-axis undistort y")
}
