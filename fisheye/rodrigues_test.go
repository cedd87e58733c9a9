package fisheye

import (
	"math"
	"testing"
)

func TestRotationRoundTrip(t *testing.T) {
	cases := []Vec3{
		{0, 0, 0},
		{0.1, 0, 0},
		{0.2, -0.3, 0.4},
		{1e-10, 0, 0},
		{0, 2.5, 0},
	}
	for _, om := range cases {
		R, _ := RotationFromRodrigues(om)
		om2 := RotationToRodrigues(R)
		R2, _ := RotationFromRodrigues(om2)
		for i := range R {
			closeTo(t, R2[i], R[i], 1e-8, "rotation round-trip matrix entry")
		}
	}
}

func TestRotationFromRodriguesIsOrthonormal(t *testing.T) {
	om := Vec3{0.3, -0.6, 0.9}
	R, _ := RotationFromRodrigues(om)
	RRt := R.MulMat3(R.T())
	I := identity3()
	for i := range RRt {
		closeTo(t, RRt[i], I[i], 1e-10, "R*R^T should be identity")
	}
	closeTo(t, det3(R), 1, 1e-10, "det(R) should be 1")
}

func TestRotationFromRodriguesJacobianFiniteDifference(t *testing.T) {
	om := Vec3{0.25, -0.4, 0.6}
	_, dRdom := RotationFromRodrigues(om)

	const h = 1e-6
	for axis := 0; axis < 3; axis++ {
		plus, minus := om, om
		switch axis {
		case 0:
			plus.X += h
			minus.X -= h
		case 1:
			plus.Y += h
			minus.Y -= h
		case 2:
			plus.Z += h
			minus.Z -= h
		}
		Rp, _ := RotationFromRodrigues(plus)
		Rm, _ := RotationFromRodrigues(minus)
		for i := range Rp {
			fd := (Rp[i] - Rm[i]) / (2 * h)
			closeTo(t, dRdom[axis][i], fd, 1e-4, "dR/dom finite difference")
		}
	}
}

func TestRotationFromRodriguesSmallAngleMatchesGeneral(t *testing.T) {
	om := Vec3{1e-9, 2e-9, -3e-9}
	R, _ := RotationFromRodrigues(om)
	if math.IsNaN(R[0]) {
		t.Fatal("small-angle rotation produced NaN")
	}
	I := identity3()
	for i := range R {
		closeTo(t, R[i], I[i], 1e-6, "near-zero rotation should be near identity")
	}
}
