package fisheye

import (
	"math"
	"testing"
)

func closeTo(t *testing.T, got, want, tol float64, msg string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %v, want %v (tol %v)", msg, got, want, tol)
	}
}

func sanityIntrinsics() *IntrinsicsState {
	s := &IntrinsicsState{Fx: 100, Fy: 100}
	for i := range s.Mask {
		s.Mask[i] = true
	}
	return s
}

func TestProjectPointsForwardSanity(t *testing.T) {
	intr := sanityIntrinsics()
	points := []Vec3{{0, 0, 1}, {0.1, 0, 1}}

	pixels, _, err := ProjectPoints(points, Vec3{}, Vec3{}, intr, false)
	if err != nil {
		t.Fatal(err)
	}

	closeTo(t, pixels[0].X, 0, 1e-12, "on-axis pixel x")
	closeTo(t, pixels[0].Y, 0, 1e-12, "on-axis pixel y")

	want := 100 * math.Atan(0.1)
	closeTo(t, pixels[1].X, want, 1e-9, "off-axis pixel x")
	closeTo(t, pixels[1].Y, 0, 1e-12, "off-axis pixel y")
}

func TestProjectPointsNearAxisGuard(t *testing.T) {
	intr := sanityIntrinsics()
	intr.K = [4]float64{0.3, -0.2, 0.1, -0.05}

	r := 5e-9
	points := []Vec3{{r, 0, 1}}
	pixels, jac, err := ProjectPoints(points, Vec3{}, Vec3{}, intr, true)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(pixels[0].X) || math.IsNaN(pixels[0].Y) {
		t.Fatalf("near-axis projection produced NaN: %+v", pixels[0])
	}
	want := intr.Fx*r + intr.Cx
	closeTo(t, pixels[0].X, want, 1e-9, "near-axis pixel x (cdist forced to 1)")
	for _, row := range jac {
		if math.IsNaN(row.DAlpha) {
			t.Fatalf("near-axis jacobian produced NaN")
		}
	}
}

func TestProjectPointsAlphaAsymmetry(t *testing.T) {
	intr := sanityIntrinsics()
	intr.Alpha = 0.02
	intr.K = [4]float64{0.1, -0.05, 0.02, -0.01}
	om := Vec3{0.1, -0.2, 0.05}
	T := Vec3{0.01, -0.02, 1.5}

	points := []Vec3{{0.3, -0.1, 1}, {-0.2, 0.4, 1.2}, {0, 0, 1}}
	_, jac, err := ProjectPoints(points, om, T, intr, true)
	if err != nil {
		t.Fatal(err)
	}
	for i := range points {
		jx, jy := jac[2*i], jac[2*i+1]
		if jy.DAlpha != 0 {
			t.Errorf("point %d: y-row dAlpha = %v, want exactly 0", i, jy.DAlpha)
		}
		// x-row dAlpha must equal fx*x'_1, the post-distortion, pre-skew
		// y-coordinate; recompute it independently via DistortPoints.
		Y, _ := RotationFromRodrigues(om)
		y := Y.Mul(points[i]).Add(T)
		xn := Vec2{y.X / y.Z, y.Y / y.Z}
		distorted := DistortPoints([]Vec2{xn}, intr.K, 0)
		want := intr.Fx * distorted[0].Y
		closeTo(t, jx.DAlpha, want, 1e-9, "x-row dAlpha")
	}
}

func TestProjectPointsJacobianFiniteDifference(t *testing.T) {
	intr := sanityIntrinsics()
	intr.Fy = 105
	intr.Cx, intr.Cy = 319.5, 239.5
	intr.Alpha = 0.01
	intr.K = [4]float64{0.05, -0.02, 0.01, -0.005}
	om := Vec3{0.2, -0.1, 0.15}
	T := Vec3{0.05, -0.1, 2}
	points := []Vec3{{0.3, -0.2, 1}, {0.05, 0.4, 1.1}}

	_, jac, err := ProjectPoints(points, om, T, intr, true)
	if err != nil {
		t.Fatal(err)
	}

	const h = 1e-6
	check := func(name string, analytic float64, eval func(delta float64) Vec2, component int) {
		plus := eval(h)
		minus := eval(-h)
		var fd float64
		if component == 0 {
			fd = (plus.X - minus.X) / (2 * h)
		} else {
			fd = (plus.Y - minus.Y) / (2 * h)
		}
		if math.Abs(fd-analytic) > 1e-3*math.Max(1, math.Abs(fd))+1e-4 {
			t.Errorf("%s: analytic=%v finite-diff=%v", name, analytic, fd)
		}
	}

	for i := range points {
		jx, jy := jac[2*i], jac[2*i+1]

		projWithFx := func(d float64) Vec2 {
			c := intr.Clone()
			c.Fx += d
			p, _, _ := ProjectPoints(points[i:i+1], om, T, c, false)
			return p[0]
		}
		check("dFx/x", jx.DF[0], projWithFx, 0)

		projWithFy := func(d float64) Vec2 {
			c := intr.Clone()
			c.Fy += d
			p, _, _ := ProjectPoints(points[i:i+1], om, T, c, false)
			return p[0]
		}
		check("dFy/y", jy.DF[1], projWithFy, 1)

		projWithCx := func(d float64) Vec2 {
			c := intr.Clone()
			c.Cx += d
			p, _, _ := ProjectPoints(points[i:i+1], om, T, c, false)
			return p[0]
		}
		check("dCx/x", jx.DC[0], projWithCx, 0)

		projWithCy := func(d float64) Vec2 {
			c := intr.Clone()
			c.Cy += d
			p, _, _ := ProjectPoints(points[i:i+1], om, T, c, false)
			return p[0]
		}
		check("dCy/y", jy.DC[1], projWithCy, 1)

		projWithAlpha := func(d float64) Vec2 {
			c := intr.Clone()
			c.Alpha += d
			p, _, _ := ProjectPoints(points[i:i+1], om, T, c, false)
			return p[0]
		}
		check("dAlpha/x", jx.DAlpha, projWithAlpha, 0)
		check("dAlpha/y", jy.DAlpha, projWithAlpha, 1)

		projWithK := func(kIdx int) func(float64) Vec2 {
			return func(d float64) Vec2 {
				c := intr.Clone()
				c.K[kIdx] += d
				p, _, _ := ProjectPoints(points[i:i+1], om, T, c, false)
				return p[0]
			}
		}
		for kIdx := 0; kIdx < 4; kIdx++ {
			check("dK/x", jx.DK[kIdx], projWithK(kIdx), 0)
			check("dK/y", jy.DK[kIdx], projWithK(kIdx), 1)
		}

		projWithOm := func(axis int) func(float64) Vec2 {
			return func(d float64) Vec2 {
				o := om
				switch axis {
				case 0:
					o.X += d
				case 1:
					o.Y += d
				case 2:
					o.Z += d
				}
				p, _, _ := ProjectPoints(points[i:i+1], o, T, intr, false)
				return p[0]
			}
		}
		for axis := 0; axis < 3; axis++ {
			check("dOmega/x", jx.DOmega[axis], projWithOm(axis), 0)
			check("dOmega/y", jy.DOmega[axis], projWithOm(axis), 1)
		}

		projWithT := func(axis int) func(float64) Vec2 {
			return func(d float64) Vec2 {
				tt := T
				switch axis {
				case 0:
					tt.X += d
				case 1:
					tt.Y += d
				case 2:
					tt.Z += d
				}
				p, _, _ := ProjectPoints(points[i:i+1], om, tt, intr, false)
				return p[0]
			}
		}
		for axis := 0; axis < 3; axis++ {
			check("dT/x", jx.DT[axis], projWithT(axis), 0)
			check("dT/y", jy.DT[axis], projWithT(axis), 1)
		}
	}
}
