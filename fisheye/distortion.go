package fisheye

import (
	"fmt"
	"math"
)

// undistortIterations is the fixed number of fixed-point iterations
// UndistortPoints runs to invert the equidistant distortion polynomial.
// This is part of the contract, not a tuning knob.
const undistortIterations = 10

// DistortPoints applies the equidistant distortion polynomial to a set of
// already-normalised camera-centric points (no intrinsics scaling).
func DistortPoints(points []Vec2, k [4]float64, alpha float64) []Vec2 {
	out := make([]Vec2, len(points))
	for i, x := range points {
		r2 := x.X*x.X + x.Y*x.Y
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

		xp := x.Scale(cdist)
		out[i] = Vec2{xp.X + alpha*xp.Y, xp.Y}
	}
	return out
}

// UndistortPoints inverts the equidistant distortion model for pixel
// coordinates, optionally applying a rectifying rotation R and a target
// projection P. Passing nil for R and P is equivalent to the identity.
//
// For each point, ten fixed-point iterations refine theta from its
// distorted value theta_d; points with theta_d below nearAxisR skip the
// iteration and use scale 1 directly.
func UndistortPoints(pixels []Vec2, intr *IntrinsicsState, R *Mat3, P *Mat3) ([]Vec2, error) {
	out := make([]Vec2, len(pixels))
	fx, fy, cx, cy, alpha := intr.Fx, intr.Fy, intr.Cx, intr.Cy, intr.Alpha
	k := intr.K

	var RP Mat3
	hasRP := R != nil || P != nil
	if hasRP {
		r := identity3()
		if R != nil {
			r = *R
		}
		p := identity3()
		if P != nil {
			p = *P
		}
		RP = p.MulMat3(r)
	}

	for i, px := range pixels {
		pw := Vec2{(px.X - cx) / fx, (px.Y - cy) / fy}
		pw.X -= alpha * pw.Y

		thetad := math.Sqrt(pw.X*pw.X + pw.Y*pw.Y)
		var scale float64
		if thetad > nearAxisR {
			theta := thetad
			for iter := 0; iter < undistortIterations; iter++ {
				theta2 := theta * theta
				theta4 := theta2 * theta2
				theta6 := theta4 * theta2
				theta8 := theta4 * theta4
				theta = thetad / (1 + k[0]*theta2 + k[1]*theta4 + k[2]*theta6 + k[3]*theta8)
			}
			scale = math.Tan(theta) / thetad
		} else {
			scale = 1
		}

		pu := pw.Scale(scale)

		if !hasRP {
			out[i] = pu
			continue
		}
		v := RP.Mul(Vec3{pu.X, pu.Y, 1})
		if v.Z == 0 {
			return nil, fmt.Errorf("%w: rectified ray at infinity for point %d", ErrDegenerateSystem, i)
		}
		out[i] = Vec2{v.X / v.Z, v.Y / v.Z}
	}
	return out, nil
}
