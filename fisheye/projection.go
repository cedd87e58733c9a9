package fisheye

import (
	"fmt"
	"math"
)

// nearAxisR is the radius below which the equidistant distortion ratio is
// taken to be exactly 1 rather than computed as theta_d/r, avoiding a
// division that would otherwise blow up on-axis.
const nearAxisR = 1e-8

// ProjectPoints projects object points through a view (rotation om,
// translation T) and the camera's intrinsics, returning one pixel per
// input point. withJacobian selects whether the per-point analytic
// Jacobian is also computed; pass false on hot paths that don't need it.
func ProjectPoints(points []Vec3, om, T Vec3, intr *IntrinsicsState, withJacobian bool) ([]Vec2, []JacobianRow, error) {
	R, dRdom := RotationFromRodrigues(om)
	pixels := make([]Vec2, len(points))
	var jac []JacobianRow
	if withJacobian {
		jac = make([]JacobianRow, 2*len(points))
	}

	fx, fy, cx, cy, alpha := intr.Fx, intr.Fy, intr.Cx, intr.Cy, intr.Alpha
	k := intr.K

	for i, X := range points {
		Y := R.Mul(X).Add(T)
		if Y.Z == 0 {
			return nil, nil, fmt.Errorf("%w: point %d projects to infinity (Z=0)", ErrDegenerateSystem, i)
		}
		invZ := 1 / Y.Z
		x := Vec2{Y.X * invZ, Y.Y * invZ}

		r2 := x.X*x.X + x.Y*x.Y
		r := math.Sqrt(r2)
		theta := math.Atan(r)
		theta2 := theta * theta
		theta3 := theta2 * theta
		theta4 := theta2 * theta2
		theta5 := theta4 * theta
		theta6 := theta4 * theta2
		theta7 := theta6 * theta
		theta8 := theta4 * theta4
		theta9 := theta8 * theta

		thetad := theta + k[0]*theta3 + k[1]*theta5 + k[2]*theta7 + k[3]*theta9

		var cdist, invr float64
		if r > nearAxisR {
			invr = 1 / r
			cdist = thetad * invr
		} else {
			cdist = 1
			invr = 1
		}

		xp := x.Scale(cdist)
		xpp := Vec2{xp.X + alpha*xp.Y, xp.Y}
		pixels[i] = Vec2{fx*xpp.X + cx, fy*xpp.Y + cy}

		if !withJacobian {
			continue
		}

		// dtheta_d/dtheta and dtheta/dr, dr/dx.
		dthetaddtheta := 1 + 3*k[0]*theta2 + 5*k[1]*theta4 + 7*k[2]*theta6 + 9*k[3]*theta8
		var dthetadr float64
		if r > nearAxisR {
			dthetadr = 1 / (1 + r2)
		}
		var drdx, drdy float64
		if r > nearAxisR {
			drdx = x.X * invr
			drdy = x.Y * invr
		}

		// dcdist/dx, dcdist/dy via chain rule cdist = thetad(theta(r(x,y))) / r.
		var dcdistdx, dcdistdy float64
		if r > nearAxisR {
			dthetaddx := dthetaddtheta * dthetadr * drdx
			dthetaddy := dthetaddtheta * dthetadr * drdy
			dcdistdx = (dthetaddx*r - thetad*drdx) * invr * invr
			dcdistdy = (dthetaddy*r - thetad*drdy) * invr * invr
		}

		// dk: d(thetad)/dk_j = theta^(2j+3).
		dthetaddk := [4]float64{theta3, theta5, theta7, theta9}

		// dY/dom (via dR/dom) and dY/dT = I.
		var dYdom [3]Vec3
		for c := 0; c < 3; c++ {
			dYdom[c] = dRdom[c].Mul(X)
		}

		// dx/dY (perspective division), then chain into dx/dom, dx/dT.
		// x0 = Y0/Y2, x1 = Y1/Y2.
		dx0dY := Vec3{invZ, 0, -Y.X * invZ * invZ}
		dx1dY := Vec3{0, invZ, -Y.Y * invZ * invZ}

		dx0dom := [3]float64{dx0dY.Dot(dYdom[0]), dx0dY.Dot(dYdom[1]), dx0dY.Dot(dYdom[2])}
		dx1dom := [3]float64{dx1dY.Dot(dYdom[0]), dx1dY.Dot(dYdom[1]), dx1dY.Dot(dYdom[2])}
		dx0dT := [3]float64{dx0dY.X, dx0dY.Y, dx0dY.Z}
		dx1dT := [3]float64{dx1dY.X, dx1dY.Y, dx1dY.Z}

		// xp = x*cdist; cdist depends on x through r/theta, so
		// dxp_a/dparam = cdist*dx_a/dparam + x_a*dcdist/dparam, and
		// dcdist/dparam = dcdist/dx*dx0/dparam + dcdist/dy*dx1/dparam.
		rowJac := func(dx0, dx1 [3]float64) (dxp0, dxp1 [3]float64) {
			for c := 0; c < 3; c++ {
				dcdist := dcdistdx*dx0[c] + dcdistdy*dx1[c]
				dxp0[c] = cdist*dx0[c] + x.X*dcdist
				dxp1[c] = cdist*dx1[c] + x.Y*dcdist
			}
			return
		}
		dxp0dom, dxp1dom := rowJac(dx0dom, dx1dom)
		dxp0dT, dxp1dT := rowJac(dx0dT, dx1dT)

		// xpp0 = xp0 + alpha*xp1, xpp1 = xp1.
		// Pixel_x = fx*xpp0 + cx, Pixel_y = fy*xpp1 + cy.
		jx := &jac[2*i]
		jy := &jac[2*i+1]

		jx.DF = [2]float64{xpp.X, 0}
		jy.DF = [2]float64{0, xpp.Y}
		jx.DC = [2]float64{1, 0}
		jy.DC = [2]float64{0, 1}

		// alpha asymmetry: the y row never depends on alpha.
		jx.DAlpha = fx * xp.Y
		jy.DAlpha = 0

		for j := 0; j < 4; j++ {
			dcdistdk := dthetaddk[j] * invr
			if r <= nearAxisR {
				dcdistdk = 0
			}
			jx.DK[j] = fx * (x.X*dcdistdk + alpha*x.Y*dcdistdk)
			jy.DK[j] = fy * x.Y * dcdistdk
		}

		for c := 0; c < 3; c++ {
			dxpp0dom := dxp0dom[c] + alpha*dxp1dom[c]
			dxpp0dT := dxp0dT[c] + alpha*dxp1dT[c]
			jx.DOmega[c] = fx * dxpp0dom
			jx.DT[c] = fx * dxpp0dT
			jy.DOmega[c] = fy * dxp1dom[c]
			jy.DT[c] = fy * dxp1dT[c]
		}
	}

	return pixels, jac, nil
}
