package fisheye

import "math"

// skew returns the 3x3 skew-symmetric matrix [v]x such that [v]x * w = v x w.
func skew(v Vec3) Mat3 {
	return Mat3{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	}
}

func identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

func (m Mat3) add(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] + n[i]
	}
	return out
}

func (m Mat3) sub(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] - n[i]
	}
	return out
}

func (m Mat3) scale(s float64) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] * s
	}
	return out
}

// col returns column k (0-indexed) of m.
func (m Mat3) col(k int) Vec3 {
	return Vec3{m.At(0, k), m.At(1, k), m.At(2, k)}
}

// dotMat3 is the Frobenius inner product of a and b.
func dotMat3(a, b Mat3) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// rodriguesEps is the rotation angle below which the exponential map and its
// Jacobian fall back to their first-order Taylor expansion to avoid
// dividing by a near-zero angle.
const rodriguesEps = 1e-12

// RotationFromRodrigues maps a Rodrigues rotation vector om to its rotation
// matrix R(om) and returns, alongside it, the three matrices dRdom[k] =
// dR/dom_k (k = 0,1,2), evaluated with the closed-form exponential-map
// Jacobian (Gallego & Yezzi).
func RotationFromRodrigues(om Vec3) (R Mat3, dRdom [3]Mat3) {
	theta := math.Sqrt(om.Dot(om))
	if theta < rodriguesEps {
		// R = I + [om]x + O(theta^2); the Jacobian of the skew term
		// with respect to each component is the corresponding
		// elementary skew-symmetric basis matrix.
		R = identity3().add(skew(om))
		dRdom[0] = skew(Vec3{1, 0, 0})
		dRdom[1] = skew(Vec3{0, 1, 0})
		dRdom[2] = skew(Vec3{0, 0, 1})
		return R, dRdom
	}

	u := om.Scale(1 / theta)
	K := skew(u)
	sinT, cosT := math.Sin(theta), math.Cos(theta)
	R = identity3().add(K.scale(sinT)).add(K.MulMat3(K).scale(1 - cosT))

	invTheta2 := 1 / (theta * theta)
	comps := [3]float64{om.X, om.Y, om.Z}
	I := identity3()
	for k := 0; k < 3; k++ {
		ek := Vec3{}
		switch k {
		case 0:
			ek.X = 1
		case 1:
			ek.Y = 1
		case 2:
			ek.Z = 1
		}
		_ = I
		v := om.Cross(ek.Sub(R.Mul(ek)))
		term := skew(om).scale(comps[k]).add(skew(v))
		dRdom[k] = term.MulMat3(R).scale(invTheta2)
	}
	return R, dRdom
}

// quatFromMat3 extracts a unit quaternion (w, x, y, z) from a rotation
// matrix using the standard largest-diagonal-element branch, which stays
// numerically stable across the full rotation range.
func quatFromMat3(R Mat3) (w, x, y, z float64) {
	m00, m01, m02 := R.At(0, 0), R.At(0, 1), R.At(0, 2)
	m10, m11, m12 := R.At(1, 0), R.At(1, 1), R.At(1, 2)
	m20, m21, m22 := R.At(2, 0), R.At(2, 1), R.At(2, 2)
	trace := m00 + m11 + m22

	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		w = 0.25 / s
		x = (m21 - m12) * s
		y = (m02 - m20) * s
		z = (m10 - m01) * s
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		w = (m21 - m12) / s
		x = 0.25 * s
		y = (m01 + m10) / s
		z = (m02 + m20) / s
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		w = (m02 - m20) / s
		x = (m01 + m10) / s
		y = 0.25 * s
		z = (m12 + m21) / s
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		w = (m10 - m01) / s
		x = (m02 + m20) / s
		y = (m12 + m21) / s
		z = 0.25 * s
	}
	return w, x, y, z
}

// RotationToRodrigues is the inverse of RotationFromRodrigues: given a
// rotation matrix R, it recovers the Rodrigues vector om with R(om) = R.
func RotationToRodrigues(R Mat3) Vec3 {
	w, x, y, z := quatFromMat3(R)
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	theta := 2 * math.Acos(w)
	s := math.Sqrt(1 - w*w)
	if s < 1e-8 {
		return Vec3{}
	}
	return Vec3{x / s, y / s, z / s}.Scale(theta)
}

// RotationToRodriguesJacobian returns, for a rotation matrix R, the three
// matrices domdR[m] whose (i, j) entry is d(om_m)/d(R_ij). No closed form
// from the reference material covers this direction cleanly, so it is
// obtained by central finite differences around RotationToRodrigues: the
// forward conversion already carries the closed-form Jacobian used by every
// performance-sensitive call site, and this inverse direction is only
// exercised by the much colder stereo pose-composition path.
func RotationToRodriguesJacobian(R Mat3) (domdR [3]Mat3) {
	const h = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			idx := i*3 + j
			plus, minus := R, R
			plus[idx] += h
			minus[idx] -= h
			op, om := RotationToRodrigues(plus), RotationToRodrigues(minus)
			d := op.Sub(om).Scale(1 / (2 * h))
			domdR[0][idx] = d.X
			domdR[1][idx] = d.Y
			domdR[2][idx] = d.Z
		}
	}
	return domdR
}
