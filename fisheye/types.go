package fisheye

import "gonum.org/v1/gonum/mat"

// Vec2 is a 2-D point or vector (x, y).
type Vec2 struct {
	X, Y float64
}

// Vec3 is a 3-D point or vector (x, y, z).
type Vec3 struct {
	X, Y, Z float64
}

// Mat3 is a dense 3x3 matrix stored row-major, matching the layout the
// photogrammetry package uses for MatrixInfo.Matrix.
type Mat3 [9]float64

// At returns the element at (row, col), 0-indexed.
func (m Mat3) At(row, col int) float64 {
	return m[row*3+col]
}

// Dense converts m to a *mat.Dense for callers that need to compose it with
// other gonum-backed matrices.
func (m Mat3) Dense() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64{}, m[:]...))
}

// Mul returns m*v.
func (m Mat3) Mul(v Vec3) Vec3 {
	return Vec3{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// MulMat3 returns m*n.
func (m Mat3) MulMat3(n Mat3) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[r*3+k] * n[k*3+c]
			}
			out[r*3+c] = s
		}
	}
	return out
}

// T returns the transpose of m.
func (m Mat3) T() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

func (a Vec3) Add(b Vec3) Vec3   { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3) Sub(b Vec3) Vec3   { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3) Scale(s float64) Vec3 { return Vec3{a.X * s, a.Y * s, a.Z * s} }
func (a Vec3) Dot(b Vec3) float64   { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{a.Y*b.Z - a.Z*b.Y, a.Z*b.X - a.X*b.Z, a.X*b.Y - a.Y*b.X}
}

func (a Vec2) Add(b Vec2) Vec2      { return Vec2{a.X + b.X, a.Y + b.Y} }
func (a Vec2) Sub(b Vec2) Vec2      { return Vec2{a.X - b.X, a.Y - b.Y} }
func (a Vec2) Scale(s float64) Vec2 { return Vec2{a.X * s, a.Y * s} }

// JacobianRow holds the partial derivatives of one projected pixel
// coordinate with respect to every calibration parameter, in the canonical
// column order: f(2), c(2), alpha(1), k(4), omega(3), T(3).
type JacobianRow struct {
	DF     [2]float64
	DC     [2]float64
	DAlpha float64
	DK     [4]float64
	DOmega [3]float64
	DT     [3]float64
}

// Flatten packs the row into the 15-element canonical order.
func (j JacobianRow) Flatten() []float64 {
	out := make([]float64, 0, 15)
	out = append(out, j.DF[0], j.DF[1], j.DC[0], j.DC[1], j.DAlpha)
	out = append(out, j.DK[:]...)
	out = append(out, j.DOmega[:]...)
	out = append(out, j.DT[:]...)
	return out
}
