package fisheye

import "math"

// NewCameraMatrixOptions configures EstimateNewCameraMatrixForUndistortRectify.
type NewCameraMatrixOptions struct {
	Balance    float64 // 0 (tightest crop) .. 1 (no crop, full fisheye FOV)
	FovScale   float64 // > 0; > 1 zooms out, < 1 zooms in
	NewSize    [2]int  // destination size; [0,0] keeps the source size
	DenseBoundarySampling bool
}

// WithDenseBoundarySampling returns options with the ten-samples-per-side
// boundary sweep enabled instead of the default four-midpoint sample. Wide-
// FOV rigs whose boundary curvature is poorly captured by four points can
// use this for a tighter, less conservative new camera matrix.
func WithDenseBoundarySampling(o NewCameraMatrixOptions) NewCameraMatrixOptions {
	o.DenseBoundarySampling = true
	return o
}

// EstimateNewCameraMatrixForUndistortRectify derives a pinhole camera
// matrix that, after InitUndistortRectifyMap, exposes a specified fraction
// of the fisheye source's field of view.
func EstimateNewCameraMatrixForUndistortRectify(intr *IntrinsicsState, R *Mat3, width, height int, opts NewCameraMatrixOptions) (Mat3, error) {
	rot := identity3()
	if R != nil {
		rot = *R
	}
	if opts.FovScale <= 0 {
		opts.FovScale = 1
	}

	aspectRatio := intr.Fx / intr.Fy

	var boundary []Vec2
	if opts.DenseBoundarySampling {
		boundary = denseBoundarySamples(width, height)
	} else {
		boundary = []Vec2{
			{float64(width) / 2, 0},
			{float64(width), float64(height) / 2},
			{float64(width) / 2, float64(height)},
			{0, float64(height) / 2},
		}
	}

	normed, err := UndistortPoints(boundary, intr, &rot, nil)
	if err != nil {
		return Mat3{}, err
	}

	var cn Vec2
	for i := range normed {
		normed[i].Y *= aspectRatio
		cn = cn.Add(normed[i])
	}
	cn = cn.Scale(1 / float64(len(normed)))

	minX, maxX := normed[0].X, normed[0].X
	minY, maxY := normed[0].Y, normed[0].Y
	for _, p := range normed {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}

	f1 := float64(width) / (2 * (cn.X - minX))
	f2 := float64(width) / (2 * (maxX - cn.X))
	f3 := float64(height) * aspectRatio / (2 * (cn.Y - minY))
	f4 := float64(height) * aspectRatio / (2 * (maxY - cn.Y))

	fmin := math.Min(math.Min(f1, f2), math.Min(f3, f4))
	fmax := math.Max(math.Max(f1, f2), math.Max(f3, f4))

	f := (opts.Balance*fmin + (1-opts.Balance)*fmax) / opts.FovScale

	newCx := float64(width)/2 - cn.X*f
	newCy := float64(height)*aspectRatio/2 - cn.Y*f

	fx, fy := f, f/aspectRatio
	cy := newCy / aspectRatio

	if opts.NewSize[0] != 0 && opts.NewSize[1] != 0 {
		rx := float64(opts.NewSize[0]) / float64(width)
		ry := float64(opts.NewSize[1]) / float64(height)
		fx, fy = fx*rx, fy*ry
		newCx, cy = newCx*rx, cy*ry
	}

	return Mat3{fx, 0, newCx, 0, fy, cy, 0, 0, 1}, nil
}

// denseBoundarySamples is the alternative ten-points-per-side boundary sweep.
func denseBoundarySamples(width, height int) []Vec2 {
	const samplesPerSide = 10
	pts := make([]Vec2, 0, 4*samplesPerSide)
	w, h := float64(width), float64(height)
	for i := 0; i < samplesPerSide; i++ {
		t := float64(i) / float64(samplesPerSide-1)
		pts = append(pts, Vec2{t * w, 0})
		pts = append(pts, Vec2{t * w, h})
		pts = append(pts, Vec2{0, t * h})
		pts = append(pts, Vec2{w, t * h})
	}
	return pts
}

// StereoRectifyResult holds the rectifying rotations, projections and
// disparity-to-depth matrix produced by StereoRectify.
type StereoRectifyResult struct {
	R1, R2 Mat3
	P1, P2 [12]float64 // row-major 3x4
	Q      [16]float64 // row-major 4x4
}

// StereoRectify computes rectifying rotations for a two-camera rig given
// the rigid transform (om, T) recovered by StereoCalibrate, so that after
// rectification both image planes are coplanar and row-aligned.
func StereoRectify(intr1, intr2 *IntrinsicsState, om, T Vec3, width, height int, zeroDisparity bool, opts NewCameraMatrixOptions) (*StereoRectifyResult, error) {
	r, _ := RotationFromRodrigues(om.Scale(-0.5))
	tNew := r.Mul(T)

	var uu Vec3
	if tNew.X > 0 {
		uu.X = 1
	} else {
		uu.X = -1
	}

	tnorm := norm3(tNew)
	var wr Mat3
	if tnorm < 1e-12 {
		wr = identity3()
	} else {
		axis := tNew.Cross(uu)
		axisNorm := norm3(axis)
		if axisNorm < 1e-12 {
			wr = identity3()
		} else {
			angle := math.Acos(math.Abs(tNew.X) / tnorm)
			wr, _ = RotationFromRodrigues(axis.Scale(angle / axisNorm))
		}
	}

	R1 := wr.MulMat3(r.T())
	R2 := wr.MulMat3(r)

	newK1, err := EstimateNewCameraMatrixForUndistortRectify(intr1, &R1, width, height, opts)
	if err != nil {
		return nil, err
	}
	newK2, err := EstimateNewCameraMatrixForUndistortRectify(intr2, &R2, width, height, opts)
	if err != nil {
		return nil, err
	}

	fc := math.Min(newK1.At(1, 1), newK2.At(1, 1))

	var cx1, cx2, cy float64
	if zeroDisparity {
		cx1 = (newK1.At(0, 2) + newK2.At(0, 2)) / 2
		cx2 = cx1
		cy = (newK1.At(1, 2) + newK2.At(1, 2)) / 2
	} else {
		cx1 = newK1.At(0, 2)
		cx2 = newK2.At(0, 2)
		cy = (newK1.At(1, 2) + newK2.At(1, 2)) / 2
	}

	tNewRotated := R2.Mul(T)
	baseline := tNewRotated.X

	P1 := [12]float64{
		fc, 0, cx1, 0,
		0, fc, cy, 0,
		0, 0, 1, 0,
	}
	P2 := [12]float64{
		fc, 0, cx2, baseline * fc,
		0, fc, cy, 0,
		0, 0, 1, 0,
	}

	Q := [16]float64{
		1, 0, 0, -cx1,
		0, 1, 0, -cy,
		0, 0, 0, fc,
		0, 0, -1 / baseline, (cx1 - cx2) / baseline,
	}

	return &StereoRectifyResult{R1: R1, R2: R2, P1: P1, P2: P2, Q: Q}, nil
}
