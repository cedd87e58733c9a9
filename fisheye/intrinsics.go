package fisheye

import "math"

// maskLen is the number of mask-ordered intrinsic components: fx, fy, cx,
// cy, alpha, k1, k2, k3, k4.
const maskLen = 9

// IntrinsicsState holds one camera's intrinsic parameters together with the
// estimate mask that says which of them a calibration loop is allowed to
// move.
type IntrinsicsState struct {
	Fx, Fy float64
	Cx, Cy float64
	Alpha  float64
	K      [4]float64

	// Mask is fixed for the lifetime of a calibration run, ordered
	// (fx, fy, cx, cy, alpha, k1, k2, k3, k4).
	Mask [maskLen]bool
}

// NewIntrinsicsFromImageSize seeds an IntrinsicsState with no distortion and
// a focal-length heuristic of max(width, height)/pi, principal point at the
// image centre minus half a pixel. Every component is marked estimated.
func NewIntrinsicsFromImageSize(width, height int) *IntrinsicsState {
	f := float64(max(width, height)) / math.Pi
	s := &IntrinsicsState{
		Fx: f, Fy: f,
		Cx: float64(width)/2 - 0.5,
		Cy: float64(height)/2 - 0.5,
	}
	for i := range s.Mask {
		s.Mask[i] = true
	}
	return s
}

// CameraMatrix returns the 3x3 upper-triangular camera matrix
// [[fx, fx*alpha, cx], [0, fy, cy], [0, 0, 1]].
func (s *IntrinsicsState) CameraMatrix() Mat3 {
	return Mat3{
		s.Fx, s.Fx * s.Alpha, s.Cx,
		0, s.Fy, s.Cy,
		0, 0, 1,
	}
}

// Distortion returns a copy of the four distortion coefficients as an
// array.
func (s *IntrinsicsState) Distortion() [4]float64 { return s.K }

// deltaLen returns how many of the nine mask-ordered components are
// estimated.
func (s *IntrinsicsState) deltaLen() int {
	n := 0
	for _, m := range s.Mask {
		if m {
			n++
		}
	}
	return n
}

// packedOrder lists, in the delta-vector order the calibration loop
// consumes (fx, fy, cx, alpha, cy, k1, k2, k3, k4 -- alpha sits between cx
// and cy here even though the mask lists it after cy), a getter/setter pair
// for each component.
func (s *IntrinsicsState) packedOrder() ([9]func() float64, [9]func(float64)) {
	get := [9]func() float64{
		func() float64 { return s.Fx },
		func() float64 { return s.Fy },
		func() float64 { return s.Cx },
		func() float64 { return s.Alpha },
		func() float64 { return s.Cy },
		func() float64 { return s.K[0] },
		func() float64 { return s.K[1] },
		func() float64 { return s.K[2] },
		func() float64 { return s.K[3] },
	}
	set := [9]func(float64){
		func(v float64) { s.Fx = v },
		func(v float64) { s.Fy = v },
		func(v float64) { s.Cx = v },
		func(v float64) { s.Alpha = v },
		func(v float64) { s.Cy = v },
		func(v float64) { s.K[0] = v },
		func(v float64) { s.K[1] = v },
		func(v float64) { s.K[2] = v },
		func(v float64) { s.K[3] = v },
	}
	return get, set
}

// maskAt reports whether the delta-order slot i is estimated, translating
// from delta order (fx,fy,cx,alpha,cy,k1..k4) to mask order
// (fx,fy,cx,cy,alpha,k1..k4).
func (s *IntrinsicsState) maskAt(deltaSlot int) bool {
	// delta order index -> mask order index
	toMask := [9]int{0, 1, 2, 4, 3, 5, 6, 7, 8}
	return s.Mask[toMask[deltaSlot]]
}

// AddDelta adds delta, a vector whose length equals the number of estimated
// components, to the currently-estimated components only, consuming them in
// delta order. Unmasked components are left unchanged.
func (s *IntrinsicsState) AddDelta(delta []float64) {
	get, set := s.packedOrder()
	di := 0
	for slot := 0; slot < 9; slot++ {
		if !s.maskAt(slot) {
			continue
		}
		set[slot](get[slot]() + delta[di])
		di++
	}
}

// AssignDelta behaves like AddDelta but assigns rather than accumulates;
// every unmasked component is zeroed.
func (s *IntrinsicsState) AssignDelta(delta []float64) {
	_, set := s.packedOrder()
	di := 0
	for slot := 0; slot < 9; slot++ {
		if !s.maskAt(slot) {
			set[slot](0)
			continue
		}
		set[slot](delta[di])
		di++
	}
}

// applyMaskOrderDelta adds compact, the calibration loop's solved normal-
// equation delta restricted to this state's masked-in intrinsic columns and
// packed in ascending column order (fx, fy, cx, cy, alpha, k1..k4, skipping
// any column whose mask entry is false), to the currently estimated
// components.
//
// It does not simply add compact[i] to the column-order field at position
// i: per §4.3/§4.5's documented delta-order packing, the outer loop
// consumes this buffer as though cy and alpha traded places whenever both
// are estimated together, so alpha receives whatever value the Jacobian
// solved for cy's column and cy receives alpha's. This is deliberate and
// load-bearing -- reproducing it is required for the packed layout §9
// documents, not a bug to be fixed here.
func (s *IntrinsicsState) applyMaskOrderDelta(compact []float64) {
	j := 0
	next := func() float64 {
		v := compact[j]
		j++
		return v
	}
	if s.Mask[0] {
		s.Fx += next()
	}
	if s.Mask[1] {
		s.Fy += next()
	}
	if s.Mask[2] {
		s.Cx += next()
	}
	if s.Mask[4] {
		s.Alpha += next()
	}
	if s.Mask[3] {
		s.Cy += next()
	}
	if s.Mask[5] {
		s.K[0] += next()
	}
	if s.Mask[6] {
		s.K[1] += next()
	}
	if s.Mask[7] {
		s.K[2] += next()
	}
	if s.Mask[8] {
		s.K[3] += next()
	}
}

// Clone returns a deep copy.
func (s *IntrinsicsState) Clone() *IntrinsicsState {
	c := *s
	return &c
}
