package fisheye

import "testing"

// TestFixedMapPacking reproduces the literal packing scenario: a continuous
// destination pixel of (10.25, 20.75) with InterTabSize=32, InterBits=5
// packs to map1=(10,20) and map2=776.
func TestFixedMapPacking(t *testing.T) {
	u, v := 10.25, 20.75
	iu := int32(roundHalfAwayFromZero(u * InterTabSize))
	iv := int32(roundHalfAwayFromZero(v * InterTabSize))

	m1x := int16(iu >> InterBits)
	m1y := int16(iv >> InterBits)
	m2 := uint16((iv&(InterTabSize-1))*InterTabSize + (iu & (InterTabSize - 1)))

	if m1x != 10 || m1y != 20 {
		t.Fatalf("map1 = (%d,%d), want (10,20)", m1x, m1y)
	}
	if m2 != 776 {
		t.Fatalf("map2 = %d, want 776", m2)
	}
}

func roundHalfAwayFromZero(x float64) float64 {
	if x >= 0 {
		return float64(int64(x + 0.5))
	}
	return float64(int64(x - 0.5))
}

func TestInitUndistortRectifyMapIdempotent(t *testing.T) {
	intr := &IntrinsicsState{Fx: 300, Fy: 300, Cx: 160, Cy: 120, K: [4]float64{0.01, -0.002, 0.001, 0}}
	newK := Mat3{200, 0, 160, 0, 200, 120, 0, 0, 1}

	m1, err := InitUndistortRectifyMap(intr, nil, newK, 32, 24, MapFloat)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := InitUndistortRectifyMap(intr, nil, newK, 32, 24, MapFloat)
	if err != nil {
		t.Fatal(err)
	}
	for i := range m1.MapXFloat {
		if m1.MapXFloat[i] != m2.MapXFloat[i] || m1.MapYFloat[i] != m2.MapYFloat[i] {
			t.Fatalf("pixel %d differs between two builds: (%v,%v) vs (%v,%v)",
				i, m1.MapXFloat[i], m1.MapYFloat[i], m2.MapXFloat[i], m2.MapYFloat[i])
		}
	}

	f1, err := InitUndistortRectifyMap(intr, nil, newK, 32, 24, MapFixed)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := InitUndistortRectifyMap(intr, nil, newK, 32, 24, MapFixed)
	if err != nil {
		t.Fatal(err)
	}
	for i := range f1.Map1 {
		if f1.Map1[i] != f2.Map1[i] || f1.Map2[i] != f2.Map2[i] {
			t.Fatalf("fixed pixel %d differs between two builds", i)
		}
	}
}

// TestInitUndistortRectifyMapParallelMatchesSequential checks that fanning
// the scanline walk out across goroutines produces the exact same map as
// the sequential incremental walk, for both a height that does not divide
// evenly by typical worker counts and the fixed-point packing.
func TestInitUndistortRectifyMapParallelMatchesSequential(t *testing.T) {
	intr := &IntrinsicsState{Fx: 300, Fy: 295, Cx: 160, Cy: 121, Alpha: 0.01, K: [4]float64{0.02, -0.004, 0.001, -0.0002}}
	newK := Mat3{210, 0, 160, 0, 205, 121, 0, 0, 1}
	R := Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}

	seq, err := InitUndistortRectifyMap(intr, &R, newK, 67, 53, MapFloat)
	if err != nil {
		t.Fatal(err)
	}
	par, err := InitUndistortRectifyMapParallel(intr, &R, newK, 67, 53, MapFloat)
	if err != nil {
		t.Fatal(err)
	}
	if par.Width != seq.Width || par.Height != seq.Height {
		t.Fatalf("parallel map dims (%d,%d) != sequential (%d,%d)", par.Width, par.Height, seq.Width, seq.Height)
	}
	for i := range seq.MapXFloat {
		closeTo(t, par.MapXFloat[i], seq.MapXFloat[i], 1e-9, "parallel map x")
		closeTo(t, par.MapYFloat[i], seq.MapYFloat[i], 1e-9, "parallel map y")
	}

	seqFixed, err := InitUndistortRectifyMap(intr, &R, newK, 67, 53, MapFixed)
	if err != nil {
		t.Fatal(err)
	}
	parFixed, err := InitUndistortRectifyMapParallel(intr, &R, newK, 67, 53, MapFixed)
	if err != nil {
		t.Fatal(err)
	}
	for i := range seqFixed.Map1 {
		if parFixed.Map1[i] != seqFixed.Map1[i] || parFixed.Map2[i] != seqFixed.Map2[i] {
			t.Fatalf("fixed pixel %d differs between parallel and sequential builds", i)
		}
	}
}
