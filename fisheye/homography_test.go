package fisheye

import "testing"

// TestComputeHomographyRecoversKnownMap builds correspondences from a known
// homography and checks ComputeHomography recovers it up to scale.
func TestComputeHomographyRecoversKnownMap(t *testing.T) {
	H := Mat3{
		1.2, 0.1, 5,
		-0.05, 0.9, -3,
		0.0002, -0.0001, 1,
	}

	src := []Vec2{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {5, 5}, {3, 8}}
	dst := make([]Vec2, len(src))
	for i, p := range src {
		v := H.Mul(Vec3{p.X, p.Y, 1})
		dst[i] = Vec2{v.X / v.Z, v.Y / v.Z}
	}

	got, err := ComputeHomography(src, dst)
	if err != nil {
		t.Fatal(err)
	}

	// Compare by reprojecting a held-out point through both homographies,
	// since H is only recoverable up to scale.
	test := Vec2{7, 2}
	want := H.Mul(Vec3{test.X, test.Y, 1})
	wantP := Vec2{want.X / want.Z, want.Y / want.Z}
	gotV := got.Mul(Vec3{test.X, test.Y, 1})
	gotP := Vec2{gotV.X / gotV.Z, gotV.Y / gotV.Z}

	closeTo(t, gotP.X, wantP.X, 1e-6, "recovered homography x")
	closeTo(t, gotP.Y, wantP.Y, 1e-6, "recovered homography y")
}

func TestComputeHomographyTooFewPoints(t *testing.T) {
	src := []Vec2{{0, 0}, {1, 0}, {1, 1}}
	dst := []Vec2{{0, 0}, {1, 0}, {1, 1}}
	_, err := ComputeHomography(src, dst)
	if err == nil {
		t.Fatal("expected error for fewer than 4 correspondences")
	}
}
