// Package dataset loads calibration sessions and seed intrinsics from disk,
// the way the teacher repository's imports package loads a photogrammetry
// project: plain JSON for sessions, Agisoft Metashape XML for an external
// intrinsics guess, and bimg for reading a source image's pixel size.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"fisheyecalib/fisheye"
)

// Point2 and Point3 are the JSON wire forms of fisheye.Vec2 and fisheye.Vec3.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Point2) toVec2() fisheye.Vec2 { return fisheye.Vec2{X: p.X, Y: p.Y} }
func (p Point3) toVec3() fisheye.Vec3 { return fisheye.Vec3{X: p.X, Y: p.Y, Z: p.Z} }

// IntrinsicsGuess is the JSON wire form of a seed IntrinsicsState.
type IntrinsicsGuess struct {
	Fx     float64   `json:"fx"`
	Fy     float64   `json:"fy"`
	Cx     float64   `json:"cx"`
	Cy     float64   `json:"cy"`
	Alpha  float64   `json:"alpha"`
	K      [4]float64 `json:"k"`
}

func (g *IntrinsicsGuess) toIntrinsics() *fisheye.IntrinsicsState {
	if g == nil {
		return nil
	}
	s := &fisheye.IntrinsicsState{Fx: g.Fx, Fy: g.Fy, Cx: g.Cx, Cy: g.Cy, Alpha: g.Alpha, K: g.K}
	for i := range s.Mask {
		s.Mask[i] = true
	}
	return s
}

// ViewJSON is one calibration view's point correspondences as read from a
// session file.
type ViewJSON struct {
	Object []Point3 `json:"object"`
	Image  []Point2 `json:"image"`
}

// Session is a single-camera calibration session: a sequence of views, an
// image size, and an optional intrinsics guess.
type Session struct {
	ImageWidth  int              `json:"imageWidth"`
	ImageHeight int              `json:"imageHeight"`
	Guess       *IntrinsicsGuess `json:"guess,omitempty"`
	Views       []ViewJSON       `json:"views"`
}

// ToFisheye converts a loaded Session into the fisheye package's argument
// shapes for Calibrate.
func (s *Session) ToFisheye() ([]fisheye.View, [2]int, *fisheye.IntrinsicsState) {
	views := make([]fisheye.View, len(s.Views))
	for i, v := range s.Views {
		views[i] = fisheye.View{Object: toVec3Slice(v.Object), Image: toVec2Slice(v.Image)}
	}
	return views, [2]int{s.ImageWidth, s.ImageHeight}, s.Guess.toIntrinsics()
}

// StereoViewJSON is one stereo calibration view: object points plus their
// projections in both cameras.
type StereoViewJSON struct {
	Object []Point3 `json:"object"`
	Image1 []Point2 `json:"image1"`
	Image2 []Point2 `json:"image2"`
}

// StereoSession is a two-camera calibration session.
type StereoSession struct {
	ImageWidth1               int              `json:"imageWidth1"`
	ImageHeight1              int              `json:"imageHeight1"`
	ImageWidth2               int              `json:"imageWidth2"`
	ImageHeight2              int              `json:"imageHeight2"`
	Guess1                    *IntrinsicsGuess `json:"guess1,omitempty"`
	Guess2                    *IntrinsicsGuess `json:"guess2,omitempty"`
	Views                     []StereoViewJSON `json:"views"`
}

// ToFisheye converts a loaded StereoSession into the fisheye package's
// argument shapes for StereoCalibrate.
func (s *StereoSession) ToFisheye() ([]fisheye.StereoView, [2]int, [2]int, *fisheye.IntrinsicsState, *fisheye.IntrinsicsState) {
	views := make([]fisheye.StereoView, len(s.Views))
	for i, v := range s.Views {
		views[i] = fisheye.StereoView{
			Object: toVec3Slice(v.Object),
			Image1: toVec2Slice(v.Image1),
			Image2: toVec2Slice(v.Image2),
		}
	}
	size1 := [2]int{s.ImageWidth1, s.ImageHeight1}
	size2 := [2]int{s.ImageWidth2, s.ImageHeight2}
	return views, size1, size2, s.Guess1.toIntrinsics(), s.Guess2.toIntrinsics()
}

func toVec3Slice(pts []Point3) []fisheye.Vec3 {
	out := make([]fisheye.Vec3, len(pts))
	for i, p := range pts {
		out[i] = p.toVec3()
	}
	return out
}

func toVec2Slice(pts []Point2) []fisheye.Vec2 {
	out := make([]fisheye.Vec2, len(pts))
	for i, p := range pts {
		out[i] = p.toVec2()
	}
	return out
}

// LoadSession reads a single-camera calibration session from a JSON file.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: reading session %q: %w", path, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("dataset: parsing session %q: %w", path, err)
	}
	return &s, nil
}

// LoadStereoSession reads a two-camera calibration session from a JSON file.
func LoadStereoSession(path string) (*StereoSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: reading stereo session %q: %w", path, err)
	}
	var s StereoSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("dataset: parsing stereo session %q: %w", path, err)
	}
	return &s, nil
}
