// Command fisheyecalib is a thin JSON-in/JSON-out driver over the fisheye
// calibration core: it loads a session written by dataset.LoadSession or
// dataset.LoadStereoSession and writes the recovered intrinsics, RMS and
// iteration count (and, for stereo, the rigid transform between the
// cameras) back out as JSON, the way the teacher's App methods drove the
// photogrammetry package from an on-disk project file. Per-view poses are
// not written.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"fisheyecalib/dataset"
	"fisheyecalib/fisheye"
)

type resultJSON struct {
	Fx     float64    `json:"fx"`
	Fy     float64    `json:"fy"`
	Cx     float64    `json:"cx"`
	Cy     float64    `json:"cy"`
	Alpha  float64    `json:"alpha"`
	K      [4]float64 `json:"k"`
	RMS    float64    `json:"rms"`
	Iterations int    `json:"iterations"`
	Rectify *rectifyJSON `json:"rectify,omitempty"`
}

type stereoResultJSON struct {
	Camera1 resultJSON `json:"camera1"`
	Camera2 resultJSON `json:"camera2"`
	OmCur   [3]float64 `json:"omCur"`
	Tcur    [3]float64 `json:"tCur"`
	RMS     float64    `json:"rms"`
	Iterations int     `json:"iterations"`
	Rectify *stereoRectifyJSON `json:"rectify,omitempty"`
}

// rectifyJSON summarizes a built RectifyMap instead of dumping every pixel's
// source coordinates: the new camera matrix the map was built against, its
// dimensions, and the four corner samples, enough to spot-check the map
// without the output scaling with image resolution.
type rectifyJSON struct {
	NewCameraMatrix [9]float64 `json:"newCameraMatrix"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	CornerSamples   [4][2]float64 `json:"cornerSamples"` // top-left, top-right, bottom-left, bottom-right
}

type stereoRectifyJSON struct {
	Camera1 rectifyJSON `json:"camera1"`
	Camera2 rectifyJSON `json:"camera2"`
	Q       [16]float64 `json:"q"`
}

func summarizeMap(newK fisheye.Mat3, m *fisheye.RectifyMap) rectifyJSON {
	sample := func(x, y int) [2]float64 {
		idx := y*m.Width + x
		if m.Type == fisheye.MapFloat {
			return [2]float64{m.MapXFloat[idx], m.MapYFloat[idx]}
		}
		return [2]float64{float64(m.Map1[idx][0]), float64(m.Map1[idx][1])}
	}
	return rectifyJSON{
		NewCameraMatrix: [9]float64(newK),
		Width:           m.Width,
		Height:          m.Height,
		CornerSamples: [4][2]float64{
			sample(0, 0),
			sample(m.Width-1, 0),
			sample(0, m.Height-1),
			sample(m.Width-1, m.Height-1),
		},
	}
}

func toResultJSON(intr *fisheye.IntrinsicsState, rms float64, iterations int) resultJSON {
	return resultJSON{
		Fx: intr.Fx, Fy: intr.Fy, Cx: intr.Cx, Cy: intr.Cy,
		Alpha: intr.Alpha, K: intr.K, RMS: rms, Iterations: iterations,
	}
}

func main() {
	sessionPath := flag.String("session", "", "path to a calibration session JSON file")
	stereo := flag.Bool("stereo", false, "treat the session as a two-camera stereo session")
	maxIter := flag.Int("max-iter", 30, "maximum Gauss-Newton iterations")
	epsilon := flag.Float64("epsilon", 1e-8, "relative-change termination threshold")
	rectify := flag.Bool("rectify", false, "also build an undistort/rectify map from the recovered intrinsics")
	balance := flag.Float64("balance", 0.0, "rectify crop/FOV balance, 0 (tight crop) .. 1 (full fisheye FOV)")
	fovScale := flag.Float64("fov-scale", 1.0, "rectify FOV scale, >1 zooms out, <1 zooms in")
	flag.Parse()

	if *sessionPath == "" {
		log.Fatal("fisheyecalib: -session is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	term := fisheye.TermCriteria{Type: fisheye.TermEither, MaxCount: *maxIter, Epsilon: *epsilon}
	rectOpts := fisheye.NewCameraMatrixOptions{Balance: *balance, FovScale: *fovScale}

	if *stereo {
		if err := runStereo(ctx, *sessionPath, term, *rectify, rectOpts); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := runMono(ctx, *sessionPath, term, *rectify, rectOpts); err != nil {
		log.Fatal(err)
	}
}

// runMono loads and calibrates a single-camera session. The context only
// bounds the session-loading I/O; the Gauss-Newton loop itself is not
// cancellable, matching the fisheye package's synchronous contract.
func runMono(ctx context.Context, path string, term fisheye.TermCriteria, rectify bool, rectOpts fisheye.NewCameraMatrixOptions) error {
	session, err := loadWithContext(ctx, func() (*dataset.Session, error) { return dataset.LoadSession(path) })
	if err != nil {
		return err
	}

	views, size, guess := session.ToFisheye()
	log.Printf("fisheyecalib: calibrating %d views at %dx%d", len(views), size[0], size[1])

	flags := fisheye.CalibFlag(0)
	if guess != nil {
		flags |= fisheye.UseIntrinsicGuess
	}

	result, err := fisheye.Calibrate(views, size, guess, flags, term)
	if err != nil {
		return fmt.Errorf("fisheyecalib: calibration failed: %w", err)
	}

	out := toResultJSON(result.Intrinsics, result.RMS, result.Iterations)
	if rectify {
		rect, err := buildRectifyMap(result.Intrinsics, size, rectOpts)
		if err != nil {
			return fmt.Errorf("fisheyecalib: rectify map failed: %w", err)
		}
		out.Rectify = &rect
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

func runStereo(ctx context.Context, path string, term fisheye.TermCriteria, rectify bool, rectOpts fisheye.NewCameraMatrixOptions) error {
	session, err := loadWithContext(ctx, func() (*dataset.StereoSession, error) { return dataset.LoadStereoSession(path) })
	if err != nil {
		return err
	}

	views, size1, size2, guess1, guess2 := session.ToFisheye()
	log.Printf("fisheyecalib: stereo calibrating %d views", len(views))

	flags := fisheye.CalibFlag(0)
	if guess1 != nil && guess2 != nil {
		flags |= fisheye.UseIntrinsicGuess
	}

	result, err := fisheye.StereoCalibrate(views, size1, size2, guess1, guess2, flags, term)
	if err != nil {
		return fmt.Errorf("fisheyecalib: stereo calibration failed: %w", err)
	}

	out := stereoResultJSON{
		Camera1:    toResultJSON(result.Intrinsics1, result.RMS, result.Iterations),
		Camera2:    toResultJSON(result.Intrinsics2, result.RMS, result.Iterations),
		OmCur:      [3]float64{result.OmCur.X, result.OmCur.Y, result.OmCur.Z},
		Tcur:       [3]float64{result.Tcur.X, result.Tcur.Y, result.Tcur.Z},
		RMS:        result.RMS,
		Iterations: result.Iterations,
	}
	if rectify {
		rect, err := buildStereoRectifyMaps(result, size1, size2, rectOpts)
		if err != nil {
			return fmt.Errorf("fisheyecalib: stereo rectify map failed: %w", err)
		}
		out.Rectify = &rect
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

// buildRectifyMap derives a new camera matrix for the recovered intrinsics
// and fans the scanlines of its rectify map out over
// fisheye.InitUndistortRectifyMapParallel, sized to runtime.GOMAXPROCS(0),
// the worker pool large target images need to keep map-building off the
// critical path of a full calibrate-and-rectify run.
func buildRectifyMap(intr *fisheye.IntrinsicsState, size [2]int, opts fisheye.NewCameraMatrixOptions) (rectifyJSON, error) {
	newK, err := fisheye.EstimateNewCameraMatrixForUndistortRectify(intr, nil, size[0], size[1], opts)
	if err != nil {
		return rectifyJSON{}, err
	}
	m, err := fisheye.InitUndistortRectifyMapParallel(intr, nil, newK, size[0], size[1], fisheye.MapFloat)
	if err != nil {
		return rectifyJSON{}, err
	}
	return summarizeMap(newK, m), nil
}

func buildStereoRectifyMaps(result *fisheye.StereoResult, size1, size2 [2]int, opts fisheye.NewCameraMatrixOptions) (stereoRectifyJSON, error) {
	rect, err := fisheye.StereoRectify(result.Intrinsics1, result.Intrinsics2, result.OmCur, result.Tcur, size1[0], size1[1], true, opts)
	if err != nil {
		return stereoRectifyJSON{}, err
	}
	m1, err := fisheye.InitUndistortRectifyMapParallel(result.Intrinsics1, &rect.R1, matFromP(rect.P1), size1[0], size1[1], fisheye.MapFloat)
	if err != nil {
		return stereoRectifyJSON{}, err
	}
	m2, err := fisheye.InitUndistortRectifyMapParallel(result.Intrinsics2, &rect.R2, matFromP(rect.P2), size2[0], size2[1], fisheye.MapFloat)
	if err != nil {
		return stereoRectifyJSON{}, err
	}
	return stereoRectifyJSON{
		Camera1: summarizeMap(matFromP(rect.P1), m1),
		Camera2: summarizeMap(matFromP(rect.P2), m2),
		Q:       rect.Q,
	}, nil
}

// matFromP extracts the 3x3 camera-matrix block from a row-major 3x4
// projection matrix, discarding the translation column InitUndistortRectifyMap
// has no use for.
func matFromP(p [12]float64) fisheye.Mat3 {
	return fisheye.Mat3{p[0], p[1], p[2], p[4], p[5], p[6], p[8], p[9], p[10]}
}

// loadWithContext runs a blocking file-load function but respects ctx's
// deadline, the same boundary the teacher's App held a context across
// without threading it into pure computation.
func loadWithContext[T any](ctx context.Context, load func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := load()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
