// Package fisheye implements the equidistant ("fisheye") camera model:
// forward projection with its analytic Jacobian, point-wise distortion and
// undistortion, dense rectification map construction, single- and stereo-
// camera calibration by damped Gauss-Newton refinement, and the planning of
// rectifying cameras for a stereo pair.
//
// The package is synchronous and holds no package-level state: every
// exported function is reentrant given distinct arguments. ProjectPoints,
// DistortPoints, UndistortPoints and InitUndistortRectifyMap only read their
// inputs and write disjoint output ranges, so callers may fan them out over
// goroutines themselves. The only place the package does this internally is
// InitUndistortRectifyMapParallel, which splits the map's rows across
// goroutines and returns once all of them have finished.
package fisheye
