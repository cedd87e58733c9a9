package fisheye

import "errors"

// Sentinel errors. Every fallible exported function wraps one of these with
// fmt.Errorf("%w: ...") so callers can use errors.Is.
var (
	// ErrSizeMismatch is returned when two point slices that must be the
	// same length, or a matrix that must have a given shape, disagree.
	ErrSizeMismatch = errors.New("fisheye: size mismatch")

	// ErrTooFewPoints is returned by homography and extrinsics estimation
	// when fewer than four correspondences are supplied.
	ErrTooFewPoints = errors.New("fisheye: too few point correspondences")

	// ErrIllConditioned is returned when CheckCond is set and a Jacobian's
	// condition number exceeds the configured threshold.
	ErrIllConditioned = errors.New("fisheye: ill-conditioned jacobian")

	// ErrBadStereoPair is returned by StereoCalibrate when the maximum
	// reprojection residual for a view exceeds the sanity threshold.
	ErrBadStereoPair = errors.New("fisheye: bad stereo pair")

	// ErrDegenerateSystem is returned when an SVD-backed linear solve
	// encounters a rank-deficient system it was not prepared to handle.
	ErrDegenerateSystem = errors.New("fisheye: degenerate linear system")
)
