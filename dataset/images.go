package dataset

import (
	"fmt"

	"github.com/h2non/bimg"
)

// ImageSize opens a source frame and returns its pixel dimensions, for
// sessions that omit an explicit image size and rely on the intrinsics
// seeding heuristic instead.
func ImageSize(path string) (width, height int, err error) {
	buffer, err := bimg.Read(path)
	if err != nil {
		return 0, 0, fmt.Errorf("dataset: reading image %q: %w", path, err)
	}
	size, err := bimg.NewImage(buffer).Size()
	if err != nil {
		return 0, 0, fmt.Errorf("dataset: inspecting image %q: %w", path, err)
	}
	return size.Width, size.Height, nil
}
