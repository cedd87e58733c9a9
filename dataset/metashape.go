package dataset

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"fisheyecalib/fisheye"
)

// matrixXML is the shape of a single OpenCV-FileStorage-style matrix node:
// <Camera_Matrix rows="3" cols="3" dt="d"><data> v1 v2 v3 ... </data></Camera_Matrix>.
// The values are read from the <data> child element only.
type matrixXML struct {
	Rows int    `xml:"rows,attr"`
	Cols int    `xml:"cols,attr"`
	Data string `xml:"data"`
}

type intrinsicsXML struct {
	ImageWidth             int       `xml:"Image_Width"`
	ImageHeight            int       `xml:"Image_Height"`
	CameraMatrix           matrixXML `xml:"Camera_Matrix"`
	DistortionCoefficients matrixXML `xml:"Distortion_Coefficients"`
}

func parseFields(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("dataset: parsing matrix field %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}

// LoadMetashapeIntrinsics reads an OpenCV-FileStorage-style camera
// calibration export (the format photogrammetry pipelines such as Agisoft
// Metashape can emit) and converts it into a seed fisheye.IntrinsicsState
// plus the image size it was calibrated against.
func LoadMetashapeIntrinsics(path string) (*fisheye.IntrinsicsState, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("dataset: opening %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("dataset: reading %q: %w", path, err)
	}

	var doc intrinsicsXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, 0, 0, fmt.Errorf("dataset: parsing %q: %w", path, err)
	}

	cam, err := parseFields(doc.CameraMatrix.Data)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(cam) < 9 {
		return nil, 0, 0, fmt.Errorf("dataset: %q: camera matrix has %d entries, want 9", path, len(cam))
	}
	dist, err := parseFields(doc.DistortionCoefficients.Data)
	if err != nil {
		return nil, 0, 0, err
	}

	intr := &fisheye.IntrinsicsState{
		Fx:    cam[0],
		Cx:    cam[2],
		Fy:    cam[4],
		Cy:    cam[5],
		Alpha: 0,
	}
	if cam[0] != 0 {
		intr.Alpha = cam[1] / cam[0]
	}
	for i := 0; i < 4 && i < len(dist); i++ {
		intr.K[i] = dist[i]
	}
	for i := range intr.Mask {
		intr.Mask[i] = true
	}

	return intr, doc.ImageWidth, doc.ImageHeight, nil
}
