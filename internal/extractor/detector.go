package extractor

import (
	"fmt"
	"image"
	"image/draw"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// Detection is one face found in a frame.
type Detection struct {
	Rect  image.Rectangle
	Score float64
}

// FaceDetector localizes faces in a decoded frame. Implementations must be
// safe for concurrent use by several workers.
type FaceDetector interface {
	Detect(img image.Image) ([]Detection, error)
}

// PigoOptions tunes the pixel-intensity cascade.
type PigoOptions struct {
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64
}

// PigoDetector is the default detector, backed by a pigo cascade file.
type PigoDetector struct {
	classifier *pigo.Pigo
	opts       PigoOptions
}

// NewPigoDetector loads the cascade at cascadePath.
func NewPigoDetector(cascadePath string, opts PigoOptions) (*PigoDetector, error) {
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}
	if opts.MinSize <= 0 {
		opts.MinSize = 20
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 2000
	}
	if opts.ShiftFactor <= 0 {
		opts.ShiftFactor = 0.1
	}
	if opts.ScaleFactor <= 0 {
		opts.ScaleFactor = 1.1
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = 0.2
	}
	return &PigoDetector{classifier: classifier, opts: opts}, nil
}

// Detect runs the cascade over a grayscale copy of img.
func (d *PigoDetector) Detect(img image.Image) ([]Detection, error) {
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		b := img.Bounds()
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	}
	cols, rows := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()

	params := pigo.CascadeParams{
		MinSize:     d.opts.MinSize,
		MaxSize:     d.opts.MaxSize,
		ShiftFactor: d.opts.ShiftFactor,
		ScaleFactor: d.opts.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(nrgba),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.opts.IoUThreshold)

	out := make([]Detection, 0, len(dets))
	for _, det := range dets {
		half := det.Scale / 2
		out = append(out, Detection{
			Rect:  image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half),
			Score: float64(det.Q),
		})
	}
	return out, nil
}
