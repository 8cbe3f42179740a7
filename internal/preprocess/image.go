// Package preprocess turns uploaded documents into inference-ready page images
package preprocess

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Bounds for vision token cost. The longer side of every normalized image
// lands inside [MinDim, MaxDim].
const (
	MaxDim         = 1024
	MinDim         = 256
	MaxAspectRatio = 6.0
)

// ErrDecode marks an unreadable page or image. Always page-scoped: callers
// skip the page, never the document.
var ErrDecode = errors.New("image decode failed")

// Normalize produces a bounded RGB image for the inference protocol. Extreme
// aspect ratios are logged but resized under the same rule; the warning is a
// soft signal, not a rejection.
func Normalize(img image.Image, log *zap.SugaredLogger) *image.NRGBA {
	// Clone forces 8-bit RGB(A) regardless of the source color model.
	out := imaging.Clone(img)

	bounds := out.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	longer, shorter := width, height
	if height > width {
		longer, shorter = height, width
	}
	if shorter < 1 {
		shorter = 1
	}

	aspect := float64(longer) / float64(shorter)
	if aspect > MaxAspectRatio {
		log.Warnw("Extreme aspect ratio detected, resizing conservatively",
			"width", width,
			"height", height,
			"ratio", fmt.Sprintf("%.2f", aspect),
		)
	}

	scale := 1.0
	switch {
	case longer > MaxDim:
		scale = float64(MaxDim) / float64(longer)
	case longer < MinDim:
		scale = float64(MinDim) / float64(longer)
	}

	if scale == 1.0 {
		return out
	}

	newWidth := int(float64(width) * scale)
	newHeight := int(float64(height) * scale)

	log.Infow("Resizing image",
		"from", fmt.Sprintf("%dx%d", width, height),
		"to", fmt.Sprintf("%dx%d", newWidth, newHeight),
		"scale", fmt.Sprintf("%.3f", scale),
	)

	return imaging.Resize(out, newWidth, newHeight, imaging.Lanczos)
}

// NormalizeFile loads an image from disk, corrects EXIF orientation, and
// normalizes it. Unreadable input wraps ErrDecode.
func NormalizeFile(path string, log *zap.SugaredLogger) (*image.NRGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	return Normalize(img, log), nil
}

// SaveImage writes img to path; the encoder follows the file extension.
func SaveImage(img image.Image, path string) error {
	return imaging.Save(img, path)
}
