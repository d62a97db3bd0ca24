package service

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// Decode checks the header before decoding so oversized or degenerate
// images are rejected without allocating their pixels.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := checkDims(cfg.Width, cfg.Height, maxPixels); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, format, nil
}

func checkDims(w, h, maxPixels int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: empty image", ErrDecode)
	}
	if maxPixels > 0 && int64(w)*int64(h) > int64(maxPixels) {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, w, h, maxPixels)
	}
	long, short := max(w, h), min(w, h)
	if float64(long)/float64(short) > MaxAspectRatio {
		return fmt.Errorf("%w: aspect ratio of %dx%d exceeds %v", ErrDecode, w, h, MaxAspectRatio)
	}
	return nil
}

// resizeDims scales (w, h) so the short edge equals size, truncating the long edge.
func resizeDims(w, h, size int) (int, int) {
	if w <= h {
		return size, int(float64(size) * float64(h) / float64(w))
	}
	return int(float64(size) * float64(w) / float64(h)), size
}

// cropOrigin is the offset of a centered crop, rounded half to even.
func cropOrigin(size, crop int) int {
	return int(math.RoundToEven(float64(size-crop) / 2))
}

// Preprocess turns img into a 1x3xImageSizexImageSize NCHW tensor:
// resize short edge to ResizeSize, center crop, scale to [0,1], normalize.
func Preprocess(img image.Image) ([]float32, error) {
	b := img.Bounds()
	if err := checkDims(b.Dx(), b.Dy(), 0); err != nil {
		return nil, err
	}

	w, h := resizeDims(b.Dx(), b.Dy(), ResizeSize)
	resized := imaging.Resize(img, w, h, imaging.Linear)
	x0, y0 := cropOrigin(w, ImageSize), cropOrigin(h, ImageSize)
	cropped := imaging.Crop(resized, image.Rect(x0, y0, x0+ImageSize, y0+ImageSize))

	out := make([]float32, 3*ImageSize*ImageSize)
	plane := ImageSize * ImageSize
	for y := range ImageSize {
		row := cropped.Pix[y*cropped.Stride:]
		for x := range ImageSize {
			px := row[x*4 : x*4+3]
			i := y*ImageSize + x
			for c := range 3 {
				v := float32(px[c]) / 255.0
				out[c*plane+i] = (v - ImageNetMean[c]) / ImageNetStd[c]
			}
		}
	}
	return out, nil
}

// Argmax returns the index of the largest score; ties go to the lowest index.
func Argmax(scores []float32) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i, v := range scores[1:] {
		if v > scores[best] {
			best = i + 1
		}
	}
	return best
}

func Softmax(scores []float32, i int) float32 {
	if i < 0 || i >= len(scores) {
		return 0
	}
	maxV := scores[Argmax(scores)]
	var sum float64
	for _, v := range scores {
		sum += math.Exp(float64(v - maxV))
	}
	return float32(math.Exp(float64(scores[i]-maxV)) / sum)
}
