package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

const indexJSON = `{"0": ["n01440764", "tench"], "1": ["n01443537", "goldfish"], "2": ["n01484850", "great_white_shark"]}`

type fakeClassifier struct {
	scores []float32
	err    error
	calls  int
	inputs [][]float32
}

func (f *fakeClassifier) Classify(_ context.Context, input []float32) ([]float32, error) {
	f.calls++
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

func TestParseClassIndex(t *testing.T) {
	idx, err := ParseClassIndex([]byte(indexJSON))
	require.NoError(t, err)
	require.Len(t, idx, 3)

	e, err := idx.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, ClassEntry{ID: "n01443537", Name: "goldfish"}, e)

	_, err = idx.Lookup(7)
	require.ErrorIs(t, err, ErrUnknownClass)

	require.True(t, idx.Contains("n01440764", "tench"))
	require.False(t, idx.Contains("n01440764", "goldfish"))
}

func TestParseClassIndex_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"short entry":    `{"0": ["n01440764"]}`,
		"long entry":     `{"0": ["a", "b", "c"]}`,
		"non string":     `{"0": [1, 2]}`,
		"non int key":    `{"zero": ["a", "b"]}`,
		"object as pair": `{"0": {"id": "a"}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClassIndex([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestClassEntry_MarshalKeepsPairShape(t *testing.T) {
	idx, err := ParseClassIndex([]byte(`{"0": ["n01440764", "tench"]}`))
	require.NoError(t, err)

	b, err := idx["0"].MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `["n01440764", "tench"]`, string(b))
}

func TestLoadClassIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagenet_class_index.json")
	require.NoError(t, os.WriteFile(path, []byte(indexJSON), 0o644))

	idx, err := LoadClassIndex(path)
	require.NoError(t, err)
	require.Len(t, idx, 3)

	_, err = LoadClassIndex(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestResizeDims(t *testing.T) {
	w, h := resizeDims(500, 375, 255)
	require.Equal(t, 340, w)
	require.Equal(t, 255, h)

	w, h = resizeDims(375, 500, 255)
	require.Equal(t, 255, w)
	require.Equal(t, 340, h)

	w, h = resizeDims(100, 100, 255)
	require.Equal(t, 255, w)
	require.Equal(t, 255, h)
}

func TestPreprocess_SolidColor(t *testing.T) {
	img, _, err := Decode(pngBytes(t, 400, 300, color.NRGBA{R: 255, A: 255}), DefaultMaxPixels)
	require.NoError(t, err)

	out, err := Preprocess(img)
	require.NoError(t, err)
	require.Len(t, out, 3*ImageSize*ImageSize)

	plane := ImageSize * ImageSize
	wantR := (1 - ImageNetMean[0]) / ImageNetStd[0]
	wantG := (0 - ImageNetMean[1]) / ImageNetStd[1]
	wantB := (0 - ImageNetMean[2]) / ImageNetStd[2]
	for _, i := range []int{0, plane / 2, plane - 1} {
		require.InDelta(t, wantR, out[i], 1e-2)
		require.InDelta(t, wantG, out[plane+i], 1e-2)
		require.InDelta(t, wantB, out[2*plane+i], 1e-2)
	}
}

func TestPreprocess_SmallImageIsUpscaled(t *testing.T) {
	img, _, err := Decode(pngBytes(t, 8, 5, color.Gray{Y: 128}), DefaultMaxPixels)
	require.NoError(t, err)

	out, err := Preprocess(img)
	require.NoError(t, err)
	require.Len(t, out, 3*ImageSize*ImageSize)
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode(nil, DefaultMaxPixels)
	require.ErrorIs(t, err, ErrDecode)

	_, _, err = Decode([]byte("definitely not an image"), DefaultMaxPixels)
	require.ErrorIs(t, err, ErrDecode)
}

func TestArgmax(t *testing.T) {
	require.Equal(t, -1, Argmax(nil))
	require.Equal(t, 0, Argmax([]float32{1}))
	require.Equal(t, 2, Argmax([]float32{0.1, 0.3, 0.9, 0.2}))
	require.Equal(t, 1, Argmax([]float32{0.1, 0.9, 0.9, 0.2}), "ties go to the first index")
}

func TestSoftmax(t *testing.T) {
	scores := []float32{1, 1}
	require.InDelta(t, 0.5, Softmax(scores, 0), 1e-6)
	require.Zero(t, Softmax(scores, 5))

	large := []float32{1000, 0}
	require.InDelta(t, 1.0, Softmax(large, 0), 1e-6)
}

func TestPredictor_Predict(t *testing.T) {
	idx, err := ParseClassIndex([]byte(indexJSON))
	require.NoError(t, err)
	fc := &fakeClassifier{scores: []float32{0.1, 0.2, 3.0}}
	p := NewPredictor(fc, idx)

	pred, err := p.Predict(context.Background(), pngBytes(t, 32, 32, color.White))
	require.NoError(t, err)
	require.Equal(t, "n01484850", pred.ClassID)
	require.Equal(t, "great_white_shark", pred.ClassName)
	require.Equal(t, 2, pred.Index)
	require.True(t, idx.Contains(pred.ClassID, pred.ClassName))
	require.Greater(t, pred.Confidence, float32(0.5))
	require.Len(t, fc.inputs[0], 3*ImageSize*ImageSize)
}

func TestPredictor_Deterministic(t *testing.T) {
	idx, err := ParseClassIndex([]byte(indexJSON))
	require.NoError(t, err)
	fc := &fakeClassifier{scores: []float32{0.5, 0.7, 0.1}}
	p := NewPredictor(fc, idx)
	data := pngBytes(t, 64, 48, color.NRGBA{R: 10, G: 200, B: 30, A: 255})

	first, err := p.Predict(context.Background(), data)
	require.NoError(t, err)
	for range 5 {
		again, err := p.Predict(context.Background(), data)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	for _, in := range fc.inputs[1:] {
		require.Equal(t, fc.inputs[0], in)
	}
}

func TestPredictor_Errors(t *testing.T) {
	idx, err := ParseClassIndex([]byte(indexJSON))
	require.NoError(t, err)
	img := pngBytes(t, 16, 16, color.Black)

	t.Run("not an image", func(t *testing.T) {
		fc := &fakeClassifier{scores: []float32{1, 0, 0}}
		_, err := NewPredictor(fc, idx).Predict(context.Background(), []byte("text"))
		require.ErrorIs(t, err, ErrDecode)
		require.Zero(t, fc.calls)
	})

	t.Run("classifier failure", func(t *testing.T) {
		boom := errors.New("boom")
		fc := &fakeClassifier{err: boom}
		_, err := NewPredictor(fc, idx).Predict(context.Background(), img)
		require.ErrorIs(t, err, ErrInference)
		require.ErrorIs(t, err, boom)
	})

	t.Run("empty scores", func(t *testing.T) {
		fc := &fakeClassifier{scores: []float32{}}
		_, err := NewPredictor(fc, idx).Predict(context.Background(), img)
		require.ErrorIs(t, err, ErrInference)
	})

	t.Run("index outside class table", func(t *testing.T) {
		fc := &fakeClassifier{scores: []float32{0, 0, 0, 9}}
		_, err := NewPredictor(fc, idx).Predict(context.Background(), img)
		require.ErrorIs(t, err, ErrUnknownClass)
	})

	t.Run("no classifier", func(t *testing.T) {
		_, err := NewPredictor(nil, idx).Predict(context.Background(), img)
		require.ErrorIs(t, err, ErrInference)
	})
}

func TestDecode_RejectsOversizedBeforeDecoding(t *testing.T) {
	data := pngBytes(t, 32, 32, color.White)

	_, _, err := Decode(data, 100)
	require.ErrorIs(t, err, ErrDecode)

	img, _, err := Decode(data, 32*32)
	require.NoError(t, err)
	require.Equal(t, 32, img.Bounds().Dx())

	_, _, err = Decode(data, 0)
	require.NoError(t, err, "zero disables the pixel limit")
}

func TestPredictor_RejectsExtremeAspectRatio(t *testing.T) {
	idx, err := ParseClassIndex([]byte(indexJSON))
	require.NoError(t, err)
	fc := &fakeClassifier{scores: []float32{1, 0, 0}}
	p := NewPredictor(fc, idx)

	_, err = p.Predict(context.Background(), pngBytes(t, 20000, 1, color.White))
	require.ErrorIs(t, err, ErrDecode)
	require.Zero(t, fc.calls)
}

func TestPredictor_MaxPixels(t *testing.T) {
	idx, err := ParseClassIndex([]byte(indexJSON))
	require.NoError(t, err)
	fc := &fakeClassifier{scores: []float32{1, 0, 0}}

	_, err = NewPredictor(fc, idx, WithMaxPixels(64*64)).Predict(context.Background(), pngBytes(t, 65, 64, color.White))
	require.ErrorIs(t, err, ErrDecode)
	require.Zero(t, fc.calls)

	_, err = NewPredictor(fc, idx, WithMaxPixels(64*64)).Predict(context.Background(), pngBytes(t, 64, 64, color.White))
	require.NoError(t, err)
}

func TestPreprocess_RejectsDegenerateShapes(t *testing.T) {
	_, err := Preprocess(image.NewNRGBA(image.Rect(0, 0, 4000, 1)))
	require.ErrorIs(t, err, ErrDecode)

	_, err = Preprocess(image.NewNRGBA(image.Rect(0, 0, 0, 10)))
	require.ErrorIs(t, err, ErrDecode)

	out, err := Preprocess(image.NewNRGBA(image.Rect(0, 0, 200, 10)))
	require.NoError(t, err)
	require.Len(t, out, 3*ImageSize*ImageSize)
}

func TestCropOrigin_RoundsHalfToEven(t *testing.T) {
	require.Equal(t, 16, cropOrigin(255, 224), "15.5 rounds to 16")
	require.Equal(t, 16, cropOrigin(256, 224))
	require.Equal(t, 16, cropOrigin(257, 224), "16.5 rounds to 16")
	require.Equal(t, 18, cropOrigin(259, 224), "17.5 rounds to 18")
	require.Equal(t, 58, cropOrigin(340, 224))
	require.Equal(t, 0, cropOrigin(224, 224))
}

func TestPreprocess_CropOffsetOnSquareInput(t *testing.T) {
	// Column 16 of the 255x255 input is the first one inside the crop;
	// everything left of it is black, everything from it on is white.
	img := image.NewNRGBA(image.Rect(0, 0, 255, 255))
	for y := range 255 {
		for x := range 255 {
			c := color.NRGBA{A: 255}
			if x >= 16 {
				c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}

	out, err := Preprocess(img)
	require.NoError(t, err)

	white := (1 - ImageNetMean[0]) / ImageNetStd[0]
	require.InDelta(t, white, out[0], 1e-3, "first cropped column must not include column 15")
	require.InDelta(t, white, out[ImageSize*100], 1e-3)
}
