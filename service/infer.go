package service

import (
	"context"
	"fmt"
)

// Classifier runs the model forward pass on a preprocessed tensor and
// returns one score per class.
type Classifier interface {
	Classify(ctx context.Context, input []float32) ([]float32, error)
}

type Predictor struct {
	classifier Classifier
	index      ClassIndex
	maxPixels  int
}

type Option func(*Predictor)

// WithMaxPixels rejects images whose width*height exceeds n before decoding.
func WithMaxPixels(n int) Option {
	return func(p *Predictor) { p.maxPixels = n }
}

func NewPredictor(classifier Classifier, index ClassIndex, opts ...Option) *Predictor {
	p := &Predictor{classifier: classifier, index: index, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Predictor) Index() ClassIndex { return p.index }

// Predict maps raw image bytes to the most likely class.
func (p *Predictor) Predict(ctx context.Context, data []byte) (*Prediction, error) {
	img, _, err := Decode(data, p.maxPixels)
	if err != nil {
		return nil, err
	}
	inputData, err := Preprocess(img)
	if err != nil {
		return nil, err
	}
	if p.classifier == nil {
		return nil, fmt.Errorf("%w: model not initialized", ErrInference)
	}

	scores, err := p.classifier.Classify(ctx, inputData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: model returned no scores", ErrInference)
	}

	best := Argmax(scores)
	entry, err := p.index.Lookup(best)
	if err != nil {
		return nil, err
	}

	return &Prediction{
		ClassID:    entry.ID,
		ClassName:  entry.Name,
		Index:      best,
		Confidence: Softmax(scores, best),
	}, nil
}
