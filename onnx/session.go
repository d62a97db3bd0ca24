package onnx

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Pool holds a fixed number of sessions for one model. An AdvancedSession
// owns its input and output tensors, so each Run needs exclusive use of one.
type Pool struct {
	sessions   chan *session
	all        []*session
	inputSize  int
	outputSize int
}

// NewPool loads modelPath size times. The first input must be float32
// NCHW with shape 1x3xHxW; the first output must be 1xN.
func NewPool(modelPath string, size, height, width int) (*Pool, error) {
	if size < 1 {
		size = 1
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", modelPath)
	}

	inputShape := ort.NewShape(1, 3, int64(height), int64(width))
	outputShape := concreteShape(outputs[0].Dimensions)
	if outputShape.FlattenedSize() <= 0 {
		return nil, fmt.Errorf("model output %q has unusable shape %v", outputs[0].Name, outputs[0].Dimensions)
	}

	p := &Pool{
		sessions:   make(chan *session, size),
		inputSize:  int(inputShape.FlattenedSize()),
		outputSize: int(outputShape.FlattenedSize()),
	}
	for range size {
		s, err := newSession(modelPath, inputs[0].Name, outputs[0].Name, inputShape, outputShape)
		if err != nil {
			p.destroyAll()
			return nil, err
		}
		p.all = append(p.all, s)
		p.sessions <- s
	}
	return p, nil
}

func newSession(modelPath, inputName, outputName string, inputShape, outputShape ort.Shape) (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	s := &session{}
	s.input, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	s.output, err = ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{s.input},
		[]ort.Value{s.output},
		opts,
	)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return s, nil
}

// dynamic dimensions (batch) are pinned to 1
func concreteShape(dims ort.Shape) ort.Shape {
	out := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func (p *Pool) OutputSize() int { return p.outputSize }

// Classify runs one forward pass and returns a copy of the output scores.
func (p *Pool) Classify(ctx context.Context, input []float32) ([]float32, error) {
	if len(input) != p.inputSize {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), p.inputSize)
	}

	var s *session
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s = <-p.sessions:
	}
	defer func() { p.sessions <- s }()

	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}

	scores := make([]float32, p.outputSize)
	copy(scores, s.output.GetData())
	return scores, nil
}

// Close waits until every session is back in the pool, then destroys them.
// If ctx ends first, in-flight sessions may still be running, so nothing is
// destroyed and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	drained := make([]*session, 0, len(p.all))
	for len(drained) < len(p.all) {
		select {
		case s := <-p.sessions:
			drained = append(drained, s)
		case <-ctx.Done():
			for _, s := range drained {
				p.sessions <- s
			}
			return fmt.Errorf("sessions still in use: %w", ctx.Err())
		}
	}
	p.destroyAll()
	return nil
}

func (p *Pool) destroyAll() {
	for _, s := range p.all {
		s.destroy()
	}
	p.all = nil
}
