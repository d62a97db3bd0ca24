package service

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// ResizeSize is the short edge after the first resize.
	ResizeSize = 255
	// ImageSize is the side of the center crop fed to the model.
	ImageSize = 224

	// MaxAspectRatio bounds long/short edge so the resized long edge stays small.
	MaxAspectRatio = 20.0
	// DefaultMaxPixels is the decode limit used when none is configured.
	DefaultMaxPixels = 40_000_000
)

var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

var (
	ErrDecode       = errors.New("decode image")
	ErrInference    = errors.New("inference failed")
	ErrUnknownClass = errors.New("class index has no entry")
)

type Prediction struct {
	ClassID    string  `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Index      int     `json:"index"`
	Confidence float32 `json:"confidence"`
}

// ClassEntry is one value of the class index file: ["n01440764", "tench"].
type ClassEntry struct {
	ID   string
	Name string
}

func (e *ClassEntry) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("class entry must have 2 elements, got %d", len(pair))
	}
	e.ID, e.Name = pair[0], pair[1]
	return nil
}

func (e ClassEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.ID, e.Name})
}
