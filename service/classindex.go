package service

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// ClassIndex maps a model output index, as a decimal string, to its label.
// It is read-only once loaded.
type ClassIndex map[string]ClassEntry

func LoadClassIndex(path string) (ClassIndex, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseClassIndex(b)
}

func ParseClassIndex(data []byte) (ClassIndex, error) {
	var idx ClassIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse class index: %w", err)
	}
	for k := range idx {
		if _, err := strconv.Atoi(k); err != nil {
			return nil, fmt.Errorf("class index key %q is not an integer", k)
		}
	}
	return idx, nil
}

func (c ClassIndex) Lookup(i int) (ClassEntry, error) {
	e, ok := c[strconv.Itoa(i)]
	if !ok {
		return ClassEntry{}, fmt.Errorf("%w: %d", ErrUnknownClass, i)
	}
	return e, nil
}

func (c ClassIndex) Contains(id, name string) bool {
	for _, e := range c {
		if e.ID == id && e.Name == name {
			return true
		}
	}
	return false
}
