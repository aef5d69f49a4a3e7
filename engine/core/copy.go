package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// DeepCopyMap returns a deep copy of the provided map. Scatter streams use
// this to branch the execution context so concurrent streams never observe
// each other's writes.
func DeepCopyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	copied, ok := deepcopy.Copy(m).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to deep copy map")
	}
	return copied, nil
}

// DeepCopy clones an arbitrary value, preserving the Input/Output concrete
// types instead of devolving them into plain maps.
func DeepCopy[T any](v T) (T, error) {
	var zero T
	switch src := any(v).(type) {
	case Input:
		copied, err := DeepCopyMap(src)
		if err != nil {
			return zero, err
		}
		return any(Input(copied)).(T), nil
	case Output:
		copied, err := DeepCopyMap(src)
		if err != nil {
			return zero, err
		}
		return any(Output(copied)).(T), nil
	default:
		copied, ok := deepcopy.Copy(v).(T)
		if !ok {
			return zero, fmt.Errorf("failed to deep copy value of type %T", v)
		}
		return copied, nil
	}
}
