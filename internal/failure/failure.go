// Package failure defines the error kinds shared by the detection core so
// callers can branch on the category of a failure instead of its message.
package failure

import (
	"errors"
	"fmt"
)

var (
	ErrDecode    = errors.New("decode image")
	ErrNotFound  = errors.New("not found")
	ErrInference = errors.New("inference failed")

	// ErrWeightsNotFound is returned when the checkpoint file is absent.
	// errors.Is(ErrWeightsNotFound, ErrNotFound) holds.
	ErrWeightsNotFound = fmt.Errorf("weights %w", ErrNotFound)
)

type Kind int

const (
	KindUnknown Kind = iota
	KindDecode
	KindNotFound
	KindShapeMismatch
	KindInference
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindNotFound:
		return "not_found"
	case KindShapeMismatch:
		return "shape_mismatch"
	case KindInference:
		return "inference"
	default:
		return "unknown"
	}
}

// KindOf reports the category of err. A nil error is KindUnknown.
func KindOf(err error) Kind {
	var sm *ShapeMismatch
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &sm):
		return KindShapeMismatch
	case errors.Is(err, ErrInference):
		return KindInference
	default:
		return KindUnknown
	}
}

// ShapeMismatch is a non-fatal warning produced while loading a checkpoint
// whose tensor shape differs from the architecture's parameter.
type ShapeMismatch struct {
	Key  string
	Want []int64
	Got  []int64
}

func (e *ShapeMismatch) Error() string {
	return fmt.Sprintf("parameter %q: want shape %v, got %v", e.Key, e.Want, e.Got)
}
