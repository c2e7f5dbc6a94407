package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"decode", fmt.Errorf("%w: bad header", ErrDecode), KindDecode},
		{"missing image", fmt.Errorf("open x.png: %w", ErrNotFound), KindNotFound},
		{"missing weights", fmt.Errorf("load: %w", ErrWeightsNotFound), KindNotFound},
		{"shape", fmt.Errorf("load: %w", &ShapeMismatch{Key: "w"}), KindShapeMismatch},
		{"inference", fmt.Errorf("%w: run", ErrInference), KindInference},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWeightsNotFoundIsNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrWeightsNotFound, ErrNotFound)
	assert.NotErrorIs(t, ErrNotFound, ErrWeightsNotFound)
}

func TestShapeMismatchMessage(t *testing.T) {
	err := &ShapeMismatch{Key: "classifier.1.weight", Want: []int64{2, 1280}, Got: []int64{1000, 1280}}
	assert.Equal(t, `parameter "classifier.1.weight": want shape [2 1280], got [1000 1280]`, err.Error())
}
