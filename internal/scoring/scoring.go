// Package scoring turns classifier logits into labels and confidences.
package scoring

import "math"

// Prediction is the scored outcome of a single forward pass.
type Prediction struct {
	Label         string    `json:"label"`
	Confidence    float64   `json:"confidence"`
	Index         int       `json:"index"`
	Probabilities []float64 `json:"-"`
}

// Softmax returns the probability distribution of logits. It subtracts the
// maximum logit first so large inputs do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v) - maxVal)
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax returns the index of the largest value; ties resolve to the lowest index.
func Argmax(values []float64) int {
	maxIdx := 0
	for i, v := range values {
		if v > values[maxIdx] {
			maxIdx = i
		}
	}
	return maxIdx
}

// ClassIndexPolicy labels by looking up the argmax class in a fixed ordered
// label list. Confidence is reported as a percentage.
type ClassIndexPolicy struct {
	Labels []string
}

func DefaultClassIndexPolicy() ClassIndexPolicy {
	return ClassIndexPolicy{Labels: []string{"Real", "Fake"}}
}

func (p ClassIndexPolicy) Name() string { return "class-index" }

func (p ClassIndexPolicy) Decide(logits []float32) Prediction {
	probs := Softmax(logits)
	idx := Argmax(probs)

	label := ""
	if idx < len(p.Labels) {
		label = p.Labels[idx]
	}
	return Prediction{
		Label:         label,
		Confidence:    probs[idx] * 100,
		Index:         idx,
		Probabilities: probs,
	}
}

// ThresholdPolicy labels an image "fake" when a single scalar confidence
// reaches Threshold, "real" otherwise.
//
// The scalar is the top-1 probability of a stock ImageNet classifier. Nothing
// ties ImageNet classes to manipulation, so the label is a weak heuristic and
// not a trained real/fake decision.
type ThresholdPolicy struct {
	Threshold float64
}

func DefaultThresholdPolicy() ThresholdPolicy {
	return ThresholdPolicy{Threshold: 0.5}
}

func (p ThresholdPolicy) Name() string { return "threshold" }

func (p ThresholdPolicy) Label(confidence float64) string {
	if confidence >= p.Threshold {
		return "fake"
	}
	return "real"
}

// Decide scores logits and labels the top-1 probability. Confidence is in [0,1].
func (p ThresholdPolicy) Decide(logits []float32) Prediction {
	probs := Softmax(logits)
	idx := Argmax(probs)
	return Prediction{
		Label:         p.Label(probs[idx]),
		Confidence:    probs[idx],
		Index:         idx,
		Probabilities: probs,
	}
}
