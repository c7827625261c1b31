package jobs

import (
	"encoding/json"
	"sync"

	"github.com/synapsemodel/backend/internal/apperr"
)

// Validator checks a model's input payload before the job is accepted.
type Validator func(input json.RawMessage) error

var (
	validatorsMu sync.RWMutex
	validators   = map[string]Validator{
		"mnist-classifier":   validateMnist,
		"sentiment-analysis": validateSentiment,
	}
)

// RegisterValidator installs or replaces the validator for a model id.
func RegisterValidator(modelID string, v Validator) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	validators[modelID] = v
}

// ValidateInput checks input against the model's registered validator.
// Models without a registered validator only require a JSON object payload.
func ValidateInput(modelID string, input json.RawMessage) error {
	validatorsMu.RLock()
	v, ok := validators[modelID]
	validatorsMu.RUnlock()
	if !ok {
		return validateObject(input)
	}
	return v(input)
}

func validateObject(input json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(input, &obj); err != nil {
		return apperr.Validation("input must be a JSON object")
	}
	return nil
}

const (
	mnistPixelCount = 784
	maxTextLength   = 5000
)

// validateMnist expects a flattened 28x28 grayscale image under "pixels"
// (or legacy "data"): exactly 784 values, each in [0, 255].
func validateMnist(input json.RawMessage) error {
	var payload struct {
		Pixels []float64 `json:"pixels"`
		Data   []float64 `json:"data"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return apperr.Validation("input must be a JSON object")
	}
	pixels := payload.Pixels
	if pixels == nil {
		pixels = payload.Data
	}
	if pixels == nil {
		return apperr.Validation("mnist-classifier input requires a pixels array")
	}
	if len(pixels) != mnistPixelCount {
		return apperr.Validation("mnist-classifier expects %d pixels, got %d", mnistPixelCount, len(pixels))
	}
	for i, p := range pixels {
		if p < 0 || p > 255 {
			return apperr.Validation("pixel %d out of range: %v", i, p)
		}
	}
	return nil
}

// validateSentiment expects a non-empty "text" string of at most 5000 chars.
func validateSentiment(input json.RawMessage) error {
	var payload struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return apperr.Validation("input must be a JSON object")
	}
	if payload.Text == nil || *payload.Text == "" {
		return apperr.Validation("sentiment-analysis input requires a non-empty text field")
	}
	if len(*payload.Text) > maxTextLength {
		return apperr.Validation("text exceeds maximum length of %d characters", maxTextLength)
	}
	return nil
}
