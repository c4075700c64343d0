package usecase

import (
	"encoding/json"
	"fmt"
)

// Result strings produced by the inference engine.
const (
	ResultTumorDetected   = "Tumor Detected"
	ResultNoTumorDetected = "No Tumor Detected"
)

// NoAnalysisPlaceholder is returned when the explanation engine produced no text.
const NoAnalysisPlaceholder = "No analysis was generated."

// AnalysisRequest is the body of POST /predict.
type AnalysisRequest struct {
	Image     string `json:"image"`
	ModelPath string `json:"modelPath,omitempty"`
}

// RawPredictions holds the per-class probabilities.
type RawPredictions struct {
	Labels              []string  `json:"labels"`
	Probabilities       []float64 `json:"probabilities"`
	PredictedClassIndex *int      `json:"predictedClassIndex,omitempty"`
}

// Validate checks that labels and probabilities line up.
func (r *RawPredictions) Validate() error {
	if len(r.Labels) != len(r.Probabilities) {
		return fmt.Errorf("rawPredictions has %d labels but %d probabilities", len(r.Labels), len(r.Probabilities))
	}
	for i, p := range r.Probabilities {
		if p < 0 || p > 1 {
			return fmt.Errorf("rawPredictions probability %d is %v, outside [0,1]", i, p)
		}
	}
	if idx := r.PredictedClassIndex; idx != nil && (*idx < 0 || *idx >= len(r.Labels)) {
		return fmt.Errorf("rawPredictions predictedClassIndex %d is out of range for %d labels", *idx, len(r.Labels))
	}
	return nil
}

// PredictionResult is the typed view of the inference engine output.
type PredictionResult struct {
	Result         string          `json:"result"`
	Confidence     float64         `json:"confidence"`
	PredictedClass string          `json:"predictedClass,omitempty"`
	RawPredictions *RawPredictions `json:"rawPredictions,omitempty"`
	GradcamURL     string          `json:"gradcamUrl,omitempty"`
}

// TumorDetected reports whether the engine found a tumor.
func (p *PredictionResult) TumorDetected() bool {
	return p.Result == ResultTumorDetected
}

// Validate enforces the result invariants.
func (p *PredictionResult) Validate() error {
	if p.Result != ResultTumorDetected && p.Result != ResultNoTumorDetected {
		return fmt.Errorf("unexpected result %q", p.Result)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v is outside [0,1]", p.Confidence)
	}
	if p.RawPredictions != nil {
		return p.RawPredictions.Validate()
	}
	return nil
}

// PredictionResponse is the engine output plus the synthesized narrative.
// It serializes every field the engine returned, including ones this package
// does not model, so XAI data passes through untouched.
type PredictionResponse struct {
	Prediction  PredictionResult
	GPTResponse string
	Tolerated   bool

	fields map[string]json.RawMessage
}

// MarshalJSON implements json.Marshaler.
func (r *PredictionResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		out[k] = v
	}
	if len(r.fields) == 0 {
		typed, err := json.Marshal(r.Prediction)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(typed, &out); err != nil {
			return nil, err
		}
	}
	narrative, err := json.Marshal(r.GPTResponse)
	if err != nil {
		return nil, err
	}
	out["gptResponse"] = narrative
	return json.Marshal(out)
}

// ExplanationRequest is the body of POST /analysis.
type ExplanationRequest struct {
	Image        string          `json:"image"`
	ModelResults json.RawMessage `json:"modelResults"`
}

// ExplanationResult is the body returned by POST /analysis.
type ExplanationResult struct {
	Analysis string `json:"analysis"`
}
