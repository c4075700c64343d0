// Package explain produces the free-text MRI report for a prior prediction.
package explain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/tumorscan/internal/engine"
)

// Request is what every explanation engine receives.
type Request struct {
	Image        string
	ModelResults json.RawMessage
	APIKey       string
}

// Explainer returns the analysis text. An empty string means the engine ran
// but produced nothing.
type Explainer interface {
	Explain(ctx context.Context, req Request) (string, error)
}

type processRequest struct {
	Image        string          `json:"image"`
	ModelResults json.RawMessage `json:"modelResults"`
	APIKey       string          `json:"api_key"`
}

type processResponse struct {
	Analysis string `json:"analysis"`
	Error    string `json:"error"`
}

// ProcessExplainer delegates to an external explanation engine.
type ProcessExplainer struct {
	transport engine.Transport
}

// NewProcessExplainer wraps transport, usually a process running gpt_analysis.py.
func NewProcessExplainer(transport engine.Transport) *ProcessExplainer {
	return &ProcessExplainer{transport: transport}
}

func (p *ProcessExplainer) Explain(ctx context.Context, req Request) (string, error) {
	outcome, err := p.transport.Invoke(ctx, processRequest{
		Image:        req.Image,
		ModelResults: req.ModelResults,
		APIKey:       req.APIKey,
	})
	if err != nil {
		return "", err
	}

	var resp processResponse
	if err := json.Unmarshal(outcome.Payload, &resp); err != nil {
		return "", &engine.Error{
			Kind:    engine.KindInvalidPayload,
			Message: fmt.Sprintf("unexpected explanation engine output: %v", err),
			Err:     err,
		}
	}
	if resp.Error != "" {
		return "", &engine.Error{Kind: engine.KindExecution, Message: resp.Error}
	}
	return resp.Analysis, nil
}
