package usecase

import (
	"bytes"
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/explain"
	"github.com/example/tumorscan/internal/logging"
	"github.com/example/tumorscan/internal/repository"
)

// AnalysisUseCase produces the free-text report for an earlier prediction.
type AnalysisUseCase struct {
	explainer explain.Explainer
	apiKey    string
	recorder  Recorder
	logger    *zap.Logger
}

// NewAnalysisUseCase constructs a new use case instance. An empty apiKey is
// accepted here and reported on every request.
func NewAnalysisUseCase(explainer explain.Explainer, apiKey string, recorder Recorder, logger *zap.Logger) *AnalysisUseCase {
	return &AnalysisUseCase{
		explainer: explainer,
		apiKey:    apiKey,
		recorder:  recorderOrNop(recorder),
		logger:    logger.Named("analysis_usecase"),
	}
}

// Analyze runs the explanation engine once.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, req ExplanationRequest) (*ExplanationResult, error) {
	requestID := logging.RequestID(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", requestID)
	started := time.Now()
	entry := newAuditLog(ctx, repository.OperationAnalysis, requestID, req.Image)

	result, err := uc.analyze(ctx, req, opLogger)
	finishAudit(ctx, uc.recorder, opLogger, entry, started, err)

	if err != nil {
		return nil, logging.NewOperationError("usecase.analyze", requestID, err)
	}
	return result, nil
}

func (uc *AnalysisUseCase) analyze(ctx context.Context, req ExplanationRequest, opLogger *zap.Logger) (*ExplanationResult, error) {
	if strings.TrimSpace(req.Image) == "" || isNullJSON(req.ModelResults) {
		return nil, engine.NewError(engine.KindClient, "Missing image or model results")
	}
	if uc.apiKey == "" {
		opLogger.Error("explanation credential is not configured")
		return nil, engine.NewError(engine.KindMissingCredential, "OpenAI API key is not configured")
	}

	text, err := uc.explainer.Explain(ctx, explain.Request{
		Image:        req.Image,
		ModelResults: req.ModelResults,
		APIKey:       uc.apiKey,
	})
	if err != nil {
		opLogger.Error("explanation engine failed", zap.Error(err), zap.String("kind", engine.KindOf(err).String()))
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		opLogger.Warn("explanation engine returned no analysis")
		text = NoAnalysisPlaceholder
	}
	return &ExplanationResult{Analysis: text}, nil
}

func isNullJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
