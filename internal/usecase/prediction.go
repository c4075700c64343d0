package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/logging"
	"github.com/example/tumorscan/internal/repository"
)

// ModelLocator resolves the model artifact path.
type ModelLocator interface {
	Resolve(hint string) (string, error)
}

type inferenceRequest struct {
	Image     string `json:"image"`
	ModelPath string `json:"model_path"`
}

// PredictionUseCase validates a prediction request, runs the inference engine
// and attaches the narrative.
type PredictionUseCase struct {
	locator   ModelLocator
	transport engine.Transport
	recorder  Recorder
	logger    *zap.Logger
}

// NewPredictionUseCase constructs a new use case instance. recorder may be nil.
func NewPredictionUseCase(locator ModelLocator, transport engine.Transport, recorder Recorder, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		locator:   locator,
		transport: transport,
		recorder:  recorderOrNop(recorder),
		logger:    logger.Named("prediction_usecase"),
	}
}

// Predict runs one classification. Every failure carries an *engine.Error.
func (uc *PredictionUseCase) Predict(ctx context.Context, req AnalysisRequest) (*PredictionResponse, error) {
	requestID := logging.RequestID(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)
	started := time.Now()
	entry := newAuditLog(ctx, repository.OperationPredict, requestID, req.Image)

	resp, err := uc.predict(ctx, req, opLogger)
	if resp != nil {
		entry.Result = resp.Prediction.Result
		entry.PredictedClass = resp.Prediction.PredictedClass
		entry.Confidence = resp.Prediction.Confidence
		entry.Tolerated = resp.Tolerated
	}
	finishAudit(ctx, uc.recorder, opLogger, entry, started, err)

	if err != nil {
		return nil, logging.NewOperationError("usecase.predict", requestID, err)
	}
	return resp, nil
}

func (uc *PredictionUseCase) predict(ctx context.Context, req AnalysisRequest, opLogger *zap.Logger) (*PredictionResponse, error) {
	if strings.TrimSpace(req.Image) == "" {
		return nil, engine.NewError(engine.KindClient, "No image data provided")
	}

	modelPath, err := uc.locator.Resolve(req.ModelPath)
	if err != nil {
		opLogger.Error("model artifact unavailable", zap.Error(err))
		return nil, err
	}
	opLogger.Debug("using model artifact", zap.String("model_path", modelPath))

	outcome, err := uc.transport.Invoke(ctx, inferenceRequest{Image: req.Image, ModelPath: modelPath})
	if err != nil {
		opLogger.Error("inference engine failed", zap.Error(err), zap.String("kind", engine.KindOf(err).String()))
		return nil, err
	}

	resp, err := decodePrediction(outcome.Payload)
	if err != nil {
		opLogger.Error("inference engine returned an unusable result", zap.Error(err))
		return nil, err
	}
	resp.Tolerated = outcome.Tolerated
	resp.GPTResponse = Narrative(resp.Prediction)

	opLogger.Info("prediction completed",
		zap.String("result", resp.Prediction.Result),
		zap.Float64("confidence", resp.Prediction.Confidence),
		zap.Duration("engine_duration", outcome.Duration))
	return resp, nil
}

func decodePrediction(payload json.RawMessage) (*PredictionResponse, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidPayload, Message: "inference engine output is not a JSON object", Err: err}
	}

	var reported struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &reported) == nil && reported.Error != "" {
		return nil, &engine.Error{Kind: engine.KindExecution, Message: reported.Error}
	}

	var result PredictionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidPayload, Message: fmt.Sprintf("invalid inference result: %v", err), Err: err}
	}
	if err := result.Validate(); err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidPayload, Message: fmt.Sprintf("invalid inference result: %v", err), Err: err}
	}
	return &PredictionResponse{Prediction: result, fields: fields}, nil
}
