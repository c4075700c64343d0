package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/tumorscan/internal/auth"
	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/logging"
	"github.com/example/tumorscan/internal/modelstore"
	"github.com/example/tumorscan/internal/repository"
)

type stubTransport struct {
	payload string
	err     error
	calls   int
	request any
}

func (s *stubTransport) Invoke(ctx context.Context, request any) (*engine.Outcome, error) {
	s.calls++
	s.request = request
	if s.err != nil {
		return nil, s.err
	}
	return &engine.Outcome{Payload: json.RawMessage(s.payload)}, nil
}

type stubLocator struct {
	path string
	err  error
}

func (s stubLocator) Resolve(hint string) (string, error) {
	return s.path, s.err
}

type stubRecorder struct {
	mu   sync.Mutex
	logs []*repository.InferenceLog
	err  error
}

func (s *stubRecorder) SaveLog(ctx context.Context, log *repository.InferenceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return s.err
}

func newPrediction(transport engine.Transport, recorder Recorder) *PredictionUseCase {
	return NewPredictionUseCase(stubLocator{path: "python/models/brain_tumor_model.h5"}, transport, recorder, zap.NewNop())
}

func TestPredictRejectsMissingImageWithoutInvokingEngine(t *testing.T) {
	transport := &stubTransport{payload: `{"result":"Tumor Detected","confidence":0.92}`}
	uc := newPrediction(transport, nil)

	for _, image := range []string{"", "   "} {
		_, err := uc.Predict(context.Background(), AnalysisRequest{Image: image})
		if engine.KindOf(err) != engine.KindClient {
			t.Fatalf("expected client error, got %v", err)
		}
	}
	if transport.calls != 0 {
		t.Fatalf("engine must not be invoked, got %d calls", transport.calls)
	}
}

func TestPredictModelNotFound(t *testing.T) {
	transport := &stubTransport{}
	locator := modelstore.Locator{Dir: t.TempDir(), BaseName: "brain_tumor_model", Extensions: modelstore.DefaultExtensions}
	uc := NewPredictionUseCase(locator, transport, nil, zap.NewNop())

	_, err := uc.Predict(context.Background(), AnalysisRequest{Image: "data:image/png;base64,AAAA"})
	var engErr *engine.Error
	if !errors.As(err, &engErr) || engErr.Kind != engine.KindModelNotFound {
		t.Fatalf("expected model not found, got %v", err)
	}
	if !strings.Contains(engErr.Message, "Model file not found") {
		t.Fatalf("message must be matchable by substring: %q", engErr.Message)
	}
	if transport.calls != 0 {
		t.Fatal("engine must not be invoked without a model")
	}
}

func TestPredictSendsImageAndModelPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "brain_tumor_model.keras"), []byte("m"), 0o644); err != nil {
		t.Fatal(err)
	}
	transport := &stubTransport{payload: `{"result":"No Tumor Detected","confidence":0.88}`}
	locator := modelstore.Locator{Dir: dir, BaseName: "brain_tumor_model", Extensions: modelstore.DefaultExtensions}
	uc := NewPredictionUseCase(locator, transport, nil, zap.NewNop())

	if _, err := uc.Predict(context.Background(), AnalysisRequest{Image: "data:image/png;base64,AAAA"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent, _ := json.Marshal(transport.request)
	var req map[string]string
	if err := json.Unmarshal(sent, &req); err != nil {
		t.Fatal(err)
	}
	if req["image"] != "data:image/png;base64,AAAA" || !strings.HasSuffix(req["model_path"], "/brain_tumor_model.keras") {
		t.Fatalf("unexpected engine request %s", sent)
	}
}

func TestPredictTumorNarrative(t *testing.T) {
	uc := newPrediction(&stubTransport{payload: `{"result":"Tumor Detected","confidence":0.92}`}, nil)

	resp, err := uc.Predict(context.Background(), AnalysisRequest{Image: "data:image/png;base64,AAAA"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.GPTResponse == "" || !strings.Contains(strings.ToLower(resp.GPTResponse), "tumor") {
		t.Fatalf("expected a tumor narrative, got %q", resp.GPTResponse)
	}
	if !strings.Contains(resp.GPTResponse, "(unknown type)") {
		t.Fatalf("narrative should fall back to unknown type: %q", resp.GPTResponse)
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal(encoded, &body); err != nil {
		t.Fatal(err)
	}
	if body["result"] != "Tumor Detected" || body["confidence"] != 0.92 {
		t.Fatalf("engine fields must be preserved: %s", encoded)
	}
	if body["gptResponse"] != resp.GPTResponse {
		t.Fatalf("gptResponse missing from body: %s", encoded)
	}
}

func TestPredictNoTumorNarrative(t *testing.T) {
	uc := newPrediction(&stubTransport{payload: `{"result":"No Tumor Detected","confidence":0.88}`}, nil)

	resp, err := uc.Predict(context.Background(), AnalysisRequest{Image: "data:image/png;base64,AAAA"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(resp.GPTResponse, "consistent with a brain tumor") {
		t.Fatalf("no-tumor narrative claims a tumor: %q", resp.GPTResponse)
	}
	if !strings.Contains(resp.GPTResponse, "without evidence of a tumor") {
		t.Fatalf("unexpected narrative %q", resp.GPTResponse)
	}
}

func TestPredictPassesThroughUnknownFields(t *testing.T) {
	payload := `{"result":"Tumor Detected","confidence":0.7,"predictedClass":"glioma",` +
		`"rawPredictions":{"labels":["glioma","meningioma","notumor","pituitary"],"probabilities":[0.7,0.1,0.1,0.1],"predictedClassIndex":0},` +
		`"gradcamUrl":"data:image/png;base64,BBBB","xaiFeatures":[{"name":"Edge sharpness","importance":0.4}]}`
	uc := newPrediction(&stubTransport{payload: payload}, nil)

	resp, err := uc.Predict(context.Background(), AnalysisRequest{Image: "AAAA"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp.GPTResponse, "(glioma)") {
		t.Fatalf("narrative should name the class: %q", resp.GPTResponse)
	}
	encoded, _ := json.Marshal(resp)

	var body struct {
		RawPredictions RawPredictions  `json:"rawPredictions"`
		GradcamURL     string          `json:"gradcamUrl"`
		XAIFeatures    json.RawMessage `json:"xaiFeatures"`
	}
	if err := json.Unmarshal(encoded, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.RawPredictions.Labels) != 4 || len(body.RawPredictions.Labels) != len(body.RawPredictions.Probabilities) {
		t.Fatalf("rawPredictions not preserved: %s", encoded)
	}
	if body.GradcamURL == "" || len(body.XAIFeatures) == 0 {
		t.Fatalf("pass-through fields dropped: %s", encoded)
	}
}

func TestPredictRejectsInvalidResults(t *testing.T) {
	payloads := map[string]string{
		"length mismatch": `{"result":"Tumor Detected","confidence":0.9,"rawPredictions":{"labels":["a","b"],"probabilities":[0.9]}}`,
		"bad index":       `{"result":"Tumor Detected","confidence":0.9,"rawPredictions":{"labels":["a"],"probabilities":[0.9],"predictedClassIndex":3}}`,
		"confidence":      `{"result":"Tumor Detected","confidence":1.5}`,
		"unknown result":  `{"result":"Maybe","confidence":0.5}`,
		"not an object":   `[1,2,3]`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			uc := newPrediction(&stubTransport{payload: payload}, nil)
			_, err := uc.Predict(context.Background(), AnalysisRequest{Image: "AAAA"})
			if engine.KindOf(err) != engine.KindInvalidPayload {
				t.Fatalf("expected invalid payload, got %v", err)
			}
		})
	}
}

func TestPredictEngineReportedError(t *testing.T) {
	uc := newPrediction(&stubTransport{payload: `{"error":"Failed to load model"}`}, nil)
	_, err := uc.Predict(context.Background(), AnalysisRequest{Image: "AAAA"})
	var engErr *engine.Error
	if !errors.As(err, &engErr) || engErr.Kind != engine.KindExecution || engErr.Message != "Failed to load model" {
		t.Fatalf("expected execution error with engine message, got %v", err)
	}
}

func TestPredictPropagatesTransportErrorsVerbatim(t *testing.T) {
	want := &engine.Error{Kind: engine.KindExecution, Message: "fatal: out of memory"}
	uc := newPrediction(&stubTransport{err: want}, nil)

	_, err := uc.Predict(context.Background(), AnalysisRequest{Image: "AAAA"})
	var engErr *engine.Error
	if !errors.As(err, &engErr) || engErr != want {
		t.Fatalf("expected original engine error, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.predict" {
		t.Fatalf("expected OperationError wrapper, got %T", err)
	}
}

func TestPredictRecordsAudit(t *testing.T) {
	recorder := &stubRecorder{}
	uc := newPrediction(&stubTransport{payload: `{"result":"Tumor Detected","confidence":0.92,"predictedClass":"glioma"}`}, recorder)

	ctx := logging.ContextWithRequestID(context.Background(), "req-42")
	ctx = auth.ContextWithUserID(ctx, "user-7")
	if _, err := uc.Predict(ctx, AnalysisRequest{Image: "data:image/png;base64,AAAA"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uc.Predict(ctx, AnalysisRequest{}); err == nil {
		t.Fatal("expected client error")
	}

	if len(recorder.logs) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(recorder.logs))
	}
	ok := recorder.logs[0]
	if ok.RequestID != "req-42" || ok.ClientID != "user-7" || ok.Outcome != repository.OutcomeSuccess ||
		ok.Result != ResultTumorDetected || ok.PredictedClass != "glioma" || len(ok.ImageSHA1) != 40 {
		t.Fatalf("unexpected success entry %+v", ok)
	}
	failed := recorder.logs[1]
	if failed.Outcome != repository.OutcomeFailure || failed.ErrorKind != engine.KindClient.String() {
		t.Fatalf("unexpected failure entry %+v", failed)
	}
}

func TestPredictIgnoresAuditFailures(t *testing.T) {
	recorder := &stubRecorder{err: errors.New("database down")}
	uc := newPrediction(&stubTransport{payload: `{"result":"No Tumor Detected","confidence":0.5}`}, recorder)
	if _, err := uc.Predict(context.Background(), AnalysisRequest{Image: "AAAA"}); err != nil {
		t.Fatalf("audit failure must not fail the request: %v", err)
	}
}
