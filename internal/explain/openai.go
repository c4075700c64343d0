package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/example/tumorscan/internal/datauri"
	"github.com/example/tumorscan/internal/engine"
)

const systemPrompt = "You are a medical imaging expert specializing in brain MRI analysis."

// OpenAIConfig configures the in-process explanation engine.
type OpenAIConfig struct {
	Model     string
	BaseURL   string
	MaxTokens int64
}

// OpenAIExplainer asks a vision-capable chat model for the report directly,
// without going through a subprocess.
type OpenAIExplainer struct {
	client    *openai.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// NewOpenAIExplainer builds the client. The credential is supplied per request.
func NewOpenAIExplainer(cfg OpenAIConfig, logger *zap.Logger) *OpenAIExplainer {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &OpenAIExplainer{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.Named("openai_explainer"),
	}
}

func (o *OpenAIExplainer) Explain(ctx context.Context, req Request) (string, error) {
	image := datauri.Parse(req.Image)
	summary := summarize(req.ModelResults)

	resp, err := o.client.Chat.Completions.New(ctx,
		openai.ChatCompletionNewParams{
			Model: openai.F(o.model),
			Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(systemPrompt),
				openai.UserMessageParts(
					openai.TextPart(reportPrompt(summary)),
					openai.ImagePart(image.JPEGURL()),
				),
			}),
			MaxTokens: openai.F(o.maxTokens),
		},
		option.WithAPIKey(req.APIKey),
	)
	if err != nil {
		o.logger.Error("chat completion failed", zap.Error(err), zap.String("model", o.model))
		return "", classifyOpenAIError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	o.logger.Debug("chat completion succeeded",
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &engine.Error{Kind: engine.KindTimeout, Message: fmt.Sprintf("explanation request timed out: %v", err), Err: err}
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &engine.Error{Kind: engine.KindExecution, Message: fmt.Sprintf("Error generating GPT analysis: %v", err), Err: err}
	}
	return &engine.Error{Kind: engine.KindTransport, Message: fmt.Sprintf("failed to reach explanation service: %v", err), Err: err}
}

type modelSummary struct {
	PredictedClass string  `json:"predictedClass"`
	Confidence     float64 `json:"confidence"`
}

func summarize(raw json.RawMessage) modelSummary {
	var s modelSummary
	_ = json.Unmarshal(raw, &s)
	if s.PredictedClass == "" {
		s.PredictedClass = "unknown"
	}
	return s
}

func reportPrompt(s modelSummary) string {
	var b strings.Builder
	b.WriteString("Write an MRI report for the attached brain scan using these sections.\n\n")
	b.WriteString("MRI Report\n")
	b.WriteString("1. Findings: visible anomalies or normal structures; location, size and shape of any mass or lesion; edema, contrast enhancement or mass effect.\n")
	b.WriteString("2. Structural Observations: ventricular size and symmetry, midline shift, integrity of surrounding tissue.\n")
	b.WriteString("3. Contrast/Signal Characteristics: T1/T2 signal intensity, necrosis or hemorrhage, enhancement pattern if applicable.\n")
	b.WriteString("Summary: the key findings in one or two sentences.\n\n")
	b.WriteString("Possible Diagnosis\n")
	fmt.Fprintf(&b, "- AI model prediction: %s with %.1f%% confidence.\n", s.PredictedClass, s.Confidence*100)
	b.WriteString("- Differential diagnoses based on the imaging findings, and whether you agree with the model's prediction and why.\n")
	b.WriteString("The possible classes are: glioma, meningioma, notumor, pituitary.\n\n")
	b.WriteString("Recommended Next Steps\n")
	b.WriteString("- Additional imaging, biopsy or histopathology, specialist consultation and treatment considerations.\n")
	return b.String()
}
