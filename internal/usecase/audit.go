package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/tumorscan/internal/auth"
	"github.com/example/tumorscan/internal/datauri"
	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/repository"
)

// Recorder stores audit entries. Implementations must be safe for concurrent use.
type Recorder interface {
	SaveLog(ctx context.Context, log *repository.InferenceLog) error
}

type nopRecorder struct{}

func (nopRecorder) SaveLog(context.Context, *repository.InferenceLog) error { return nil }

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

func newAuditLog(ctx context.Context, operation, requestID, image string) *repository.InferenceLog {
	clientID, _ := auth.GetUserID(ctx)
	entry := &repository.InferenceLog{
		RequestID: requestID,
		Operation: operation,
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	}
	if image != "" {
		entry.ImageSHA1 = datauri.Parse(image).Fingerprint()
	}
	return entry
}

// finishAudit stores entry without letting a storage failure reach the caller.
// It detaches from ctx cancellation so a client disconnect still gets logged.
func finishAudit(ctx context.Context, recorder Recorder, logger *zap.Logger, entry *repository.InferenceLog, started time.Time, err error) {
	entry.LatencyMs = time.Since(started).Milliseconds()
	entry.Outcome = repository.OutcomeSuccess
	if err != nil {
		entry.Outcome = repository.OutcomeFailure
		entry.ErrorKind = engine.KindOf(err).String()
		entry.ErrorMessage = engine.Excerpt(err.Error(), 512)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if saveErr := recorder.SaveLog(saveCtx, entry); saveErr != nil {
		logger.Warn("failed to record audit entry", zap.Error(saveErr))
	}
}
