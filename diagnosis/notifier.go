package diagnosis

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier records notifications as log entries. Email and in-app
// delivery live outside this service.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) DiagnosisCompleted(_ context.Context, d *Diagnosis, c *Classifier) error {
	fields := []zap.Field{
		zap.String("diagnosis", d.ID),
		zap.String("user", d.UserID),
		zap.String("prediction", d.Prediction),
	}
	if d.Confidence != nil {
		fields = append(fields, zap.Float64("confidence", *d.Confidence))
	}
	if c != nil {
		fields = append(fields, zap.String("disease", c.DiseaseName))
	}
	n.logger.Info("notify: diagnosis result is ready", fields...)
	return nil
}

func (n *LogNotifier) DiagnosisFailed(_ context.Context, d *Diagnosis, c *Classifier) error {
	message := d.ErrorMessage
	if message == "" {
		message = "Unknown error"
	}
	fields := []zap.Field{
		zap.String("diagnosis", d.ID),
		zap.String("user", d.UserID),
		zap.String("error", message),
	}
	if c != nil {
		fields = append(fields, zap.String("disease", c.DiseaseName))
	}
	n.logger.Info("notify: diagnosis failed", fields...)
	return nil
}
