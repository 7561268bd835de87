package notifier

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier only logs. It is the default channel when nothing else is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, subjectID string) error {
	n.logger.Info("transfer notification",
		zap.String("component", "log_notifier"),
		zap.String("subject_id", subjectID),
	)
	return nil
}
