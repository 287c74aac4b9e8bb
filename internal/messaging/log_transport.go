package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/Respite/internal/models"
)

// LogTransport writes commands to the log. It is the default for methods
// without a device channel in development setups.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport; a nil logger uses slog.Default.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Send implements Transport.
func (t *LogTransport) Send(ctx context.Context, cmd models.DeliveryCommand) error {
	t.logger.Info("LogTransport.Send: intervention",
		"command_id", cmd.ID,
		"user_id", cmd.UserID,
		"method", cmd.Method,
		"title", cmd.Title,
		"message", cmd.Message)
	return nil
}
