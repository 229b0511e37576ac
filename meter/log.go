package meter

import (
	"log/slog"

	"github.com/ineyio/uploadgate"
)

// LogMeter logs admission and upload events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ uploadgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e uploadgate.DecisionEvent) {
	switch {
	case e.Error != nil:
		m.Logger.Error("admission_error",
			"identity", e.Identity,
			"reason", e.Decision.Reason,
			"error", e.Error,
		)
	case e.Decision.Allowed:
		m.Logger.Info("admitted",
			"identity", e.Identity,
			"ticket", e.Decision.TicketID,
			"tokens_remaining", e.Decision.TokensRemaining,
			"cooldown_remaining", e.Decision.CooldownRemaining,
		)
	default:
		m.Logger.Info("denied",
			"identity", e.Identity,
			"reason", e.Decision.Reason,
			"tokens_remaining", e.Decision.TokensRemaining,
			"cooldown_remaining", e.Decision.CooldownRemaining,
			"downgraded", e.Downgraded,
		)
	}
}

func (m *LogMeter) OnUpload(e uploadgate.UploadEvent) {
	if e.Success {
		m.Logger.Info("upload",
			"identity", e.Identity,
			"ticket", e.TicketID,
			"universe_id", e.UniverseID,
			"place_id", e.PlaceID,
			"bytes", e.Bytes,
			"status", e.StatusCode,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("upload_error",
			"identity", e.Identity,
			"ticket", e.TicketID,
			"universe_id", e.UniverseID,
			"place_id", e.PlaceID,
			"bytes", e.Bytes,
			"status", e.StatusCode,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
