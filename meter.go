package uploadgate

import "time"

// Meter observes admission and upload events for monitoring/logging.
type Meter interface {
	// OnDecision is called after every Admit, granted or not.
	OnDecision(event DecisionEvent)

	// OnUpload is called when the upload executor returns.
	OnUpload(event UploadEvent)
}

// DecisionEvent describes an admission decision.
type DecisionEvent struct {
	Identity Identity
	Decision Decision

	// Downgraded is set when evaluation allowed the request but the commit lost
	// the race for the last token.
	Downgraded bool
	Error      error
}

// UploadEvent describes the outcome of an executor call.
type UploadEvent struct {
	Identity   Identity
	TicketID   string
	UniverseID string
	PlaceID    string
	Bytes      int64
	Success    bool
	StatusCode int
	Duration   time.Duration
	Error      error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnDecision(DecisionEvent) {}
func (noopMeter) OnUpload(UploadEvent)     {}
