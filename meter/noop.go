package meter

import "github.com/ineyio/uploadgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ uploadgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(uploadgate.DecisionEvent) {}
func (m *NoopMeter) OnUpload(uploadgate.UploadEvent)     {}

// Multi fans events out to several meters in order.
type Multi []uploadgate.Meter

var _ uploadgate.Meter = Multi(nil)

func (m Multi) OnDecision(e uploadgate.DecisionEvent) {
	for _, mm := range m {
		mm.OnDecision(e)
	}
}

func (m Multi) OnUpload(e uploadgate.UploadEvent) {
	for _, mm := range m {
		mm.OnUpload(e)
	}
}
