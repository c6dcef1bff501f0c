package msghub

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Lifecycle event types emitted to registered observers.
const (
	// EventTypeApplicationLaunched is emitted after all gateways started.
	EventTypeApplicationLaunched = "com.msghub.application.launched"
	// EventTypeApplicationStopped is emitted after shutdown completed.
	EventTypeApplicationStopped = "com.msghub.application.stopped"
	// EventTypeGatewayStarted is emitted per gateway during startup.
	EventTypeGatewayStarted = "com.msghub.gateway.started"
	// EventTypeGatewayStopped is emitted per gateway during shutdown.
	EventTypeGatewayStopped = "com.msghub.gateway.stopped"
	// EventTypeStateSaved is emitted after each completed state save.
	EventTypeStateSaved = "com.msghub.state.saved"
)

// NewEvent builds a CloudEvent with the required attributes populated.
func NewEvent(eventType, source string, data map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}
