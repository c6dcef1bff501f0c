package msghub

import (
	"fmt"
	"strings"
)

// SystemGatewayID is the reserved id of the built-in system gateway.
const SystemGatewayID = "$SYS"

// System topics, localized (published or emitted under the $SYS prefix).
const (
	// SystemTopicStart is emitted once after all gateways started.
	SystemTopicStart = "start"
	// SystemTopicStateSaved is emitted after each completed state save.
	SystemTopicStateSaved = "state-saved"
	// SystemTopicExit requests the dispatch loop to terminate.
	SystemTopicExit = "exit"
	// SystemTopicSave requests an immediate state save.
	SystemTopicSave = "save"
)

// systemGateway exposes application control as topics. Publishing "exit"
// requests shutdown, publishing "save" triggers a state save; both are
// matched case-insensitively. The gateway emits "start" on startup and
// "state-saved" after each save.
type systemGateway struct {
	GatewayBase
}

func newSystemGateway() *systemGateway {
	return &systemGateway{}
}

func (g *systemGateway) OnStart(bundles map[string]Bundle) error {
	// Enqueued here, delivered once the loop starts draining.
	return g.HandleReceived(NewMessage(SystemTopicStart, nil))
}

func (g *systemGateway) OnPublish(msg *Message) error {
	switch strings.ToLower(msg.Topic()) {
	case SystemTopicExit:
		g.App().RequestExit()
		return nil
	case SystemTopicSave:
		g.App().saveState()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrTopicRejectedByTarget, msg.Topic())
	}
}

func (g *systemGateway) IsValidTopicName(topic string) bool {
	lower := strings.ToLower(topic)
	return lower == SystemTopicExit || lower == SystemTopicSave
}

// announceStateSaved emits the state-saved notification. Dispatch
// goroutine only.
func (g *systemGateway) announceStateSaved() {
	if err := g.HandleReceived(NewMessage(SystemTopicStateSaved, nil)); err != nil {
		g.App().logger.Debug("state-saved notification dropped", "error", err)
	}
}
