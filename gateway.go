package msghub

import (
	"fmt"
	"sync"
)

// Gateway adapts an external message source to the application's topic
// namespace. Implementations consume the On* callbacks; they never call
// them. Apart from IsValidTopicName, which must be safe to call from any
// goroutine, every method is invoked only on the dispatch goroutine,
// between OnStart and OnStop.
//
// Inbound traffic flows the other way: a gateway calls HandleReceived on
// its embedded GatewayBase (from any goroutine) and the application
// enqueues the delivery.
type Gateway interface {
	// OnStart prepares the gateway for traffic. The bundles map carries the
	// gateway's persisted state keyed by localized subkey; it is empty on
	// first run. Returning an error aborts application startup.
	OnStart(bundles map[string]Bundle) error

	// OnAddTopicFilter informs the gateway that a localized topic filter
	// came into use, so it can set up any upstream subscription.
	OnAddTopicFilter(filter string) error

	// OnRemoveTopicFilter informs the gateway that the last subscription
	// using the localized filter was closed.
	OnRemoveTopicFilter(filter string) error

	// OnPublish delivers a message published towards this gateway. The
	// message topic is localized (gateway id prefix stripped).
	OnPublish(msg *Message) error

	// OnSaveState contributes the gateway's state to a snapshot. Keys
	// written into out must be prefixed with the gateway id; empty bundles
	// should be omitted.
	OnSaveState(out map[string]Bundle)

	// OnStop tears the gateway down. Called in reverse start order.
	OnStop()

	// IsValidTopicName reports whether the gateway can accept a publish to
	// the given localized topic. Unlike the other methods it may be called
	// from any goroutine and must not block.
	IsValidTopicName(topic string) bool
}

// LateStarter marks gateways that must start after every regular gateway,
// such as data gateways whose items subscribe to other gateways' topics.
// Start order is: the system gateway, then regular gateways in attach
// order, then late starters in attach order. Stop order is the reverse.
type LateStarter interface {
	StartLate() bool
}

// gatewayAttacher is the capability the application uses to bind identity.
// It is satisfied by embedding GatewayBase.
type gatewayAttacher interface {
	attach(app *Application, id string) error
	attachedID() string
}

// GatewayBase carries a gateway's identity and its back-reference to the
// owning application. Concrete gateways embed it (by pointer receiver
// promotion) to satisfy the attachment contract and to gain HandleReceived
// plus no-op defaults for the optional callbacks.
type GatewayBase struct {
	mu  sync.Mutex
	app *Application
	id  string
}

// attach binds id and application exactly once.
func (b *GatewayBase) attach(app *Application, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return ErrGatewayAlreadyAttached
	}
	b.app = app
	b.id = id
	return nil
}

func (b *GatewayBase) attachedID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// ID returns the gateway id assigned at attach time, or "" before attach.
func (b *GatewayBase) ID() string {
	return b.attachedID()
}

// App returns the owning application, or nil before attach.
func (b *GatewayBase) App() *Application {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.app
}

// HandleReceived forwards a message received from the gateway's external
// source into the application. Safe to call from any goroutine; delivery
// happens later on the dispatch goroutine. The topic must be a localized
// topic name without wildcards.
func (b *GatewayBase) HandleReceived(msg *Message) error {
	b.mu.Lock()
	app, id := b.app, b.id
	b.mu.Unlock()
	if app == nil {
		return ErrNotLaunched
	}
	if err := app.pushReceived(id, msg); err != nil {
		return fmt.Errorf("gateway %s received message rejected: %w", id, err)
	}
	return nil
}

// No-op defaults; concrete gateways override what they need.

func (b *GatewayBase) OnStart(bundles map[string]Bundle) error { return nil }

func (b *GatewayBase) OnAddTopicFilter(filter string) error { return nil }

func (b *GatewayBase) OnRemoveTopicFilter(filter string) error { return nil }

func (b *GatewayBase) OnSaveState(out map[string]Bundle) {}

func (b *GatewayBase) OnStop() {}

// gatewayHolder pairs an attached gateway with the topic filters routed to
// it. The filter maps are partitioned into simple (no wildcards, matched by
// string equality) and wildcard filters. Owned by the router lock.
type gatewayHolder struct {
	id              string
	gateway         Gateway
	simpleFilters   map[string]*topicFilterEntry
	wildcardFilters map[string]*topicFilterEntry
}

func newGatewayHolder(id string, gw Gateway) *gatewayHolder {
	return &gatewayHolder{
		id:              id,
		gateway:         gw,
		simpleFilters:   make(map[string]*topicFilterEntry),
		wildcardFilters: make(map[string]*topicFilterEntry),
	}
}
