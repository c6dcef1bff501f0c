package msghub

import (
	"fmt"

	"github.com/golobby/cast"
)

// DataGatewayID is the recommended id for an application's data gateway.
const DataGatewayID = "data"

// DataGateway hosts data items. It activates them on start (after every
// regular gateway, so item dependencies on other gateways' topics can be
// wired), announces item value changes as received messages, applies
// publishes as change requests, and snapshots item state on save.
type DataGateway struct {
	GatewayBase
	items map[string]Item
	order []string
}

// NewDataGateway creates an empty data gateway.
func NewDataGateway() *DataGateway {
	return &DataGateway{items: make(map[string]Item)}
}

// StartLate places the gateway in the last start phase.
func (g *DataGateway) StartLate() bool { return true }

// AddItem attaches a data item under the given local id. Items must be
// added before the application is launched.
func (g *DataGateway) AddItem(localID string, item Item) error {
	if item == nil {
		return ErrNilItem
	}
	if !isValidItemLocalID(localID) {
		return fmt.Errorf("%w: %q", ErrInvalidItemID, localID)
	}
	if _, exists := g.items[localID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateItemID, localID)
	}
	if err := item.attachItem(g, localID); err != nil {
		return err
	}
	g.items[localID] = item
	g.order = append(g.order, localID)
	return nil
}

// Item returns the item registered under the local id.
func (g *DataGateway) Item(localID string) (Item, bool) {
	item, ok := g.items[localID]
	return item, ok
}

// Items returns the hosted items in registration order.
func (g *DataGateway) Items() []Item {
	items := make([]Item, 0, len(g.order))
	for _, id := range g.order {
		items = append(items, g.items[id])
	}
	return items
}

// OnStart activates every item in registration order, handing each its
// saved bundle, then verifies the dependency graph is acyclic. Any
// activation error or cycle aborts application startup.
func (g *DataGateway) OnStart(bundles map[string]Bundle) error {
	for _, localID := range g.order {
		saved, ok := bundles[localID]
		if !ok || saved.values == nil {
			saved = NewBundle()
		}
		if err := g.items[localID].activate(saved); err != nil {
			return err
		}
	}
	if err := g.checkCycles(); err != nil {
		return err
	}
	return nil
}

// OnPublish treats the localized topic as an item id and the payload text
// as a requested value, converted to the item's value type.
func (g *DataGateway) OnPublish(msg *Message) error {
	item, ok := g.items[msg.Topic()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, msg.Topic())
	}
	if item.ReadOnly() {
		return fmt.Errorf("%w: %q", ErrItemReadOnly, item.ID())
	}
	value, err := cast.FromType(msg.PayloadText(), item.ValueType())
	if err != nil {
		return fmt.Errorf("cannot convert payload for item %q: %w", item.ID(), err)
	}
	item.applyChangeRequest(value)
	return nil
}

// OnSaveState records every item's non-empty bundle under
// "gatewayId/localItemId".
func (g *DataGateway) OnSaveState(out map[string]Bundle) {
	for _, localID := range g.order {
		bundle := NewBundle()
		g.items[localID].saveState(bundle)
		if !bundle.IsEmpty() {
			out[g.ID()+"/"+localID] = bundle
		}
	}
}

// OnStop deactivates items in reverse registration order.
func (g *DataGateway) OnStop() {
	for i := len(g.order) - 1; i >= 0; i-- {
		g.items[g.order[i]].deactivate()
	}
}

// IsValidTopicName accepts exactly the hosted item ids.
func (g *DataGateway) IsValidTopicName(topic string) bool {
	_, ok := g.items[topic]
	return ok
}

// notifyItemChanged emits a received message carrying an item's new value,
// delivered synchronously so subscribers observe the change before
// dependants resynchronize. Dispatch goroutine only.
func (g *DataGateway) notifyItemChanged(localID string, payload []byte) {
	app := g.App()
	if app == nil {
		return
	}
	holder := app.holderByID(g.ID())
	if holder == nil {
		return
	}
	if err := app.deliverReceived(holder, NewMessage(localID, payload)); err != nil {
		app.logger.Error("Item change delivery failed", "item", g.ID()+"/"+localID, "error", err)
	}
}

// checkCycles walks the dependency graph reachable from this gateway's
// items and fails on the first cycle.
func (g *DataGateway) checkCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := make(map[Item]int)

	var visit func(item Item, path []string) error
	visit = func(item Item, path []string) error {
		switch colors[item] {
		case visiting:
			return fmt.Errorf("%w: %v -> %s", ErrDependencyCycle, path, item.ID())
		case done:
			return nil
		}
		colors[item] = visiting
		for _, dep := range item.dependencies() {
			if err := visit(dep, append(path, item.ID())); err != nil {
				return err
			}
		}
		colors[item] = done
		return nil
	}

	for _, localID := range g.order {
		if err := visit(g.items[localID], nil); err != nil {
			return err
		}
	}
	return nil
}
